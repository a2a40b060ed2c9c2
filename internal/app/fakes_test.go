package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/yourusername/convertmaster-go/internal/domain"
)

// fakeBackend writes small files instead of fetching anything.
// When gate is set each transfer blocks until a value is received or ctx ends.
type fakeBackend struct {
	mu          sync.Mutex
	renditions  []domain.Rendition
	probeErrs   []error
	probeCalls  int
	transfers   []string
	active      int
	maxActive   int
	counter     int
	gate        chan struct{}
	transferErr error
	postErr     error
	postCalls   int

	transferFn func(ctx context.Context, dir string, progress domain.ProgressFunc) (domain.TransferResult, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		renditions: []domain.Rendition{
			{FormatID: "140", Ext: "m4a", HasAudio: true},
			{FormatID: "160", Ext: "mp4", Height: 144, HasVideo: true},
			{FormatID: "134", Ext: "mp4", Height: 360, HasVideo: true},
		},
	}
}

func (b *fakeBackend) ProbeRenditions(ctx context.Context, locator string) ([]domain.Rendition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeCalls++
	if len(b.probeErrs) > 0 {
		err := b.probeErrs[0]
		b.probeErrs = b.probeErrs[1:]
		return nil, err
	}
	return b.renditions, nil
}

func (b *fakeBackend) Transfer(ctx context.Context, locator string, selector domain.RenditionSelector, dir string, progress domain.ProgressFunc) (domain.TransferResult, error) {
	b.mu.Lock()
	b.transfers = append(b.transfers, locator)
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.counter++
	n := b.counter
	gate := b.gate
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	if b.transferFn != nil {
		return b.transferFn(ctx, dir, progress)
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.TransferResult{}, ctx.Err()
		}
	}

	if err := progress(domain.TransferProgress{DownloadedBytes: 50, TotalBytes: 100, Phase: domain.PhaseFetching}); err != nil {
		return domain.TransferResult{}, err
	}
	if b.transferErr != nil {
		return domain.TransferResult{}, b.transferErr
	}

	ext := "mp4"
	if selector.AudioOnly {
		ext = "webm"
	}
	path := filepath.Join(dir, fmt.Sprintf("clip%d.%s", n, ext))
	if err := os.WriteFile(path, []byte("media"), 0644); err != nil {
		return domain.TransferResult{}, err
	}
	if err := progress(domain.TransferProgress{DownloadedBytes: 100, TotalBytes: 100, Phase: domain.PhaseFetching}); err != nil {
		return domain.TransferResult{}, err
	}
	return domain.TransferResult{FilePath: path, Title: fmt.Sprintf("clip%d", n)}, nil
}

func (b *fakeBackend) PostProcess(ctx context.Context, filePath, codec, bitrate string) (string, error) {
	b.mu.Lock()
	b.postCalls++
	postErr := b.postErr
	b.mu.Unlock()

	if postErr != nil {
		return "", postErr
	}
	out := strings.TrimSuffix(filePath, filepath.Ext(filePath)) + "." + codec
	if err := os.Rename(filePath, out); err != nil {
		return "", err
	}
	return out, nil
}

func (b *fakeBackend) transferredLocators() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.transfers...)
}

func (b *fakeBackend) peakActive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

// recordingReporter keeps every event it receives
type recordingReporter struct {
	mu        sync.Mutex
	events    []domain.ProgressEvent
	terminals map[string]domain.Outcome
	order     []string
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{terminals: make(map[string]domain.Outcome)}
}

func (r *recordingReporter) OnProgress(event domain.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingReporter) OnTerminal(jobID string, outcome domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals[jobID] = outcome
	r.order = append(r.order, jobID)
}

func (r *recordingReporter) eventsFor(jobID string) []domain.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.ProgressEvent
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingReporter) terminal(jobID string) (domain.Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.terminals[jobID]
	return out, ok
}

func (r *recordingReporter) terminalOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// memoryRepository is an in-memory JobRepository
type memoryRepository struct {
	mu   sync.Mutex
	jobs map[string]domain.JobSummary
}

func newMemoryRepository(summaries ...*domain.JobSummary) *memoryRepository {
	r := &memoryRepository{jobs: make(map[string]domain.JobSummary)}
	for _, s := range summaries {
		r.jobs[s.ID] = *s
	}
	return r
}

func (r *memoryRepository) Save(summary *domain.JobSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[summary.ID] = *summary
	return nil
}

func (r *memoryRepository) Delete(ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.jobs, id)
	}
	return nil
}

func (r *memoryRepository) FindAll(filter domain.JobFilter) ([]*domain.JobSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.JobSummary
	for _, s := range r.jobs {
		s := s
		if filter.Matches(&s) {
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *memoryRepository) get(id string) (domain.JobSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.jobs[id]
	return s, ok
}
