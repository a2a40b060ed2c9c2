package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/convertmaster-go/internal/domain"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type testHarness struct {
	orch     *Orchestrator
	backend  *fakeBackend
	reporter *recordingReporter
	repo     *memoryRepository
}

func newHarness(t *testing.T, config domain.OrchestratorConfig, backend *fakeBackend, repo *memoryRepository) *testHarness {
	t.Helper()

	reporter := newRecordingReporter()
	deps := OrchestratorDeps{
		Validator: NewRequestValidator(backend, nil, 0, nil),
		Runner:    NewRunner(backend, nil, nil),
		Reporter:  reporter,
	}
	if repo != nil {
		deps.Repository = repo
	}
	orch := NewOrchestrator(config, deps)
	require.NoError(t, orch.Start(context.Background()))

	t.Cleanup(func() {
		if orch.IsRunning() {
			_ = orch.Stop()
		}
	})

	return &testHarness{orch: orch, backend: backend, reporter: reporter, repo: repo}
}

func (h *testHarness) submit(t *testing.T, format domain.TargetFormat, quality, dir string) string {
	t.Helper()
	id, err := h.orch.Submit(context.Background(), domain.Request{
		SourceLocator:   "video://abc",
		TargetFormat:    format,
		TargetQuality:   quality,
		OutputDirectory: dir,
	})
	require.NoError(t, err)
	return id
}

func (h *testHarness) waitState(t *testing.T, id string, want domain.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.orch.Status(id)
		return err == nil && st == want
	}, waitFor, tick, "job %s never reached %s", id, want)
}

func (h *testHarness) waitTerminal(t *testing.T, id string) domain.Outcome {
	t.Helper()
	var outcome domain.Outcome
	require.Eventually(t, func() bool {
		var ok bool
		outcome, ok = h.reporter.terminal(id)
		return ok
	}, waitFor, tick, "no terminal event for %s", id)
	return outcome
}

func TestOrchestrator_AudioOnlySucceeds(t *testing.T) {
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, newFakeBackend(), nil)
	dir := t.TempDir()

	id := h.submit(t, domain.FormatAudioOnly, "", dir)
	outcome := h.waitTerminal(t, id)

	assert.Equal(t, domain.StateSucceeded, outcome.State)
	h.waitState(t, id, domain.StateSucceeded)

	summary, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 100, summary.PercentComplete)
	assert.Equal(t, domain.PhaseDone, summary.Phase)
	assert.FileExists(t, summary.FilePath)
	assert.Equal(t, []string{"clip1.mp3"}, dirEntries(t, dir))

	events := h.reporter.eventsFor(id)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, 100, last.PercentComplete)
	assert.Equal(t, domain.PhaseDone, last.Phase)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].PercentComplete, events[i-1].PercentComplete)
	}
}

func TestOrchestrator_RejectsUnavailableQuality(t *testing.T) {
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, newFakeBackend(), nil)

	_, err := h.orch.Submit(context.Background(), domain.Request{
		SourceLocator:   "video://abc",
		TargetFormat:    domain.FormatVideoWithAudio,
		TargetQuality:   "999p",
		OutputDirectory: t.TempDir(),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	list, err := h.orch.List(domain.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "no job is created")
	assert.Empty(t, h.backend.transferredLocators())
}

func TestOrchestrator_BackendUnavailableAtSubmission(t *testing.T) {
	backend := newFakeBackend()
	transient := domain.NewBackendUnavailable("timed out", nil, true)
	backend.probeErrs = []error{transient, transient}
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, backend, nil)

	_, err := h.orch.Submit(context.Background(), domain.Request{
		SourceLocator:   "video://abc",
		TargetFormat:    domain.FormatVideoWithAudio,
		TargetQuality:   "360p",
		OutputDirectory: t.TempDir(),
	})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, 2, backend.probeCalls)
}

func TestOrchestrator_SingleSlotIsFIFO(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, backend, nil)
	dir := t.TempDir()

	first := h.submit(t, domain.FormatVideoWithAudio, "360p", dir)
	second := h.submit(t, domain.FormatVideoWithAudio, "144p", dir)

	h.waitState(t, first, domain.StateRunning)
	st, err := h.orch.Status(second)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, st)

	backend.gate <- struct{}{}
	h.waitState(t, first, domain.StateSucceeded)
	h.waitState(t, second, domain.StateRunning)

	backend.gate <- struct{}{}
	h.waitState(t, second, domain.StateSucceeded)
	h.waitTerminal(t, second)
	assert.Equal(t, []string{first, second}, h.reporter.terminalOrder())
}

func TestOrchestrator_CancelQueuedNeverRuns(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, backend, nil)
	dir := t.TempDir()

	first := h.submit(t, domain.FormatAudioOnly, "", dir)
	second := h.submit(t, domain.FormatAudioOnly, "", dir)
	h.waitState(t, first, domain.StateRunning)

	require.NoError(t, h.orch.Cancel(second))
	st, err := h.orch.Status(second)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, st)

	assert.ErrorIs(t, h.orch.Cancel(second), domain.ErrAlreadyTerminal)
	assert.ErrorIs(t, h.orch.Cancel("no-such-job"), domain.ErrJobNotFound)

	close(backend.gate)
	h.waitState(t, first, domain.StateSucceeded)

	outcome := h.waitTerminal(t, second)
	assert.Equal(t, domain.StateCancelled, outcome.State)
	assert.Len(t, h.backend.transferredLocators(), 1, "cancelled job never reached the backend")
	assert.Empty(t, h.reporter.eventsFor(second))
}

func TestOrchestrator_CancelRunningDiscardsOutput(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, backend, nil)
	dir := t.TempDir()

	id := h.submit(t, domain.FormatAudioOnly, "", dir)
	h.waitState(t, id, domain.StateRunning)
	require.Eventually(t, func() bool { return len(backend.transferredLocators()) == 1 }, waitFor, tick)

	require.NoError(t, h.orch.Cancel(id))
	if err := h.orch.Cancel(id); err != nil {
		assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	}

	h.waitState(t, id, domain.StateCancelled)
	outcome := h.waitTerminal(t, id)
	assert.Equal(t, domain.StateCancelled, outcome.State)
	assert.Empty(t, dirEntries(t, dir), "no partial output remains")

	summary, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, causeCancelledByUser, summary.Cause)
	assert.Empty(t, summary.FilePath)
}

func TestOrchestrator_CancelRacingSuccessRemovesFile(t *testing.T) {
	backend := newFakeBackend()
	reporter := newRecordingReporter()
	dir := t.TempDir()

	finish := make(chan struct{})
	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, job domain.Job, _ domain.ProgressReporter) domain.Outcome {
		close(started)
		<-finish
		// reports success even though ctx was cancelled
		path := filepath.Join(job.OutputDirectory, "done.mp4")
		if err := os.WriteFile(path, []byte("media"), 0644); err != nil {
			return domain.Outcome{State: domain.StateFailed, Err: err}
		}
		return domain.Outcome{State: domain.StateSucceeded, FilePath: path}
	})

	orch := NewOrchestrator(domain.OrchestratorConfig{MaxConcurrentJobs: 1}, OrchestratorDeps{
		Validator: NewRequestValidator(backend, nil, 0, nil),
		Runner:    runner,
		Reporter:  reporter,
	})
	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop()

	id, err := orch.Submit(context.Background(), domain.Request{
		SourceLocator:   "video://abc",
		TargetFormat:    domain.FormatVideoWithAudio,
		TargetQuality:   "360p",
		OutputDirectory: dir,
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, orch.Cancel(id))
	close(finish)

	require.Eventually(t, func() bool {
		outcome, ok := reporter.terminal(id)
		return ok && outcome.State == domain.StateCancelled
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(dirEntries(t, dir)) == 0 }, waitFor, tick)

	st, err := orch.Status(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, st)
}

func TestOrchestrator_ConcurrencyBound(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 2}, backend, nil)
	dir := t.TempDir()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.submit(t, domain.FormatVideoWithAudio, "360p", dir))
	}

	require.Eventually(t, func() bool { return len(backend.transferredLocators()) == 2 }, waitFor, tick)
	stats, err := h.orch.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Running)
	assert.Equal(t, int64(3), stats.Queued)

	close(backend.gate)
	for _, id := range ids {
		h.waitState(t, id, domain.StateSucceeded)
	}
	assert.LessOrEqual(t, backend.peakActive(), 2)
	assert.Len(t, backend.transferredLocators(), 5)
}

func TestOrchestrator_FailureFreesSlot(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, backend, nil)
	dir := t.TempDir()

	backend.mu.Lock()
	backend.transferErr = fmt.Errorf("HTTP Error 404")
	backend.mu.Unlock()

	failedID := h.submit(t, domain.FormatVideoWithAudio, "360p", dir)
	outcome := h.waitTerminal(t, failedID)
	assert.Equal(t, domain.StateFailed, outcome.State)

	summary, err := h.orch.Get(failedID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, summary.State)
	assert.Equal(t, "transfer_failed", summary.ErrorKind)
	assert.Contains(t, summary.Cause, "HTTP Error 404")
	assert.Len(t, backend.transferredLocators(), 1, "no automatic retry")

	backend.mu.Lock()
	backend.transferErr = nil
	backend.mu.Unlock()

	okID := h.submit(t, domain.FormatVideoWithAudio, "360p", dir)
	h.waitState(t, okID, domain.StateSucceeded)
}

func TestOrchestrator_ListOrderAndFilter(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, backend, nil)
	dir := t.TempDir()

	a := h.submit(t, domain.FormatAudioOnly, "", dir)
	b := h.submit(t, domain.FormatAudioOnly, "", dir)
	c := h.submit(t, domain.FormatVideoWithAudio, "144p", dir)
	h.waitState(t, a, domain.StateRunning)
	require.NoError(t, h.orch.Cancel(b))

	list, err := h.orch.List(domain.JobFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{a, b, c}, []string{list[0].ID, list[1].ID, list[2].ID})

	queued, err := h.orch.List(domain.JobFilter{States: []domain.JobState{domain.StateQueued}})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, c, queued[0].ID)

	limited, err := h.orch.List(domain.JobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	close(backend.gate)
}

func TestOrchestrator_HistoryLimit(t *testing.T) {
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1, HistoryLimit: 2}, newFakeBackend(), nil)
	dir := t.TempDir()

	var ids []string
	for i := 0; i < 3; i++ {
		id := h.submit(t, domain.FormatVideoWithAudio, "360p", dir)
		h.waitState(t, id, domain.StateSucceeded)
		ids = append(ids, id)
	}

	list, err := h.orch.List(domain.JobFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[1], list[0].ID)
	assert.Equal(t, ids[2], list[1].ID)

	_, err = h.orch.Get(ids[0])
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestOrchestrator_HistoryMaxAge(t *testing.T) {
	repo := newMemoryRepository()
	h := newHarness(t, domain.OrchestratorConfig{
		MaxConcurrentJobs: 1,
		HistoryMaxAge:     30 * time.Millisecond,
		PruneInterval:     10 * time.Millisecond,
	}, newFakeBackend(), repo)

	id := h.submit(t, domain.FormatAudioOnly, "", t.TempDir())
	h.waitTerminal(t, id)

	require.Eventually(t, func() bool {
		_, err := h.orch.Get(id)
		return err == domain.ErrJobNotFound
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		_, ok := repo.get(id)
		return !ok
	}, waitFor, tick, "evicted jobs are removed from the store")
}

func TestOrchestrator_Resubmit(t *testing.T) {
	backend := newFakeBackend()
	backend.transferErr = fmt.Errorf("network down")
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, backend, nil)
	dir := t.TempDir()

	failedID := h.submit(t, domain.FormatVideoWithAudio, "360p", dir)
	h.waitState(t, failedID, domain.StateFailed)

	backend.mu.Lock()
	backend.transferErr = nil
	backend.mu.Unlock()

	newID, err := h.orch.Resubmit(context.Background(), failedID)
	require.NoError(t, err)
	assert.NotEqual(t, failedID, newID)
	h.waitState(t, newID, domain.StateSucceeded)

	resubmitted, err := h.orch.Get(newID)
	require.NoError(t, err)
	assert.Equal(t, "360p", resubmitted.TargetQuality)

	_, err = h.orch.Resubmit(context.Background(), newID)
	assert.ErrorIs(t, err, domain.ErrValidation, "succeeded jobs cannot be retried")

	_, err = h.orch.Resubmit(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestOrchestrator_Renditions(t *testing.T) {
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, newFakeBackend(), nil)

	renditions, err := h.orch.Renditions(context.Background(), "video://abc")
	require.NoError(t, err)
	assert.Equal(t, []int{144, 360}, domain.VideoHeights(renditions))
}

func TestOrchestrator_StopCancelsEverything(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	repo := newMemoryRepository()
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, backend, repo)
	dir := t.TempDir()

	running := h.submit(t, domain.FormatAudioOnly, "", dir)
	queued := h.submit(t, domain.FormatAudioOnly, "", dir)
	h.waitState(t, running, domain.StateRunning)

	require.NoError(t, h.orch.Stop())

	for _, id := range []string{running, queued} {
		outcome, ok := h.reporter.terminal(id)
		require.True(t, ok)
		assert.Equal(t, domain.StateCancelled, outcome.State)

		stored, ok := repo.get(id)
		require.True(t, ok)
		assert.Equal(t, domain.StateCancelled, stored.State)
		assert.Equal(t, causeShutdown, stored.Cause)
	}
	assert.Empty(t, dirEntries(t, dir))

	_, err := h.orch.Submit(context.Background(), domain.Request{SourceLocator: "video://abc", TargetFormat: domain.FormatAudioOnly, OutputDirectory: dir})
	assert.ErrorIs(t, err, domain.ErrOrchestratorStopped)
	_, err = h.orch.Status(running)
	assert.ErrorIs(t, err, domain.ErrOrchestratorStopped)
	assert.Error(t, h.orch.Stop())
	assert.ErrorIs(t, h.orch.Start(context.Background()), domain.ErrOrchestratorStopped)
}

func TestOrchestrator_StartContextDoneShutsDown(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	repo := newMemoryRepository()
	reporter := newRecordingReporter()
	orch := NewOrchestrator(domain.OrchestratorConfig{MaxConcurrentJobs: 1}, OrchestratorDeps{
		Validator:  NewRequestValidator(backend, nil, 0, nil),
		Runner:     NewRunner(backend, nil, nil),
		Reporter:   reporter,
		Repository: repo,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, orch.Start(ctx))
	h := &testHarness{orch: orch, backend: backend, reporter: reporter, repo: repo}
	dir := t.TempDir()

	running := h.submit(t, domain.FormatAudioOnly, "", dir)
	queued := h.submit(t, domain.FormatAudioOnly, "", dir)
	h.waitState(t, running, domain.StateRunning)

	cancel()

	for _, id := range []string{running, queued} {
		outcome := h.waitTerminal(t, id)
		assert.Equal(t, domain.StateCancelled, outcome.State)
	}
	require.Eventually(t, func() bool { return !orch.IsRunning() }, waitFor, tick)

	_, err := orch.Submit(context.Background(), domain.Request{SourceLocator: "video://abc", TargetFormat: domain.FormatAudioOnly, OutputDirectory: dir})
	assert.ErrorIs(t, err, domain.ErrOrchestratorStopped)

	require.NoError(t, orch.Stop())
	for _, id := range []string{running, queued} {
		stored, ok := repo.get(id)
		require.True(t, ok)
		assert.Equal(t, domain.StateCancelled, stored.State)
		assert.Equal(t, causeShutdown, stored.Cause)
	}
	assert.Len(t, backend.transferredLocators(), 1, "queued job never ran")
}

func TestOrchestrator_RestoresHistory(t *testing.T) {
	dir := t.TempDir()
	req := domain.Request{SourceLocator: "video://abc", TargetFormat: domain.FormatAudioOnly, OutputDirectory: dir}

	interrupted := domain.NewSummary(domain.NewJob(req), 1)
	require.NoError(t, interrupted.MarkRunning())
	pending := domain.NewSummary(domain.NewJob(req), 2)
	done := domain.NewSummary(domain.NewJob(req), 3)
	require.NoError(t, done.MarkRunning())
	require.NoError(t, done.MarkSucceeded("/somewhere/file.mp3"))

	repo := newMemoryRepository(interrupted, pending, done)
	h := newHarness(t, domain.OrchestratorConfig{MaxConcurrentJobs: 1}, newFakeBackend(), repo)

	h.waitState(t, interrupted.ID, domain.StateFailed)
	summary, err := h.orch.Get(interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, causeInterrupted, summary.Cause)

	h.waitState(t, pending.ID, domain.StateSucceeded)
	h.waitState(t, done.ID, domain.StateSucceeded)

	id := h.submit(t, domain.FormatAudioOnly, "", dir)
	newest, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), newest.Seq, "sequence continues after restored jobs")

	require.Eventually(t, func() bool {
		stored, ok := repo.get(pending.ID)
		return ok && stored.State == domain.StateSucceeded
	}, waitFor, tick)
}

type runnerFunc func(ctx context.Context, job domain.Job, reporter domain.ProgressReporter) domain.Outcome

func (f runnerFunc) Run(ctx context.Context, job domain.Job, reporter domain.ProgressReporter) domain.Outcome {
	return f(ctx, job, reporter)
}
