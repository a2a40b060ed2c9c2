package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/yourusername/convertmaster-go/internal/domain"
	"github.com/yourusername/convertmaster-go/pkg/logger"
)

// Runner drives a single job against the extraction backend
type Runner struct {
	backend      domain.ExtractionBackend
	audioCodec   string
	audioBitrate string
	logger       *zap.Logger
}

// NewRunner creates a new job runner
func NewRunner(backend domain.ExtractionBackend, config *domain.BackendConfig, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		backend:      backend,
		audioCodec:   "mp3",
		audioBitrate: "192k",
		logger:       log,
	}
	if config != nil {
		if config.AudioCodec != "" {
			r.audioCodec = config.AudioCodec
		}
		if config.AudioBitrate != "" {
			r.audioBitrate = config.AudioBitrate
		}
	}
	return r
}

// StagingDir returns the per-job directory the transfer writes into
func StagingDir(job domain.Job) string {
	return filepath.Join(job.OutputDirectory, "."+job.ID+".part")
}

// Run executes the job and returns its outcome. Progress goes to reporter;
// the terminal outcome is returned, not reported.
func (r *Runner) Run(ctx context.Context, job domain.Job, reporter domain.ProgressReporter) domain.Outcome {
	log := logger.Job(r.logger, job.ID)

	selector, err := domain.SelectorFor(job)
	if err != nil {
		return failed(err)
	}

	staging := StagingDir(job)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return failed(domain.NewTransferFailed("failed to create staging directory", err))
	}
	defer os.RemoveAll(staging)

	tracker := &progressTracker{jobID: job.ID, reporter: reporter}

	progress := func(p domain.TransferProgress) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tracker.forward(p)
		return nil
	}

	log.Debug("Starting transfer",
		zap.String("locator", job.SourceLocator),
		zap.Bool("audio_only", selector.AudioOnly),
		zap.Int("max_height", selector.MaxHeight))

	result, err := r.backend.Transfer(ctx, job.SourceLocator, selector, staging, progress)
	if ctx.Err() != nil {
		return cancelled()
	}
	if err != nil {
		log.Warn("Transfer failed", zap.Error(err))
		return failed(classify(err, domain.ErrTransferFailed))
	}
	if result.FilePath == "" {
		return failed(domain.NewTransferFailed("backend reported no output file", nil))
	}

	filePath := result.FilePath
	if selector.AudioOnly {
		if ctx.Err() != nil {
			return cancelled()
		}
		tracker.emit(tracker.last, nil, domain.PhasePostProcessing)

		filePath, err = r.backend.PostProcess(ctx, result.FilePath, r.audioCodec, r.audioBitrate)
		if ctx.Err() != nil {
			return cancelled()
		}
		if err != nil {
			log.Warn("Post-processing failed", zap.Error(err))
			return failed(classify(err, domain.ErrPostProcessingFailed))
		}
	}

	dest, err := moveToOutput(filePath, job.OutputDirectory)
	if err != nil {
		return failed(domain.NewTransferFailed("failed to move output file", err))
	}

	tracker.emit(100, nil, domain.PhaseDone)
	log.Debug("Job finished", zap.String("file", dest))

	return domain.Outcome{State: domain.StateSucceeded, FilePath: dest}
}

// progressTracker converts raw samples into monotonic progress events
type progressTracker struct {
	jobID    string
	reporter domain.ProgressReporter
	last     int
	started  bool
}

func (t *progressTracker) forward(p domain.TransferProgress) {
	percent := t.last
	if p.TotalBytes > 0 {
		percent = PercentOf(p.DownloadedBytes, p.TotalBytes)
	}
	phase := p.Phase
	if phase == "" {
		phase = domain.PhaseFetching
	}
	eta := p.ETA
	if eta != nil && *eta < 0 {
		eta = nil
	}
	t.emit(percent, eta, phase)
}

func (t *progressTracker) emit(percent int, eta *int, phase domain.Phase) {
	if t.started && percent < t.last {
		return
	}
	t.started = true
	t.last = percent
	t.reporter.OnProgress(domain.ProgressEvent{
		JobID:           t.jobID,
		PercentComplete: percent,
		ETASeconds:      eta,
		Phase:           phase,
	})
}

// PercentOf returns floor(done/total*100) clamped to [0,100]
func PercentOf(done, total int64) int {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return int(done * 100 / total)
}

// classify keeps backend-classified errors and wraps anything else as kind
func classify(err error, kind error) error {
	if errors.Is(err, domain.ErrBackendUnavailable) ||
		errors.Is(err, domain.ErrTransferFailed) ||
		errors.Is(err, domain.ErrPostProcessingFailed) {
		return err
	}
	if kind == domain.ErrPostProcessingFailed {
		return domain.NewPostProcessingFailed("", err)
	}
	return domain.NewTransferFailed("", err)
}

// moveToOutput renames file into dir, picking a free name when one is taken.
// The name is claimed with an exclusive create so concurrent jobs never
// overwrite each other's output.
func moveToOutput(file, dir string) (string, error) {
	base := filepath.Base(file)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	dest := filepath.Join(dir, base)
	for i := 1; ; i++ {
		claim, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			claim.Close()
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
		dest = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}

	if err := os.Rename(file, dest); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

func failed(err error) domain.Outcome {
	return domain.Outcome{State: domain.StateFailed, Err: err}
}

func cancelled() domain.Outcome {
	return domain.Outcome{State: domain.StateCancelled, Err: context.Canceled}
}
