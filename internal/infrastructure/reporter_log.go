package infrastructure

import (
	"sync"

	"github.com/yourusername/convertmaster-go/internal/domain"
	"github.com/yourusername/convertmaster-go/pkg/logger"
	"go.uber.org/zap"
)

// LogReporter writes job progress to the application logger.
// Progress is logged once per phase and every 25 percent to keep the log readable.
type LogReporter struct {
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]domain.ProgressEvent
}

// NewLogReporter creates a reporter logging through l
func NewLogReporter(l *zap.Logger) *LogReporter {
	return &LogReporter{
		logger: l,
		last:   make(map[string]domain.ProgressEvent),
	}
}

// OnProgress logs phase changes and progress milestones
func (r *LogReporter) OnProgress(event domain.ProgressEvent) {
	r.mu.Lock()
	prev, seen := r.last[event.JobID]
	log := !seen || prev.Phase != event.Phase || event.PercentComplete/25 > prev.PercentComplete/25
	if log {
		r.last[event.JobID] = event
	}
	r.mu.Unlock()

	if !log {
		return
	}

	fields := []zap.Field{
		zap.Int("percent", event.PercentComplete),
		zap.String("phase", string(event.Phase)),
	}
	if event.ETASeconds != nil {
		fields = append(fields, zap.Int("eta_seconds", *event.ETASeconds))
	}
	logger.Job(r.logger, event.JobID).Debug("Job progress", fields...)
}

// OnTerminal logs the outcome and forgets the job
func (r *LogReporter) OnTerminal(jobID string, outcome domain.Outcome) {
	r.mu.Lock()
	delete(r.last, jobID)
	r.mu.Unlock()

	l := logger.Job(r.logger, jobID).With(zap.String("state", string(outcome.State)))
	switch outcome.State {
	case domain.StateSucceeded:
		l.Info("Job succeeded", zap.String("file", outcome.FilePath))
	case domain.StateCancelled:
		l.Info("Job cancelled")
	default:
		l.Warn("Job failed",
			zap.String("error_kind", domain.KindOf(outcome.Err)),
			zap.String("cause", outcome.Cause()))
	}
}
