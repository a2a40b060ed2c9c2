package infrastructure

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/yourusername/convertmaster-go/internal/domain"
	"go.uber.org/zap"
)

const notifyTimeout = 5 * time.Second

// NotificationService sends desktop notifications when jobs finish
type NotificationService struct {
	config *domain.NotificationConfig
	logger *zap.Logger
	run    func(ctx context.Context, name string, args ...string) error
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		config: config,
		logger: logger,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// OnProgress ignores progress; only terminal outcomes are announced
func (n *NotificationService) OnProgress(domain.ProgressEvent) {}

// OnTerminal announces a finished job
func (n *NotificationService) OnTerminal(jobID string, outcome domain.Outcome) {
	title, message := describeOutcome(jobID, outcome)
	n.Send(title, message)
}

// Send sends a notification
func (n *NotificationService) Send(title, message string) error {
	if !n.config.Enabled {
		n.logger.Debug("Notifications disabled, skipping",
			zap.String("title", title),
			zap.String("message", message))
		return nil
	}

	var name string
	var args []string
	switch n.config.Method {
	case "osascript":
		name, args = "osascript", []string{"-e", osaScript(title, message, n.config.Sound)}
	case "notify-send":
		name, args = "notify-send", []string{title, message}
		if n.config.Sound {
			args = append([]string{"--hint=string:sound-name:complete"}, args...)
		}
	default:
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := n.run(ctx, name, args...); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", n.config.Method),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))

	return nil
}

// osaScript builds the AppleScript for a notification
func osaScript(title, message string, sound bool) string {
	script := fmt.Sprintf(`display notification %q with title %q`, message, title)
	if sound {
		script += ` sound name "default"`
	}
	return script
}

// describeOutcome renders the notification title and body for an outcome
func describeOutcome(jobID string, outcome domain.Outcome) (string, string) {
	short := truncateString(jobID, 8)
	switch outcome.State {
	case domain.StateSucceeded:
		return "Download Completed", fmt.Sprintf("Saved %s (%s)", truncateString(filepath.Base(outcome.FilePath), 40), short)
	case domain.StateCancelled:
		return "Download Cancelled", fmt.Sprintf("Job %s was cancelled", short)
	default:
		cause := strings.TrimSpace(outcome.Cause())
		if cause == "" {
			cause = "unknown error"
		}
		return "Download Failed", fmt.Sprintf("Job %s: %s", short, truncateString(cause, 60))
	}
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
