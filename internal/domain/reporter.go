package domain

import "time"

// ProgressReporter receives job progress and terminal outcomes.
// Calls for a single job arrive in order; OnTerminal is the last call for a job.
type ProgressReporter interface {
	OnProgress(event ProgressEvent)
	OnTerminal(jobID string, outcome Outcome)
}

// NopReporter discards all events
type NopReporter struct{}

func (NopReporter) OnProgress(ProgressEvent)   {}
func (NopReporter) OnTerminal(string, Outcome) {}

// FanoutReporter forwards every event to each reporter in order
type FanoutReporter []ProgressReporter

func (f FanoutReporter) OnProgress(event ProgressEvent) {
	for _, r := range f {
		r.OnProgress(event)
	}
}

func (f FanoutReporter) OnTerminal(jobID string, outcome Outcome) {
	for _, r := range f {
		r.OnTerminal(jobID, outcome)
	}
}

// Event types carried by JobEvent
const (
	EventProgress = "progress"
	EventTerminal = "terminal"
)

// JobEvent is the wire form of a reporter call, shared by the event stream and pub/sub
type JobEvent struct {
	Type            string    `json:"type"`
	JobID           string    `json:"job_id"`
	PercentComplete int       `json:"percent_complete"`
	ETASeconds      *int      `json:"eta_seconds,omitempty"`
	Phase           Phase     `json:"phase,omitempty"`
	State           JobState  `json:"state,omitempty"`
	FilePath        string    `json:"file_path,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Cause           string    `json:"cause,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewProgressJobEvent converts a progress event
func NewProgressJobEvent(event ProgressEvent) JobEvent {
	return JobEvent{
		Type:            EventProgress,
		JobID:           event.JobID,
		PercentComplete: event.PercentComplete,
		ETASeconds:      event.ETASeconds,
		Phase:           event.Phase,
		State:           StateRunning,
		Timestamp:       time.Now(),
	}
}

// NewTerminalJobEvent converts a terminal outcome
func NewTerminalJobEvent(jobID string, outcome Outcome) JobEvent {
	ev := JobEvent{
		Type:      EventTerminal,
		JobID:     jobID,
		State:     outcome.State,
		FilePath:  outcome.FilePath,
		Timestamp: time.Now(),
	}
	switch outcome.State {
	case StateSucceeded:
		ev.PercentComplete = 100
		ev.Phase = PhaseDone
	case StateFailed:
		ev.ErrorKind = KindOf(outcome.Err)
		ev.Cause = outcome.Cause()
	case StateCancelled:
		ev.Cause = outcome.Cause()
	}
	return ev
}
