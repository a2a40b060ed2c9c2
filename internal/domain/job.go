package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a job
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s
func (s JobState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ValidateState checks if a state is one of the known states
func ValidateState(s JobState) bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition enforces the job state machine edges
func CanTransition(from, to JobState) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateCancelled
	default:
		return false
	}
}

// TargetFormat is the requested output kind
type TargetFormat string

const (
	FormatAudioOnly      TargetFormat = "audio_only"
	FormatVideoWithAudio TargetFormat = "video_with_audio"
)

// ValidateFormat checks if a target format is valid
func ValidateFormat(f TargetFormat) bool {
	return f == FormatAudioOnly || f == FormatVideoWithAudio
}

// Phase marks which stage a progress event belongs to
type Phase string

const (
	PhaseFetching       Phase = "fetching"
	PhasePostProcessing Phase = "post_processing"
	PhaseDone           Phase = "done"
)

// Request is what a caller submits
type Request struct {
	SourceLocator   string       `json:"source_locator"`
	TargetFormat    TargetFormat `json:"target_format"`
	TargetQuality   string       `json:"target_quality,omitempty"`
	OutputDirectory string       `json:"output_directory"`
}

// Job is an accepted request. It never changes after submission.
type Job struct {
	ID          string    `json:"id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Request
}

// NewJob creates a job with a fresh identifier
func NewJob(req Request) Job {
	if req.TargetFormat == FormatAudioOnly {
		req.TargetQuality = ""
	}
	return Job{
		ID:          uuid.New().String(),
		SubmittedAt: time.Now(),
		Request:     req,
	}
}

// ProgressEvent is a transient progress notification for a running job
type ProgressEvent struct {
	JobID           string `json:"job_id"`
	PercentComplete int    `json:"percent_complete"`
	ETASeconds      *int   `json:"eta_seconds,omitempty"`
	Phase           Phase  `json:"phase"`
}

// Outcome is the terminal result of running a job
type Outcome struct {
	State    JobState `json:"state"`
	FilePath string   `json:"file_path,omitempty"`
	Err      error    `json:"-"`
}

// Cause returns the originating error text, or "" for a clean outcome
func (o Outcome) Cause() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// JobSummary is a point-in-time copy of a job and its state
type JobSummary struct {
	ID              string       `json:"id" gorm:"primaryKey"`
	Seq             int64        `json:"seq" gorm:"index"`
	SourceLocator   string       `json:"source_locator" gorm:"not null"`
	TargetFormat    TargetFormat `json:"target_format" gorm:"not null"`
	TargetQuality   string       `json:"target_quality,omitempty"`
	OutputDirectory string       `json:"output_directory"`
	State           JobState     `json:"state" gorm:"not null;index"`
	PercentComplete int          `json:"percent_complete"`
	Phase           Phase        `json:"phase,omitempty"`
	ErrorKind       string       `json:"error_kind,omitempty"`
	Cause           string       `json:"cause,omitempty" gorm:"type:text"`
	FilePath        string       `json:"file_path,omitempty"`
	CancelRequested bool         `json:"cancel_requested,omitempty" gorm:"-"`
	SubmittedAt     time.Time    `json:"submitted_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
}

// TableName specifies the table name for GORM
func (JobSummary) TableName() string {
	return "jobs"
}

// NewSummary creates the queued summary for a freshly accepted job
func NewSummary(job Job, seq int64) *JobSummary {
	return &JobSummary{
		ID:              job.ID,
		Seq:             seq,
		SourceLocator:   job.SourceLocator,
		TargetFormat:    job.TargetFormat,
		TargetQuality:   job.TargetQuality,
		OutputDirectory: job.OutputDirectory,
		State:           StateQueued,
		SubmittedAt:     job.SubmittedAt,
	}
}

// Job rebuilds the immutable job description
func (s *JobSummary) Job() Job {
	return Job{
		ID:          s.ID,
		SubmittedAt: s.SubmittedAt,
		Request:     s.Request(),
	}
}

// Request returns the request the job was created from
func (s *JobSummary) Request() Request {
	return Request{
		SourceLocator:   s.SourceLocator,
		TargetFormat:    s.TargetFormat,
		TargetQuality:   s.TargetQuality,
		OutputDirectory: s.OutputDirectory,
	}
}

// IsTerminal checks if the job is in a terminal state
func (s *JobSummary) IsTerminal() bool {
	return s.State.IsTerminal()
}

// Transition moves the job to a new state if the state machine allows it
func (s *JobSummary) Transition(to JobState) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("invalid transition: %s -> %s", s.State, to)
	}
	s.State = to
	return nil
}

// MarkRunning marks the job as dispatched to a runner
func (s *JobSummary) MarkRunning() error {
	if err := s.Transition(StateRunning); err != nil {
		return err
	}
	now := time.Now()
	s.StartedAt = &now
	s.Phase = PhaseFetching
	return nil
}

// MarkSucceeded marks the job as completed with its output file
func (s *JobSummary) MarkSucceeded(filePath string) error {
	if err := s.Transition(StateSucceeded); err != nil {
		return err
	}
	s.FilePath = filePath
	s.PercentComplete = 100
	s.Phase = PhaseDone
	s.finish()
	return nil
}

// MarkFailed marks the job as failed and keeps the cause for display
func (s *JobSummary) MarkFailed(err error) error {
	if transitionErr := s.Transition(StateFailed); transitionErr != nil {
		return transitionErr
	}
	if err != nil {
		s.Cause = err.Error()
		s.ErrorKind = KindOf(err)
	}
	s.finish()
	return nil
}

// MarkCancelled marks the job as cancelled
func (s *JobSummary) MarkCancelled(reason string) error {
	if err := s.Transition(StateCancelled); err != nil {
		return err
	}
	s.Cause = reason
	s.CancelRequested = false
	s.finish()
	return nil
}

// ApplyProgress records a progress event. Events for a job that is not
// running, or that would lower the percentage, are rejected.
func (s *JobSummary) ApplyProgress(ev ProgressEvent) bool {
	if s.State != StateRunning || ev.PercentComplete < s.PercentComplete {
		return false
	}
	s.PercentComplete = ev.PercentComplete
	s.Phase = ev.Phase
	return true
}

func (s *JobSummary) finish() {
	now := time.Now()
	s.FinishedAt = &now
}

// JobFilter selects jobs for listing
type JobFilter struct {
	States []JobState
	Limit  int
}

// Matches checks if a summary passes the filter's state selection
func (f JobFilter) Matches(s *JobSummary) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if s.State == st {
			return true
		}
	}
	return false
}

// JobStats represents job counts per state
type JobStats struct {
	Total     int64 `json:"total"`
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Add counts one job in the given state
func (st *JobStats) Add(state JobState) {
	st.AddN(state, 1)
}

// AddN counts n jobs in the given state
func (st *JobStats) AddN(state JobState, n int64) {
	st.Total += n
	switch state {
	case StateQueued:
		st.Queued += n
	case StateRunning:
		st.Running += n
	case StateSucceeded:
		st.Succeeded += n
	case StateFailed:
		st.Failed += n
	case StateCancelled:
		st.Cancelled += n
	}
}

// ParseQuality converts a resolution label such as "720p" or "720" into a height
func ParseQuality(q string) (int, error) {
	q = strings.TrimSpace(strings.ToLower(q))
	q = strings.TrimSuffix(q, "p")
	height, err := strconv.Atoi(q)
	if err != nil || height <= 0 {
		return 0, fmt.Errorf("invalid quality %q", q)
	}
	return height, nil
}

// QualityLabel formats a height as a resolution label
func QualityLabel(height int) string {
	return strconv.Itoa(height) + "p"
}
