package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Each *Error unwraps to exactly one of these.
var (
	ErrValidation           = errors.New("validation error")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrTransferFailed       = errors.New("transfer failed")
	ErrPostProcessingFailed = errors.New("post-processing failed")
)

// Orchestrator errors
var (
	ErrJobNotFound         = errors.New("job not found")
	ErrAlreadyTerminal     = errors.New("job already in terminal state")
	ErrOrchestratorStopped = errors.New("orchestrator not running")
)

// Error is a classified failure with its underlying cause
type Error struct {
	Kind      error
	Msg       string
	Err       error
	Transient bool
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewValidationError reports a rejected request
func NewValidationError(format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// NewBackendUnavailable reports that the backend could not be reached
func NewBackendUnavailable(msg string, cause error, transient bool) error {
	return &Error{Kind: ErrBackendUnavailable, Msg: msg, Err: cause, Transient: transient}
}

// NewTransferFailed reports a backend failure during the byte transfer
func NewTransferFailed(msg string, cause error) error {
	return &Error{Kind: ErrTransferFailed, Msg: msg, Err: cause}
}

// NewPostProcessingFailed reports a backend failure during post-processing
func NewPostProcessingFailed(msg string, cause error) error {
	return &Error{Kind: ErrPostProcessingFailed, Msg: msg, Err: cause}
}

// IsTransient reports whether retrying the failed call may succeed
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}

// KindOf returns the machine-readable kind name of err
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrPostProcessingFailed):
		return "post_processing_failed"
	default:
		return "internal"
	}
}
