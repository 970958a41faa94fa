package errors

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrorCode classifies a failure by how the sync run reacts to it.
type ErrorCode string

const (
	ErrConfig ErrorCode = "CONFIG" // fatal, before any I/O
	ErrAuth   ErrorCode = "AUTH"   // fatal
	ErrFetch  ErrorCode = "FETCH"  // one calendar skipped
	ErrSubmit ErrorCode = "SUBMIT" // one event skipped
	ErrState  ErrorCode = "STATE"  // fatal
)

// SyncError is a coded error carrying enough context for manual reconciliation.
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// LogValue renders the code, message, details and cause as a log group.
func (e *SyncError) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", string(e.Code)),
		slog.String("message", e.Message),
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, e.Details[k]))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Fatal reports whether the error must abort the run.
func (e *SyncError) Fatal() bool {
	switch e.Code {
	case ErrFetch, ErrSubmit:
		return false
	default:
		return true
	}
}

// NewConfig creates an error for malformed or missing configuration.
func NewConfig(msg string, err error) *SyncError {
	return &SyncError{
		Code:    ErrConfig,
		Message: msg,
		Err:     err,
	}
}

// NewAuth creates an error for credential acquisition or refresh failures.
func NewAuth(msg string, err error) *SyncError {
	return &SyncError{
		Code:    ErrAuth,
		Message: msg,
		Err:     err,
	}
}

// NewFetch creates an error for a failed calendar or event listing.
func NewFetch(calendarID string, err error) *SyncError {
	return &SyncError{
		Code:    ErrFetch,
		Message: fmt.Sprintf("failed to list events for calendar %q", calendarID),
		Details: map[string]any{"calendar_id": calendarID},
		Err:     err,
	}
}

// NewSubmit creates an error for a time entry that could not be created.
func NewSubmit(eventID, summary string, err error) *SyncError {
	return &SyncError{
		Code:    ErrSubmit,
		Message: fmt.Sprintf("failed to create time entry for %q", summary),
		Details: map[string]any{"event_id": eventID, "summary": summary},
		Err:     err,
	}
}

// NewState creates an error for watermark read or write failures.
func NewState(msg string, err error) *SyncError {
	return &SyncError{
		Code:    ErrState,
		Message: msg,
		Err:     err,
	}
}

// Is checks if err is, or wraps, a SyncError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *SyncError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// IsFatal reports whether err is, or wraps, a SyncError that must abort the run.
func IsFatal(err error) bool {
	var sErr *SyncError
	if stderrors.As(err, &sErr) {
		return sErr.Fatal()
	}
	return false
}
