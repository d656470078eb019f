package organizer

import (
	"errors"
	"fmt"
)

var (
	ErrUnreadableRoot           = errors.New("unreadable root")
	ErrClassifierUnavailable    = errors.New("classifier unavailable")
	ErrMalformedResponse        = errors.New("malformed classifier response")
	ErrClassificationIncomplete = errors.New("classification incomplete")
	ErrEmptyPlan                = errors.New("empty plan")
	ErrPlanNotFound             = errors.New("plan not found")
	ErrPlanAlreadyExecuted      = errors.New("plan already executed")
	ErrSessionNotFound          = errors.New("session not found")
	ErrOperationNotFound        = errors.New("operation not found")
	ErrNotUndoable              = errors.New("operation cannot be undone")
	ErrUndoDrift                = errors.New("file state changed since operation")
	ErrRecoverable              = errors.New("recoverable failure")
	ErrNonRecoverable           = errors.New("non-recoverable failure")
	ErrDestinationUnavailable   = errors.New("destination unavailable")
	ErrInvalidTransition        = errors.New("invalid workflow transition")
	ErrRecoveryOrder            = errors.New("incomplete sessions must be resolved most recent first")
	ErrCancelled                = errors.New("cancelled")
	ErrLocked                   = errors.New("another filesense process holds the lock")
)

// WrapError attaches an error kind and operation context to err.
// The result matches both kind and err with errors.Is.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Error codes recorded in the ledger for filesystem failures.
const (
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeAlreadyExists    = "already_exists"
	CodeInUse            = "in_use"
	CodeDiskFull         = "disk_full"
	CodeReadOnly         = "read_only"
	CodeIOError          = "io_error"
	CodeUnavailable      = "destination_unavailable"
	CodeSourceVanished   = "source_vanished"
	CodeDrift            = "state_drift"
	CodeUnknown          = "unknown"
)

// OpError describes a failed filesystem mutation.
// Fatal errors halt execution and trigger rollback; the rest are per-file.
type OpError struct {
	Op    string
	Path  string
	Code  string
	Fatal bool
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Code, e.Err)
}

// Unwrap exposes both the cause and the failure class.
func (e *OpError) Unwrap() []error {
	if e.Fatal {
		return []error{ErrNonRecoverable, e.Err}
	}
	return []error{ErrRecoverable, e.Err}
}

// errorCode extracts the ledger code of err, defaulting to CodeUnknown.
func errorCode(err error) string {
	var opErr *OpError
	if errors.As(err, &opErr) && opErr.Code != "" {
		return opErr.Code
	}
	if IsKind(err, ErrDestinationUnavailable) {
		return CodeUnavailable
	}
	return CodeUnknown
}
