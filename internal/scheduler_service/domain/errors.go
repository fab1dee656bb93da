package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists indicates a record with the same local id already exists.
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrUnchanged tells WithLock to commit without writing the record.
	ErrUnchanged = errors.New("record unchanged")
	// ErrInvalidTransition indicates an illegal lifecycle step.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConcurrentModification indicates the record changed between two steps of one operation.
	ErrConcurrentModification = errors.New("record modified concurrently")

	ErrInvalidFormat   = errors.New("requested send time is not a valid absolute instant")
	ErrTooSoon         = errors.New("requested send time is too soon")
	ErrTooFar          = errors.New("requested send time is too far in the future")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrHoldUnsupported = errors.New("remote server does not support delayed submission")

	ErrNotScheduled     = errors.New("message is not scheduled")
	ErrAlreadySent      = errors.New("message has already been sent")
	ErrAlreadyFinalized = errors.New("remote server has already released the message")
	ErrPastDue          = errors.New("scheduled send time has already passed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubmissionExists = errors.New("a submission for this message already exists")
)

// RemoteError is a transport, authentication or server failure talking to
// the remote mail server.
type RemoteError struct {
	Op         string
	Retryable  bool
	StatusCode int // HTTP status, 0 when no response was received
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s failed (http %d, retryable=%t): %v", e.Op, e.StatusCode, e.Retryable, e.Err)
	}
	return fmt.Sprintf("remote %s failed (retryable=%t): %v", e.Op, e.Retryable, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewRemoteError wraps err, treating deadline and cancellation as retryable.
func NewRemoteError(op string, err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	retryable := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	return &RemoteError{Op: op, Retryable: retryable, Err: err}
}

// RefusalError is an explicit refusal by the remote server.
type RefusalError struct {
	Op      string
	Refusal SetRefusal
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("remote server refused %s: %s", e.Op, e.Refusal)
}

// ErrorKind classifies errors for callers and transports.
type ErrorKind string

const (
	KindPolicyViolation       ErrorKind = "policy_violation"
	KindPermissionDenied      ErrorKind = "permission_denied"
	KindNotFound              ErrorKind = "not_found"
	KindStateConflict         ErrorKind = "state_conflict"
	KindRemoteTransient       ErrorKind = "remote_transient"
	KindRemoteRefusal         ErrorKind = "remote_refusal"
	KindInternalInconsistency ErrorKind = "internal_inconsistency"
	KindInternal              ErrorKind = "internal"
)

// Classify maps err onto the error taxonomy.
func Classify(err error) ErrorKind {
	var remoteErr *RemoteError
	var refusalErr *RefusalError
	switch {
	case errors.Is(err, ErrInvalidFormat), errors.Is(err, ErrTooSoon), errors.Is(err, ErrTooFar),
		errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrHoldUnsupported):
		return KindPolicyViolation
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotScheduled), errors.Is(err, ErrPastDue), errors.Is(err, ErrSubmissionExists),
		errors.Is(err, ErrAlreadyExists):
		return KindStateConflict
	case errors.Is(err, ErrAlreadySent), errors.Is(err, ErrAlreadyFinalized), errors.As(err, &refusalErr):
		return KindRemoteRefusal
	case errors.As(err, &remoteErr):
		if remoteErr.Retryable {
			return KindRemoteTransient
		}
		return KindRemoteRefusal
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrentModification):
		return KindInternalInconsistency
	default:
		return KindInternal
	}
}

// IsRetryable reports whether repeating the whole operation may succeed.
func IsRetryable(err error) bool {
	return Classify(err) == KindRemoteTransient || errors.Is(err, ErrConcurrentModification)
}
