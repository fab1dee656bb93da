package domain

import (
	"context"
	"time"
)

// Sort fields accepted by ListFilter.
const (
	SortByRequestedAt = "requested_at"
	SortByCreatedAt   = "created_at"
)

// ListFilter selects a page of scheduled submissions.
type ListFilter struct {
	UserID     string           // empty means all users
	Status     SubmissionStatus // empty means any status
	SortBy     string
	Descending bool
	Limit      int
	Offset     int
}

// LockedUpdateFunc mutates a record while its row lock is held. Returning nil
// persists the record; returning ErrUnchanged commits without writing; any
// other error rolls back and is returned to the caller of WithLock.
type LockedUpdateFunc func(ctx context.Context, sub *ScheduledSubmission) error

// ScheduledSubmissionRepository persists ScheduledSubmission records.
type ScheduledSubmissionRepository interface {
	Create(ctx context.Context, sub *ScheduledSubmission) error
	GetByID(ctx context.Context, localID string) (*ScheduledSubmission, error)

	// WithLock serializes all mutations of one record. fn observes the
	// current persisted state and no other WithLock for the same localID
	// runs until it returns.
	WithLock(ctx context.Context, localID string, fn LockedUpdateFunc) error

	List(ctx context.Context, filter ListFilter) ([]*ScheduledSubmission, int, error)
	CountByStatus(ctx context.Context, userID string) (StatusCounts, error)

	// ListOutstanding returns Scheduled records with a remote submission and
	// Cancelled records whose remote cancellation was never confirmed, ordered
	// by (UserID, LocalID) and starting strictly after the cursor.
	ListOutstanding(ctx context.Context, after OutstandingCursor, limit int) ([]*ScheduledSubmission, error)

	// FailStalePending moves records left in PendingSubmission since before
	// olderThan to Failed with the given reason and returns their ids.
	FailStalePending(ctx context.Context, olderThan time.Time, reason string) ([]string, error)
}

// OutstandingCursor is a keyset position in the ListOutstanding order. The
// zero value starts at the beginning.
type OutstandingCursor struct {
	UserID  string
	LocalID string
}

// CursorAfter returns the position following sub.
func CursorAfter(sub *ScheduledSubmission) OutstandingCursor {
	return OutstandingCursor{UserID: sub.UserID, LocalID: sub.LocalID}
}
