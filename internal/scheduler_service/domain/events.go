package domain

import "time"

// SubjectPrefix is the NATS subject prefix for lifecycle events; the status is appended.
const SubjectPrefix = "mailscheduler.submission."

// StatusChangedEvent is published after a record's status changes.
type StatusChangedEvent struct {
	LocalID            string           `json:"local_id"`
	UserID             string           `json:"user_id"`
	PreviousStatus     SubmissionStatus `json:"previous_status"`
	Status             SubmissionStatus `json:"status"`
	HoldUntil          *int64           `json:"hold_until,omitempty"`
	RemoteSubmissionID string           `json:"remote_submission_id,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	OccurredAt         time.Time        `json:"occurred_at"`
}

// NewStatusChangedEvent snapshots sub after a transition from previous.
func NewStatusChangedEvent(sub *ScheduledSubmission, previous SubmissionStatus, at time.Time) StatusChangedEvent {
	evt := StatusChangedEvent{
		LocalID:            sub.LocalID,
		UserID:             sub.UserID,
		PreviousStatus:     previous,
		Status:             sub.Status,
		RemoteSubmissionID: sub.RemoteSubmissionID,
		LastError:          sub.LastError,
		OccurredAt:         at.UTC(),
	}
	if sub.HoldUntil.Valid {
		hold := sub.HoldUntil.Int64
		evt.HoldUntil = &hold
	}
	return evt
}

// Subject returns the NATS subject for the event.
func (e StatusChangedEvent) Subject() string {
	return SubjectPrefix + string(e.Status)
}
