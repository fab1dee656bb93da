package domain

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SubmissionStatus is the local lifecycle state of a scheduled submission.
type SubmissionStatus string

const (
	StatusDraft             SubmissionStatus = "draft"
	StatusPendingSubmission SubmissionStatus = "pending_submission" // remote create in flight
	StatusScheduled         SubmissionStatus = "scheduled"          // held by the remote server
	StatusCancelled         SubmissionStatus = "cancelled"
	StatusSent              SubmissionStatus = "sent"
	StatusFailed            SubmissionStatus = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []SubmissionStatus{
	StatusDraft, StatusPendingSubmission, StatusScheduled, StatusCancelled, StatusSent, StatusFailed,
}

// ParseStatus validates a status string.
func ParseStatus(s string) (SubmissionStatus, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown submission status %q", s)
}

// IsTerminal reports whether no further transition is expected.
func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusCancelled || s == StatusFailed
}

// allowedTransitions is the lifecycle state machine.
// Cancelled -> Sent records a delivery that the server made despite a cancel request.
var allowedTransitions = map[SubmissionStatus][]SubmissionStatus{
	StatusDraft:             {StatusPendingSubmission},
	StatusPendingSubmission: {StatusScheduled, StatusFailed},
	StatusScheduled:         {StatusPendingSubmission, StatusSent, StatusCancelled, StatusFailed},
	StatusFailed:            {StatusPendingSubmission},
	StatusCancelled:         {StatusSent},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to SubmissionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Message is the email content handed to the remote server.
type Message struct {
	From       string   `json:"from"`
	FromName   string   `json:"from_name,omitempty"`
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	ReplyTo    []string `json:"reply_to,omitempty"`
	Subject    string   `json:"subject"`
	TextBody   string   `json:"text_body,omitempty"`
	HTMLBody   string   `json:"html_body,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}

// Recipients returns To, Cc and Bcc with duplicates removed (case-insensitive), in order.
func (m Message) Recipients() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, addr := range list {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			key := strings.ToLower(addr)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// ScheduledSubmission tracks one message handed to the remote server with a hold instant.
type ScheduledSubmission struct {
	LocalID            string           `json:"local_id"`
	UserID             string           `json:"user_id"`
	Message            Message          `json:"message"`
	Recipients         []string         `json:"recipients"`
	Status             SubmissionStatus `json:"status"`
	RequestedAt        time.Time        `json:"requested_at"`
	HoldUntil          sql.NullInt64    `json:"hold_until"` // Unix seconds encoded as HOLDUNTIL
	RemoteMessageID    string           `json:"remote_message_id,omitempty"`
	RemoteSubmissionID string           `json:"remote_submission_id,omitempty"`
	EnvelopeID         string           `json:"envelope_id,omitempty"` // ENVID of the current attempt
	Attempt            int              `json:"attempt"`
	CancelUnconfirmed  bool             `json:"cancel_unconfirmed"`
	LastError          string           `json:"last_error,omitempty"`
	CancelledAt        sql.NullTime     `json:"cancelled_at"`
	SentAt             sql.NullTime     `json:"sent_at"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// NewScheduledSubmission creates a Draft record for the given owner and message.
func NewScheduledSubmission(localID, userID string, msg Message, recipients []string, requestedAt time.Time, now time.Time) *ScheduledSubmission {
	now = now.UTC()
	return &ScheduledSubmission{
		LocalID:     localID,
		UserID:      userID,
		Message:     msg,
		Recipients:  recipients,
		Status:      StatusDraft,
		RequestedAt: requestedAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TransitionTo moves the record to next, stamping the matching timestamps.
func (s *ScheduledSubmission) TransitionTo(next SubmissionStatus, at time.Time) error {
	if !CanTransition(s.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = at.UTC()
	switch next {
	case StatusSent:
		s.SentAt = sql.NullTime{Time: at.UTC(), Valid: true}
	case StatusCancelled:
		s.CancelledAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	return nil
}

// HoldUntilTime returns the encoded hold instant, if any.
func (s *ScheduledSubmission) HoldUntilTime() (time.Time, bool) {
	if !s.HoldUntil.Valid {
		return time.Time{}, false
	}
	return time.Unix(s.HoldUntil.Int64, 0).UTC(), true
}

// SetHoldUntil stores t truncated to the second.
func (s *ScheduledSubmission) SetHoldUntil(t time.Time) {
	s.HoldUntil = sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// OwnedBy reports whether actor may act on this record.
func (s *ScheduledSubmission) OwnedBy(actor Actor) bool {
	return actor.IsAdmin || (actor.UserID != "" && actor.UserID == s.UserID)
}

// Actor is the caller on whose behalf an operation runs.
type Actor struct {
	UserID  string
	IsAdmin bool
}

// StatusCounts is the number of records per status.
type StatusCounts map[SubmissionStatus]int

// Total sums all statuses.
func (c StatusCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}
