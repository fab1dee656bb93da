package http

import (
	"time"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/app"
	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
)

// --- Request DTOs ---

// MessageDTO is the email content of a scheduled message.
type MessageDTO struct {
	From       string   `json:"from" validate:"required,email"`
	FromName   string   `json:"from_name,omitempty" validate:"max=200"`
	To         []string `json:"to,omitempty" validate:"omitempty,dive,email"`
	Cc         []string `json:"cc,omitempty" validate:"omitempty,dive,email"`
	Bcc        []string `json:"bcc,omitempty" validate:"omitempty,dive,email"`
	ReplyTo    []string `json:"reply_to,omitempty" validate:"omitempty,dive,email"`
	Subject    string   `json:"subject" validate:"max=998"`
	TextBody   string   `json:"text_body,omitempty"`
	HTMLBody   string   `json:"html_body,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}

// CreateScheduledEmailRequestDTO is used for scheduling a new message.
type CreateScheduledEmailRequestDTO struct {
	LocalID    string     `json:"local_id,omitempty" validate:"omitempty,max=128"`
	UserID     string     `json:"user_id,omitempty"` // admins may schedule for another user
	Message    MessageDTO `json:"message"`
	Recipients []string   `json:"recipients,omitempty" validate:"omitempty,dive,email"` // envelope recipients, defaults to to+cc+bcc
	SendAt     string     `json:"send_at" validate:"required"`                          // RFC 3339 with offset, or Unix seconds
}

// RescheduleRequestDTO moves the send time of a scheduled message.
type RescheduleRequestDTO struct {
	SendAt        string `json:"send_at" validate:"required"`
	ForceRecreate bool   `json:"force_recreate,omitempty"`
}

// --- Response DTOs ---

// ScheduledEmailDTO represents a scheduled message in API responses.
type ScheduledEmailDTO struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	Status             string     `json:"status"`
	SendAt             time.Time  `json:"send_at"`
	HoldUntil          *int64     `json:"hold_until,omitempty"`
	Message            MessageDTO `json:"message"`
	Recipients         []string   `json:"recipients"`
	RemoteMessageID    string     `json:"remote_message_id,omitempty"`
	RemoteSubmissionID string     `json:"remote_submission_id,omitempty"`
	Attempt            int        `json:"attempt"`
	CancelUnconfirmed  bool       `json:"cancel_unconfirmed,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	SentAt             *time.Time `json:"sent_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// CancelResponseDTO is the response for a cancellation.
type CancelResponseDTO struct {
	ScheduledEmail   ScheduledEmailDTO `json:"scheduled_email"`
	RemoteConfirmed  bool              `json:"remote_confirmed"`
	RemoteDetail     string            `json:"remote_detail,omitempty"`
	AlreadyCancelled bool              `json:"already_cancelled,omitempty"`
}

// RescheduleResponseDTO is the response for a reschedule.
type RescheduleResponseDTO struct {
	ScheduledEmail ScheduledEmailDTO `json:"scheduled_email"`
	Method         string            `json:"method"`
}

// ListScheduledEmailsResponseDTO is the response for listing scheduled messages.
type ListScheduledEmailsResponseDTO struct {
	Items      []ScheduledEmailDTO `json:"items"`
	TotalCount int                 `json:"total_count"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
	HasMore    bool                `json:"has_more"`
}

// CountResponseDTO is the per-status count of scheduled messages.
type CountResponseDTO struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// ErrorResponseDTO is the body of every error response.
type ErrorResponseDTO struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    string `json:"status,omitempty"` // current status of the record, when known
	Retryable bool   `json:"retryable"`
}

func (d MessageDTO) toDomain() domain.Message {
	return domain.Message{
		From:       d.From,
		FromName:   d.FromName,
		To:         d.To,
		Cc:         d.Cc,
		Bcc:        d.Bcc,
		ReplyTo:    d.ReplyTo,
		Subject:    d.Subject,
		TextBody:   d.TextBody,
		HTMLBody:   d.HTMLBody,
		InReplyTo:  d.InReplyTo,
		References: d.References,
	}
}

func messageFromDomain(m domain.Message) MessageDTO {
	return MessageDTO{
		From:       m.From,
		FromName:   m.FromName,
		To:         m.To,
		Cc:         m.Cc,
		Bcc:        m.Bcc,
		ReplyTo:    m.ReplyTo,
		Subject:    m.Subject,
		TextBody:   m.TextBody,
		HTMLBody:   m.HTMLBody,
		InReplyTo:  m.InReplyTo,
		References: m.References,
	}
}

func toScheduledEmailDTO(sub *domain.ScheduledSubmission) ScheduledEmailDTO {
	dto := ScheduledEmailDTO{
		ID:                 sub.LocalID,
		UserID:             sub.UserID,
		Status:             string(sub.Status),
		SendAt:             sub.RequestedAt,
		Message:            messageFromDomain(sub.Message),
		Recipients:         sub.Recipients,
		RemoteMessageID:    sub.RemoteMessageID,
		RemoteSubmissionID: sub.RemoteSubmissionID,
		Attempt:            sub.Attempt,
		CancelUnconfirmed:  sub.CancelUnconfirmed,
		LastError:          sub.LastError,
		CreatedAt:          sub.CreatedAt,
		UpdatedAt:          sub.UpdatedAt,
	}
	if sub.HoldUntil.Valid {
		hold := sub.HoldUntil.Int64
		dto.HoldUntil = &hold
	}
	if sub.CancelledAt.Valid {
		at := sub.CancelledAt.Time
		dto.CancelledAt = &at
	}
	if sub.SentAt.Valid {
		at := sub.SentAt.Time
		dto.SentAt = &at
	}
	return dto
}

func toListResponseDTO(res *app.ListResult) ListScheduledEmailsResponseDTO {
	items := make([]ScheduledEmailDTO, len(res.Items))
	for i, sub := range res.Items {
		items[i] = toScheduledEmailDTO(sub)
	}
	return ListScheduledEmailsResponseDTO{
		Items:      items,
		TotalCount: res.Total,
		Limit:      res.Limit,
		Offset:     res.Offset,
		HasMore:    res.HasMore,
	}
}
