package domain

import (
	"context"
	"time"
)

// UndoStatus is the remote lifecycle field of an EmailSubmission.
type UndoStatus string

const (
	UndoStatusPending  UndoStatus = "pending"
	UndoStatusFinal    UndoStatus = "final"
	UndoStatusCanceled UndoStatus = "canceled"
)

// Envelope parameter keys.
const (
	ParamHoldUntil  = "HOLDUNTIL"
	ParamReturn     = "RET"
	ParamEnvelopeID = "ENVID"
	ParamPriority   = "MT-PRIORITY"
	ParamNotify     = "NOTIFY"
)

// EnvelopeAddress is one SMTP envelope address with its parameters.
// A nil parameter value is sent as a bare keyword.
type EnvelopeAddress struct {
	Email      string             `json:"email"`
	Parameters map[string]*string `json:"parameters,omitempty"`
}

// Envelope is the SMTP envelope of a submission.
type Envelope struct {
	MailFrom EnvelopeAddress   `json:"mailFrom"`
	RcptTo   []EnvelopeAddress `json:"rcptTo"`
}

// Param returns the named MAIL FROM parameter value.
func (e Envelope) Param(name string) (string, bool) {
	v, ok := e.MailFrom.Parameters[name]
	if !ok || v == nil {
		return "", ok
	}
	return *v, true
}

// SubmissionRequest is everything the remote server needs to create and submit a message.
type SubmissionRequest struct {
	Message  Message
	Envelope Envelope
	// ReplacesMessageID is a previous remote message destroyed in the same
	// batch when a submission is recreated.
	ReplacesMessageID string
}

// CreateResult carries the identifiers assigned by the remote server.
type CreateResult struct {
	RemoteMessageID    string
	RemoteSubmissionID string
}

// SetRefusal is an application-level refusal reported by the remote server
// for one object (a JMAP SetError).
type SetRefusal struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (r SetRefusal) String() string {
	if r.Description == "" {
		return r.Type
	}
	return r.Type + ": " + r.Description
}

// CancelResult reports whether the remote server performed the cancellation.
type CancelResult struct {
	Cancelled bool
	Refusal   *SetRefusal
}

// UpdateResult reports whether the hold instant was moved in place.
type UpdateResult struct {
	Updated bool
	Refusal *SetRefusal
}

// RemoteSubmission is the remote view of one submission.
type RemoteSubmission struct {
	ID         string
	EmailID    string
	UndoStatus UndoStatus
	SendAt     time.Time
}

// Capabilities is what the remote server advertises for delayed submission.
type Capabilities struct {
	FutureReleaseSupported bool
	MaxDelayedSend         time.Duration
}

// SubmissionClient executes the remote operations for one authenticated account.
// Implementations never touch persisted state.
type SubmissionClient interface {
	CreateAndSubmit(ctx context.Context, req SubmissionRequest) (CreateResult, error)
	Cancel(ctx context.Context, submissionID string) (CancelResult, error)
	// GetStatus omits ids the server no longer knows.
	GetStatus(ctx context.Context, submissionIDs []string) (map[string]RemoteSubmission, error)
	UpdateHold(ctx context.Context, submissionID string, holdUntil time.Time) (UpdateResult, error)
}

// CapabilityProbe reports the server's delayed-send limits.
type CapabilityProbe interface {
	SubmissionCapabilities(ctx context.Context) (Capabilities, error)
}

// AccountClient is a SubmissionClient that can also probe capabilities.
type AccountClient interface {
	SubmissionClient
	CapabilityProbe
}

// ClientProvider hands out an authenticated client for a user's account.
type ClientProvider interface {
	ClientFor(ctx context.Context, userID string) (AccountClient, error)
}
