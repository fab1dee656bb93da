package app

import (
	"strconv"
	"strings"
	"time"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
	"github.com/oklog/ulid/v2"
)

// EnvelopeOptions are the delivery-status and priority preferences applied to every envelope.
type EnvelopeOptions struct {
	// Return is the DSN RET value, FULL or HDRS.
	Return string
	// Priority is the MT-PRIORITY hint, -9..9.
	Priority int
	// Notify are the per-recipient DSN NOTIFY conditions.
	Notify []string
}

// DefaultEnvelopeOptions asks for full-message DSNs on failure and delay.
func DefaultEnvelopeOptions() EnvelopeOptions {
	return EnvelopeOptions{
		Return:   "FULL",
		Priority: 0,
		Notify:   []string{"FAILURE", "DELAY"},
	}
}

// EnvelopeBuilder turns a message and an optional hold instant into a submission request.
type EnvelopeBuilder struct {
	opts EnvelopeOptions
}

func NewEnvelopeBuilder(opts EnvelopeOptions) *EnvelopeBuilder {
	if opts.Return == "" {
		opts.Return = "FULL"
	}
	if len(opts.Notify) == 0 {
		opts.Notify = []string{"FAILURE", "DELAY"}
	}
	if opts.Priority < -9 {
		opts.Priority = -9
	} else if opts.Priority > 9 {
		opts.Priority = 9
	}
	return &EnvelopeBuilder{opts: opts}
}

// NewTrackingToken returns a fresh ENVID for one submission attempt.
func NewTrackingToken() string {
	return ulid.Make().String()
}

// HoldUntilValue is the wire value of HOLDUNTIL: whole Unix seconds, truncated.
func HoldUntilValue(t time.Time) int64 {
	return t.Unix()
}

// Build produces the submission request. holdInstant is nil for an immediate send.
func (b *EnvelopeBuilder) Build(msg domain.Message, recipients []string, holdInstant *time.Time, trackingToken string) domain.SubmissionRequest {
	params := map[string]*string{
		domain.ParamReturn:   strPtr(b.opts.Return),
		domain.ParamPriority: strPtr(strconv.Itoa(b.opts.Priority)),
	}
	if trackingToken != "" {
		params[domain.ParamEnvelopeID] = strPtr(trackingToken)
	}
	if holdInstant != nil {
		params[domain.ParamHoldUntil] = strPtr(strconv.FormatInt(HoldUntilValue(*holdInstant), 10))
	}

	notify := strings.Join(b.opts.Notify, ",")
	rcptTo := make([]domain.EnvelopeAddress, 0, len(recipients))
	for _, rcpt := range recipients {
		rcptTo = append(rcptTo, domain.EnvelopeAddress{
			Email:      rcpt,
			Parameters: map[string]*string{domain.ParamNotify: strPtr(notify)},
		})
	}

	return domain.SubmissionRequest{
		Message: msg,
		Envelope: domain.Envelope{
			MailFrom: domain.EnvelopeAddress{Email: msg.From, Parameters: params},
			RcptTo:   rcptTo,
		},
	}
}

func strPtr(s string) *string { return &s }
