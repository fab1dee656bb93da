package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultCancelGrace   = 30 * time.Second
	DefaultRemoteTimeout = 30 * time.Second
	DefaultMaxRecipients = 500

	defaultListLimit = 20
	maxListLimit     = 100

	// Reschedule-via-recreate makes up to three remote calls under one lock.
	maxRemoteCallsPerOperation = 3
)

// ManagerConfig holds the Manager's tunables.
type ManagerConfig struct {
	CancelGrace   time.Duration `mapstructure:"SCHEDULE_CANCEL_GRACE"`
	RemoteTimeout time.Duration `mapstructure:"REMOTE_CALL_TIMEOUT"`
	MaxRecipients int           `mapstructure:"SCHEDULE_MAX_RECIPIENTS"`

	Clock func() time.Time `mapstructure:"-"`
}

// Manager orchestrates create, cancel and reschedule of held submissions and
// owns every local status transition they cause.
type Manager struct {
	repo      domain.ScheduledSubmissionRepository
	clients   domain.ClientProvider
	policy    *SchedulePolicy
	envelopes *EnvelopeBuilder
	notifier  lifecycleNotifier
	validate  *validator.Validate
	logger    *slog.Logger
	cfg       ManagerConfig
	now       func() time.Time
}

// NewManager creates a Manager. publisher may be nil.
func NewManager(
	repo domain.ScheduledSubmissionRepository,
	clients domain.ClientProvider,
	policy *SchedulePolicy,
	envelopes *EnvelopeBuilder,
	publisher EventPublisher,
	logger *slog.Logger,
	cfg ManagerConfig,
) *Manager {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultMaxRecipients
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		repo:      repo,
		clients:   clients,
		policy:    policy,
		envelopes: envelopes,
		notifier:  lifecycleNotifier{publisher: publisher, logger: logger},
		validate:  validator.New(),
		logger:    logger,
		cfg:       cfg,
		now:       now,
	}
}

// CreateRequest asks for a message to be released at RequestedAt.
type CreateRequest struct {
	LocalID     string // generated when empty
	UserID      string
	Message     domain.Message
	Recipients  []string // defaults to the message's To, Cc and Bcc
	RequestedAt string   // RFC 3339 or Unix seconds
}

// CancelOutcome is the result of CancelScheduled.
type CancelOutcome struct {
	Submission       *domain.ScheduledSubmission
	RemoteConfirmed  bool
	RemoteDetail     string // why the remote cancellation is unconfirmed
	AlreadyCancelled bool
}

// RescheduleOptions tunes RescheduleScheduled.
type RescheduleOptions struct {
	ForceRecreate bool
}

// Reschedule methods.
const (
	RescheduleUpdateHold = "update_hold"
	RescheduleRecreate   = "recreate"
)

// RescheduleOutcome is the result of RescheduleScheduled.
type RescheduleOutcome struct {
	Submission *domain.ScheduledSubmission
	Method     string
}

// ListResult is one page of scheduled submissions.
type ListResult struct {
	Items   []*domain.ScheduledSubmission
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}

// SchedulerSettings is the scheduling window as seen by clients.
type SchedulerSettings struct {
	Enabled            bool `json:"enabled"`
	MaxScheduleDays    int  `json:"max_schedule_days"`
	MinScheduleMinutes int  `json:"min_schedule_minutes"`
	MaxRecipients      int  `json:"max_recipients"`
	CancelGraceSeconds int  `json:"cancel_grace_seconds"`
}

// CreateScheduled validates the send instant, records the submission and
// hands it to the remote server. When the remote call fails the record is
// left Failed and returned together with the error.
func (m *Manager) CreateScheduled(ctx context.Context, req CreateRequest) (*domain.ScheduledSubmission, error) {
	sub, err := m.createScheduled(ctx, req)
	countOperation("create", err)
	return sub, err
}

func (m *Manager) createScheduled(ctx context.Context, req CreateRequest) (*domain.ScheduledSubmission, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidMessage)
	}
	requested, err := ParseInstant(req.RequestedAt)
	if err != nil {
		return nil, err
	}
	recipients := req.Recipients
	if len(recipients) == 0 {
		recipients = req.Message.Recipients()
	}
	if err := m.validateMessage(req.Message, recipients); err != nil {
		return nil, err
	}

	now := m.now()
	client, err := m.clients.ClientFor(ctx, req.UserID)
	if err != nil {
		return nil, m.connectFailure(ctx, req.UserID, requested, now, err)
	}

	horizon, err := m.effectiveHorizon(ctx, client)
	if err != nil {
		return nil, err
	}
	if err := m.policy.ValidateInstant(requested, now, horizon); err != nil {
		return nil, err
	}

	localID := req.LocalID
	if localID == "" {
		localID = uuid.NewString()
	}
	claimed, err := m.claimForSubmission(ctx, localID, req, recipients, requested, now)
	if err != nil {
		return claimed, err
	}
	return m.submit(ctx, client, claimed.LocalID, claimed.Attempt)
}

// claimForSubmission persists a PendingSubmission record, either new or
// recycled from Failed, before any remote call is made.
func (m *Manager) claimForSubmission(ctx context.Context, localID string, req CreateRequest, recipients []string, requested, now time.Time) (*domain.ScheduledSubmission, error) {
	sub := domain.NewScheduledSubmission(localID, req.UserID, req.Message, recipients, requested, now)
	if err := sub.TransitionTo(domain.StatusPendingSubmission, now); err != nil {
		return nil, err
	}
	sub.Attempt = 1

	err := m.repo.Create(ctx, sub)
	if err == nil {
		m.notifier.statusChanged(ctx, sub, domain.StatusDraft, now)
		return sub, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		return nil, fmt.Errorf("persist scheduled submission: %w", err)
	}

	var claimed *domain.ScheduledSubmission
	var previous domain.SubmissionStatus
	err = m.repo.WithLock(ctx, localID, func(_ context.Context, existing *domain.ScheduledSubmission) error {
		claimed = existing
		if existing.UserID != req.UserID {
			return domain.ErrPermissionDenied
		}
		if existing.Status != domain.StatusFailed {
			return fmt.Errorf("%w: current status is %s", domain.ErrSubmissionExists, existing.Status)
		}
		previous = existing.Status
		if err := existing.TransitionTo(domain.StatusPendingSubmission, now); err != nil {
			return err
		}
		existing.Message = req.Message
		existing.Recipients = recipients
		existing.RequestedAt = requested.UTC()
		existing.HoldUntil = sql.NullInt64{}
		existing.RemoteMessageID = ""
		existing.RemoteSubmissionID = ""
		existing.EnvelopeID = ""
		existing.CancelUnconfirmed = false
		existing.LastError = ""
		existing.Attempt++
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return nil, err
		}
		return claimed, err
	}
	m.notifier.statusChanged(ctx, claimed, previous, now)
	return claimed, nil
}

// submit performs the remote create for a claimed PendingSubmission record
// and records the outcome. The remote call is detached from ctx's
// cancellation so the record always leaves PendingSubmission.
func (m *Manager) submit(ctx context.Context, client domain.SubmissionClient, localID string, attempt int) (*domain.ScheduledSubmission, error) {
	opCtx, cancel := m.operationContext(ctx)
	defer cancel()

	var result *domain.ScheduledSubmission
	var submitErr error
	err := m.repo.WithLock(opCtx, localID, func(lockCtx context.Context, sub *domain.ScheduledSubmission) error {
		if sub.Status != domain.StatusPendingSubmission || sub.Attempt != attempt {
			return fmt.Errorf("%w: expected pending attempt %d, found %s attempt %d",
				domain.ErrConcurrentModification, attempt, sub.Status, sub.Attempt)
		}
		hold := sub.RequestedAt
		token := NewTrackingToken()
		req := m.envelopes.Build(sub.Message, sub.Recipients, &hold, token)

		created, err := m.callCreate(lockCtx, client, req)
		now := m.now()
		if err != nil {
			submitErr = err
			if tErr := sub.TransitionTo(domain.StatusFailed, now); tErr != nil {
				return tErr
			}
			sub.LastError = err.Error()
			sub.HoldUntil = sql.NullInt64{}
			result = sub
			return nil
		}
		sub.RemoteMessageID = created.RemoteMessageID
		sub.RemoteSubmissionID = created.RemoteSubmissionID
		sub.EnvelopeID = token
		sub.SetHoldUntil(hold)
		sub.LastError = ""
		if err := sub.TransitionTo(domain.StatusScheduled, now); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to record submission outcome", "error", err, "local_id", localID)
		return nil, err
	}

	m.notifier.statusChanged(ctx, result, domain.StatusPendingSubmission, result.UpdatedAt)
	if submitErr != nil {
		m.logger.WarnContext(ctx, "Scheduled submission failed", "local_id", localID, "error", submitErr)
		return result, submitErr
	}
	m.logger.InfoContext(ctx, "Message scheduled", "local_id", localID,
		"remote_submission_id", result.RemoteSubmissionID, "hold_until", result.HoldUntil.Int64)
	return result, nil
}

// CancelScheduled cancels a held message. The record becomes Cancelled even
// when the remote server cannot confirm the cancellation; that case is
// flagged for the reconciliation sweep. Cancelling twice is not an error.
func (m *Manager) CancelScheduled(ctx context.Context, actor domain.Actor, localID string) (*CancelOutcome, error) {
	out, err := m.cancelScheduled(ctx, actor, localID)
	countOperation("cancel", err)
	return out, err
}

func (m *Manager) cancelScheduled(ctx context.Context, actor domain.Actor, localID string) (*CancelOutcome, error) {
	current, err := m.repo.GetByID(ctx, localID)
	if err != nil {
		return nil, err
	}
	if !current.OwnedBy(actor) {
		return nil, domain.ErrPermissionDenied
	}
	if current.Status == domain.StatusCancelled {
		return &CancelOutcome{Submission: current, RemoteConfirmed: !current.CancelUnconfirmed, AlreadyCancelled: true}, nil
	}
	if err := m.checkHeld(current, m.now()); err != nil {
		return &CancelOutcome{Submission: current}, err
	}

	client, err := m.clients.ClientFor(ctx, current.UserID)
	if err != nil {
		return &CancelOutcome{Submission: current}, domain.NewRemoteError("connect", err)
	}

	opCtx, cancel := m.operationContext(ctx)
	defer cancel()

	out := &CancelOutcome{}
	err = m.repo.WithLock(opCtx, localID, func(lockCtx context.Context, sub *domain.ScheduledSubmission) error {
		out.Submission = sub
		if sub.Status == domain.StatusCancelled {
			out.AlreadyCancelled = true
			out.RemoteConfirmed = !sub.CancelUnconfirmed
			return domain.ErrUnchanged
		}
		if err := m.checkHeld(sub, m.now()); err != nil {
			return err
		}

		res, callErr := m.callCancel(lockCtx, client, sub.RemoteSubmissionID)
		if err := sub.TransitionTo(domain.StatusCancelled, m.now()); err != nil {
			return err
		}
		switch {
		case callErr != nil:
			out.RemoteDetail = callErr.Error()
		case !res.Cancelled:
			out.RemoteDetail = refusalText(res.Refusal, "remote server did not cancel the submission")
		default:
			out.RemoteConfirmed = true
		}
		sub.CancelUnconfirmed = !out.RemoteConfirmed
		sub.LastError = ""
		if !out.RemoteConfirmed {
			sub.LastError = "remote cancellation unconfirmed: " + out.RemoteDetail
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	if out.AlreadyCancelled {
		return out, nil
	}

	m.notifier.statusChanged(ctx, out.Submission, domain.StatusScheduled, out.Submission.UpdatedAt)
	if !out.RemoteConfirmed {
		cancelDiscrepanciesCounter.Inc()
		m.logger.WarnContext(ctx, "Remote cancellation unconfirmed; marked cancelled locally",
			"local_id", localID, "remote_submission_id", out.Submission.RemoteSubmissionID, "detail", out.RemoteDetail)
	}
	return out, nil
}

// RescheduleScheduled moves the hold instant of a held message, in place when
// the server allows it and by cancel-and-recreate otherwise.
func (m *Manager) RescheduleScheduled(ctx context.Context, actor domain.Actor, localID, newRequestedAt string, opts RescheduleOptions) (*RescheduleOutcome, error) {
	out, err := m.rescheduleScheduled(ctx, actor, localID, newRequestedAt, opts)
	countOperation("reschedule", err)
	return out, err
}

func (m *Manager) rescheduleScheduled(ctx context.Context, actor domain.Actor, localID, newRequestedAt string, opts RescheduleOptions) (*RescheduleOutcome, error) {
	newHold, err := ParseInstant(newRequestedAt)
	if err != nil {
		return nil, err
	}
	current, err := m.repo.GetByID(ctx, localID)
	if err != nil {
		return nil, err
	}
	if !current.OwnedBy(actor) {
		return nil, domain.ErrPermissionDenied
	}
	if err := m.checkHeld(current, m.now()); err != nil {
		return &RescheduleOutcome{Submission: current}, err
	}

	client, err := m.clients.ClientFor(ctx, current.UserID)
	if err != nil {
		return &RescheduleOutcome{Submission: current}, m.connectFailure(ctx, current.UserID, newHold, m.now(), err)
	}
	horizon, err := m.effectiveHorizon(ctx, client)
	if err != nil {
		return &RescheduleOutcome{Submission: current}, err
	}
	if err := m.policy.ValidateInstant(newHold, m.now(), horizon); err != nil {
		return &RescheduleOutcome{Submission: current}, err
	}

	opCtx, cancel := m.operationContext(ctx)
	defer cancel()

	out := &RescheduleOutcome{}
	var recreateErr error
	err = m.repo.WithLock(opCtx, localID, func(lockCtx context.Context, sub *domain.ScheduledSubmission) error {
		out.Submission = sub
		if err := m.checkHeld(sub, m.now()); err != nil {
			return err
		}

		if !opts.ForceRecreate {
			res, err := m.callUpdateHold(lockCtx, client, sub.RemoteSubmissionID, newHold)
			if err != nil {
				return err
			}
			if res.Updated {
				sub.RequestedAt = newHold
				sub.SetHoldUntil(newHold)
				sub.LastError = ""
				sub.UpdatedAt = m.now()
				out.Method = RescheduleUpdateHold
				return nil
			}
			m.logger.InfoContext(lockCtx, "In-place hold update refused, falling back to cancel and recreate",
				"local_id", sub.LocalID, "detail", refusalText(res.Refusal, "not updated"))
		}

		res, err := m.callCancel(lockCtx, client, sub.RemoteSubmissionID)
		if err != nil {
			return err
		}
		if !res.Cancelled {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyFinalized, refusalText(res.Refusal, "cancellation refused"))
		}

		out.Method = RescheduleRecreate
		oldSubmissionID := sub.RemoteSubmissionID
		if err := sub.TransitionTo(domain.StatusPendingSubmission, m.now()); err != nil {
			return err
		}
		token := NewTrackingToken()
		req := m.envelopes.Build(sub.Message, sub.Recipients, &newHold, token)
		req.ReplacesMessageID = sub.RemoteMessageID
		sub.Attempt++
		sub.RequestedAt = newHold

		created, err := m.callCreate(lockCtx, client, req)
		if err != nil {
			recreateErr = err
			if tErr := sub.TransitionTo(domain.StatusFailed, m.now()); tErr != nil {
				return tErr
			}
			sub.LastError = fmt.Sprintf("original submission %s was cancelled but re-submission failed: %v", oldSubmissionID, err)
			sub.RemoteMessageID = ""
			sub.RemoteSubmissionID = ""
			sub.EnvelopeID = ""
			sub.HoldUntil = sql.NullInt64{}
			return nil
		}
		sub.RemoteMessageID = created.RemoteMessageID
		sub.RemoteSubmissionID = created.RemoteSubmissionID
		sub.EnvelopeID = token
		sub.SetHoldUntil(newHold)
		sub.LastError = ""
		return sub.TransitionTo(domain.StatusScheduled, m.now())
	})
	if err != nil {
		if out.Submission == nil {
			out.Submission = current
		}
		return out, err
	}

	sub := out.Submission
	switch {
	case recreateErr != nil:
		m.notifier.statusChanged(ctx, sub, domain.StatusScheduled, sub.UpdatedAt)
		m.logger.ErrorContext(ctx, "Reschedule lost the submission: cancelled remotely but recreate failed",
			"local_id", localID, "error", recreateErr)
		return out, recreateErr
	default:
		m.notifier.rescheduled(ctx, sub, sub.UpdatedAt)
	}
	return out, nil
}

// GetScheduled returns one record the actor may see.
func (m *Manager) GetScheduled(ctx context.Context, actor domain.Actor, localID string) (*domain.ScheduledSubmission, error) {
	sub, err := m.repo.GetByID(ctx, localID)
	if err != nil {
		return nil, err
	}
	if !sub.OwnedBy(actor) {
		return nil, domain.ErrPermissionDenied
	}
	return sub, nil
}

// ListScheduled pages through the actor's records; admins may list any user or all users.
func (m *Manager) ListScheduled(ctx context.Context, actor domain.Actor, filter domain.ListFilter) (*ListResult, error) {
	if !actor.IsAdmin {
		if filter.UserID != "" && filter.UserID != actor.UserID {
			return nil, domain.ErrPermissionDenied
		}
		filter.UserID = actor.UserID
	}
	filter = normalizeListFilter(filter)

	items, total, err := m.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list scheduled submissions: %w", err)
	}
	return &ListResult{
		Items:   items,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: filter.Offset+len(items) < total,
	}, nil
}

// CountScheduled returns per-status counts for userID (admins only) or the actor.
func (m *Manager) CountScheduled(ctx context.Context, actor domain.Actor, userID string) (domain.StatusCounts, error) {
	if userID == "" || !actor.IsAdmin {
		if userID != "" && userID != actor.UserID {
			return nil, domain.ErrPermissionDenied
		}
		userID = actor.UserID
	}
	counts, err := m.repo.CountByStatus(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count scheduled submissions: %w", err)
	}
	for _, st := range domain.AllStatuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}

// Settings reports the configured scheduling window.
func (m *Manager) Settings() SchedulerSettings {
	return SchedulerSettings{
		Enabled:            true,
		MaxScheduleDays:    int(m.policy.DefaultHorizon() / (24 * time.Hour)),
		MinScheduleMinutes: int(m.policy.MinLeadTime() / time.Minute),
		MaxRecipients:      m.cfg.MaxRecipients,
		CancelGraceSeconds: int(m.cfg.CancelGrace / time.Second),
	}
}

// checkHeld verifies sub is Scheduled with a hold instant that has not passed
// beyond the grace window.
func (m *Manager) checkHeld(sub *domain.ScheduledSubmission, now time.Time) error {
	if sub.Status == domain.StatusSent {
		return domain.ErrAlreadySent
	}
	hold, ok := sub.HoldUntilTime()
	if sub.Status != domain.StatusScheduled || !ok || sub.RemoteSubmissionID == "" {
		return fmt.Errorf("%w: current status is %s", domain.ErrNotScheduled, sub.Status)
	}
	if now.Sub(hold) > m.cfg.CancelGrace {
		return fmt.Errorf("%w: was due at %s", domain.ErrPastDue, hold.Format(time.RFC3339))
	}
	return nil
}

func (m *Manager) validateMessage(msg domain.Message, recipients []string) error {
	if err := m.validate.Var(msg.From, "required,email"); err != nil {
		return fmt.Errorf("%w: sender %q is not a valid address", domain.ErrInvalidMessage, msg.From)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", domain.ErrInvalidMessage)
	}
	if len(recipients) > m.cfg.MaxRecipients {
		return fmt.Errorf("%w: %d recipients exceeds the limit of %d", domain.ErrInvalidMessage, len(recipients), m.cfg.MaxRecipients)
	}
	for _, rcpt := range recipients {
		if err := m.validate.Var(rcpt, "email"); err != nil {
			return fmt.Errorf("%w: recipient %q is not a valid address", domain.ErrInvalidMessage, rcpt)
		}
	}
	return nil
}

func (m *Manager) effectiveHorizon(ctx context.Context, probe domain.CapabilityProbe) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.RemoteTimeout)
	defer cancel()
	return m.policy.EffectiveHorizon(probeCtx, probe)
}

// operationContext detaches from the caller's cancellation and bounds the
// whole locked operation.
// connectFailure reports a session lookup failure. The instant is still
// checked against the configured default horizon first, so a bad instant
// surfaces as a policy error rather than a remote one.
func (m *Manager) connectFailure(ctx context.Context, userID string, requested, now time.Time, err error) error {
	if perr := m.policy.ValidateInstant(requested, now, 0); perr != nil {
		return perr
	}
	m.logger.WarnContext(ctx, "JMAP session unavailable", "user_id", userID, "error", err)
	return domain.NewRemoteError("connect", err)
}

func (m *Manager) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RemoteTimeout*(maxRemoteCallsPerOperation+1))
}

func (m *Manager) callCreate(ctx context.Context, client domain.SubmissionClient, req domain.SubmissionRequest) (domain.CreateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.RemoteTimeout)
	defer cancel()
	res, err := client.CreateAndSubmit(callCtx, req)
	return res, remoteFailure("createAndSubmit", err)
}

func (m *Manager) callCancel(ctx context.Context, client domain.SubmissionClient, submissionID string) (domain.CancelResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.RemoteTimeout)
	defer cancel()
	res, err := client.Cancel(callCtx, submissionID)
	return res, remoteFailure("cancel", err)
}

func (m *Manager) callUpdateHold(ctx context.Context, client domain.SubmissionClient, submissionID string, hold time.Time) (domain.UpdateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.RemoteTimeout)
	defer cancel()
	res, err := client.UpdateHold(callCtx, submissionID, hold)
	return res, remoteFailure("updateHold", err)
}

// remoteFailure keeps refusals as they are and turns anything else into a RemoteError.
func remoteFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var refusal *domain.RefusalError
	if errors.As(err, &refusal) {
		return err
	}
	return domain.NewRemoteError(op, err)
}

func refusalText(r *domain.SetRefusal, fallback string) string {
	if r == nil {
		return fallback
	}
	return r.String()
}

func normalizeListFilter(f domain.ListFilter) domain.ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.SortBy != domain.SortByCreatedAt {
		f.SortBy = domain.SortByRequestedAt
	}
	return f
}

func countOperation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(domain.Classify(err))
	}
	operationsCounter.WithLabelValues(op, outcome).Inc()
}
