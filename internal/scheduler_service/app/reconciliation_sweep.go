package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aradsms/mailscheduler/internal/platform/telemetry"
	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSweepInterval     = 5 * time.Minute
	DefaultSweepBatchSize    = 200
	DefaultSweepConcurrency  = 4
	DefaultStalePendingAfter = 5 * time.Minute
	DefaultSweepScanPageSize = 5000

	stalePendingReason = "submission outcome unknown: interrupted before the remote result was recorded"
)

// SweepConfig holds configuration for the reconciliation sweep.
type SweepConfig struct {
	Interval              time.Duration `mapstructure:"SWEEP_INTERVAL"`
	BatchSize             int           `mapstructure:"SWEEP_BATCH_SIZE"`
	Concurrency           int           `mapstructure:"SWEEP_CONCURRENCY"`
	StalePendingAfter     time.Duration `mapstructure:"SWEEP_STALE_PENDING_AFTER"`
	AssumeSentWhenMissing bool          `mapstructure:"SWEEP_ASSUME_SENT_WHEN_MISSING"`
	ScanPageSize          int           `mapstructure:"SWEEP_SCAN_PAGE_SIZE"`
	RemoteTimeout         time.Duration `mapstructure:"REMOTE_CALL_TIMEOUT"`

	Clock func() time.Time `mapstructure:"-"`
}

// SweepReport summarises one sweep run.
type SweepReport struct {
	Accounts      int `json:"accounts"`
	Checked       int `json:"checked"`
	Sent          int `json:"sent"`
	Cancelled     int `json:"cancelled"`
	Unchanged     int `json:"unchanged"`
	Anomalies     int `json:"anomalies"`
	StaleFailed   int `json:"stale_failed"`
	AccountErrors int `json:"account_errors"`
}

func (r *SweepReport) add(o SweepReport) {
	r.Checked += o.Checked
	r.Sent += o.Sent
	r.Cancelled += o.Cancelled
	r.Unchanged += o.Unchanged
	r.Anomalies += o.Anomalies
	r.AccountErrors += o.AccountErrors
}

// ReconciliationSweep converges local records with the remote server's view.
type ReconciliationSweep struct {
	repo     domain.ScheduledSubmissionRepository
	clients  domain.ClientProvider
	notifier lifecycleNotifier
	logger   *slog.Logger
	cfg      SweepConfig
	now      func() time.Time

	running sync.Mutex
}

// NewReconciliationSweep creates a sweep. publisher may be nil.
func NewReconciliationSweep(
	repo domain.ScheduledSubmissionRepository,
	clients domain.ClientProvider,
	publisher EventPublisher,
	logger *slog.Logger,
	cfg SweepConfig,
) *ReconciliationSweep {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSweepConcurrency
	}
	if cfg.ScanPageSize <= 0 {
		cfg.ScanPageSize = DefaultSweepScanPageSize
	}
	if cfg.StalePendingAfter <= 0 {
		cfg.StalePendingAfter = DefaultStalePendingAfter
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ReconciliationSweep{
		repo:     repo,
		clients:  clients,
		notifier: lifecycleNotifier{publisher: publisher, logger: logger},
		logger:   logger,
		cfg:      cfg,
		now:      now,
	}
}

// Interval is the configured delay between sweeps.
func (s *ReconciliationSweep) Interval() time.Duration { return s.cfg.Interval }

// Start runs the sweep every Interval until ctx is done.
func (s *ReconciliationSweep) Start(ctx context.Context) {
	s.logger.InfoContext(ctx, "Reconciliation sweep started", "interval", s.cfg.Interval.String())
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Reconciliation sweep stopping")
			return
		case <-ticker.C:
			if _, err := s.RunReconciliationSweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Reconciliation sweep failed", "error", err)
			}
		}
	}
}

// RunReconciliationSweep performs one pass. Per-account failures are counted
// in the report and never abort the pass; only repository failures are returned.
func (s *ReconciliationSweep) RunReconciliationSweep(ctx context.Context) (SweepReport, error) {
	s.running.Lock()
	defer s.running.Unlock()

	timer := prometheus.NewTimer(sweepDurationHist)
	defer timer.ObserveDuration()

	ctx = telemetry.ContextWithLogAttrs(ctx, slog.String("sweep_run", ulid.Make().String()))
	var report SweepReport
	now := s.now()

	staleIDs, err := s.repo.FailStalePending(ctx, now.Add(-s.cfg.StalePendingAfter), stalePendingReason)
	if err != nil {
		return report, fmt.Errorf("fail stale pending submissions: %w", err)
	}
	report.StaleFailed = len(staleIDs)
	for _, id := range staleIDs {
		statusTransitionsCounter.WithLabelValues(string(domain.StatusPendingSubmission), string(domain.StatusFailed)).Inc()
		s.logger.WarnContext(ctx, "Stale pending submission marked failed", "local_id", id)
	}

	// Every outstanding record is visited once per pass, page by page.
	accounts := make(map[string]struct{})
	var cursor domain.OutstandingCursor
	for {
		page, err := s.repo.ListOutstanding(ctx, cursor, s.cfg.ScanPageSize)
		if err != nil {
			return report, fmt.Errorf("list outstanding submissions: %w", err)
		}
		if len(page) == 0 {
			break
		}
		report.add(s.sweepPage(ctx, page, accounts))
		if len(page) < s.cfg.ScanPageSize || ctx.Err() != nil {
			break
		}
		cursor = domain.CursorAfter(page[len(page)-1])
	}
	report.Accounts = len(accounts)

	sweepOutcomesCounter.WithLabelValues("sent").Add(float64(report.Sent))
	sweepOutcomesCounter.WithLabelValues("cancelled").Add(float64(report.Cancelled))
	sweepOutcomesCounter.WithLabelValues("unchanged").Add(float64(report.Unchanged))
	sweepOutcomesCounter.WithLabelValues("anomaly").Add(float64(report.Anomalies))

	s.logger.InfoContext(ctx, "Reconciliation sweep finished",
		"accounts", report.Accounts, "checked", report.Checked, "sent", report.Sent,
		"cancelled", report.Cancelled, "anomalies", report.Anomalies,
		"stale_failed", report.StaleFailed, "account_errors", report.AccountErrors)
	return report, nil
}

// sweepPage fans one page of outstanding records out per account.
func (s *ReconciliationSweep) sweepPage(ctx context.Context, page []*domain.ScheduledSubmission, accounts map[string]struct{}) SweepReport {
	byUser := make(map[string][]*domain.ScheduledSubmission)
	var users []string
	for _, sub := range page {
		if _, ok := byUser[sub.UserID]; !ok {
			users = append(users, sub.UserID)
		}
		byUser[sub.UserID] = append(byUser[sub.UserID], sub)
		accounts[sub.UserID] = struct{}{}
	}

	results := make([]SweepReport, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, userID := range users {
		i, userID := i, userID
		g.Go(func() error {
			results[i] = s.sweepAccount(gctx, userID, byUser[userID])
			return nil
		})
	}
	_ = g.Wait()

	var report SweepReport
	for _, r := range results {
		report.add(r)
	}
	return report
}

// sweepAccount reconciles one user's records. Errors stay inside the account.
func (s *ReconciliationSweep) sweepAccount(ctx context.Context, userID string, subs []*domain.ScheduledSubmission) SweepReport {
	var report SweepReport

	client, err := s.clients.ClientFor(ctx, userID)
	if err != nil {
		sweepAccountErrorsCounter.Inc()
		s.logger.WarnContext(ctx, "Sweep could not open account client", "user_id", userID, "error", err)
		report.AccountErrors++
		return report
	}

	for start := 0; start < len(subs); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(subs) {
			end = len(subs)
		}
		batch := subs[start:end]

		ids := make([]string, 0, len(batch))
		for _, sub := range batch {
			ids = append(ids, sub.RemoteSubmissionID)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
		remote, err := client.GetStatus(callCtx, ids)
		cancel()
		if err != nil {
			sweepAccountErrorsCounter.Inc()
			s.logger.WarnContext(ctx, "Sweep status lookup failed, retrying next tick",
				"user_id", userID, "batch_size", len(ids), "error", domain.NewRemoteError("getStatus", err))
			report.AccountErrors++
			return report
		}

		for _, sub := range batch {
			report.Checked++
			rs, found := remote[sub.RemoteSubmissionID]
			outcome := s.reconcile(ctx, client, sub, rs, found)
			switch outcome {
			case outcomeSent:
				report.Sent++
			case outcomeCancelled:
				report.Cancelled++
			case outcomeAnomaly:
				report.Anomalies++
			default:
				report.Unchanged++
			}
		}
	}
	return report
}

type sweepOutcome int

const (
	outcomeUnchanged sweepOutcome = iota
	outcomeSent
	outcomeCancelled
	outcomeAnomaly
)

// reconcile applies one remote observation under the record's lock.
func (s *ReconciliationSweep) reconcile(ctx context.Context, client domain.SubmissionClient, observed *domain.ScheduledSubmission, rs domain.RemoteSubmission, found bool) sweepOutcome {
	outcome := outcomeUnchanged
	var previous domain.SubmissionStatus
	var updated *domain.ScheduledSubmission

	err := s.repo.WithLock(ctx, observed.LocalID, func(lockCtx context.Context, sub *domain.ScheduledSubmission) error {
		// Another operation got here first; its view wins until the next tick.
		if sub.Status != observed.Status || sub.RemoteSubmissionID != observed.RemoteSubmissionID ||
			sub.CancelUnconfirmed != observed.CancelUnconfirmed {
			return domain.ErrUnchanged
		}
		previous = sub.Status
		updated = sub

		var err error
		if sub.Status == domain.StatusCancelled {
			outcome, err = s.reconcileUnconfirmedCancel(lockCtx, client, sub, rs, found)
		} else {
			outcome, err = s.reconcileScheduled(lockCtx, sub, rs, found)
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.ErrorContext(ctx, "Sweep failed to update submission", "local_id", observed.LocalID, "error", err)
		}
		return outcomeUnchanged
	}
	if updated != nil {
		s.notifier.statusChanged(ctx, updated, previous, updated.UpdatedAt)
	}
	return outcome
}

func (s *ReconciliationSweep) reconcileScheduled(ctx context.Context, sub *domain.ScheduledSubmission, rs domain.RemoteSubmission, found bool) (sweepOutcome, error) {
	now := s.now()
	if !found {
		hold, hasHold := sub.HoldUntilTime()
		if s.cfg.AssumeSentWhenMissing || (hasHold && hold.Before(now)) {
			sub.LastError = ""
			return outcomeSent, sub.TransitionTo(domain.StatusSent, now)
		}
		s.logger.WarnContext(ctx, "Remote submission missing before its hold instant; leaving scheduled",
			"local_id", sub.LocalID, "remote_submission_id", sub.RemoteSubmissionID, "hold_until", sub.HoldUntil.Int64)
		return outcomeAnomaly, domain.ErrUnchanged
	}

	switch rs.UndoStatus {
	case domain.UndoStatusFinal:
		sub.LastError = ""
		return outcomeSent, sub.TransitionTo(domain.StatusSent, now)
	case domain.UndoStatusCanceled:
		s.logger.InfoContext(ctx, "Submission cancelled outside this service", "local_id", sub.LocalID)
		sub.CancelUnconfirmed = false
		sub.LastError = ""
		return outcomeCancelled, sub.TransitionTo(domain.StatusCancelled, now)
	default:
		return outcomeUnchanged, domain.ErrUnchanged
	}
}

// reconcileUnconfirmedCancel follows up a Cancelled record whose remote
// cancellation was never confirmed.
func (s *ReconciliationSweep) reconcileUnconfirmedCancel(ctx context.Context, client domain.SubmissionClient, sub *domain.ScheduledSubmission, rs domain.RemoteSubmission, found bool) (sweepOutcome, error) {
	now := s.now()
	if !found {
		sub.CancelUnconfirmed = false
		if hold, ok := sub.HoldUntilTime(); ok && hold.Before(now) {
			s.logger.WarnContext(ctx, "Cancelled submission vanished after its hold instant; delivery cannot be ruled out",
				"local_id", sub.LocalID, "remote_submission_id", sub.RemoteSubmissionID)
			sub.LastError = "remote cancellation unconfirmed and submission no longer visible; it may have been delivered"
			sub.UpdatedAt = now
			return outcomeAnomaly, nil
		}
		sub.LastError = ""
		sub.UpdatedAt = now
		return outcomeCancelled, nil
	}

	switch rs.UndoStatus {
	case domain.UndoStatusCanceled:
		sub.CancelUnconfirmed = false
		sub.LastError = ""
		sub.UpdatedAt = now
		return outcomeCancelled, nil
	case domain.UndoStatusFinal:
		s.logger.WarnContext(ctx, "Message delivered despite cancellation request",
			"local_id", sub.LocalID, "remote_submission_id", sub.RemoteSubmissionID)
		sub.CancelUnconfirmed = false
		sub.LastError = "delivered by the remote server despite the cancellation request"
		return outcomeAnomaly, sub.TransitionTo(domain.StatusSent, now)
	default:
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
		defer cancel()
		res, err := client.Cancel(callCtx, sub.RemoteSubmissionID)
		if err != nil || !res.Cancelled {
			detail := refusalText(res.Refusal, "remote server did not cancel the submission")
			if err != nil {
				detail = domain.NewRemoteError("cancel", err).Error()
			}
			s.logger.WarnContext(ctx, "Re-issued cancellation still unconfirmed", "local_id", sub.LocalID, "detail", detail)
			return outcomeUnchanged, domain.ErrUnchanged
		}
		sub.CancelUnconfirmed = false
		sub.LastError = ""
		sub.UpdatedAt = now
		return outcomeCancelled, nil
	}
}
