package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aradsms/mailscheduler/internal/platform/telemetry"
	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const submissionColumns = `local_id, user_id, message, recipients, status, requested_at, hold_until,
	COALESCE(remote_message_id, ''), COALESCE(remote_submission_id, ''), COALESCE(envelope_id, ''),
	attempt, cancel_unconfirmed, COALESCE(last_error, ''), cancelled_at, sent_at, created_at, updated_at`

const uniqueViolation = "23505"

type PgScheduledSubmissionRepository struct {
	db     DB
	logger *slog.Logger
}

var _ domain.ScheduledSubmissionRepository = (*PgScheduledSubmissionRepository)(nil)

func NewPgScheduledSubmissionRepository(db DB, logger *slog.Logger) *PgScheduledSubmissionRepository {
	return &PgScheduledSubmissionRepository{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*domain.ScheduledSubmission, error) {
	sub := &domain.ScheduledSubmission{}
	var messageJSON []byte
	var status string
	if err := row.Scan(
		&sub.LocalID, &sub.UserID, &messageJSON, &sub.Recipients, &status, &sub.RequestedAt, &sub.HoldUntil,
		&sub.RemoteMessageID, &sub.RemoteSubmissionID, &sub.EnvelopeID,
		&sub.Attempt, &sub.CancelUnconfirmed, &sub.LastError, &sub.CancelledAt, &sub.SentAt, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messageJSON, &sub.Message); err != nil {
		return nil, fmt.Errorf("decode message of %s: %w", sub.LocalID, err)
	}
	parsed, err := domain.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", sub.LocalID, err)
	}
	sub.Status = parsed
	return sub, nil
}

func (r *PgScheduledSubmissionRepository) Create(ctx context.Context, sub *domain.ScheduledSubmission) error {
	ctx, end := telemetry.StartDBSpan(ctx, "scheduled_submissions.create")
	defer end()

	messageJSON, err := json.Marshal(sub.Message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	query := `
		INSERT INTO scheduled_submissions (local_id, user_id, message, recipients, status, requested_at, hold_until,
			remote_message_id, remote_submission_id, envelope_id, attempt, cancel_unconfirmed, last_error,
			cancelled_at, sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12, NULLIF($13, ''), $14, $15, $16, $17)
	`
	_, err = r.db.Exec(ctx, query,
		sub.LocalID, sub.UserID, messageJSON, sub.Recipients, string(sub.Status), sub.RequestedAt, sub.HoldUntil,
		sub.RemoteMessageID, sub.RemoteSubmissionID, sub.EnvelopeID, sub.Attempt, sub.CancelUnconfirmed, sub.LastError,
		sub.CancelledAt, sub.SentAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		r.logger.ErrorContext(ctx, "Error creating scheduled submission", "error", err, "local_id", sub.LocalID)
		return err
	}
	r.logger.DebugContext(ctx, "Scheduled submission created", "local_id", sub.LocalID, "user_id", sub.UserID)
	return nil
}

func (r *PgScheduledSubmissionRepository) GetByID(ctx context.Context, localID string) (*domain.ScheduledSubmission, error) {
	ctx, end := telemetry.StartDBSpan(ctx, "scheduled_submissions.get")
	defer end()

	query := "SELECT " + submissionColumns + `
		FROM scheduled_submissions WHERE local_id = $1`
	sub, err := scanSubmission(r.db.QueryRow(ctx, query, localID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting scheduled submission", "error", err, "local_id", localID)
		return nil, err
	}
	return sub, nil
}

// WithLock holds the row lock (SELECT ... FOR UPDATE) for the duration of fn.
func (r *PgScheduledSubmissionRepository) WithLock(ctx context.Context, localID string, fn domain.LockedUpdateFunc) error {
	ctx, end := telemetry.StartDBSpan(ctx, "scheduled_submissions.with_lock")
	defer end()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.ErrorContext(ctx, "Error rolling back locked update", "error", rbErr, "local_id", localID)
		}
	}()

	query := "SELECT " + submissionColumns + `
		FROM scheduled_submissions WHERE local_id = $1 FOR UPDATE`
	sub, err := scanSubmission(tx.QueryRow(ctx, query, localID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("lock scheduled submission %s: %w", localID, err)
	}

	if err := fn(ctx, sub); err != nil {
		if !errors.Is(err, domain.ErrUnchanged) {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		committed = true
		return nil
	}

	if err := r.update(ctx, tx, sub); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (r *PgScheduledSubmissionRepository) update(ctx context.Context, tx pgx.Tx, sub *domain.ScheduledSubmission) error {
	messageJSON, err := json.Marshal(sub.Message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	query := `
		UPDATE scheduled_submissions
		SET message = $2, recipients = $3, status = $4, requested_at = $5, hold_until = $6,
			remote_message_id = NULLIF($7, ''), remote_submission_id = NULLIF($8, ''), envelope_id = NULLIF($9, ''),
			attempt = $10, cancel_unconfirmed = $11, last_error = NULLIF($12, ''),
			cancelled_at = $13, sent_at = $14, updated_at = $15
		WHERE local_id = $1`
	tag, err := tx.Exec(ctx, query,
		sub.LocalID, messageJSON, sub.Recipients, string(sub.Status), sub.RequestedAt, sub.HoldUntil,
		sub.RemoteMessageID, sub.RemoteSubmissionID, sub.EnvelopeID,
		sub.Attempt, sub.CancelUnconfirmed, sub.LastError,
		sub.CancelledAt, sub.SentAt, sub.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating scheduled submission", "error", err, "local_id", sub.LocalID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var sortColumns = map[string]string{
	domain.SortByRequestedAt: "requested_at",
	domain.SortByCreatedAt:   "created_at",
}

func (r *PgScheduledSubmissionRepository) List(ctx context.Context, filter domain.ListFilter) ([]*domain.ScheduledSubmission, int, error) {
	ctx, end := telemetry.StartDBSpan(ctx, "scheduled_submissions.list")
	defer end()

	var conditions []string
	var args []any
	argCounter := 1

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argCounter))
		args = append(args, filter.UserID)
		argCounter++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argCounter))
		args = append(args, string(filter.Status))
		argCounter++
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM scheduled_submissions"+where, args...).Scan(&total); err != nil {
		r.logger.ErrorContext(ctx, "Error counting scheduled submissions", "error", err)
		return nil, 0, err
	}
	if total == 0 {
		return []*domain.ScheduledSubmission{}, 0, nil
	}

	column, ok := sortColumns[filter.SortBy]
	if !ok {
		column = "requested_at"
	}
	direction := "ASC"
	if filter.Descending {
		direction = "DESC"
	}

	var query strings.Builder
	query.WriteString("SELECT " + submissionColumns + "\n\t\tFROM scheduled_submissions" + where)
	query.WriteString(fmt.Sprintf(" ORDER BY %s %s, local_id %s", column, direction, direction))
	if filter.Limit > 0 {
		query.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCounter, argCounter+1))
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query.String(), args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing scheduled submissions", "error", err)
		return nil, 0, err
	}
	defer rows.Close()

	subs, err := collectSubmissions(rows)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error reading scheduled submission rows", "error", err)
		return nil, 0, err
	}
	return subs, total, nil
}

func (r *PgScheduledSubmissionRepository) CountByStatus(ctx context.Context, userID string) (domain.StatusCounts, error) {
	ctx, end := telemetry.StartDBSpan(ctx, "scheduled_submissions.count")
	defer end()

	query := "SELECT status, COUNT(*) FROM scheduled_submissions"
	var args []any
	if userID != "" {
		query += " WHERE user_id = $1"
		args = append(args, userID)
	}
	query += " GROUP BY status"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error counting scheduled submissions by status", "error", err)
		return nil, err
	}
	defer rows.Close()

	counts := make(domain.StatusCounts)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.SubmissionStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *PgScheduledSubmissionRepository) ListOutstanding(ctx context.Context, after domain.OutstandingCursor, limit int) ([]*domain.ScheduledSubmission, error) {
	ctx, end := telemetry.StartDBSpan(ctx, "scheduled_submissions.list_outstanding")
	defer end()

	query := "SELECT " + submissionColumns + `
		FROM scheduled_submissions
		WHERE (status = $1 OR (status = $2 AND cancel_unconfirmed)) AND COALESCE(remote_submission_id, '') <> ''
			AND (user_id, local_id) > ($3, $4)
		ORDER BY user_id, local_id
		LIMIT $5`
	rows, err := r.db.Query(ctx, query,
		string(domain.StatusScheduled), string(domain.StatusCancelled), after.UserID, after.LocalID, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing outstanding submissions", "error", err, "after_user_id", after.UserID)
		return nil, err
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func (r *PgScheduledSubmissionRepository) FailStalePending(ctx context.Context, olderThan time.Time, reason string) ([]string, error) {
	ctx, end := telemetry.StartDBSpan(ctx, "scheduled_submissions.fail_stale_pending")
	defer end()

	// Rows locked by an in-flight submission are skipped.
	query := `
		WITH stale AS (
			SELECT local_id FROM scheduled_submissions
			WHERE status = $1 AND updated_at < $2
			ORDER BY updated_at
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_submissions s
		SET status = $3, last_error = $4, updated_at = $5
		FROM stale WHERE s.local_id = stale.local_id
		RETURNING s.local_id`
	rows, err := r.db.Query(ctx, query,
		string(domain.StatusPendingSubmission), olderThan, string(domain.StatusFailed), reason, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error failing stale pending submissions", "error", err)
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectSubmissions(rows pgx.Rows) ([]*domain.ScheduledSubmission, error) {
	subs := []*domain.ScheduledSubmission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}
