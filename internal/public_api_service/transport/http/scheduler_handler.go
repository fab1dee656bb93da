package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aradsms/mailscheduler/internal/public_api_service/middleware"
	"github.com/aradsms/mailscheduler/internal/scheduler_service/app"
	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// SchedulerService is implemented by app.Manager.
type SchedulerService interface {
	CreateScheduled(ctx context.Context, req app.CreateRequest) (*domain.ScheduledSubmission, error)
	CancelScheduled(ctx context.Context, actor domain.Actor, localID string) (*app.CancelOutcome, error)
	RescheduleScheduled(ctx context.Context, actor domain.Actor, localID, newRequestedAt string, opts app.RescheduleOptions) (*app.RescheduleOutcome, error)
	GetScheduled(ctx context.Context, actor domain.Actor, localID string) (*domain.ScheduledSubmission, error)
	ListScheduled(ctx context.Context, actor domain.Actor, filter domain.ListFilter) (*app.ListResult, error)
	CountScheduled(ctx context.Context, actor domain.Actor, userID string) (domain.StatusCounts, error)
	Settings() app.SchedulerSettings
}

// SweepRunner is implemented by app.ReconciliationSweep.
type SweepRunner interface {
	RunReconciliationSweep(ctx context.Context) (app.SweepReport, error)
}

type SchedulerHandler struct {
	scheduler SchedulerService
	sweeper   SweepRunner
	logger    *slog.Logger
	validate  *validator.Validate
}

func NewSchedulerHandler(scheduler SchedulerService, sweeper SweepRunner, logger *slog.Logger, validate *validator.Validate) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: scheduler,
		sweeper:   sweeper,
		logger:    logger,
		validate:  validate,
	}
}

// httpStatusFor maps a scheduler error to an HTTP status code.
func httpStatusFor(err error) int {
	switch domain.Classify(err) {
	case domain.KindPolicyViolation:
		if errors.Is(err, domain.ErrHoldUnsupported) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindRemoteRefusal:
		var refusal *domain.RefusalError
		switch {
		case errors.Is(err, domain.ErrAlreadySent), errors.Is(err, domain.ErrAlreadyFinalized):
			return http.StatusConflict
		case errors.As(err, &refusal):
			return http.StatusUnprocessableEntity
		default:
			return http.StatusBadGateway
		}
	case domain.KindRemoteTransient:
		return http.StatusServiceUnavailable
	case domain.KindInternalInconsistency:
		if errors.Is(err, domain.ErrConcurrentModification) {
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with the current status of sub when one is known.
func (h *SchedulerHandler) writeError(w http.ResponseWriter, r *http.Request, err error, operation string, sub *domain.ScheduledSubmission) {
	code := httpStatusFor(err)
	kind := domain.Classify(err)
	body := ErrorResponseDTO{
		Error:     string(kind),
		Message:   err.Error(),
		Retryable: domain.IsRetryable(err),
	}
	if sub != nil {
		body.Status = string(sub.Status)
	}

	logEntry := h.logger.With("operation", operation, "error_kind", kind, "http_status", code)
	if sub != nil {
		logEntry = logEntry.With("local_id", sub.LocalID)
	}
	if code >= http.StatusInternalServerError {
		logEntry.ErrorContext(r.Context(), "Scheduler operation failed", "error", err)
		if kind == domain.KindInternal {
			body.Message = "Internal server error"
		}
	} else {
		logEntry.WarnContext(r.Context(), "Scheduler operation rejected", "error", err)
	}
	writeJSON(w, h.logger, code, body)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func (h *SchedulerHandler) badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, h.logger, http.StatusBadRequest, ErrorResponseDTO{Error: string(domain.KindPolicyViolation), Message: message})
}

func actorFrom(r *http.Request) (domain.Actor, middleware.AuthenticatedUser, bool) {
	authUser, ok := middleware.UserFromContext(r.Context())
	if !ok {
		return domain.Actor{}, authUser, false
	}
	return domain.Actor{UserID: authUser.ID, IsAdmin: authUser.IsAdmin}, authUser, true
}

func (h *SchedulerHandler) CreateScheduledEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var reqDTO CreateScheduledEmailRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for CreateScheduledEmail", "error", err)
		h.badRequest(w, "Invalid request body")
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for CreateScheduledEmail", "error", err)
		h.badRequest(w, fmt.Sprintf("Validation error: %s", err.Error()))
		return
	}

	_, authUser, ok := actorFrom(r)
	if !ok {
		h.logger.ErrorContext(ctx, "AuthenticatedUser not found in context for CreateScheduledEmail")
		http.Error(w, "User authentication details not found", http.StatusUnauthorized)
		return
	}
	targetUserID := authUser.ID
	if reqDTO.UserID != "" && reqDTO.UserID != authUser.ID {
		if !authUser.IsAdmin {
			h.logger.WarnContext(ctx, "User not authorized to schedule for another user", "auth_user_id", authUser.ID, "target_user_id", reqDTO.UserID)
			h.writeError(w, r, domain.ErrPermissionDenied, "CreateScheduledEmail", nil)
			return
		}
		targetUserID = reqDTO.UserID
	}

	sub, err := h.scheduler.CreateScheduled(ctx, app.CreateRequest{
		LocalID:     reqDTO.LocalID,
		UserID:      targetUserID,
		Message:     reqDTO.Message.toDomain(),
		Recipients:  reqDTO.Recipients,
		RequestedAt: reqDTO.SendAt,
	})
	if err != nil {
		h.writeError(w, r, err, "CreateScheduledEmail", sub)
		return
	}
	h.logger.InfoContext(ctx, "Scheduled email created", "local_id", sub.LocalID, "user_id", sub.UserID, "send_at", sub.RequestedAt)
	writeJSON(w, h.logger, http.StatusCreated, toScheduledEmailDTO(sub))
}

func (h *SchedulerHandler) GetScheduledEmail(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := actorFrom(r)
	if !ok {
		http.Error(w, "User authentication details not found", http.StatusUnauthorized)
		return
	}
	sub, err := h.scheduler.GetScheduled(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, "GetScheduledEmail", nil)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toScheduledEmailDTO(sub))
}

func (h *SchedulerHandler) ListScheduledEmails(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := actorFrom(r)
	if !ok {
		http.Error(w, "User authentication details not found", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	filter := domain.ListFilter{UserID: q.Get("user_id")}

	if s := q.Get("status"); s != "" {
		st, err := domain.ParseStatus(s)
		if err != nil {
			h.badRequest(w, err.Error())
			return
		}
		filter.Status = st
	}
	switch sortBy := q.Get("sort"); sortBy {
	case "", domain.SortByRequestedAt, domain.SortByCreatedAt:
		filter.SortBy = sortBy
	default:
		h.badRequest(w, fmt.Sprintf("unsupported sort field %q", sortBy))
		return
	}
	switch order := q.Get("order"); order {
	case "", "asc":
	case "desc":
		filter.Descending = true
	default:
		h.badRequest(w, fmt.Sprintf("unsupported order %q", order))
		return
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.badRequest(w, fmt.Sprintf("%s must be a non-negative integer", p.name))
			return
		}
		*p.dst = n
	}

	res, err := h.scheduler.ListScheduled(r.Context(), actor, filter)
	if err != nil {
		h.writeError(w, r, err, "ListScheduledEmails", nil)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toListResponseDTO(res))
}

func (h *SchedulerHandler) CountScheduledEmails(w http.ResponseWriter, r *http.Request) {
	actor, _, ok := actorFrom(r)
	if !ok {
		http.Error(w, "User authentication details not found", http.StatusUnauthorized)
		return
	}
	counts, err := h.scheduler.CountScheduled(r.Context(), actor, r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, r, err, "CountScheduledEmails", nil)
		return
	}
	byStatus := make(map[string]int, len(counts))
	for st, n := range counts {
		byStatus[string(st)] = n
	}
	writeJSON(w, h.logger, http.StatusOK, CountResponseDTO{Total: counts.Total(), ByStatus: byStatus})
}

func (h *SchedulerHandler) GetSchedulerConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.scheduler.Settings())
}

func (h *SchedulerHandler) CancelScheduledEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, _, ok := actorFrom(r)
	if !ok {
		http.Error(w, "User authentication details not found", http.StatusUnauthorized)
		return
	}
	out, err := h.scheduler.CancelScheduled(ctx, actor, chi.URLParam(r, "id"))
	if err != nil {
		var current *domain.ScheduledSubmission
		if out != nil {
			current = out.Submission
		}
		h.writeError(w, r, err, "CancelScheduledEmail", current)
		return
	}
	if !out.RemoteConfirmed {
		h.logger.WarnContext(ctx, "Scheduled email cancelled locally without remote confirmation",
			"local_id", out.Submission.LocalID, "detail", out.RemoteDetail)
	}
	writeJSON(w, h.logger, http.StatusOK, CancelResponseDTO{
		ScheduledEmail:   toScheduledEmailDTO(out.Submission),
		RemoteConfirmed:  out.RemoteConfirmed,
		RemoteDetail:     out.RemoteDetail,
		AlreadyCancelled: out.AlreadyCancelled,
	})
}

func (h *SchedulerHandler) RescheduleScheduledEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var reqDTO RescheduleRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for RescheduleScheduledEmail", "error", err)
		h.badRequest(w, "Invalid request body")
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.badRequest(w, fmt.Sprintf("Validation error: %s", err.Error()))
		return
	}
	actor, _, ok := actorFrom(r)
	if !ok {
		http.Error(w, "User authentication details not found", http.StatusUnauthorized)
		return
	}

	out, err := h.scheduler.RescheduleScheduled(ctx, actor, chi.URLParam(r, "id"), reqDTO.SendAt,
		app.RescheduleOptions{ForceRecreate: reqDTO.ForceRecreate})
	if err != nil {
		var current *domain.ScheduledSubmission
		if out != nil {
			current = out.Submission
		}
		h.writeError(w, r, err, "RescheduleScheduledEmail", current)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, RescheduleResponseDTO{
		ScheduledEmail: toScheduledEmailDTO(out.Submission),
		Method:         out.Method,
	})
}

// RunSweep triggers one reconciliation pass. Admin only.
func (h *SchedulerHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.RunReconciliationSweep(r.Context())
	if err != nil {
		h.writeError(w, r, err, "RunSweep", nil)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, report)
}

// RegisterRoutes registers scheduler specific routes to a Chi router.
func (h *SchedulerHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.CreateScheduledEmail)
	r.Get("/", h.ListScheduledEmails)
	r.Get("/count", h.CountScheduledEmails)
	r.Get("/config", h.GetSchedulerConfig)
	r.Get("/{id}", h.GetScheduledEmail)
	r.Post("/{id}/cancel", h.CancelScheduledEmail)
	r.Post("/{id}/reschedule", h.RescheduleScheduledEmail)
}
