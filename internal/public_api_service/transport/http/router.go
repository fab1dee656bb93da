package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aradsms/mailscheduler/internal/platform/telemetry"
	"github.com/aradsms/mailscheduler/internal/public_api_service/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig configures the public HTTP surface.
type RouterConfig struct {
	JWTAccessSecret    []byte
	CORSAllowedOrigins []string
	RequestTimeout     time.Duration
}

// NewRouter wires the scheduler routes behind JWT auth, plus /healthz and /metrics.
func NewRouter(h *SchedulerHandler, cfg RouterConfig, logger *slog.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogAttrs)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(PrometheusMetricsMiddleware)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "traceparent", "tracestate"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         86400,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	authMW := middleware.AuthMiddleware(cfg.JWTAccessSecret, logger)
	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(authMW)
		v1.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		v1.Route("/scheduled-emails", h.RegisterRoutes)
		v1.With(middleware.RequireAdmin(logger)).Post("/admin/sweep", h.RunSweep)
	})
	return r
}

// requestLogAttrs tags every log record written while serving a request with its id.
func requestLogAttrs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.ContextWithLogAttrs(r.Context(), slog.String("request_id", chimiddleware.GetReqID(r.Context())))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
