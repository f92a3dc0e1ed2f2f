package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dentacare/scheduling-engine/internal/metrics"
	"github.com/dentacare/scheduling-engine/internal/scheduling"
)

type RouterConfig struct {
	Service *scheduling.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware(func(req *http.Request) string {
			if rctx := chi.RouteContext(req.Context()); rctx != nil {
				return rctx.RoutePattern()
			}
			return req.URL.Path
		}))
	}

	// Health and metrics
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Appointments
	r.Post("/appointments", bookAppointmentHandler(cfg.Service))
	r.Get("/appointments", listAppointmentsHandler(cfg.Service))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Patch("/appointments/{id}", modifyAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/complete", completeAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/reschedule-request", rescheduleRequestHandler(cfg.Service))

	// Availability
	r.Get("/doctors/{id}/availability", availabilityHandler(cfg.Service))

	// Master-data change notifications from clinic administration
	r.Post("/schedule-changes", scheduleChangedHandler(cfg.Service))
	r.Post("/unit-closures", unitClosedHandler(cfg.Service))

	// Staff reschedule queue view
	r.Get("/reschedule-queue", listQueueHandler(cfg.Service))

	return r
}
