package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors. A single instance is
// shared between the HTTP layer, the booking service and the matcher.
type Metrics struct {
	BookingsTotal      *prometheus.CounterVec // result: booked|conflict|stale_version|busy|validation|error
	InvalidationsTotal *prometheus.CounterVec // reason: patient_requested|doctor_unavailable|unit_closed
	MatchAttemptsTotal *prometheus.CounterVec // result: rebooked|requeued|escalated
	QueueDepth         prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BookingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduling_bookings_total",
			Help: "Booking service operations by result.",
		}, []string{"op", "result"}),
		InvalidationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduling_invalidations_total",
			Help: "Appointments pushed onto the reschedule queue, by reason.",
		}, []string{"reason"}),
		MatchAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduling_match_attempts_total",
			Help: "Reschedule matcher attempts by outcome.",
		}, []string{"result"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scheduling_reschedule_queue_depth",
			Help: "Entries currently waiting in the reschedule queue.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route pattern and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Middleware records request counts and latencies per chi route pattern.
func (m *Metrics) Middleware(routePattern func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			path := routePattern(r)
			m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
