package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carenudge"

// Metrics holds every Prometheus collector the service exports.
type Metrics struct {
	// Engine
	TriggersFired      *prometheus.CounterVec
	TriggersSuppressed *prometheus.CounterVec
	NudgesCreated      *prometheus.CounterVec
	DedupSkipped       *prometheus.CounterVec
	GenerationFallback *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	Evaluations        *prometheus.CounterVec
	CooldownSkipped    prometheus.Counter

	// Lifecycle
	Responses     *prometheus.CounterVec
	Interactions  *prometheus.CounterVec
	NudgesExpired prometheus.Counter

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPPanics          *prometheus.CounterVec
	HTTPTimeouts        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. Each call needs its own registry;
// tests pass prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TriggersFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_fired_total",
			Help:      "Triggers whose conditions held during evaluation.",
		}, []string{"trigger"}),
		TriggersSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_suppressed_total",
			Help:      "Fired triggers dropped by the adaptive engine.",
		}, []string{"trigger", "reason"}),
		NudgesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudges_created_total",
			Help:      "Nudges persisted, by trigger and content source.",
		}, []string{"trigger", "source"}),
		DedupSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudges_dedup_skipped_total",
			Help:      "Creations skipped because a live nudge already existed.",
		}, []string{"trigger"}),
		GenerationFallback: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_fallback_total",
			Help:      "Template fallbacks taken, by reason.",
		}, []string{"reason"}),
		GenerationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Content generation latency by source.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"source"}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Patient evaluations run, by engine and result.",
		}, []string{"engine", "result"}),
		CooldownSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_cooldown_skipped_total",
			Help:      "Evaluations skipped because the patient was evaluated recently.",
		}),
		Responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudge_responses_total",
			Help:      "Patient responses by resulting status.",
		}, []string{"status"}),
		Interactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudge_interactions_total",
			Help:      "View, click and completion events.",
		}, []string{"kind"}),
		NudgesExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudges_expired_total",
			Help:      "Nudges moved to expired by sweeps.",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		HTTPPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panics_recovered_total",
			Help:      "Handler panics turned into 500 responses, by route.",
		}, []string{"route"}),
		HTTPTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_timeouts_total",
			Help:      "Requests answered with 504 after their deadline, by route.",
		}, []string{"route"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latency keyed by the matched route,
// not the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
