package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docrelay"

// promCollectors are the Prometheus mirrors of the relay's metrics.
type promCollectors struct {
	registry *prometheus.Registry

	callbacks     *prometheus.CounterVec
	duplicates    prometheus.Counter
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsInFlight  prometheus.Gauge
	attempts      *prometheus.CounterVec
	attemptTime   *prometheus.HistogramVec
	notices       *prometheus.CounterVec
	tokenRefresh  *prometheus.CounterVec
	breakerStates *prometheus.GaugeVec
}

func newPromCollectors() *promCollectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &promCollectors{
		registry: reg,
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Authenticated callback messages by event type.",
		}, []string{"type"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Redelivered messages suppressed by the idempotency guard.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished conversion jobs by outcome and failing stage.",
		}, []string{"outcome", "stage"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "End-to-end conversion job duration.",
			Buckets:   []float64{1, 2.5, 5, 10, 15, 30, 60, 120},
		}, []string{"outcome"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Conversion jobs currently running.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_attempts_total",
			Help:      "Conversion backend attempts by backend and result.",
		}, []string{"backend", "result"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_attempt_seconds",
			Help:      "Duration of a single conversion backend attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_total",
			Help:      "Best-effort text notices by kind and result.",
		}, []string{"kind", "result"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Access token refreshes by result.",
		}, []string{"result"}),
		breakerStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),
	}

	reg.MustRegister(
		c.callbacks, c.duplicates, c.jobs, c.jobDuration, c.jobsInFlight,
		c.attempts, c.attemptTime, c.notices, c.tokenRefresh, c.breakerStates,
	)
	return c
}

func (c *promCollectors) handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
