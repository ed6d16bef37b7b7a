package metrics

import (
	"net/http"
	"time"
)

// Metric names in the JSON registry.
const (
	MetricCallbacks       = "callbacks_total"
	MetricDuplicates      = "duplicate_messages_total"
	MetricJobs            = "jobs_total"
	MetricJobDuration     = "job_duration"
	MetricJobsInFlight    = "jobs_in_flight"
	MetricBackendAttempts = "backend_attempts_total"
	MetricBackendDuration = "backend_attempt_duration"
	MetricNotices         = "notices_total"
	MetricTokenRefresh    = "token_refresh_total"
	MetricBreakerState    = "circuit_breaker_state"
	MetricHTTPRequests    = "http_requests_total"
	MetricHTTPDuration    = "http_request_duration"
	MetricDedupSweeps     = "dedup_sweeps_total"
)

// Recorder records relay events into both the JSON registry and Prometheus.
type Recorder struct {
	registry *Registry
	prom     *promCollectors
}

func NewRecorder() *Recorder {
	return &Recorder{registry: NewRegistry(), prom: newPromCollectors()}
}

// Registry exposes the in-process registry.
func (r *Recorder) Registry() *Registry { return r.registry }

// PrometheusHandler serves the Prometheus text exposition.
func (r *Recorder) PrometheusHandler() http.Handler { return r.prom.handler() }

func (r *Recorder) CallbackReceived(eventType string) {
	r.registry.IncrementCounter(MetricCallbacks, map[string]string{"type": eventType}, "Authenticated callbacks by event type")
	r.prom.callbacks.WithLabelValues(eventType).Inc()
}

func (r *Recorder) DuplicateSuppressed() {
	r.registry.IncrementCounter(MetricDuplicates, nil, "Suppressed redeliveries")
	r.prom.duplicates.Inc()
}

func (r *Recorder) JobStarted() {
	r.registry.AddToGauge(MetricJobsInFlight, 1, nil, "Running conversion jobs")
	r.prom.jobsInFlight.Inc()
}

// JobFinished records a terminal job. stage is empty for successes.
func (r *Recorder) JobFinished(outcome, stage string, d time.Duration) {
	r.registry.AddToGauge(MetricJobsInFlight, -1, nil, "Running conversion jobs")
	r.registry.IncrementCounter(MetricJobs, map[string]string{"outcome": outcome, "stage": stage}, "Finished jobs")
	r.registry.RecordTimer(MetricJobDuration, d, map[string]string{"outcome": outcome})

	r.prom.jobsInFlight.Dec()
	r.prom.jobs.WithLabelValues(outcome, stage).Inc()
	r.prom.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (r *Recorder) BackendAttempt(backend string, err error, d time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.registry.IncrementCounter(MetricBackendAttempts, map[string]string{"backend": backend, "result": result}, "Conversion backend attempts")
	r.registry.RecordTimer(MetricBackendDuration, d, map[string]string{"backend": backend})

	r.prom.attempts.WithLabelValues(backend, result).Inc()
	r.prom.attemptTime.WithLabelValues(backend).Observe(d.Seconds())
}

func (r *Recorder) NoticeSent(kind string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	r.registry.IncrementCounter(MetricNotices, map[string]string{"kind": kind, "result": result}, "Text notices")
	r.prom.notices.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) TokenRefreshed(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.registry.IncrementCounter(MetricTokenRefresh, map[string]string{"result": result}, "Access token refreshes")
	r.prom.tokenRefresh.WithLabelValues(result).Inc()
}

// BreakerState records a breaker state as 0 closed, 1 open, 2 half-open.
func (r *Recorder) BreakerState(name string, state int) {
	r.registry.SetGauge(MetricBreakerState, float64(state), map[string]string{"breaker": name}, "Circuit breaker state")
	r.prom.breakerStates.WithLabelValues(name).Set(float64(state))
}

func (r *Recorder) DedupSwept() {
	r.registry.IncrementCounter(MetricDedupSweeps, nil, "Idempotency sweeps")
}

func (r *Recorder) HTTPRequest(method, route string, status int, d time.Duration) {
	labels := map[string]string{"method": method, "route": route, "status": statusClass(status)}
	r.registry.IncrementCounter(MetricHTTPRequests, labels, "HTTP requests")
	r.registry.RecordTimer(MetricHTTPDuration, d, map[string]string{"route": route})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
