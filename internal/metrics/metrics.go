// Package metrics provides Prometheus metrics collection for the worker,
// task-creator and tracker roles.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vlikhobabin/exchanger/internal/config"
)

// Metrics holds all Prometheus collectors for a single role process.
type Metrics struct {
	// Health/metrics HTTP server
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	// External-task lifecycle (Worker)
	TasksFetched  *prometheus.CounterVec
	TasksLocked   *prometheus.CounterVec
	TasksComplete *prometheus.CounterVec
	TasksFailed   *prometheus.CounterVec

	// Message broker
	QueuePublishTotal    *prometheus.CounterVec
	QueuePublishDuration *prometheus.HistogramVec
	QueueConsumeTotal    *prometheus.CounterVec

	// Downstream (Task-Creator / Tracker)
	DownstreamCreateDuration *prometheus.HistogramVec
	DownstreamCallTotal      *prometheus.CounterVec

	// BPMN metadata / template caches
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Circuit breaker state, by dependency name: 0=closed, 1=half-open, 2=open
	CircuitBreakerState *prometheus.GaugeVec

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(role string) *Metrics {
	return NewWithRegistry(role, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(role string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests to the health/metrics server"},
			[]string{"role", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"role", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "Current number of HTTP requests being processed"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "errors_total", Help: "Total number of errors"},
			[]string{"role", "type", "operation"},
		),
		TasksFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchanger_tasks_fetched_total", Help: "External tasks fetched and locked from the engine"},
			[]string{"topic"},
		),
		TasksLocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchanger_tasks_locked_total", Help: "External tasks locked from the engine"},
			[]string{"topic"},
		),
		TasksComplete: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchanger_tasks_completed_total", Help: "External tasks reported complete to the engine"},
			[]string{"topic"},
		),
		TasksFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchanger_tasks_failed_total", Help: "External tasks reported failed to the engine"},
			[]string{"topic", "reason"},
		),
		QueuePublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchanger_queue_publish_total", Help: "Messages published to the broker"},
			[]string{"queue", "status"},
		),
		QueuePublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchanger_queue_publish_duration_seconds",
				Help:    "Broker publish call duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2, 5},
			},
			[]string{"queue"},
		),
		QueueConsumeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchanger_queue_consume_total", Help: "Messages consumed from the broker"},
			[]string{"queue", "outcome"},
		),
		DownstreamCreateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchanger_downstream_create_duration_seconds",
				Help:    "Downstream task creation call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		DownstreamCallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchanger_downstream_calls_total", Help: "Downstream API calls made"},
			[]string{"method", "status"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchanger_cache_hits_total", Help: "Cache hits"},
			[]string{"cache"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchanger_cache_misses_total", Help: "Cache misses"},
			[]string{"cache"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "exchanger_circuit_breaker_state", Help: "Circuit breaker state (0=closed,1=half-open,2=open)"},
			[]string{"dependency"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service information"},
			[]string{"role", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.TasksFetched,
			m.TasksLocked,
			m.TasksComplete,
			m.TasksFailed,
			m.QueuePublishTotal,
			m.QueuePublishDuration,
			m.QueueConsumeTotal,
			m.DownstreamCreateDuration,
			m.DownstreamCallTotal,
			m.CacheHits,
			m.CacheMisses,
			m.CircuitBreakerState,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(role, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records a request to the health/metrics server.
func (m *Metrics) RecordHTTPRequest(role, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(role, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(role, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(role, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(role, errorType, operation).Inc()
}

// RecordQueuePublish records a broker publish attempt and its outcome.
func (m *Metrics) RecordQueuePublish(queue, status string, duration time.Duration) {
	m.QueuePublishTotal.WithLabelValues(queue, status).Inc()
	m.QueuePublishDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordQueueConsume records a message delivery and how it was resolved (ack/nack/requeue).
func (m *Metrics) RecordQueueConsume(queue, outcome string) {
	m.QueueConsumeTotal.WithLabelValues(queue, outcome).Inc()
}

// RecordDownstreamCreate records a downstream task creation call.
func (m *Metrics) RecordDownstreamCreate(status string, duration time.Duration) {
	m.DownstreamCreateDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDownstreamCall records any downstream API call.
func (m *Metrics) RecordDownstreamCall(method, status string) {
	m.DownstreamCallTotal.WithLabelValues(method, status).Inc()
}

// RecordCacheHit/RecordCacheMiss record BPMN metadata / template cache outcomes.
func (m *Metrics) RecordCacheHit(cache string)  { m.CacheHits.WithLabelValues(cache).Inc() }
func (m *Metrics) RecordCacheMiss(cache string) { m.CacheMisses.WithLabelValues(cache).Inc() }

// SetCircuitBreakerState records the current circuit breaker state for a dependency.
func (m *Metrics) SetCircuitBreakerState(dependency string, state int) {
	m.CircuitBreakerState.WithLabelValues(dependency).Set(float64(state))
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight / DecrementInFlight track in-flight HTTP requests.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

func getEnvironment() string {
	env, err := config.CurrentEnvironment()
	if err != nil {
		return "unknown"
	}
	return string(env)
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
//   - prod: disabled unless explicitly enabled via METRICS_ENABLED
//   - dev: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		env, err := config.CurrentEnvironment()
		return err != nil || env != config.Prod
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance for the given role.
func Init(role string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(role)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
