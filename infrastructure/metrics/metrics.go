// Package metrics provides Prometheus metrics collection for the interlocking core.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics (HMI query surface).
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics.
	ErrorsTotal *prometheus.CounterVec

	// Interlocking validation metrics.
	ValidationDuration *prometheus.HistogramVec
	OperationsBlocked  *prometheus.CounterVec
	SlowOperations     *prometheus.CounterVec

	// Store Gateway metrics.
	StoreQueriesTotal    *prometheus.CounterVec
	StoreQueryDuration   *prometheus.HistogramVec
	StoreConnectionsOpen prometheus.Gauge

	// Change Distributor metrics.
	DistributorPollingIntervalMS prometheus.Gauge
	DistributorQueueDrops        prometheus.Counter
	NotificationsReceived        prometheus.Counter

	// Safety signals.
	SystemFreezeTotal prometheus.Counter
	OperationalState  prometheus.Gauge

	// Service health.
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance with a custom registry, so tests can use an
// isolated prometheus.NewRegistry() instead of the global one.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "Current number of HTTP requests being processed"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "errors_total", Help: "Total number of errors"},
			[]string{"service", "type", "operation"},
		),

		ValidationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "interlocking_validation_duration_seconds",
				Help:    "Duration of a single interlocking validation call",
				Buckets: []float64{.0005, .001, .002, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"branch"},
		),
		OperationsBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "interlocking_operations_blocked_total", Help: "Total number of operation_blocked outcomes"},
			[]string{"branch", "rule_id"},
		),
		SlowOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "interlocking_slow_operations_total", Help: "Validations that exceeded the target response time"},
			[]string{"branch"},
		),

		StoreQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "store_queries_total", Help: "Total number of store gateway calls"},
			[]string{"operation", "status"},
		),
		StoreQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_query_duration_seconds",
				Help:    "Store gateway call duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		StoreConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "store_connections_open", Help: "Current number of open store connections"},
		),

		DistributorPollingIntervalMS: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "distributor_polling_interval_ms", Help: "Current adaptive polling cadence in milliseconds"},
		),
		DistributorQueueDrops: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "distributor_queue_drops_total", Help: "Notifications dropped due to a full handoff queue"},
		),
		NotificationsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "distributor_notifications_received_total", Help: "Total notifications received from the store"},
		),

		SystemFreezeTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "system_freeze_total", Help: "Total number of system_freeze_required emissions"},
		),
		OperationalState: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "operational_state", Help: "1 when is_operational is true, 0 after a safety freeze"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service information"},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight,
			m.ErrorsTotal,
			m.ValidationDuration, m.OperationsBlocked, m.SlowOperations,
			m.StoreQueriesTotal, m.StoreQueryDuration, m.StoreConnectionsOpen,
			m.DistributorPollingIntervalMS, m.DistributorQueueDrops, m.NotificationsReceived,
			m.SystemFreezeTotal, m.OperationalState,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)
	m.OperationalState.Set(0)

	return m
}

// RecordHTTPRequest records an HTTP request against the HMI query surface.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordValidation records the outcome and latency of one validation call.
func (m *Metrics) RecordValidation(branch string, duration time.Duration, blocked bool, ruleID string) {
	m.ValidationDuration.WithLabelValues(branch).Observe(duration.Seconds())
	if blocked {
		m.OperationsBlocked.WithLabelValues(branch, ruleID).Inc()
	}
}

// RecordSlowOperation increments the slow-operation counter for a branch.
func (m *Metrics) RecordSlowOperation(branch string) {
	m.SlowOperations.WithLabelValues(branch).Inc()
}

// RecordStoreQuery records a store gateway call.
func (m *Metrics) RecordStoreQuery(operation, status string, duration time.Duration) {
	m.StoreQueriesTotal.WithLabelValues(operation, status).Inc()
	m.StoreQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetStoreConnections sets the number of open store connections.
func (m *Metrics) SetStoreConnections(count int) {
	m.StoreConnectionsOpen.Set(float64(count))
}

// SetPollingInterval reports the Distributor's current adaptive polling cadence.
func (m *Metrics) SetPollingInterval(d time.Duration) {
	m.DistributorPollingIntervalMS.Set(float64(d.Milliseconds()))
}

// RecordSystemFreeze records a system_freeze_required emission and clears OperationalState.
func (m *Metrics) RecordSystemFreeze() {
	m.SystemFreezeTotal.Inc()
	m.OperationalState.Set(0)
}

// SetOperational records the current operational latch value.
func (m *Metrics) SetOperational(operational bool) {
	if operational {
		m.OperationalState.Set(1)
		return
	}
	m.OperationalState.Set(0)
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

func isProduction() bool {
	return getEnvironment() == "production"
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !isProduction()
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

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
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
