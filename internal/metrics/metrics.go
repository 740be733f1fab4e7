package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for role-sentinel's own telemetry.
// Nil receivers are safe no-ops so wiring stays optional.
type Metrics struct {
	registry                 *prometheus.Registry
	cycleDurationSeconds     prometheus.Histogram
	roleFetchErrorsTotal     *prometheus.CounterVec
	serviceActionsTotal      *prometheus.CounterVec
	discoveryWritesTotal     *prometheus.CounterVec
	managedServicesGauge     *prometheus.GaugeVec
	lastSuccessfulCycleGauge prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		cycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "role_sentinel_cycle_duration_seconds",
			Help:    "Duration of reconciliation cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		roleFetchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "role_sentinel_role_fetch_errors_total",
			Help: "Total role fetch failures by kind.",
		}, []string{"kind"}),
		serviceActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "role_sentinel_service_actions_total",
			Help: "Total service manager actions by service, action, and result.",
		}, []string{"service", "action", "result"}),
		discoveryWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "role_sentinel_discovery_writes_total",
			Help: "Total discovery descriptor operations by action and result.",
		}, []string{"action", "result"}),
		managedServicesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "role_sentinel_managed_services",
			Help: "Managed services by confirmed status.",
		}, []string{"status"}),
		lastSuccessfulCycleGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "role_sentinel_last_successful_cycle_timestamp",
			Help: "Unix timestamp of the last fully successful cycle.",
		}),
	}

	registry.MustRegister(
		m.cycleDurationSeconds,
		m.roleFetchErrorsTotal,
		m.serviceActionsTotal,
		m.discoveryWritesTotal,
		m.managedServicesGauge,
		m.lastSuccessfulCycleGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycleDuration records the duration of a completed cycle.
func (m *Metrics) ObserveCycleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleDurationSeconds.Observe(duration.Seconds())
}

// IncRoleFetchError increments the fetch error counter for the given kind.
func (m *Metrics) IncRoleFetchError(kind string) {
	if m == nil {
		return
	}
	m.roleFetchErrorsTotal.WithLabelValues(kind).Inc()
}

// IncServiceAction increments the service action counter.
func (m *Metrics) IncServiceAction(service, action, result string) {
	if m == nil {
		return
	}
	m.serviceActionsTotal.WithLabelValues(service, action, result).Inc()
}

// IncDiscoveryWrite increments the descriptor operation counter.
func (m *Metrics) IncDiscoveryWrite(action, result string) {
	if m == nil {
		return
	}
	m.discoveryWritesTotal.WithLabelValues(action, result).Inc()
}

// SetManagedServices sets the managed-services gauge for a status.
func (m *Metrics) SetManagedServices(status string, value int) {
	if m == nil {
		return
	}
	m.managedServicesGauge.WithLabelValues(status).Set(float64(value))
}

// SetLastSuccessfulCycleTimestamp sets the last successful cycle time.
func (m *Metrics) SetLastSuccessfulCycleTimestamp(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessfulCycleGauge.Set(float64(t.Unix()))
}
