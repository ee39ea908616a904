// Package metrics exposes Prometheus metrics for connectors.
//
// A nil *Metrics is valid and records nothing, so callers can pass it
// through unconditionally when metrics are disabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobconnect"

// Outcome labels in jobs_total besides error codes, which label failures.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
)

// Frame directions in ws_frames_total.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics holds the connector collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsActive       *prometheus.GaugeVec     // by connector
	jobsTotal        *prometheus.CounterVec   // by connector and outcome
	jobDuration      *prometheus.HistogramVec // by connector
	wsReconnects     *prometheus.CounterVec   // by connector
	wsFrames         *prometheus.CounterVec   // by connector and direction
	wsLatency        *prometheus.HistogramVec // by connector
	connectorHealthy *prometheus.GaugeVec     // by connector, 1 or 0
}

// New creates the collectors on a fresh registry, with Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		jobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently in flight",
		}, []string{"connector"}),

		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Terminal job results by outcome",
		}, []string{"connector", "outcome"}),

		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job processing time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"connector"}),

		wsReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_reconnects_total",
			Help:      "WebSocket reconnect cycles started",
		}, []string{"connector"}),

		wsFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_total",
			Help:      "WebSocket frames by direction",
		}, []string{"connector", "direction"}),

		wsLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ws_heartbeat_latency_seconds",
			Help:      "Round trip of acknowledged heartbeats",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"connector"}),

		connectorHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_healthy",
			Help:      "Result of the last health check (1 healthy, 0 unhealthy)",
		}, []string{"connector"}),
	}

	m.registry.MustRegister(
		m.jobsActive,
		m.jobsTotal,
		m.jobDuration,
		m.wsReconnects,
		m.wsFrames,
		m.wsLatency,
		m.connectorHealthy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// JobStarted increments jobs_active.
func (m *Metrics) JobStarted(connectorID string) {
	if m == nil {
		return
	}
	m.jobsActive.WithLabelValues(connectorID).Inc()
}

// JobFinished decrements jobs_active and records the outcome and duration.
func (m *Metrics) JobFinished(connectorID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsActive.WithLabelValues(connectorID).Dec()
	m.jobsTotal.WithLabelValues(connectorID, outcome).Inc()
	m.jobDuration.WithLabelValues(connectorID).Observe(d.Seconds())
}

// JobRejected undoes JobStarted for a job the connector refused before
// accepting it. No duration is observed.
func (m *Metrics) JobRejected(connectorID string) {
	if m == nil {
		return
	}
	m.jobsActive.WithLabelValues(connectorID).Dec()
	m.jobsTotal.WithLabelValues(connectorID, OutcomeRejected).Inc()
}

// Reconnect counts one WebSocket reconnect cycle.
func (m *Metrics) Reconnect(connectorID string) {
	if m == nil {
		return
	}
	m.wsReconnects.WithLabelValues(connectorID).Inc()
}

// Frame counts one WebSocket frame sent or received.
func (m *Metrics) Frame(connectorID, direction string) {
	if m == nil {
		return
	}
	m.wsFrames.WithLabelValues(connectorID, direction).Inc()
}

// HeartbeatLatency observes one acknowledged heartbeat round trip.
func (m *Metrics) HeartbeatLatency(connectorID string, d time.Duration) {
	if m == nil {
		return
	}
	m.wsLatency.WithLabelValues(connectorID).Observe(d.Seconds())
}

// SetHealthy records a health check result.
func (m *Metrics) SetHealthy(connectorID string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.connectorHealthy.WithLabelValues(connectorID).Set(v)
}
