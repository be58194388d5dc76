// Package metrics exposes Prometheus instrumentation for the collection
// pipeline and the HTTP API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the service records. Metrics live on a private
// Prometheus registry so repeated construction cannot collide.
type Registry struct {
	reg *prometheus.Registry

	CycleDuration prometheus.Histogram
	CyclesTotal   *prometheus.CounterVec

	AgentDuration *prometheus.HistogramVec
	AgentRuns     *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signals_cycle_duration_seconds",
			Help:    "Duration of one full collection and fusion cycle",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signals_cycles_total",
			Help: "Completed collection cycles by outcome",
		}, []string{"status"}),

		AgentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signals_agent_duration_seconds",
			Help:    "Duration of one agent collection run",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"agent"}),
		AgentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signals_agent_runs_total",
			Help: "Agent collection runs by agent and envelope status",
		}, []string{"agent", "status"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signals_http_requests_total",
			Help: "API requests by endpoint, method and status code",
		}, []string{"endpoint", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signals_http_request_duration_seconds",
			Help:    "API request duration by endpoint",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"endpoint"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CycleDuration,
		m.CyclesTotal,
		m.AgentDuration,
		m.AgentRuns,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// ObserveCycle records one orchestrator cycle.
func (m *Registry) ObserveCycle(status string, d time.Duration) {
	m.CycleDuration.Observe(d.Seconds())
	m.CyclesTotal.WithLabelValues(status).Inc()
}

// ObserveAgent records one agent run.
func (m *Registry) ObserveAgent(agent, status string, d time.Duration) {
	m.AgentDuration.WithLabelValues(agent).Observe(d.Seconds())
	m.AgentRuns.WithLabelValues(agent, status).Inc()
}

// ObserveRequest records one API request.
func (m *Registry) ObserveRequest(endpoint, method, status string, d time.Duration) {
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// Handler serves the scrape endpoint for this registry.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
