// Package metrics exposes Prometheus collectors for the wares daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors.
type Metrics struct {
	probesTotal       *prometheus.CounterVec
	probeDuration     *prometheus.HistogramVec
	installedApps     prometheus.Gauge
	marketplaceErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on a private registry so tests and
// multiple daemons never collide on the global one.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wares_probe_total",
				Help: "Total number of app health probes by result",
			},
			[]string{"app", "result"},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wares_probe_duration_seconds",
				Help:    "App health probe duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"app"},
		),

		installedApps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wares_installed_apps",
				Help: "Number of apps currently installed",
			},
		),

		marketplaceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wares_marketplace_errors_total",
				Help: "Total number of marketplace API errors by operation",
			},
			[]string{"op"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.probesTotal,
		m.probeDuration,
		m.installedApps,
		m.marketplaceErrors,
	)

	return m
}

// RecordProbe records one health probe outcome.
func (m *Metrics) RecordProbe(app string, healthy bool, duration time.Duration) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.probesTotal.WithLabelValues(app, result).Inc()
	m.probeDuration.WithLabelValues(app).Observe(duration.Seconds())
}

// SetInstalledApps updates the installed app gauge.
func (m *Metrics) SetInstalledApps(n int) {
	m.installedApps.Set(float64(n))
}

// RecordMarketplaceError counts a failed marketplace API call.
func (m *Metrics) RecordMarketplaceError(op string) {
	m.marketplaceErrors.WithLabelValues(op).Inc()
}

// ForgetApp drops the per-app series after an uninstall so stale
// labels stop appearing in scrapes.
func (m *Metrics) ForgetApp(app string) {
	m.probesTotal.DeletePartialMatch(prometheus.Labels{"app": app})
	m.probeDuration.DeletePartialMatch(prometheus.Labels{"app": app})
}

// Handler returns the Prometheus scrape handler for the daemon mux.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
