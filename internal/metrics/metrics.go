// Package metrics provides Prometheus metrics for the provider pool.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subpool"

// Metrics owns a private registry so tests and multiple pools never collide on
// the global one.
type Metrics struct {
	registry *prometheus.Registry

	// SearchTotal tracks provider searches by outcome
	SearchTotal *prometheus.CounterVec
	// SearchDuration tracks provider search latency
	SearchDuration *prometheus.HistogramVec
	// DownloadTotal tracks download attempts by outcome
	DownloadTotal *prometheus.CounterVec
	// DiscardedTotal tracks providers removed for the session
	DiscardedTotal *prometheus.CounterVec
	// RetriesTotal tracks connection retries during downloads
	RetriesTotal *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SearchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_search_total",
				Help:      "Total number of provider searches",
			},
			[]string{"provider", "result"},
		),
		SearchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_search_duration_seconds",
				Help:      "Duration of provider searches in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		),
		DownloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_download_total",
				Help:      "Total number of subtitle downloads",
			},
			[]string{"provider", "result"},
		),
		DiscardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_discarded_total",
				Help:      "Total number of providers discarded after a failure",
			},
			[]string{"provider", "reason"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_retries_total",
				Help:      "Total number of download retries after connection errors",
			},
			[]string{"provider"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SearchTotal,
		m.SearchDuration,
		m.DownloadTotal,
		m.DiscardedTotal,
		m.RetriesTotal,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSearch records a finished provider search
func (m *Metrics) RecordSearch(provider, result string, d time.Duration) {
	m.SearchTotal.WithLabelValues(provider, result).Inc()
	m.SearchDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordDownload records a finished download attempt
func (m *Metrics) RecordDownload(provider, result string) {
	m.DownloadTotal.WithLabelValues(provider, result).Inc()
}

// RecordDiscard records a provider being discarded
func (m *Metrics) RecordDiscard(provider, reason string) {
	m.DiscardedTotal.WithLabelValues(provider, reason).Inc()
}

// RecordRetry records one download retry
func (m *Metrics) RecordRetry(provider string) {
	m.RetriesTotal.WithLabelValues(provider).Inc()
}
