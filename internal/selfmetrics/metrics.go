// Package selfmetrics exposes the collector's own operational counters as
// Prometheus metrics, served on /metrics by the API mux.
package selfmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the process.
type Metrics struct {
	// Poll outcomes per upstream target
	PollTotal    *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec

	// Storage write volume
	MetricsStored *prometheus.CounterVec
	EventsStored  *prometheus.CounterVec

	// Flow manager activity
	FlowInstalls  *prometheus.CounterVec
	FallbackState prometheus.Gauge

	// API serving
	APIRequests *prometheus.CounterVec
}

// New creates and registers all instruments on reg (the default registerer
// when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PollTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_poll_total",
				Help: "Poll attempts per upstream target and outcome",
			},
			[]string{"target", "outcome"}, // outcome: success, failure
		),
		PollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_poll_duration_seconds",
				Help:    "Duration of one poll pass per upstream target",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target"},
		),
		MetricsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_metrics_stored_total",
				Help: "Metric rows written to storage by metric type class",
			},
			[]string{"metric_type"},
		),
		EventsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_events_stored_total",
				Help: "Event rows written to storage by source component",
			},
			[]string{"source"},
		),
		FlowInstalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowmanager_installs_total",
				Help: "Flow installation attempts by outcome",
			},
			[]string{"outcome"}, // outcome: ok, fallback, basic, failed
		),
		FallbackState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowmanager_fallback_active",
				Help: "1 while the connectivity-preserving fallback ruleset is installed",
			},
		),
		APIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_requests_total",
				Help: "API requests by route and status class",
			},
			[]string{"route", "status"},
		),
	}
}
