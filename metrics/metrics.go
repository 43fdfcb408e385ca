// Package metrics exposes the Prometheus instrumentation for the broker.
// Everything registers on a private registry so tests can create as many
// instances as they like without collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service reports.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	TokensIssued     prometheus.Counter
	TokensResolved   *prometheus.CounterVec
	RateLimitDenied  *prometheus.CounterVec
	UploadsInitiated *prometheus.CounterVec
	UploadsCompleted prometheus.Counter
	UploadsAborted   prometheus.Counter
	CellsPurged      prometheus.Counter
}

// New creates a Metrics with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stashgate",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status class.",
		}, []string{"method", "route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stashgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stashgate",
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stashgate",
			Name:      "tokens_issued_total",
			Help:      "Download tokens successfully issued.",
		}),
		TokensResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stashgate",
			Name:      "tokens_resolved_total",
			Help:      "Token resolutions by outcome.",
		}, []string{"outcome"}),
		RateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stashgate",
			Name:      "rate_limit_denied_total",
			Help:      "Requests denied by a rate-limit scope.",
		}, []string{"scope"}),
		UploadsInitiated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stashgate",
			Name:      "uploads_initiated_total",
			Help:      "Upload plans issued by mode.",
		}, []string{"mode"}),
		UploadsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stashgate",
			Name:      "uploads_completed_total",
			Help:      "Multipart uploads stitched successfully.",
		}),
		UploadsAborted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stashgate",
			Name:      "uploads_aborted_total",
			Help:      "Multipart uploads aborted.",
		}),
		CellsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stashgate",
			Name:      "cells_purged_total",
			Help:      "Expired cells removed by the cleanup loop.",
		}),
	}
}

// Handler serves the metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
