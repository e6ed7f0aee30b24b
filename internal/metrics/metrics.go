// Package metrics holds the Prometheus collectors exported on
// /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "annoreports"

// Metrics holds all collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	ChecksScheduled   *prometheus.CounterVec
	Computations      *prometheus.CounterVec
	ComputeDuration   *prometheus.HistogramVec
	WorkersBusy       prometheus.Gauge
	EventsIngested    *prometheus.CounterVec
	StaleScheduled    prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPRequestLength *prometheus.HistogramVec
}

// New creates and registers every collector on reg. A nil reg
// uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	m := &Metrics{gatherer: reg}

	m.ChecksScheduled = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_scheduled_total",
			Help:      "Report checks requested, by resource kind",
		},
		[]string{"kind"},
	)
	m.Computations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "computations_total",
			Help:      "Report computations run, by resource kind and result",
		},
		[]string{"kind", "result"},
	)
	m.ComputeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_duration_seconds",
			Help:      "Duration of report computations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"kind"},
	)
	m.WorkersBusy = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Number of workers running a computation",
		},
	)
	m.EventsIngested = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Annotation events stored, by source",
		},
		[]string{"source"},
	)
	m.StaleScheduled = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_scheduled_total",
			Help:      "Checks scheduled by the auto-updater",
		},
	)
	m.HTTPRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route and status code",
		},
		[]string{"route", "code"},
	)
	m.HTTPRequestLength = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	return m
}

// ObserveCompute records one computation.
func (m *Metrics) ObserveCompute(kind, result string, d time.Duration) {
	m.Computations.WithLabelValues(kind, result).Inc()
	m.ComputeDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
