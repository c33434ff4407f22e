// Package metrics exposes Prometheus instruments for the sync queues.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue label values.
const (
	QueueRecords = "records"
	QueuePhotos  = "photos"
)

// SyncMetrics holds the queue instruments. A nil *SyncMetrics is valid and
// records nothing.
type SyncMetrics struct {
	EnqueueTotal     *prometheus.CounterVec
	AttemptTotal     *prometheus.CounterVec
	SuccessTotal     *prometheus.CounterVec
	FailureTotal     *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	ProblematicItems *prometheus.GaugeVec
	ActiveUploads    prometheus.Gauge
	SyncPassTotal    *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the instruments and registers them on a private registry.
func New() *SyncMetrics {
	m := &SyncMetrics{
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exposurelog_enqueue_total",
				Help: "Total number of items enqueued",
			},
			[]string{"queue"},
		),
		AttemptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exposurelog_attempt_total",
				Help: "Total number of sync attempts started",
			},
			[]string{"queue"},
		),
		SuccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exposurelog_success_total",
				Help: "Total number of items confirmed by the backend",
			},
			[]string{"queue"},
		),
		FailureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exposurelog_failure_total",
				Help: "Total number of failed attempts by error code",
			},
			[]string{"queue", "code"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exposurelog_queue_depth",
				Help: "Number of items waiting in each queue",
			},
			[]string{"queue"},
		),
		ProblematicItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exposurelog_problematic_items",
				Help: "Number of items that exhausted their automatic retry budget",
			},
			[]string{"queue"},
		),
		ActiveUploads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "exposurelog_active_uploads",
				Help: "Number of photo uploads in flight",
			},
		),
		SyncPassTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exposurelog_sync_pass_total",
				Help: "Total number of drain passes by trigger",
			},
			[]string{"trigger"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.EnqueueTotal,
		m.AttemptTotal,
		m.SuccessTotal,
		m.FailureTotal,
		m.QueueDepth,
		m.ProblematicItems,
		m.ActiveUploads,
		m.SyncPassTotal,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *SyncMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry.
func (m *SyncMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *SyncMetrics) Enqueued(queue string) {
	if m == nil {
		return
	}
	m.EnqueueTotal.WithLabelValues(queue).Inc()
}

func (m *SyncMetrics) Attempted(queue string) {
	if m == nil {
		return
	}
	m.AttemptTotal.WithLabelValues(queue).Inc()
}

func (m *SyncMetrics) Succeeded(queue string) {
	if m == nil {
		return
	}
	m.SuccessTotal.WithLabelValues(queue).Inc()
}

func (m *SyncMetrics) Failed(queue, code string) {
	if m == nil {
		return
	}
	m.FailureTotal.WithLabelValues(queue, code).Inc()
}

// SetDepth records the queue depth and problematic count.
func (m *SyncMetrics) SetDepth(queue string, depth, problematic int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	m.ProblematicItems.WithLabelValues(queue).Set(float64(problematic))
}

func (m *SyncMetrics) SetActiveUploads(n int) {
	if m == nil {
		return
	}
	m.ActiveUploads.Set(float64(n))
}

func (m *SyncMetrics) SyncPass(trigger string) {
	if m == nil {
		return
	}
	m.SyncPassTotal.WithLabelValues(trigger).Inc()
}
