// Package metrics holds the Prometheus collectors for the decision path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraud"

// Metrics groups the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DecisionsTotal    *prometheus.CounterVec
	DecisionLatency   prometheus.Histogram
	StageLatency      *prometheus.HistogramVec
	DegradedTotal     *prometheus.CounterVec
	FailClosedTotal   prometheus.Counter
	RuleHitsTotal     *prometheus.CounterVec
	ModelCallsTotal   *prometheus.CounterVec
	AlertsTotal       *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	QueueRejected     prometheus.Counter
	StreamMessages    *prometheus.CounterVec
	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New(service string) *Metrics {
	latencyBuckets := []float64{.001, .0025, .005, .01, .02, .03, .05, .075, .1, .25}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "decisions_total",
			Help:      "Decisions by final action",
		}, []string{"action"}),
		DecisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "decision_duration_seconds",
			Help:      "End to end decision latency",
			Buckets:   latencyBuckets,
		}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "stage_duration_seconds",
			Help:      "Latency of each signal stage",
			Buckets:   latencyBuckets,
		}, []string{"stage"}),
		DegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "degraded_signals_total",
			Help:      "Signals excluded from a decision after failure or timeout",
		}, []string{"signal"}),
		FailClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "fail_closed_total",
			Help:      "Transactions routed to manual review after a deterministic failure",
		}),
		RuleHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "rule_hits_total",
			Help:      "Rule hits by rule id",
		}, []string{"rule_id"}),
		ModelCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "model_calls_total",
			Help:      "Model invocations by outcome",
		}, []string{"model", "outcome"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "alerts_total",
			Help:      "Alert submissions by result",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "dispatch_queue_depth",
			Help:      "Transactions waiting for a pipeline worker",
		}),
		QueueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "dispatch_rejected_total",
			Help:      "Transactions rejected because the dispatch queue was full",
		}),
		StreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "stream_messages_total",
			Help:      "Stream messages by outcome",
		}, []string{"outcome"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		m.DecisionsTotal,
		m.DecisionLatency,
		m.StageLatency,
		m.DegradedTotal,
		m.FailClosedTotal,
		m.RuleHitsTotal,
		m.ModelCallsTotal,
		m.AlertsTotal,
		m.QueueDepth,
		m.QueueRejected,
		m.StreamMessages,
		m.HTTPRequestsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
