// Package metrics exposes Prometheus instruments for the recompute pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trackit"

// Metrics groups the pipeline instruments.
type Metrics struct {
	handled     *prometheus.CounterVec
	derived     *prometheus.CounterVec
	aggregated  *prometheus.CounterVec
	conflicts   prometheus.Counter
	aggDuration prometheus.Histogram
	queueDepth  prometheus.Gauge
	retries     prometheus.Counter
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		handled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_events_handled_total",
			Help:      "Write events processed by the recompute core.",
		}, []string{"collection", "change", "result"}),
		derived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derived_writes_total",
			Help:      "Derived-field writes issued on child documents.",
		}, []string{"collection"}),
		aggregated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_aggregations_total",
			Help:      "Job totals recomputations.",
		}, []string{"mode", "result"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_aggregation_conflicts_total",
			Help:      "Version conflicts hit by transactional aggregation.",
		}),
		aggDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_aggregation_seconds",
			Help:      "Time spent recomputing job totals.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Write events waiting for a worker.",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_retries_total",
			Help:      "Write event handler re-runs after transient failures.",
		}),
	}
}

// Discard returns instruments registered on a private registry.
func Discard() *Metrics { return New(prometheus.NewRegistry()) }

// NewRegistry returns a registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) EventHandled(collection, change, result string) {
	m.handled.WithLabelValues(collection, change, result).Inc()
}

func (m *Metrics) DerivedWrite(collection string) { m.derived.WithLabelValues(collection).Inc() }

func (m *Metrics) Aggregated(mode, result string, took time.Duration) {
	m.aggregated.WithLabelValues(mode, result).Inc()
	m.aggDuration.Observe(took.Seconds())
}

func (m *Metrics) AggregationConflict() { m.conflicts.Inc() }

func (m *Metrics) QueueDepth(n int) { m.queueDepth.Set(float64(n)) }

func (m *Metrics) Retry() { m.retries.Inc() }
