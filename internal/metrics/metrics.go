// Package metrics exposes recall's Prometheus instruments. Every method
// is safe to call on a nil *Metrics, so components can run without a
// registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recall"

// Compression outcomes, one per warm turn processed.
const (
	OutcomeSummarized = "summarized"
	OutcomePreserved  = "preserved"
	OutcomeFailed     = "failed"
)

// Metrics holds the registry and every instrument registered on it.
type Metrics struct {
	reg *prometheus.Registry

	turnsRecorded    prometheus.Counter
	retrieveDuration *prometheus.HistogramVec
	contextTokens    *prometheus.HistogramVec
	compression      *prometheus.CounterVec
	turnsMigrated    *prometheus.CounterVec
	indexDocs        prometheus.Gauge
	inconsistencies  prometheus.Counter
	queueDepth       prometheus.Gauge
}

// New creates a registry with Go runtime collectors and recall's
// instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		turnsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_recorded_total",
			Help:      "Turns appended to the log.",
		}),
		retrieveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieve_duration_seconds",
			Help:      "Time to rank and pack a context.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"scope"}),
		contextTokens: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_tokens",
			Help:      "Tokens packed into returned contexts.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 8),
		}, []string{"scope"}),
		compression: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compression_turns_total",
			Help:      "Warm turns processed by the compressor, by outcome.",
		}, []string{"outcome"}),
		turnsMigrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_migrations_total",
			Help:      "Tier transitions, by destination tier.",
		}, []string{"tier"}),
		indexDocs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_documents",
			Help:      "Documents in the term index.",
		}),
		inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_inconsistencies_total",
			Help:      "Index entries found out of step with the log and healed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compress_queue_depth",
			Help:      "Closed sessions waiting for compression.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turnsRecorded,
		m.retrieveDuration,
		m.contextTokens,
		m.compression,
		m.turnsMigrated,
		m.indexDocs,
		m.inconsistencies,
		m.queueDepth,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) TurnRecorded() {
	if m == nil {
		return
	}
	m.turnsRecorded.Inc()
}

func (m *Metrics) ObserveRetrieve(scope string, d time.Duration, tokens int) {
	if m == nil {
		return
	}
	m.retrieveDuration.WithLabelValues(scope).Observe(d.Seconds())
	m.contextTokens.WithLabelValues(scope).Observe(float64(tokens))
}

func (m *Metrics) CompressionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.compression.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TierMigrated(tier string) {
	if m == nil {
		return
	}
	m.turnsMigrated.WithLabelValues(tier).Inc()
}

func (m *Metrics) SetIndexDocs(n int) {
	if m == nil {
		return
	}
	m.indexDocs.Set(float64(n))
}

func (m *Metrics) Inconsistency() {
	if m == nil {
		return
	}
	m.inconsistencies.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
