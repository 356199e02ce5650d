package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of one hybrid index. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Operations     *prometheus.CounterVec
	Flushes        *prometheus.CounterVec
	FlushDurations prometheus.Histogram
	FlushBatchSize prometheus.Histogram
	BufferedKeys   *prometheus.GaugeVec
	StableKeys     prometheus.Gauge
	FlushState     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer, indexName string) *Metrics {
	labels := prometheus.Labels{"index": indexName}
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "hybrid_index_operations_total",
			Help:        "Operations served by the hybrid index",
			ConstLabels: labels,
		}, []string{"operation", "result"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "hybrid_index_flushes_total",
			Help:        "Buffer flushes into the stable index by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		FlushDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "hybrid_index_flush_duration_seconds",
			Help:        "Duration of a complete drain and swap",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		FlushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "hybrid_index_flush_batch_records",
			Help:        "Records drained per flush",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(16, 4, 10),
		}),
		BufferedKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "hybrid_index_buffered_records",
			Help:        "Records held by the write buffers by role",
			ConstLabels: labels,
		}, []string{"role"}),
		StableKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "hybrid_index_stable_records",
			Help:        "Records held by the serving stable store",
			ConstLabels: labels,
		}),
		FlushState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "hybrid_index_flush_state",
			Help:        "Flush state machine: 0 idle, 1 draining, 2 swapping",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Operations, m.Flushes, m.FlushDurations, m.FlushBatchSize,
			m.BufferedKeys, m.StableKeys, m.FlushState)
	}
	return m
}

func (m *Metrics) Op(operation, result string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) Flush(outcome string, took time.Duration, batch int) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		m.FlushDurations.Observe(took.Seconds())
		m.FlushBatchSize.Observe(float64(batch))
	}
}

func (m *Metrics) State(state int) {
	if m == nil {
		return
	}
	m.FlushState.Set(float64(state))
}

func (m *Metrics) Sizes(active, retiring, stable int) {
	if m == nil {
		return
	}
	m.BufferedKeys.WithLabelValues("active").Set(float64(active))
	m.BufferedKeys.WithLabelValues("retiring").Set(float64(retiring))
	m.StableKeys.Set(float64(stable))
}
