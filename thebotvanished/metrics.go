package thebotvanished

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "thebotvanished"

// StoreMetrics tracks flushes for every store opened by a Manager,
// labeled by store name. A nil *StoreMetrics records nothing.
type StoreMetrics struct {
	flushes       *prometheus.CounterVec
	flushErrors   *prometheus.CounterVec
	flushDuration *prometheus.HistogramVec
	writes        *prometheus.CounterVec
}

// NewStoreMetrics registers store metrics with reg.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	factory := promauto.With(reg)
	return &StoreMetrics{
		flushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "store",
				Name:      "flushes_total",
				Help:      "Completed flushes of a config document to its backend.",
			},
			[]string{"store"},
		),
		flushErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "store",
				Name:      "flush_errors_total",
				Help:      "Failed flushes of a config document to its backend.",
			},
			[]string{"store"},
		),
		flushDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "store",
				Name:      "flush_duration_seconds",
				Help:      "Time spent writing a config document, including serialization.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"store"},
		),
		writes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "store",
				Name:      "writes_total",
				Help:      "In-memory mutations applied to a config document.",
			},
			[]string{"store", "op"},
		),
	}
}

func (m *StoreMetrics) observeFlush(store string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.flushErrors.WithLabelValues(store).Inc()
		return
	}
	m.flushes.WithLabelValues(store).Inc()
	m.flushDuration.WithLabelValues(store).Observe(elapsed.Seconds())
}

func (m *StoreMetrics) observeWrite(store string, op string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(store, op).Inc()
}
