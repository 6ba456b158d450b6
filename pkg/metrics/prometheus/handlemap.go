package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type handleMapMetrics struct {
	ops      *prometheus.HistogramVec
	entries  *prometheus.GaugeVec
	corrupt  prometheus.Counter
	rebuilds *prometheus.CounterVec
	kept     prometheus.Gauge
	dropped  prometheus.Counter
	duration prometheus.Histogram
}

func newHandleMapMetrics(reg prometheus.Registerer) *handleMapMetrics {
	f := promauto.With(reg)
	return &handleMapMetrics{
		ops: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handlemap",
			Name:      "op_duration_seconds",
			Help:      "Handle map operation latency by operation and outcome",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}, []string{"op", "outcome"}),
		entries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "handlemap",
			Name:      "entries",
			Help:      "Entries per shard",
		}, []string{"shard"}),
		corrupt: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handlemap",
			Name:      "corrupt_entries_total",
			Help:      "Entries that failed checksum verification",
		}),
		rebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handlemap",
			Name:      "rebuilds_total",
			Help:      "Rebuilds by outcome",
		}, []string{"outcome"}),
		kept: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "handlemap",
			Name:      "rebuild_last_entries",
			Help:      "Entries carried over by the last successful rebuild",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handlemap",
			Name:      "rebuild_dropped_entries_total",
			Help:      "Entries discarded by rebuilds",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handlemap",
			Name:      "rebuild_duration_seconds",
			Help:      "Rebuild duration",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

func (m *handleMapMetrics) ObserveOp(op string, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (m *handleMapMetrics) SetEntries(shard int, n int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(strconv.Itoa(shard)).Set(float64(n))
}

func (m *handleMapMetrics) CorruptEntries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.corrupt.Add(float64(n))
}

func (m *handleMapMetrics) Rebuilt(d time.Duration, kept, dropped int, err error) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(outcomeOf(err)).Inc()
	m.duration.Observe(d.Seconds())
	if err != nil {
		return
	}
	m.kept.Set(float64(kept))
	m.dropped.Add(float64(dropped))
}
