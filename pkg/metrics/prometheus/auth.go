package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type authMetrics struct {
	acquisitions *prometheus.HistogramVec
	renewals     *prometheus.CounterVec
	fallbacks    prometheus.Counter
}

func newAuthMetrics(reg prometheus.Registerer) *authMetrics {
	f := promauto.With(reg)
	return &authMetrics{
		acquisitions: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "secctx",
			Name:      "acquire_duration_seconds",
			Help:      "Credential acquisition latency by flavor and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"flavor", "outcome"}),
		renewals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secctx",
			Name:      "renewals_total",
			Help:      "Security context renewals by flavor",
		}, []string{"flavor"}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secctx",
			Name:      "fallbacks_total",
			Help:      "Downgrades to the unauthenticated flavor",
		}),
	}
}

func (m *authMetrics) Acquired(flavor string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(flavor, outcomeOf(err)).Observe(d.Seconds())
}

func (m *authMetrics) Renewed(flavor string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(flavor).Inc()
}

func (m *authMetrics) FellBack() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}
