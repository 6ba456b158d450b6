package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type sessionMetrics struct {
	calls       *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	transitions *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
}

func newSessionMetrics(reg prometheus.Registerer) *sessionMetrics {
	f := promauto.With(reg)
	return &sessionMetrics{
		calls: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Backend RPC call latency by procedure and outcome",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30, 60},
		}, []string{"procedure", "outcome"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_in_flight",
			Help:      "Backend RPC calls awaiting a reply",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from", "to"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by result",
		}, []string{"result"}),
	}
}

func (m *sessionMetrics) ObserveCall(procedure uint32, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(strconv.FormatUint(uint64(procedure), 10), outcome).Observe(d.Seconds())
}

func (m *sessionMetrics) CallStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *sessionMetrics) CallFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *sessionMetrics) StateChanged(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *sessionMetrics) ReconnectAttempt(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.reconnects.WithLabelValues(result).Inc()
}
