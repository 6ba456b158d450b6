package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newSessionMetrics(reg)

	m.CallStarted()
	m.CallStarted()
	m.CallFinished()
	m.ObserveCall(1, 10*time.Millisecond, "ok")
	m.StateChanged("READY", "DEGRADED")
	m.ReconnectAttempt(false)
	m.ReconnectAttempt(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("READY", "DEGRADED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.calls))
}

func TestAuthMetrics(t *testing.T) {
	m := newAuthMetrics(prometheus.NewRegistry())

	m.Acquired("krb5i", time.Second, nil)
	m.Acquired("krb5i", time.Second, errors.New("kdc unreachable"))
	m.Renewed("krb5i")
	m.FellBack()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.renewals.WithLabelValues("krb5i")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbacks))
	assert.Equal(t, 2, testutil.CollectAndCount(m.acquisitions))
}

func TestHandleMapMetrics(t *testing.T) {
	m := newHandleMapMetrics(prometheus.NewRegistry())

	m.SetEntries(3, 42)
	m.CorruptEntries(2)
	m.CorruptEntries(0)
	m.Rebuilt(time.Second, 100, 2, nil)
	m.Rebuilt(time.Second, 0, 0, errors.New("disk full"))

	assert.Equal(t, 42.0, testutil.ToFloat64(m.entries.WithLabelValues("3")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.corrupt))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.kept))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rebuilds.WithLabelValues("error")))
}

func TestNilReceiversAreNoops(t *testing.T) {
	var s *sessionMetrics
	var a *authMetrics
	var h *handleMapMetrics

	assert.NotPanics(t, func() {
		s.ObserveCall(0, 0, "ok")
		s.CallStarted()
		s.CallFinished()
		s.StateChanged("a", "b")
		s.ReconnectAttempt(true)
		a.Acquired("krb5", 0, nil)
		a.Renewed("krb5")
		a.FellBack()
		h.ObserveOp("resolve", 0, "ok")
		h.SetEntries(0, 0)
		h.CorruptEntries(1)
		h.Rebuilt(0, 0, 0, nil)
	})
}
