package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/metrics"
	"github.com/marmos91/nfsproxy/pkg/secctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Helpers
// ============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type keyNegotiator struct {
	clock  *clock
	calls  atomic.Int32
	tokens atomic.Int32
	fail   atomic.Bool
}

func (n *keyNegotiator) Negotiate(_ context.Context, _ string, _ secctx.Flavor, lifetime time.Duration) (*secctx.Credential, error) {
	seq := n.calls.Add(1)
	if n.fail.Load() {
		return nil, errors.New("kdc unreachable")
	}
	return &secctx.Credential{Ticket: seq, Key: testKey(), Expiry: n.clock.Now().Add(lifetime)}, nil
}

// InitToken returns a distinct token per call, as an AP-REQ with a new
// authenticator would be.
func (n *keyNegotiator) InitToken(cred *secctx.Credential) ([]byte, error) {
	return fmt.Appendf(nil, "ap-req/%v/%d", cred.Ticket, n.tokens.Add(1)), nil
}

func (n *keyNegotiator) Discard(*secctx.Credential) {}

type countingMetrics struct {
	reconnects atomic.Int32
	successes  atomic.Int32
	calls      atomic.Int32
}

func (m *countingMetrics) ObserveCall(uint32, time.Duration, string) { m.calls.Add(1) }
func (m *countingMetrics) CallStarted()                             {}
func (m *countingMetrics) CallFinished()                            {}
func (m *countingMetrics) StateChanged(string, string)              {}
func (m *countingMetrics) ReconnectAttempt(ok bool) {
	m.reconnects.Add(1)
	if ok {
		m.successes.Add(1)
	}
}

type countingDialer struct {
	TCPDialer
	dials atomic.Int32

	mu    sync.Mutex
	times []time.Time
	conns []Conn
}

func (d *countingDialer) Dial(ctx context.Context, p Params) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	d.times = append(d.times, time.Now())
	d.mu.Unlock()

	conn, err := d.TCPDialer.Dial(ctx, p)
	if err == nil {
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
	}
	return conn, err
}

func (d *countingDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func (d *countingDialer) conn(i int) Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func testParams(port int) Params {
	return Params{
		Address:        "127.0.0.1",
		Port:           port,
		Program:        100003,
		Version:        4,
		CallTimeout:    2 * time.Second,
		RetrySleep:     100 * time.Millisecond,
		DegradedPolicy: config.DegradedWait,
		MachineName:    "test-client",
		Principal:      "nfs@localhost",
	}
}

func gssSecurity(c *clock, n *keyNegotiator) *secctx.Manager {
	return secctx.NewManager(secctx.Config{Lifetime: time.Hour, RenewLead: 5 * time.Minute, Now: c.Now}, n, nil)
}

func newTestClock() *clock {
	return &clock{now: time.Now()}
}

func newManager(t *testing.T, p Params, sec *secctx.Manager, d Dialer, m *countingMetrics) *Manager {
	t.Helper()
	var sm metrics.SessionMetrics
	if m != nil {
		sm = m
	}
	mgr, err := NewManager(p, sec, d, sm)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return mgr
}

// freePort returns a port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func echo(t *testing.T, mgr *Manager, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := mgr.Call(ctx, &Request{Procedure: 1, Args: []byte(payload)})
	require.NoError(t, err)
	assert.Equal(t, payload, string(rep.Body))
}

// ============================================================================
// Basic calls
// ============================================================================

func TestNewManager(t *testing.T) {
	t.Run("RequiresAddress", func(t *testing.T) {
		_, err := NewManager(Params{Port: 2049, Program: 100003}, nil, nil, nil)
		assert.Error(t, err)
	})

	t.Run("RejectsBadPort", func(t *testing.T) {
		_, err := NewManager(Params{Address: "h", Port: 70000, Program: 100003}, nil, nil, nil)
		assert.Error(t, err)
	})

	t.Run("AppliesDefaults", func(t *testing.T) {
		mgr, err := NewManager(Params{Address: "h", Port: 2049, Program: 100003}, nil, nil, nil)
		require.NoError(t, err)
		p := mgr.Params()
		assert.Equal(t, 1, p.PoolSize)
		assert.Equal(t, config.DefaultCallTimeout, p.CallTimeout)
		assert.Equal(t, config.DegradedWait, p.DegradedPolicy)
	})
}

func TestHealthWithoutSessions(t *testing.T) {
	mgr := newManager(t, testParams(2049), nil, nil, nil)
	assert.Equal(t, StateDisconnected, mgr.Health())
	assert.Empty(t, mgr.Sessions())
}

func TestCallAuthSys(t *testing.T) {
	srv := newTestServer(t)
	mgr := newManager(t, testParams(srv.Port()), nil, nil, nil)

	echo(t, mgr, "hello")
	assert.Equal(t, StateReady, mgr.Health())

	infos := mgr.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, StateReady, infos[0].State)
	assert.Equal(t, secctx.FlavorUnauthenticated, infos[0].Flavor)
	assert.False(t, infos[0].GSS)
}

func TestConcurrentCalls(t *testing.T) {
	srv := newTestServer(t)
	p := testParams(srv.Port())
	p.PoolSize = 2
	mgr := newManager(t, p, nil, nil, nil)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := string(rune('a' + i%26))
			rep, err := mgr.Call(context.Background(), &Request{Procedure: 1, Args: []byte(payload)})
			if assert.NoError(t, err) {
				assert.Equal(t, payload, string(rep.Body))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, mgr.Sessions(), 2)
	assert.Equal(t, int32(32), srv.calls.Load())
}

func TestCallsSkipDegradedSession(t *testing.T) {
	srv := newTestServer(t)
	d := &countingDialer{}
	p := testParams(srv.Port())
	p.PoolSize = 2
	p.RetrySleep = time.Hour
	mgr := newManager(t, p, nil, d, nil)

	echo(t, mgr, "first session")
	echo(t, mgr, "second session")
	require.Len(t, mgr.Sessions(), 2)

	require.NoError(t, d.conn(0).Close())
	require.Eventually(t, func() bool {
		for _, info := range mgr.Sessions() {
			if info.State == StateDegraded {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateReady, mgr.Health())

	for i := range 10 {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		rep, err := mgr.Call(ctx, &Request{Procedure: 1, Args: []byte("ready only")})
		cancel()
		require.NoError(t, err, "call %d", i)
		assert.Equal(t, "ready only", string(rep.Body))
	}
}

func TestCallTimeoutKeepsSessionReady(t *testing.T) {
	srv := newTestServer(t)
	mgr := newManager(t, testParams(srv.Port()), nil, nil, nil)
	echo(t, mgr, "warmup")

	_, err := mgr.Call(context.Background(), &Request{Procedure: procHang, Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, StateReady, mgr.Health())

	echo(t, mgr, "after timeout")
}

func TestProtocolErrorKeepsSessionReady(t *testing.T) {
	srv := newTestServer(t)
	mgr := newManager(t, testParams(srv.Port()), nil, nil, nil)

	_, err := mgr.Call(context.Background(), &Request{Procedure: procUnavailable})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, StateReady, mgr.Health())
}

func TestCallerCancellation(t *testing.T) {
	srv := newTestServer(t)
	mgr := newManager(t, testParams(srv.Port()), nil, nil, nil)
	echo(t, mgr, "warmup")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := mgr.Call(ctx, &Request{Procedure: procHang})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateReady, mgr.Health())
}

// ============================================================================
// Degraded handling and reconnection
// ============================================================================

func TestRefusedBackendRecovers(t *testing.T) {
	port := freePort(t)
	m := &countingMetrics{}
	mgr := newManager(t, testParams(port), nil, nil, m)

	start := time.Now()
	_, err := mgr.Call(context.Background(), &Request{Procedure: 1})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Retryable())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateDegraded, mgr.Health())

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	startTestServer(t, ln)

	echo(t, mgr, "recovered")
	assert.Equal(t, StateReady, mgr.Health())
	assert.GreaterOrEqual(t, m.successes.Load(), int32(1))
}

func TestReconnectAttemptsSpacedByRetrySleep(t *testing.T) {
	port := freePort(t)
	d := &countingDialer{}
	p := testParams(port)
	p.RetrySleep = 300 * time.Millisecond
	mgr := newManager(t, p, nil, d, nil)

	start := time.Now()
	_, err := mgr.Call(context.Background(), &Request{Procedure: 1})
	require.Error(t, err)

	// Let a few refused attempts go by before the backend comes up.
	require.Eventually(t, func() bool { return d.dials.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	startTestServer(t, ln)

	echo(t, mgr, "recovered")
	assert.GreaterOrEqual(t, time.Since(start), p.RetrySleep)

	times := d.dialTimes()
	require.GreaterOrEqual(t, len(times), 4)
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, p.RetrySleep, "dial %d followed dial %d after %s", i, i-1, gap)
	}
}

func TestFailFastWhileDegraded(t *testing.T) {
	p := testParams(freePort(t))
	p.DegradedPolicy = config.DegradedFailFast
	p.RetrySleep = time.Hour
	mgr := newManager(t, p, nil, nil, nil)

	_, err := mgr.Call(context.Background(), &Request{Procedure: 1})
	var te *TransportError
	require.ErrorAs(t, err, &te)

	_, err = mgr.Call(context.Background(), &Request{Procedure: 1})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsRetryable(err))
}

func TestWaitPolicyBoundedByContext(t *testing.T) {
	p := testParams(freePort(t))
	p.RetrySleep = time.Hour
	mgr := newManager(t, p, nil, nil, nil)

	_, err := mgr.Call(context.Background(), &Request{Procedure: 1})
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = mgr.Call(ctx, &Request{Procedure: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateDegraded, mgr.Health())
}

func TestConnectionLossReconnectsOnce(t *testing.T) {
	srv := newTestServer(t)
	m := &countingMetrics{}
	d := &countingDialer{}
	p := testParams(srv.Port())
	p.RetrySleep = 200 * time.Millisecond
	mgr := newManager(t, p, nil, d, m)

	echo(t, mgr, "before")
	srv.KillConns()
	require.Eventually(t, func() bool { return mgr.Health() == StateDegraded },
		2*time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := mgr.Call(ctx, &Request{Procedure: 1, Args: []byte("queued")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, StateReady, mgr.Health())
	assert.Equal(t, int32(1), m.reconnects.Load())
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestOutstandingCallsFailOnConnectionLoss(t *testing.T) {
	srv := newTestServer(t)
	p := testParams(srv.Port())
	p.RetrySleep = time.Hour
	mgr := newManager(t, p, nil, nil, nil)
	echo(t, mgr, "warmup")

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Call(context.Background(), &Request{Procedure: procHang})
		done <- err
	}()

	require.Eventually(t, func() bool { return mgr.Sessions()[0].Outstanding == 1 },
		time.Second, 5*time.Millisecond)
	srv.KillConns()

	select {
	case err := <-done:
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.False(t, te.Timeout)
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding call was not failed")
	}
	assert.Equal(t, StateDegraded, mgr.Health())
}

// ============================================================================
// RPCSEC_GSS
// ============================================================================

func TestGSSFlavors(t *testing.T) {
	for _, flavor := range []secctx.Flavor{secctx.FlavorKrb5, secctx.FlavorKrb5i, secctx.FlavorKrb5p} {
		t.Run(flavor.String(), func(t *testing.T) {
			srv := newTestServer(t)
			c := newTestClock()
			p := testParams(srv.Port())
			p.Flavor = flavor
			mgr := newManager(t, p, gssSecurity(c, &keyNegotiator{clock: c}), nil, nil)

			echo(t, mgr, "protected payload")
			echo(t, mgr, "second call")

			infos := mgr.Sessions()
			require.Len(t, infos, 1)
			assert.True(t, infos[0].GSS)
			assert.Equal(t, flavor, infos[0].Flavor)
			assert.Equal(t, int32(1), srv.inits.Load())
		})
	}
}

func TestGSSContextProblemReauthenticates(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClock()
	p := testParams(srv.Port())
	p.Flavor = secctx.FlavorKrb5i
	mgr := newManager(t, p, gssSecurity(c, &keyNegotiator{clock: c}), nil, nil)
	echo(t, mgr, "first")

	srv.ctxProblem.Store(true)
	_, err := mgr.Call(context.Background(), &Request{Procedure: 1, Args: []byte("x")})
	var ae *secctx.AuthError
	require.ErrorAs(t, err, &ae)
	assert.False(t, ae.Fatal)
	assert.Equal(t, StateReady, mgr.Health())

	echo(t, mgr, "after reauth")
	assert.Equal(t, int32(2), srv.inits.Load())
	assert.Zero(t, srv.replays.Load())
}

func TestReconnectSendsFreshInitToken(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClock()
	n := &keyNegotiator{clock: c}
	p := testParams(srv.Port())
	p.Flavor = secctx.FlavorKrb5i
	mgr := newManager(t, p, gssSecurity(c, n), nil, nil)
	echo(t, mgr, "before")

	c.Advance(10 * time.Minute)
	srv.KillConns()
	require.Eventually(t, func() bool { return mgr.Health() == StateDegraded },
		2*time.Second, 5*time.Millisecond)

	echo(t, mgr, "after reconnect")
	assert.Equal(t, StateReady, mgr.Health())
	assert.Equal(t, int32(2), srv.inits.Load())
	assert.Zero(t, srv.replays.Load())
	assert.Equal(t, int32(1), n.calls.Load(), "the service ticket is reused")
	assert.Equal(t, int32(2), n.tokens.Load(), "each INIT gets its own token")
}

func TestRenewalReauthenticatesConnection(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClock()
	n := &keyNegotiator{clock: c}
	p := testParams(srv.Port())
	p.Flavor = secctx.FlavorKrb5
	mgr := newManager(t, p, gssSecurity(c, n), nil, nil)

	echo(t, mgr, "first")
	before := mgr.Sessions()[0].ContextID

	c.Advance(58 * time.Minute)
	echo(t, mgr, "renewed")

	assert.Equal(t, int32(2), n.calls.Load())
	assert.Equal(t, int32(2), srv.inits.Load())
	assert.NotEqual(t, before, mgr.Sessions()[0].ContextID)
	require.Eventually(t, func() bool { return srv.destroys.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestInitRejected(t *testing.T) {
	t.Run("MandatoryFlavorFails", func(t *testing.T) {
		srv := newTestServer(t)
		srv.rejectInit.Store(true)
		c := newTestClock()
		p := testParams(srv.Port())
		p.Flavor = secctx.FlavorKrb5p
		p.RetrySleep = time.Hour
		mgr := newManager(t, p, gssSecurity(c, &keyNegotiator{clock: c}), nil, nil)

		_, err := mgr.Call(context.Background(), &Request{Procedure: 1})
		require.Error(t, err)
		assert.True(t, secctx.IsFatal(err))
		assert.Equal(t, StateDegraded, mgr.Health())
	})

	t.Run("OptionalFlavorUsesAuthSys", func(t *testing.T) {
		srv := newTestServer(t)
		srv.rejectInit.Store(true)
		c := newTestClock()
		p := testParams(srv.Port())
		p.Flavor = secctx.FlavorKrb5
		mgr := newManager(t, p, gssSecurity(c, &keyNegotiator{clock: c}), nil, nil)

		echo(t, mgr, "falls back")
		assert.False(t, mgr.Sessions()[0].GSS)
	})
}

func TestCredentialFailureFallsBack(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClock()
	n := &keyNegotiator{clock: c}
	n.fail.Store(true)
	p := testParams(srv.Port())
	p.Flavor = secctx.FlavorKrb5
	mgr := newManager(t, p, gssSecurity(c, n), nil, nil)

	echo(t, mgr, "unauthenticated")
	assert.Equal(t, secctx.FlavorUnauthenticated, mgr.Sessions()[0].Flavor)
	assert.Zero(t, srv.inits.Load())
}

// ============================================================================
// Shutdown
// ============================================================================

func TestClose(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClock()
	p := testParams(srv.Port())
	p.Flavor = secctx.FlavorKrb5i
	mgr, err := NewManager(p, gssSecurity(c, &keyNegotiator{clock: c}), nil, nil)
	require.NoError(t, err)

	echo(t, mgr, "before close")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Close(ctx))
	require.NoError(t, mgr.Close(ctx))

	assert.Equal(t, int32(1), srv.destroys.Load())
	assert.Equal(t, StateDisconnected, mgr.Health())

	_, err = mgr.Call(context.Background(), &Request{Procedure: 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseStopsReconnectLoop(t *testing.T) {
	p := testParams(freePort(t))
	p.RetrySleep = time.Hour
	mgr, err := NewManager(p, nil, nil, nil)
	require.NoError(t, err)

	_, err = mgr.Call(context.Background(), &Request{Procedure: 1})
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mgr.Close(ctx))
	assert.Equal(t, StateDisconnected, mgr.Health())
}
