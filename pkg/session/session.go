package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/internal/rpcwire"
	"github.com/marmos91/nfsproxy/internal/telemetry"
	"github.com/marmos91/nfsproxy/pkg/config"
	"github.com/marmos91/nfsproxy/pkg/metrics"
	"github.com/marmos91/nfsproxy/pkg/secctx"
)

// Request is one backend call. Zero Program/Version use the session's
// parameters; zero Timeout uses Params.CallTimeout.
type Request struct {
	Program   uint32
	Version   uint32
	Procedure uint32
	Args      []byte
	Timeout   time.Duration
}

// Reply carries the decoded (and, for RPCSEC_GSS, unwrapped) results.
type Reply struct {
	XID       uint32
	Body      []byte
	SessionID string
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string
	State        State
	Outstanding  int
	LastActivity time.Time
	Principal    string
	Flavor       secctx.Flavor
	GSS          bool
	ContextID    string
	Expiry       time.Time
}

// Session is one connection to the backend and the state machine around it.
type Session struct {
	id      string
	params  Params
	sec     *secctx.Manager
	dialer  Dialer
	metrics metrics.SessionMetrics

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	changed      chan struct{}
	closed       bool
	reconnecting bool
	conn         Conn
	gss          *gssContext
	sc           *secctx.SecurityContext
	needAuth     bool
	lastActivity time.Time
	outstanding  int

	// authMu serializes re-authentication of the current connection.
	authMu sync.Mutex
	xid    atomic.Uint32
}

func newSession(p Params, sec *secctx.Manager, dialer Dialer, m metrics.SessionMetrics) *Session {
	base, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		params:  p,
		sec:     sec,
		dialer:  dialer,
		metrics: m,
		base:    base,
		cancel:  cancel,
		state:   StateDisconnected,
		changed: make(chan struct{}),
	}
	s.xid.Store(rand.Uint32())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state without blocking on I/O.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:           s.id,
		State:        s.state,
		Outstanding:  s.outstanding,
		LastActivity: s.lastActivity,
		GSS:          s.gss != nil,
		Principal:    s.params.Principal,
		Flavor:       s.params.Flavor,
	}
	if s.sc != nil {
		info.Flavor = s.sc.Flavor()
		info.ContextID = s.sc.ID()
		info.Expiry = s.sc.Expiry()
	}
	return info
}

func (s *Session) nextXID() uint32 { return s.xid.Add(1) }

// setStateLocked moves to state and wakes every waiter. s.mu must be held.
func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})

	if s.metrics != nil {
		s.metrics.StateChanged(from.String(), to.String())
	}
	logger.Debug("Session state changed",
		logger.SessionID(s.id),
		logger.Backend(s.params.Endpoint()),
		"from", from.String(),
		logger.State(to),
	)
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	if s.closed && to != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(to)
	s.mu.Unlock()
}

// binding is what a single call needs from the session.
type binding struct {
	conn     Conn
	gss      *gssContext
	sc       *secctx.SecurityContext
	needAuth bool
}

// acquire returns the connection of a READY session, establishing it first
// when the session has never connected.
func (s *Session) acquire(ctx context.Context) (binding, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return binding{}, ErrClosed
		}

		switch s.state {
		case StateReady:
			b := binding{conn: s.conn, gss: s.gss, sc: s.sc, needAuth: s.needAuth}
			s.mu.Unlock()
			return b, nil

		case StateDisconnected:
			s.setStateLocked(StateConnecting)
			s.mu.Unlock()
			if err := s.establish(); err != nil {
				return binding{}, err
			}
			continue

		case StateDegraded:
			if s.params.DegradedPolicy == config.DegradedFailFast {
				s.mu.Unlock()
				return binding{}, ErrUnavailable
			}
		}

		// CONNECTING, AUTHENTICATING, DEGRADED (wait) and CLOSING: wait for
		// the next transition.
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return binding{}, ctx.Err()
		}
	}
}

// establish performs the first connection. On failure the session becomes
// DEGRADED and the reconnect loop takes over.
func (s *Session) establish() error {
	ctx, cancel := context.WithTimeout(s.base, s.params.CallTimeout)
	defer cancel()

	conn, g, sc, err := s.connect(ctx, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if err == nil {
			_ = conn.Close()
			s.sec.Release(sc)
		}
		return ErrClosed
	}
	if err != nil {
		logger.Warn("Backend connection failed",
			logger.SessionID(s.id), logger.Backend(s.params.Endpoint()), logger.Err(err))
		s.setStateLocked(StateDegraded)
		s.startReconnectLocked()
		return err
	}
	s.installLocked(conn, g, sc)
	return nil
}

// installLocked makes conn the active connection and marks the session READY.
func (s *Session) installLocked(conn Conn, g *gssContext, sc *secctx.SecurityContext) {
	if s.sc != nil && s.sc != sc {
		s.sec.Release(s.sc)
	}
	s.conn = conn
	s.gss = g
	s.sc = sc
	s.needAuth = false
	s.setStateLocked(StateReady)

	s.wg.Add(1)
	go s.watch(conn)

	logger.Info("Backend session ready",
		logger.SessionID(s.id),
		logger.Backend(s.params.Endpoint()),
		logger.Principal(sc.Principal()),
		logger.Flavor(sc.Flavor()),
		"rpcsec_gss", g != nil,
	)
}

// connect dials and authenticates a new connection. With track set the
// CONNECTING and AUTHENTICATING states are published; reconnect attempts
// stay DEGRADED until they succeed.
func (s *Session) connect(ctx context.Context, track bool) (Conn, *gssContext, *secctx.SecurityContext, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRPCConnect)
	defer span.End()
	span.SetAttributes(telemetry.SessionID(s.id), telemetry.PeerAddress(s.params.Endpoint()))

	conn, err := s.dialer.Dial(ctx, s.params)
	if err != nil {
		terr := &TransportError{Op: "dial", Addr: s.params.Endpoint(), Timeout: isTimeout(err), Err: err}
		telemetry.RecordError(ctx, terr)
		return nil, nil, nil, terr
	}

	if track {
		s.setState(StateAuthenticating)
	}

	sc, err := s.credentials(ctx)
	if err != nil {
		_ = conn.Close()
		telemetry.RecordError(ctx, err)
		return nil, nil, nil, err
	}

	g, err := s.authenticate(ctx, conn, sc)
	if err != nil {
		_ = conn.Close()
		telemetry.RecordError(ctx, err)
		return nil, nil, nil, err
	}
	return conn, g, sc, nil
}

// credentials returns the security context for a new connection. A context
// that fell back to the unauthenticated flavor is re-acquired so strong
// authentication comes back once the KDC does.
func (s *Session) credentials(ctx context.Context) (*secctx.SecurityContext, error) {
	s.mu.Lock()
	cur := s.sc
	s.mu.Unlock()

	if cur != nil && !cur.FellBack() {
		return s.sec.EnsureFresh(ctx, cur)
	}
	return s.sec.Acquire(ctx, s.params.Principal, s.params.Flavor)
}

// authenticate runs RPCSEC_GSS INIT for GSS flavors. It returns a nil
// context for AUTH_SYS. Optional krb5 falls back to AUTH_SYS when INIT is
// refused; krb5i and krb5p fail.
func (s *Session) authenticate(ctx context.Context, conn Conn, sc *secctx.SecurityContext) (*gssContext, error) {
	if !sc.Flavor().IsGSS() {
		return nil, nil
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanGSSInit)
	defer span.End()
	span.SetAttributes(telemetry.Principal(sc.Principal()), telemetry.Flavor(sc.Flavor().String()))

	token, err := s.sec.InitToken(sc)
	if err == nil {
		var g *gssContext
		if g, err = initGSS(ctx, conn, s.nextXID(), s.params, sc, token); err == nil {
			return g, nil
		}
	}
	if connErr := s.connError(conn, "rpcsec_gss init", err); connErr != nil {
		return nil, connErr
	}

	aerr := &secctx.AuthError{
		Op:        "rpcsec_gss init",
		Principal: sc.Principal(),
		Flavor:    sc.Flavor(),
		Fatal:     sc.Flavor().Mandatory(),
		Err:       err,
	}
	if aerr.Fatal {
		return nil, aerr
	}
	logger.Warn("RPCSEC_GSS context setup failed, using AUTH_SYS",
		logger.SessionID(s.id), logger.Principal(sc.Principal()), logger.Err(err))
	return nil, nil
}

// connError converts a RoundTrip failure caused by the connection (rather
// than a reply) into a *TransportError. It returns nil otherwise.
func (s *Session) connError(conn Conn, op string, err error) error {
	select {
	case <-conn.Done():
		return &TransportError{Op: op, Addr: s.params.Endpoint(), Err: err}
	default:
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Op: op, Addr: s.params.Endpoint(), Timeout: true, Err: err}
	}
	if errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) {
		return &TransportError{Op: op, Addr: s.params.Endpoint(), Err: err}
	}
	return nil
}

// watch moves the session to DEGRADED when conn fails while in use.
func (s *Session) watch(conn Conn) {
	defer s.wg.Done()
	select {
	case <-conn.Done():
		s.connFailed(conn, conn.Err())
	case <-s.base.Done():
	}
}

// connFailed handles the loss of conn. Stale notifications for an older
// connection are ignored.
func (s *Session) connFailed(conn Conn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn != conn || s.state != StateReady {
		return
	}

	logger.Warn("Backend connection lost",
		logger.SessionID(s.id), logger.Backend(s.params.Endpoint()), logger.Err(err))

	_ = conn.Close()
	if s.gss != nil {
		s.gss.retire(nil)
	}
	s.conn = nil
	s.gss = nil
	s.setStateLocked(StateDegraded)
	s.startReconnectLocked()
}

// startReconnectLocked starts the reconnect loop unless one is running.
func (s *Session) startReconnectLocked() {
	if s.reconnecting || s.closed {
		return
	}
	s.reconnecting = true
	s.wg.Add(1)
	go s.reconnectLoop()
}

// reconnectLoop retries every RetrySleep until a connection is established
// or the session closes.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	for attempt := 1; ; attempt++ {
		if !s.sleep(s.params.RetrySleep) {
			s.stopReconnect()
			return
		}

		ctx, cancel := context.WithTimeout(s.base, s.params.CallTimeout)
		conn, g, sc, err := s.connect(ctx, false)
		cancel()

		if s.metrics != nil {
			s.metrics.ReconnectAttempt(err == nil)
		}

		s.mu.Lock()
		if s.closed {
			s.reconnecting = false
			s.mu.Unlock()
			if err == nil {
				_ = conn.Close()
				s.sec.Release(sc)
			}
			return
		}
		if err == nil {
			s.reconnecting = false
			s.installLocked(conn, g, sc)
			s.mu.Unlock()
			logger.Info("Backend reconnected",
				logger.SessionID(s.id), logger.Backend(s.params.Endpoint()), logger.Attempt(attempt))
			return
		}
		s.mu.Unlock()

		logger.Warn("Backend reconnect failed",
			logger.SessionID(s.id),
			logger.Backend(s.params.Endpoint()),
			logger.Attempt(attempt),
			logger.Err(err),
		)
	}
}

func (s *Session) stopReconnect() {
	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()
}

// sleep waits d or until the session closes. It reports whether d elapsed.
func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.base.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.base.Done():
		return false
	}
}

// Call issues req on the session.
func (s *Session) Call(ctx context.Context, req *Request) (*Reply, error) {
	prog, vers := req.Program, req.Version
	if prog == 0 {
		prog = s.params.Program
	}
	if vers == 0 {
		vers = s.params.Version
	}

	start := time.Now()
	ctx, span := telemetry.StartRPCSpan(ctx, prog, vers, req.Procedure,
		telemetry.SessionID(s.id), telemetry.PeerAddress(s.params.Endpoint()))
	defer span.End()

	s.begin()
	rep, err := s.call(ctx, prog, vers, req)
	s.end()

	if s.metrics != nil {
		s.metrics.ObserveCall(req.Procedure, time.Since(start), outcomeOf(err))
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.DebugCtx(ctx, "Backend call failed",
			logger.SessionID(s.id),
			logger.Procedure(strconv.FormatUint(uint64(req.Procedure), 10)),
			logger.DurationMs(start),
			logger.Err(err),
		)
		return nil, err
	}
	span.SetAttributes(telemetry.RPCXID(rep.XID))
	return rep, nil
}

func (s *Session) begin() {
	s.mu.Lock()
	s.outstanding++
	s.lastActivity = time.Now()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.CallStarted()
	}
}

func (s *Session) end() {
	s.mu.Lock()
	s.outstanding--
	s.lastActivity = time.Now()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.CallFinished()
	}
}

// call runs one exchange. Re-authentication happens at most twice per call;
// beyond that the failure is reported.
func (s *Session) call(ctx context.Context, prog, vers uint32, req *Request) (*Reply, error) {
	for range 3 {
		b, err := s.acquire(ctx)
		if err != nil {
			return nil, err
		}

		fresh, err := s.refresh(ctx, b)
		if err != nil {
			return nil, err
		}
		if fresh {
			continue
		}

		if b.gss != nil && !b.gss.hold() {
			// Retired by a concurrent re-authentication.
			continue
		}
		rep, err := s.exchange(ctx, b, prog, vers, req)
		if b.gss != nil {
			b.gss.release()
		}
		if errors.Is(err, errSeqExhausted) {
			s.markNeedAuth(b.gss)
			continue
		}
		return rep, err
	}
	return nil, &ProtocolError{Reason: "session re-authenticated repeatedly without completing the call"}
}

// refresh renews the security context when due and re-authenticates the
// connection when the context changed. It reports whether the binding is
// stale and must be re-read.
func (s *Session) refresh(ctx context.Context, b binding) (bool, error) {
	if b.sc.Released() {
		return true, nil
	}
	sc, err := s.sec.EnsureFresh(ctx, b.sc)
	if err != nil {
		return false, err
	}
	if sc == b.sc && !b.needAuth {
		return false, nil
	}
	return true, s.reauth(ctx, b, sc)
}

// reauth installs sc on the current connection. Only one re-authentication
// runs at a time; callers that lose the race see the winner's result.
func (s *Session) reauth(ctx context.Context, b binding, sc *secctx.SecurityContext) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	s.mu.Lock()
	if s.conn != b.conn || s.sc != b.sc || s.needAuth != b.needAuth {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	g, err := s.authenticate(ctx, b.conn, sc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != b.conn {
		s.mu.Unlock()
		if g != nil {
			g.retire(nil)
		}
		return nil
	}
	oldGSS, oldSC := s.gss, s.sc
	s.gss = g
	s.sc = sc
	s.needAuth = false
	s.mu.Unlock()

	logger.Info("Session re-authenticated",
		logger.SessionID(s.id), logger.Principal(sc.Principal()), logger.Flavor(sc.Flavor()), logger.Expiry(sc.Expiry()))

	s.retireOld(b.conn, oldGSS, oldSC, sc)
	return nil
}

// retireOld destroys the previous GSS context and releases the previous
// security context once no call uses them.
func (s *Session) retireOld(conn Conn, g *gssContext, old, cur *secctx.SecurityContext) {
	releaseSC := func() {
		if old != nil && old != cur {
			s.sec.Release(old)
		}
	}
	if g == nil {
		releaseSC()
		return
	}
	g.retire(func() {
		ctx, cancel := context.WithTimeout(s.base, s.params.CallTimeout)
		defer cancel()
		if err := destroyGSS(ctx, conn, s.nextXID(), s.params, g); err != nil {
			logger.Debug("RPCSEC_GSS destroy failed", logger.SessionID(s.id), logger.Err(err))
		}
		releaseSC()
	})
}

// markNeedAuth drops g so the next call re-authenticates.
func (s *Session) markNeedAuth(g *gssContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g != nil && s.gss == g {
		s.gss = nil
		g.retire(nil)
	}
	s.needAuth = true
}

// exchange encodes, sends and decodes one call on b.
func (s *Session) exchange(ctx context.Context, b binding, prog, vers uint32, req *Request) (*Reply, error) {
	xid := s.nextXID()

	var (
		msg []byte
		seq uint32
		err error
	)
	if b.gss != nil {
		msg, seq, err = encodeGSSCall(b.gss, xid, prog, vers, req.Procedure, req.Args)
	} else {
		msg, err = s.encodeSysCall(xid, prog, vers, req.Procedure, req.Args)
	}
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.params.CallTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := b.conn.RoundTrip(cctx, xid, msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TransportError{Op: "call", Addr: s.params.Endpoint(), Timeout: true,
				Err: fmt.Errorf("xid %d: no reply within %s", xid, timeout)}
		}
		s.connFailed(b.conn, err)
		return nil, &TransportError{Op: "call", Addr: s.params.Endpoint(), Err: err}
	}

	rep, err := rpcwire.DecodeReply(raw)
	if err != nil {
		return nil, &ProtocolError{XID: xid, Reason: "decode reply", Err: err}
	}
	if rep.XID != xid {
		return nil, &ProtocolError{XID: xid, Reason: fmt.Sprintf("reply carries xid %d", rep.XID)}
	}
	if err := rep.Err(); err != nil {
		var rerr *rpcwire.ReplyError
		if errors.As(err, &rerr) && rerr.IsAuth() {
			if rerr.IsGSSContextProblem() {
				s.markNeedAuth(b.gss)
			}
			return nil, &secctx.AuthError{Op: "call", Principal: b.sc.Principal(), Flavor: b.sc.Flavor(), Err: err}
		}
		return nil, &ProtocolError{XID: xid, Reason: "call not accepted", Err: err}
	}

	body := rep.Body
	if b.gss != nil {
		if body, err = openGSSReply(b.gss, seq, rep); err != nil {
			return nil, &ProtocolError{XID: xid, Reason: "rpcsec_gss reply", Err: err}
		}
	}
	return &Reply{XID: xid, Body: body, SessionID: s.id}, nil
}

func (s *Session) encodeSysCall(xid, prog, vers, proc uint32, args []byte) ([]byte, error) {
	cred, err := (&rpcwire.UnixAuth{
		Stamp:       uint32(time.Now().Unix()),
		MachineName: s.params.MachineName,
		UID:         s.params.UID,
		GID:         s.params.GID,
	}).Encode()
	if err != nil {
		return nil, err
	}
	h := &rpcwire.CallHeader{XID: xid, Program: prog, Version: vers, Procedure: proc, Cred: cred, Verf: rpcwire.NoneAuth}
	return rpcwire.EncodeCall(h, args), nil
}

// Close tears the session down: CLOSING, stop the reconnect loop,
// best-effort RPCSEC_GSS DESTROY, close the socket, release the security
// context, DISCONNECTED.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.setStateLocked(StateClosing)
	conn, g, sc := s.conn, s.gss, s.sc
	s.conn, s.gss, s.sc = nil, nil, nil
	s.mu.Unlock()

	s.cancel()

	if conn != nil && g != nil {
		g.retire(nil)
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		if err := destroyGSS(dctx, conn, s.nextXID(), s.params, g); err != nil {
			logger.Debug("RPCSEC_GSS destroy failed", logger.SessionID(s.id), logger.Err(err))
		}
		cancel()
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	s.sec.Release(sc)
	s.setState(StateDisconnected)
	return err
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
