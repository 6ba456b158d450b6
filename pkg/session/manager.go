package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/nfsproxy/internal/logger"
	"github.com/marmos91/nfsproxy/pkg/metrics"
	"github.com/marmos91/nfsproxy/pkg/secctx"
)

// Manager owns the pool of backend sessions. Sessions are created lazily, up
// to Params.PoolSize, and calls are spread round-robin across the READY ones.
type Manager struct {
	params  Params
	sec     *secctx.Manager
	dialer  Dialer
	metrics metrics.SessionMetrics

	mu       sync.Mutex
	sessions []*Session
	next     int
	closed   bool
}

// NewManager validates params and returns a manager with no sessions yet.
// A nil sec uses an unauthenticated security manager; a nil dialer uses
// TCPDialer. metrics may be nil.
func NewManager(params Params, sec *secctx.Manager, dialer Dialer, m metrics.SessionMetrics) (*Manager, error) {
	if params.Address == "" {
		return nil, errors.New("session: backend address is required")
	}
	if params.Port <= 0 || params.Port > 65535 {
		return nil, fmt.Errorf("session: invalid backend port %d", params.Port)
	}
	if params.Program == 0 {
		return nil, errors.New("session: RPC program number is required")
	}
	if sec == nil {
		sec = secctx.NewManager(secctx.Config{}, nil, nil)
	}
	if dialer == nil {
		dialer = TCPDialer{}
	}
	return &Manager{
		params:  params.withDefaults(),
		sec:     sec,
		dialer:  dialer,
		metrics: m,
	}, nil
}

// Params returns the connection parameters.
func (m *Manager) Params() Params { return m.params }

// Call issues req on the next session of the pool.
func (m *Manager) Call(ctx context.Context, req *Request) (*Reply, error) {
	if req == nil {
		return nil, errors.New("session: nil request")
	}
	s, err := m.pick()
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, req)
}

func (m *Manager) pick() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if len(m.sessions) < m.params.PoolSize {
		s := newSession(m.params, m.sec, m.dialer, m.metrics)
		m.sessions = append(m.sessions, s)
		logger.Debug("Session created", logger.SessionID(s.id), logger.Backend(m.params.Endpoint()))
		return s, nil
	}

	// Round-robin over READY sessions. Only when none is READY does a call
	// go to a session that still has to connect.
	n := len(m.sessions)
	for i := range n {
		idx := (m.next + i) % n
		if s := m.sessions[idx]; s.State() == StateReady {
			m.next = idx + 1
			return s, nil
		}
	}
	s := m.sessions[m.next%n]
	m.next++
	return s, nil
}

// Health reports READY if any session is READY, otherwise the most advanced
// state among sessions, or DISCONNECTED when none exists. It never blocks on
// I/O.
func (m *Manager) Health() State {
	m.mu.Lock()
	sessions := append([]*Session(nil), m.sessions...)
	m.mu.Unlock()

	best := StateDisconnected
	for _, s := range sessions {
		st := s.State()
		if st == StateReady {
			return StateReady
		}
		if st.rank() > best.rank() {
			best = st
		}
	}
	return best
}

// Sessions returns a snapshot of every session.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	sessions := append([]*Session(nil), m.sessions...)
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Close shuts every session down. Later calls fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.sessions
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}
