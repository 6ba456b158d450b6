package session

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned under the fail_fast policy while a session
	// is reconnecting.
	ErrUnavailable = errors.New("backend unavailable: session is reconnecting")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session manager closed")
)

// TransportError is a connection-level failure or a call timeout. It is
// always retryable: the session reconnects on its own.
type TransportError struct {
	Op      string
	Addr    string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timed out: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation.
func (e *TransportError) Retryable() bool { return true }

// ProtocolError is a malformed or unexpected reply. The session stays READY.
type ProtocolError struct {
	XID    uint32
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc xid %d: %s: %v", e.XID, e.Reason, e.Err)
	}
	return fmt.Sprintf("rpc xid %d: %s", e.XID, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transport failure or a fail-fast
// rejection, both of which clear up once the session reconnects.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, ErrUnavailable)
}

// IsTimeout reports whether err is a per-call timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout
}

func outcomeOf(err error) string {
	var (
		te *TransportError
		pe *ProtocolError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &te) && te.Timeout:
		return "timeout"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &pe):
		return "protocol"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "auth"
	}
}
