package logger

import (
	"context"
	"time"
)

type contextKey struct{}

// LogContext carries per-call fields that the ...Ctx helpers prepend to
// every record.
type LogContext struct {
	TraceID   string
	SpanID    string
	SessionID string // backend session
	Backend   string // backend address host:port
	Procedure string // RPC procedure name or number
	XID       uint32
	Principal string
	Flavor    string // unauthenticated, krb5, krb5i, krb5p
	StartTime time.Time
}

// WithContext stores lc in ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, contextKey{}, lc)
}

// FromContext returns the LogContext in ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(contextKey{}).(*LogContext)
	return lc
}

// NewLogContext starts a LogContext for a call against backend.
func NewLogContext(backend string) *LogContext {
	return &LogContext{Backend: backend, StartTime: time.Now()}
}

// Clone returns a shallow copy.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithCall returns a copy bound to a single RPC.
func (lc *LogContext) WithCall(sessionID, procedure string, xid uint32) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.SessionID = sessionID
		c.Procedure = procedure
		c.XID = xid
	}
	return c
}

// WithSecurity returns a copy with the principal and flavor set.
func (lc *LogContext) WithSecurity(principal, flavor string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Principal = principal
		c.Flavor = flavor
	}
	return c
}

// WithTrace returns a copy with trace identifiers set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.TraceID = traceID
		c.SpanID = spanID
	}
	return c
}

// DurationMs returns the elapsed time since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return Duration(lc.StartTime)
}

func (lc *LogContext) fields() []any {
	f := make([]any, 0, 16)
	add := func(key, val string) {
		if val != "" {
			f = append(f, key, val)
		}
	}
	add(KeyTraceID, lc.TraceID)
	add(KeySpanID, lc.SpanID)
	add(KeySessionID, lc.SessionID)
	add(KeyBackend, lc.Backend)
	add(KeyProcedure, lc.Procedure)
	if lc.XID != 0 {
		f = append(f, KeyXID, lc.XID)
	}
	add(KeyPrincipal, lc.Principal)
	add(KeyFlavor, lc.Flavor)
	return f
}
