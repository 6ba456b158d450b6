package logger

import (
	"fmt"
	"log/slog"
	"time"
)

// Field keys shared by all components so log queries stay stable.
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Backend sessions
	KeySessionID = "session_id"
	KeyBackend   = "backend"
	KeyState     = "state"
	KeyProcedure = "procedure"
	KeyXID       = "xid"
	KeyAttempt   = "attempt"

	// Security
	KeyPrincipal = "principal"
	KeyFlavor    = "flavor"
	KeyExpiry    = "expiry"

	// Handle map
	KeyHandle     = "handle"
	KeyRemote     = "remote_handle"
	KeyShard      = "shard"
	KeyGeneration = "generation"
	KeyEntries    = "entries"

	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyPath       = "path"
)

// SessionID returns an attr for a backend session ID.
func SessionID(id string) slog.Attr { return slog.String(KeySessionID, id) }

// Backend returns an attr for a backend address.
func Backend(addr string) slog.Attr { return slog.String(KeyBackend, addr) }

// State returns an attr for a session state.
func State(s fmt.Stringer) slog.Attr { return slog.String(KeyState, s.String()) }

// Procedure returns an attr for an RPC procedure.
func Procedure(name string) slog.Attr { return slog.String(KeyProcedure, name) }

// XID returns an attr for an RPC transaction ID.
func XID(xid uint32) slog.Attr { return slog.Any(KeyXID, xid) }

// Attempt returns an attr for a retry attempt counter.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// Principal returns an attr for a Kerberos principal.
func Principal(p string) slog.Attr { return slog.String(KeyPrincipal, p) }

// Flavor returns an attr for a security flavor.
func Flavor(f fmt.Stringer) slog.Attr { return slog.String(KeyFlavor, f.String()) }

// Expiry returns an attr for a credential expiry.
func Expiry(t time.Time) slog.Attr { return slog.Time(KeyExpiry, t) }

// Handle returns an attr for a local file handle, hex encoded.
func Handle(h []byte) slog.Attr { return slog.String(KeyHandle, fmt.Sprintf("%x", h)) }

// Remote returns an attr for a backend file handle, hex encoded.
func Remote(h []byte) slog.Attr { return slog.String(KeyRemote, fmt.Sprintf("%x", h)) }

// Shard returns an attr for a handle map shard index.
func Shard(i int) slog.Attr { return slog.Int(KeyShard, i) }

// Generation returns an attr for a handle map generation.
func Generation(g string) slog.Attr { return slog.String(KeyGeneration, g) }

// Entries returns an attr for an entry count.
func Entries(n int) slog.Attr { return slog.Int(KeyEntries, n) }

// DurationMs returns an attr with the elapsed milliseconds since start.
func DurationMs(start time.Time) slog.Attr { return slog.Float64(KeyDurationMs, Duration(start)) }

// Err returns an attr for an error. A nil error yields an empty attr, which
// handlers skip.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Path returns an attr for a filesystem path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }
