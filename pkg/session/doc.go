// Package session owns nfsproxy's connections to the backend NFS server.
//
// Each Session walks the state machine
//
//	DISCONNECTED → CONNECTING → AUTHENTICATING → READY ⇄ DEGRADED → CLOSING → DISCONNECTED
//
// and the Manager spreads calls over a small pool of sessions. A session
// that loses its connection runs exactly one reconnect loop, spaced by
// RetrySleep and never giving up; callers either wait for it or fail fast.
// Calls are never retried here: only the caller knows whether an operation
// is idempotent.
package session
