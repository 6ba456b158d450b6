package metrics

import "time"

// SessionMetrics observes backend RPC sessions. A nil value disables
// collection.
type SessionMetrics interface {
	// ObserveCall records a finished call. outcome is "ok", "timeout",
	// "transport", "protocol", "auth" or "unavailable".
	ObserveCall(procedure uint32, duration time.Duration, outcome string)

	// CallStarted and CallFinished track in-flight calls.
	CallStarted()
	CallFinished()

	// StateChanged records a session state transition.
	StateChanged(from, to string)

	// ReconnectAttempt records one reconnect attempt and its result.
	ReconnectAttempt(success bool)
}

// AuthMetrics observes security context management.
type AuthMetrics interface {
	// Acquired records a credential acquisition for flavor.
	Acquired(flavor string, duration time.Duration, err error)

	// Renewed records a completed renewal.
	Renewed(flavor string)

	// FellBack records a downgrade to the unauthenticated flavor.
	FellBack()
}

// HandleMapMetrics observes the handle translation store.
type HandleMapMetrics interface {
	// ObserveOp records resolve/insert/invalidate latency and outcome.
	ObserveOp(op string, duration time.Duration, outcome string)

	// SetEntries publishes the entry count of a shard.
	SetEntries(shard int, n int)

	// CorruptEntries counts entries that failed verification.
	CorruptEntries(n int)

	// Rebuilt records a rebuild with its kept and dropped entry counts.
	Rebuilt(duration time.Duration, kept, dropped int, err error)
}
