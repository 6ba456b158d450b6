package session

// State is the lifecycle state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateDegraded
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateDegraded:
		return "DEGRADED"
	case StateClosing:
		return "CLOSING"
	default:
		return "DISCONNECTED"
	}
}

// rank orders states for Health when no session is READY.
func (s State) rank() int {
	switch s {
	case StateReady:
		return 5
	case StateDegraded:
		return 4
	case StateAuthenticating:
		return 3
	case StateConnecting:
		return 2
	case StateClosing:
		return 1
	default:
		return 0
	}
}
