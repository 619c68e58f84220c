package failover

// State is the coordinator's position in the failover state machine for one
// logical connection.
type State int32

const (
	// StateActive is normal operation, no failover in progress.
	StateActive State = iota
	// StateSuspended means a fatal error or a monitor signal has been
	// observed and caller operations are blocked.
	StateSuspended
	// StateDiscovering means topology is being refreshed and candidates ranked.
	StateDiscovering
	// StateReconnecting means a physical connect to a candidate is in flight.
	StateReconnecting
	// StateRebound means a candidate accepted and the connection was swapped.
	StateRebound
	// StateExhausted means the budget elapsed or all candidates failed.
	StateExhausted
	// StateFailed is terminal: the connection is permanently invalid.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateSuspended:
		return "SUSPENDED"
	case StateDiscovering:
		return "DISCOVERING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateRebound:
		return "REBOUND"
	case StateExhausted:
		return "EXHAUSTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
