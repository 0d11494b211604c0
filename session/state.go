package session

// State represents what a client session is currently doing.
type State int

const (
	StateActive      State = iota // bound to a live connection, commands flowing
	StateSuspended                // connection lost, sends wait for a reconnect
	StateReattaching              // rebinding to a new connection, replay in progress
	StateDegraded                 // failover suppressed because this client looks isolated
	StateFailed                   // reconnect gave up, terminal
	StateClosed                   // closed by the application, terminal
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateReattaching:
		return "reattaching"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

var transitions = map[State][]State{
	StateActive:      {StateSuspended, StateDegraded, StateFailed, StateClosed},
	StateSuspended:   {StateReattaching, StateDegraded, StateFailed, StateClosed},
	StateReattaching: {StateActive, StateSuspended, StateDegraded, StateFailed, StateClosed},
	StateDegraded:    {StateActive, StateSuspended, StateReattaching, StateFailed, StateClosed},
	StateFailed:      {}, // terminal
	StateClosed:      {}, // terminal
}

// validTransition defines which state changes are legal.
func validTransition(from, to State) bool {
	for _, valid := range transitions[from] {
		if to == valid {
			return true
		}
	}
	return false
}
