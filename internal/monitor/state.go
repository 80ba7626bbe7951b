// Package monitor provides live event monitoring of a tor control channel,
// streaming decoded events to a durable log.
package monitor

// State represents the monitor lifecycle state.
type State string

const (
	// StateDisconnected indicates no control-channel connection.
	StateDisconnected State = "disconnected"
	// StateConnected indicates the control channel is authenticated.
	StateConnected State = "connected"
	// StateSubscribed indicates the event set has been registered.
	StateSubscribed State = "subscribed"
	// StateStreaming indicates events are being received and logged.
	StateStreaming State = "streaming"
	// StateClosed indicates the monitor has shut down.
	StateClosed State = "closed"
)

// IsStreaming returns true if the monitor is actively logging events.
func (s State) IsStreaming() bool {
	return s == StateStreaming
}

// IsTerminal returns true once the monitor can make no further transitions.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[State][]State{
	StateDisconnected: {
		StateConnected,
		StateClosed,
	},
	StateConnected: {
		StateSubscribed,
		StateClosed,
	},
	StateSubscribed: {
		StateStreaming,
		StateClosed,
	},
	StateStreaming: {
		StateClosed,
	},
	StateClosed: {},
}

// IsValidTransition checks if transitioning from one state to another is allowed.
func IsValidTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates returns all possible monitor states.
func AllStates() []State {
	return []State{
		StateDisconnected,
		StateConnected,
		StateSubscribed,
		StateStreaming,
		StateClosed,
	}
}
