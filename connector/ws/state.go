package ws

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosing:
		return "CLOSING"
	default:
		return "INVALID"
	}
}

// validTransitions lists the edges of the connection state machine.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosing},
	StateConnecting:   {StateConnected, StateDisconnected, StateClosing},
	StateConnected:    {StateReconnecting, StateClosing},
	StateReconnecting: {StateConnected, StateDisconnected, StateClosing},
	StateClosing:      {StateDisconnected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
