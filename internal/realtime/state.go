package realtime

// State is the connection lifecycle of a Client.
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Disconnected -> Connecting (automatic retry) | Disconnected (final)
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}
