package stream

// State is the lifecycle position of the feed connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Failed:
		return "FAILED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further connection attempt can follow s.
func (s State) Terminal() bool {
	return s == Failed || s == Closed
}
