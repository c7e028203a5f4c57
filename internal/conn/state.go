package conn

// State is the connection-lifecycle state of an Endpoint.
type State int32

const (
	StateConnected     State = iota // socket open, USERNAME not yet received
	StateAuthenticated              // USERNAME accepted, in lobby or a match
	StateDisconnected                // socket closed or cancelled
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}
