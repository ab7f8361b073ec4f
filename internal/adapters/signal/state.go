package signal

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthorized
	StateReconnecting
	StateExpiring
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthorized:
		return "authorized"
	case StateReconnecting:
		return "reconnecting"
	case StateExpiring:
		return "expiring"
	case StateIdle:
		return "idle"
	}
	return "unknown"
}
