package connect

// WorkerState is the single externally visible state enum (spec §3):
//
//	CONNECTING → ACTIVE → {RECONNECTING ⇄ ACTIVE} → CLOSING → CLOSED
type WorkerState int

const (
	StateConnecting WorkerState = iota
	StateActive
	StateReconnecting
	StateClosing
	StateClosed
)

func (s WorkerState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
