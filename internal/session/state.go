package session

import "time"

// State is the connection lifecycle. Transitions:
//
//	Idle -> Connecting -> Ready <-> Reconnecting
//	any  -> Ended
//
// Ended may be followed by a new Connect.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateReconnecting
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason says why a session reached StateEnded.
type EndReason string

const (
	EndNone   EndReason = ""
	EndManual EndReason = "manual"
	EndServer EndReason = "server"
	EndError  EndReason = "error"
)

// Status is a point-in-time view for callers that render connection state.
type Status struct {
	State             State
	EndReason         EndReason
	LastError         string
	ConsecutiveErrors int
	ReconnectAttempts int
	LastSent          time.Time
	LastReceived      time.Time
	Background        bool
}
