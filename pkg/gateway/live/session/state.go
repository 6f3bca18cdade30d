package session

// CallStatus is the call-level lifecycle of a session.
type CallStatus int

const (
	CallDisconnected CallStatus = iota
	CallAuthenticated
	CallActive
	CallEnded
)

func (s CallStatus) String() string {
	switch s {
	case CallDisconnected:
		return "Disconnected"
	case CallAuthenticated:
		return "Authenticated"
	case CallActive:
		return "CallActive"
	case CallEnded:
		return "CallEnded"
	default:
		return "Unknown"
	}
}

// TurnStatus is the turn-level state within an active call.
type TurnStatus int

const (
	TurnIdle TurnStatus = iota
	TurnCapturing
	TurnAwaitingReply
	TurnSpeaking
	TurnInterrupted
)

func (s TurnStatus) String() string {
	switch s {
	case TurnIdle:
		return "Idle"
	case TurnCapturing:
		return "CapturingAudio"
	case TurnAwaitingReply:
		return "AwaitingModelReply"
	case TurnSpeaking:
		return "Speaking"
	case TurnInterrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}
