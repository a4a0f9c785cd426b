package domain

import "github.com/google/uuid"

type CallID string

func NewCallID() CallID {
	return CallID("call-" + uuid.NewString())
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// CallState is the lifecycle position of one call attempt.
// Ended and Failed are terminal; a session in a terminal state is
// already cleared.
type CallState string

const (
	CallIdle    CallState = "idle"
	CallDialing CallState = "dialing"
	CallRinging CallState = "ringing"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
	CallFailed  CallState = "failed"
)

func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallFailed
}

// PreAnswer reports whether no answer has been exchanged yet.
func (s CallState) PreAnswer() bool {
	return s == CallDialing || s == CallRinging
}
