package domain

import "encoding/json"

// Envelope is one signaling message. Payload stays opaque to the
// relay; only the two endpoints interpret it. FromUserID is stamped
// by the server from the authenticated identity, never trusted from
// the client.
type Envelope struct {
	Type    string          `json:"type"`
	From    UserID          `json:"fromUserId,omitempty"`
	Target  UserID          `json:"targetUserId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	// client -> server
	TypeAuth     = "auth"
	TypeJoinRoom = "join-room"
	TypePing     = "ping"

	// server -> client
	TypeAuthOK     = "auth-ok"
	TypeAuthError  = "auth-error"
	TypeRoomJoined = "room-joined"
	TypePong       = "pong"
	TypeError      = "error"

	// relayed peer to peer
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeCancel       = "cancel"
	TypeHangup       = "hangup"
)

// Relayable reports whether the relay forwards this type between
// peers. Everything else is a control message consumed by the server.
func Relayable(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeCancel, TypeHangup:
		return true
	}
	return false
}

type AuthPayload struct {
	Token string `json:"token"`
}

type AuthOKPayload struct {
	UserID UserID `json:"userId"`
	Role   Role   `json:"role"`
}

type RoomJoinedPayload struct {
	Room   string `json:"room"`
	UserID UserID `json:"userId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func MustEnvelope(t string, target UserID, payload any) Envelope {
	env := Envelope{Type: t, Target: target}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			// payload structs are ours; marshal cannot fail at runtime
			panic(err)
		}
		env.Payload = b
	}
	return env
}
