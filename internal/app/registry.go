package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/domain"
)

type ConnID string

// Conn is one authenticated live connection. The owning adapter
// closes the underlying transport; the registry only tracks
// membership.
type Conn interface {
	ID() ConnID
	User() domain.User
	TrySend(domain.Envelope) error
	Close()
}

type JoinAck struct {
	Room   string
	UserID domain.UserID
}

// RoomName is the targeted-delivery group of one identity.
func RoomName(uid domain.UserID) string {
	return "user:" + string(uid)
}

// Registry maps a user identity to its set of live connections. A
// room exists exactly as long as it has members; nothing persists.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.UserID]map[ConnID]Conn
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.UserID]map[ConnID]Conn)}
}

// Join adds the connection to its user's room. Joining twice with the
// same connection is a no-op beyond re-acknowledging; the ack must be
// observed by the client before it treats the channel as ready for
// signaling.
func (r *Registry) Join(c Conn) JoinAck {
	uid := c.User().ID
	r.mu.Lock()
	room, ok := r.rooms[uid]
	if !ok {
		room = make(map[ConnID]Conn)
		r.rooms[uid] = room
	}
	_, rejoin := room[c.ID()]
	room[c.ID()] = c
	r.mu.Unlock()

	if !rejoin {
		log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("conn", string(c.ID())).Msg("joined room")
	}
	return JoinAck{Room: RoomName(uid), UserID: uid}
}

// Leave removes the connection; the room disappears with its last
// member.
func (r *Registry) Leave(c Conn) {
	uid := c.User().ID
	r.mu.Lock()
	if room, ok := r.rooms[uid]; ok {
		delete(room, c.ID())
		if len(room) == 0 {
			delete(r.rooms, uid)
		}
	}
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("conn", string(c.ID())).Msg("left room")
}

// Connections snapshots the live connections of one identity.
func (r *Registry) Connections(uid domain.UserID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[uid]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}

func (r *Registry) MemberCount(uid domain.UserID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[uid])
}
