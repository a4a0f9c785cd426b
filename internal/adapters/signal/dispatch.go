// Package signal hosts the server side of the realtime channel: the
// websocket controller, the per-connection pumps and the envelope
// dispatcher shared with the poll transport.
package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/app"
	"github.com/famcall/famcall/internal/auth"
	"github.com/famcall/famcall/internal/domain"
)

// Peer is a connection the dispatcher can authenticate and feed.
type Peer interface {
	app.Conn
	SetUser(domain.User)
}

// PeerState tracks handshake progression of one connection. The
// dispatcher only honors relayed signals after the room-join ack has
// been issued, which removes the race where a caller's offer would be
// forwarded before the callee's membership exists.
type PeerState struct {
	Authed bool
	Joined bool
}

type Dispatcher struct {
	Verifier *auth.Verifier
	Registry *app.Registry
	Relay    *app.Relay
}

// Dispatch handles one inbound envelope. The returned bool asks the
// transport to drop the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, st *PeerState, peer Peer, env domain.Envelope) (drop bool) {
	if !st.Authed {
		return d.handleAuth(ctx, st, peer, env)
	}

	switch {
	case env.Type == domain.TypeJoinRoom:
		ack := d.Registry.Join(peer)
		st.Joined = true
		_ = peer.TrySend(domain.MustEnvelope(domain.TypeRoomJoined, "", domain.RoomJoinedPayload{
			Room:   ack.Room,
			UserID: ack.UserID,
		}))
		return false

	case env.Type == domain.TypePing:
		_ = peer.TrySend(domain.Envelope{Type: domain.TypePong})
		return false

	case domain.Relayable(env.Type):
		if !st.Joined {
			_ = peer.TrySend(errorEnvelope("join your room before signaling", "ERR_NOT_JOINED"))
			return false
		}
		if err := d.Relay.Forward(peer.User(), env); err != nil {
			if errors.Is(err, app.ErrRateLimited) {
				_ = peer.TrySend(errorEnvelope("too many signals, slow down", "ERR_RATE_LIMITED"))
				return false
			}
			log.Warn().Str("module", "adapters.signal").Str("type", env.Type).Err(err).Msg("forward failed")
		}
		return false

	default:
		log.Debug().Str("module", "adapters.signal").Str("type", env.Type).Msg("unknown signal type")
		return false
	}
}

func (d *Dispatcher) handleAuth(ctx context.Context, st *PeerState, peer Peer, env domain.Envelope) (drop bool) {
	if env.Type != domain.TypeAuth {
		_ = peer.TrySend(authErrorEnvelope("authenticate before sending anything else"))
		return true
	}
	var p domain.AuthPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		_ = peer.TrySend(authErrorEnvelope("malformed auth payload"))
		return true
	}
	id, err := d.Verifier.Verify(ctx, p.Token)
	if err != nil {
		log.Info().Str("module", "adapters.signal").Err(err).Msg("authentication failed")
		_ = peer.TrySend(authErrorEnvelope("authentication failed"))
		return true
	}
	peer.SetUser(domain.User{ID: id.UserID, Role: id.Role, Email: id.Email})
	st.Authed = true
	_ = peer.TrySend(domain.MustEnvelope(domain.TypeAuthOK, "", domain.AuthOKPayload{
		UserID: id.UserID,
		Role:   id.Role,
	}))
	log.Info().Str("module", "adapters.signal").Str("user", string(id.UserID)).Str("role", string(id.Role)).Msg("authenticated")
	return false
}

// Disconnect tears down registry membership when a transport closes.
// The last connection of a user also releases their rate-limit
// history.
func (d *Dispatcher) Disconnect(st *PeerState, peer Peer) {
	if st.Joined {
		d.Registry.Leave(peer)
		if uid := peer.User().ID; d.Registry.MemberCount(uid) == 0 {
			d.Relay.ReleaseUser(uid)
		}
	}
}

func errorEnvelope(msg, code string) domain.Envelope {
	return domain.MustEnvelope(domain.TypeError, "", domain.ErrorPayload{Message: msg, Code: code})
}

func authErrorEnvelope(msg string) domain.Envelope {
	return domain.MustEnvelope(domain.TypeAuthError, "", domain.ErrorPayload{Message: msg})
}
