package app

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/domain"
)

var (
	ErrNotRelayable = errors.New("not a relayable signal")
	ErrRateLimited  = errors.New("signal rate limit exceeded")
)

// Relay forwards typed signaling messages from an authenticated sender
// to the target user's room. It is stateless: no store-and-forward, no
// delivery confirmation, at-most-once best-effort. Payloads are never
// inspected.
type Relay struct {
	registry *Registry
	limiter  *RateLimiter
}

func NewRelay(registry *Registry, limiter *RateLimiter) *Relay {
	return &Relay{registry: registry, limiter: limiter}
}

// ReleaseUser drops the per-user rate history. Called when the user's
// last connection is gone; a lingering window would leak one slice per
// user that ever signaled.
func (r *Relay) ReleaseUser(uid domain.UserID) {
	if r.limiter != nil {
		r.limiter.Forget(uid)
	}
}

// Forward stamps the verified sender identity onto the envelope,
// overriding whatever the client put there, and delivers it to every
// live connection of the target. An empty room drops the message
// silently.
func (r *Relay) Forward(from domain.User, env domain.Envelope) error {
	if !domain.Relayable(env.Type) {
		return ErrNotRelayable
	}
	if r.limiter != nil && !r.limiter.Allow(from.ID) {
		return ErrRateLimited
	}

	env.From = from.ID

	targets := r.registry.Connections(env.Target)
	if len(targets) == 0 {
		log.Debug().Str("module", "app.relay").Str("type", env.Type).
			Str("from", string(from.ID)).Str("target", string(env.Target)).
			Msg("target room empty, dropping")
		return nil
	}

	sent := 0
	for _, c := range targets {
		if err := c.TrySend(env); err != nil {
			// A connection that cannot keep up with signaling traffic
			// is useless for calls; drop it like a slow room member.
			log.Warn().Str("module", "app.relay").Str("conn", string(c.ID())).
				Err(err).Msg("backpressure, closing connection")
			r.registry.Leave(c)
			c.Close()
			continue
		}
		sent++
	}
	log.Debug().Str("module", "app.relay").Str("type", env.Type).
		Str("from", string(from.ID)).Str("target", string(env.Target)).
		Int("sent_to", sent).Msg("forwarded")
	return nil
}
