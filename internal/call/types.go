// Package call is the client-side call engine: the per-connection
// session state machine and the permission policy that gates every
// user-initiated cancel/end before it reaches the relay.
package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/famcall/famcall/internal/domain"
)

// Sender transmits an envelope over the established signaling
// channel.
type Sender interface {
	Send(env domain.Envelope) error
}

type CaptureMode int

const (
	CaptureAudioVideo CaptureMode = iota
	CaptureAudioOnly
)

func (m CaptureMode) String() string {
	if m == CaptureAudioOnly {
		return "audio-only"
	}
	return "audio+video"
}

// Capture is acquired local media. The engine acquires it once per
// call attempt and stops it unconditionally on every terminal
// transition.
type Capture interface {
	Mode() CaptureMode
	Stop()
}

// MediaProvider is the injected capture capability. Its codec and
// device mechanics are outside this package.
type MediaProvider interface {
	Acquire(ctx context.Context, mode CaptureMode) (Capture, error)
}

// Hooks are the callbacks a negotiation handle raises back into the
// session loop. Implementations post into the loop; they never run
// session logic on their own goroutine.
type Hooks struct {
	// OnLocalCandidate fires for every locally discovered
	// connectivity candidate to be relayed to the peer.
	OnLocalCandidate func(candidate json.RawMessage)
	// OnInboundMedia fires once, when remote media is first observed
	// flowing. It is the guard for the Active transition.
	OnInboundMedia func()
	// OnTransportFailure reports a negotiation-transport failure that
	// may still recover within a grace window.
	OnTransportFailure func(err error)
	// OnTransportRecovered cancels a pending grace window.
	OnTransportRecovered func()
	// OnTransportClosed reports a normal disconnect/close.
	OnTransportClosed func()
}

// Negotiator is one call attempt's negotiation handle. Payloads are
// opaque JSON blobs; only the handle and its remote counterpart
// interpret them.
type Negotiator interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	ApplyAnswer(answer json.RawMessage) error
	ApplyOfferAndCreateAnswer(offer json.RawMessage) (json.RawMessage, error)
	AddRemoteCandidate(candidate json.RawMessage) error
	// RestartICE produces a fresh offer with restarted connectivity;
	// the caller relays it to the peer like any other offer.
	RestartICE() (json.RawMessage, error)
	Close()
}

// NegotiatorFactory builds a fresh handle for one call attempt,
// attaching the acquired capture and the session hooks.
type NegotiatorFactory func(ctx context.Context, capture Capture, hooks Hooks) (Negotiator, error)

// Directory resolves an identity for presentation and role lookup.
// Read-only; correctness of the state machine does not depend on it.
type Directory interface {
	Resolve(id domain.UserID) (displayName string, role domain.Role, ok bool)
}

// Notifier is told about incoming calls, fire-and-forget.
type Notifier interface {
	IncomingCall(from domain.UserID, displayName string)
}

// Profile describes the network conditions this client runs under.
// Constrained (mobile) profiles get a longer negotiation-failure grace
// window and one restart attempt.
type Profile struct {
	Constrained bool
}

type Config struct {
	Profile Profile

	DialTimeout            time.Duration
	GraceWindow            time.Duration
	ConstrainedGraceWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 60 * time.Second
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = 10 * time.Second
	}
	if c.ConstrainedGraceWindow == 0 {
		c.ConstrainedGraceWindow = 15 * time.Second
	}
	return c
}

// Snapshot is the externally visible view of the current session.
type Snapshot struct {
	CallID     domain.CallID
	Direction  domain.Direction
	State      domain.CallState
	Peer       domain.UserID
	LocalRole  domain.Role
	RemoteRole domain.Role
}
