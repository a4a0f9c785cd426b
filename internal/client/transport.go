// Package client is the device-side connection manager: transport
// selection and fallback, the auth/join handshake, reconnection with
// bounded backoff, and the signal feed the call engine consumes.
package client

import (
	"context"

	"github.com/famcall/famcall/internal/domain"
)

// Transport is one established signaling channel. Recv delivers
// inbound envelopes until the transport dies; Done is closed when it
// does, whatever the cause.
type Transport interface {
	Name() string
	Send(env domain.Envelope) error
	Recv() <-chan domain.Envelope
	Done() <-chan struct{}
	Close()
}

// Dialer establishes a transport against the signaling server. The
// context bounds the whole connection attempt.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, baseURL string) (Transport, error)
}
