// Package rtc implements the call engine's negotiation handle on top
// of pion, plus a synthetic media source for headless clients.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/call"
)

// TrackSource is what a capture must expose for its tracks to be
// attached to the peer connection.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// Negotiator wraps one PeerConnection for one call attempt. SDP and
// candidate payloads cross its boundary as raw JSON; the session
// machine never sees pion types.
type Negotiator struct {
	pc     *webrtc.PeerConnection
	hooks  call.Hooks
	cancel context.CancelFunc

	mediaOnce sync.Once
	closeOnce sync.Once
	failing   atomic.Bool
}

// Factory returns the negotiator constructor the call engine is
// configured with.
func Factory(cfg webrtc.Configuration) call.NegotiatorFactory {
	return func(ctx context.Context, capture call.Capture, hooks call.Hooks) (call.Negotiator, error) {
		return newNegotiator(ctx, cfg, capture, hooks)
	}
}

func newNegotiator(ctx context.Context, cfg webrtc.Configuration, capture call.Capture, hooks call.Hooks) (*Negotiator, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	n := &Negotiator{pc: pc, hooks: hooks, cancel: cancel}

	if src, ok := capture.(TrackSource); ok {
		for _, track := range src.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				cancel()
				_ = pc.Close()
				return nil, err
			}
			go drainRTCP(ctx, sender)
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || n.hooks.OnLocalCandidate == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		n.hooks.OnLocalCandidate(b)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
			if !n.failing.Swap(true) && n.hooks.OnTransportFailure != nil {
				n.hooks.OnTransportFailure(fmt.Errorf("ice connection %s", s))
			}
		case webrtc.ICEConnectionStateConnected:
			if n.failing.Swap(false) && n.hooks.OnTransportRecovered != nil {
				n.hooks.OnTransportRecovered()
			}
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateClosed {
			if n.hooks.OnTransportClosed != nil {
				n.hooks.OnTransportClosed()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		go n.readTrack(ctx, track)
	})

	return n, nil
}

// readTrack consumes a remote track. The first packet is the signal
// that media actually flows; everything after is drained so RTCP
// feedback keeps working.
func (n *Negotiator) readTrack(ctx context.Context, track *webrtc.TrackRemote) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if pkt == nil {
			continue
		}
		n.mediaOnce.Do(func() {
			if n.hooks.OnInboundMedia != nil {
				n.hooks.OnInboundMedia()
			}
		})
	}
}

func drainRTCP(ctx context.Context, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (n *Negotiator) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return n.setLocalAndGather(ctx, offer)
}

func (n *Negotiator) ApplyAnswer(answer json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(answer, &sd); err != nil {
		return err
	}
	return n.pc.SetRemoteDescription(sd)
}

func (n *Negotiator) ApplyOfferAndCreateAnswer(offer json.RawMessage) (json.RawMessage, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(offer, &sd); err != nil {
		return nil, err
	}
	if err := n.pc.SetRemoteDescription(sd); err != nil {
		return nil, err
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return n.setLocalAndGather(context.Background(), answer)
}

func (n *Negotiator) AddRemoteCandidate(candidate json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &ci); err != nil {
		return err
	}
	return n.pc.AddICECandidate(ci)
}

func (n *Negotiator) RestartICE() (json.RawMessage, error) {
	offer, err := n.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return nil, err
	}
	return n.setLocalAndGather(context.Background(), offer)
}

// setLocalAndGather waits for candidate gathering so the returned
// description is complete. Trickle still runs for candidates found
// later.
func (n *Negotiator) setLocalAndGather(ctx context.Context, sd webrtc.SessionDescription) (json.RawMessage, error) {
	gatherComplete := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(sd); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(n.pc.LocalDescription())
}

func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		n.cancel()
		if err := n.pc.Close(); err != nil {
			log.Error().Str("module", "rtc").Err(err).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Msg("closed")
		}
	})
}
