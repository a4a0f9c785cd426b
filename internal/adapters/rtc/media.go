package rtc

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/call"
)

const (
	opusFrame      = 20 * time.Millisecond
	opusClockStep  = 960 // 48 kHz * 20 ms
	videoFrame     = 33 * time.Millisecond
	videoClockStep = 2970 // 90 kHz * 33 ms
)

// SyntheticProvider produces silent audio and blank video tracks. It
// stands in for device capture on headless clients; the pacing and
// RTP framing are real so the receive side sees media flowing.
type SyntheticProvider struct{}

func NewSyntheticProvider() *SyntheticProvider { return &SyntheticProvider{} }

func (p *SyntheticProvider) Acquire(_ context.Context, mode call.CaptureMode) (call.Capture, error) {
	streamID := "synthetic-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}

	c := &SyntheticCapture{mode: mode, done: make(chan struct{})}
	c.tracks = append(c.tracks, audio)
	c.wg.Add(1)
	go c.pump(audio, opusFrame, opusClockStep, []byte{0xf8, 0xff, 0xfe}) // opus silence frame

	if mode == call.CaptureAudioVideo {
		video, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			c.Stop()
			return nil, err
		}
		c.tracks = append(c.tracks, video)
		c.wg.Add(1)
		go c.pump(video, videoFrame, videoClockStep, make([]byte, 32))
	}

	log.Info().Str("module", "rtc").Str("mode", mode.String()).Msg("synthetic capture acquired")
	return c, nil
}

// SyntheticCapture is a running set of generated tracks. Stop is
// idempotent and blocks until the writers have exited.
type SyntheticCapture struct {
	mode   call.CaptureMode
	tracks []webrtc.TrackLocal

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (c *SyntheticCapture) Mode() call.CaptureMode      { return c.mode }
func (c *SyntheticCapture) Tracks() []webrtc.TrackLocal { return c.tracks }

func (c *SyntheticCapture) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *SyntheticCapture) pump(track *webrtc.TrackLocalStaticRTP, frame time.Duration, clockStep uint32, payload []byte) {
	defer c.wg.Done()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0, // rewritten by the sender to the negotiated type
			SequenceNumber: 0,
			Timestamp:      0,
			SSRC:           rand.Uint32(),
		},
		Payload: payload,
	}

	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := track.WriteRTP(pkt); err != nil {
				// no reader bound yet, or connection gone; keep pacing
				continue
			}
			pkt.Header.SequenceNumber++
			pkt.Header.Timestamp += clockStep
		}
	}
}
