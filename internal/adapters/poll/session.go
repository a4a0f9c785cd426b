// Package poll is the store-and-poll realtime transport: the same
// envelopes as the websocket channel, carried over short HTTP
// round-trips for clients on networks where a persistent socket is
// unreliable.
package poll

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/famcall/famcall/internal/adapters/signal"
	"github.com/famcall/famcall/internal/app"
	"github.com/famcall/famcall/internal/domain"
)

const queueBuffer = 32

// Session is one poll-connected peer. It implements signal.Peer; the
// handler feeds inbound envelopes through the shared dispatcher and
// the client drains the queue with long-polls.
type Session struct {
	id app.ConnID

	mu       sync.RWMutex
	user     domain.User
	lastSeen time.Time

	// dispatchMu serializes inbound envelopes; HTTP gives no ordering
	// guarantee across requests.
	dispatchMu sync.Mutex
	state      signal.PeerState

	queue chan domain.Envelope
	done  chan struct{}
	once  sync.Once
}

func newSession() *Session {
	return &Session{
		id:       app.ConnID(uuid.NewString()),
		lastSeen: time.Now(),
		queue:    make(chan domain.Envelope, queueBuffer),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() app.ConnID { return s.id }

func (s *Session) User() domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) SetUser(u domain.User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

func (s *Session) TrySend(env domain.Envelope) error {
	select {
	case <-s.done:
		return signal.ErrConnClosed
	default:
	}
	select {
	case s.queue <- env:
		return nil
	default:
		return signal.ErrBackpressure
	}
}

func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// drain waits up to wait for at least one envelope, then returns
// everything immediately available.
func (s *Session) drain(wait time.Duration) []domain.Envelope {
	var out []domain.Envelope
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case env := <-s.queue:
		out = append(out, env)
	case <-timer.C:
		return out
	case <-s.done:
		return out
	}
	for {
		select {
		case env := <-s.queue:
			out = append(out, env)
		default:
			return out
		}
	}
}
