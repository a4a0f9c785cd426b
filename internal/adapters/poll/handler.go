package poll

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/adapters/signal"
	"github.com/famcall/famcall/internal/app"
	"github.com/famcall/famcall/internal/domain"
)

type Handler struct {
	Dispatcher  *signal.Dispatcher
	IdleTimeout time.Duration
	Wait        time.Duration

	mu       sync.Mutex
	sessions map[app.ConnID]*Session
}

func NewHandler(d *signal.Dispatcher, idleTimeout, wait time.Duration) *Handler {
	return &Handler{
		Dispatcher:  d,
		IdleTimeout: idleTimeout,
		Wait:        wait,
		sessions:    make(map[app.ConnID]*Session),
	}
}

func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("", h.connect)
	g.GET("/:id/events", h.events)
	g.POST("/:id/events", h.send)
	g.DELETE("/:id", h.disconnect)
}

// connect creates an unauthenticated session. The client then runs
// the same envelope handshake as over the websocket: auth first, then
// join-room; the replies arrive through the events long-poll.
func (h *Handler) connect(c *gin.Context) {
	s := newSession()
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	log.Info().Str("module", "adapters.poll").Str("conn", string(s.id)).Msg("poll session created")
	c.JSON(http.StatusCreated, gin.H{"sessionId": s.id})
}

func (h *Handler) lookup(c *gin.Context) *Session {
	h.mu.Lock()
	s := h.sessions[app.ConnID(c.Param("id"))]
	h.mu.Unlock()
	if s == nil || s.closed() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return nil
	}
	return s
}

func (h *Handler) events(c *gin.Context) {
	s := h.lookup(c)
	if s == nil {
		return
	}
	s.touch()
	envs := s.drain(h.Wait)
	if envs == nil {
		envs = []domain.Envelope{}
	}
	c.JSON(http.StatusOK, envs)
}

func (h *Handler) send(c *gin.Context) {
	s := h.lookup(c)
	if s == nil {
		return
	}
	s.touch()

	var env domain.Envelope
	if err := c.BindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed envelope"})
		return
	}

	s.dispatchMu.Lock()
	drop := h.Dispatcher.Dispatch(c.Request.Context(), &s.state, s, env)
	s.dispatchMu.Unlock()

	if drop {
		// let the client collect the rejection before the session goes
		h.remove(s, 2*h.Wait)
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) disconnect(c *gin.Context) {
	s := h.lookup(c)
	if s == nil {
		return
	}
	h.remove(s, 0)
	c.Status(http.StatusNoContent)
}

func (h *Handler) remove(s *Session, grace time.Duration) {
	teardown := func() {
		s.dispatchMu.Lock()
		h.Dispatcher.Disconnect(&s.state, s)
		s.dispatchMu.Unlock()
		s.Close()
		h.mu.Lock()
		delete(h.sessions, s.id)
		h.mu.Unlock()
		log.Info().Str("module", "adapters.poll").Str("conn", string(s.id)).Msg("poll session removed")
	}
	if grace == 0 {
		teardown()
		return
	}
	time.AfterFunc(grace, teardown)
}

// Run sweeps sessions whose clients stopped polling. A poll client
// has no transport-level close, so idleness is its disconnect.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.IdleTimeout)
			h.mu.Lock()
			var stale []*Session
			for _, s := range h.sessions {
				if s.idleSince().Before(cutoff) {
					stale = append(stale, s)
				}
			}
			h.mu.Unlock()
			for _, s := range stale {
				log.Info().Str("module", "adapters.poll").Str("conn", string(s.id)).Msg("poll session idle, evicting")
				h.remove(s, 0)
			}
		}
	}
}
