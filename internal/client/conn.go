package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/call"
	"github.com/famcall/famcall/internal/domain"
)

const (
	connectAttempts = 3
	firstDialBudget = 5 * time.Second
	retryDialBudget = 3 * time.Second
	authWait        = 5 * time.Second
	joinWait        = 5 * time.Second
	reconnectTries  = 5
	upgradeInterval = 30 * time.Second
	upgradeBudget   = 3 * time.Second
)

type Config struct {
	URL     string
	Token   string
	Profile call.Profile
}

// Conn is the managed signaling connection: it dials transports in
// profile order, runs the auth and join handshake, feeds relayed
// signals to the registered handler, reconnects with bounded backoff
// and opportunistically upgrades a polling session to a websocket.
//
// Conn implements the call engine's Sender.
type Conn struct {
	cfg     Config
	dialers []Dialer

	mu       sync.Mutex
	tr       Transport
	identity domain.AuthOKPayload
	room     string
	joined   bool

	joinAck chan domain.RoomJoinedPayload

	// callback fields share c.mu with the transport: they may be
	// registered while route is already pumping
	onSignal func(domain.Envelope)
	onDown   func(error)

	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Conn {
	dialers := []Dialer{WSDialer{}, PollDialer{}}
	if cfg.Profile.Constrained {
		// Constrained networks: polling first, websocket as upgrade.
		dialers = []Dialer{PollDialer{}, WSDialer{}}
	}
	return &Conn{
		cfg:     cfg,
		dialers: dialers,
		joinAck: make(chan domain.RoomJoinedPayload, 1),
		closed:  make(chan struct{}),
	}
}

// OnSignal registers the consumer of relayed envelopes. Nothing
// relayable arrives before the room is joined, so registering any time
// before JoinRoom is safe.
func (c *Conn) OnSignal(fn func(domain.Envelope)) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

// OnDown registers the callback fired when the connection is lost for
// good, after reconnection attempts are exhausted.
func (c *Conn) OnDown(fn func(error)) {
	c.mu.Lock()
	c.onDown = fn
	c.mu.Unlock()
}

// Identity returns the server-confirmed identity after Connect.
func (c *Conn) Identity() domain.AuthOKPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// TransportName reports which transport currently carries signaling.
func (c *Conn) TransportName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr == nil {
		return ""
	}
	return c.tr.Name()
}

// Connect establishes and authenticates a signaling connection. Up to
// three attempts are made, each trying every transport in preference
// order; the first attempt gets the generous budget, retries a shorter
// one, with a linearly growing pause in between. A rejected token
// aborts immediately — retrying cannot fix it.
func (c *Conn) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		budget := firstDialBudget
		if attempt > 1 {
			budget = retryDialBudget
		}

		for _, d := range c.dialers {
			tr, ident, err := c.establish(ctx, d, budget)
			if err != nil {
				var authErr *domain.AuthError
				if errors.As(err, &authErr) {
					return err
				}
				log.Warn().Str("module", "client").Str("transport", d.Name()).
					Int("attempt", attempt).Err(err).Msg("connect attempt failed")
				lastErr = err
				continue
			}

			c.mu.Lock()
			c.tr = tr
			c.identity = ident
			c.mu.Unlock()
			go c.route(tr)
			log.Info().Str("module", "client").Str("transport", tr.Name()).
				Str("user", string(ident.UserID)).Str("role", string(ident.Role)).Msg("connected")
			return nil
		}
	}
	return &domain.TransportError{Op: "connect", Err: lastErr}
}

// establish dials one transport and runs the auth phase on it within
// the attempt budget.
func (c *Conn) establish(ctx context.Context, d Dialer, budget time.Duration) (Transport, domain.AuthOKPayload, error) {
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	tr, err := d.Dial(actx, c.cfg.URL)
	if err != nil {
		return nil, domain.AuthOKPayload{}, err
	}
	ident, err := c.authenticate(actx, tr)
	if err != nil {
		tr.Close()
		return nil, domain.AuthOKPayload{}, err
	}
	return tr, ident, nil
}

func (c *Conn) authenticate(ctx context.Context, tr Transport) (domain.AuthOKPayload, error) {
	env := domain.MustEnvelope(domain.TypeAuth, "", domain.AuthPayload{Token: c.cfg.Token})
	if err := tr.Send(env); err != nil {
		return domain.AuthOKPayload{}, err
	}

	deadline := time.NewTimer(authWait)
	defer deadline.Stop()
	for {
		select {
		case reply, ok := <-tr.Recv():
			if !ok {
				return domain.AuthOKPayload{}, &domain.TransportError{Op: "auth", Err: fmt.Errorf("transport closed")}
			}
			switch reply.Type {
			case domain.TypeAuthOK:
				var p domain.AuthOKPayload
				if err := json.Unmarshal(reply.Payload, &p); err != nil {
					return domain.AuthOKPayload{}, &domain.TransportError{Op: "auth", Err: err}
				}
				return p, nil
			case domain.TypeAuthError:
				var p domain.ErrorPayload
				_ = json.Unmarshal(reply.Payload, &p)
				return domain.AuthOKPayload{}, &domain.AuthError{Reason: p.Message}
			default:
				// not ours; nothing else should arrive pre-auth
				continue
			}
		case <-deadline.C:
			return domain.AuthOKPayload{}, &domain.TimeoutError{Op: "auth", After: authWait}
		case <-ctx.Done():
			return domain.AuthOKPayload{}, &domain.TimeoutError{Op: "auth", After: authWait}
		}
	}
}

// JoinRoom subscribes this connection to its signaling room and waits
// for the server acknowledgment.
func (c *Conn) JoinRoom(ctx context.Context) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return &domain.TransportError{Op: "join", Err: fmt.Errorf("not connected")}
	}

	if err := tr.Send(domain.Envelope{Type: domain.TypeJoinRoom}); err != nil {
		return err
	}

	deadline := time.NewTimer(joinWait)
	defer deadline.Stop()
	select {
	case ack := <-c.joinAck:
		c.mu.Lock()
		c.room = ack.Room
		c.joined = true
		c.mu.Unlock()
		log.Info().Str("module", "client").Str("room", ack.Room).Msg("room joined")
		return nil
	case <-deadline.C:
		return &domain.TimeoutError{Op: "join room", After: joinWait}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements the call engine's Sender over whatever transport is
// currently live.
func (c *Conn) Send(env domain.Envelope) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return &domain.TransportError{Op: "send", Err: fmt.Errorf("not connected")}
	}
	return tr.Send(env)
}

// Run supervises the connection: it reconnects when the transport
// dies and, while on polling, periodically tries to upgrade to a
// websocket. It returns when ctx is cancelled or reconnection is
// exhausted.
func (c *Conn) Run(ctx context.Context) {
	upgrade := time.NewTimer(upgradeInterval)
	defer upgrade.Stop()
	for {
		c.mu.Lock()
		tr := c.tr
		c.mu.Unlock()
		if tr == nil {
			return
		}

		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.closed:
			return
		case <-tr.Done():
			if err := c.reconnect(ctx); err != nil {
				log.Error().Str("module", "client").Err(err).Msg("connection lost")
				c.Close()
				c.mu.Lock()
				down := c.onDown
				c.mu.Unlock()
				if down != nil {
					down(err)
				}
				return
			}
			upgrade.Reset(upgradeInterval)
		case <-upgrade.C:
			c.tryUpgrade(ctx)
			upgrade.Reset(upgradeInterval)
		}
	}
}

// reconnect redials with a bounded, linearly growing backoff and
// replays the handshake, rejoining the room if it was joined before.
// Constrained profiles back off twice as slowly; flaky links need the
// extra room.
func (c *Conn) reconnect(ctx context.Context) error {
	step := time.Second
	if c.cfg.Profile.Constrained {
		step = 2 * time.Second
	}

	var lastErr error
	for try := 1; try <= reconnectTries; try++ {
		select {
		case <-time.After(time.Duration(try) * step):
		case <-ctx.Done():
			return ctx.Err()
		}
		log.Info().Str("module", "client").Int("try", try).Msg("reconnecting")

		for _, d := range c.dialers {
			tr, ident, err := c.establish(ctx, d, retryDialBudget)
			if err != nil {
				var authErr *domain.AuthError
				if errors.As(err, &authErr) {
					return err
				}
				lastErr = err
				continue
			}

			c.mu.Lock()
			c.tr = tr
			c.identity = ident
			rejoin := c.joined
			c.mu.Unlock()
			go c.route(tr)

			if rejoin {
				if err := c.JoinRoom(ctx); err != nil {
					log.Warn().Str("module", "client").Err(err).Msg("rejoin failed")
					tr.Close()
					lastErr = err
					continue
				}
			}
			log.Info().Str("module", "client").Str("transport", tr.Name()).Msg("reconnected")
			return nil
		}
	}
	return &domain.TransportError{Op: "reconnect", Err: lastErr}
}

// tryUpgrade swaps a live polling transport for a websocket when one
// becomes reachable. Failure is fine; polling keeps working.
func (c *Conn) tryUpgrade(ctx context.Context) {
	c.mu.Lock()
	cur := c.tr
	c.mu.Unlock()
	if cur == nil || cur.Name() != "poll" {
		return
	}

	tr, ident, err := c.establish(ctx, WSDialer{}, upgradeBudget)
	if err != nil {
		log.Debug().Str("module", "client").Err(err).Msg("ws upgrade not available")
		return
	}

	c.mu.Lock()
	old := c.tr
	c.tr = tr
	c.identity = ident
	rejoin := c.joined
	c.mu.Unlock()
	go c.route(tr)

	if rejoin {
		if err := c.JoinRoom(ctx); err != nil {
			log.Warn().Str("module", "client").Err(err).Msg("upgrade rejoin failed")
		}
	}
	old.Close()
	log.Info().Str("module", "client").Msg("upgraded to websocket")
}

// route fans a transport's inbound envelopes out to the right place.
// It exits when the transport dies; Run handles what happens next.
func (c *Conn) route(tr Transport) {
	for env := range tr.Recv() {
		switch env.Type {
		case domain.TypeRoomJoined:
			var p domain.RoomJoinedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			select {
			case c.joinAck <- p:
			default:
			}
		case domain.TypePong:
			// keepalive reply, nothing to do
		default:
			c.mu.Lock()
			handler := c.onSignal
			c.mu.Unlock()
			if handler != nil {
				handler(env)
			}
		}
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		tr := c.tr
		c.mu.Unlock()
		if tr != nil {
			tr.Close()
		}
	})
}
