package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/domain"
)

var (
	ErrManagerClosed  = errors.New("call manager closed")
	ErrCallInProgress = errors.New("a call session already exists")
	ErrNoSession      = errors.New("no call session")
	ErrNoPendingOffer = errors.New("no pending offer")
)

// session is the loop-owned record of one call attempt. At most one
// exists per connection; it is fully cleared on any terminal
// transition.
type session struct {
	id         domain.CallID
	direction  domain.Direction
	state      domain.CallState
	peer       domain.UserID
	localRole  domain.Role
	remoteRole domain.Role

	// pending holds an inbound offer until the user accepts or
	// declines it.
	pending json.RawMessage
	// candidates that arrived before a negotiation handle existed
	backlog []json.RawMessage

	capture   Capture
	neg       Negotiator
	negCancel context.CancelFunc

	dialTimer  *time.Timer
	graceTimer *time.Timer

	answered    bool
	mediaSeen   bool
	restartUsed bool
}

// Deps are the collaborators a Manager needs; all injected, none
// global.
type Deps struct {
	Sender    Sender
	Media     MediaProvider
	Negotiate NegotiatorFactory
	Directory Directory
	Notifier  Notifier
}

// Manager drives the call-session state machine. All session state is
// owned by the single loop started with Run; public methods post
// commands into it, so no locking guards the session itself.
//
// Subscriber callbacks run on the loop goroutine and must not call
// back into the Manager synchronously.
type Manager struct {
	cfg   Config
	local domain.User
	deps  Deps

	ops    chan func()
	closed chan struct{}
	runCtx context.Context

	sess *session

	nextSubID int
	stateSubs map[int]func(Snapshot)
	permSubs  map[int]func(Permissions)
}

func NewManager(cfg Config, local domain.User, deps Deps) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		local:     local,
		deps:      deps,
		ops:       make(chan func(), 64),
		closed:    make(chan struct{}),
		stateSubs: make(map[int]func(Snapshot)),
		permSubs:  make(map[int]func(Permissions)),
	}
}

// Run executes the session loop until ctx is cancelled. Everything
// that mutates session state runs here.
func (m *Manager) Run(ctx context.Context) {
	m.runCtx = ctx
	defer close(m.closed)
	for {
		select {
		case <-ctx.Done():
			if m.sess != nil {
				m.terminate(domain.CallEnded)
			}
			return
		case fn := <-m.ops:
			fn()
		}
	}
}

func (m *Manager) post(fn func()) bool {
	select {
	case m.ops <- fn:
		return true
	case <-m.closed:
		return false
	}
}

func (m *Manager) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !m.post(func() { errc <- fn() }) {
		return ErrManagerClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dial starts an outgoing call. It acquires local media (degrading to
// audio-only if needed), creates the negotiation offer, transmits it
// and arms the dial timeout.
func (m *Manager) Dial(ctx context.Context, target domain.UserID) error {
	return m.call(ctx, func() error { return m.dial(target) })
}

// Accept answers the held inbound offer of a ringing session. The
// session stays Ringing until inbound media is observed; only then
// does it become Active.
func (m *Manager) Accept(ctx context.Context) error {
	return m.call(ctx, func() error { return m.accept() })
}

// Decline rejects the held inbound offer and ends the session.
func (m *Manager) Decline(ctx context.Context) error {
	return m.call(ctx, func() error { return m.decline() })
}

// Cancel aborts a not-yet-answered call, gated by the permission
// policy. A denied cancel sends nothing.
func (m *Manager) Cancel(ctx context.Context) error {
	return m.call(ctx, func() error { return m.cancelCall() })
}

// Hangup ends the call, gated by the permission policy. A denied
// hangup sends nothing and leaves the call untouched.
func (m *Manager) Hangup(ctx context.Context) error {
	return m.call(ctx, func() error { return m.hangup() })
}

// HandleSignal feeds one relayed envelope into the session loop. Safe
// to call from the connection's receive goroutine.
func (m *Manager) HandleSignal(env domain.Envelope) {
	m.post(func() { m.handleSignal(env) })
}

// Current returns the session snapshot, if any.
func (m *Manager) Current(ctx context.Context) (Snapshot, bool) {
	var (
		snap Snapshot
		ok   bool
	)
	_ = m.call(ctx, func() error {
		if m.sess != nil {
			snap, ok = m.snapshot(), true
		}
		return nil
	})
	return snap, ok
}

// Subscribe registers a state listener; the returned func removes it.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	var id int
	m.post(func() {
		id = m.nextSubID
		m.nextSubID++
		m.stateSubs[id] = fn
		if m.sess != nil {
			fn(m.snapshot())
		}
	})
	return func() { m.post(func() { delete(m.stateSubs, id) }) }
}

// SubscribePermissions registers a permissions listener, notified on
// every state or role change.
func (m *Manager) SubscribePermissions(fn func(Permissions)) (unsubscribe func()) {
	var id int
	m.post(func() {
		id = m.nextSubID
		m.nextSubID++
		m.permSubs[id] = fn
		fn(m.permissions())
	})
	return func() { m.post(func() { delete(m.permSubs, id) }) }
}

// ----- loop-side command handlers -----

func (m *Manager) dial(target domain.UserID) error {
	if m.sess != nil {
		return ErrCallInProgress
	}

	s := &session{
		id:         domain.NewCallID(),
		direction:  domain.DirectionOutgoing,
		state:      domain.CallDialing,
		peer:       target,
		localRole:  m.local.Role,
		remoteRole: m.resolveRole(target),
	}

	capture, err := m.acquireMedia()
	if err != nil {
		return err
	}
	s.capture = capture

	if err := m.attachNegotiator(s); err != nil {
		capture.Stop()
		return err
	}

	offer, err := s.neg.CreateOffer(m.runCtx)
	if err != nil {
		m.sess = s
		m.terminate(domain.CallFailed)
		return &domain.NegotiationError{Op: "create offer", Err: err}
	}

	m.sess = s
	if err := m.deps.Sender.Send(domain.Envelope{Type: domain.TypeOffer, Target: target, Payload: offer}); err != nil {
		m.terminate(domain.CallFailed)
		return &domain.TransportError{Op: "send offer", Err: err}
	}

	id := s.id
	s.dialTimer = time.AfterFunc(m.cfg.DialTimeout, func() {
		m.post(func() { m.onDialTimeout(id) })
	})

	log.Info().Str("module", "call").Str("call", string(s.id)).Str("target", string(target)).Msg("dialing")
	m.notifyState()
	m.notifyPermissions()
	return nil
}

func (m *Manager) accept() error {
	s := m.sess
	if s == nil || s.direction != domain.DirectionIncoming || s.state != domain.CallRinging {
		return ErrNoSession
	}
	if s.pending == nil {
		return ErrNoPendingOffer
	}

	capture, err := m.acquireMedia()
	if err != nil {
		m.terminate(domain.CallFailed)
		return err
	}
	s.capture = capture

	if err := m.attachNegotiator(s); err != nil {
		m.terminate(domain.CallFailed)
		return err
	}

	answer, err := s.neg.ApplyOfferAndCreateAnswer(s.pending)
	if err != nil {
		m.terminate(domain.CallFailed)
		return &domain.NegotiationError{Op: "apply offer", Err: err}
	}
	s.pending = nil

	for _, c := range s.backlog {
		if err := s.neg.AddRemoteCandidate(c); err != nil {
			log.Warn().Str("module", "call").Err(err).Msg("backlogged candidate rejected")
		}
	}
	s.backlog = nil

	if err := m.deps.Sender.Send(domain.Envelope{Type: domain.TypeAnswer, Target: s.peer, Payload: answer}); err != nil {
		m.terminate(domain.CallFailed)
		return &domain.TransportError{Op: "send answer", Err: err}
	}
	s.answered = true
	log.Info().Str("module", "call").Str("call", string(s.id)).Msg("accepted, waiting for inbound media")

	// Not Active yet: producing an answer is not the same as media
	// flowing. onInboundMedia completes the transition.
	return nil
}

func (m *Manager) decline() error {
	s := m.sess
	if s == nil || s.direction != domain.DirectionIncoming || s.pending == nil {
		return ErrNoPendingOffer
	}
	err := m.deps.Sender.Send(domain.Envelope{Type: domain.TypeCancel, Target: s.peer})
	m.terminate(domain.CallEnded)
	if err != nil {
		return &domain.TransportError{Op: "send cancel", Err: err}
	}
	return nil
}

func (m *Manager) cancelCall() error {
	s := m.sess
	if s == nil {
		return ErrNoSession
	}
	perms := m.permissions()
	if !perms.CanCancel {
		return &domain.PolicyError{Action: "cancel", Reason: "call already answered"}
	}
	err := m.deps.Sender.Send(domain.Envelope{Type: domain.TypeCancel, Target: s.peer})
	m.terminate(domain.CallEnded)
	if err != nil {
		return &domain.TransportError{Op: "send cancel", Err: err}
	}
	return nil
}

func (m *Manager) hangup() error {
	s := m.sess
	if s == nil {
		return ErrNoSession
	}
	perms := m.permissions()
	if !perms.CanEnd {
		// Denied actions never reach the relay; the call continues.
		return &domain.PolicyError{Action: "hangup", Reason: perms.Reason}
	}

	typ := domain.TypeHangup
	if s.state.PreAnswer() {
		typ = domain.TypeCancel
	}
	err := m.deps.Sender.Send(domain.Envelope{Type: typ, Target: s.peer})
	m.terminate(domain.CallEnded)
	if err != nil {
		return &domain.TransportError{Op: "send " + typ, Err: err}
	}
	return nil
}

// ----- loop-side signal handlers -----

func (m *Manager) handleSignal(env domain.Envelope) {
	switch env.Type {
	case domain.TypeOffer:
		m.onOffer(env)
	case domain.TypeAnswer:
		m.onAnswer(env)
	case domain.TypeICECandidate:
		m.onCandidate(env)
	case domain.TypeCancel:
		m.onCancel(env)
	case domain.TypeHangup:
		m.onHangup(env)
	case domain.TypeError:
		var p domain.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		log.Warn().Str("module", "call").Str("code", p.Code).Str("message", p.Message).Msg("server error")
	default:
		log.Debug().Str("module", "call").Str("type", env.Type).Msg("ignoring signal")
	}
}

func (m *Manager) onOffer(env domain.Envelope) {
	if env.From == "" {
		return
	}
	if s := m.sess; s != nil {
		// A re-offer for the same in-flight incoming call replaces the
		// held offer.
		if s.direction == domain.DirectionIncoming && s.state == domain.CallRinging && s.peer == env.From && s.pending != nil {
			s.pending = env.Payload
			return
		}
		// A mid-call offer from the peer is a connectivity restart:
		// answer it on the existing handle.
		if s.state == domain.CallActive && s.peer == env.From && s.neg != nil {
			answer, err := s.neg.ApplyOfferAndCreateAnswer(env.Payload)
			if err != nil {
				log.Warn().Str("module", "call").Err(err).Msg("restart offer rejected")
				return
			}
			if err := m.deps.Sender.Send(domain.Envelope{Type: domain.TypeAnswer, Target: s.peer, Payload: answer}); err != nil {
				log.Warn().Str("module", "call").Err(err).Msg("restart answer send failed")
			}
			return
		}
		log.Info().Str("module", "call").Str("from", string(env.From)).Msg("busy, ignoring offer")
		return
	}

	s := &session{
		id:         domain.NewCallID(),
		direction:  domain.DirectionIncoming,
		state:      domain.CallRinging,
		peer:       env.From,
		localRole:  m.local.Role,
		remoteRole: m.resolveRole(env.From),
		pending:    env.Payload,
	}
	m.sess = s

	name := string(env.From)
	if m.deps.Directory != nil {
		if display, _, ok := m.deps.Directory.Resolve(env.From); ok {
			name = display
		}
	}
	if m.deps.Notifier != nil {
		m.deps.Notifier.IncomingCall(env.From, name)
	}

	log.Info().Str("module", "call").Str("call", string(s.id)).Str("from", string(env.From)).Msg("ringing")
	m.notifyState()
	m.notifyPermissions()
}

func (m *Manager) onAnswer(env domain.Envelope) {
	s := m.sess
	if s != nil && s.state == domain.CallActive && s.peer == env.From && s.neg != nil {
		// Answer to a connectivity-restart offer.
		if err := s.neg.ApplyAnswer(env.Payload); err != nil {
			log.Warn().Str("module", "call").Err(err).Msg("restart answer rejected")
		}
		return
	}
	if s == nil || s.direction != domain.DirectionOutgoing || s.state != domain.CallDialing || s.peer != env.From {
		log.Debug().Str("module", "call").Str("from", string(env.From)).Msg("stale answer, ignoring")
		return
	}
	s.stopDialTimer()
	if err := s.neg.ApplyAnswer(env.Payload); err != nil {
		log.Error().Str("module", "call").Err(err).Msg("answer rejected")
		m.terminate(domain.CallFailed)
		return
	}
	s.answered = true
	if s.mediaSeen {
		m.toActive()
	}
}

func (m *Manager) onCandidate(env domain.Envelope) {
	s := m.sess
	if s == nil || s.peer != env.From {
		return
	}
	if s.neg == nil {
		// Candidates can outrun the accept; hold them for the handle.
		s.backlog = append(s.backlog, env.Payload)
		return
	}
	if err := s.neg.AddRemoteCandidate(env.Payload); err != nil {
		log.Warn().Str("module", "call").Err(err).Msg("candidate rejected")
	}
}

func (m *Manager) onCancel(env domain.Envelope) {
	s := m.sess
	if s == nil || s.peer != env.From || !s.state.PreAnswer() {
		return
	}
	log.Info().Str("module", "call").Str("call", string(s.id)).Msg("cancelled by peer")
	m.terminate(domain.CallEnded)
}

func (m *Manager) onHangup(env domain.Envelope) {
	s := m.sess
	if s == nil || s.peer != env.From {
		return
	}
	log.Info().Str("module", "call").Str("call", string(s.id)).Msg("hangup by peer")
	m.terminate(domain.CallEnded)
}

// ----- loop-side negotiation events -----

func (m *Manager) onInboundMedia(id domain.CallID) {
	s := m.current(id)
	if s == nil {
		return
	}
	s.mediaSeen = true
	s.stopGraceTimer()
	if s.answered && s.state.PreAnswer() {
		m.toActive()
	}
}

func (m *Manager) onTransportFailure(id domain.CallID, cause error) {
	s := m.current(id)
	if s == nil || s.graceTimer != nil {
		return
	}
	window := m.cfg.GraceWindow
	if m.cfg.Profile.Constrained {
		window = m.cfg.ConstrainedGraceWindow
		if !s.restartUsed && s.neg != nil {
			s.restartUsed = true
			if offer, err := s.neg.RestartICE(); err != nil {
				log.Warn().Str("module", "call").Err(err).Msg("ICE restart failed")
			} else if err := m.deps.Sender.Send(domain.Envelope{Type: domain.TypeOffer, Target: s.peer, Payload: offer}); err != nil {
				log.Warn().Str("module", "call").Err(err).Msg("restart offer send failed")
			}
		}
	}
	log.Warn().Str("module", "call").Str("call", string(s.id)).Err(cause).
		Dur("grace", window).Msg("negotiation transport failing, grace window started")
	s.graceTimer = time.AfterFunc(window, func() {
		m.post(func() { m.onGraceElapsed(id) })
	})
}

func (m *Manager) onTransportRecovered(id domain.CallID) {
	s := m.current(id)
	if s == nil {
		return
	}
	if s.graceTimer != nil {
		log.Info().Str("module", "call").Str("call", string(s.id)).Msg("negotiation transport recovered")
	}
	s.stopGraceTimer()
}

func (m *Manager) onGraceElapsed(id domain.CallID) {
	s := m.current(id)
	if s == nil {
		return
	}
	log.Error().Str("module", "call").Str("call", string(s.id)).Msg("negotiation transport did not recover")
	m.terminate(domain.CallFailed)
}

func (m *Manager) onTransportClosed(id domain.CallID) {
	s := m.current(id)
	if s == nil {
		return
	}
	if s.state == domain.CallActive {
		m.terminate(domain.CallEnded)
		return
	}
	m.terminate(domain.CallFailed)
}

func (m *Manager) onDialTimeout(id domain.CallID) {
	s := m.current(id)
	if s == nil || s.state != domain.CallDialing {
		return
	}
	log.Warn().Str("module", "call").Str("call", string(s.id)).Msg("no answer before dial timeout")
	m.terminate(domain.CallFailed)
}

// ----- helpers (loop-side) -----

// current guards stale events: a timer or hook that outlives its
// session must never act on a newer one.
func (m *Manager) current(id domain.CallID) *session {
	if m.sess == nil || m.sess.id != id {
		return nil
	}
	return m.sess
}

func (m *Manager) resolveRole(id domain.UserID) domain.Role {
	if m.deps.Directory != nil {
		if _, role, ok := m.deps.Directory.Resolve(id); ok {
			return role
		}
	}
	return ""
}

func (m *Manager) acquireMedia() (Capture, error) {
	capture, err := m.deps.Media.Acquire(m.runCtx, CaptureAudioVideo)
	if err == nil {
		return capture, nil
	}
	log.Warn().Str("module", "call").Err(err).Msg("full capture failed, degrading to audio-only")
	capture, audioErr := m.deps.Media.Acquire(m.runCtx, CaptureAudioOnly)
	if audioErr == nil {
		return capture, nil
	}
	return nil, &domain.MediaError{Reason: "no usable capture", Err: errors.Join(err, audioErr)}
}

func (m *Manager) attachNegotiator(s *session) error {
	negCtx, cancel := context.WithCancel(m.runCtx)
	neg, err := m.deps.Negotiate(negCtx, s.capture, m.hooks(s.id))
	if err != nil {
		cancel()
		return &domain.NegotiationError{Op: "create handle", Err: err}
	}
	s.neg = neg
	s.negCancel = cancel
	return nil
}

func (m *Manager) hooks(id domain.CallID) Hooks {
	return Hooks{
		OnLocalCandidate: func(c json.RawMessage) {
			m.post(func() { m.sendCandidate(id, c) })
		},
		OnInboundMedia: func() {
			m.post(func() { m.onInboundMedia(id) })
		},
		OnTransportFailure: func(err error) {
			m.post(func() { m.onTransportFailure(id, err) })
		},
		OnTransportRecovered: func() {
			m.post(func() { m.onTransportRecovered(id) })
		},
		OnTransportClosed: func() {
			m.post(func() { m.onTransportClosed(id) })
		},
	}
}

func (m *Manager) sendCandidate(id domain.CallID, c json.RawMessage) {
	s := m.current(id)
	if s == nil {
		return
	}
	if err := m.deps.Sender.Send(domain.Envelope{Type: domain.TypeICECandidate, Target: s.peer, Payload: c}); err != nil {
		log.Warn().Str("module", "call").Err(err).Msg("candidate send failed")
	}
}

func (m *Manager) toActive() {
	s := m.sess
	s.stopDialTimer()
	s.stopGraceTimer()
	s.state = domain.CallActive
	log.Info().Str("module", "call").Str("call", string(s.id)).Msg("active")
	m.notifyState()
	m.notifyPermissions()
}

// terminate is the single cleanup routine reachable from every
// terminal path. It stops timers and media, closes the negotiation
// handle, clears the session and notifies subscribers — exactly once.
func (m *Manager) terminate(final domain.CallState) {
	s := m.sess
	if s == nil {
		return
	}
	// Clear first so events raised by the teardown below find no
	// session and are ignored.
	m.sess = nil

	s.stopDialTimer()
	s.stopGraceTimer()
	if s.capture != nil {
		s.capture.Stop()
	}
	if s.neg != nil {
		s.neg.Close()
	}
	if s.negCancel != nil {
		s.negCancel()
	}
	s.pending = nil
	s.backlog = nil
	s.state = final

	log.Info().Str("module", "call").Str("call", string(s.id)).Str("state", string(final)).Msg("session cleared")

	snap := snapshotOf(s)
	for _, fn := range m.stateSubs {
		fn(snap)
	}
	perms := DerivePermissions(s.direction, final, s.localRole, s.remoteRole)
	for _, fn := range m.permSubs {
		fn(perms)
	}
}

func (m *Manager) permissions() Permissions {
	if m.sess == nil {
		return Permissions{}
	}
	s := m.sess
	return DerivePermissions(s.direction, s.state, s.localRole, s.remoteRole)
}

func (m *Manager) snapshot() Snapshot {
	return snapshotOf(m.sess)
}

func snapshotOf(s *session) Snapshot {
	return Snapshot{
		CallID:     s.id,
		Direction:  s.direction,
		State:      s.state,
		Peer:       s.peer,
		LocalRole:  s.localRole,
		RemoteRole: s.remoteRole,
	}
}

func (m *Manager) notifyState() {
	if m.sess == nil {
		return
	}
	snap := m.snapshot()
	for _, fn := range m.stateSubs {
		fn(snap)
	}
}

func (m *Manager) notifyPermissions() {
	perms := m.permissions()
	for _, fn := range m.permSubs {
		fn(perms)
	}
}

func (s *session) stopDialTimer() {
	if s.dialTimer != nil {
		s.dialTimer.Stop()
		s.dialTimer = nil
	}
}

func (s *session) stopGraceTimer() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}
