package signal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/famcall/famcall/internal/app"
	"github.com/famcall/famcall/internal/auth"
	"github.com/famcall/famcall/internal/domain"
)

type stubPeer struct {
	id app.ConnID

	mu     sync.Mutex
	user   domain.User
	sent   []domain.Envelope
	closed int
}

func (p *stubPeer) ID() app.ConnID { return p.id }

func (p *stubPeer) User() domain.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

func (p *stubPeer) SetUser(u domain.User) {
	p.mu.Lock()
	p.user = u
	p.mu.Unlock()
}

func (p *stubPeer) TrySend(env domain.Envelope) error {
	p.mu.Lock()
	p.sent = append(p.sent, env)
	p.mu.Unlock()
	return nil
}

func (p *stubPeer) Close() {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}

func (p *stubPeer) lastSent(t *testing.T) domain.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		t.Fatalf("nothing was sent")
	}
	return p.sent[len(p.sent)-1]
}

func newDispatcher() *Dispatcher {
	registry := app.NewRegistry()
	return &Dispatcher{
		Verifier: auth.NewVerifier(auth.NewInsecureProvider()),
		Registry: registry,
		Relay:    app.NewRelay(registry, app.NewRateLimiter(100, time.Minute)),
	}
}

func authEnvelope(token string) domain.Envelope {
	return domain.MustEnvelope(domain.TypeAuth, "", domain.AuthPayload{Token: token})
}

func TestDispatch_HappyHandshake(t *testing.T) {
	d := newDispatcher()
	peer := &stubPeer{id: "p1"}
	st := &PeerState{}
	ctx := context.Background()

	if drop := d.Dispatch(ctx, st, peer, authEnvelope("dependent-token-kid1")); drop {
		t.Fatalf("valid auth must not drop")
	}
	ok := peer.lastSent(t)
	if ok.Type != domain.TypeAuthOK {
		t.Fatalf("want auth-ok, got %s", ok.Type)
	}
	var payload domain.AuthOKPayload
	if err := json.Unmarshal(ok.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.UserID != "kid1" || payload.Role != domain.RoleDependent {
		t.Fatalf("identity mismatch: %+v", payload)
	}

	if drop := d.Dispatch(ctx, st, peer, domain.Envelope{Type: domain.TypeJoinRoom}); drop {
		t.Fatalf("join must not drop")
	}
	joined := peer.lastSent(t)
	if joined.Type != domain.TypeRoomJoined {
		t.Fatalf("want room-joined, got %s", joined.Type)
	}
	if got := d.Registry.MemberCount("kid1"); got != 1 {
		t.Fatalf("want registry membership, got %d", got)
	}
}

func TestDispatch_FirstMessageMustBeAuth(t *testing.T) {
	d := newDispatcher()
	peer := &stubPeer{id: "p1"}

	drop := d.Dispatch(context.Background(), &PeerState{}, peer, domain.Envelope{Type: domain.TypeOffer, Target: "x"})
	if !drop {
		t.Fatalf("pre-auth signal must drop the connection")
	}
	if got := peer.lastSent(t).Type; got != domain.TypeAuthError {
		t.Fatalf("want auth-error, got %s", got)
	}
}

func TestDispatch_BadTokenDrops(t *testing.T) {
	d := newDispatcher()
	peer := &stubPeer{id: "p1"}

	drop := d.Dispatch(context.Background(), &PeerState{}, peer, authEnvelope(""))
	if !drop {
		t.Fatalf("rejected auth must drop")
	}
	if got := peer.lastSent(t).Type; got != domain.TypeAuthError {
		t.Fatalf("want auth-error, got %s", got)
	}
}

func TestDispatch_SignalBeforeJoinRejected(t *testing.T) {
	d := newDispatcher()
	peer := &stubPeer{id: "p1"}
	st := &PeerState{}
	ctx := context.Background()

	d.Dispatch(ctx, st, peer, authEnvelope("dependent-token-kid1"))
	if drop := d.Dispatch(ctx, st, peer, domain.Envelope{Type: domain.TypeOffer, Target: "peer"}); drop {
		t.Fatalf("unjoined signal is an error, not a drop")
	}
	last := peer.lastSent(t)
	if last.Type != domain.TypeError {
		t.Fatalf("want error envelope, got %s", last.Type)
	}
	var p domain.ErrorPayload
	if err := json.Unmarshal(last.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "ERR_NOT_JOINED" {
		t.Fatalf("want ERR_NOT_JOINED, got %s", p.Code)
	}
}

func TestDispatch_RelaysBetweenJoinedPeers(t *testing.T) {
	d := newDispatcher()
	ctx := context.Background()

	caller := &stubPeer{id: "c"}
	callerState := &PeerState{}
	d.Dispatch(ctx, callerState, caller, authEnvelope("dependent-token-caller"))
	d.Dispatch(ctx, callerState, caller, domain.Envelope{Type: domain.TypeJoinRoom})

	callee := &stubPeer{id: "d"}
	calleeState := &PeerState{}
	d.Dispatch(ctx, calleeState, callee, authEnvelope("dependent-token-callee"))
	d.Dispatch(ctx, calleeState, callee, domain.Envelope{Type: domain.TypeJoinRoom})

	offer := domain.Envelope{Type: domain.TypeOffer, Target: "callee", Payload: json.RawMessage(`{"sdp":"x"}`)}
	if drop := d.Dispatch(ctx, callerState, caller, offer); drop {
		t.Fatalf("relay must not drop sender")
	}

	got := callee.lastSent(t)
	if got.Type != domain.TypeOffer {
		t.Fatalf("want relayed offer, got %s", got.Type)
	}
	if got.From != "caller" {
		t.Fatalf("relay must stamp verified sender, got %s", got.From)
	}
}

func TestDispatch_PingPong(t *testing.T) {
	d := newDispatcher()
	peer := &stubPeer{id: "p1"}
	st := &PeerState{}
	ctx := context.Background()

	d.Dispatch(ctx, st, peer, authEnvelope("dependent-token-kid1"))
	d.Dispatch(ctx, st, peer, domain.Envelope{Type: domain.TypePing})
	if got := peer.lastSent(t).Type; got != domain.TypePong {
		t.Fatalf("want pong, got %s", got)
	}
}

func TestDisconnect_ReleasesRateBudgetWithLastConnection(t *testing.T) {
	registry := app.NewRegistry()
	relay := app.NewRelay(registry, app.NewRateLimiter(1, time.Hour))
	d := &Dispatcher{
		Verifier: auth.NewVerifier(auth.NewInsecureProvider()),
		Registry: registry,
		Relay:    relay,
	}
	ctx := context.Background()

	callee := &stubPeer{id: "callee-conn"}
	calleeState := &PeerState{}
	d.Dispatch(ctx, calleeState, callee, authEnvelope("dependent-token-callee"))
	d.Dispatch(ctx, calleeState, callee, domain.Envelope{Type: domain.TypeJoinRoom})

	phone := &stubPeer{id: "phone"}
	phoneState := &PeerState{}
	d.Dispatch(ctx, phoneState, phone, authEnvelope("dependent-token-caller"))
	d.Dispatch(ctx, phoneState, phone, domain.Envelope{Type: domain.TypeJoinRoom})

	tablet := &stubPeer{id: "tablet"}
	tabletState := &PeerState{}
	d.Dispatch(ctx, tabletState, tablet, authEnvelope("dependent-token-caller"))
	d.Dispatch(ctx, tabletState, tablet, domain.Envelope{Type: domain.TypeJoinRoom})

	offer := domain.Envelope{Type: domain.TypeOffer, Target: "callee"}
	d.Dispatch(ctx, phoneState, phone, offer)
	d.Dispatch(ctx, phoneState, phone, offer)
	var p domain.ErrorPayload
	if err := json.Unmarshal(phone.lastSent(t).Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "ERR_RATE_LIMITED" {
		t.Fatalf("budget of 1 must limit the second offer, got %s", p.Code)
	}

	// another device is still connected, history must survive
	d.Disconnect(phoneState, phone)
	d.Dispatch(ctx, tabletState, tablet, offer)
	if err := json.Unmarshal(tablet.lastSent(t).Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "ERR_RATE_LIMITED" {
		t.Fatalf("history must persist while a device remains, got %s", p.Code)
	}

	// the last disconnect releases it
	d.Disconnect(tabletState, tablet)
	fresh := &stubPeer{id: "fresh"}
	freshState := &PeerState{}
	d.Dispatch(ctx, freshState, fresh, authEnvelope("dependent-token-caller"))
	d.Dispatch(ctx, freshState, fresh, domain.Envelope{Type: domain.TypeJoinRoom})
	d.Dispatch(ctx, freshState, fresh, offer)

	if got := callee.lastSent(t); got.Type != domain.TypeOffer {
		t.Fatalf("budget must reset after last disconnect, callee last saw %s", got.Type)
	}
}

func TestDisconnect_LeavesRegistry(t *testing.T) {
	d := newDispatcher()
	peer := &stubPeer{id: "p1"}
	st := &PeerState{}
	ctx := context.Background()

	d.Dispatch(ctx, st, peer, authEnvelope("dependent-token-kid1"))
	d.Dispatch(ctx, st, peer, domain.Envelope{Type: domain.TypeJoinRoom})
	d.Disconnect(st, peer)

	if got := d.Registry.MemberCount("kid1"); got != 0 {
		t.Fatalf("disconnect must leave the room, got %d members", got)
	}
}
