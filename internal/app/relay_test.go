package app

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/famcall/famcall/internal/domain"
)

func TestRelay_StampsVerifiedSender(t *testing.T) {
	r := NewRegistry()
	target := conn("c1", "callee")
	r.Join(target)
	relay := NewRelay(r, nil)

	env := domain.Envelope{
		Type:    domain.TypeOffer,
		From:    "spoofed-identity",
		Target:  "callee",
		Payload: json.RawMessage(`{"sdp":"x"}`),
	}
	if err := relay.Forward(domain.User{ID: "real-caller"}, env); err != nil {
		t.Fatalf("forward: %v", err)
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if len(target.sent) != 1 {
		t.Fatalf("want 1 delivery, got %d", len(target.sent))
	}
	if got := target.sent[0].From; got != "real-caller" {
		t.Fatalf("spoofed sender must be overridden, got %s", got)
	}
}

func TestRelay_DeliversToEveryDevice(t *testing.T) {
	r := NewRegistry()
	phone := conn("phone", "callee")
	tablet := conn("tablet", "callee")
	r.Join(phone)
	r.Join(tablet)
	relay := NewRelay(r, nil)

	env := domain.Envelope{Type: domain.TypeOffer, Target: "callee"}
	if err := relay.Forward(domain.User{ID: "caller"}, env); err != nil {
		t.Fatalf("forward: %v", err)
	}

	for _, c := range []*stubConn{phone, tablet} {
		c.mu.Lock()
		n := len(c.sent)
		c.mu.Unlock()
		if n != 1 {
			t.Fatalf("conn %s got %d deliveries, want 1", c.id, n)
		}
	}
}

func TestRelay_EmptyRoomDropsSilently(t *testing.T) {
	relay := NewRelay(NewRegistry(), nil)
	env := domain.Envelope{Type: domain.TypeHangup, Target: "absent"}
	if err := relay.Forward(domain.User{ID: "caller"}, env); err != nil {
		t.Fatalf("empty room must not error, got %v", err)
	}
}

func TestRelay_RejectsControlTypes(t *testing.T) {
	relay := NewRelay(NewRegistry(), nil)
	for _, typ := range []string{domain.TypeAuth, domain.TypeJoinRoom, domain.TypePing, "made-up"} {
		err := relay.Forward(domain.User{ID: "caller"}, domain.Envelope{Type: typ, Target: "x"})
		if !errors.Is(err, ErrNotRelayable) {
			t.Fatalf("type %q: want ErrNotRelayable, got %v", typ, err)
		}
	}
}

func TestRelay_BackpressureEvictsSlowConnection(t *testing.T) {
	r := NewRegistry()
	slow := conn("slow", "callee")
	slow.failSend = true
	healthy := conn("healthy", "callee")
	r.Join(slow)
	r.Join(healthy)
	relay := NewRelay(r, nil)

	env := domain.Envelope{Type: domain.TypeICECandidate, Target: "callee"}
	if err := relay.Forward(domain.User{ID: "caller"}, env); err != nil {
		t.Fatalf("forward: %v", err)
	}

	slow.mu.Lock()
	closed := slow.closed
	slow.mu.Unlock()
	if closed != 1 {
		t.Fatalf("slow connection must be closed, closed=%d", closed)
	}
	if got := r.MemberCount("callee"); got != 1 {
		t.Fatalf("slow connection must leave the room, members=%d", got)
	}
	healthy.mu.Lock()
	delivered := len(healthy.sent)
	healthy.mu.Unlock()
	if delivered != 1 {
		t.Fatalf("healthy connection must still get the signal, got %d", delivered)
	}
}

func TestRelay_RateLimit(t *testing.T) {
	r := NewRegistry()
	r.Join(conn("c1", "callee"))
	limiter := NewRateLimiter(2, time.Minute)
	relay := NewRelay(r, limiter)

	from := domain.User{ID: "caller"}
	env := domain.Envelope{Type: domain.TypeOffer, Target: "callee"}
	for i := 0; i < 2; i++ {
		if err := relay.Forward(from, env); err != nil {
			t.Fatalf("forward %d: %v", i, err)
		}
	}
	if err := relay.Forward(from, env); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}
