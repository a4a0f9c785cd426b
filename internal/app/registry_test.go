package app

import (
	"fmt"
	"sync"
	"testing"

	"github.com/famcall/famcall/internal/domain"
)

type stubConn struct {
	id   ConnID
	user domain.User

	mu       sync.Mutex
	sent     []domain.Envelope
	failSend bool
	closed   int
}

func (c *stubConn) ID() ConnID        { return c.id }
func (c *stubConn) User() domain.User { return c.user }
func (c *stubConn) Close() {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

func (c *stubConn) TrySend(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return fmt.Errorf("send buffer full")
	}
	c.sent = append(c.sent, env)
	return nil
}

func conn(id string, uid domain.UserID) *stubConn {
	return &stubConn{id: ConnID(id), user: domain.User{ID: uid, Role: domain.RoleGuardian}}
}

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := conn("c1", "alice")

	first := r.Join(c)
	second := r.Join(c)

	if first != second {
		t.Fatalf("rejoin must re-acknowledge identically: %+v vs %+v", first, second)
	}
	if first.Room != "user:alice" {
		t.Fatalf("want room user:alice, got %s", first.Room)
	}
	if got := r.MemberCount("alice"); got != 1 {
		t.Fatalf("want 1 member, got %d", got)
	}
}

func TestRegistry_MultipleDevicesShareRoom(t *testing.T) {
	r := NewRegistry()
	r.Join(conn("phone", "alice"))
	r.Join(conn("tablet", "alice"))

	if got := r.MemberCount("alice"); got != 2 {
		t.Fatalf("want 2 members, got %d", got)
	}
	if got := len(r.Connections("alice")); got != 2 {
		t.Fatalf("want 2 connections, got %d", got)
	}
}

func TestRegistry_RoomDisappearsWithLastMember(t *testing.T) {
	r := NewRegistry()
	c1 := conn("c1", "alice")
	c2 := conn("c2", "alice")
	r.Join(c1)
	r.Join(c2)

	r.Leave(c1)
	if got := r.MemberCount("alice"); got != 1 {
		t.Fatalf("want 1 member after first leave, got %d", got)
	}
	r.Leave(c2)
	if got := r.MemberCount("alice"); got != 0 {
		t.Fatalf("want empty room, got %d members", got)
	}
	if got := r.Connections("alice"); got != nil {
		t.Fatalf("want nil connections for absent room, got %v", got)
	}
}

func TestRegistry_LeaveUnknownConnIsHarmless(t *testing.T) {
	r := NewRegistry()
	r.Leave(conn("ghost", "nobody"))
	if got := r.MemberCount("nobody"); got != 0 {
		t.Fatalf("want 0, got %d", got)
	}
}
