package realtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "vigil/shared/contracts/chat/v1"
)

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHubRegisterUnregister(t *testing.T) {
	h := newTestHub()

	alice := NewConn("alice", RoleMember, "s1", 8)
	bob := NewConn("bob", RoleMember, "s2", 8)
	h.Register(alice)
	h.Register(bob)

	r1 := h.getOrCreateRoom("r1", RoomKindGroup)
	r2 := h.getOrCreateRoom("r2", RoomKindGroup)
	r1.Join(alice)
	r2.Join(alice)
	r1.Join(bob)

	if h.ConnCount() != 2 || h.RoomCount() != 2 {
		t.Fatalf("conns=%d rooms=%d, want 2/2", h.ConnCount(), h.RoomCount())
	}

	h.Unregister(alice)

	if h.ConnCount() != 1 {
		t.Fatalf("conns = %d after unregister, want 1", h.ConnCount())
	}
	// r2 had only alice and must be pruned; r1 still holds bob.
	if h.RoomCount() != 1 {
		t.Fatalf("rooms = %d after unregister, want 1", h.RoomCount())
	}
	if _, ok := h.room("r2"); ok {
		t.Fatal("empty room survived unregister")
	}
	if _, ok := h.room("r1"); !ok {
		t.Fatal("occupied room was pruned")
	}

	// The unregistered connection is signalled to stop.
	select {
	case <-alice.Done():
	default:
		t.Fatal("unregistered conn not closed")
	}

	// No fanout targets the removed session.
	delivered, _ := r1.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeMessage})
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1 (bob only)", delivered)
	}
}

func TestHubUserConnected(t *testing.T) {
	h := newTestHub()

	first := NewConn("alice", RoleMember, "s1", 8)
	second := NewConn("alice", RoleMember, "s2", 8)
	h.Register(first)
	h.Register(second)

	if !h.UserConnected("alice") {
		t.Fatal("alice not reported connected")
	}

	// One tab closing does not make the user offline.
	h.Unregister(first)
	if !h.UserConnected("alice") {
		t.Fatal("alice offline with a second live connection")
	}

	h.Unregister(second)
	if h.UserConnected("alice") {
		t.Fatal("alice still connected after both sessions closed")
	}
}

func TestHubAvgHeartbeatRTT(t *testing.T) {
	h := newTestHub()

	if got := h.AvgHeartbeatRTT(); got != 0 {
		t.Fatalf("empty hub rtt = %v, want 0", got)
	}

	a := NewConn("alice", RoleMember, "s1", 8)
	b := NewConn("bob", RoleMember, "s2", 8)
	h.Register(a)
	h.Register(b)

	now := time.Now().UTC()
	a.TouchHeartbeat(now, 10*time.Millisecond)
	b.TouchHeartbeat(now, 30*time.Millisecond)

	if got := h.AvgHeartbeatRTT(); got != 20 {
		t.Fatalf("avg rtt = %v ms, want 20", got)
	}
}

func TestRoomStateBroadcastDropsOnBackpressure(t *testing.T) {
	h := newTestHub()

	slow := NewConn("slow", RoleMember, "s1", 1)
	fast := NewConn("fast", RoleMember, "s2", 8)

	r := h.getOrCreateRoom("r", RoomKindGroup)
	r.Join(slow)
	r.Join(fast)

	env := v1.Envelope{V: v1.Version, Type: v1.TypeMessage}

	delivered, dropped := r.Broadcast(env)
	if delivered != 2 || dropped != 0 {
		t.Fatalf("first broadcast: delivered=%d dropped=%d", delivered, dropped)
	}

	// slow's queue is now full; the next broadcast drops for it without blocking.
	delivered, dropped = r.Broadcast(env)
	if delivered != 1 || dropped != 1 {
		t.Fatalf("second broadcast: delivered=%d dropped=%d, want 1/1", delivered, dropped)
	}
}

func TestRoomStateBroadcastSkipsClosedConns(t *testing.T) {
	h := newTestHub()

	gone := NewConn("gone", RoleMember, "s1", 8)
	live := NewConn("live", RoleMember, "s2", 8)

	r := h.getOrCreateRoom("r", RoomKindGroup)
	r.Join(gone)
	r.Join(live)

	gone.Close()

	delivered, dropped := r.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeMessage})
	if delivered != 1 || dropped != 0 {
		t.Fatalf("delivered=%d dropped=%d, want 1/0", delivered, dropped)
	}
}

func TestConnRoomTracking(t *testing.T) {
	c := NewConn("alice", RoleMember, "s1", 8)

	c.TrackRoom("r1")
	c.TrackRoom("r2")
	c.TrackRoom("r1") // idempotent

	rooms := c.Rooms()
	if len(rooms) != 2 || rooms[0] != "r1" || rooms[1] != "r2" {
		t.Fatalf("rooms = %v, want [r1 r2]", rooms)
	}

	c.UntrackRoom("r1")
	rooms = c.Rooms()
	if len(rooms) != 1 || rooms[0] != "r2" {
		t.Fatalf("rooms after untrack = %v, want [r2]", rooms)
	}
}
