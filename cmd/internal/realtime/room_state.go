package realtime

import (
	"log/slog"
	"sync"

	v1 "vigil/shared/contracts/chat/v1"
)

// roomState is the live side of a room: the set of currently subscribed
// connections and the broadcast fanout primitive. Authorization membership
// lives in RoomStore; a member without a live subscription simply does not
// receive live events.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Conn.Send is never closed by the server.
type roomState struct {
	log  *slog.Logger
	ID   string
	Kind string

	mu      sync.RWMutex
	members map[string]*Conn // session id -> conn

	// fanout serializes the persist-then-broadcast path against a join with
	// history replay, so a resuming subscriber observes every message exactly
	// once: replayed from history or delivered live, never neither.
	fanout sync.Mutex
}

func newRoomState(log *slog.Logger, id, kind string) *roomState {
	return &roomState{
		log:     log,
		ID:      id,
		Kind:    kind,
		members: make(map[string]*Conn),
	}
}

// Join adds a connection to the live subscription set. Idempotent.
func (r *roomState) Join(conn *Conn) {
	if r == nil || conn == nil || conn.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[conn.SessionID] = conn
	r.mu.Unlock()

	conn.TrackRoom(r.ID)
	r.log.Info("room.subscribe", "room_id", r.ID, "session_id", conn.SessionID, "user_id", conn.UserID)
}

// Leave removes a connection from the live subscription set.
// The connection itself stays alive; only routing for this room is torn down.
func (r *roomState) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	conn := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if conn != nil {
		conn.UntrackRoom(r.ID)
	}
	r.log.Info("room.unsubscribe", "room_id", r.ID, "session_id", sessionID)
}

// Broadcast fans an envelope out to all subscribed connections.
// Non-blocking: if a member queue is full or the connection is shutting down,
// the envelope is dropped for that member. Returns how many members it reached
// and how many drops occurred.
func (r *roomState) Broadcast(env v1.Envelope) (delivered, dropped int) {
	if r == nil {
		return 0, 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip connections that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
			delivered++
		default:
			// Drop rather than block the whole room.
			dropped++
		}
	}
	return delivered, dropped
}

// ConnectedUsers returns the user ids with at least one live subscription.
func (r *roomState) ConnectedUsers() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]struct{}, len(r.members))
	for _, m := range r.members {
		if m != nil {
			out[m.UserID] = struct{}{}
		}
	}
	return out
}

// Empty reports whether no connection is subscribed.
func (r *roomState) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}
