package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns the in-memory registry of live rooms and connections.
// It is intentionally minimal: persistence lives behind MessageStore/RoomStore.
//
// All membership mutation funnels through the lifecycle events of the owning
// connection (join, leave, disconnect); concurrent mutations to different rooms
// proceed independently.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*roomState
	conns map[string]*Conn // session id -> conn
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*roomState),
		conns: make(map[string]*Conn),
	}
}

// getOrCreateRoom returns a stable live-room handle.
func (h *Hub) getOrCreateRoom(roomID, kind string) *roomState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		return r
	}

	r := newRoomState(h.log, roomID, kind)
	h.rooms[roomID] = r
	return r
}

// room returns the live room handle if any connection has it open.
func (h *Hub) room(roomID string) (*roomState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	return r, ok
}

// Register adds a connection to the registry.
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	h.conns[conn.SessionID] = conn
	h.mu.Unlock()
}

// Unregister atomically removes the connection from every room it was
// subscribed to and from the connection registry, then signals its shutdown.
// This ordering guarantees no fanout ever targets a stale session id.
func (h *Hub) Unregister(conn *Conn) {
	if conn == nil {
		return
	}

	for _, roomID := range conn.Rooms() {
		if r, ok := h.room(roomID); ok {
			r.Leave(conn.SessionID)
		}
	}

	h.mu.Lock()
	delete(h.conns, conn.SessionID)
	// Drop live rooms nobody is subscribed to; they are recreated on demand.
	for id, r := range h.rooms {
		if r.Empty() {
			delete(h.rooms, id)
		}
	}
	h.mu.Unlock()

	conn.Close()
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomCount returns the number of rooms with at least one live subscription.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// AvgHeartbeatRTT returns the mean of the last measured heartbeat round-trips
// across live connections, in milliseconds. Zero when no connection has
// completed a round-trip yet.
func (h *Hub) AvgHeartbeatRTT() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var sum, n int64
	for _, c := range h.conns {
		if rtt := c.RTT(); rtt > 0 {
			sum += rtt.Milliseconds()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// UserConnected reports whether the user has at least one live connection.
func (h *Hub) UserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if c.UserID == userID {
			return true
		}
	}
	return false
}
