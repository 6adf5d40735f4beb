package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "vigil/shared/contracts/chat/v1"
)

// Conn represents one connected websocket session on the server.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Conn struct {
	SessionID string
	UserID    string
	Role      string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	lastHeartbeat atomic.Int64 // unix millis
	rttMillis     atomic.Int64 // last measured heartbeat RTT

	mu    sync.Mutex
	rooms []string // subscribed room ids, in subscribe order
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(userID, role, sessionID string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	c := &Conn{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().UnixMilli())
	return c
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TouchHeartbeat records a completed heartbeat round-trip.
func (c *Conn) TouchHeartbeat(at time.Time, rtt time.Duration) {
	c.lastHeartbeat.Store(at.UnixMilli())
	c.rttMillis.Store(rtt.Milliseconds())
}

// LastHeartbeat returns the time of the last completed round-trip.
func (c *Conn) LastHeartbeat() time.Time {
	return time.UnixMilli(c.lastHeartbeat.Load()).UTC()
}

// RTT returns the last measured heartbeat round-trip time.
func (c *Conn) RTT() time.Duration {
	return time.Duration(c.rttMillis.Load()) * time.Millisecond
}

// TrackRoom records a subscription, preserving subscribe order. Idempotent.
func (c *Conn) TrackRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rooms {
		if r == roomID {
			return
		}
	}
	c.rooms = append(c.rooms, roomID)
}

// UntrackRoom removes a subscription record.
func (c *Conn) UntrackRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.rooms {
		if r == roomID {
			c.rooms = append(c.rooms[:i], c.rooms[i+1:]...)
			return
		}
	}
}

// Rooms returns the subscribed room ids in subscribe order.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rooms...)
}
