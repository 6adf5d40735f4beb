package chatclient

import (
	"sync"

	v1 "vigil/shared/contracts/chat/v1"
)

// RoomHandlers receives the events of one subscribed room. Nil callbacks are
// skipped. Callbacks run on the client's read loop; they must not block.
type RoomHandlers struct {
	OnMessage  func(v1.MessagePayload)
	OnTyping   func(v1.TypingPayload)
	OnPresence func(v1.PresencePayload)
}

// subscription is the per-room client-side state.
type subscription struct {
	roomID   string
	handlers RoomHandlers

	// lastSeq is the highest seq observed for this room. It seeds the
	// after_seq backfill on resubscribe so no accepted message is missed
	// across a reconnect.
	lastSeq int64

	// joined reflects whether the current connection has an acknowledged
	// subscription; it resets on every reconnect.
	joined bool
}

// mux routes inbound room-scoped envelopes to their handlers and remembers the
// subscription set across reconnects.
type mux struct {
	mu    sync.Mutex
	subs  map[string]*subscription
	order []string // room ids in subscribe order
}

func newMux() *mux {
	return &mux{subs: make(map[string]*subscription)}
}

// subscribe records intent to be in a room. Idempotent: resubscribing an
// existing room only replaces its handlers and keeps its position and lastSeq.
// Returns true when the room is new.
func (m *mux) subscribe(roomID string, h RoomHandlers) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.subs[roomID]; ok {
		s.handlers = h
		return false
	}
	m.subs[roomID] = &subscription{roomID: roomID, handlers: h}
	m.order = append(m.order, roomID)
	return true
}

// unsubscribe drops the room. Returns true when it was subscribed.
func (m *mux) unsubscribe(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[roomID]; !ok {
		return false
	}
	delete(m.subs, roomID)
	for i, id := range m.order {
		if id == roomID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// snapshot returns the subscriptions in subscribe order, with the after_seq
// each resubscribe should carry (nil before any message was observed).
func (m *mux) snapshot() []resubscribe {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]resubscribe, 0, len(m.order))
	for _, id := range m.order {
		s := m.subs[id]
		r := resubscribe{RoomID: id}
		if s.lastSeq > 0 {
			seq := s.lastSeq
			r.AfterSeq = &seq
		}
		out = append(out, r)
	}
	return out
}

type resubscribe struct {
	RoomID   string
	AfterSeq *int64
}

// resetJoined clears the per-connection joined flags (called on disconnect).
func (m *mux) resetJoined() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		s.joined = false
	}
}

// markJoined records a join ack for the room. Returns false for rooms that
// were unsubscribed while the join was in flight.
func (m *mux) markJoined(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[roomID]
	if !ok {
		return false
	}
	s.joined = true
	return true
}

// allJoined reports whether every subscribed room has an acknowledged join on
// the current connection. Vacuously true with no subscriptions.
func (m *mux) allJoined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if !s.joined {
			return false
		}
	}
	return true
}

// dispatchMessage routes an accepted message and advances the room's seq
// high-water mark. Messages for unsubscribed rooms are dropped.
func (m *mux) dispatchMessage(p v1.MessagePayload) {
	m.mu.Lock()
	s, ok := m.subs[p.RoomID]
	if ok && p.Seq > s.lastSeq {
		s.lastSeq = p.Seq
	}
	var h func(v1.MessagePayload)
	if ok {
		h = s.handlers.OnMessage
	}
	m.mu.Unlock()

	if h != nil {
		h(p)
	}
}

func (m *mux) dispatchTyping(p v1.TypingPayload) {
	m.mu.Lock()
	var h func(v1.TypingPayload)
	if s, ok := m.subs[p.RoomID]; ok {
		h = s.handlers.OnTyping
	}
	m.mu.Unlock()

	if h != nil {
		h(p)
	}
}

func (m *mux) dispatchPresence(roomHint string, p v1.PresencePayload) {
	m.mu.Lock()
	var h func(v1.PresencePayload)
	if s, ok := m.subs[roomHint]; ok {
		h = s.handlers.OnPresence
	}
	m.mu.Unlock()

	if h != nil {
		h(p)
	}
}
