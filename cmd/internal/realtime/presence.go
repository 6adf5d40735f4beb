package realtime

import (
	"context"
	"sync"
	"time"
)

// PresenceRecord is an ephemeral per-user online indicator.
// It is derived state: never persisted, rebuilt from scratch on restart.
type PresenceRecord struct {
	UserID   string
	LastSeen time.Time
}

// PresenceTracker tracks heartbeat-refreshed online state with expiry.
//
// Entries are checked lazily on read and swept periodically; an entry whose
// last refresh is older than the expiry window reads as offline even if no
// explicit offline signal ever arrived.
type PresenceTracker interface {
	Heartbeat(ctx context.Context, userID string, at time.Time) error
	Online(ctx context.Context, userID string, at time.Time) (bool, time.Time, error)
	OnlineUsers(ctx context.Context, at time.Time) ([]PresenceRecord, error)
	Forget(ctx context.Context, userID string) error
}

// MemoryPresence is the default process-local PresenceTracker.
type MemoryPresence struct {
	expiry time.Duration

	mu      sync.Mutex
	entries map[string]time.Time // user_id -> last heartbeat
}

// NewMemoryPresence constructs a process-local presence tracker.
func NewMemoryPresence(expiry time.Duration) *MemoryPresence {
	if expiry <= 0 {
		expiry = presenceExpiry
	}
	return &MemoryPresence{
		expiry:  expiry,
		entries: make(map[string]time.Time),
	}
}

// Heartbeat refreshes the user's last-seen timestamp.
func (p *MemoryPresence) Heartbeat(_ context.Context, userID string, at time.Time) error {
	if userID == "" {
		return nil
	}
	p.mu.Lock()
	p.entries[userID] = at
	p.mu.Unlock()
	return nil
}

// Online reports whether the user's last heartbeat is within the expiry window.
func (p *MemoryPresence) Online(_ context.Context, userID string, at time.Time) (bool, time.Time, error) {
	p.mu.Lock()
	last, ok := p.entries[userID]
	p.mu.Unlock()

	if !ok {
		return false, time.Time{}, nil
	}
	return at.Sub(last) < p.expiry, last, nil
}

// OnlineUsers returns all users whose last heartbeat is within the expiry window.
func (p *MemoryPresence) OnlineUsers(_ context.Context, at time.Time) ([]PresenceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PresenceRecord, 0, len(p.entries))
	for u, last := range p.entries {
		if at.Sub(last) < p.expiry {
			out = append(out, PresenceRecord{UserID: u, LastSeen: last})
		}
	}
	return out, nil
}

// Forget drops the user's presence entry immediately (explicit disconnect).
func (p *MemoryPresence) Forget(_ context.Context, userID string) error {
	p.mu.Lock()
	delete(p.entries, userID)
	p.mu.Unlock()
	return nil
}

// Sweep removes entries older than the expiry window and returns how many were
// dropped. Called periodically by the gateway so the map does not accumulate
// users that disconnected without a leave.
func (p *MemoryPresence) Sweep(at time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for u, last := range p.entries {
		if at.Sub(last) >= p.expiry {
			delete(p.entries, u)
			n++
		}
	}
	return n
}

// TypingState is an ephemeral per-(room, user) typing flag with expiry.
type typingEntry struct {
	expiresAt     time.Time
	lastBroadcast time.Time
}

// TypingTracker tracks typing flags and debounces their rebroadcast.
//
// Invariant: no entry may read active past its expiry window without a refresh,
// even if no explicit stop signal ever arrives.
type TypingTracker struct {
	expiry   time.Duration
	debounce time.Duration

	mu      sync.Mutex
	entries map[typingKey]typingEntry
}

type typingKey struct {
	roomID string
	userID string
}

// NewTypingTracker constructs a typing tracker.
func NewTypingTracker(expiry, debounce time.Duration) *TypingTracker {
	if expiry <= 0 {
		expiry = typingExpiry
	}
	if debounce <= 0 {
		debounce = typingRebroadcast
	}
	return &TypingTracker{
		expiry:   expiry,
		debounce: debounce,
		entries:  make(map[typingKey]typingEntry),
	}
}

// Start records typing activity and reports whether a broadcast is due.
// Rapid refreshes inside the debounce interval extend the expiry without
// triggering another broadcast.
func (t *TypingTracker) Start(roomID, userID string, at time.Time) (broadcast bool) {
	k := typingKey{roomID: roomID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[k]
	active := ok && at.Before(e.expiresAt)

	broadcast = !active || at.Sub(e.lastBroadcast) >= t.debounce
	if broadcast {
		e.lastBroadcast = at
	}
	e.expiresAt = at.Add(t.expiry)
	t.entries[k] = e
	return broadcast
}

// Stop clears the flag and reports whether it was active (a stop broadcast is
// only due for an active flag).
func (t *TypingTracker) Stop(roomID, userID string, at time.Time) (broadcast bool) {
	k := typingKey{roomID: roomID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[k]
	delete(t.entries, k)
	return ok && at.Before(e.expiresAt)
}

// Active reports whether the (room, user) flag is live, checking expiry lazily.
func (t *TypingTracker) Active(roomID, userID string, at time.Time) bool {
	k := typingKey{roomID: roomID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[k]
	if !ok {
		return false
	}
	if !at.Before(e.expiresAt) {
		delete(t.entries, k)
		return false
	}
	return true
}

// Sweep removes expired flags and returns the keys that lapsed without an
// explicit stop, so the gateway can broadcast their stop events.
func (t *TypingTracker) Sweep(at time.Time) []TypingLapse {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lapsed []TypingLapse
	for k, e := range t.entries {
		if !at.Before(e.expiresAt) {
			delete(t.entries, k)
			lapsed = append(lapsed, TypingLapse{RoomID: k.roomID, UserID: k.userID})
		}
	}
	return lapsed
}

// TypingLapse identifies a typing flag that expired without an explicit stop.
type TypingLapse struct {
	RoomID string
	UserID string
}
