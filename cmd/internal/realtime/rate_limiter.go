package realtime

import (
	"sync"
	"time"

	v1 "vigil/shared/contracts/chat/v1"
)

// eventClass partitions inbound traffic by cost. Durable events (message,
// join, leave) reach the stores; ephemeral events (typing, presence, ping)
// are lossy side-channel traffic.
type eventClass uint8

const (
	classDurable eventClass = iota
	classEphemeral
)

// classifyEvent maps an envelope type onto its budget class. Unknown types
// count against the durable budget.
func classifyEvent(envType string) eventClass {
	switch envType {
	case v1.TypeTyping, v1.TypePresence, v1.TypePing:
		return classEphemeral
	default:
		return classDurable
	}
}

// RateLimiter enforces per-connection sliding-window budgets, one per event
// class. The budgets are independent: a typing storm cannot starve message
// sends, and a send flood cannot hide inside the cheaper class.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	budgets [2]classBudget
}

type classBudget struct {
	limit int
	log   []time.Time
}

// NewRateLimiter constructs a limiter with the given per-window budgets.
// Invalid inputs fall back to the package defaults.
func NewRateLimiter(durableLimit, ephemeralLimit int, window time.Duration) *RateLimiter {
	if durableLimit <= 0 {
		durableLimit = rateLimitEvents
	}
	if ephemeralLimit <= 0 {
		ephemeralLimit = rateLimitSideEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}

	rl := &RateLimiter{window: window}
	rl.budgets[classDurable] = classBudget{limit: durableLimit}
	rl.budgets[classEphemeral] = classBudget{limit: ephemeralLimit}
	return rl
}

// Allow reports whether an event of the given class at time now fits its
// budget, recording it when it does.
func (r *RateLimiter) Allow(class eventClass, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := &r.budgets[class]

	// The log is append-only in time order, so aged-out events form a prefix.
	cut := now.Add(-r.window)
	i := 0
	for i < len(b.log) && !b.log[i].After(cut) {
		i++
	}
	if i > 0 {
		b.log = append(b.log[:0], b.log[i:]...)
	}

	if len(b.log) >= b.limit {
		return false
	}
	b.log = append(b.log, now)
	return true
}
