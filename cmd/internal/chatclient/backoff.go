package chatclient

import (
	"math/rand"
	"time"
)

const (
	backoffBase        = 500 * time.Millisecond
	backoffFactor      = 2.0
	backoffCap         = 30 * time.Second
	backoffJitterRatio = 0.2
	backoffMaxAttempts = 8
)

// Backoff computes reconnect delays: exponential growth from Base, capped at
// Cap, with symmetric jitter applied after capping. The pre-jitter schedule is
// non-decreasing in the attempt number.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	JitterRatio float64
	MaxAttempts int

	// rnd is injectable for deterministic tests; nil uses the global source.
	rnd *rand.Rand
}

// NewBackoff returns the default reconnect schedule.
func NewBackoff() *Backoff {
	return &Backoff{
		Base:        backoffBase,
		Factor:      backoffFactor,
		Cap:         backoffCap,
		JitterRatio: backoffJitterRatio,
		MaxAttempts: backoffMaxAttempts,
	}
}

// Delay returns the wait before reconnect attempt n (first attempt is 1).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Cap) {
			d = float64(b.Cap)
			break
		}
	}
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}

	if b.JitterRatio > 0 {
		// Uniform in [-ratio, +ratio].
		f := b.float64()
		d += d * b.JitterRatio * (2*f - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether the attempt budget is spent.
func (b *Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}

func (b *Backoff) float64() float64 {
	if b.rnd != nil {
		return b.rnd.Float64()
	}
	return rand.Float64()
}
