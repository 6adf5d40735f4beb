package chatclient

import (
	"encoding/json"
	"sync"
	"time"

	v1 "vigil/shared/contracts/chat/v1"

	"github.com/google/uuid"
)

const (
	batchWindow    = 40 * time.Millisecond
	ackTimeout     = 10 * time.Second
	maxSendRetries = 3
)

// SendStatus is the lifecycle of an outbound message.
type SendStatus string

const (
	SendQueued       SendStatus = "queued"
	SendInFlight     SendStatus = "sent"
	SendAcknowledged SendStatus = "acknowledged"
	SendFailed       SendStatus = "failed"
)

// Pending tracks one outbound message from enqueue to its terminal state.
// The idempotency key is fixed at enqueue time and reused verbatim on every
// retry, which is what lets the server collapse retries into one record.
type Pending struct {
	RoomID         string
	Text           string
	IdempotencyKey string

	done chan struct{}

	// Guarded by the owning pipeline's mutex.
	status   SendStatus
	attempts int
	sentAt   time.Time

	// Terminal results, readable after done is closed.
	ServerMsgID string
	Seq         int64
	Duplicate   bool
	FailReason  string
}

// Done is closed when the message reaches acknowledged or failed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// pipeline owns the outbound send queue: batching, ack matching, timeout
// retries, and terminal failure after the retry budget is spent.
type pipeline struct {
	mu      sync.Mutex
	queued  []*Pending
	pending map[string]*Pending // idempotency key -> in-flight or queued

	wake chan struct{}
}

func newPipeline() *pipeline {
	return &pipeline{
		pending: make(map[string]*Pending),
		wake:    make(chan struct{}, 1),
	}
}

// enqueue adds a message to the send queue and assigns its idempotency key.
func (pl *pipeline) enqueue(roomID, text string) *Pending {
	p := &Pending{
		RoomID:         roomID,
		Text:           text,
		IdempotencyKey: uuid.NewString(),
		done:           make(chan struct{}),
		status:         SendQueued,
	}

	pl.mu.Lock()
	pl.queued = append(pl.queued, p)
	pl.pending[p.IdempotencyKey] = p
	pl.mu.Unlock()

	pl.signal()
	return p
}

func (pl *pipeline) signal() {
	select {
	case pl.wake <- struct{}{}:
	default:
	}
}

// wakeCh signals pending queued work to the batcher loop.
func (pl *pipeline) wakeCh() <-chan struct{} { return pl.wake }

// depth reports the number of queued, not yet collected, messages.
func (pl *pipeline) depth() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.queued)
}

// flushDelay is how long the batcher holds before collecting: a lone message
// flushes immediately, a burst coalesces for one batch window.
func flushDelay(depth int) time.Duration {
	if depth <= 1 {
		return 0
	}
	return batchWindow
}

// collectBatch drains the queue into wire envelopes and marks each message
// in flight. Returns nil when nothing is queued.
func (pl *pipeline) collectBatch(now time.Time) []v1.Envelope {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if len(pl.queued) == 0 {
		return nil
	}

	envs := make([]v1.Envelope, 0, len(pl.queued))
	for _, p := range pl.queued {
		p.status = SendInFlight
		p.attempts++
		p.sentAt = now

		payload, _ := json.Marshal(v1.MessageSendPayload{RoomID: p.RoomID, Text: p.Text})
		envs = append(envs, v1.Envelope{
			V:              v1.Version,
			Type:           v1.TypeMessage,
			RoomID:         p.RoomID,
			IdempotencyKey: p.IdempotencyKey,
			TS:             v1.Millis(now),
			Payload:        payload,
		})
	}
	pl.queued = pl.queued[:0]
	return envs
}

// ack resolves an in-flight message by its idempotency key. Unknown keys
// (acks for messages resolved by an earlier retry) are ignored.
func (pl *pipeline) ack(a v1.MessageAckPayload) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p, ok := pl.pending[a.IdempotencyKey]
	if !ok {
		return
	}
	delete(pl.pending, a.IdempotencyKey)

	p.status = SendAcknowledged
	p.ServerMsgID = a.ServerMsgID
	p.Seq = a.Seq
	p.Duplicate = a.Duplicate
	close(p.done)
}

// fail terminates an in-flight message on a non-retryable server error.
func (pl *pipeline) fail(key, reason string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.failLocked(key, reason)
}

func (pl *pipeline) failLocked(key, reason string) {
	p, ok := pl.pending[key]
	if !ok {
		return
	}
	delete(pl.pending, key)

	for i, q := range pl.queued {
		if q == p {
			pl.queued = append(pl.queued[:i], pl.queued[i+1:]...)
			break
		}
	}

	p.status = SendFailed
	p.FailReason = reason
	close(p.done)
}

// sweepTimeouts requeues in-flight messages whose ack window expired, failing
// those that spent their retry budget. Returns the number requeued.
func (pl *pipeline) sweepTimeouts(now time.Time) int {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	requeued := 0
	for key, p := range pl.pending {
		if p.status != SendInFlight || now.Sub(p.sentAt) < ackTimeout {
			continue
		}
		if p.attempts >= maxSendRetries {
			pl.failLocked(key, "ack timeout: retries exhausted")
			continue
		}
		p.status = SendQueued
		pl.queued = append(pl.queued, p)
		requeued++
	}

	if requeued > 0 {
		pl.signalLocked()
	}
	return requeued
}

// requeueInFlight returns every unacknowledged message to the queue. Called on
// reconnect: the server's idempotency dedupe makes the resend safe even when
// the original write landed before the drop.
func (pl *pipeline) requeueInFlight() {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	moved := false
	for _, p := range pl.pending {
		if p.status == SendInFlight {
			p.status = SendQueued
			pl.queued = append(pl.queued, p)
			moved = true
		}
	}
	if moved {
		pl.signalLocked()
	}
}

func (pl *pipeline) signalLocked() {
	select {
	case pl.wake <- struct{}{}:
	default:
	}
}

// failAll terminates everything outstanding (client shutdown).
func (pl *pipeline) failAll(reason string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	for key := range pl.pending {
		pl.failLocked(key, reason)
	}
	pl.queued = pl.queued[:0]
}

// outstanding reports the number of unresolved messages.
func (pl *pipeline) outstanding() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.pending)
}

// statusOf returns the current lifecycle state of a pending message.
func (pl *pipeline) statusOf(p *Pending) SendStatus {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return p.status
}
