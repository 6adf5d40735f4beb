package chatclient

import (
	"testing"
	"time"

	v1 "vigil/shared/contracts/chat/v1"
)

func TestPipelineEnqueueAckLifecycle(t *testing.T) {
	pl := newPipeline()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := pl.enqueue("r1", "hello")
	if p.IdempotencyKey == "" {
		t.Fatal("no idempotency key assigned at enqueue")
	}
	if pl.statusOf(p) != SendQueued {
		t.Fatalf("status = %q, want queued", pl.statusOf(p))
	}

	envs := pl.collectBatch(base)
	if len(envs) != 1 {
		t.Fatalf("batch len = %d, want 1", len(envs))
	}
	env := envs[0]
	if env.Type != v1.TypeMessage || env.RoomID != "r1" || env.IdempotencyKey != p.IdempotencyKey {
		t.Fatalf("batch envelope = %+v", env)
	}
	if pl.statusOf(p) != SendInFlight {
		t.Fatalf("status after batch = %q, want sent", pl.statusOf(p))
	}

	// A second collect with nothing queued is empty.
	if extra := pl.collectBatch(base); extra != nil {
		t.Fatalf("empty queue produced a batch: %+v", extra)
	}

	pl.ack(v1.MessageAckPayload{
		RoomID:         "r1",
		IdempotencyKey: p.IdempotencyKey,
		ServerMsgID:    "m1",
		Seq:            42,
	})

	select {
	case <-p.Done():
	default:
		t.Fatal("done not closed after ack")
	}
	if pl.statusOf(p) != SendAcknowledged || p.Seq != 42 || p.ServerMsgID != "m1" {
		t.Fatalf("resolved pending = %+v", p)
	}
	if pl.outstanding() != 0 {
		t.Fatalf("outstanding = %d after ack", pl.outstanding())
	}
}

func TestPipelineBatchCoalesces(t *testing.T) {
	pl := newPipeline()

	a := pl.enqueue("r1", "one")
	b := pl.enqueue("r2", "two")
	if a.IdempotencyKey == b.IdempotencyKey {
		t.Fatal("two sends share an idempotency key")
	}

	envs := pl.collectBatch(time.Now().UTC())
	if len(envs) != 2 {
		t.Fatalf("batch len = %d, want 2", len(envs))
	}
	if envs[0].IdempotencyKey != a.IdempotencyKey || envs[1].IdempotencyKey != b.IdempotencyKey {
		t.Fatal("batch lost enqueue order")
	}
}

func TestPipelineRetryReusesKey(t *testing.T) {
	pl := newPipeline()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := pl.enqueue("r1", "hello")
	first := pl.collectBatch(base)

	// No ack inside the window: the sweeper requeues with the same key.
	if n := pl.sweepTimeouts(base.Add(ackTimeout - time.Second)); n != 0 {
		t.Fatalf("premature sweep requeued %d", n)
	}
	if n := pl.sweepTimeouts(base.Add(ackTimeout + time.Second)); n != 1 {
		t.Fatalf("sweep requeued %d, want 1", n)
	}

	second := pl.collectBatch(base.Add(ackTimeout + 2*time.Second))
	if len(second) != 1 {
		t.Fatalf("retry batch len = %d", len(second))
	}
	if second[0].IdempotencyKey != first[0].IdempotencyKey {
		t.Fatalf("retry changed the idempotency key: %q vs %q", second[0].IdempotencyKey, first[0].IdempotencyKey)
	}
	if pl.statusOf(p) != SendInFlight {
		t.Fatalf("status = %q", pl.statusOf(p))
	}
}

func TestPipelineFailsAfterRetryBudget(t *testing.T) {
	pl := newPipeline()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := pl.enqueue("r1", "hello")

	for i := 0; i < maxSendRetries; i++ {
		if envs := pl.collectBatch(now); len(envs) != 1 {
			t.Fatalf("attempt %d: batch len = %d", i+1, len(envs))
		}
		now = now.Add(ackTimeout + time.Second)
		pl.sweepTimeouts(now)
	}

	select {
	case <-p.Done():
	default:
		t.Fatal("done not closed after the retry budget")
	}
	if pl.statusOf(p) != SendFailed {
		t.Fatalf("status = %q, want failed", pl.statusOf(p))
	}
	if p.FailReason == "" {
		t.Fatal("no failure reason recorded")
	}
	// The final sweep must not have requeued it.
	if envs := pl.collectBatch(now); envs != nil {
		t.Fatalf("failed message requeued: %+v", envs)
	}
}

func TestPipelineFailNonRetryable(t *testing.T) {
	pl := newPipeline()

	p := pl.enqueue("r1", "hello")
	pl.collectBatch(time.Now().UTC())

	pl.fail(p.IdempotencyKey, "authorization_denied")

	select {
	case <-p.Done():
	default:
		t.Fatal("done not closed after fail")
	}
	if pl.statusOf(p) != SendFailed || p.FailReason != "authorization_denied" {
		t.Fatalf("pending = %+v", p)
	}

	// Unknown keys are ignored.
	pl.fail("no-such-key", "whatever")
}

func TestPipelineAckUnknownKeyIgnored(t *testing.T) {
	pl := newPipeline()
	pl.ack(v1.MessageAckPayload{IdempotencyKey: "ghost"})
	if pl.outstanding() != 0 {
		t.Fatalf("outstanding = %d", pl.outstanding())
	}
}

func TestPipelineRequeueInFlight(t *testing.T) {
	pl := newPipeline()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := pl.enqueue("r1", "hello")
	pl.collectBatch(base)
	if pl.statusOf(p) != SendInFlight {
		t.Fatalf("status = %q", pl.statusOf(p))
	}

	// Reconnect path: the unacknowledged send goes back to the queue.
	pl.requeueInFlight()
	if pl.statusOf(p) != SendQueued {
		t.Fatalf("status after requeue = %q, want queued", pl.statusOf(p))
	}

	envs := pl.collectBatch(base.Add(time.Second))
	if len(envs) != 1 || envs[0].IdempotencyKey != p.IdempotencyKey {
		t.Fatalf("requeued batch = %+v", envs)
	}
}

func TestPipelineFailAll(t *testing.T) {
	pl := newPipeline()

	a := pl.enqueue("r1", "one")
	pl.collectBatch(time.Now().UTC())
	b := pl.enqueue("r1", "two") // still queued

	pl.failAll("client stopped")

	for _, p := range []*Pending{a, b} {
		select {
		case <-p.Done():
		default:
			t.Fatalf("pending %q not resolved by failAll", p.Text)
		}
		if pl.statusOf(p) != SendFailed {
			t.Fatalf("status = %q", pl.statusOf(p))
		}
	}
	if pl.outstanding() != 0 {
		t.Fatalf("outstanding = %d", pl.outstanding())
	}
}

func TestPipelineFlushDelay(t *testing.T) {
	pl := newPipeline()

	if d := flushDelay(pl.depth()); d != 0 {
		t.Fatalf("empty queue delays %v", d)
	}

	pl.enqueue("r1", "one")
	if pl.depth() != 1 {
		t.Fatalf("depth = %d, want 1", pl.depth())
	}
	if d := flushDelay(pl.depth()); d != 0 {
		t.Fatalf("lone message held for %v, want immediate flush", d)
	}

	pl.enqueue("r1", "two")
	if d := flushDelay(pl.depth()); d != batchWindow {
		t.Fatalf("burst held for %v, want %v", d, batchWindow)
	}

	pl.collectBatch(time.Now().UTC())
	if pl.depth() != 0 {
		t.Fatalf("depth after collect = %d", pl.depth())
	}
}

func TestTypingNotifierDebounce(t *testing.T) {
	n := newTypingNotifier()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !n.shouldSend("r1", base) {
		t.Fatal("first signal suppressed")
	}
	if n.shouldSend("r1", base.Add(time.Second)) {
		t.Fatal("signal inside the debounce window sent")
	}
	if !n.shouldSend("r1", base.Add(typingNotifyDebounce)) {
		t.Fatal("signal past the debounce window suppressed")
	}

	// Rooms debounce independently.
	if !n.shouldSend("r2", base.Add(time.Second)) {
		t.Fatal("unrelated room suppressed")
	}

	// clear resets the window so the next keystroke signals immediately.
	n.clear("r1")
	if !n.shouldSend("r1", base.Add(typingNotifyDebounce+time.Millisecond)) {
		t.Fatal("signal after clear suppressed")
	}
}
