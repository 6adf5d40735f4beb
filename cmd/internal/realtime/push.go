package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// PushEvent asks the external push-notification service to deliver a message to
// a member with no live connection. The core does not manage push tokens or
// delivery retries; it only emits the fact.
type PushEvent struct {
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	SenderID    string    `json:"sender_id"`
	ServerMsgID string    `json:"server_msg_id"`
	Seq         int64     `json:"seq"`
	Preview     string    `json:"preview"`
	ServerTS    time.Time `json:"server_ts"`
}

// PushEmitter hands deliver-if-absent events to the push gateway.
// Emission failures are logged, never propagated into the delivery path.
type PushEmitter interface {
	DeliverIfAbsent(ctx context.Context, ev PushEvent) error
	Close() error
}

// KafkaPushEmitter publishes push events as JSON to a Kafka topic consumed by
// the external push service.
type KafkaPushEmitter struct {
	writer *kafka.Writer
}

// NewKafkaPushEmitter constructs a Kafka-backed push emitter.
func NewKafkaPushEmitter(brokers []string, topic string) (*KafkaPushEmitter, error) {
	if len(brokers) == 0 {
		return nil, errors.New("realtime: no kafka brokers")
	}
	if topic == "" {
		return nil, errors.New("realtime: empty kafka topic")
	}
	return &KafkaPushEmitter{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}, nil
}

// DeliverIfAbsent publishes one push event. Keyed by user so a consumer can
// partition per recipient.
func (e *KafkaPushEmitter) DeliverIfAbsent(ctx context.Context, ev PushEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.UserID),
		Value: b,
		Time:  ev.ServerTS,
	})
}

// Close flushes and closes the underlying writer.
func (e *KafkaPushEmitter) Close() error {
	return e.writer.Close()
}

// NopPushEmitter drops events. Used when no push gateway is configured.
type NopPushEmitter struct{}

// DeliverIfAbsent discards the event.
func (NopPushEmitter) DeliverIfAbsent(context.Context, PushEvent) error { return nil }

// Close is a no-op.
func (NopPushEmitter) Close() error { return nil }

// RecordingPushEmitter captures events for tests.
type RecordingPushEmitter struct {
	mu     sync.Mutex
	events []PushEvent
}

// DeliverIfAbsent records the event.
func (r *RecordingPushEmitter) DeliverIfAbsent(_ context.Context, ev PushEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Close is a no-op.
func (r *RecordingPushEmitter) Close() error { return nil }

// Events returns a snapshot of recorded events.
func (r *RecordingPushEmitter) Events() []PushEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PushEvent(nil), r.events...)
}
