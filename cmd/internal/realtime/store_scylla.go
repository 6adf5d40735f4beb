package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/gocql/gocql"
)

// ScyllaStore is a MessageStore backed by ScyllaDB/Cassandra.
//
// Dedupe model:
//   - message_keys carries one row per (room_id, idempotency_key). The key is
//     looked up before any seq is allocated, then claimed with a lightweight
//     transaction (INSERT IF NOT EXISTS); a lost claim returns the winner's
//     record as a duplicate. Duplicates never consume a seq.
//
// Ordering model:
//   - seq comes from a per-room cursor row in room_cursors, advanced with a
//     compare-and-set lightweight transaction. The cursor lives in the
//     keyspace, so allocation stays gap-free across processes sharing it.
type ScyllaStore struct {
	session *gocql.Session
}

// NewScyllaSession connects to a Scylla cluster with quorum consistency and a
// bounded exponential retry policy.
func NewScyllaSession(hosts []string, keyspace string) (*gocql.Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return cluster.CreateSession()
}

// NewScyllaStore constructs a Scylla-backed MessageStore.
// The session is owned by the caller of NewScyllaSession; Close releases it.
func NewScyllaStore(session *gocql.Session) (*ScyllaStore, error) {
	if session == nil {
		return nil, errors.New("realtime: nil session")
	}
	return &ScyllaStore{session: session}, nil
}

// Close releases the underlying session.
func (s *ScyllaStore) Close() error {
	s.session.Close()
	return nil
}

// Append persists a message with idempotency and monotonic sequence allocation.
func (s *ScyllaStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.RoomID == "" || in.IdempotencyKey == "" || in.SenderID == "" {
		return AppendResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Dedupe before allocation: a replayed key must not consume a seq.
	existing, found, err := s.lookupKey(ctx, in.RoomID, in.IdempotencyKey)
	if err != nil {
		return AppendResult{}, err
	}
	if found {
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	seq, err := s.nextSeq(ctx, in.RoomID)
	if err != nil {
		return AppendResult{}, err
	}

	serverMsgID, err := NewServerMsgID(now)
	if err != nil {
		return AppendResult{}, err
	}

	// Claim the key. A lost claim means a concurrent writer won the same key
	// after our lookup; hand the seq back and return the winner's record.
	applied := map[string]interface{}{}
	ok, err := s.session.Query(
		`INSERT INTO message_keys (room_id, idempotency_key, seq, server_msg_id, sender_id, text, server_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		in.RoomID, in.IdempotencyKey, seq, serverMsgID, in.SenderID, in.Text, now,
	).WithContext(ctx).MapScanCAS(applied)
	if err != nil {
		return AppendResult{}, err
	}
	if !ok {
		s.releaseSeq(ctx, in.RoomID, seq)
		winner := StoredMessage{
			RoomID:         in.RoomID,
			IdempotencyKey: in.IdempotencyKey,
		}
		if v, k := applied["seq"].(int64); k {
			winner.Seq = v
		}
		if v, k := applied["server_msg_id"].(string); k {
			winner.ServerMsgID = v
		}
		if v, k := applied["sender_id"].(string); k {
			winner.SenderID = v
		}
		if v, k := applied["text"].(string); k {
			winner.Text = v
		}
		if v, k := applied["server_ts"].(time.Time); k {
			winner.ServerTS = v
		}
		return AppendResult{Stored: winner, Duplicated: true}, nil
	}

	if err := s.session.Query(
		`INSERT INTO messages (room_id, seq, server_msg_id, idempotency_key, sender_id, text, server_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.RoomID, seq, serverMsgID, in.IdempotencyKey, in.SenderID, in.Text, now,
	).WithContext(ctx).Exec(); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{
		Stored: StoredMessage{
			RoomID:         in.RoomID,
			IdempotencyKey: in.IdempotencyKey,
			ServerMsgID:    serverMsgID,
			Seq:            seq,
			SenderID:       in.SenderID,
			Text:           in.Text,
			ServerTS:       now,
		},
		Duplicated: false,
	}, nil
}

// lookupKey returns the stored record for an idempotency key, if any.
func (s *ScyllaStore) lookupKey(ctx context.Context, roomID, key string) (StoredMessage, bool, error) {
	m := StoredMessage{RoomID: roomID, IdempotencyKey: key}
	err := s.session.Query(
		`SELECT seq, server_msg_id, sender_id, text, server_ts
		   FROM message_keys WHERE room_id = ? AND idempotency_key = ?`,
		roomID, key,
	).WithContext(ctx).Scan(&m.Seq, &m.ServerMsgID, &m.SenderID, &m.Text, &m.ServerTS)
	if errors.Is(err, gocql.ErrNotFound) {
		return StoredMessage{}, false, nil
	}
	if err != nil {
		return StoredMessage{}, false, err
	}
	return m, true, nil
}

// nextSeq advances the room's cursor row with a compare-and-set transaction,
// retrying on contention. The cursor is seeded from the highest stored seq the
// first time a room is written.
func (s *ScyllaStore) nextSeq(ctx context.Context, roomID string) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		var last int64
		err := s.session.Query(
			`SELECT last_seq FROM room_cursors WHERE room_id = ?`,
			roomID,
		).WithContext(ctx).Scan(&last)
		if errors.Is(err, gocql.ErrNotFound) {
			if err := s.seedCursor(ctx, roomID); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, err
		}

		next := last + 1
		var prev int64
		applied, err := s.session.Query(
			`UPDATE room_cursors SET last_seq = ? WHERE room_id = ? IF last_seq = ?`,
			next, roomID, last,
		).WithContext(ctx).ScanCAS(&prev)
		if err != nil {
			return 0, err
		}
		if applied {
			return next, nil
		}
	}
}

// seedCursor creates the cursor row from the highest stored seq. A lost insert
// race means another writer seeded it; either way the row exists afterwards.
func (s *ScyllaStore) seedCursor(ctx context.Context, roomID string) error {
	var max int64
	err := s.session.Query(
		`SELECT seq FROM messages WHERE room_id = ? ORDER BY seq DESC LIMIT 1`,
		roomID,
	).WithContext(ctx).Scan(&max)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return err
	}

	_, err = s.session.Query(
		`INSERT INTO room_cursors (room_id, last_seq) VALUES (?, ?) IF NOT EXISTS`,
		roomID, max,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	return err
}

// releaseSeq hands back a seq whose claim lost the dedupe race. Best effort:
// when the cursor has already moved past it, the number stays allocated.
func (s *ScyllaStore) releaseSeq(ctx context.Context, roomID string, seq int64) {
	var prev int64
	_, _ = s.session.Query(
		`UPDATE room_cursors SET last_seq = ? WHERE room_id = ? IF last_seq = ?`,
		seq-1, roomID, seq,
	).WithContext(ctx).ScanCAS(&prev)
}

// History returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *ScyllaStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.RoomID == "" {
		return HistoryResult{}, errors.New("missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	fetch := limit + 1

	var iter *gocql.Iter
	if in.AfterSeq == nil {
		iter = s.session.Query(
			`SELECT room_id, idempotency_key, server_msg_id, seq, sender_id, text, server_ts
			   FROM messages WHERE room_id = ? ORDER BY seq ASC LIMIT ?`,
			in.RoomID, fetch,
		).WithContext(ctx).Iter()
	} else {
		iter = s.session.Query(
			`SELECT room_id, idempotency_key, server_msg_id, seq, sender_id, text, server_ts
			   FROM messages WHERE room_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
			in.RoomID, *in.AfterSeq, fetch,
		).WithContext(ctx).Iter()
	}

	msgs := make([]StoredMessage, 0, fetch)
	var m StoredMessage
	for iter.Scan(&m.RoomID, &m.IdempotencyKey, &m.ServerMsgID, &m.Seq, &m.SenderID, &m.Text, &m.ServerTS) {
		msgs = append(msgs, m)
	}
	if err := iter.Close(); err != nil {
		return HistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// EnsureScyllaSchema creates the chat tables if they do not exist.
// In production, schema changes belong to a migration tool; this keeps dev and
// smoke environments self-contained.
func EnsureScyllaSchema(session *gocql.Session) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			room_id text,
			seq bigint,
			server_msg_id text,
			idempotency_key text,
			sender_id text,
			text text,
			server_ts timestamp,
			PRIMARY KEY (room_id, seq)
		) WITH CLUSTERING ORDER BY (seq ASC)`,
		`CREATE TABLE IF NOT EXISTS message_keys (
			room_id text,
			idempotency_key text,
			seq bigint,
			server_msg_id text,
			sender_id text,
			text text,
			server_ts timestamp,
			PRIMARY KEY (room_id, idempotency_key)
		)`,
		`CREATE TABLE IF NOT EXISTS room_cursors (
			room_id text PRIMARY KEY,
			last_seq bigint
		)`,
	}
	for _, stmt := range stmts {
		if err := session.Query(stmt).Exec(); err != nil {
			return err
		}
	}
	return nil
}
