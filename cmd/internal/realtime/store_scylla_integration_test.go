package realtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
)

// Integration tests are enabled when VIGIL_SCYLLA_HOSTS is set.
// This keeps local "go test ./..." fast and deterministic without Scylla.

const scyllaTestKeyspace = "vigil_it"

func TestScyllaStore_Append_Dedupe_NoSeqWaste(t *testing.T) {
	t.Parallel()

	session := mustOpenScyllaTestSession(t)
	defer session.Close()

	store, err := NewScyllaStore(session)
	if err != nil {
		t.Fatalf("new scylla store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	roomID := "it-dedupe-" + NewRandomHex(8)
	key := "key-" + NewRandomHex(8)
	now := time.Now().UTC()

	first, err := store.Append(ctx, AppendInput{
		RoomID:         roomID,
		IdempotencyKey: key,
		SenderID:       "user-a",
		Text:           "hello",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated {
		t.Fatalf("append first: expected Duplicated=false")
	}
	if first.Stored.Seq != 1 {
		t.Fatalf("append first: expected seq=1 got=%d", first.Stored.Seq)
	}

	second, err := store.Append(ctx, AppendInput{
		RoomID:         roomID,
		IdempotencyKey: key, // duplicate on purpose
		SenderID:       "user-a",
		Text:           "hello",
		Now:            now.Add(1 * time.Second),
	})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("append duplicate: expected Duplicated=true")
	}
	if second.Stored.Seq != first.Stored.Seq {
		t.Fatalf("append duplicate: seq mismatch: first=%d second=%d", first.Stored.Seq, second.Stored.Seq)
	}
	if second.Stored.ServerMsgID != first.Stored.ServerMsgID {
		t.Fatalf("append duplicate: server_msg_id mismatch")
	}

	// The duplicate must not have consumed a seq: the next fresh message gets 2.
	third, err := store.Append(ctx, AppendInput{
		RoomID:         roomID,
		IdempotencyKey: "key-" + NewRandomHex(8),
		SenderID:       "user-b",
		Text:           "world",
		Now:            now.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("append third: %v", err)
	}
	if third.Duplicated {
		t.Fatalf("append third: expected Duplicated=false")
	}
	if third.Stored.Seq != 2 {
		t.Fatalf("append third: expected seq=2 (no gap) got=%d", third.Stored.Seq)
	}

	out, err := store.History(ctx, HistoryInput{RoomID: roomID, Limit: 50})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(out.Messages))
	}
	if out.Messages[0].Seq != 1 || out.Messages[1].Seq != 2 {
		t.Fatalf("stored seqs = [%d,%d], want [1,2]", out.Messages[0].Seq, out.Messages[1].Seq)
	}
}

func TestScyllaStore_History_Order_AfterSeq_HasMore(t *testing.T) {
	t.Parallel()

	session := mustOpenScyllaTestSession(t)
	defer session.Close()

	store, err := NewScyllaStore(session)
	if err != nil {
		t.Fatalf("new scylla store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	roomID := "it-history-" + NewRandomHex(8)

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, AppendInput{
			RoomID:         roomID,
			IdempotencyKey: fmt.Sprintf("key-%d-%s", i, NewRandomHex(4)),
			SenderID:       "user-a",
			Text:           fmt.Sprintf("m%d", i),
			Now:            time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	out1, err := store.History(ctx, HistoryInput{RoomID: roomID, Limit: 2})
	if err != nil {
		t.Fatalf("history 1: %v", err)
	}
	if len(out1.Messages) != 2 || !out1.HasMore {
		t.Fatalf("history 1: got %d msgs, HasMore=%v", len(out1.Messages), out1.HasMore)
	}
	if out1.Messages[0].Seq != 1 || out1.Messages[1].Seq != 2 {
		t.Fatalf("history 1: expected seq [1,2], got [%d,%d]", out1.Messages[0].Seq, out1.Messages[1].Seq)
	}

	after := out1.Messages[len(out1.Messages)-1].Seq
	out2, err := store.History(ctx, HistoryInput{RoomID: roomID, AfterSeq: &after, Limit: 50})
	if err != nil {
		t.Fatalf("history 2: %v", err)
	}
	if len(out2.Messages) != 1 || out2.HasMore {
		t.Fatalf("history 2: got %d msgs, HasMore=%v", len(out2.Messages), out2.HasMore)
	}
	if out2.Messages[0].Seq != 3 {
		t.Fatalf("history 2: expected seq=3 got=%d", out2.Messages[0].Seq)
	}
}

// ---- test helpers ----

func mustOpenScyllaTestSession(t *testing.T) *gocql.Session {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("VIGIL_SCYLLA_HOSTS"))
	if raw == "" {
		t.Skip("integration test skipped: VIGIL_SCYLLA_HOSTS is not set")
	}

	hosts := strings.Split(raw, ",")
	for i := range hosts {
		hosts[i] = strings.TrimSpace(hosts[i])
	}

	// Bootstrap the keyspace with a keyspace-less session.
	cluster := gocql.NewCluster(hosts...)
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	boot, err := cluster.CreateSession()
	if err != nil {
		t.Fatalf("connect scylla: %v", err)
	}
	err = boot.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
		scyllaTestKeyspace,
	)).Exec()
	boot.Close()
	if err != nil {
		t.Fatalf("create keyspace: %v", err)
	}

	session, err := NewScyllaSession(hosts, scyllaTestKeyspace)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := EnsureScyllaSchema(session); err != nil {
		session.Close()
		t.Fatalf("ensure schema: %v", err)
	}
	return session
}
