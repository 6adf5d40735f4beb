package realtime

import (
	"context"
	"time"
)

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	RoomID         string
	IdempotencyKey string
	ServerMsgID    string
	Seq            int64
	SenderID       string
	Text           string
	ServerTS       time.Time
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per (room_id, idempotency_key): for a fixed key, at most one
//     record is ever persisted, regardless of retry count.
//   - Monotonic seq per room (no gaps, duplicates do not consume seq).
//   - History query ordered by seq ASC.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	History(ctx context.Context, in HistoryInput) (HistoryResult, error)
	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	RoomID         string
	IdempotencyKey string
	SenderID       string
	Text           string
	Now            time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// HistoryInput describes a history query request.
type HistoryInput struct {
	RoomID   string
	AfterSeq *int64
	Limit    int
}

// HistoryResult contains the retrieved history window.
type HistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

// Room kinds.
const (
	RoomKindDirect = "direct"
	RoomKindGroup  = "group"
)

// Room is a logical conversation channel.
// A direct room has exactly two members for its lifetime.
type Room struct {
	ID           string
	Kind         string
	Members      []string
	LastActivity time.Time
}

// RoomStore owns room records and their authorization membership.
//
// Requirements:
//   - At most one direct room exists per unordered user pair; EnsureDirectRoom
//     resolves duplicate creation attempts (either argument order, concurrent
//     callers included) to the existing room.
type RoomStore interface {
	// EnsureDirectRoom returns the unique direct room for the pair, creating it
	// on first use. Argument order is irrelevant.
	EnsureDirectRoom(ctx context.Context, userA, userB string) (Room, error)

	// CreateGroupRoom creates a group room with the given members.
	CreateGroupRoom(ctx context.Context, id string, members []string) (Room, error)

	// Members returns the authorization membership of a room.
	Members(ctx context.Context, roomID string) ([]string, error)

	// IsMember reports whether userID is an authorized member of roomID.
	// This is the authorization boundary consumed by the gateway.
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
}
