package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// InMemoryStore is the default MessageStore when no database is configured.
// It supports:
//   - Append: idempotent + seq allocation
//   - History: paging by after_seq (for CI/smoke determinism)
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoomLog
}

type memRoomLog struct {
	seq    int64
	dedupe map[string]StoredMessage // idempotency_key -> stored message
	msgs   []StoredMessage          // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms: make(map[string]*memRoomLog),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomID]
	if r == nil {
		r = &memRoomLog{
			dedupe: make(map[string]StoredMessage),
			msgs:   make([]StoredMessage, 0, 256),
		}
		s.rooms[in.RoomID] = r
	}

	if existing, ok := r.dedupe[in.IdempotencyKey]; ok {
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	serverMsgID, err := NewServerMsgID(now)
	if err != nil {
		return AppendResult{}, err
	}

	r.seq++
	msg := StoredMessage{
		RoomID:         in.RoomID,
		IdempotencyKey: in.IdempotencyKey,
		ServerMsgID:    serverMsgID,
		Seq:            r.seq,
		SenderID:       in.SenderID,
		Text:           in.Text,
		ServerTS:       now,
	}
	r.dedupe[in.IdempotencyKey] = msg
	r.msgs = append(r.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(r.msgs) > memMaxMessagesPerRoom {
		r.msgs = r.msgs[len(r.msgs)-memMaxMessagesPerRoom:]
	}

	return AppendResult{Stored: msg, Duplicated: false}, nil
}

// History returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
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

	s.mu.Lock()
	r := s.rooms[in.RoomID]
	var snap []StoredMessage
	if r != nil {
		snap = append([]StoredMessage(nil), r.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return HistoryResult{Messages: nil, HasMore: false}, nil
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].Seq < snap[j].Seq })

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return HistoryResult{Messages: nil, HasMore: false}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return HistoryResult{Messages: out, HasMore: hasMore}, nil
}

// InMemoryRoomStore is the default RoomStore when no database is configured.
type InMemoryRoomStore struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	directIndex map[string]string // canonical pair key -> room id
}

// NewInMemoryRoomStore constructs an in-memory RoomStore implementation.
func NewInMemoryRoomStore() *InMemoryRoomStore {
	return &InMemoryRoomStore{
		rooms:       make(map[string]*Room),
		directIndex: make(map[string]string),
	}
}

// directPairKey canonicalizes an unordered user pair.
func directPairKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + "\x00" + userB
}

// EnsureDirectRoom returns the unique direct room for the pair, creating it on
// first use. Concurrent callers in either argument order resolve to one room.
func (s *InMemoryRoomStore) EnsureDirectRoom(ctx context.Context, userA, userB string) (Room, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" || userA == userB {
		return Room{}, fmt.Errorf("invalid direct room pair: %q, %q", userA, userB)
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	key := directPairKey(userA, userB)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.directIndex[key]; ok {
		return *s.rooms[id], nil
	}

	if userA > userB {
		userA, userB = userB, userA
	}
	id := "dm:" + userA + ":" + userB
	room := &Room{
		ID:           id,
		Kind:         RoomKindDirect,
		Members:      []string{userA, userB},
		LastActivity: time.Now().UTC(),
	}
	s.rooms[id] = room
	s.directIndex[key] = id
	return *room, nil
}

// CreateGroupRoom creates a group room with the given members.
func (s *InMemoryRoomStore) CreateGroupRoom(ctx context.Context, id string, members []string) (Room, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Room{}, errors.New("missing room id")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rooms[id]; ok {
		return *existing, nil
	}

	room := &Room{
		ID:           id,
		Kind:         RoomKindGroup,
		Members:      append([]string(nil), members...),
		LastActivity: time.Now().UTC(),
	}
	s.rooms[id] = room
	return *room, nil
}

// Members returns the authorization membership of a room.
func (s *InMemoryRoomStore) Members(ctx context.Context, roomID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return append([]string(nil), r.Members...), nil
}

// IsMember reports whether userID is an authorized member of roomID.
func (s *InMemoryRoomStore) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return false, nil
	}
	for _, m := range r.Members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

// Touch advances the room's last-activity timestamp.
func (s *InMemoryRoomStore) Touch(roomID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.LastActivity = at
	}
}
