package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRoomStore is a RoomStore backed by PostgreSQL.
//
// Direct room uniqueness is enforced by a unique index on the canonical
// (lesser, greater) user pair; concurrent creators race on the index and the
// loser reads back the winner's row.
type PostgresRoomStore struct {
	pool   *pgxpool.Pool
	schema string
}

// RoomStoreOption configures PostgresRoomStore behavior.
type RoomStoreOption func(*PostgresRoomStore) error

// WithRoomSchema sets the DB schema used by the room store (default: "vigil").
func WithRoomSchema(schema string) RoomStoreOption {
	return func(s *PostgresRoomStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresRoomStore constructs a room store backed by PostgreSQL.
func NewPostgresRoomStore(pool *pgxpool.Pool, opts ...RoomStoreOption) (*PostgresRoomStore, error) {
	st := &PostgresRoomStore{
		pool:   pool,
		schema: "vigil",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// EnsureDirectRoom returns the unique direct room for an unordered user pair,
// creating it on first use.
func (s *PostgresRoomStore) EnsureDirectRoom(ctx context.Context, userA, userB string) (Room, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" || userA == userB {
		return Room{}, errors.New("realtime: invalid direct room pair")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	if userA > userB {
		userA, userB = userB, userA
	}
	id := "dm:" + userA + ":" + userB

	rooms := pgIdent(s.schema, "rooms")
	members := pgIdent(s.schema, "room_members")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The unique index on (direct_user_lo, direct_user_hi) makes the insert a
	// no-op for every caller after the first, regardless of argument order.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+rooms+` (id, kind, direct_user_lo, direct_user_hi)
		 VALUES ($1, 'direct', $2, $3)
		 ON CONFLICT (direct_user_lo, direct_user_hi) DO NOTHING`,
		id, userA, userB,
	); err != nil {
		return Room{}, err
	}

	var roomID string
	var created time.Time
	if err := tx.QueryRow(ctx,
		`SELECT id, created_at FROM `+rooms+`
		  WHERE direct_user_lo = $1 AND direct_user_hi = $2`,
		userA, userB,
	).Scan(&roomID, &created); err != nil {
		return Room{}, err
	}

	for _, u := range []string{userA, userB} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+members+` (room_id, user_id)
			 VALUES ($1, $2)
			 ON CONFLICT (room_id, user_id) DO NOTHING`,
			roomID, u,
		); err != nil {
			return Room{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Room{}, err
	}

	return Room{
		ID:           roomID,
		Kind:         RoomKindDirect,
		Members:      []string{userA, userB},
		LastActivity: created,
	}, nil
}

// CreateGroupRoom creates a group room with the given members (idempotent on id).
func (s *PostgresRoomStore) CreateGroupRoom(ctx context.Context, id string, memberIDs []string) (Room, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Room{}, errors.New("realtime: missing room id")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")
	members := pgIdent(s.schema, "room_members")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+rooms+` (id, kind) VALUES ($1, 'group')
		 ON CONFLICT (id) DO NOTHING`,
		id,
	); err != nil {
		return Room{}, err
	}

	for _, u := range memberIDs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+members+` (room_id, user_id)
			 VALUES ($1, $2)
			 ON CONFLICT (room_id, user_id) DO NOTHING`,
			id, u,
		); err != nil {
			return Room{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Room{}, err
	}

	out, err := s.Members(ctx, id)
	if err != nil {
		return Room{}, err
	}
	return Room{ID: id, Kind: RoomKindGroup, Members: out}, nil
}

// Members returns the authorization membership of a room.
func (s *PostgresRoomStore) Members(ctx context.Context, roomID string) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil room store")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, errors.New("realtime: missing room id")
	}

	members := pgIdent(s.schema, "room_members")

	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+members+` WHERE room_id = $1 ORDER BY user_id`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// IsMember checks if userID is an authorized member of roomID.
func (s *PostgresRoomStore) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("realtime: nil room store")
	}
	userID = strings.TrimSpace(userID)
	roomID = strings.TrimSpace(roomID)
	if userID == "" || roomID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "room_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
