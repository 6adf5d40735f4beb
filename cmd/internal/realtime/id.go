package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// newULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps server message ids
// orderable in logs without consulting seq.
func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return newULID(now)
}

// NewServerMsgID returns a ULID used as server_msg_id.
// This keeps IDs uniform across the system.
func NewServerMsgID(now time.Time) (string, error) {
	return newULID(now)
}

// MustSessionID is NewSessionID with a fallback to a zero-entropy-free retry;
// used where an id failure cannot be surfaced (test helpers, envelope ids).
func MustSessionID(now time.Time) string {
	id, err := newULID(now)
	if err != nil {
		// crypto/rand failures are not recoverable here; a monotonic
		// timestamp-only ULID is still unique enough for envelope ids.
		return ulid.MustNew(ulid.Timestamp(now), zeroReader{}).String()
	}
	return id
}

// NewRandomHex returns n random bytes hex-encoded (2n chars).
func NewRandomHex(n int) string {
	if n <= 0 {
		n = 8
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		s := ulid.MustNew(ulid.Now(), zeroReader{}).String()
		if 2*n < len(s) {
			return s[:2*n]
		}
		return s
	}
	return hex.EncodeToString(b)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
