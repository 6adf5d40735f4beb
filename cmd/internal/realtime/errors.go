package realtime

import "errors"

// Sentinel errors for the admission path. The gateway maps these onto wire
// error codes; see shared/contracts/chat/v1.
var (
	// ErrAuthFailed means the handshake token was rejected. Fatal for the
	// connection attempt; clients must not auto-retry.
	ErrAuthFailed = errors.New("realtime: authentication failed")

	// ErrNotAMember means the sender is not an authorized member of the target
	// room. The operation has no partial effects and is never retried.
	ErrNotAMember = errors.New("realtime: not a room member")

	// ErrRateLimited means the per-connection sliding window cap was exceeded.
	// Retryable after backoff; nothing was persisted.
	ErrRateLimited = errors.New("realtime: rate limited")

	// ErrPersistenceFailed means the write-through store rejected the message.
	// Retryable by the pipeline with the same idempotency key.
	ErrPersistenceFailed = errors.New("realtime: persistence failed")

	// ErrRoomNotFound means the referenced room does not exist.
	ErrRoomNotFound = errors.New("realtime: room not found")
)

// Retryable reports whether an admission error may be retried automatically.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrPersistenceFailed)
}
