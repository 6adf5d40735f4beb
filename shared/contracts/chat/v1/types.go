package v1

// ---- Payloads ----

// HandshakePayload carries the opaque identity-provider token.
type HandshakePayload struct {
	Token string `json:"token"`
}

// HandshakeAckPayload confirms authentication and returns the resolved identity.
type HandshakeAckPayload struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}

// MessageSendPayload requests sending a message into a room (client -> server).
type MessageSendPayload struct {
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

// MessageAckPayload acknowledges a send request with the canonical server ids.
// Duplicate is true when the idempotency key was already processed; the original
// ids are returned and nothing was re-persisted or re-broadcast.
type MessageAckPayload struct {
	RoomID         string `json:"room_id"`
	IdempotencyKey string `json:"idempotency_key"`
	ServerMsgID    string `json:"server_msg_id"`
	Seq            int64  `json:"seq"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// MessagePayload is fanned out to room members when a message is accepted.
type MessagePayload struct {
	RoomID         string `json:"room_id"`
	IdempotencyKey string `json:"idempotency_key"`
	ServerMsgID    string `json:"server_msg_id"`
	Seq            int64  `json:"seq"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	ServerTS       int64  `json:"server_ts"`
}

// TypingPayload signals typing start (active=true) or stop for a (room, user).
type TypingPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

// PresencePayload signals online/offline for a user.
type PresencePayload struct {
	UserID     string `json:"user_id"`
	Online     bool   `json:"online"`
	LastSeenMS int64  `json:"last_seen_ms,omitempty"`
}

// JoinPayload subscribes the connection to a room. When AfterSeq is set the
// server replays stored messages newer than it as ordinary message envelopes
// before live fanout resumes, closing any gap left while disconnected.
type JoinPayload struct {
	RoomID   string `json:"room_id"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// JoinAckPayload echoes a successful subscription. Replayed is the number of
// backfilled messages queued ahead of this ack's live fanout.
type JoinAckPayload struct {
	RoomID   string `json:"room_id"`
	Kind     string `json:"kind,omitempty"`
	Replayed int    `json:"replayed,omitempty"`
}

// LeavePayload unsubscribes the connection from a room.
type LeavePayload struct {
	RoomID string `json:"room_id"`
}

// ErrorPayload reports a rejected operation. Retryable tells the client pipeline
// whether automatic retry is allowed (rate limits, persistence failures) or
// forbidden (authentication, authorization).
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// PingPayload carries the sender's send time so the pong echo measures RTT.
type PingPayload struct {
	EchoMS int64 `json:"echo_ms"`
}

// PongPayload echoes the ping send time back unchanged.
type PongPayload struct {
	EchoMS int64 `json:"echo_ms"`
}

// Wire error codes.
const (
	CodeAuthFailed          = "auth_failed"
	CodeAuthorizationDenied = "authorization_denied"
	CodeRateLimited         = "rate_limited"
	CodePersistenceFailed   = "persistence_failed"
	CodeBadEnvelope         = "bad_envelope"
	CodeUnsupported         = "unsupported"
)
