package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window). Durable events hit the
	// stores; the lossy side channels get their own larger budget.
	rateLimitEvents     = 120
	rateLimitSideEvents = 240
	rateLimitWindow     = 10 * time.Second

	// Ephemeral state defaults.
	presenceExpiry    = 60 * time.Second
	presenceSweep     = 30 * time.Second
	typingExpiry      = 5 * time.Second
	typingRebroadcast = 2 * time.Second
)
