package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "vigil/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "vigil.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout     = 5 * time.Second
	wsDefaultReadIdle         = 2 * time.Minute
	wsDefaultHandshakeTimeout = 10 * time.Second
	wsCloseGrace              = 1 * time.Second

	wsDefaultReplayLimit = 50
	wsMaxReplayLimit     = 200

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint for Vigil realtime chat.
//
// It enforces origin policy, subprotocol selection, authentication, rate
// limits, and heartbeats, and routes validated envelopes through a typed
// dispatch table to the Hub, MessageStore, and side-channel trackers.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	store    MessageStore
	rooms    RoomStore
	verifier TokenVerifier
	presence PresenceTracker
	typing   *TypingTracker
	push     PushEmitter
	metrics  *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout     time.Duration
	readIdleTimeout  time.Duration
	handshakeTimeout time.Duration
	sendQueueSize    int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents     int
	rateSideEvents int
	rateWindow     time.Duration

	presenceSweepEvery time.Duration

	handlers map[string]frameHandler
}

// frameHandler processes one validated inbound envelope for a session.
type frameHandler func(ctx context.Context, s *session, env v1.Envelope, now time.Time) error

// session is the per-connection dispatch state.
type session struct {
	conn     *Conn
	shutdown func(code websocket.StatusCode, reason string)
}

// GatewayDeps bundles the gateway's collaborators.
// Nil store/rooms/presence fall back to in-memory implementations for dev;
// nil verifier rejects every handshake; nil push drops push events.
type GatewayDeps struct {
	Hub      *Hub
	Store    MessageStore
	Rooms    RoomStore
	Verifier TokenVerifier
	Presence PresenceTracker
	Push     PushEmitter
	Metrics  *Metrics
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, deps GatewayDeps) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(log)
	}
	if deps.Store == nil {
		deps.Store = NewInMemoryStore()
	}
	if deps.Rooms == nil {
		deps.Rooms = NewInMemoryRoomStore()
	}
	if deps.Presence == nil {
		deps.Presence = NewMemoryPresence(envDurationWS("VIGIL_PRESENCE_EXPIRY", presenceExpiry))
	}
	if deps.Push == nil {
		deps.Push = NopPushEmitter{}
	}

	g := &Gateway{
		log:      log,
		hub:      deps.Hub,
		store:    deps.Store,
		rooms:    deps.Rooms,
		verifier: deps.Verifier,
		presence: deps.Presence,
		typing: NewTypingTracker(
			envDurationWS("VIGIL_TYPING_EXPIRY", typingExpiry),
			envDurationWS("VIGIL_TYPING_DEBOUNCE", typingRebroadcast),
		),
		push:    deps.Push,
		metrics: deps.Metrics,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("VIGIL_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("VIGIL_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("VIGIL_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("VIGIL_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("VIGIL_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.handshakeTimeout = envDurationWS("VIGIL_WS_HANDSHAKE_TIMEOUT", wsDefaultHandshakeTimeout)

	g.sendQueueSize = envIntWS("VIGIL_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("VIGIL_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("VIGIL_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("VIGIL_WS_RATE_EVENTS", rateLimitEvents)
	g.rateSideEvents = envIntWS("VIGIL_WS_RATE_SIDE_EVENTS", rateLimitSideEvents)
	g.rateWindow = envDurationWS("VIGIL_WS_RATE_WINDOW", rateLimitWindow)

	g.presenceSweepEvery = envDurationWS("VIGIL_PRESENCE_SWEEP", presenceSweep)

	// Single dispatch table keyed by envelope type.
	g.handlers = map[string]frameHandler{
		v1.TypeJoin:     g.onJoin,
		v1.TypeLeave:    g.onLeave,
		v1.TypeMessage:  g.onMessage,
		v1.TypeTyping:   g.onTyping,
		v1.TypePresence: g.onPresence,
		v1.TypePing:     g.onPing,
	}

	return g
}

// Hub exposes the live registry for the health/status surface.
func (g *Gateway) Hub() *Hub { return g.hub }

// Run drives the periodic sweeps for ephemeral state (presence, typing).
// It blocks until ctx is done. Sweeping is a liveness aid only: expiry is also
// checked lazily on every read.
func (g *Gateway) Run(ctx context.Context) {
	t := time.NewTicker(g.presenceSweepEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			now = now.UTC()
			if mp, ok := g.presence.(*MemoryPresence); ok {
				if n := mp.Sweep(now); n > 0 {
					g.log.Debug("presence.sweep", "expired", n)
				}
			}
			for _, lapse := range g.typing.Sweep(now) {
				g.broadcastTyping(lapse.RoomID, lapse.UserID, false, now)
			}
		}
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = wsConn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := wsConn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = wsConn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	wsConn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Authentication handshake must be the first frame.
	identity, err := g.awaitHandshake(ctx, wsConn)
	if err != nil {
		g.log.Info("ws.reject.handshake", "err", err, "remote", r.RemoteAddr)
		_ = g.writeDirectError(ctx, wsConn, v1.CodeAuthFailed, "handshake rejected", false)
		_ = wsConn.Close(websocket.StatusPolicyViolation, "handshake rejected")
		return
	}

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = wsConn.Close(websocket.StatusInternalError, "session id")
		return
	}

	conn := NewConn(identity.UserID, identity.Role, sessionID, g.sendQueueSize)
	g.hub.Register(conn)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close conn.Send.
	// Broadcast safety: conn.Send remains open and room removal happens before conn.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			now := time.Now().UTC()
			for _, roomID := range conn.Rooms() {
				if g.typing.Stop(roomID, conn.UserID, now) {
					g.broadcastTyping(roomID, conn.UserID, false, now)
				}
			}

			rooms := conn.Rooms()
			g.hub.Unregister(conn)

			if !g.hub.UserConnected(conn.UserID) {
				_ = g.presence.Forget(context.Background(), conn.UserID)
				for _, roomID := range rooms {
					g.broadcastPresence(roomID, conn.UserID, false, now)
				}
			}

			_ = wsConn.Close(code, reason)
			cancel()
		})
	}

	s := &session{conn: conn, shutdown: shutdown}

	_ = g.presence.Heartbeat(ctx, conn.UserID, time.Now().UTC())

	// Session is established; confirm before anything else is queued.
	ackPayload, _ := json.Marshal(v1.HandshakeAckPayload{
		UserID:    identity.UserID,
		Role:      identity.Role,
		SessionID: sessionID,
	})
	if !g.enqueue(ctx, conn, g.newEnvelope(v1.TypeAck, "", ackPayload, time.Now().UTC())) {
		shutdown(websocket.StatusInternalError, "backpressure: handshake ack")
		return
	}

	g.log.Info("ws.session.start", "session_id", sessionID, "user_id", identity.UserID, "role", identity.Role)

	writerDone := make(chan struct{})
	go g.writer(ctx, wsConn, conn, s, writerDone)

	heartbeatDone := make(chan struct{})
	go g.heartbeatLoop(ctx, wsConn, conn, s, heartbeatDone)

	rl := NewRateLimiter(g.rateEvents, g.rateSideEvents, g.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		envs, err := readFrame(readCtx, wsConn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				// No envelope decoded, so there is no idempotency key to echo.
				g.trySendError(ctx, conn, "", v1.CodeBadEnvelope, "invalid JSON", false)
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		for _, env := range envs {
			now := time.Now().UTC()

			if !rl.Allow(classifyEvent(env.Type), now) {
				g.metrics.rejected(v1.CodeRateLimited)
				g.trySendError(ctx, conn, env.IdempotencyKey, v1.CodeRateLimited, "too many events", true)
				continue
			}

			if err := env.Validate(); err != nil {
				g.trySendError(ctx, conn, env.IdempotencyKey, v1.CodeBadEnvelope, err.Error(), false)
				continue
			}

			h, ok := g.handlers[env.Type]
			if !ok {
				g.trySendError(ctx, conn, env.IdempotencyKey, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), false)
				continue
			}

			if err := h(ctx, s, env, now); err != nil {
				code, retryable := wireError(err)
				g.metrics.rejected(code)
				g.trySendError(ctx, conn, env.IdempotencyKey, code, err.Error(), retryable)
			}
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// awaitHandshake reads the first frame and verifies its credential.
func (g *Gateway) awaitHandshake(parent context.Context, wsConn *websocket.Conn) (Identity, error) {
	ctx, cancel := context.WithTimeout(parent, g.handshakeTimeout)
	defer cancel()

	envs, err := readFrame(ctx, wsConn)
	if err != nil {
		return Identity{}, fmt.Errorf("read handshake: %w", err)
	}
	if len(envs) != 1 {
		return Identity{}, errors.New("handshake must be a single envelope")
	}
	env := envs[0]
	if err := env.Validate(); err != nil {
		return Identity{}, err
	}
	if env.Type != v1.TypeHandshake {
		return Identity{}, fmt.Errorf("expected handshake, got %q", env.Type)
	}

	var p v1.HandshakePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return Identity{}, fmt.Errorf("invalid payload: %w", err)
	}

	if g.verifier == nil {
		return Identity{}, fmt.Errorf("%w: no verifier configured", ErrAuthFailed)
	}
	return g.verifier.Verify(ctx, p.Token)
}

// writer drains the connection's send queue onto the socket, coalescing any
// backlog into a single frame per write.
func (g *Gateway) writer(ctx context.Context, wsConn *websocket.Conn, conn *Conn, s *session, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case env := <-conn.Send:
			batch := []v1.Envelope{env}
			for n := len(conn.Send); n > 0; n-- {
				batch = append(batch, <-conn.Send)
			}
			if err := writeFrame(ctx, wsConn, batch, g.writeTimeout); err != nil {
				g.log.Info("ws.write.fail", "session_id", conn.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// heartbeatLoop pings the peer on a fixed interval, measuring round-trip time.
// The RTT feeds the health surface; repeated failures kill the connection
// without waiting for a transport-level close event.
func (g *Gateway) heartbeatLoop(ctx context.Context, wsConn *websocket.Conn, conn *Conn, s *session, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(g.heartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
			started := time.Now()
			err := wsConn.Ping(hbCtx)
			rtt := time.Since(started)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", conn.SessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0

			now := time.Now().UTC()
			conn.TouchHeartbeat(now, rtt)
			g.metrics.heartbeat(rtt.Seconds())

			// Presence is a side channel: a tracker error degrades the online
			// indicator only, never the connection.
			if err := g.presence.Heartbeat(ctx, conn.UserID, now); err != nil {
				g.log.Debug("presence.heartbeat.fail", "user_id", conn.UserID, "err", err)
			}
		}
	}
}

// ---- handlers ----

func (g *Gateway) onJoin(ctx context.Context, s *session, env v1.Envelope, now time.Time) error {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return errors.New("missing room_id")
	}

	ok, err := g.rooms.IsMember(ctx, s.conn.UserID, roomID)
	if err != nil {
		return fmt.Errorf("%w: membership check: %v", ErrPersistenceFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAMember, roomID)
	}

	room := g.hub.getOrCreateRoom(roomID, roomKind(roomID))

	// Replay and subscription hold the room's fanout lock, so no message can
	// land between the history read and the join: everything persisted before
	// this point is replayed, everything after is broadcast to this connection.
	room.fanout.Lock()
	replayed := 0
	if p.AfterSeq != nil {
		replayed, err = g.replayHistory(ctx, s.conn, roomID, p.AfterSeq, p.Limit)
		if err != nil {
			room.fanout.Unlock()
			return err
		}
	}
	room.Join(s.conn)
	room.fanout.Unlock()

	ackPayload, _ := json.Marshal(v1.JoinAckPayload{
		RoomID:   room.ID,
		Kind:     room.Kind,
		Replayed: replayed,
	})
	ack := g.newEnvelope(v1.TypeAck, roomID, ackPayload, now)
	ack.ID = env.ID

	if !g.enqueue(ctx, s.conn, ack) {
		room.Leave(s.conn.SessionID)
		return errors.New("backpressure: join ack")
	}

	g.broadcastPresence(roomID, s.conn.UserID, true, now)
	return nil
}

func (g *Gateway) replayHistory(ctx context.Context, conn *Conn, roomID string, afterSeq *int64, limit int) (int, error) {
	if limit <= 0 {
		limit = wsDefaultReplayLimit
	}
	if limit > wsMaxReplayLimit {
		limit = wsMaxReplayLimit
	}

	out, err := g.store.History(ctx, HistoryInput{RoomID: roomID, AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("%w: history: %v", ErrPersistenceFailed, err)
	}

	for _, m := range out.Messages {
		env := g.messageEnvelope(m)
		if !g.enqueue(ctx, conn, env) {
			return 0, errors.New("backpressure: history replay")
		}
	}
	return len(out.Messages), nil
}

func (g *Gateway) onLeave(ctx context.Context, s *session, env v1.Envelope, now time.Time) error {
	var p v1.LeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return errors.New("missing room_id")
	}

	if g.typing.Stop(roomID, s.conn.UserID, now) {
		g.broadcastTyping(roomID, s.conn.UserID, false, now)
	}

	if room, ok := g.hub.room(roomID); ok {
		room.Leave(s.conn.SessionID)
		g.broadcastPresence(roomID, s.conn.UserID, false, now)
	}
	_ = ctx
	return nil
}

func (g *Gateway) onMessage(ctx context.Context, s *session, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return errors.New("missing room_id")
	}
	key := strings.TrimSpace(env.IdempotencyKey)
	if key == "" {
		return errors.New("missing idempotency_key")
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return errors.New("empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	// Authorization precedes everything: a rejected sender leaves no effects.
	ok, err := g.rooms.IsMember(ctx, s.conn.UserID, roomID)
	if err != nil {
		return fmt.Errorf("%w: membership check: %v", ErrPersistenceFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAMember, roomID)
	}

	room := g.hub.getOrCreateRoom(roomID, roomKind(roomID))

	// Write-through under the room's fanout lock: the message is durable before
	// anyone sees it, and no join can slip between persist and broadcast.
	room.fanout.Lock()
	res, err := g.store.Append(ctx, AppendInput{
		RoomID:         roomID,
		IdempotencyKey: key,
		SenderID:       s.conn.UserID,
		Text:           text,
		Now:            now,
	})
	if err != nil {
		room.fanout.Unlock()
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	stored := res.Stored
	g.metrics.accepted(res.Duplicated)

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		RoomID:         stored.RoomID,
		IdempotencyKey: stored.IdempotencyKey,
		ServerMsgID:    stored.ServerMsgID,
		Seq:            stored.Seq,
		Duplicate:      res.Duplicated,
	})
	ack := g.newEnvelope(v1.TypeAck, roomID, ackPayload, now)
	ack.IdempotencyKey = stored.IdempotencyKey

	if !g.enqueue(ctx, s.conn, ack) {
		room.fanout.Unlock()
		return errors.New("backpressure: ack")
	}

	// A replayed idempotency key is acknowledged as success without re-fanout.
	if res.Duplicated {
		room.fanout.Unlock()
		return nil
	}

	// Sending implicitly ends the sender's typing state.
	if g.typing.Stop(roomID, s.conn.UserID, now) {
		g.broadcastTyping(roomID, s.conn.UserID, false, now)
	}

	delivered, dropped := room.Broadcast(g.messageEnvelope(stored))
	room.fanout.Unlock()
	g.metrics.fanout(delivered, dropped)

	g.emitPushEvents(ctx, stored)
	return nil
}

// emitPushEvents hands deliver-if-absent events to the push gateway for every
// authorized member with no live connection. Best effort: failures are logged
// and never affect the delivery path.
func (g *Gateway) emitPushEvents(ctx context.Context, stored StoredMessage) {
	members, err := g.rooms.Members(ctx, stored.RoomID)
	if err != nil {
		g.log.Debug("push.members.fail", "room_id", stored.RoomID, "err", err)
		return
	}

	preview := stored.Text
	if len(preview) > 120 {
		preview = preview[:120]
	}

	n := 0
	for _, userID := range members {
		if userID == stored.SenderID || g.hub.UserConnected(userID) {
			continue
		}
		ev := PushEvent{
			RoomID:      stored.RoomID,
			UserID:      userID,
			SenderID:    stored.SenderID,
			ServerMsgID: stored.ServerMsgID,
			Seq:         stored.Seq,
			Preview:     preview,
			ServerTS:    stored.ServerTS,
		}
		if err := g.push.DeliverIfAbsent(ctx, ev); err != nil {
			g.log.Debug("push.emit.fail", "room_id", stored.RoomID, "user_id", userID, "err", err)
			continue
		}
		n++
	}
	g.metrics.push(n)
}

func (g *Gateway) onTyping(ctx context.Context, s *session, env v1.Envelope, now time.Time) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return errors.New("missing room_id")
	}

	// Typing is scoped to rooms this connection has open; silently ignore the
	// rest (side channel, not worth an error round-trip).
	joined := false
	for _, r := range s.conn.Rooms() {
		if r == roomID {
			joined = true
			break
		}
	}
	if !joined {
		return nil
	}

	if p.Active {
		if g.typing.Start(roomID, s.conn.UserID, now) {
			g.broadcastTyping(roomID, s.conn.UserID, true, now)
		}
		return nil
	}

	if g.typing.Stop(roomID, s.conn.UserID, now) {
		g.broadcastTyping(roomID, s.conn.UserID, false, now)
	}
	_ = ctx
	return nil
}

func (g *Gateway) onPresence(ctx context.Context, s *session, env v1.Envelope, now time.Time) error {
	var p v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	// Clients may only speak for themselves.
	if p.UserID != "" && p.UserID != s.conn.UserID {
		return nil
	}

	if p.Online {
		return g.presenceHeartbeat(ctx, s.conn.UserID, now)
	}

	_ = g.presence.Forget(ctx, s.conn.UserID)
	for _, roomID := range s.conn.Rooms() {
		g.broadcastPresence(roomID, s.conn.UserID, false, now)
	}
	return nil
}

func (g *Gateway) presenceHeartbeat(ctx context.Context, userID string, now time.Time) error {
	if err := g.presence.Heartbeat(ctx, userID, now); err != nil {
		g.log.Debug("presence.heartbeat.fail", "user_id", userID, "err", err)
	}
	return nil
}

func (g *Gateway) onPing(ctx context.Context, s *session, env v1.Envelope, now time.Time) error {
	var p v1.PingPayload
	_ = json.Unmarshal(env.Payload, &p)

	// Protocol pings double as presence heartbeats.
	_ = g.presenceHeartbeat(ctx, s.conn.UserID, now)
	s.conn.lastHeartbeat.Store(now.UnixMilli())

	pongPayload, _ := json.Marshal(v1.PongPayload{EchoMS: p.EchoMS})
	pong := g.newEnvelope(v1.TypePong, "", pongPayload, now)
	pong.ID = env.ID

	if !g.enqueue(ctx, s.conn, pong) {
		return errors.New("backpressure: pong")
	}
	return nil
}

// ---- broadcast helpers ----

func (g *Gateway) broadcastTyping(roomID, userID string, active bool, now time.Time) {
	room, ok := g.hub.room(roomID)
	if !ok {
		return
	}
	payload, _ := json.Marshal(v1.TypingPayload{RoomID: roomID, UserID: userID, Active: active})
	env := g.newEnvelope(v1.TypeTyping, roomID, payload, now)
	env.SenderID = userID
	delivered, dropped := room.Broadcast(env)
	g.metrics.fanout(delivered, dropped)
}

func (g *Gateway) broadcastPresence(roomID, userID string, online bool, now time.Time) {
	room, ok := g.hub.room(roomID)
	if !ok {
		return
	}
	payload, _ := json.Marshal(v1.PresencePayload{
		UserID:     userID,
		Online:     online,
		LastSeenMS: v1.Millis(now),
	})
	env := g.newEnvelope(v1.TypePresence, roomID, payload, now)
	env.SenderID = userID
	delivered, dropped := room.Broadcast(env)
	g.metrics.fanout(delivered, dropped)
}

func (g *Gateway) messageEnvelope(m StoredMessage) v1.Envelope {
	payload, _ := json.Marshal(v1.MessagePayload{
		RoomID:         m.RoomID,
		IdempotencyKey: m.IdempotencyKey,
		ServerMsgID:    m.ServerMsgID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Text:           m.Text,
		ServerTS:       v1.Millis(m.ServerTS),
	})
	env := g.newEnvelope(v1.TypeMessage, m.RoomID, payload, m.ServerTS)
	env.SenderID = m.SenderID
	env.IdempotencyKey = m.IdempotencyKey
	return env
}

// ---- send helpers ----

// trySendError queues an error envelope. The idempotency key of the rejected
// request, when present, rides on the envelope so the sender can resolve the
// matching pending message.
func (g *Gateway) trySendError(ctx context.Context, conn *Conn, idemKey, code, msg string, retryable bool) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, Retryable: retryable})
	env := g.newEnvelope(v1.TypeError, "", p, time.Now().UTC())
	env.IdempotencyKey = idemKey
	_ = g.enqueue(ctx, conn, env)
}

func (g *Gateway) enqueue(ctx context.Context, conn *Conn, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-conn.Done():
		return false
	case conn.Send <- env:
		return true
	default:
		return false
	}
}

// writeDirectError writes an error envelope on a connection that has no writer
// goroutine yet (pre-handshake rejections).
func (g *Gateway) writeDirectError(ctx context.Context, wsConn *websocket.Conn, code, msg string, retryable bool) error {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, Retryable: retryable})
	env := g.newEnvelope(v1.TypeError, "", p, time.Now().UTC())
	return writeFrame(ctx, wsConn, []v1.Envelope{env}, g.writeTimeout)
}

func (g *Gateway) newEnvelope(typ, roomID string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      MustSessionID(ts),
		RoomID:  roomID,
		TS:      v1.Millis(ts),
		Payload: payload,
	}
}

// wireError maps an admission error onto its wire code.
func wireError(err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return v1.CodeAuthFailed, false
	case errors.Is(err, ErrNotAMember):
		return v1.CodeAuthorizationDenied, false
	case errors.Is(err, ErrRateLimited):
		return v1.CodeRateLimited, true
	case errors.Is(err, ErrPersistenceFailed):
		return v1.CodePersistenceFailed, true
	default:
		return v1.CodeBadEnvelope, false
	}
}

// roomKind infers the room kind from the id convention used by RoomStore.
func roomKind(roomID string) string {
	if strings.HasPrefix(roomID, "dm:") {
		return RoomKindDirect
	}
	return RoomKindGroup
}

// ---- envelope IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return v1.DecodeFrame(data)
}

func writeFrame(parent context.Context, conn *websocket.Conn, envs []v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := v1.EncodeFrame(envs)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by DecodeFrame, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
