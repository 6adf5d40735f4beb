// Package chatclient implements the Go client for the Vigil realtime chat
// protocol: connection lifecycle with capped-backoff reconnects, room
// subscription multiplexing with seq-based backfill, and an outbound message
// pipeline with idempotent retries.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	v1 "vigil/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

// State is the connection lifecycle state.
type State string

const (
	StateIdle            State = "idle"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateReconnecting    State = "reconnecting"
	StateDisconnected    State = "disconnected"
	StateUnauthenticated State = "unauthenticated"
)

const (
	clientHeartbeatEvery   = 25 * time.Second
	clientHeartbeatExpiry  = 5 * time.Second
	clientHandshakeTimeout = 10 * time.Second
	clientJoinTimeout      = 10 * time.Second
	clientWriteTimeout     = 5 * time.Second
	clientSweepEvery       = time.Second
)

// Transport is one framed bidirectional connection. The default implementation
// wraps a websocket; tests inject in-memory pipes.
type Transport interface {
	// ReadFrame blocks until a frame arrives or the context/connection ends.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame sends one frame.
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a Transport to the server.
type Dialer func(ctx context.Context, url string) (Transport, error)

// wsTransport adapts coder/websocket to Transport.
type wsTransport struct{ c *websocket.Conn }

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := t.c.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	return t.c.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.c.Close(websocket.StatusNormalClosure, "bye")
}

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"vigil.chat.v1"},
	})
	if err != nil {
		return nil, err
	}
	return &wsTransport{c: c}, nil
}

// Options configures a Client.
type Options struct {
	URL   string
	Token string

	Log     *slog.Logger
	Dial    Dialer
	Backoff *Backoff

	// OnState is invoked on every lifecycle transition. Must not block.
	OnState func(State)
	// OnQuality is invoked after each heartbeat round-trip. Must not block.
	OnQuality func(Quality, time.Duration)

	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds how long a ping may go unanswered before the
	// session is abandoned and redialed.
	HeartbeatTimeout time.Duration
}

// Client is a resilient connection to the Vigil realtime gateway.
type Client struct {
	opts Options
	log  *slog.Logger

	mux     *mux
	pipe    *pipeline
	typing  *typingNotifier
	quality *qualityMeter

	mu      sync.Mutex
	state   State
	session *clientSession
	userID  string
	role    string
}

// clientSession is the per-connection live state.
type clientSession struct {
	transport Transport
	cancel    context.CancelFunc

	writeMu sync.Mutex

	handshook chan v1.HandshakeAckPayload
	authErr   chan string
	joinAcks  chan string // room ids as their join acks arrive
	pongs     chan struct{}
}

// NewClient validates options and constructs a client in StateIdle.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("chatclient: missing URL")
	}
	if opts.Token == "" {
		return nil, errors.New("chatclient: missing token")
	}
	if opts.Dial == nil {
		opts.Dial = DialWebSocket
	}
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = clientHeartbeatEvery
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = clientHeartbeatExpiry
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Client{
		opts:    opts,
		log:     log,
		mux:     newMux(),
		pipe:    newPipeline(),
		typing:  newTypingNotifier(),
		quality: &qualityMeter{},
		state:   StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the authenticated identity, empty before the first handshake.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Quality returns the smoothed connection quality tier.
func (c *Client) Quality() Quality {
	return QualityFor(c.quality.RTT())
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.opts.OnState
	c.mu.Unlock()

	if changed {
		c.log.Debug("client.state", "state", string(s))
		if cb != nil {
			cb(s)
		}
	}
}

// Run connects and keeps the session alive until ctx ends, the backoff budget
// is exhausted, or authentication is rejected. It returns the terminal error
// (nil on clean ctx shutdown). The attempt budget counts consecutive failures:
// a session that reaches connected resets it.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			c.pipe.failAll("client stopped")
			return nil
		}

		attempt++
		if c.opts.Backoff.Exhausted(attempt) {
			c.setState(StateDisconnected)
			c.pipe.failAll("reconnect attempts exhausted")
			return errors.New("chatclient: reconnect attempts exhausted")
		}

		if attempt == 1 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
			delay := c.opts.Backoff.Delay(attempt - 1)
			c.log.Info("client.reconnect.wait", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				continue
			case <-time.After(delay):
			}
		}

		connected, err := c.runSession(ctx)
		if connected {
			attempt = 0
		}
		switch {
		case err == nil:
			// Clean shutdown via ctx, or a dead session already torn down.
			continue
		case errors.Is(err, errAuthRejected):
			c.setState(StateUnauthenticated)
			c.pipe.failAll("authentication rejected")
			return err
		default:
			c.log.Info("client.session.end", "err", err)
		}
	}
}

var errAuthRejected = errors.New("chatclient: authentication rejected")

// runSession dials, authenticates, resubscribes, then serves until the
// connection drops. It reports whether the session reached connected so the
// caller can reset its backoff.
func (c *Client) runSession(parent context.Context) (connected bool, err error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	transport, err := c.opts.Dial(ctx, c.opts.URL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s := &clientSession{
		transport: transport,
		cancel:    cancel,
		handshook: make(chan v1.HandshakeAckPayload, 1),
		authErr:   make(chan string, 1),
		joinAcks:  make(chan string, 64),
		pongs:     make(chan struct{}, 1),
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		c.mux.resetJoined()
		c.pipe.requeueInFlight()
		_ = transport.Close()
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx, s) }()

	if err := c.handshake(ctx, s, readErr); err != nil {
		return false, err
	}
	if err := c.resubscribe(ctx, s, readErr); err != nil {
		return false, err
	}

	c.setState(StateConnected)
	c.pipe.signal()

	go c.batcherLoop(ctx, s)
	go c.heartbeatLoop(ctx, s)
	go c.sweepLoop(ctx)

	select {
	case <-ctx.Done():
		return true, nil
	case err := <-readErr:
		if ctx.Err() != nil {
			return true, nil
		}
		return true, fmt.Errorf("read: %w", err)
	}
}

// handshake sends the credential and waits for the identity ack.
func (c *Client) handshake(ctx context.Context, s *clientSession, readErr <-chan error) error {
	payload, _ := json.Marshal(v1.HandshakePayload{Token: c.opts.Token})
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHandshake,
		TS:      v1.Millis(time.Now().UTC()),
		Payload: payload,
	}
	if err := c.write(ctx, s, []v1.Envelope{env}); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	t := time.NewTimer(clientHandshakeTimeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return errors.New("handshake timeout")
	case err := <-readErr:
		return fmt.Errorf("handshake read: %w", err)
	case reason := <-s.authErr:
		return fmt.Errorf("%w: %s", errAuthRejected, reason)
	case ack := <-s.handshook:
		c.mu.Lock()
		c.userID = ack.UserID
		c.role = ack.Role
		c.mu.Unlock()
		c.log.Info("client.session.start", "user_id", ack.UserID, "session_id", ack.SessionID)
		return nil
	}
}

// resubscribe rejoins every subscribed room in original subscribe order, each
// join carrying the room's seq high-water mark so the server backfills the
// offline gap. The session is not connected until every join is acknowledged.
func (c *Client) resubscribe(ctx context.Context, s *clientSession, readErr <-chan error) error {
	subs := c.mux.snapshot()
	if len(subs) == 0 {
		return nil
	}

	for _, r := range subs {
		if err := c.sendJoin(ctx, s, r.RoomID, r.AfterSeq); err != nil {
			return fmt.Errorf("resubscribe %s: %w", r.RoomID, err)
		}
	}

	t := time.NewTimer(clientJoinTimeout)
	defer t.Stop()

	for !c.mux.allJoined() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return errors.New("resubscribe timeout")
		case err := <-readErr:
			return fmt.Errorf("resubscribe read: %w", err)
		case roomID := <-s.joinAcks:
			c.mux.markJoined(roomID)
		}
	}
	return nil
}

func (c *Client) sendJoin(ctx context.Context, s *clientSession, roomID string, afterSeq *int64) error {
	payload, _ := json.Marshal(v1.JoinPayload{RoomID: roomID, AfterSeq: afterSeq})
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoin,
		RoomID:  roomID,
		TS:      v1.Millis(time.Now().UTC()),
		Payload: payload,
	}
	return c.write(ctx, s, []v1.Envelope{env})
}

// Subscribe registers room handlers and, when connected, joins immediately.
// Resubscribing an already-subscribed room replaces its handlers only.
func (c *Client) Subscribe(ctx context.Context, roomID string, h RoomHandlers) error {
	fresh := c.mux.subscribe(roomID, h)

	c.mu.Lock()
	s := c.session
	connected := c.state == StateConnected
	c.mu.Unlock()

	if fresh && connected && s != nil {
		return c.sendJoin(ctx, s, roomID, nil)
	}
	return nil
}

// Unsubscribe leaves the room. The leave is sent before handlers are removed
// so frames already in flight still reach their handler.
func (c *Client) Unsubscribe(ctx context.Context, roomID string) error {
	c.mu.Lock()
	s := c.session
	connected := c.state == StateConnected
	c.mu.Unlock()

	var err error
	if connected && s != nil {
		payload, _ := json.Marshal(v1.LeavePayload{RoomID: roomID})
		env := v1.Envelope{
			V:       v1.Version,
			Type:    v1.TypeLeave,
			RoomID:  roomID,
			TS:      v1.Millis(time.Now().UTC()),
			Payload: payload,
		}
		err = c.write(ctx, s, []v1.Envelope{env})
	}

	c.typing.clear(roomID)
	c.mux.unsubscribe(roomID)
	return err
}

// Send queues a message. The returned Pending resolves when the server
// acknowledges (possibly as a duplicate) or the retry budget is spent.
// Messages queued while offline are sent after the next successful reconnect.
func (c *Client) Send(roomID, text string) *Pending {
	return c.pipe.enqueue(roomID, text)
}

// SendStatus reports where a pending message is in its lifecycle.
func (c *Client) SendStatus(p *Pending) SendStatus {
	return c.pipe.statusOf(p)
}

// Typing signals typing activity. Active signals are debounced client-side;
// stop signals always go out and reset the debounce window.
func (c *Client) Typing(ctx context.Context, roomID string, active bool) error {
	now := time.Now().UTC()
	if active && !c.typing.shouldSend(roomID, now) {
		return nil
	}
	if !active {
		c.typing.clear(roomID)
	}

	c.mu.Lock()
	s := c.session
	connected := c.state == StateConnected
	userID := c.userID
	c.mu.Unlock()

	if !connected || s == nil {
		// Typing is ephemeral; silently dropping while offline is correct.
		return nil
	}

	payload, _ := json.Marshal(v1.TypingPayload{RoomID: roomID, UserID: userID, Active: active})
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTyping,
		RoomID:  roomID,
		TS:      v1.Millis(now),
		Payload: payload,
	}
	return c.write(ctx, s, []v1.Envelope{env})
}

// ---- session loops ----

// batcherLoop flushes the outbound queue. A lone queued message goes out
// immediately; a burst is held for the batch window so it coalesces into a
// single frame.
func (c *Client) batcherLoop(ctx context.Context, s *clientSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.pipe.wakeCh():
		}

		if d := flushDelay(c.pipe.depth()); d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}

		envs := c.pipe.collectBatch(time.Now().UTC())
		if len(envs) == 0 {
			continue
		}
		if err := c.write(ctx, s, envs); err != nil {
			c.log.Debug("client.batch.write.fail", "err", err)
			// The reconnect path requeues in-flight sends.
			s.cancel()
			return
		}
	}
}

// heartbeatLoop sends protocol pings; the pong echo measures round-trip time
// and drives the quality indicator. A ping that goes unanswered within the
// timeout kills the session: a silent peer is a dead transport even while
// writes still succeed.
func (c *Client) heartbeatLoop(ctx context.Context, s *clientSession) {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		// A stale pong from an earlier round does not count for this one.
		select {
		case <-s.pongs:
		default:
		}

		now := time.Now().UTC()
		payload, _ := json.Marshal(v1.PingPayload{EchoMS: v1.Millis(now)})
		env := v1.Envelope{
			V:       v1.Version,
			Type:    v1.TypePing,
			TS:      v1.Millis(now),
			Payload: payload,
		}
		if err := c.write(ctx, s, []v1.Envelope{env}); err != nil {
			s.cancel()
			return
		}

		expire := time.NewTimer(c.opts.HeartbeatTimeout)
		select {
		case <-ctx.Done():
			expire.Stop()
			return
		case <-s.pongs:
			expire.Stop()
		case <-expire.C:
			c.log.Info("client.heartbeat.lost", "timeout", c.opts.HeartbeatTimeout)
			s.cancel()
			return
		}
	}
}

// sweepLoop retries or fails sends whose ack window expired.
func (c *Client) sweepLoop(ctx context.Context) {
	t := time.NewTicker(clientSweepEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.pipe.sweepTimeouts(now.UTC())
		}
	}
}

// readLoop decodes inbound frames and routes envelopes by type.
func (c *Client) readLoop(ctx context.Context, s *clientSession) error {
	for {
		data, err := s.transport.ReadFrame(ctx)
		if err != nil {
			return err
		}
		envs, err := v1.DecodeFrame(data)
		if err != nil {
			c.log.Debug("client.frame.bad", "err", err)
			continue
		}
		for _, env := range envs {
			c.handleInbound(s, env)
		}
	}
}

func (c *Client) handleInbound(s *clientSession, env v1.Envelope) {
	switch env.Type {
	case v1.TypeAck:
		c.handleAck(s, env)

	case v1.TypeMessage:
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.mux.dispatchMessage(p)

	case v1.TypeTyping:
		var p v1.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.mux.dispatchTyping(p)

	case v1.TypePresence:
		var p v1.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.mux.dispatchPresence(env.RoomID, p)

	case v1.TypePong:
		var p v1.PongPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		// Any pong proves the peer is alive, echo or not.
		select {
		case s.pongs <- struct{}{}:
		default:
		}
		if p.EchoMS > 0 {
			rtt := time.Since(time.UnixMilli(p.EchoMS))
			if rtt > 0 {
				q := c.quality.Observe(rtt)
				if cb := c.opts.OnQuality; cb != nil {
					cb(q, rtt)
				}
			}
		}

	case v1.TypeError:
		c.handleError(s, env)

	default:
		c.log.Debug("client.inbound.unknown", "type", env.Type)
	}
}

// handleAck discriminates the three ack shapes: a message ack carries the
// idempotency key, a join ack carries the room id, and the handshake ack
// carries neither at the envelope level.
func (c *Client) handleAck(s *clientSession, env v1.Envelope) {
	if env.IdempotencyKey != "" {
		var p v1.MessageAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.pipe.ack(p)
		return
	}

	if env.RoomID != "" {
		var p v1.JoinAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		c.mux.markJoined(p.RoomID)
		select {
		case s.joinAcks <- p.RoomID:
		default:
		}
		return
	}

	var p v1.HandshakeAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	select {
	case s.handshook <- p:
	default:
	}
}

func (c *Client) handleError(s *clientSession, env v1.Envelope) {
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	c.log.Info("client.server.error", "code", p.Code, "retryable", p.Retryable, "msg", p.Message)

	switch p.Code {
	case v1.CodeAuthFailed:
		select {
		case s.authErr <- p.Message:
		default:
		}
	case v1.CodeAuthorizationDenied, v1.CodeBadEnvelope, v1.CodeUnsupported:
		// Non-retryable send rejections terminate the pending message when the
		// envelope names one.
		if env.IdempotencyKey != "" {
			c.pipe.fail(env.IdempotencyKey, p.Code)
		}
	default:
		// Retryable errors (rate limits, persistence) are left to the ack
		// timeout sweeper, which respects the retry budget.
	}
}

// write serializes one frame onto the transport. Writes are mutually excluded;
// a batch of envelopes costs one frame.
func (c *Client) write(ctx context.Context, s *clientSession, envs []v1.Envelope) error {
	b, err := v1.EncodeFrame(envs)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.WriteFrame(wctx, b)
}
