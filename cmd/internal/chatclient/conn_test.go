package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "vigil/shared/contracts/chat/v1"
)

// fakeTransport is an in-memory framed pipe: the test plays the server side.
type fakeTransport struct {
	in  chan []byte // server -> client
	out chan []byte // client -> server

	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, io.EOF
	case b := <-f.in:
		return b, nil
	}
}

func (f *fakeTransport) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.closed:
		return io.EOF
	case f.out <- data:
		return nil
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// drop simulates a network failure: the client's read loop sees EOF.
func (f *fakeTransport) drop() { _ = f.Close() }

// fakeServer consumes client frames from one transport with a local envelope
// buffer, so a batched frame reads as individual envelopes.
type fakeServer struct {
	t       *testing.T
	tr      *fakeTransport
	pending []v1.Envelope
}

func (s *fakeServer) next(timeout time.Duration) v1.Envelope {
	s.t.Helper()

	if len(s.pending) > 0 {
		env := s.pending[0]
		s.pending = s.pending[1:]
		return env
	}

	select {
	case <-time.After(timeout):
		s.t.Fatal("timed out waiting for a client frame")
		return v1.Envelope{}
	case data := <-s.tr.out:
		envs, err := v1.DecodeFrame(data)
		if err != nil {
			s.t.Fatalf("decode client frame: %v", err)
		}
		s.pending = envs[1:]
		return envs[0]
	}
}

// nextOfType skips heartbeat traffic until an envelope of the wanted type arrives.
func (s *fakeServer) nextOfType(typ string, timeout time.Duration) v1.Envelope {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		env := s.next(time.Until(deadline))
		if env.Type == typ {
			return env
		}
		if env.Type != v1.TypePing {
			s.t.Fatalf("awaiting %q, got %q", typ, env.Type)
		}
	}
}

func (s *fakeServer) send(env v1.Envelope) {
	s.t.Helper()
	b, err := v1.EncodeFrame([]v1.Envelope{env})
	if err != nil {
		s.t.Fatalf("encode: %v", err)
	}
	select {
	case s.tr.in <- b:
	case <-time.After(time.Second):
		s.t.Fatal("server send blocked")
	}
}

func (s *fakeServer) sendHandshakeAck(userID string) {
	payload, _ := json.Marshal(v1.HandshakeAckPayload{UserID: userID, Role: "member", SessionID: "sess-1"})
	s.send(v1.Envelope{V: v1.Version, Type: v1.TypeAck, TS: v1.Millis(time.Now()), Payload: payload})
}

func (s *fakeServer) sendJoinAck(roomID string, replayed int) {
	payload, _ := json.Marshal(v1.JoinAckPayload{RoomID: roomID, Replayed: replayed})
	s.send(v1.Envelope{V: v1.Version, Type: v1.TypeAck, RoomID: roomID, TS: v1.Millis(time.Now()), Payload: payload})
}

func (s *fakeServer) sendMessageAck(roomID, key string, seq int64, dup bool) {
	payload, _ := json.Marshal(v1.MessageAckPayload{
		RoomID:         roomID,
		IdempotencyKey: key,
		ServerMsgID:    "srv-1",
		Seq:            seq,
		Duplicate:      dup,
	})
	s.send(v1.Envelope{
		V:              v1.Version,
		Type:           v1.TypeAck,
		RoomID:         roomID,
		IdempotencyKey: key,
		TS:             v1.Millis(time.Now()),
		Payload:        payload,
	})
}

// expectHandshake consumes the client handshake and verifies the token.
func (s *fakeServer) expectHandshake(token string) {
	s.t.Helper()
	env := s.next(5 * time.Second)
	if env.Type != v1.TypeHandshake {
		s.t.Fatalf("first envelope = %q, want handshake", env.Type)
	}
	var p v1.HandshakePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.t.Fatalf("handshake payload: %v", err)
	}
	if p.Token != token {
		s.t.Fatalf("token = %q, want %q", p.Token, token)
	}
}

func testClient(t *testing.T, dial Dialer, states chan<- State) *Client {
	t.Helper()

	c, err := NewClient(Options{
		URL:   "ws://fake",
		Token: "tok-alice",
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dial:  dial,
		Backoff: &Backoff{
			Base:        time.Millisecond,
			Factor:      2.0,
			Cap:         5 * time.Millisecond,
			JitterRatio: 0,
			MaxAttempts: 10,
		},
		OnState: func(s State) {
			if states != nil {
				select {
				case states <- s:
				default:
				}
			}
		},
		HeartbeatInterval: time.Hour, // keep heartbeats out of the scripts
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func awaitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", c.State(), want)
}

func TestClientConnectSubscribeSend(t *testing.T) {
	tr := newFakeTransport()
	srv := &fakeServer{t: t, tr: tr}

	c := testClient(t, func(context.Context, string) (Transport, error) { return tr, nil }, nil)

	var gotMsgs []v1.MessagePayload
	var msgMu sync.Mutex
	_ = c.Subscribe(context.Background(), "sector-7", RoomHandlers{
		OnMessage: func(p v1.MessagePayload) {
			msgMu.Lock()
			gotMsgs = append(gotMsgs, p)
			msgMu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	srv.expectHandshake("tok-alice")
	srv.sendHandshakeAck("alice")

	// The pre-registered subscription is joined before the client goes connected.
	join := srv.nextOfType(v1.TypeJoin, 5*time.Second)
	var jp v1.JoinPayload
	if err := json.Unmarshal(join.Payload, &jp); err != nil {
		t.Fatalf("join payload: %v", err)
	}
	if jp.RoomID != "sector-7" || jp.AfterSeq != nil {
		t.Fatalf("join payload = %+v, want sector-7 with no cursor", jp)
	}
	srv.sendJoinAck("sector-7", 0)

	awaitState(t, c, StateConnected)
	if c.UserID() != "alice" {
		t.Fatalf("user id = %q", c.UserID())
	}

	// Outbound send resolves against the server ack.
	p := c.Send("sector-7", "pothole on 5th")
	env := srv.nextOfType(v1.TypeMessage, 5*time.Second)
	if env.IdempotencyKey != p.IdempotencyKey {
		t.Fatalf("wire key %q != pending key %q", env.IdempotencyKey, p.IdempotencyKey)
	}
	srv.sendMessageAck("sector-7", p.IdempotencyKey, 1, false)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("send not resolved")
	}
	if c.SendStatus(p) != SendAcknowledged || p.Seq != 1 || p.Duplicate {
		t.Fatalf("pending = %+v", p)
	}

	// Inbound fanout reaches the room handler.
	msgPayload, _ := json.Marshal(v1.MessagePayload{RoomID: "sector-7", Seq: 2, SenderID: "bob", Text: "on it"})
	srv.send(v1.Envelope{V: v1.Version, Type: v1.TypeMessage, RoomID: "sector-7", TS: v1.Millis(time.Now()), Payload: msgPayload})

	deadline := time.Now().Add(5 * time.Second)
	for {
		msgMu.Lock()
		n := len(gotMsgs)
		msgMu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("inbound message never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestClientAuthRejectionIsTerminal(t *testing.T) {
	tr := newFakeTransport()
	srv := &fakeServer{t: t, tr: tr}

	c := testClient(t, func(context.Context, string) (Transport, error) { return tr, nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	srv.expectHandshake("tok-alice")
	payload, _ := json.Marshal(v1.ErrorPayload{Code: v1.CodeAuthFailed, Message: "unknown token"})
	srv.send(v1.Envelope{V: v1.Version, Type: v1.TypeError, TS: v1.Millis(time.Now()), Payload: payload})

	select {
	case err := <-runDone:
		if err == nil {
			t.Fatal("run returned nil after auth rejection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate on auth rejection")
	}
	if c.State() != StateUnauthenticated {
		t.Fatalf("state = %q, want unauthenticated", c.State())
	}
}

func TestClientReconnectResendsWithSameKey(t *testing.T) {
	t1 := newFakeTransport()
	t2 := newFakeTransport()
	transports := make(chan *fakeTransport, 2)
	transports <- t1
	transports <- t2

	dial := func(context.Context, string) (Transport, error) {
		select {
		case tr := <-transports:
			return tr, nil
		default:
			return nil, errors.New("no more transports")
		}
	}

	c := testClient(t, dial, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	// Session 1: connect, receive the send, then drop without acking.
	s1 := &fakeServer{t: t, tr: t1}
	s1.expectHandshake("tok-alice")
	s1.sendHandshakeAck("alice")
	awaitState(t, c, StateConnected)

	p := c.Send("sector-7", "streetlight out")
	env1 := s1.nextOfType(v1.TypeMessage, 5*time.Second)
	if env1.IdempotencyKey != p.IdempotencyKey {
		t.Fatalf("wire key %q != pending key %q", env1.IdempotencyKey, p.IdempotencyKey)
	}
	t1.drop()

	// Session 2: the unacknowledged send is replayed with the same key; the
	// server dedupes and acks it as a duplicate.
	s2 := &fakeServer{t: t, tr: t2}
	s2.expectHandshake("tok-alice")
	s2.sendHandshakeAck("alice")

	env2 := s2.nextOfType(v1.TypeMessage, 5*time.Second)
	if env2.IdempotencyKey != env1.IdempotencyKey {
		t.Fatalf("retry key %q != original %q", env2.IdempotencyKey, env1.IdempotencyKey)
	}
	s2.sendMessageAck("sector-7", p.IdempotencyKey, 9, true)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("send not resolved after reconnect")
	}
	if c.SendStatus(p) != SendAcknowledged || !p.Duplicate || p.Seq != 9 {
		t.Fatalf("pending = %+v", p)
	}

	cancel()
	<-runDone
}

func TestClientResubscribeCarriesCursor(t *testing.T) {
	t1 := newFakeTransport()
	t2 := newFakeTransport()
	transports := make(chan *fakeTransport, 2)
	transports <- t1
	transports <- t2

	dial := func(context.Context, string) (Transport, error) {
		select {
		case tr := <-transports:
			return tr, nil
		default:
			return nil, errors.New("no more transports")
		}
	}

	states := make(chan State, 32)
	c := testClient(t, dial, states)

	_ = c.Subscribe(context.Background(), "alpha", RoomHandlers{})
	_ = c.Subscribe(context.Background(), "beta", RoomHandlers{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	// Session 1: joins arrive in subscribe order with no cursors.
	s1 := &fakeServer{t: t, tr: t1}
	s1.expectHandshake("tok-alice")
	s1.sendHandshakeAck("alice")
	for _, want := range []string{"alpha", "beta"} {
		env := s1.nextOfType(v1.TypeJoin, 5*time.Second)
		var jp v1.JoinPayload
		if err := json.Unmarshal(env.Payload, &jp); err != nil {
			t.Fatalf("join payload: %v", err)
		}
		if jp.RoomID != want || jp.AfterSeq != nil {
			t.Fatalf("session1 join = %+v, want %s with no cursor", jp, want)
		}
		s1.sendJoinAck(jp.RoomID, 0)
	}
	awaitState(t, c, StateConnected)

	// A message in alpha advances its high-water mark to 7.
	msgPayload, _ := json.Marshal(v1.MessagePayload{RoomID: "alpha", Seq: 7, SenderID: "bob", Text: "x"})
	s1.send(v1.Envelope{V: v1.Version, Type: v1.TypeMessage, RoomID: "alpha", TS: v1.Millis(time.Now()), Payload: msgPayload})

	// Wait until the client has applied the seq before dropping the connection.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := c.mux.snapshot()
		if len(snap) == 2 && snap[0].AfterSeq != nil && *snap[0].AfterSeq == 7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("seq high-water mark never advanced")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t1.drop()

	// Session 2: same order, alpha now carries after_seq=7, beta still none.
	s2 := &fakeServer{t: t, tr: t2}
	s2.expectHandshake("tok-alice")
	s2.sendHandshakeAck("alice")

	env := s2.nextOfType(v1.TypeJoin, 5*time.Second)
	var jp v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &jp); err != nil {
		t.Fatalf("join payload: %v", err)
	}
	if jp.RoomID != "alpha" || jp.AfterSeq == nil || *jp.AfterSeq != 7 {
		t.Fatalf("alpha rejoin = %+v, want after_seq=7", jp)
	}
	s2.sendJoinAck("alpha", 0)

	env = s2.nextOfType(v1.TypeJoin, 5*time.Second)
	if err := json.Unmarshal(env.Payload, &jp); err != nil {
		t.Fatalf("join payload: %v", err)
	}
	if jp.RoomID != "beta" || jp.AfterSeq != nil {
		t.Fatalf("beta rejoin = %+v, want no cursor", jp)
	}
	s2.sendJoinAck("beta", 0)

	awaitState(t, c, StateConnected)

	cancel()
	<-runDone
}

func TestClientBackoffExhaustionFailsPending(t *testing.T) {
	dial := func(context.Context, string) (Transport, error) {
		return nil, errors.New("refused")
	}

	c := testClient(t, dial, nil)
	c.opts.Backoff.MaxAttempts = 3

	p := c.Send("sector-7", "never leaves the queue")

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("run returned nil after exhausting reconnect attempts")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %q, want disconnected", c.State())
	}

	select {
	case <-p.Done():
	default:
		t.Fatal("queued send not failed on exhaustion")
	}
	if c.SendStatus(p) != SendFailed {
		t.Fatalf("status = %q, want failed", c.SendStatus(p))
	}
}

func TestClientMissingPongTriggersReconnect(t *testing.T) {
	t1 := newFakeTransport()
	t2 := newFakeTransport()
	transports := make(chan *fakeTransport, 2)
	transports <- t1
	transports <- t2

	dial := func(context.Context, string) (Transport, error) {
		select {
		case tr := <-transports:
			return tr, nil
		default:
			return nil, errors.New("no more transports")
		}
	}

	c, err := NewClient(Options{
		URL:   "ws://fake",
		Token: "tok-alice",
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dial:  dial,
		Backoff: &Backoff{
			Base:        time.Millisecond,
			Factor:      2.0,
			Cap:         5 * time.Millisecond,
			JitterRatio: 0,
			MaxAttempts: 10,
		},
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	// Session 1: connect, then leave every ping unanswered. The writes keep
	// succeeding, so only pong tracking can notice the peer is gone.
	s1 := &fakeServer{t: t, tr: t1}
	s1.expectHandshake("tok-alice")
	s1.sendHandshakeAck("alice")
	awaitState(t, c, StateConnected)
	s1.nextOfType(v1.TypePing, 5*time.Second)

	// The silent session must be abandoned and redialed.
	s2 := &fakeServer{t: t, tr: t2}
	s2.expectHandshake("tok-alice")
	s2.sendHandshakeAck("alice")
	awaitState(t, c, StateConnected)

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestClientBackoffResetsAfterConnectedSession(t *testing.T) {
	const sessions = 5
	trs := make([]*fakeTransport, sessions)
	transports := make(chan *fakeTransport, sessions)
	for i := range trs {
		trs[i] = newFakeTransport()
		transports <- trs[i]
	}

	dial := func(context.Context, string) (Transport, error) {
		select {
		case tr := <-transports:
			return tr, nil
		default:
			return nil, errors.New("no more transports")
		}
	}

	c := testClient(t, dial, nil)
	c.opts.Backoff.MaxAttempts = 3 // fewer than the sessions survived below

	// A pending send is replayed every session, which proves each one reached
	// connected before its transport dropped.
	p := c.Send("sector-7", "keeps coming back")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	var key string
	for i, tr := range trs {
		s := &fakeServer{t: t, tr: tr}
		s.expectHandshake("tok-alice")
		s.sendHandshakeAck("alice")

		env := s.nextOfType(v1.TypeMessage, 5*time.Second)
		if key == "" {
			key = env.IdempotencyKey
		} else if env.IdempotencyKey != key {
			t.Fatalf("session %d key %q != original %q", i+1, env.IdempotencyKey, key)
		}

		// Each connected session resets the attempt budget, so five straight
		// drops never exhaust a budget of three.
		if i < len(trs)-1 {
			tr.drop()
			continue
		}
		s.sendMessageAck("sector-7", key, 4, false)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("send not resolved")
	}
	if c.SendStatus(p) != SendAcknowledged || p.Seq != 4 {
		t.Fatalf("pending = %+v", p)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestClientNewClientValidation(t *testing.T) {
	if _, err := NewClient(Options{Token: "t"}); err == nil {
		t.Fatal("missing URL accepted")
	}
	if _, err := NewClient(Options{URL: "ws://x"}); err == nil {
		t.Fatal("missing token accepted")
	}
}
