// Package main provides a CI-friendly WebSocket smoke test for Vigil realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - authenticated session establishment
//   - join ack
//   - send -> ack with seq
//   - fanout to another client
//   - backfill replay via join after_seq
//   - idempotent dedupe by idempotency key
//
// It expects a server started with dev tokens and a dev room, e.g.:
//
//	VIGIL_DEV_TOKENS="tok-a:alice,tok-b:bob" \
//	VIGIL_DEV_ROOMS="smoke-room:alice;bob" \
//	go run ./cmd/vigil
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "vigil/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "vigil.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		roomID  = flag.String("room", "smoke-room", "Room ID to join (both tokens must be members)")
		tokenA  = flag.String("token-a", "tok-a", "Auth token for client A")
		tokenB  = flag.String("token-b", "tok-b", "Auth token for client B")
		text    = flag.String("text", "hello vigil 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n", a.userID, a.sessionID, b.userID, b.sessionID, *origin)
	}

	mustJoin(root, a, *roomID, nil, *timeout)
	mustJoin(root, b, *roomID, nil, *timeout)

	key := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	serverMsgID, seq := mustSendAndAssertAck(root, a, *roomID, key, *text, false, *timeout)

	mustAssertMessage(root, b, *roomID, key, serverMsgID, seq, a.userID, *text, *timeout)

	_ = drainOptionalMessage(root, a, 750*time.Millisecond)

	// Resend with the same key: ack flags the duplicate, nobody sees a second copy.
	_, seq2 := mustSendAndAssertAck(root, a, *roomID, key, *text, true, *timeout)
	if seq2 != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, seq2)
	}
	mustAssertNoType(root, b, v1.TypeMessage, 1200*time.Millisecond)
	mustAssertNoType(root, a, v1.TypeMessage, 1200*time.Millisecond)

	// A fresh connection joining with after_seq=0 replays the stored message.
	c := mustConnect(root, "C", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(c.conn)

	var zero int64
	replayed := mustJoin(root, c, *roomID, &zero, *timeout)
	if replayed < 1 {
		fatalf("backfill: expected at least 1 replayed message, got %d", replayed)
	}

	fmt.Printf("OK: A=%s B=%s room=%s seq=%d server_msg_id=%s replayed=%d\n",
		a.userID, b.userID, *roomID, seq, serverMsgID, replayed)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}

	handshake := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHandshake,
		ID:      fmt.Sprintf("%s-handshake", name),
		TS:      time.Now().UnixMilli(),
		Payload: mustJSON(v1.HandshakePayload{Token: token}),
	}
	mustWriteWithTimeout(parent, conn, handshake, stepTimeout)

	c.startReadLoop()

	ack := c.mustReadUntilType(parent, v1.TypeAck, stepTimeout, nil)

	var p v1.HandshakeAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal handshake ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("handshake ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			envs, err := v1.DecodeFrame(data)
			if err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad frame: %w", err):
				default:
				}
				return
			}

			for _, env := range envs {
				if err := env.Validate(); err != nil {
					select {
					case c.errCh <- fmt.Errorf("bad envelope: %w", err):
					default:
					}
					return
				}
				select {
				case c.inbox <- env:
				default:
					select {
					case c.errCh <- errors.New("inbox overflow: consumer too slow"):
					default:
					}
					return
				}
			}
		}
	}()
}

// mustJoin subscribes to a room and returns the replayed message count.
func (c *smokeClient) join(parent context.Context, roomID string, afterSeq *int64, stepTimeout time.Duration) int {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		RoomID:  roomID,
		TS:      time.Now().UnixMilli(),
		Payload: mustJSON(v1.JoinPayload{RoomID: roomID, AfterSeq: afterSeq}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// Replayed messages are queued ahead of the join ack; skip them here, the
	// caller asserts on them separately.
	skip := map[string]struct{}{v1.TypeMessage: {}, v1.TypePresence: {}}
	ack := c.mustReadUntilType(parent, v1.TypeAck, stepTimeout, skip)

	var p v1.JoinAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal join ack payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("join ack room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	return p.Replayed
}

func mustJoin(parent context.Context, c *smokeClient, roomID string, afterSeq *int64, stepTimeout time.Duration) int {
	return c.join(parent, roomID, afterSeq, stepTimeout)
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, roomID, key, text string, wantDuplicate bool, stepTimeout time.Duration) (serverMsgID string, seq int64) {
	env := v1.Envelope{
		V:              v1.Version,
		Type:           v1.TypeMessage,
		ID:             fmt.Sprintf("%s-send-%s", c.name, key),
		RoomID:         roomID,
		IdempotencyKey: key,
		TS:             time.Now().UnixMilli(),
		Payload:        mustJSON(v1.MessageSendPayload{RoomID: roomID, Text: text}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessage: {}, v1.TypeTyping: {}, v1.TypePresence: {}}
	ack := c.mustReadUntilType(parent, v1.TypeAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message ack payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("ack room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.IdempotencyKey != key {
		fatalf("ack idempotency_key mismatch (%s): got=%q want=%q", c.name, p.IdempotencyKey, key)
	}
	if strings.TrimSpace(p.ServerMsgID) == "" {
		fatalf("ack missing server_msg_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	if p.Duplicate != wantDuplicate {
		fatalf("ack duplicate mismatch (%s): got=%v want=%v", c.name, p.Duplicate, wantDuplicate)
	}
	return p.ServerMsgID, p.Seq
}

func mustAssertMessage(parent context.Context, c *smokeClient, roomID, key, serverMsgID string, seq int64, senderID, text string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeTyping: {}, v1.TypePresence: {}}
	env := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout, skip)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message payload (%s): %v", c.name, err)
	}

	if p.RoomID != roomID {
		fatalf("message room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.IdempotencyKey != key {
		fatalf("message idempotency_key mismatch (%s): got=%q want=%q", c.name, p.IdempotencyKey, key)
	}
	if p.ServerMsgID != serverMsgID {
		fatalf("message server_msg_id mismatch (%s): got=%q want=%q", c.name, p.ServerMsgID, serverMsgID)
	}
	if p.Seq != seq {
		fatalf("message seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.SenderID != senderID {
		fatalf("message sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Text != text {
		fatalf("message text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if p.ServerTS <= 0 {
		fatalf("message server_ts missing/zero (%s)", c.name)
	}
}

func drainOptionalMessage(parent context.Context, c *smokeClient, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == v1.TypeMessage {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := v1.EncodeFrame([]v1.Envelope{env})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
