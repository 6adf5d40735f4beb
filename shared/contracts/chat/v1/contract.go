// Package v1 defines the Vigil Chat Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHandshake starts a session and carries the identity provider token (client -> server).
	TypeHandshake = "handshake"

	// TypeMessage carries chat content. Client -> server it is a send request;
	// server -> client it is an accepted message fanned out to room members.
	TypeMessage = "message"

	// TypeTyping signals typing start/stop for a (room, user) pair. Lossy side channel.
	TypeTyping = "typing"

	// TypePresence signals online/offline transitions. Lossy side channel.
	TypePresence = "presence"

	// TypeJoin subscribes the connection to a room (client -> server, acked).
	TypeJoin = "join"
	// TypeLeave unsubscribes the connection from a room (client -> server).
	TypeLeave = "leave"

	// TypeAck acknowledges a handshake, join, or message send (server -> client).
	TypeAck = "ack"

	// TypeError reports a rejected operation (server -> client).
	TypeError = "error"

	// TypePing and TypePong are the protocol heartbeat. They carry no ordering
	// guarantee relative to messages.
	TypePing = "ping"
	TypePong = "pong"
)

// Envelope is the canonical wire wrapper. All frames are this shape;
// Type determines the payload schema. TS is unix milliseconds.
type Envelope struct {
	V              string          `json:"v"`
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	SenderID       string          `json:"sender_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TS             int64           `json:"ts"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHandshake,
		TypeMessage,
		TypeTyping,
		TypePresence,
		TypeJoin,
		TypeLeave,
		TypeAck,
		TypeError,
		TypePing,
		TypePong:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Millis converts a time to the wire timestamp representation.
func Millis(t time.Time) int64 { return t.UnixMilli() }

var frameSep = []byte{'\n'}

// EncodeFrame marshals one or more envelopes into a single transport frame.
// Envelopes are newline-delimited JSON so a batch costs one frame.
func EncodeFrame(envs []Envelope) ([]byte, error) {
	if len(envs) == 0 {
		return nil, errors.New("empty frame")
	}

	var buf bytes.Buffer
	for i, env := range envs {
		b, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.Write(frameSep)
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// DecodeFrame splits a transport frame back into envelopes.
// A frame with a single envelope is the common case.
func DecodeFrame(data []byte) ([]Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}

	lines := bytes.Split(data, frameSep)
	out := make([]Envelope, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if len(out) == 0 {
		return nil, errors.New("empty frame")
	}
	return out, nil
}
