package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h)

	log.Info("ws.session.start", "session_id", "s1", "user_id", "u1", "duration_ms", int64(250))

	out := buf.String()
	for _, want := range []string{"lvl=[INFO]", "msg=ws.session.start", "session_id=s1", "user_id=u1", "duration=250ms"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but ANSI codes present: %q", out)
	}
}

func TestPrettyHandler_LevelGate(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should be filtered at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error should pass at warn level")
	}
}

func TestPrettyHandler_GroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, nil, false)
	log := slog.New(h).With("svc", "vigil").WithGroup("room")

	log.Info("room.subscribe", "id", "dm:a:b")

	out := buf.String()
	if !strings.Contains(out, "svc=vigil") {
		t.Fatalf("missing bound attr: %s", out)
	}
	if !strings.Contains(out, "room.id=dm:a:b") {
		t.Fatalf("missing grouped attr: %s", out)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{in: "", want: `""`},
		{in: "plain", want: "plain"},
		{in: "has space", want: `"has space"`},
		{in: `has"quote`, want: `"has\"quote"`},
	}
	for _, tc := range cases {
		if got := quoteIfNeeded(tc.in); got != tc.want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestValueToInt64(t *testing.T) {
	t.Parallel()

	if n, ok := valueToInt64(slog.Int64Value(42)); !ok || n != 42 {
		t.Fatalf("int64: got %d ok=%v", n, ok)
	}
	if _, ok := valueToInt64(slog.StringValue("nope")); ok {
		t.Fatalf("string should not convert")
	}
	if n, ok := valueToInt64(slog.DurationValue(time.Second)); ok {
		t.Fatalf("duration should not convert, got %d", n)
	}
}
