package app

import (
	"testing"
	"time"
)

func TestParseDevTokens(t *testing.T) {
	t.Parallel()

	v, err := parseDevTokens("tok-a:alice:admin, tok-b:bob")
	if err != nil {
		t.Fatalf("parseDevTokens: %v", err)
	}

	if got := v["tok-a"]; got.UserID != "alice" || got.Role != "admin" {
		t.Fatalf("tok-a resolved to %+v", got)
	}
	if got := v["tok-b"]; got.UserID != "bob" || got.Role != "member" {
		t.Fatalf("tok-b should default to member role, got %+v", got)
	}
	if _, ok := v["tok-c"]; ok {
		t.Fatalf("unexpected token resolved")
	}
}

func TestParseDevTokens_Invalid(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"no-colon", ":user", "tok:", " , "} {
		if _, err := parseDevTokens(raw); err == nil {
			t.Fatalf("parseDevTokens(%q) should fail", raw)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("StoreBackend=%q", cfg.StoreBackend)
	}
	if cfg.DBSchema != "vigil" {
		t.Fatalf("DBSchema=%q", cfg.DBSchema)
	}
	if cfg.KafkaPushTopic != "vigil.push" {
		t.Fatalf("KafkaPushTopic=%q", cfg.KafkaPushTopic)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("VIGIL_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("VIGIL_STORE", "scylla")
	t.Setenv("VIGIL_SCYLLA_HOSTS", "db1:9042, db2:9042")
	t.Setenv("VIGIL_HTTP_READ_TIMEOUT", "30s")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.StoreBackend != "scylla" {
		t.Fatalf("StoreBackend=%q", cfg.StoreBackend)
	}
	if len(cfg.ScyllaHosts) != 2 || cfg.ScyllaHosts[1] != "db2:9042" {
		t.Fatalf("ScyllaHosts=%v", cfg.ScyllaHosts)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("ReadTimeout=%v", cfg.ReadTimeout)
	}
}

func TestNew_MemoryMode(t *testing.T) {
	cfg := Config{
		StoreBackend: "memory",
		LogLevel:     "error",
		DevTokens:    "tok:alice",
	}

	a, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.gw == nil {
		t.Fatalf("gateway not wired")
	}
	if a.dbEnabled {
		t.Fatalf("db should be disabled without VIGIL_DATABASE_URL")
	}
}

func TestNew_PostgresStoreWithoutDB(t *testing.T) {
	cfg := Config{StoreBackend: "postgres"}
	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatalf("expected error: postgres store without database url")
	}
}
