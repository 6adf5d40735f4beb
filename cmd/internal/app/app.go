// Package app wires the Vigil server runtime: config, logging, HTTP routes,
// persistence backends, and the realtime gateway.
//
// It is intentionally small and deterministic to keep behavior predictable.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vigil/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App is the Vigil server runtime: it owns HTTP server wiring and the realtime
// gateway dependency graph.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry
	gw       *realtime.Gateway

	// closers run in reverse order during shutdown.
	closers []func(context.Context) error
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}

	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, fmt.Errorf("app: db pool: %w", err)
		}
		a.dbPool = pool
		a.dbEnabled = true
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		log.Info("db.enabled", "schema", cfg.DBSchema)
	}

	msgStore, err := a.buildMessageStore(cfg)
	if err != nil {
		a.closeAll(context.Background())
		return nil, err
	}

	roomStore, err := a.buildRoomStore(cfg)
	if err != nil {
		a.closeAll(context.Background())
		return nil, err
	}

	if cfg.DevRooms != "" {
		if err := seedDevRooms(context.Background(), roomStore, cfg.DevRooms); err != nil {
			a.closeAll(context.Background())
			return nil, err
		}
		log.Warn("rooms.dev_seed", "raw", cfg.DevRooms)
	}

	verifier, err := buildVerifier(cfg, log)
	if err != nil {
		a.closeAll(context.Background())
		return nil, err
	}

	presence, err := a.buildPresence(cfg)
	if err != nil {
		a.closeAll(context.Background())
		return nil, err
	}

	push, err := a.buildPush(cfg)
	if err != nil {
		a.closeAll(context.Background())
		return nil, err
	}

	hub := realtime.NewHub(log)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(a.registry, hub)

	a.gw = realtime.NewGateway(log, realtime.GatewayDeps{
		Hub:      hub,
		Store:    msgStore,
		Rooms:    roomStore,
		Verifier: verifier,
		Presence: presence,
		Push:     push,
		Metrics:  metrics,
	})

	return a, nil
}

// Gateway exposes the realtime gateway (tests and tooling).
func (a *App) Gateway() *realtime.Gateway { return a.gw }

func (a *App) buildMessageStore(cfg Config) (realtime.MessageStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreBackend)) {
	case "", "memory":
		a.log.Info("store.memory")
		return realtime.NewInMemoryStore(), nil

	case "postgres":
		if !a.dbEnabled {
			return nil, errors.New("app: VIGIL_STORE=postgres requires VIGIL_DATABASE_URL")
		}
		st, err := realtime.NewPostgresStore(a.dbPool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		a.log.Info("store.postgres", "schema", cfg.DBSchema)
		return st, nil

	case "scylla":
		if len(cfg.ScyllaHosts) == 0 {
			return nil, errors.New("app: VIGIL_STORE=scylla requires VIGIL_SCYLLA_HOSTS")
		}
		session, err := realtime.NewScyllaSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
		if err != nil {
			return nil, fmt.Errorf("app: scylla session: %w", err)
		}
		if err := realtime.EnsureScyllaSchema(session); err != nil {
			session.Close()
			return nil, fmt.Errorf("app: scylla schema: %w", err)
		}
		st, err := realtime.NewScyllaStore(session)
		if err != nil {
			session.Close()
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return st.Close() })
		a.log.Info("store.scylla", "keyspace", cfg.ScyllaKeyspace, "hosts", len(cfg.ScyllaHosts))
		return st, nil

	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.StoreBackend)
	}
}

func (a *App) buildRoomStore(cfg Config) (realtime.RoomStore, error) {
	if a.dbEnabled {
		rs, err := realtime.NewPostgresRoomStore(a.dbPool, realtime.WithRoomSchema(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		return rs, nil
	}
	return realtime.NewInMemoryRoomStore(), nil
}

func buildVerifier(cfg Config, log Logger) (realtime.TokenVerifier, error) {
	if cfg.JWTSecret != "" {
		return realtime.NewJWTVerifier([]byte(cfg.JWTSecret))
	}

	if cfg.DevTokens != "" {
		v, err := parseDevTokens(cfg.DevTokens)
		if err != nil {
			return nil, err
		}
		log.Warn("auth.dev_tokens", "count", len(v))
		return v, nil
	}

	// No verifier: every handshake is rejected. Loud on purpose.
	log.Warn("auth.unconfigured", "hint", "set VIGIL_JWT_SECRET or VIGIL_DEV_TOKENS")
	return nil, nil
}

// parseDevTokens parses "token:user[:role]" CSV entries.
func parseDevTokens(raw string) (realtime.StaticVerifier, error) {
	out := make(realtime.StaticVerifier)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("app: bad VIGIL_DEV_TOKENS entry %q", entry)
		}
		id := realtime.Identity{UserID: parts[1], Role: realtime.RoleMember}
		if len(parts) >= 3 && parts[2] != "" {
			id.Role = parts[2]
		}
		out[parts[0]] = id
	}
	if len(out) == 0 {
		return nil, errors.New("app: VIGIL_DEV_TOKENS is set but empty")
	}
	return out, nil
}

// seedDevRooms parses "room:user1;user2" CSV entries and creates each room.
func seedDevRooms(ctx context.Context, rooms realtime.RoomStore, raw string) error {
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		roomID, rawMembers, ok := strings.Cut(entry, ":")
		if !ok || roomID == "" || rawMembers == "" {
			return fmt.Errorf("app: bad VIGIL_DEV_ROOMS entry %q", entry)
		}
		members := strings.Split(rawMembers, ";")
		if _, err := rooms.CreateGroupRoom(ctx, roomID, members); err != nil {
			return fmt.Errorf("app: seed room %q: %w", roomID, err)
		}
	}
	return nil
}

func (a *App) buildPresence(cfg Config) (realtime.PresenceTracker, error) {
	if cfg.RedisAddr == "" {
		return nil, nil // gateway defaults to MemoryPresence
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("app: redis ping: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })

	p, err := realtime.NewRedisPresence(rdb, 0)
	if err != nil {
		return nil, err
	}
	a.log.Info("presence.redis", "addr", cfg.RedisAddr)
	return p, nil
}

func (a *App) buildPush(cfg Config) (realtime.PushEmitter, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return realtime.NopPushEmitter{}, nil
	}

	e, err := realtime.NewKafkaPushEmitter(cfg.KafkaBrokers, cfg.KafkaPushTopic)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return e.Close() })
	a.log.Info("push.kafka", "topic", cfg.KafkaPushTopic, "brokers", len(cfg.KafkaBrokers))
	return e, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gw, a.registry)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithSecurityHeaders(WithRequestLogging(mux, a.log)),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.cfg.StoreBackend, "db_enabled", a.dbEnabled)

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go a.gw.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.closeAll(shutdownCtx)
	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Error("close.fail", "err", err)
		}
	}
	a.closers = nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
