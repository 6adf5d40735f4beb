package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbPingTimeout       = 3 * time.Second
	dbMaxConnLifetime   = 55 * time.Minute
	dbMaxConnIdleTime   = 15 * time.Minute
	dbHealthCheckPeriod = time.Minute
)

// poolConfig parses the database URL and applies the pool policy: connection
// bounds from config, recycling windows so long-lived gateway processes do not
// pin stale connections, and an application_name so sessions are attributable
// in pg_stat_activity.
func poolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns > 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.MaxConnLifetime = dbMaxConnLifetime
	pcfg.MaxConnIdleTime = dbMaxConnIdleTime
	pcfg.HealthCheckPeriod = dbHealthCheckPeriod
	pcfg.ConnConfig.RuntimeParams["application_name"] = "vigil"

	return pcfg, nil
}

// NewDBPool builds the pgx pool and validates connectivity before handing it
// out. It does not run migrations; schema management is external.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	if err := PingDB(ctx, pool, dbPingTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// PingDB round-trips the database within the timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}
