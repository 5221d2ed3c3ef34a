package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Options tunes the connection pool. Zero values fall back to defaults
// sized for one chat server instance.
//
// Why these knobs and not the whole pgxpool.Config?
//   - Every send holds a connection across the insert transaction, so
//     MaxConns bounds how many sends persist in parallel per instance.
//   - MinConns keeps a few connections warm so the first messages after an
//     idle period do not pay for a TLS handshake.
//   - Everything else is derived from the URL (host, database, sslmode).
type Options struct {
	URL      string
	MaxConns int32
	MinConns int32

	// ConnectTimeout bounds the whole connect-and-ping loop at startup.
	ConnectTimeout time.Duration
}

const healthTimeout = 2 * time.Second

type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New opens a pgx pool and pings it.
//
// The connect is retried with exponential backoff until ConnectTimeout
// (30s by default). In docker compose the server and Postgres start
// together, and the first pings fail while Postgres is still replaying
// its WAL. A malformed URL or pool config fails immediately; retrying
// cannot fix it.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = orDefault(opts.MaxConns, 25)
	cfg.MinConns = orDefault(opts.MinConns, 2)
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = timeout

	// connect is one attempt: build the pool, ping once, close it again if
	// the ping fails so a retry never leaks connections.
	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create pool: %w", err))
		}
		pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			return fmt.Errorf("ping: %w", err)
		}
		pool = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("database not ready, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}

	logger.Info("database pool ready",
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database),
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns),
	)
	return &DB{pool: pool, logger: logger}, nil
}

func orDefault(v, def int32) int32 {
	if v > 0 {
		return v
	}
	return def
}

// Close drains the pool. Pool stats are logged first; a non-zero
// acquired count at shutdown means a request was still running.
func (db *DB) Close() {
	st := db.pool.Stat()
	db.logger.Info("closing database pool",
		zap.Int32("acquired", st.AcquiredConns()),
		zap.Int32("idle", st.IdleConns()),
	)
	db.pool.Close()
}

// Pool exposes the pool to the repository constructors.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Health pings one pooled connection for /v1/ready. It never waits longer
// than two seconds, whatever deadline ctx carries: a load balancer health check
// must fail fast instead of piling up behind a stuck database.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return db.pool.Ping(ctx)
}
