// Package store is the single writer of durable state for the execution
// control plane: batches, items, orders, fills, OCO groups, position
// snapshots, scheduler runs and event logs (spec §3, §6). Adapted from the
// teacher's data/timescale/client.go (pool lifecycle) and
// data/orders_repository.go (raw-SQL repository idiom, CHECK constraints,
// weighted-avg-price fill arithmetic), generalized from a single orders
// table to the full schema this domain needs.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/bikeshrana/intraday-controller/internal/config"
)

// Store wraps a pgxpool connection pool and exposes one method set per
// entity (batches.go, which also records scheduler runs, items.go, orders.go,
// fills.go, oco.go, snapshots.go, events.go, audit.go). It is the only component in the
// system that writes persistent state; every other component issues
// commands against it.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New creates a connection-pooled Store, mirroring the teacher's
// timescale.NewClient: parse config, apply pool sizing, ping once.
func New(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("store: parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLife

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Int32("max_conns", cfg.MaxConns).
		Msg("connecting to store")

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	logger.Info().Msg("store connected")
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.logger.Info().Msg("closing store connection pool")
	s.pool.Close()
}

// Health reports whether the pool can still reach the database.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stats exposes pgxpool's own connection statistics for the metrics layer.
func (s *Store) Stats() *pgxpool.Stat {
	return s.pool.Stat()
}
