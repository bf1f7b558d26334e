package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RecordPositionSnapshot appends one poll-time observation of a broker
// position handle, consulted by the OCO Manager (margin position-handle
// wait) and the EOD Closer (residual-position discovery).
func (s *Store) RecordPositionSnapshot(ctx context.Context, p *PositionSnapshot) error {
	const q = `
		INSERT INTO position_snapshots (symbol, product, position_handle, qty)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.pool.Exec(ctx, q, p.Symbol, p.Product, p.PositionHandle, p.Qty); err != nil {
		return fmt.Errorf("store: record position snapshot: %w", err)
	}
	return nil
}

// LatestPositionSnapshot returns the most recent snapshot for a symbol, or
// ErrNotFound if the broker has never reported a position handle for it.
func (s *Store) LatestPositionSnapshot(ctx context.Context, symbol string) (*PositionSnapshot, error) {
	const q = `
		SELECT id, symbol, product, position_handle, qty, snapshot_at
		FROM position_snapshots
		WHERE symbol = $1
		ORDER BY snapshot_at DESC
		LIMIT 1
	`
	var p PositionSnapshot
	err := s.pool.QueryRow(ctx, q, symbol).Scan(&p.ID, &p.Symbol, &p.Product, &p.PositionHandle, &p.Qty, &p.SnapshotAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest position snapshot: %w", err)
	}
	return &p, nil
}
