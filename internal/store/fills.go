package store

import (
	"context"
	"fmt"
)

// RecordFill appends an immutable fill row. Fills are never updated or
// deleted; replay detection is the caller's job (compare against cum_qty
// already applied to the parent order) before calling this.
func (s *Store) RecordFill(ctx context.Context, f *Fill) (int64, error) {
	const q = `
		INSERT INTO fills (order_id, filled_at, qty, price)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	var id int64
	err := s.pool.QueryRow(ctx, q, f.OrderID, f.FilledAt, f.Qty, f.Price).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: record fill: %w", err)
	}
	return id, nil
}

func (s *Store) ListFillsForOrder(ctx context.Context, orderID int64) ([]*Fill, error) {
	const q = `SELECT id, order_id, filled_at, qty, price FROM fills WHERE order_id = $1 ORDER BY id ASC`
	rows, err := s.pool.Query(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("store: list fills for order: %w", err)
	}
	defer rows.Close()

	var out []*Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.FilledAt, &f.Qty, &f.Price); err != nil {
			return nil, fmt.Errorf("store: scan fill: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// SumFilledQty returns the total quantity already recorded as fills for an
// order, used by the Watcher to detect how much of a broker-reported cum_qty
// delta is new.
func (s *Store) SumFilledQty(ctx context.Context, orderID int64) (float64, error) {
	const q = `SELECT COALESCE(SUM(qty), 0) FROM fills WHERE order_id = $1`
	var sum float64
	if err := s.pool.QueryRow(ctx, q, orderID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("store: sum filled qty: %w", err)
	}
	return sum, nil
}
