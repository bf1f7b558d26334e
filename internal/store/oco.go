package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const ocoColumns = `id, batch_item_id, qty, tp_order_id, sl_order_id, status, position_handles,
	created_at, closed_at`

func scanOco(row pgx.Row) (*OcoGroup, error) {
	var g OcoGroup
	err := row.Scan(&g.ID, &g.BatchItemID, &g.Qty, &g.TPOrderID, &g.SLOrderID, &g.Status,
		&g.PositionHandles, &g.CreatedAt, &g.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan oco group: %w", err)
	}
	return &g, nil
}

// CreateOcoGroup records a bracket pair once both TP and SL orders have been
// submitted and acknowledged, per spec §4.2 step 6.
func (s *Store) CreateOcoGroup(ctx context.Context, g *OcoGroup) (int64, error) {
	const q = `
		INSERT INTO oco_groups (batch_item_id, qty, tp_order_id, sl_order_id, status, position_handles)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	var id int64
	err := s.pool.QueryRow(ctx, q, g.BatchItemID, g.Qty, g.TPOrderID, g.SLOrderID, g.Status, g.PositionHandles).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create oco group: %w", err)
	}
	return id, nil
}

func (s *Store) GetOcoGroup(ctx context.Context, id int64) (*OcoGroup, error) {
	q := "SELECT " + ocoColumns + " FROM oco_groups WHERE id = $1"
	return scanOco(s.pool.QueryRow(ctx, q, id))
}

// ActiveOcoGroupForItem returns one open bracket for an item, if any; when
// the item has several ACTIVE groups, only the first row returned is used.
// The (batch_item_id, status) index keeps this a cheap lookup for the
// Supervisor's CancelItemBrackets.
func (s *Store) ActiveOcoGroupForItem(ctx context.Context, batchItemID int64) (*OcoGroup, error) {
	q := "SELECT " + ocoColumns + " FROM oco_groups WHERE batch_item_id = $1 AND status = 'ACTIVE'"
	return scanOco(s.pool.QueryRow(ctx, q, batchItemID))
}

// ListOcoGroupsForItem returns every bracket ever opened for an item,
// active or closed, so the OCO Manager can compute how much of filled_qty
// is already covered by an existing group.
func (s *Store) ListOcoGroupsForItem(ctx context.Context, batchItemID int64) ([]*OcoGroup, error) {
	q := "SELECT " + ocoColumns + " FROM oco_groups WHERE batch_item_id = $1 ORDER BY id ASC"
	rows, err := s.pool.Query(ctx, q, batchItemID)
	if err != nil {
		return nil, fmt.Errorf("store: list oco groups for item: %w", err)
	}
	defer rows.Close()

	var out []*OcoGroup
	for rows.Next() {
		g, err := scanOco(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListActiveOcoGroups backs the OCO Manager's durable-trigger recovery scan
// on restart (spec §4.3 OCO Manager).
func (s *Store) ListActiveOcoGroups(ctx context.Context) ([]*OcoGroup, error) {
	q := "SELECT " + ocoColumns + " FROM oco_groups WHERE status = 'ACTIVE' ORDER BY id ASC"
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list active oco groups: %w", err)
	}
	defer rows.Close()

	var out []*OcoGroup
	for rows.Next() {
		g, err := scanOco(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetOcoStatus transitions a bracket's status (ACTIVE -> TP_FILLED or
// SL_FILLED -> CLOSED, or ACTIVE -> CLOSED on operator cancel), stamping
// closed_at when the new status is CLOSED.
func (s *Store) SetOcoStatus(ctx context.Context, id int64, from, to string) error {
	const q = `
		UPDATE oco_groups
		SET status = $3, closed_at = CASE WHEN $3 IN ('CLOSED', 'ERROR') THEN NOW() ELSE closed_at END
		WHERE id = $1 AND status = $2
	`
	tag, err := s.pool.Exec(ctx, q, id, from, to)
	if err != nil {
		return fmt.Errorf("store: set oco status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}
