package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateItem(ctx context.Context, it *BatchItem) (int64, error) {
	const q = `
		INSERT INTO batch_items (batch_job_id, symbol, market_code, product, side, qty, entry_type,
			entry_price, tp_price, sl_trigger_price, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	var id int64
	err := s.pool.QueryRow(ctx, q, it.BatchJobID, it.Symbol, it.MarketCode, it.Product, it.Side, it.Qty,
		it.EntryType, it.EntryPrice, it.TPPrice, it.SLTriggerPrice, it.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create item: %w", err)
	}
	return id, nil
}

const itemColumns = `id, batch_job_id, symbol, market_code, product, side, qty, entry_type, entry_price,
	tp_price, sl_trigger_price, status, filled_qty, avg_fill_price, entry_broker_order_id, last_error,
	version, created_at, updated_at`

func scanItem(row pgx.Row) (*BatchItem, error) {
	var it BatchItem
	err := row.Scan(&it.ID, &it.BatchJobID, &it.Symbol, &it.MarketCode, &it.Product, &it.Side, &it.Qty,
		&it.EntryType, &it.EntryPrice, &it.TPPrice, &it.SLTriggerPrice, &it.Status, &it.FilledQty,
		&it.AvgFillPrice, &it.EntryBrokerOrderID, &it.LastError, &it.Version, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan item: %w", err)
	}
	return &it, nil
}

func (s *Store) GetItem(ctx context.Context, id int64) (*BatchItem, error) {
	q := "SELECT " + itemColumns + " FROM batch_items WHERE id = $1"
	return scanItem(s.pool.QueryRow(ctx, q, id))
}

// ListItemsForBatch returns a batch's items in ascending id order, the
// stable iteration order the Execution Engine requires (spec §4.2).
func (s *Store) ListItemsForBatch(ctx context.Context, batchJobID int64) ([]*BatchItem, error) {
	q := "SELECT " + itemColumns + " FROM batch_items WHERE batch_job_id = $1 ORDER BY id ASC"
	rows, err := s.pool.Query(ctx, q, batchJobID)
	if err != nil {
		return nil, fmt.Errorf("store: list items: %w", err)
	}
	defer rows.Close()

	var out []*BatchItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListItemsByStatus lists items across all batches in a given status. The
// OCO Manager's sweep and the EOD Closer use other queries
// (ListActiveOcoGroups, ListItemsForBatch) instead.
func (s *Store) ListItemsByStatus(ctx context.Context, statuses ...string) ([]*BatchItem, error) {
	q := "SELECT " + itemColumns + " FROM batch_items WHERE status = ANY($1) ORDER BY id ASC"
	rows, err := s.pool.Query(ctx, q, statuses)
	if err != nil {
		return nil, fmt.Errorf("store: list items by status: %w", err)
	}
	defer rows.Close()

	var out []*BatchItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SetItemStatus performs the optimistic-version conditional update that
// backs every item state transition in spec §4.3. The update does not check
// that the edge is legal; callers that need that check call
// domain.ValidTransition first.
func (s *Store) SetItemStatus(ctx context.Context, id int64, expectedVersion int, to string, lastError *string) error {
	const q = `
		UPDATE batch_items
		SET status = $3, last_error = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`
	tag, err := s.pool.Exec(ctx, q, id, expectedVersion, to, lastError)
	if err != nil {
		return fmt.Errorf("store: set item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SetEntryBrokerOrderID records the broker-assigned id for an item's entry
// order, part of the ENTRY_SENT transition (spec §4.2 step 5).
func (s *Store) SetEntryBrokerOrderID(ctx context.Context, id int64, brokerOrderID string) error {
	const q = `UPDATE batch_items SET entry_broker_order_id = $2, updated_at = NOW() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, brokerOrderID); err != nil {
		return fmt.Errorf("store: set entry broker order id: %w", err)
	}
	return nil
}

// ApplyFillDelta advances filled_qty and the weighted avg_fill_price for a
// newly observed fill delta, mirroring the teacher's FillOrder CASE
// expression in orders_repository.go, generalized to batch_items. Returns
// the item's new filled_qty so the caller (Watcher) can compare against qty
// to decide the next item-status transition.
func (s *Store) ApplyFillDelta(ctx context.Context, id int64, expectedVersion int, deltaQty, fillPrice float64) (float64, error) {
	const q = `
		UPDATE batch_items
		SET avg_fill_price = CASE
				WHEN filled_qty = 0 THEN $4
				ELSE (avg_fill_price * filled_qty + $4 * $3) / (filled_qty + $3)
			END,
			filled_qty = filled_qty + $3,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING filled_qty
	`
	var newFilled float64
	err := s.pool.QueryRow(ctx, q, id, expectedVersion, deltaQty, fillPrice).Scan(&newFilled)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("store: apply fill delta: %w", err)
	}
	return newFilled, nil
}

// RejectPlanMutation returns a descriptive error when an operator attempts
// to edit an item's plan fields while its parent batch is RUNNING or PAUSED,
// per the lock discipline in spec §5. Callers check this before issuing an
// UPDATE against qty/prices/entry_type.
func (s *Store) RejectPlanMutation(ctx context.Context, itemID int64) error {
	const q = `
		SELECT bj.status FROM batch_items bi
		JOIN batch_jobs bj ON bj.id = bi.batch_job_id
		WHERE bi.id = $1
	`
	var batchStatus string
	if err := s.pool.QueryRow(ctx, q, itemID).Scan(&batchStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: check plan mutation lock: %w", err)
	}
	if batchStatus == "RUNNING" || batchStatus == "PAUSED" {
		return fmt.Errorf("store: batch is %s, plan fields are locked", batchStatus)
	}
	return nil
}
