package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const orderColumns = `id, batch_item_id, role, broker_order_id, client_order_ref, side, qty, order_type,
	price, stop_trigger, status, cum_qty, avg_price, submitted_at, last_poll_at, raw_payload, version`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.BatchItemID, &o.Role, &o.BrokerOrderID, &o.ClientOrderRef, &o.Side, &o.Qty,
		&o.OrderType, &o.Price, &o.StopTrigger, &o.Status, &o.CumQty, &o.AvgPrice, &o.SubmittedAt,
		&o.LastPollAt, &o.RawPayload, &o.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan order: %w", err)
	}
	return &o, nil
}

// CreateOrder inserts an intent row: an order moving toward the broker with
// a client-assigned reference before the broker has acknowledged it, the
// idempotency anchor restarts use to detect an in-flight submit (spec §5).
func (s *Store) CreateOrder(ctx context.Context, o *Order) (int64, error) {
	const q = `
		INSERT INTO orders (batch_item_id, role, client_order_ref, side, qty, order_type, price,
			stop_trigger, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	var id int64
	err := s.pool.QueryRow(ctx, q, o.BatchItemID, o.Role, o.ClientOrderRef, o.Side, o.Qty, o.OrderType,
		o.Price, o.StopTrigger, o.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create order: %w", err)
	}
	return id, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*Order, error) {
	q := "SELECT " + orderColumns + " FROM orders WHERE id = $1"
	return scanOrder(s.pool.QueryRow(ctx, q, id))
}

func (s *Store) GetOrderByClientRef(ctx context.Context, ref string) (*Order, error) {
	q := "SELECT " + orderColumns + " FROM orders WHERE client_order_ref = $1"
	return scanOrder(s.pool.QueryRow(ctx, q, ref))
}

func (s *Store) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*Order, error) {
	q := "SELECT " + orderColumns + " FROM orders WHERE broker_order_id = $1"
	return scanOrder(s.pool.QueryRow(ctx, q, brokerOrderID))
}

// GetPendingEntryIntent returns the item's most recent entry intent row that
// was checkpointed before a broker call whose outcome is still unknown (no
// broker_order_id attached, status still NEW). A non-nil result means a
// submit may already be in flight at the broker and the caller must not
// blindly resubmit (spec §5 checkpoint-intent discipline).
func (s *Store) GetPendingEntryIntent(ctx context.Context, batchItemID int64) (*Order, error) {
	const q = `
		SELECT ` + orderColumns + ` FROM orders
		WHERE batch_item_id = $1 AND role = 'entry' AND broker_order_id IS NULL AND status = 'NEW'
		ORDER BY id DESC LIMIT 1
	`
	return scanOrder(s.pool.QueryRow(ctx, q, batchItemID))
}

func (s *Store) ListOrdersForItem(ctx context.Context, batchItemID int64) ([]*Order, error) {
	q := "SELECT " + orderColumns + " FROM orders WHERE batch_item_id = $1 ORDER BY id ASC"
	rows, err := s.pool.Query(ctx, q, batchItemID)
	if err != nil {
		return nil, fmt.Errorf("store: list orders for item: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListOpenOrders returns every order not yet in a terminal status. The
// Watcher does not use it: it reconciles whatever the broker's order list
// returns (spec §4.4).
func (s *Store) ListOpenOrders(ctx context.Context) ([]*Order, error) {
	const q = `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status NOT IN ('FILLED', 'CANCELLED', 'REJECTED')
		ORDER BY id ASC
	`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list open orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AttachBrokerOrderID records the broker's acknowledgement of a previously
// created intent row. A unique-violation on broker_order_id means a replayed
// submit landed twice and is returned as ErrDuplicateBrokerOrderID; the
// callers in this module log it like any other error.
func (s *Store) AttachBrokerOrderID(ctx context.Context, id int64, brokerOrderID string, to string) error {
	const q = `
		UPDATE orders SET broker_order_id = $2, status = $3, version = version + 1
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, q, id, brokerOrderID, to)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateBrokerOrderID
		}
		return fmt.Errorf("store: attach broker order id: %w", err)
	}
	return nil
}

// SetOrderStatus performs the optimistic-version conditional transition for
// an order, mirroring SetItemStatus but over the orders table.
func (s *Store) SetOrderStatus(ctx context.Context, id int64, expectedVersion int, to string) error {
	const q = `
		UPDATE orders SET status = $3, version = version + 1, last_poll_at = NOW()
		WHERE id = $1 AND version = $2
	`
	tag, err := s.pool.Exec(ctx, q, id, expectedVersion, to)
	if err != nil {
		return fmt.Errorf("store: set order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ApplyOrderFill advances cum_qty/avg_price with the same weighted-average
// arithmetic as the teacher's FillOrder, scoped to the orders table, and
// stamps last_poll_at so the Watcher's staleness checks have a fresh anchor.
func (s *Store) ApplyOrderFill(ctx context.Context, id int64, expectedVersion int, deltaQty, fillPrice float64, status string) error {
	const q = `
		UPDATE orders
		SET avg_price = CASE
				WHEN cum_qty = 0 THEN $4
				ELSE (avg_price * cum_qty + $4 * $3) / (cum_qty + $3)
			END,
			cum_qty = cum_qty + $3,
			status = $5,
			version = version + 1,
			last_poll_at = NOW()
		WHERE id = $1 AND version = $2
	`
	tag, err := s.pool.Exec(ctx, q, id, expectedVersion, deltaQty, fillPrice, status)
	if err != nil {
		return fmt.Errorf("store: apply order fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *Store) TouchLastPoll(ctx context.Context, id int64, raw []byte) error {
	const q = `UPDATE orders SET last_poll_at = NOW(), raw_payload = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, raw); err != nil {
		return fmt.Errorf("store: touch last poll: %w", err)
	}
	return nil
}
