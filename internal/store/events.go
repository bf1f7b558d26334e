package store

import (
	"context"
	"fmt"
)

// AppendEvent writes a structured event row (spec §3 EventLog), the durable
// record behind every WARN/ERROR the Watcher, OCO Manager and EOD Closer
// raise. Kept append-only and side-effect-free: nothing downstream of this
// call ever mutates a row once written.
func (s *Store) AppendEvent(ctx context.Context, e *EventLogEntry) error {
	const q = `
		INSERT INTO event_logs (level, component, event_code, batch_item_id, message, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, q, e.Level, e.Component, e.EventCode, e.BatchItemID, e.Message, e.Details)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsForItem(ctx context.Context, batchItemID int64) ([]*EventLogEntry, error) {
	const q = `
		SELECT id, occurred_at, level, component, event_code, batch_item_id, message, details
		FROM event_logs WHERE batch_item_id = $1 ORDER BY occurred_at ASC
	`
	rows, err := s.pool.Query(ctx, q, batchItemID)
	if err != nil {
		return nil, fmt.Errorf("store: list events for item: %w", err)
	}
	defer rows.Close()

	var out []*EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Level, &e.Component, &e.EventCode, &e.BatchItemID,
			&e.Message, &e.Details); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
