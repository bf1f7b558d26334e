package store

import (
	"context"
	"fmt"
)

// AppendAuditLog writes one operator-intervention row (spec §3 AuditLog):
// PauseBatch, ResumeBatch, CancelBatch, CancelItemBrackets, ForceCloseItem
// and PanicStopAll all go through this, never through a raw UPDATE, so the
// full manual-intervention trail survives independent of the state machine
// tables. Grounded on the teacher's audit/logger.go LogEvent, with its
// placeholder-building fixed to parameterized $n args throughout.
func (s *Store) AppendAuditLog(ctx context.Context, a *AuditLogEntry) error {
	const q = `
		INSERT INTO audit_logs (actor, command, batch_job_id, batch_item_id, reason, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, q, a.Actor, a.Command, a.BatchJobID, a.BatchItemID, a.Reason, a.Details)
	if err != nil {
		return fmt.Errorf("store: append audit log: %w", err)
	}
	return nil
}

func (s *Store) ListAuditLogForBatch(ctx context.Context, batchJobID int64) ([]*AuditLogEntry, error) {
	const q = `
		SELECT id, occurred_at, actor, command, batch_job_id, batch_item_id, reason, details
		FROM audit_logs WHERE batch_job_id = $1 ORDER BY occurred_at ASC
	`
	rows, err := s.pool.Query(ctx, q, batchJobID)
	if err != nil {
		return nil, fmt.Errorf("store: list audit log for batch: %w", err)
	}
	defer rows.Close()

	var out []*AuditLogEntry
	for rows.Next() {
		var a AuditLogEntry
		if err := rows.Scan(&a.ID, &a.OccurredAt, &a.Actor, &a.Command, &a.BatchJobID, &a.BatchItemID,
			&a.Reason, &a.Details); err != nil {
			return nil, fmt.Errorf("store: scan audit log: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
