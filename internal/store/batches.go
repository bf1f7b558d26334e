package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CreateBatch inserts a new batch_jobs row in the given initial status
// ("SCHEDULED" or "RUNNING" per spec §3).
func (s *Store) CreateBatch(ctx context.Context, b *BatchJob) (int64, error) {
	const q = `
		INSERT INTO batch_jobs (batch_code, schedule_mode, scheduled_at, eod_close_time, eod_force_close, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	var id int64
	err := s.pool.QueryRow(ctx, q, b.BatchCode, b.ScheduleMode, b.ScheduledAt, b.EODCloseTime, b.EODForceClose, b.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create batch: %w", err)
	}
	return id, nil
}

func (s *Store) GetBatch(ctx context.Context, id int64) (*BatchJob, error) {
	const q = `
		SELECT id, batch_code, schedule_mode, scheduled_at, eod_close_time, eod_force_close,
			status, last_error, started_at, finished_at, version, created_at, updated_at
		FROM batch_jobs WHERE id = $1
	`
	return scanBatchJob(s.pool.QueryRow(ctx, q, id))
}

func (s *Store) GetBatchByCode(ctx context.Context, code string) (*BatchJob, error) {
	const q = `
		SELECT id, batch_code, schedule_mode, scheduled_at, eod_close_time, eod_force_close,
			status, last_error, started_at, finished_at, version, created_at, updated_at
		FROM batch_jobs WHERE batch_code = $1
	`
	return scanBatchJob(s.pool.QueryRow(ctx, q, code))
}

func scanBatchJob(row pgx.Row) (*BatchJob, error) {
	var b BatchJob
	err := row.Scan(&b.ID, &b.BatchCode, &b.ScheduleMode, &b.ScheduledAt, &b.EODCloseTime, &b.EODForceClose,
		&b.Status, &b.LastError, &b.StartedAt, &b.FinishedAt, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan batch: %w", err)
	}
	return &b, nil
}

// DueScheduledBatches returns every SCHEDULED batch whose scheduled_at has
// arrived, for the Scheduler's tick (spec §4.1). Uses the composite
// (status, scheduled_at) index from the schema.
func (s *Store) DueScheduledBatches(ctx context.Context, now time.Time) ([]*BatchJob, error) {
	const q = `
		SELECT id, batch_code, schedule_mode, scheduled_at, eod_close_time, eod_force_close,
			status, last_error, started_at, finished_at, version, created_at, updated_at
		FROM batch_jobs
		WHERE status = 'SCHEDULED' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
	`
	rows, err := s.pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("store: due scheduled batches: %w", err)
	}
	defer rows.Close()

	var out []*BatchJob
	for rows.Next() {
		b, err := scanBatchJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ActivateBatch performs the Scheduler's conditional swap: SCHEDULED→RUNNING
// keyed on (id, status='SCHEDULED'). A losing updater (another process, or a
// second tick that already won) observes ErrVersionConflict and skips.
func (s *Store) ActivateBatch(ctx context.Context, id int64, startedAt time.Time) error {
	const q = `
		UPDATE batch_jobs
		SET status = 'RUNNING', started_at = $2, version = version + 1, updated_at = $2
		WHERE id = $1 AND status = 'SCHEDULED'
	`
	tag, err := s.pool.Exec(ctx, q, id, startedAt)
	if err != nil {
		return fmt.Errorf("store: activate batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// FailMissedBatch transitions a batch straight to ERROR without firing, per
// the Scheduler's missed-fire policy (spec §4.1).
func (s *Store) FailMissedBatch(ctx context.Context, id int64, reason string) error {
	const q = `
		UPDATE batch_jobs
		SET status = 'ERROR', last_error = $2, finished_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'SCHEDULED'
	`
	tag, err := s.pool.Exec(ctx, q, id, reason)
	if err != nil {
		return fmt.Errorf("store: fail missed batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SetBatchStatus performs a conditional status transition guarded by the
// caller's expected current status (the optimistic-version convergence
// pattern of spec §5).
func (s *Store) SetBatchStatus(ctx context.Context, id int64, from, to string) error {
	const q = `
		UPDATE batch_jobs
		SET status = $3, version = version + 1, updated_at = NOW(),
			finished_at = CASE WHEN $3 IN ('DONE', 'ERROR', 'CANCELLED') THEN NOW() ELSE finished_at END
		WHERE id = $1 AND status = $2
	`
	tag, err := s.pool.Exec(ctx, q, id, from, to)
	if err != nil {
		return fmt.Errorf("store: set batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// MarkBatchDoneIfAllItemsTerminal sets the batch to DONE when every child
// item has reached CLOSED or ERROR, per the Execution Engine's closing
// contract (spec §4.2). It is a no-op (not an error) when items remain open.
func (s *Store) MarkBatchDoneIfAllItemsTerminal(ctx context.Context, batchJobID int64) (bool, error) {
	const q = `
		UPDATE batch_jobs
		SET status = 'DONE', finished_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE id = $1
		  AND status = 'RUNNING'
		  AND NOT EXISTS (
		      SELECT 1 FROM batch_items
		      WHERE batch_job_id = $1 AND status NOT IN ('CLOSED', 'ERROR')
		  )
	`
	tag, err := s.pool.Exec(ctx, q, batchJobID)
	if err != nil {
		return false, fmt.Errorf("store: mark batch done: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DueEODBatches returns every RUNNING or PAUSED batch with eod_force_close
// set whose eod_close_time has arrived, keyed off the caller-supplied
// current wall-clock time formatted as "HH:MM" in the trading day's
// timezone (spec §4.6).
func (s *Store) DueEODBatches(ctx context.Context, nowHHMM string) ([]*BatchJob, error) {
	const q = `
		SELECT id, batch_code, schedule_mode, scheduled_at, eod_close_time, eod_force_close,
			status, last_error, started_at, finished_at, version, created_at, updated_at
		FROM batch_jobs
		WHERE status IN ('RUNNING', 'PAUSED') AND eod_force_close = TRUE AND eod_close_time <= $1
	`
	rows, err := s.pool.Query(ctx, q, nowHHMM)
	if err != nil {
		return nil, fmt.Errorf("store: due eod batches: %w", err)
	}
	defer rows.Close()

	var out []*BatchJob
	for rows.Next() {
		b, err := scanBatchJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecordSchedulerRun appends a scheduler_runs row, per spec §4.1.
func (s *Store) RecordSchedulerRun(ctx context.Context, triggered, skipped int, outcome string) error {
	const q = `INSERT INTO scheduler_runs (triggered_count, skipped_count, outcome) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, triggered, skipped, outcome); err != nil {
		return fmt.Errorf("store: record scheduler run: %w", err)
	}
	return nil
}
