package store

import (
	"context"
	"fmt"
)

// InitSchema creates every table spec §6 lists as logical persisted state,
// mirroring the teacher's OrdersRepository.InitSchema: CHECK constraints
// encode the closed-enum columns at the database boundary even though the
// in-memory representation is the domain package's sum types.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS batch_jobs (
			id BIGSERIAL PRIMARY KEY,
			batch_code VARCHAR(64) NOT NULL UNIQUE,
			schedule_mode VARCHAR(16) NOT NULL CHECK (schedule_mode IN ('immediate', 'scheduled')),
			scheduled_at TIMESTAMPTZ,
			eod_close_time VARCHAR(5) NOT NULL,
			eod_force_close BOOLEAN NOT NULL DEFAULT TRUE,
			status VARCHAR(16) NOT NULL CHECK (status IN ('SCHEDULED', 'RUNNING', 'PAUSED', 'DONE', 'ERROR', 'CANCELLED')),
			last_error TEXT,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			version INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_batch_jobs_status_scheduled ON batch_jobs(status, scheduled_at);

		CREATE TABLE IF NOT EXISTS batch_items (
			id BIGSERIAL PRIMARY KEY,
			batch_job_id BIGINT NOT NULL REFERENCES batch_jobs(id),
			symbol VARCHAR(16) NOT NULL,
			market_code VARCHAR(8) NOT NULL,
			product VARCHAR(8) NOT NULL CHECK (product IN ('cash', 'margin')),
			side VARCHAR(4) NOT NULL CHECK (side IN ('buy', 'sell')),
			qty NUMERIC(20, 4) NOT NULL CHECK (qty > 0),
			entry_type VARCHAR(8) NOT NULL CHECK (entry_type IN ('market', 'limit')),
			entry_price NUMERIC(20, 4),
			tp_price NUMERIC(20, 4) NOT NULL,
			sl_trigger_price NUMERIC(20, 4) NOT NULL,
			status VARCHAR(16) NOT NULL,
			filled_qty NUMERIC(20, 4) NOT NULL DEFAULT 0,
			avg_fill_price NUMERIC(20, 4) NOT NULL DEFAULT 0,
			entry_broker_order_id VARCHAR(64),
			last_error TEXT,
			version INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_batch_items_batch_job ON batch_items(batch_job_id);
		CREATE INDEX IF NOT EXISTS idx_batch_items_status ON batch_items(status);

		CREATE TABLE IF NOT EXISTS orders (
			id BIGSERIAL PRIMARY KEY,
			batch_item_id BIGINT NOT NULL REFERENCES batch_items(id),
			role VARCHAR(8) NOT NULL CHECK (role IN ('entry', 'tp', 'sl', 'eod')),
			broker_order_id VARCHAR(64) UNIQUE,
			client_order_ref VARCHAR(64) NOT NULL UNIQUE,
			side VARCHAR(4) NOT NULL CHECK (side IN ('buy', 'sell')),
			qty NUMERIC(20, 4) NOT NULL CHECK (qty > 0),
			order_type VARCHAR(8) NOT NULL CHECK (order_type IN ('market', 'limit', 'stop')),
			price NUMERIC(20, 4),
			stop_trigger NUMERIC(20, 4),
			status VARCHAR(16) NOT NULL,
			cum_qty NUMERIC(20, 4) NOT NULL DEFAULT 0,
			avg_price NUMERIC(20, 4) NOT NULL DEFAULT 0,
			submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_poll_at TIMESTAMPTZ,
			raw_payload JSONB,
			version INT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_orders_batch_item ON orders(batch_item_id);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

		CREATE TABLE IF NOT EXISTS fills (
			id BIGSERIAL PRIMARY KEY,
			order_id BIGINT NOT NULL REFERENCES orders(id),
			filled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			qty NUMERIC(20, 4) NOT NULL CHECK (qty > 0),
			price NUMERIC(20, 4) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);

		CREATE TABLE IF NOT EXISTS oco_groups (
			id BIGSERIAL PRIMARY KEY,
			batch_item_id BIGINT NOT NULL REFERENCES batch_items(id),
			qty NUMERIC(20, 4) NOT NULL CHECK (qty > 0),
			tp_order_id BIGINT NOT NULL REFERENCES orders(id),
			sl_order_id BIGINT NOT NULL REFERENCES orders(id),
			status VARCHAR(16) NOT NULL,
			position_handles JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_oco_groups_item_status ON oco_groups(batch_item_id, status);

		CREATE TABLE IF NOT EXISTS position_snapshots (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(16) NOT NULL,
			product VARCHAR(8) NOT NULL,
			position_handle VARCHAR(64) NOT NULL,
			qty NUMERIC(20, 4) NOT NULL,
			snapshot_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_position_snapshots_symbol ON position_snapshots(symbol, snapshot_at DESC);

		CREATE TABLE IF NOT EXISTS scheduler_runs (
			id BIGSERIAL PRIMARY KEY,
			ran_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			triggered_count INT NOT NULL DEFAULT 0,
			skipped_count INT NOT NULL DEFAULT 0,
			outcome VARCHAR(32) NOT NULL
		);

		CREATE TABLE IF NOT EXISTS event_logs (
			id BIGSERIAL PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			level VARCHAR(8) NOT NULL,
			component VARCHAR(32) NOT NULL,
			event_code VARCHAR(48) NOT NULL,
			batch_item_id BIGINT,
			message TEXT NOT NULL,
			details JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_event_logs_item ON event_logs(batch_item_id);

		CREATE TABLE IF NOT EXISTS audit_logs (
			id BIGSERIAL PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			actor VARCHAR(64) NOT NULL,
			command VARCHAR(32) NOT NULL,
			batch_job_id BIGINT,
			batch_item_id BIGINT,
			reason TEXT,
			details JSONB
		);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}

	s.logger.Info().Msg("schema initialized")
	return nil
}
