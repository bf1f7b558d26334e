// Package scheduler fires batches whose scheduled_at has arrived, grounded
// on the sibling project's cmd/api/main.go loop-with-ticker idiom and
// adapted to the conditional-update scan described in SPEC §4.1.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bikeshrana/intraday-controller/internal/clock"
	"github.com/bikeshrana/intraday-controller/internal/metrics"
	"github.com/bikeshrana/intraday-controller/internal/store"
)

type Store interface {
	DueScheduledBatches(ctx context.Context, now time.Time) ([]*store.BatchJob, error)
	ActivateBatch(ctx context.Context, id int64, startedAt time.Time) error
	FailMissedBatch(ctx context.Context, id int64, reason string) error
	RecordSchedulerRun(ctx context.Context, triggered, skipped int, outcome string) error
}

// Enqueuer hands an activated batch to the Execution Engine's work queue.
type Enqueuer interface {
	Enqueue(batchJobID int64)
}

type Scheduler struct {
	store      Store
	enqueuer   Enqueuer
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	resolution time.Duration
	missGrace  time.Duration
}

func New(s Store, enq Enqueuer, c clock.Clock, m *metrics.Metrics, logger zerolog.Logger, resolution, missGrace time.Duration) *Scheduler {
	if resolution <= 0 {
		resolution = time.Second
	}
	if missGrace <= 0 {
		missGrace = 5 * time.Minute
	}
	return &Scheduler{
		store:      s,
		enqueuer:   enq,
		clock:      c,
		metrics:    m,
		logger:     logger,
		resolution: resolution,
		missGrace:  missGrace,
	}
}

// Run loops Tick on the configured resolution until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx, s.clock.Now())
		}
	}
}

// Tick scans due batches and activates each via a conditional update;
// losing updaters (another process already activated it) are silently
// skipped (spec §4.1).
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	due, err := s.store.DueScheduledBatches(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduler: failed to scan due batches")
		return
	}

	var triggered, skipped int
	for _, b := range due {
		if b.ScheduledAt != nil && now.Sub(*b.ScheduledAt) > s.missGrace {
			if err := s.store.FailMissedBatch(ctx, b.ID, "scheduled_at older than missed-fire grace window"); err != nil {
				if err != store.ErrVersionConflict {
					s.logger.Error().Err(err).Int64("batch_id", b.ID).Msg("scheduler: failed to mark batch missed")
				}
				continue
			}
			skipped++
			if s.metrics != nil {
				s.metrics.BatchesMissed.WithLabelValues().Inc()
			}
			s.logger.Warn().Int64("batch_id", b.ID).Time("scheduled_at", *b.ScheduledAt).Msg("batch missed its fire window")
			continue
		}

		if err := s.store.ActivateBatch(ctx, b.ID, now); err != nil {
			if err != store.ErrVersionConflict {
				s.logger.Error().Err(err).Int64("batch_id", b.ID).Msg("scheduler: failed to activate batch")
			}
			skipped++
			continue
		}

		triggered++
		if s.metrics != nil {
			s.metrics.BatchesActivated.WithLabelValues().Inc()
		}
		s.enqueuer.Enqueue(b.ID)
	}

	outcome := "ok"
	if triggered == 0 && skipped == 0 {
		outcome = "idle"
	}
	if err := s.store.RecordSchedulerRun(ctx, triggered, skipped, outcome); err != nil {
		s.logger.Error().Err(err).Msg("scheduler: failed to record run")
	}
}
