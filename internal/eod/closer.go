// Package eod force-closes residual positions at end of day, fanning out
// with a bounded golang.org/x/sync/errgroup and aggregating independent
// per-item failures with go.uber.org/multierr so one stuck item never stops
// the sweep.
package eod

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/bikeshrana/intraday-controller/internal/broker"
	"github.com/bikeshrana/intraday-controller/internal/clock"
	"github.com/bikeshrana/intraday-controller/internal/domain"
	"github.com/bikeshrana/intraday-controller/internal/metrics"
	"github.com/bikeshrana/intraday-controller/internal/ratelimit"
	"github.com/bikeshrana/intraday-controller/internal/store"
)

type Broker interface {
	CancelOrder(ctx context.Context, brokerOrderID string) error
	SendOrder(ctx context.Context, payload broker.OrderPayload) (string, error)
}

type Store interface {
	DueEODBatches(ctx context.Context, nowHHMM string) ([]*store.BatchJob, error)
	ListItemsForBatch(ctx context.Context, batchJobID int64) ([]*store.BatchItem, error)
	ListOrdersForItem(ctx context.Context, batchItemID int64) ([]*store.Order, error)
	CreateOrder(ctx context.Context, o *store.Order) (int64, error)
	AttachBrokerOrderID(ctx context.Context, id int64, brokerOrderID string, to string) error
	SetItemStatus(ctx context.Context, id int64, expectedVersion int, to string, lastError *string) error
	LatestPositionSnapshot(ctx context.Context, symbol string) (*store.PositionSnapshot, error)
	AppendEvent(ctx context.Context, e *store.EventLogEntry) error
}

type Closer struct {
	store      Store
	brk        Broker
	limiter    *ratelimit.Limiter
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	concurrency int
}

func New(s Store, brk Broker, limiter *ratelimit.Limiter, c clock.Clock, m *metrics.Metrics, logger zerolog.Logger, concurrency int) *Closer {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Closer{store: s, brk: brk, limiter: limiter, clock: c, metrics: m, logger: logger, concurrency: concurrency}
}

// Run scans for batches whose eod_close_time has arrived and force-closes
// every non-terminal item in each, per spec §4.6.
func (c *Closer) Run(ctx context.Context, tickPeriod time.Duration) {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("eod closer stopping")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Closer) tick(ctx context.Context) {
	now := c.clock.Now()
	if !c.clock.IsBusinessDay(now) {
		return
	}
	nowHHMM := now.Format("15:04")

	batches, err := c.store.DueEODBatches(ctx, nowHHMM)
	if err != nil {
		c.logger.Error().Err(err).Msg("eod: failed to scan due batches")
		return
	}
	for _, b := range batches {
		if err := c.CloseBatch(ctx, b.ID); err != nil {
			c.logger.Error().Err(err).Int64("batch_id", b.ID).Msg("eod: batch close encountered errors")
		}
	}
}

// CloseBatch force-closes every non-terminal item of a batch, aggregating
// independent per-item failures with multierr. Used both by the scheduled
// EOD trigger and by the Supervisor's PanicStopAll, which runs this same
// algorithm out-of-schedule.
func (c *Closer) CloseBatch(ctx context.Context, batchJobID int64) error {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.EodDuration.Observe(time.Since(start).Seconds())
		}
	}()

	items, err := c.store.ListItemsForBatch(ctx, batchJobID)
	if err != nil {
		return fmt.Errorf("eod: list items: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	var mu multierrCollector
	for _, it := range items {
		it := it
		status, ok := domain.ParseItemStatus(it.Status)
		if !ok || status.Terminal() {
			continue
		}
		g.Go(func() error {
			if err := c.closeItem(gctx, it); err != nil {
				mu.add(fmt.Errorf("item %d: %w", it.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return mu.err()
}

func (c *Closer) closeItem(ctx context.Context, item *store.BatchItem) error {
	orders, err := c.store.ListOrdersForItem(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	// Only tp/sl/eod legs reduce the residual: they close position. The
	// entry leg's cum_qty is what *opened* filled_qty in the first place and
	// must never be double-counted here (spec §4.6 step 2).
	var filledBeforeCancel float64
	for _, o := range orders {
		closesPosition := o.Role != domain.RoleEntry.String()
		status, _ := domain.ParseOrderStatus(o.Status)
		if status.Terminal() {
			if closesPosition && status == domain.OrderFilled {
				filledBeforeCancel += o.CumQty
			}
			continue
		}
		if o.BrokerOrderID == nil {
			continue
		}
		if err := c.brk.CancelOrder(ctx, *o.BrokerOrderID); err != nil {
			c.logger.Warn().Err(err).Int64("order_id", o.ID).Msg("eod: cancel request failed, will reconcile from next poll")
			continue
		}
		if closesPosition {
			filledBeforeCancel += o.CumQty
		}
	}

	residual := item.FilledQty - filledBeforeCancel
	if residual <= 0 {
		return c.finishItem(ctx, item, nil)
	}

	closingSide := parseSide(item.Side).Opposite()

	var positionHandle *string
	if item.Product == domain.ProductMargin.String() {
		snap, err := c.store.LatestPositionSnapshot(ctx, item.Symbol)
		if err == nil {
			positionHandle = &snap.PositionHandle
		}
	}

	if err := c.limiter.Acquire(ctx, ratelimit.ClassOrder); err != nil {
		return err
	}

	orderID, err := c.store.CreateOrder(ctx, &store.Order{
		BatchItemID:    item.ID,
		Role:           domain.RoleEOD.String(),
		ClientOrderRef: fmt.Sprintf("%s-eod-%d", item.Symbol, time.Now().UnixNano()),
		Side:           closingSide.String(),
		Qty:            residual,
		OrderType:      "market",
		Status:         domain.OrderNew.String(),
	})
	if err != nil {
		return fmt.Errorf("write eod intent row: %w", err)
	}

	brokerOrderID, err := c.brk.SendOrder(ctx, broker.OrderPayload{
		Symbol:         item.Symbol,
		MarketCode:     broker.ResolveMarketCode(item.MarketCode),
		Side:           closingSide,
		Qty:            residual,
		OrderType:      "market",
		PositionHandle: positionHandle,
	})
	if err != nil {
		reason := domain.NewError(domain.KindEodFailed, "eod flatten order rejected", err).Error()
		return c.finishItem(ctx, item, &reason)
	}

	if err := c.store.AttachBrokerOrderID(ctx, orderID, brokerOrderID, domain.OrderWorking.String()); err != nil {
		c.logger.Error().Err(err).Int64("order_id", orderID).Msg("eod: failed to attach broker order id")
	}
	if err := c.store.SetItemStatus(ctx, item.ID, item.Version, domain.ItemEODMarketSent.String(), nil); err != nil && err != store.ErrVersionConflict {
		c.logger.Error().Err(err).Int64("item_id", item.ID).Msg("eod: failed to transition item to EOD_MARKET_SENT")
	}

	if c.metrics != nil {
		c.metrics.EodClosuresTotal.WithLabelValues("flattened").Inc()
	}
	return nil
}

func (c *Closer) finishItem(ctx context.Context, item *store.BatchItem, failReason *string) error {
	to := domain.ItemClosed.String()
	level := "INFO"
	code := "EOD_CLOSED"
	var lastError *string
	if failReason != nil {
		to = domain.ItemError.String()
		level = "ERROR"
		code = "EOD_FAILED"
		lastError = &code
	}

	if err := c.store.SetItemStatus(ctx, item.ID, item.Version, to, lastError); err != nil && err != store.ErrVersionConflict {
		return fmt.Errorf("transition item: %w", err)
	}

	id := item.ID
	msg := "eod close completed"
	if failReason != nil {
		msg = *failReason
	}
	if err := c.store.AppendEvent(ctx, &store.EventLogEntry{
		Level:       level,
		Component:   "eod_closer",
		EventCode:   code,
		BatchItemID: &id,
		Message:     msg,
	}); err != nil {
		c.logger.Error().Err(err).Msg("eod: failed to append event")
	}

	if c.metrics != nil {
		outcome := "closed"
		if failReason != nil {
			outcome = "failed"
		}
		c.metrics.EodClosuresTotal.WithLabelValues(outcome).Inc()
	}
	if failReason != nil {
		return fmt.Errorf("%s", *failReason)
	}
	return nil
}

func parseSide(s string) domain.Side {
	if s == "sell" {
		return domain.SideSell
	}
	return domain.SideBuy
}

// multierrCollector serializes appends to a multierr-aggregated error under
// a mutex since errgroup's worker goroutines report concurrently.
type multierrCollector struct {
	mu   sync.Mutex
	errs error
}

func (c *multierrCollector) add(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = multierr.Append(c.errs, err)
}

func (c *multierrCollector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs
}
