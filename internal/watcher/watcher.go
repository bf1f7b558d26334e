// Package watcher polls the broker for order and position state and
// reconciles it into the Store, using a sourcegraph/conc panic-safe fan-out
// for concurrent exchange polling.
package watcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/bikeshrana/intraday-controller/internal/broker"
	"github.com/bikeshrana/intraday-controller/internal/domain"
	"github.com/bikeshrana/intraday-controller/internal/events"
	"github.com/bikeshrana/intraday-controller/internal/metrics"
	"github.com/bikeshrana/intraday-controller/internal/ratelimit"
	"github.com/bikeshrana/intraday-controller/internal/store"
)

type Broker interface {
	ListOrders(ctx context.Context) ([]broker.OrderStatus, error)
	ListPositions(ctx context.Context) ([]broker.Position, error)
}

type Store interface {
	GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*store.Order, error)
	GetOrderByClientRef(ctx context.Context, ref string) (*store.Order, error)
	AttachBrokerOrderID(ctx context.Context, id int64, brokerOrderID string, to string) error
	SetEntryBrokerOrderID(ctx context.Context, id int64, brokerOrderID string) error
	ApplyOrderFill(ctx context.Context, id int64, expectedVersion int, deltaQty, fillPrice float64, status string) error
	SetOrderStatus(ctx context.Context, id int64, expectedVersion int, to string) error
	TouchLastPoll(ctx context.Context, id int64, raw []byte) error
	RecordFill(ctx context.Context, f *store.Fill) (int64, error)
	SumFilledQty(ctx context.Context, orderID int64) (float64, error)
	ApplyFillDelta(ctx context.Context, id int64, expectedVersion int, deltaQty, fillPrice float64) (float64, error)
	GetItem(ctx context.Context, id int64) (*store.BatchItem, error)
	SetItemStatus(ctx context.Context, id int64, expectedVersion int, to string, lastError *string) error
	RecordPositionSnapshot(ctx context.Context, p *store.PositionSnapshot) error
}

type Watcher struct {
	store        Store
	brk          Broker
	limiter      *ratelimit.Limiter
	bus          *events.Bus
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	orderPeriod  time.Duration
	posPeriod    time.Duration
	sessionStart time.Time
}

func New(s Store, brk Broker, limiter *ratelimit.Limiter, bus *events.Bus, m *metrics.Metrics, logger zerolog.Logger, orderPeriod, posPeriod time.Duration, sessionStart time.Time) *Watcher {
	if orderPeriod <= 0 {
		orderPeriod = 2 * time.Second
	}
	if posPeriod <= 0 {
		posPeriod = 3 * time.Second
	}
	return &Watcher{
		store:        s,
		brk:          brk,
		limiter:      limiter,
		bus:          bus,
		metrics:      m,
		logger:       logger,
		orderPeriod:  orderPeriod,
		posPeriod:    posPeriod,
		sessionStart: sessionStart,
	}
}

// Run drives PollOrders and PollPositions on their own independent periods
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	orderTicker := time.NewTicker(w.orderPeriod)
	posTicker := time.NewTicker(w.posPeriod)
	defer orderTicker.Stop()
	defer posTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("watcher stopping")
			return
		case <-orderTicker.C:
			w.PollOrders(ctx)
		case <-posTicker.C:
			w.PollPositions(ctx)
		}
	}
}

// PollOrders fetches broker order state and reconciles it against the
// Store, per spec §4.4. Each order is handled independently inside a
// panic-safe pool so one bad response does not halt the sweep over the rest.
func (w *Watcher) PollOrders(ctx context.Context) {
	if err := w.limiter.Acquire(ctx, ratelimit.ClassInfo); err != nil {
		return
	}

	statuses, err := w.brk.ListOrders(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("watcher: failed to list orders")
		if w.metrics != nil {
			w.metrics.OrderPollErrors.WithLabelValues("list").Inc()
		}
		return
	}

	p := pool.New().WithMaxGoroutines(8)
	for _, st := range statuses {
		st := st
		p.Go(func() {
			w.reconcileOrder(ctx, st)
		})
	}
	p.Wait()
}

func (w *Watcher) reconcileOrder(ctx context.Context, st broker.OrderStatus) {
	order, err := w.store.GetOrderByBrokerID(ctx, st.BrokerOrderID)
	if err != nil {
		if err == store.ErrNotFound {
			order = w.adoptByClientOrderRef(ctx, st)
			if order == nil {
				if st.SubmittedAt.After(w.sessionStart) {
					w.logger.Warn().
						Str("broker_order_id", st.BrokerOrderID).
						Str("status", st.Status).
						RawJSON("raw", st.Raw).
						Msg("watcher: orphan broker order observed, not adopted")
				}
				return
			}
		} else {
			w.logger.Error().Err(err).Str("broker_order_id", st.BrokerOrderID).Msg("watcher: failed to look up order")
			return
		}
	}

	if err := w.store.TouchLastPoll(ctx, order.ID, st.Raw); err != nil {
		w.logger.Error().Err(err).Int64("order_id", order.ID).Msg("watcher: failed to touch last poll")
	}

	priorFilled, err := w.store.SumFilledQty(ctx, order.ID)
	if err != nil {
		w.logger.Error().Err(err).Int64("order_id", order.ID).Msg("watcher: failed to sum filled qty")
		return
	}

	delta := st.CumQty - priorFilled
	if delta > 0 {
		if _, err := w.store.RecordFill(ctx, &store.Fill{
			OrderID:  order.ID,
			FilledAt: time.Now(),
			Qty:      delta,
			Price:    st.AvgPrice,
		}); err != nil {
			w.logger.Error().Err(err).Int64("order_id", order.ID).Msg("watcher: failed to record fill")
			return
		}
	}

	if err := w.store.ApplyOrderFill(ctx, order.ID, order.Version, delta, st.AvgPrice, st.Status); err != nil {
		if err != store.ErrVersionConflict {
			w.logger.Error().Err(err).Int64("order_id", order.ID).Msg("watcher: failed to apply order fill")
		}
		return
	}

	if w.bus != nil {
		w.bus.Publish(ctx, events.NewOrderStatusChangedEvent(time.Now(), order.ID, order.BatchItemID, st.Status))
	}

	if delta > 0 && order.Role == domain.RoleEntry.String() {
		w.advanceItemOnFill(ctx, order.BatchItemID, delta, st.AvgPrice)
	}
}

// adoptByClientOrderRef handles the case where the engine checkpointed an
// intent row, then lost the broker's response to a no-response network error
// (spec §4.2 step 7): the order row exists with a client_order_ref but no
// broker_order_id. If the broker actually accepted that submit, it echoes
// the same client_order_ref back here, and the intent row is attached to its
// broker_order_id instead of being treated as an orphan.
func (w *Watcher) adoptByClientOrderRef(ctx context.Context, st broker.OrderStatus) *store.Order {
	if st.ClientOrderRef == "" {
		return nil
	}
	order, err := w.store.GetOrderByClientRef(ctx, st.ClientOrderRef)
	if err != nil {
		if err != store.ErrNotFound {
			w.logger.Error().Err(err).Str("client_order_ref", st.ClientOrderRef).Msg("watcher: failed to look up order by client ref")
		}
		return nil
	}
	if order.BrokerOrderID != nil {
		return nil
	}
	if err := w.store.AttachBrokerOrderID(ctx, order.ID, st.BrokerOrderID, st.Status); err != nil {
		w.logger.Error().Err(err).Int64("order_id", order.ID).Msg("watcher: failed to adopt orphan intent by client ref")
		return nil
	}
	order.BrokerOrderID = &st.BrokerOrderID
	order.Status = st.Status
	order.Version++
	w.logger.Info().Int64("order_id", order.ID).Str("broker_order_id", st.BrokerOrderID).
		Msg("watcher: adopted previously unresolved intent row by client_order_ref")

	// The engine never got to record this on the item or advance it off
	// READY, since it didn't know the submit had gone through (spec §4.2
	// step 7). Do that bookkeeping here so later fills can advance the item
	// normally instead of being stuck behind an illegal READY->* transition.
	if order.Role == domain.RoleEntry.String() {
		w.adoptEntryOnItem(ctx, order.BatchItemID, st.BrokerOrderID)
	}
	return order
}

func (w *Watcher) adoptEntryOnItem(ctx context.Context, batchItemID int64, brokerOrderID string) {
	if err := w.store.SetEntryBrokerOrderID(ctx, batchItemID, brokerOrderID); err != nil {
		w.logger.Error().Err(err).Int64("item_id", batchItemID).Msg("watcher: failed to record adopted entry broker order id on item")
	}
	item, err := w.store.GetItem(ctx, batchItemID)
	if err != nil {
		w.logger.Error().Err(err).Int64("item_id", batchItemID).Msg("watcher: failed to load item for adopted entry")
		return
	}
	status, ok := domain.ParseItemStatus(item.Status)
	if !ok || status != domain.ItemReady {
		return
	}
	if err := w.store.SetItemStatus(ctx, item.ID, item.Version, domain.ItemEntrySent.String(), nil); err != nil && err != store.ErrVersionConflict {
		w.logger.Error().Err(err).Int64("item_id", item.ID).Msg("watcher: failed to advance adopted item to ENTRY_SENT")
	}
}

// advanceItemOnFill applies the entry order's fill delta to the parent item
// and advances its status per the §4.3 state machine.
func (w *Watcher) advanceItemOnFill(ctx context.Context, batchItemID int64, delta, price float64) {
	item, err := w.store.GetItem(ctx, batchItemID)
	if err != nil {
		w.logger.Error().Err(err).Int64("item_id", batchItemID).Msg("watcher: failed to load item for fill update")
		return
	}

	versionBeforeFill := item.Version
	newFilled, err := w.store.ApplyFillDelta(ctx, item.ID, versionBeforeFill, delta, price)
	if err != nil {
		if err != store.ErrVersionConflict {
			w.logger.Error().Err(err).Int64("item_id", item.ID).Msg("watcher: failed to apply fill delta")
		}
		return
	}

	curStatus, _ := domain.ParseItemStatus(item.Status)
	var next domain.ItemStatus
	switch {
	case newFilled >= item.Qty:
		next = domain.ItemEntryFilled
	default:
		next = domain.ItemEntryPartial
	}

	if curStatus != next && domain.ValidTransition(curStatus, next) {
		if err := w.store.SetItemStatus(ctx, item.ID, versionBeforeFill+1, next.String(), nil); err != nil && err != store.ErrVersionConflict {
			w.logger.Error().Err(err).Int64("item_id", item.ID).Msg("watcher: failed to advance item status on fill")
		}
	}

	if w.bus != nil {
		w.bus.Publish(ctx, events.NewItemFillChangedEvent(time.Now(), item.ID, newFilled, price))
	}
}

// PollPositions fetches open broker positions and persists a snapshot of
// each, per spec §4.4. Position handles surfaced here are what the OCO
// Manager and EOD Closer reference for margin closeouts.
func (w *Watcher) PollPositions(ctx context.Context) {
	if err := w.limiter.Acquire(ctx, ratelimit.ClassInfo); err != nil {
		return
	}

	positions, err := w.brk.ListPositions(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("watcher: failed to list positions")
		if w.metrics != nil {
			w.metrics.OrderPollErrors.WithLabelValues("positions").Inc()
		}
		return
	}

	for _, pos := range positions {
		if err := w.store.RecordPositionSnapshot(ctx, &store.PositionSnapshot{
			Symbol:         pos.Symbol,
			Product:        pos.Product,
			PositionHandle: pos.PositionHandle,
			Qty:            pos.Qty,
		}); err != nil {
			w.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("watcher: failed to record position snapshot")
		}
	}
}

