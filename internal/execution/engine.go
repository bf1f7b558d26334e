// Package execution runs a batch's items to their entry submission, using a
// circuit-breaker wrapped broker SendOrder call and a checkpoint-before-submit
// discipline.
package execution

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bikeshrana/intraday-controller/internal/broker"
	"github.com/bikeshrana/intraday-controller/internal/circuitbreaker"
	"github.com/bikeshrana/intraday-controller/internal/domain"
	"github.com/bikeshrana/intraday-controller/internal/events"
	"github.com/bikeshrana/intraday-controller/internal/metrics"
	"github.com/bikeshrana/intraday-controller/internal/ratelimit"
	"github.com/bikeshrana/intraday-controller/internal/store"
)

type Broker interface {
	SendOrder(ctx context.Context, payload broker.OrderPayload) (string, error)
}

// Store is the subset of *store.Store the Engine depends on.
type Store interface {
	ListItemsForBatch(ctx context.Context, batchJobID int64) ([]*store.BatchItem, error)
	SetItemStatus(ctx context.Context, id int64, expectedVersion int, to string, lastError *string) error
	CreateOrder(ctx context.Context, o *store.Order) (int64, error)
	GetPendingEntryIntent(ctx context.Context, batchItemID int64) (*store.Order, error)
	AttachBrokerOrderID(ctx context.Context, id int64, brokerOrderID string, to string) error
	SetEntryBrokerOrderID(ctx context.Context, id int64, brokerOrderID string) error
	AppendEvent(ctx context.Context, e *store.EventLogEntry) error
	MarkBatchDoneIfAllItemsTerminal(ctx context.Context, batchJobID int64) (bool, error)
}

type Engine struct {
	store   Store
	brk     Broker
	limiter *ratelimit.Limiter
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger
	cb      *circuitbreaker.CircuitBreaker
}

func New(s Store, brk Broker, limiter *ratelimit.Limiter, bus *events.Bus, m *metrics.Metrics, cbm *circuitbreaker.Manager, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   s,
		brk:     brk,
		limiter: limiter,
		bus:     bus,
		metrics: m,
		logger:  logger,
		cb:      cbm.GetOrCreate("execution_engine", circuitbreaker.DefaultDatabaseConfig()),
	}
}

// Run iterates a batch's items in ascending id order, submitting each READY
// item's entry order per spec §4.2. A validation failure or broker reject on
// one item does not abort the run over the rest.
func (e *Engine) Run(ctx context.Context, batchJobID int64) error {
	items, err := e.store.ListItemsForBatch(ctx, batchJobID)
	if err != nil {
		return fmt.Errorf("execution: list items: %w", err)
	}

	for _, it := range items {
		status, ok := domain.ParseItemStatus(it.Status)
		if !ok || status != domain.ItemReady {
			continue
		}
		e.runItem(ctx, it)
	}

	if _, err := e.store.MarkBatchDoneIfAllItemsTerminal(ctx, batchJobID); err != nil {
		e.logger.Error().Err(err).Int64("batch_id", batchJobID).Msg("execution: failed to check batch completion")
	}
	return nil
}

func (e *Engine) runItem(ctx context.Context, it *store.BatchItem) {
	if err := validateItem(it, &quoteView{}); err != nil {
		e.failItem(ctx, it, "validation failed", err)
		return
	}

	if err := e.limiter.Acquire(ctx, ratelimit.ClassOrder); err != nil {
		e.logger.Warn().Err(err).Int64("item_id", it.ID).Msg("execution: rate limiter wait aborted")
		return
	}

	// A prior run may have checkpointed an intent row and then lost the
	// broker's response to a no-response network error (spec §4.2 step 7):
	// the submit's outcome at the broker is unknown. Resubmitting blindly
	// here risks a second live order, so this item is left for the Watcher
	// to reconcile that intent by client_order_ref on its next poll instead
	// (see watcher.reconcileOrder) rather than retried on this pass.
	if pending, err := e.store.GetPendingEntryIntent(ctx, it.ID); err == nil && pending != nil {
		e.logger.Warn().Int64("item_id", it.ID).Int64("order_id", pending.ID).
			Msg("execution: unresolved entry intent already checkpointed, deferring to watcher reconciliation")
		return
	} else if err != nil && err != store.ErrNotFound {
		e.logger.Error().Err(err).Int64("item_id", it.ID).Msg("execution: failed to check for pending entry intent")
		return
	}

	clientRef := uuid.NewString()
	orderID, err := e.store.CreateOrder(ctx, &store.Order{
		BatchItemID:    it.ID,
		Role:           domain.RoleEntry.String(),
		ClientOrderRef: clientRef,
		Side:           it.Side,
		Qty:            it.Qty,
		OrderType:      it.EntryType,
		Price:          it.EntryPrice,
		Status:         domain.OrderNew.String(),
	})
	if err != nil {
		e.logger.Error().Err(err).Int64("item_id", it.ID).Msg("execution: failed to write entry intent row")
		return
	}

	payload := broker.OrderPayload{
		ClientOrderRef: clientRef,
		Symbol:         it.Symbol,
		MarketCode:     broker.ResolveMarketCode(it.MarketCode),
		Side:           mustParseSide(it.Side),
		Qty:            it.Qty,
		OrderType:      it.EntryType,
		Price:          it.EntryPrice,
	}

	var brokerOrderID string
	err = e.cb.Execute(func() error {
		var sendErr error
		brokerOrderID, sendErr = e.brk.SendOrder(ctx, payload)
		return sendErr
	})

	if err != nil {
		kind, _ := domain.KindOf(err)
		if kind == domain.KindBrokerUnavailable {
			// No response: per spec §4.2 step 7 the item stays READY rather
			// than failing outright, since the order may actually have been
			// accepted. The intent row checkpointed above is left exactly as
			// NEW with no broker_order_id; GetPendingEntryIntent makes the
			// next Run() pass over this item a no-op instead of a duplicate
			// submit, and watcher.reconcileOrder adopts the row by
			// client_order_ref if the broker did accept it after all.
			e.logger.Warn().Err(err).Int64("item_id", it.ID).Msg("execution: network error submitting entry, deferring to reconciliation")
			return
		}
		e.failItem(ctx, it, "broker rejected entry order", err)
		if e.metrics != nil {
			e.metrics.OrdersSubmitted.WithLabelValues(domain.RoleEntry.String(), "rejected").Inc()
		}
		return
	}

	if err := e.store.AttachBrokerOrderID(ctx, orderID, brokerOrderID, domain.OrderWorking.String()); err != nil {
		e.logger.Error().Err(err).Int64("item_id", it.ID).Msg("execution: failed to attach broker order id")
	}
	if err := e.store.SetEntryBrokerOrderID(ctx, it.ID, brokerOrderID); err != nil {
		e.logger.Error().Err(err).Int64("item_id", it.ID).Msg("execution: failed to record entry broker order id on item")
	}
	if err := e.store.SetItemStatus(ctx, it.ID, it.Version, domain.ItemEntrySent.String(), nil); err != nil {
		e.logger.Error().Err(err).Int64("item_id", it.ID).Msg("execution: failed to transition item to ENTRY_SENT")
	}
	e.appendEvent(ctx, it.ID, "INFO", "ORDER_SENT", fmt.Sprintf("entry order sent, broker_order_id=%s", brokerOrderID))

	if e.metrics != nil {
		e.metrics.ItemsSubmitted.WithLabelValues(it.Product, it.Side).Inc()
		e.metrics.OrdersSubmitted.WithLabelValues(domain.RoleEntry.String(), "accepted").Inc()
	}
}

func (e *Engine) failItem(ctx context.Context, it *store.BatchItem, reason string, cause error) {
	msg := fmt.Sprintf("%s: %v", reason, cause)
	if err := e.store.SetItemStatus(ctx, it.ID, it.Version, domain.ItemError.String(), &msg); err != nil {
		e.logger.Error().Err(err).Int64("item_id", it.ID).Msg("execution: failed to transition item to ERROR")
	}
	e.appendEvent(ctx, it.ID, "ERROR", "ORDER_REJECTED", msg)
	if e.metrics != nil {
		e.metrics.ItemsRejected.WithLabelValues(reason).Inc()
	}
}

func (e *Engine) appendEvent(ctx context.Context, itemID int64, level, code, message string) {
	id := itemID
	if err := e.store.AppendEvent(ctx, &store.EventLogEntry{
		Level:       level,
		Component:   "execution_engine",
		EventCode:   code,
		BatchItemID: &id,
		Message:     message,
	}); err != nil {
		e.logger.Error().Err(err).Msg("execution: failed to append event")
	}
}

func mustParseSide(s string) domain.Side {
	side, _ := parseSide(s)
	return side
}
