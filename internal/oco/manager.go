// Package oco submits and supervises the TP/SL bracket pairs that close a
// filled entry, grounded on the Cosmos-SDK OCO keeper file retrieved for
// this spec (the mutual-cancellation/rollback shape) and on the teacher's
// circuit-breaker-wrapped broker-call discipline.
package oco

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bikeshrana/intraday-controller/internal/broker"
	"github.com/bikeshrana/intraday-controller/internal/domain"
	"github.com/bikeshrana/intraday-controller/internal/events"
	"github.com/bikeshrana/intraday-controller/internal/metrics"
	"github.com/bikeshrana/intraday-controller/internal/ratelimit"
	"github.com/bikeshrana/intraday-controller/internal/store"
)

// Mode selects between the two bracket-creation policies of spec §4.5.
type Mode int

const (
	ModePerPartialFill Mode = iota
	ModePostComplete
)

type Broker interface {
	SendOrder(ctx context.Context, payload broker.OrderPayload) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

type Store interface {
	GetItem(ctx context.Context, id int64) (*store.BatchItem, error)
	SetItemStatus(ctx context.Context, id int64, expectedVersion int, to string, lastError *string) error
	ListOcoGroupsForItem(ctx context.Context, batchItemID int64) ([]*store.OcoGroup, error)
	ActiveOcoGroupForItem(ctx context.Context, batchItemID int64) (*store.OcoGroup, error)
	ListActiveOcoGroups(ctx context.Context) ([]*store.OcoGroup, error)
	CreateOcoGroup(ctx context.Context, g *store.OcoGroup) (int64, error)
	SetOcoStatus(ctx context.Context, id int64, from, to string) error
	CreateOrder(ctx context.Context, o *store.Order) (int64, error)
	AttachBrokerOrderID(ctx context.Context, id int64, brokerOrderID string, to string) error
	GetOrder(ctx context.Context, id int64) (*store.Order, error)
	LatestPositionSnapshot(ctx context.Context, symbol string) (*store.PositionSnapshot, error)
	AppendEvent(ctx context.Context, e *store.EventLogEntry) error
}

type Manager struct {
	store       Store
	brk         Broker
	limiter     *ratelimit.Limiter
	bus         *events.Bus
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	mode        Mode
	handleWait  time.Duration
	itemLocks   sync.Map // int64 -> *sync.Mutex
}

func New(s Store, brk Broker, limiter *ratelimit.Limiter, bus *events.Bus, m *metrics.Metrics, logger zerolog.Logger, mode Mode, handleWait time.Duration) *Manager {
	if handleWait <= 0 {
		handleWait = 10 * time.Second
	}
	return &Manager{
		store:      s,
		brk:        brk,
		limiter:    limiter,
		bus:        bus,
		metrics:    m,
		logger:     logger,
		mode:       mode,
		handleWait: handleWait,
	}
}

func (m *Manager) lockFor(itemID int64) *sync.Mutex {
	v, _ := m.itemLocks.LoadOrStore(itemID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Sweep is the durable recovery path: it re-drives HandleFillChanged for
// every item with an open bracket, catching any wakeup hint the event bus
// dropped or that was never published because the process restarted
// mid-fill (spec §4.3 OCO Manager, §9 event-delivery Open Question).
func (m *Manager) Sweep(ctx context.Context) {
	groups, err := m.store.ListActiveOcoGroups(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("oco: sweep failed to list active groups")
		return
	}
	for _, g := range groups {
		m.HandleFillChanged(ctx, g.BatchItemID)
	}
}

// HandleFillChanged is invoked on both an in-process wakeup hint and a
// durable poll sweep; only one action per item is ever in flight within this
// process, enforced by an in-memory mutex keyed by item id. No database lock
// is taken, so this does not exclude a second process acting on the same item.
func (m *Manager) HandleFillChanged(ctx context.Context, itemID int64) {
	lock := m.lockFor(itemID)
	lock.Lock()
	defer lock.Unlock()

	item, err := m.store.GetItem(ctx, itemID)
	if err != nil {
		m.logger.Error().Err(err).Int64("item_id", itemID).Msg("oco: failed to load item")
		return
	}

	status, ok := domain.ParseItemStatus(item.Status)
	if !ok {
		return
	}

	switch status {
	case domain.ItemEntryPartial:
		if m.mode == ModePerPartialFill {
			m.openBracketForUncoveredFill(ctx, item)
		}
	case domain.ItemEntryFilled:
		m.openBracketForUncoveredFill(ctx, item)
	case domain.ItemBracketSent:
		// A later partial fill can arrive after the item already has one
		// active bracket; in per-partial mode that slice still needs its
		// own group (spec §4.5, §8 boundary: fill of 30 then 70 produces
		// two groups). Open it before checking the existing bracket for
		// mutual cancellation.
		if m.mode == ModePerPartialFill {
			m.openBracketForUncoveredFill(ctx, item)
			if reloaded, err := m.store.GetItem(ctx, item.ID); err == nil {
				item = reloaded
			}
		}
		m.checkMutualCancellation(ctx, item)
	}
}

func (m *Manager) openBracketForUncoveredFill(ctx context.Context, item *store.BatchItem) {
	groups, err := m.store.ListOcoGroupsForItem(ctx, item.ID)
	if err != nil {
		m.logger.Error().Err(err).Int64("item_id", item.ID).Msg("oco: failed to list existing groups")
		return
	}

	var covered float64
	for _, g := range groups {
		covered += g.Qty
	}

	uncovered := item.FilledQty - covered
	if uncovered <= 0 {
		return
	}

	m.openBracket(ctx, item, uncovered)
}

// openBracket submits TP then SL for qty, rolling back the first leg if the
// second fails (spec §4.5 step 4), and persists the resulting group.
func (m *Manager) openBracket(ctx context.Context, item *store.BatchItem, qty float64) {
	entrySide := parseSide(item.Side)
	closingSide := entrySide.Opposite()
	product := item.Product

	var positionHandle *string
	if product == domain.ProductMargin.String() {
		handle, err := m.waitForPositionHandle(ctx, item.Symbol)
		if err != nil {
			msg := "position handle not visible within bounded wait: " + err.Error()
			m.failItem(ctx, item, msg)
			return
		}
		positionHandle = &handle
	}

	if err := m.limiter.Acquire(ctx, ratelimit.ClassOrder); err != nil {
		return
	}
	tpOrderID, tpBrokerID, err := m.submitLeg(ctx, item, domain.RoleTP, closingSide, qty, &item.TPPrice, nil, positionHandle)
	if err != nil {
		m.failItem(ctx, item, "tp leg submit failed: "+err.Error())
		return
	}

	if err := m.limiter.Acquire(ctx, ratelimit.ClassOrder); err != nil {
		m.rollbackLeg(ctx, tpBrokerID)
		return
	}
	slOrderID, slBrokerID, err := m.submitLeg(ctx, item, domain.RoleSL, closingSide, qty, nil, &item.SLTriggerPrice, positionHandle)
	if err != nil {
		m.logger.Error().Err(err).Int64("item_id", item.ID).Msg("oco: sl leg submit failed, rolling back tp leg")
		if cancelErr := m.brk.CancelOrder(ctx, tpBrokerID); cancelErr != nil {
			if m.metrics != nil {
				m.metrics.OcoRollbackFailures.Inc()
			}
			m.failItem(ctx, item, domain.NewError(domain.KindBracketRollbackFailed, "tp leg rollback failed after sl leg submit failed", cancelErr).Error())
			return
		}
		m.failItem(ctx, item, "BRACKET_SECOND_LEG_REJECTED")
		return
	}

	var handles []byte
	if positionHandle != nil {
		handles, _ = json.Marshal([]string{*positionHandle})
	}

	groupID, err := m.store.CreateOcoGroup(ctx, &store.OcoGroup{
		BatchItemID:     item.ID,
		Qty:             qty,
		TPOrderID:       tpOrderID,
		SLOrderID:       slOrderID,
		Status:          domain.OcoActive.String(),
		PositionHandles: handles,
	})
	if err != nil {
		m.logger.Error().Err(err).Int64("item_id", item.ID).Msg("oco: failed to persist group")
		return
	}

	// A later partial-fill group opening on an item already BRACKET_SENT
	// must not re-fire this transition: item.Version is the version as of
	// the top of HandleFillChanged, and a second unconditional write here
	// would desync the in-memory item from the version checkMutualCancellation
	// goes on to use in the same call (spec §4.5 step 5).
	if item.Status != domain.ItemBracketSent.String() {
		if err := m.store.SetItemStatus(ctx, item.ID, item.Version, domain.ItemBracketSent.String(), nil); err != nil && err != store.ErrVersionConflict {
			m.logger.Error().Err(err).Int64("item_id", item.ID).Msg("oco: failed to transition item to BRACKET_SENT")
		}
	}

	m.logger.Info().Int64("item_id", item.ID).Int64("group_id", groupID).
		Str("tp_broker_order_id", tpBrokerID).Str("sl_broker_order_id", slBrokerID).
		Msg("oco: bracket opened")

	if m.metrics != nil {
		m.metrics.OcoGroupsOpened.WithLabelValues(product).Inc()
	}
}

func (m *Manager) submitLeg(ctx context.Context, item *store.BatchItem, role domain.OrderRole, side domain.Side, qty float64, limitPrice, stopTrigger *float64, positionHandle *string) (int64, string, error) {
	orderType := "limit"
	if role == domain.RoleSL {
		orderType = "stop"
	}

	orderID, err := m.store.CreateOrder(ctx, &store.Order{
		BatchItemID:    item.ID,
		Role:           role.String(),
		ClientOrderRef: fmt.Sprintf("%s-%s-%d", item.Symbol, role.String(), time.Now().UnixNano()),
		Side:           side.String(),
		Qty:            qty,
		OrderType:      orderType,
		Price:          limitPrice,
		StopTrigger:    stopTrigger,
		Status:         domain.OrderNew.String(),
	})
	if err != nil {
		return 0, "", fmt.Errorf("write intent row: %w", err)
	}

	brokerOrderID, err := m.brk.SendOrder(ctx, broker.OrderPayload{
		Symbol:         item.Symbol,
		MarketCode:     broker.ResolveMarketCode(item.MarketCode),
		Side:           side,
		Qty:            qty,
		OrderType:      orderType,
		Price:          limitPrice,
		StopTrigger:    stopTrigger,
		PositionHandle: positionHandle,
	})
	if err != nil {
		return orderID, "", err
	}

	if err := m.store.AttachBrokerOrderID(ctx, orderID, brokerOrderID, domain.OrderWorking.String()); err != nil {
		m.logger.Error().Err(err).Int64("order_id", orderID).Msg("oco: failed to attach broker order id")
	}
	return orderID, brokerOrderID, nil
}

// CancelGroup cancels both legs of an active bracket on operator request
// (the Supervisor's CancelItemBrackets), independent of the mutual-fill
// cancellation path.
func (m *Manager) CancelGroup(ctx context.Context, group *store.OcoGroup) error {
	tp, err := m.store.GetOrder(ctx, group.TPOrderID)
	if err != nil {
		return fmt.Errorf("oco: load tp order: %w", err)
	}
	sl, err := m.store.GetOrder(ctx, group.SLOrderID)
	if err != nil {
		return fmt.Errorf("oco: load sl order: %w", err)
	}

	for _, o := range []*store.Order{tp, sl} {
		status, _ := domain.ParseOrderStatus(o.Status)
		if status.Terminal() || o.BrokerOrderID == nil {
			continue
		}
		if err := m.brk.CancelOrder(ctx, *o.BrokerOrderID); err != nil {
			m.logger.Warn().Err(err).Int64("order_id", o.ID).Msg("oco: operator-requested cancel failed, will reconcile from next poll")
		}
	}

	if err := m.store.SetOcoStatus(ctx, group.ID, domain.OcoActive.String(), domain.OcoClosed.String()); err != nil && err != store.ErrVersionConflict {
		return fmt.Errorf("oco: close group: %w", err)
	}
	return nil
}

func (m *Manager) rollbackLeg(ctx context.Context, brokerOrderID string) {
	if brokerOrderID == "" {
		return
	}
	if err := m.brk.CancelOrder(ctx, brokerOrderID); err != nil {
		m.logger.Error().Err(err).Str("broker_order_id", brokerOrderID).Msg("oco: rollback cancel of first leg failed")
	}
}

// checkMutualCancellation implements the mutual-cancellation state machine of
// spec §4.5: once the Watcher reports either leg of an ACTIVE group FILLED,
// the sibling is cancelled and the group is closed. Per-partial mode can have
// more than one ACTIVE group open on the same item at once (one per filled
// slice), so every ACTIVE group is resolved independently here before the
// item is closed once Σ of closed groups' qty equals batch_item.qty (spec
// §4.5 step 5), not as soon as the first group closes.
func (m *Manager) checkMutualCancellation(ctx context.Context, item *store.BatchItem) {
	groups, err := m.store.ListOcoGroupsForItem(ctx, item.ID)
	if err != nil {
		m.logger.Error().Err(err).Int64("item_id", item.ID).Msg("oco: failed to list groups")
		return
	}

	for _, g := range groups {
		status, ok := domain.ParseOcoStatus(g.Status)
		if !ok || status != domain.OcoActive {
			continue
		}
		m.resolveGroup(ctx, item, g)
	}

	m.closeItemIfFullyCovered(ctx, item)
}

func (m *Manager) resolveGroup(ctx context.Context, item *store.BatchItem, group *store.OcoGroup) {
	tp, err := m.store.GetOrder(ctx, group.TPOrderID)
	if err != nil {
		m.logger.Error().Err(err).Msg("oco: failed to load tp order")
		return
	}
	sl, err := m.store.GetOrder(ctx, group.SLOrderID)
	if err != nil {
		m.logger.Error().Err(err).Msg("oco: failed to load sl order")
		return
	}

	tpStatus, _ := domain.ParseOrderStatus(tp.Status)
	slStatus, _ := domain.ParseOrderStatus(sl.Status)

	switch {
	case tpStatus == domain.OrderFilled && slStatus == domain.OrderFilled:
		m.handleOverfill(ctx, item, group)
	case tpStatus == domain.OrderFilled:
		m.closeSibling(ctx, group, sl, domain.OcoTPFilled)
	case slStatus == domain.OrderFilled:
		m.closeSibling(ctx, group, tp, domain.OcoSLFilled)
	}
}

func (m *Manager) closeSibling(ctx context.Context, group *store.OcoGroup, sibling *store.Order, closedAs domain.OcoStatus) {
	if err := m.store.SetOcoStatus(ctx, group.ID, domain.OcoActive.String(), closedAs.String()); err != nil {
		if err != store.ErrVersionConflict {
			m.logger.Error().Err(err).Int64("group_id", group.ID).Msg("oco: failed to mark group filled")
		}
		return
	}

	siblingStatus, _ := domain.ParseOrderStatus(sibling.Status)
	if !siblingStatus.Terminal() && sibling.BrokerOrderID != nil {
		if err := m.brk.CancelOrder(ctx, *sibling.BrokerOrderID); err != nil {
			m.logger.Warn().Err(err).Int64("order_id", sibling.ID).Msg("oco: sibling cancel failed, will reconcile from next poll")
		}
	}

	if err := m.store.SetOcoStatus(ctx, group.ID, closedAs.String(), domain.OcoClosed.String()); err != nil && err != store.ErrVersionConflict {
		m.logger.Error().Err(err).Int64("group_id", group.ID).Msg("oco: failed to close group")
	}

	if m.metrics != nil {
		m.metrics.OcoGroupsClosed.WithLabelValues(closedAs.String()).Inc()
	}
}

// closeItemIfFullyCovered re-reads the item's groups (some may have just been
// closed by resolveGroup) and closes the item once every group is closed and
// their combined qty covers the item's full planned quantity.
func (m *Manager) closeItemIfFullyCovered(ctx context.Context, item *store.BatchItem) {
	groups, err := m.store.ListOcoGroupsForItem(ctx, item.ID)
	if err != nil {
		m.logger.Error().Err(err).Int64("item_id", item.ID).Msg("oco: failed to re-list groups")
		return
	}

	var covered float64
	for _, g := range groups {
		status, ok := domain.ParseOcoStatus(g.Status)
		if !ok || status != domain.OcoClosed {
			return
		}
		covered += g.Qty
	}
	if covered < item.Qty {
		return
	}

	if err := m.store.SetItemStatus(ctx, item.ID, item.Version, domain.ItemClosed.String(), nil); err != nil && err != store.ErrVersionConflict {
		m.logger.Error().Err(err).Int64("item_id", item.ID).Msg("oco: failed to close item")
	}
}

// handleOverfill is reached when the sibling was already filled before its
// cancel landed, the race condition spec §7 names OverfillDetected.
func (m *Manager) handleOverfill(ctx context.Context, item *store.BatchItem, group *store.OcoGroup) {
	msg := domain.NewError(domain.KindOverfillDetected, fmt.Sprintf("both tp and sl legs filled for group %d", group.ID), nil).Error()
	m.failItem(ctx, item, msg)
}

func (m *Manager) failItem(ctx context.Context, item *store.BatchItem, msg string) {
	if err := m.store.SetItemStatus(ctx, item.ID, item.Version, domain.ItemError.String(), &msg); err != nil && err != store.ErrVersionConflict {
		m.logger.Error().Err(err).Int64("item_id", item.ID).Msg("oco: failed to transition item to ERROR")
	}
	id := item.ID
	if err := m.store.AppendEvent(ctx, &store.EventLogEntry{
		Level:       "ERROR",
		Component:   "oco_manager",
		EventCode:   "BRACKET_FAILED",
		BatchItemID: &id,
		Message:     msg,
	}); err != nil {
		m.logger.Error().Err(err).Msg("oco: failed to append event")
	}
}

// waitForPositionHandle polls the latest position snapshot for a symbol,
// retrying for up to the configured bounded window before giving up (spec
// §4.5 step 1).
func (m *Manager) waitForPositionHandle(ctx context.Context, symbol string) (string, error) {
	deadline := time.Now().Add(m.handleWait)
	for {
		snap, err := m.store.LatestPositionSnapshot(ctx, symbol)
		if err == nil {
			return snap.PositionHandle, nil
		}
		if err != store.ErrNotFound {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no position handle observed for %s within %s", symbol, m.handleWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSide(s string) domain.Side {
	if s == "sell" {
		return domain.SideSell
	}
	return domain.SideBuy
}
