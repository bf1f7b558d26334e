package oco

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bikeshrana/intraday-controller/internal/broker"
	"github.com/bikeshrana/intraday-controller/internal/domain"
	"github.com/bikeshrana/intraday-controller/internal/events"
	"github.com/bikeshrana/intraday-controller/internal/ratelimit"
	"github.com/bikeshrana/intraday-controller/internal/store"
)

type fakeStore struct {
	mu             sync.Mutex
	items          map[int64]*store.BatchItem
	groups         map[int64]*store.OcoGroup
	orders         map[int64]*store.Order
	nextGroupID    int64
	nextOrderID    int64
	snapshots      map[string]*store.PositionSnapshot
	events         []*store.EventLogEntry
	cancelledOrder []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:     make(map[int64]*store.BatchItem),
		groups:    make(map[int64]*store.OcoGroup),
		orders:    make(map[int64]*store.Order),
		snapshots: make(map[string]*store.PositionSnapshot),
	}
}

func (f *fakeStore) GetItem(ctx context.Context, id int64) (*store.BatchItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (f *fakeStore) SetItemStatus(ctx context.Context, id int64, expectedVersion int, to string, lastError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return store.ErrNotFound
	}
	if it.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	it.Status = to
	it.LastError = lastError
	it.Version++
	return nil
}

func (f *fakeStore) ListOcoGroupsForItem(ctx context.Context, batchItemID int64) ([]*store.OcoGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.OcoGroup
	for _, g := range f.groups {
		if g.BatchItemID == batchItemID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveOcoGroupForItem(ctx context.Context, batchItemID int64) (*store.OcoGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if g.BatchItemID == batchItemID && g.Status == domain.OcoActive.String() {
			return g, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListActiveOcoGroups(ctx context.Context) ([]*store.OcoGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.OcoGroup
	for _, g := range f.groups {
		if g.Status == domain.OcoActive.String() {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateOcoGroup(ctx context.Context, g *store.OcoGroup) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextGroupID++
	g.ID = f.nextGroupID
	cp := *g
	f.groups[g.ID] = &cp
	return g.ID, nil
}

func (f *fakeStore) SetOcoStatus(ctx context.Context, id int64, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return store.ErrNotFound
	}
	if g.Status != from {
		return store.ErrVersionConflict
	}
	g.Status = to
	return nil
}

func (f *fakeStore) CreateOrder(ctx context.Context, o *store.Order) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOrderID++
	o.ID = f.nextOrderID
	cp := *o
	f.orders[o.ID] = &cp
	return o.ID, nil
}

func (f *fakeStore) AttachBrokerOrderID(ctx context.Context, id int64, brokerOrderID string, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.BrokerOrderID = &brokerOrderID
	o.Status = to
	return nil
}

func (f *fakeStore) GetOrder(ctx context.Context, id int64) (*store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) LatestPositionSnapshot(ctx context.Context, symbol string) (*store.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[symbol]
	if !ok {
		return nil, store.ErrNotFound
	}
	return snap, nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, e *store.EventLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) setOrderStatus(id int64, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id].Status = status
}

type fakeBroker struct {
	mu         sync.Mutex
	sendOrder  func(ctx context.Context, payload broker.OrderPayload) (string, error)
	cancelled  []string
	cancelErr  error
}

func (f *fakeBroker) SendOrder(ctx context.Context, payload broker.OrderPayload) (string, error) {
	return f.sendOrder(ctx, payload)
}

func (f *fakeBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, brokerOrderID)
	return f.cancelErr
}

func newManager(t *testing.T, st Store, brk Broker, mode Mode) *Manager {
	t.Helper()
	limiter := ratelimit.New(1000, 1000)
	bus := events.NewBus(16, zerolog.Nop())
	return New(st, brk, limiter, bus, nil, zerolog.Nop(), mode, 200*time.Millisecond)
}

func filledItem(id int64) *store.BatchItem {
	return &store.BatchItem{
		ID:         id,
		BatchJobID: 1,
		Symbol:     "7203",
		MarketCode: "1",
		Product:    domain.ProductCash.String(),
		Side:       "buy",
		Qty:        100,
		TPPrice:    1000,
		SLTriggerPrice: 900,
		Status:     domain.ItemEntryFilled.String(),
		FilledQty:  100,
	}
}

func TestHandleFillChangedOpensBracketOnEntryFilled(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.items[1] = filledItem(1)
	var legs int
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		legs++
		return "B-leg", nil
	}}
	m := newManager(t, st, brk, ModePerPartialFill)

	m.HandleFillChanged(context.Background(), 1)

	if legs != 2 {
		t.Fatalf("expected 2 legs submitted (tp+sl), got %d", legs)
	}
	if st.items[1].Status != domain.ItemBracketSent.String() {
		t.Errorf("item status = %q, want BRACKET_SENT", st.items[1].Status)
	}
	if len(st.groups) != 1 {
		t.Fatalf("expected 1 oco group created, got %d", len(st.groups))
	}
}

// TestHandleFillChangedOpensSecondGroupForLaterPartialFill covers spec §8's
// boundary behavior and E2E scenario 3: a 30-of-100 partial fill opens one
// group of qty 30; a later fill of 70 must open a second group of qty 70
// rather than being silently dropped because the item is already
// BRACKET_SENT from the first group.
func TestHandleFillChangedOpensSecondGroupForLaterPartialFill(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	it := filledItem(1)
	it.Status = domain.ItemEntryPartial.String()
	it.FilledQty = 30
	st.items[1] = it
	var legs int
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		legs++
		return fmt.Sprintf("B-leg-%d", legs), nil
	}}
	m := newManager(t, st, brk, ModePerPartialFill)

	m.HandleFillChanged(context.Background(), 1)

	if legs != 2 {
		t.Fatalf("expected 2 legs submitted for first partial fill, got %d", legs)
	}
	if len(st.groups) != 1 {
		t.Fatalf("expected 1 oco group after first partial fill, got %d", len(st.groups))
	}
	if st.groups[1].Qty != 30 {
		t.Errorf("first group qty = %v, want 30", st.groups[1].Qty)
	}
	if st.items[1].Status != domain.ItemBracketSent.String() {
		t.Fatalf("item status = %q, want BRACKET_SENT after first partial fill", st.items[1].Status)
	}

	// Second partial fill arrives; item is already BRACKET_SENT from the
	// first group, but the uncovered 70 still needs its own bracket.
	st.items[1].FilledQty = 100

	m.HandleFillChanged(context.Background(), 1)

	if legs != 4 {
		t.Fatalf("expected 2 more legs submitted for second partial fill, got %d total", legs)
	}
	if len(st.groups) != 2 {
		t.Fatalf("expected 2 oco groups after second partial fill, got %d", len(st.groups))
	}
	var secondQty float64
	for id, g := range st.groups {
		if id != 1 {
			secondQty = g.Qty
		}
	}
	if secondQty != 70 {
		t.Errorf("second group qty = %v, want 70", secondQty)
	}
	if st.items[1].Status != domain.ItemBracketSent.String() {
		t.Errorf("item status = %q, want BRACKET_SENT with both groups still active", st.items[1].Status)
	}

	// TP on the first group fills: only that group closes, the second
	// (still uncovered by a fill) remains ACTIVE and the item stays open.
	var firstGroupID int64
	for id, g := range st.groups {
		if g.Qty == 30 {
			firstGroupID = id
		}
	}
	firstGroup := st.groups[firstGroupID]
	st.setOrderStatus(firstGroup.TPOrderID, domain.OrderFilled.String())

	m.HandleFillChanged(context.Background(), 1)

	if st.groups[firstGroupID].Status != domain.OcoClosed.String() {
		t.Errorf("first group status = %q, want CLOSED", st.groups[firstGroupID].Status)
	}
	if st.items[1].Status != domain.ItemBracketSent.String() {
		t.Errorf("item status = %q, want item to remain open while the second group is still ACTIVE", st.items[1].Status)
	}
}

func TestHandleFillChangedSkipsPartialFillInPostCompleteMode(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	it := filledItem(1)
	it.Status = domain.ItemEntryPartial.String()
	it.FilledQty = 40
	st.items[1] = it
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		t.Fatal("SendOrder should not be called for a partial fill in ModePostComplete")
		return "", nil
	}}
	m := newManager(t, st, brk, ModePostComplete)

	m.HandleFillChanged(context.Background(), 1)

	if len(st.groups) != 0 {
		t.Errorf("expected no group created, got %d", len(st.groups))
	}
}

func TestOpenBracketRollsBackTPLegWhenSLLegFails(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.items[1] = filledItem(1)
	var calls int
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		calls++
		if calls == 1 {
			return "B-TP", nil
		}
		return "", domain.NewError(domain.KindBrokerRejected, "sl rejected", nil)
	}}
	m := newManager(t, st, brk, ModePerPartialFill)

	m.HandleFillChanged(context.Background(), 1)

	if len(brk.cancelled) != 1 || brk.cancelled[0] != "B-TP" {
		t.Errorf("expected tp leg B-TP rolled back, got cancelled=%v", brk.cancelled)
	}
	if st.items[1].Status != domain.ItemError.String() {
		t.Errorf("item status = %q, want ERROR", st.items[1].Status)
	}
	if len(st.groups) != 0 {
		t.Errorf("expected no group persisted on rollback, got %d", len(st.groups))
	}
}

func TestOpenBracketWaitsForPositionHandleOnMargin(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	it := filledItem(1)
	it.Product = domain.ProductMargin.String()
	st.items[1] = it
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		if payload.PositionHandle == nil || *payload.PositionHandle != "H-1" {
			t.Errorf("expected position handle H-1 to be attached, got %v", payload.PositionHandle)
		}
		return "B-leg", nil
	}}
	m := newManager(t, st, brk, ModePerPartialFill)

	go func() {
		time.Sleep(20 * time.Millisecond)
		st.mu.Lock()
		st.snapshots["7203"] = &store.PositionSnapshot{Symbol: "7203", PositionHandle: "H-1", Qty: 100}
		st.mu.Unlock()
	}()

	m.HandleFillChanged(context.Background(), 1)

	if st.items[1].Status != domain.ItemBracketSent.String() {
		t.Errorf("item status = %q, want BRACKET_SENT", st.items[1].Status)
	}
}

func TestOpenBracketFailsItemWhenPositionHandleNeverAppears(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	it := filledItem(1)
	it.Product = domain.ProductMargin.String()
	st.items[1] = it
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		t.Fatal("SendOrder should not be called when no position handle ever appears")
		return "", nil
	}}
	m := newManager(t, st, brk, ModePerPartialFill)

	m.HandleFillChanged(context.Background(), 1)

	if st.items[1].Status != domain.ItemError.String() {
		t.Errorf("item status = %q, want ERROR", st.items[1].Status)
	}
}

func TestCheckMutualCancellationClosesSiblingWhenTPFills(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.items[1] = &store.BatchItem{ID: 1, Status: domain.ItemBracketSent.String()}
	tpRef := "B-TP"
	slRef := "B-SL"
	st.orders[1] = &store.Order{ID: 1, Role: domain.RoleTP.String(), Status: domain.OrderFilled.String(), BrokerOrderID: &tpRef}
	st.orders[2] = &store.Order{ID: 2, Role: domain.RoleSL.String(), Status: domain.OrderWorking.String(), BrokerOrderID: &slRef}
	st.groups[1] = &store.OcoGroup{ID: 1, BatchItemID: 1, TPOrderID: 1, SLOrderID: 2, Status: domain.OcoActive.String()}
	brk := &fakeBroker{}
	m := newManager(t, st, brk, ModePerPartialFill)

	m.HandleFillChanged(context.Background(), 1)

	if len(brk.cancelled) != 1 || brk.cancelled[0] != "B-SL" {
		t.Errorf("expected sl leg B-SL cancelled, got %v", brk.cancelled)
	}
	if st.groups[1].Status != domain.OcoClosed.String() {
		t.Errorf("group status = %q, want CLOSED", st.groups[1].Status)
	}
	if st.items[1].Status != domain.ItemClosed.String() {
		t.Errorf("item status = %q, want CLOSED", st.items[1].Status)
	}
}

func TestCheckMutualCancellationHandlesOverfill(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.items[1] = &store.BatchItem{ID: 1, Status: domain.ItemBracketSent.String()}
	st.orders[1] = &store.Order{ID: 1, Role: domain.RoleTP.String(), Status: domain.OrderFilled.String()}
	st.orders[2] = &store.Order{ID: 2, Role: domain.RoleSL.String(), Status: domain.OrderFilled.String()}
	st.groups[1] = &store.OcoGroup{ID: 1, BatchItemID: 1, TPOrderID: 1, SLOrderID: 2, Status: domain.OcoActive.String()}
	brk := &fakeBroker{}
	m := newManager(t, st, brk, ModePerPartialFill)

	m.HandleFillChanged(context.Background(), 1)

	if st.items[1].Status != domain.ItemError.String() {
		t.Errorf("item status = %q, want ERROR on overfill", st.items[1].Status)
	}
	if len(st.events) != 1 || st.events[0].EventCode != "BRACKET_FAILED" {
		t.Errorf("expected one BRACKET_FAILED event, got %+v", st.events)
	}
}

func TestCancelGroupCancelsBothLegsAndClosesGroup(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	tpRef := "B-TP"
	slRef := "B-SL"
	st.orders[1] = &store.Order{ID: 1, Role: domain.RoleTP.String(), Status: domain.OrderWorking.String(), BrokerOrderID: &tpRef}
	st.orders[2] = &store.Order{ID: 2, Role: domain.RoleSL.String(), Status: domain.OrderWorking.String(), BrokerOrderID: &slRef}
	group := &store.OcoGroup{ID: 1, BatchItemID: 1, TPOrderID: 1, SLOrderID: 2, Status: domain.OcoActive.String()}
	st.groups[1] = group
	brk := &fakeBroker{}
	m := newManager(t, st, brk, ModePerPartialFill)

	if err := m.CancelGroup(context.Background(), group); err != nil {
		t.Fatalf("CancelGroup() error = %v", err)
	}

	if len(brk.cancelled) != 2 {
		t.Errorf("expected both legs cancelled, got %v", brk.cancelled)
	}
	if st.groups[1].Status != domain.OcoClosed.String() {
		t.Errorf("group status = %q, want CLOSED", st.groups[1].Status)
	}
}

func TestSweepRedrivesEveryActiveGroup(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.items[1] = &store.BatchItem{ID: 1, Status: domain.ItemBracketSent.String()}
	st.items[2] = &store.BatchItem{ID: 2, Status: domain.ItemBracketSent.String()}
	tpRef, slRef := "B-TP", "B-SL"
	st.orders[1] = &store.Order{ID: 1, Role: domain.RoleTP.String(), Status: domain.OrderFilled.String(), BrokerOrderID: &tpRef}
	st.orders[2] = &store.Order{ID: 2, Role: domain.RoleSL.String(), Status: domain.OrderWorking.String(), BrokerOrderID: &slRef}
	st.orders[3] = &store.Order{ID: 3, Role: domain.RoleTP.String(), Status: domain.OrderWorking.String()}
	st.orders[4] = &store.Order{ID: 4, Role: domain.RoleSL.String(), Status: domain.OrderWorking.String()}
	st.groups[1] = &store.OcoGroup{ID: 1, BatchItemID: 1, TPOrderID: 1, SLOrderID: 2, Status: domain.OcoActive.String()}
	st.groups[2] = &store.OcoGroup{ID: 2, BatchItemID: 2, TPOrderID: 3, SLOrderID: 4, Status: domain.OcoActive.String()}
	brk := &fakeBroker{}
	m := newManager(t, st, brk, ModePerPartialFill)

	m.Sweep(context.Background())

	if st.items[1].Status != domain.ItemClosed.String() {
		t.Errorf("item 1 status = %q, want CLOSED (tp filled, sl cancelled)", st.items[1].Status)
	}
	if st.items[2].Status != domain.ItemBracketSent.String() {
		t.Errorf("item 2 status = %q, want unchanged BRACKET_SENT (neither leg filled)", st.items[2].Status)
	}
}
