package watcher

import (
	"context"
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
	mu           sync.Mutex
	orders       map[string]*store.Order // keyed by broker order id
	pendingByRef map[string]*store.Order // intent rows with no broker order id yet, keyed by client_order_ref
	items        map[int64]*store.BatchItem
	fills        map[int64]float64 // orderID -> cumulative recorded fill qty
	positions    []*store.PositionSnapshot
	touched      map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:       make(map[string]*store.Order),
		pendingByRef: make(map[string]*store.Order),
		items:        make(map[int64]*store.BatchItem),
		fills:        make(map[int64]float64),
		touched:      make(map[int64]bool),
	}
}

func (f *fakeStore) GetOrderByClientRef(ctx context.Context, ref string) (*store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.pendingByRef[ref]; ok {
		return o, nil
	}
	for _, o := range f.orders {
		if o.ClientOrderRef == ref {
			return o, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) AttachBrokerOrderID(ctx context.Context, id int64, brokerOrderID string, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ref, o := range f.pendingByRef {
		if o.ID == id {
			o.BrokerOrderID = &brokerOrderID
			o.Status = to
			o.Version++
			f.orders[brokerOrderID] = o
			delete(f.pendingByRef, ref)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) SetEntryBrokerOrderID(ctx context.Context, id int64, brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return store.ErrNotFound
	}
	it.EntryBrokerOrderID = &brokerOrderID
	return nil
}

func (f *fakeStore) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (f *fakeStore) ApplyOrderFill(ctx context.Context, id int64, expectedVersion int, deltaQty, fillPrice float64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == id {
			if o.Version != expectedVersion {
				return store.ErrVersionConflict
			}
			o.CumQty += deltaQty
			o.AvgPrice = fillPrice
			o.Status = status
			o.Version++
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) SetOrderStatus(ctx context.Context, id int64, expectedVersion int, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == id {
			if o.Version != expectedVersion {
				return store.ErrVersionConflict
			}
			o.Status = to
			o.Version++
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) TouchLastPoll(ctx context.Context, id int64, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[id] = true
	return nil
}

func (f *fakeStore) RecordFill(ctx context.Context, fl *store.Fill) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills[fl.OrderID] += fl.Qty
	return int64(len(f.fills)), nil
}

func (f *fakeStore) SumFilledQty(ctx context.Context, orderID int64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == orderID {
			return o.CumQty, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) ApplyFillDelta(ctx context.Context, id int64, expectedVersion int, deltaQty, fillPrice float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	if it.Version != expectedVersion {
		return 0, store.ErrVersionConflict
	}
	it.FilledQty += deltaQty
	it.AvgFillPrice = fillPrice
	it.Version++
	return it.FilledQty, nil
}

func (f *fakeStore) GetItem(ctx context.Context, id int64) (*store.BatchItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return it, nil
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

func (f *fakeStore) RecordPositionSnapshot(ctx context.Context, p *store.PositionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, p)
	return nil
}

type fakeBroker struct {
	listOrders    func(ctx context.Context) ([]broker.OrderStatus, error)
	listPositions func(ctx context.Context) ([]broker.Position, error)
}

func (f *fakeBroker) ListOrders(ctx context.Context) ([]broker.OrderStatus, error) {
	return f.listOrders(ctx)
}

func (f *fakeBroker) ListPositions(ctx context.Context) ([]broker.Position, error) {
	return f.listPositions(ctx)
}

func newWatcher(t *testing.T, st Store, brk Broker) *Watcher {
	t.Helper()
	limiter := ratelimit.New(1000, 1000)
	bus := events.NewBus(16, zerolog.Nop())
	return New(st, brk, limiter, bus, nil, zerolog.Nop(), time.Second, time.Second, time.Now().Add(-time.Hour))
}

func TestReconcileOrderRecordsPartialFillAndAdvancesItem(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.items[1] = &store.BatchItem{ID: 1, BatchJobID: 10, Qty: 100, Status: domain.ItemEntrySent.String()}
	st.orders["B-1"] = &store.Order{ID: 1, BatchItemID: 1, Role: domain.RoleEntry.String(), Status: "WORKING"}

	brk := &fakeBroker{
		listOrders: func(ctx context.Context) ([]broker.OrderStatus, error) {
			return []broker.OrderStatus{{
				BrokerOrderID: "B-1",
				Status:        "PARTIALLY_FILLED",
				CumQty:        40,
				AvgPrice:      101.5,
				SubmittedAt:   time.Now(),
			}}, nil
		},
	}
	w := newWatcher(t, st, brk)

	w.PollOrders(context.Background())

	if st.orders["B-1"].CumQty != 40 {
		t.Errorf("order CumQty = %v, want 40", st.orders["B-1"].CumQty)
	}
	if st.items[1].FilledQty != 40 {
		t.Errorf("item FilledQty = %v, want 40", st.items[1].FilledQty)
	}
	if st.items[1].Status != domain.ItemEntryPartial.String() {
		t.Errorf("item status = %q, want ENTRY_PARTIAL", st.items[1].Status)
	}
	if !st.touched[1] {
		t.Error("expected TouchLastPoll to be called for order 1")
	}
}

func TestReconcileOrderAdvancesToFullyFilledWhenCumQtyMeetsTarget(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.items[1] = &store.BatchItem{ID: 1, BatchJobID: 10, Qty: 100, Status: domain.ItemEntryPartial.String(), FilledQty: 40, Version: 1}
	st.orders["B-1"] = &store.Order{ID: 1, BatchItemID: 1, Role: domain.RoleEntry.String(), Status: "WORKING", CumQty: 40}

	brk := &fakeBroker{
		listOrders: func(ctx context.Context) ([]broker.OrderStatus, error) {
			return []broker.OrderStatus{{
				BrokerOrderID: "B-1",
				Status:        "FILLED",
				CumQty:        100,
				AvgPrice:      102,
				SubmittedAt:   time.Now(),
			}}, nil
		},
	}
	w := newWatcher(t, st, brk)

	w.PollOrders(context.Background())

	if st.items[1].Status != domain.ItemEntryFilled.String() {
		t.Errorf("item status = %q, want ENTRY_FILLED", st.items[1].Status)
	}
}

func TestReconcileOrderAdoptsUnresolvedIntentByClientOrderRef(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.items[1] = &store.BatchItem{ID: 1, BatchJobID: 10, Qty: 100, Status: domain.ItemReady.String()}
	st.pendingByRef["ref-1"] = &store.Order{ID: 1, BatchItemID: 1, Role: domain.RoleEntry.String(), ClientOrderRef: "ref-1", Status: "NEW"}

	brk := &fakeBroker{
		listOrders: func(ctx context.Context) ([]broker.OrderStatus, error) {
			return []broker.OrderStatus{{
				BrokerOrderID:  "B-ADOPTED",
				ClientOrderRef: "ref-1",
				Status:         "WORKING",
				CumQty:         30,
				AvgPrice:       101,
				SubmittedAt:    time.Now(),
			}}, nil
		},
	}
	w := newWatcher(t, st, brk)

	w.PollOrders(context.Background())

	adopted, ok := st.orders["B-ADOPTED"]
	if !ok {
		t.Fatal("expected the pending intent to be adopted under its broker order id")
	}
	if adopted.CumQty != 30 {
		t.Errorf("adopted order CumQty = %v, want 30", adopted.CumQty)
	}
	if st.items[1].EntryBrokerOrderID == nil || *st.items[1].EntryBrokerOrderID != "B-ADOPTED" {
		t.Errorf("item EntryBrokerOrderID = %v, want B-ADOPTED", st.items[1].EntryBrokerOrderID)
	}
	if st.items[1].FilledQty != 30 {
		t.Errorf("item FilledQty = %v, want 30", st.items[1].FilledQty)
	}
	if st.items[1].Status != domain.ItemEntryPartial.String() {
		t.Errorf("item status = %q, want ENTRY_PARTIAL", st.items[1].Status)
	}
}

func TestReconcileOrderIgnoresOrphanBrokerOrder(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	brk := &fakeBroker{
		listOrders: func(ctx context.Context) ([]broker.OrderStatus, error) {
			return []broker.OrderStatus{{
				BrokerOrderID: "UNKNOWN",
				Status:        "WORKING",
				CumQty:        10,
				SubmittedAt:   time.Now(),
			}}, nil
		},
	}
	w := newWatcher(t, st, brk)

	w.PollOrders(context.Background())

	if len(st.items) != 0 || len(st.fills) != 0 {
		t.Error("expected orphan broker order to be ignored, not adopted")
	}
}

func TestReconcileOrderSkipsNonEntryRoleForItemAdvance(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.items[1] = &store.BatchItem{ID: 1, BatchJobID: 10, Qty: 100, Status: domain.ItemEntryFilled.String()}
	st.orders["B-TP"] = &store.Order{ID: 1, BatchItemID: 1, Role: domain.RoleTP.String(), Status: "WORKING"}

	brk := &fakeBroker{
		listOrders: func(ctx context.Context) ([]broker.OrderStatus, error) {
			return []broker.OrderStatus{{
				BrokerOrderID: "B-TP",
				Status:        "FILLED",
				CumQty:        100,
				AvgPrice:      110,
				SubmittedAt:   time.Now(),
			}}, nil
		},
	}
	w := newWatcher(t, st, brk)

	w.PollOrders(context.Background())

	if st.items[1].Status != domain.ItemEntryFilled.String() {
		t.Errorf("item status changed to %q, want unchanged ENTRY_FILLED (TP/SL fills don't drive entry advance)", st.items[1].Status)
	}
}

func TestPollPositionsRecordsSnapshotPerPosition(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	brk := &fakeBroker{
		listPositions: func(ctx context.Context) ([]broker.Position, error) {
			return []broker.Position{
				{Symbol: "7203", Product: domain.ProductMargin.String(), PositionHandle: "H-1", Qty: 100},
				{Symbol: "6758", Product: domain.ProductCash.String(), PositionHandle: "", Qty: 50},
			}, nil
		},
	}
	w := newWatcher(t, st, brk)

	w.PollPositions(context.Background())

	if len(st.positions) != 2 {
		t.Fatalf("recorded %d snapshots, want 2", len(st.positions))
	}
	if st.positions[0].Symbol != "7203" || st.positions[0].PositionHandle != "H-1" {
		t.Errorf("unexpected first snapshot: %+v", st.positions[0])
	}
}

func TestPollPositionsHandlesBrokerErrorWithoutPanicking(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	brk := &fakeBroker{
		listPositions: func(ctx context.Context) ([]broker.Position, error) {
			return nil, domain.NewError(domain.KindBrokerUnavailable, "timeout", nil)
		},
	}
	w := newWatcher(t, st, brk)

	w.PollPositions(context.Background())

	if len(st.positions) != 0 {
		t.Errorf("expected no snapshots recorded on broker error, got %d", len(st.positions))
	}
}
