package execution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bikeshrana/intraday-controller/internal/broker"
	"github.com/bikeshrana/intraday-controller/internal/circuitbreaker"
	"github.com/bikeshrana/intraday-controller/internal/domain"
	"github.com/bikeshrana/intraday-controller/internal/events"
	"github.com/bikeshrana/intraday-controller/internal/ratelimit"
	"github.com/bikeshrana/intraday-controller/internal/store"
)

// fakeStore is an in-memory stand-in for *store.Store scoped to the Engine's
// dependency interface, grounded on 0xtitan6-polymarket-mm's dry-run client
// fake pattern.
type fakeStore struct {
	mu            sync.Mutex
	items         map[int64]*store.BatchItem
	orders        map[int64]*store.Order
	nextOrderID   int64
	events        []*store.EventLogEntry
	batchDoneCall int
}

func newFakeStore(items ...*store.BatchItem) *fakeStore {
	m := make(map[int64]*store.BatchItem, len(items))
	for _, it := range items {
		m[it.ID] = it
	}
	return &fakeStore{items: m, orders: make(map[int64]*store.Order)}
}

func (f *fakeStore) ListItemsForBatch(ctx context.Context, batchJobID int64) ([]*store.BatchItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.BatchItem
	for _, it := range f.items {
		if it.BatchJobID == batchJobID {
			out = append(out, it)
		}
	}
	return out, nil
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

func (f *fakeStore) CreateOrder(ctx context.Context, o *store.Order) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOrderID++
	o.ID = f.nextOrderID
	cp := *o
	f.orders[o.ID] = &cp
	return o.ID, nil
}

func (f *fakeStore) GetPendingEntryIntent(ctx context.Context, batchItemID int64) (*store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *store.Order
	for _, o := range f.orders {
		if o.BatchItemID != batchItemID || o.Role != domain.RoleEntry.String() {
			continue
		}
		if o.BrokerOrderID != nil || o.Status != domain.OrderNew.String() {
			continue
		}
		if best == nil || o.ID > best.ID {
			best = o
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
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

func (f *fakeStore) AppendEvent(ctx context.Context, e *store.EventLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) MarkBatchDoneIfAllItemsTerminal(ctx context.Context, batchJobID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchDoneCall++
	return true, nil
}

type fakeBroker struct {
	sendOrder func(ctx context.Context, payload broker.OrderPayload) (string, error)
}

func (f *fakeBroker) SendOrder(ctx context.Context, payload broker.OrderPayload) (string, error) {
	return f.sendOrder(ctx, payload)
}

func newEngine(t *testing.T, st Store, brk Broker) *Engine {
	t.Helper()
	limiter := ratelimit.New(1000, 1000)
	bus := events.NewBus(16, zerolog.Nop())
	cbm := circuitbreaker.NewManager(zerolog.Nop())
	return New(st, brk, limiter, bus, nil, cbm, zerolog.Nop())
}

func readyItem(id, batchID int64) *store.BatchItem {
	return &store.BatchItem{
		ID:             id,
		BatchJobID:     batchID,
		Symbol:         "7203",
		MarketCode:     "1",
		Product:        domain.ProductCash.String(),
		Side:           "buy",
		Qty:            100,
		EntryType:      "market",
		TPPrice:        1000,
		SLTriggerPrice: 900,
		Status:         domain.ItemReady.String(),
	}
}

func TestRunSubmitsReadyItemAndTransitionsToEntrySent(t *testing.T) {
	t.Parallel()
	it := readyItem(1, 10)
	st := newFakeStore(it)
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		return "B-1", nil
	}}
	e := newEngine(t, st, brk)

	if err := e.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if it.Status != domain.ItemEntrySent.String() {
		t.Errorf("item status = %q, want ENTRY_SENT", it.Status)
	}
	if it.EntryBrokerOrderID == nil || *it.EntryBrokerOrderID != "B-1" {
		t.Errorf("EntryBrokerOrderID = %v, want B-1", it.EntryBrokerOrderID)
	}
	if st.batchDoneCall != 1 {
		t.Errorf("expected MarkBatchDoneIfAllItemsTerminal to be called once, got %d", st.batchDoneCall)
	}
}

func TestRunSkipsNonReadyItems(t *testing.T) {
	t.Parallel()
	it := readyItem(1, 10)
	it.Status = domain.ItemClosed.String()
	st := newFakeStore(it)
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		t.Fatal("SendOrder should not be called for a non-READY item")
		return "", nil
	}}
	e := newEngine(t, st, brk)

	if err := e.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunMarksItemErrorOnValidationFailure(t *testing.T) {
	t.Parallel()
	it := readyItem(1, 10)
	it.Qty = 0 // invalid
	st := newFakeStore(it)
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		t.Fatal("SendOrder should not be called when validation fails")
		return "", nil
	}}
	e := newEngine(t, st, brk)

	if err := e.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if it.Status != domain.ItemError.String() {
		t.Errorf("item status = %q, want ERROR", it.Status)
	}
}

func TestRunLeavesItemReadyOnBrokerUnavailable(t *testing.T) {
	t.Parallel()
	it := readyItem(1, 10)
	st := newFakeStore(it)
	unavailable := domain.NewError(domain.KindBrokerUnavailable, "broker unavailable after retries", errors.New("timeout"))
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		return "", unavailable
	}}
	e := newEngine(t, st, brk)

	if err := e.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if it.Status != domain.ItemReady.String() {
		t.Errorf("item status = %q, want READY (left for reconciliation)", it.Status)
	}
}

func TestRunDoesNotResubmitWhenPendingEntryIntentExists(t *testing.T) {
	t.Parallel()
	it := readyItem(1, 10)
	st := newFakeStore(it)
	// Simulate a prior pass that checkpointed an intent row and then lost
	// the broker's response to a no-response network error: the row has no
	// broker_order_id and is still NEW.
	st.orders[1] = &store.Order{
		ID:             1,
		BatchItemID:    it.ID,
		Role:           domain.RoleEntry.String(),
		ClientOrderRef: "prior-attempt",
		Status:         domain.OrderNew.String(),
	}
	st.nextOrderID = 1

	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		t.Fatal("SendOrder should not be called while an unresolved entry intent is outstanding")
		return "", nil
	}}
	e := newEngine(t, st, brk)

	if err := e.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if it.Status != domain.ItemReady.String() {
		t.Errorf("item status = %q, want READY (left for watcher reconciliation)", it.Status)
	}
	if len(st.orders) != 1 {
		t.Errorf("expected no second intent row to be created, got %d orders", len(st.orders))
	}
}

func TestRunMarksItemErrorOnBrokerRejection(t *testing.T) {
	t.Parallel()
	it := readyItem(1, 10)
	st := newFakeStore(it)
	rejected := domain.NewError(domain.KindBrokerRejected, "broker rejected request", errors.New("400"))
	brk := &fakeBroker{sendOrder: func(ctx context.Context, payload broker.OrderPayload) (string, error) {
		return "", rejected
	}}
	e := newEngine(t, st, brk)

	if err := e.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if it.Status != domain.ItemError.String() {
		t.Errorf("item status = %q, want ERROR", it.Status)
	}
	if len(st.events) != 1 || st.events[0].EventCode != "ORDER_REJECTED" {
		t.Errorf("expected one ORDER_REJECTED event, got %+v", st.events)
	}
}
