package events

import "time"

// EventType identifies the shape of an Event's payload.
type EventType string

const (
	// TypeItemFillChanged fires when the Watcher applies a new fill delta to
	// a batch item, giving the OCO Manager a low-latency wakeup hint. The
	// durable filled_qty column remains the source of truth; a dropped
	// event only delays reaction until the OCO Manager's next poll sweep.
	TypeItemFillChanged EventType = "item_fill_changed"

	// TypeOrderStatusChanged fires whenever the Watcher observes a status
	// transition on a broker order.
	TypeOrderStatusChanged EventType = "order_status_changed"

	// TypeBatchStatusChanged names a batch status transition. No component
	// publishes or subscribes to it; the Execution Engine receives batches
	// through the Scheduler's Enqueuer and the Supervisor's ScheduleBatch.
	TypeBatchStatusChanged EventType = "batch_status_changed"
)

// Event is any payload the bus can carry.
type Event interface {
	Type() EventType
	OccurredAt() time.Time
}

type BaseEvent struct {
	EventType EventType
	Timestamp time.Time
}

func (e BaseEvent) Type() EventType        { return e.EventType }
func (e BaseEvent) OccurredAt() time.Time  { return e.Timestamp }

// ItemFillChangedEvent carries the new cumulative filled quantity observed
// for a batch item.
type ItemFillChangedEvent struct {
	BaseEvent
	BatchItemID int64
	FilledQty   float64
	AvgPrice    float64
}

func NewItemFillChangedEvent(now time.Time, batchItemID int64, filledQty, avgPrice float64) ItemFillChangedEvent {
	return ItemFillChangedEvent{
		BaseEvent:   BaseEvent{EventType: TypeItemFillChanged, Timestamp: now},
		BatchItemID: batchItemID,
		FilledQty:   filledQty,
		AvgPrice:    avgPrice,
	}
}

// OrderStatusChangedEvent carries an order's new status.
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID     int64
	BatchItemID int64
	Status      string
}

func NewOrderStatusChangedEvent(now time.Time, orderID, batchItemID int64, status string) OrderStatusChangedEvent {
	return OrderStatusChangedEvent{
		BaseEvent:   BaseEvent{EventType: TypeOrderStatusChanged, Timestamp: now},
		OrderID:     orderID,
		BatchItemID: batchItemID,
		Status:      status,
	}
}

// BatchStatusChangedEvent carries a batch's new status.
type BatchStatusChangedEvent struct {
	BaseEvent
	BatchJobID int64
	Status     string
}

func NewBatchStatusChangedEvent(now time.Time, batchJobID int64, status string) BatchStatusChangedEvent {
	return BatchStatusChangedEvent{
		BaseEvent:  BaseEvent{EventType: TypeBatchStatusChanged, Timestamp: now},
		BatchJobID: batchJobID,
		Status:     status,
	}
}
