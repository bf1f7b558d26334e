package store

import "time"

// BatchJob mirrors the batch_jobs row (spec §3).
type BatchJob struct {
	ID             int64
	BatchCode      string
	ScheduleMode   string // "immediate" | "scheduled"
	ScheduledAt    *time.Time
	EODCloseTime   string // "HH:MM"
	EODForceClose  bool
	Status         string
	LastError      *string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BatchItem mirrors the batch_items row (spec §3).
type BatchItem struct {
	ID                 int64
	BatchJobID         int64
	Symbol             string
	MarketCode         string
	Product            string // "cash" | "margin"
	Side               string // "buy" | "sell"
	Qty                float64
	EntryType          string // "market" | "limit"
	EntryPrice         *float64
	TPPrice            float64
	SLTriggerPrice     float64
	Status             string
	FilledQty          float64
	AvgFillPrice       float64
	EntryBrokerOrderID *string
	LastError          *string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Order mirrors the orders row (spec §3).
type Order struct {
	ID             int64
	BatchItemID    int64
	Role           string // "entry" | "tp" | "sl" | "eod"
	BrokerOrderID  *string
	ClientOrderRef string
	Side           string
	Qty            float64
	OrderType      string // "market" | "limit" | "stop"
	Price          *float64
	StopTrigger    *float64
	Status         string
	CumQty         float64
	AvgPrice       float64
	SubmittedAt    time.Time
	LastPollAt     *time.Time
	RawPayload     []byte
	Version        int
}

// Fill is an immutable append-only record of one observed fill delta.
type Fill struct {
	ID       int64
	OrderID  int64
	FilledAt time.Time
	Qty      float64
	Price    float64
}

// OcoGroup mirrors the oco_groups row (spec §3).
type OcoGroup struct {
	ID              int64
	BatchItemID     int64
	Qty             float64
	TPOrderID       int64
	SLOrderID       int64
	Status          string
	PositionHandles []byte // JSON-encoded []string, margin only
	CreatedAt       time.Time
	ClosedAt        *time.Time
}

// PositionSnapshot is an append-only poll-time record of a broker position
// handle, consulted by the OCO Manager and EOD Closer for margin closeouts.
type PositionSnapshot struct {
	ID             int64
	Symbol         string
	Product        string
	PositionHandle string
	Qty            float64
	SnapshotAt     time.Time
}

// SchedulerRun is an append-only record of one Scheduler tick.
type SchedulerRun struct {
	ID             int64
	RanAt          time.Time
	TriggeredCount int
	SkippedCount   int
	Outcome        string
}

// EventLogEntry is a structured, append-only event (spec §3 EventLog).
type EventLogEntry struct {
	ID          int64
	OccurredAt  time.Time
	Level       string
	Component   string
	EventCode   string
	BatchItemID *int64
	Message     string
	Details     []byte
}

// AuditLogEntry is a manual-intervention trail row (spec §3 AuditLog).
type AuditLogEntry struct {
	ID          int64
	OccurredAt  time.Time
	Actor       string
	Command     string
	BatchJobID  *int64
	BatchItemID *int64
	Reason      string
	Details     []byte
}
