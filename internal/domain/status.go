// Package domain defines the closed set of states and roles the execution
// control plane transitions through. Statuses are small integer-backed types
// rather than bare strings so that an invalid transition is caught by
// ValidTransition instead of silently persisting a typo.
package domain

// BatchStatus is the lifecycle state of a BatchJob.
type BatchStatus int

const (
	BatchScheduled BatchStatus = iota
	BatchRunning
	BatchPaused
	BatchDone
	BatchError
	BatchCancelled
)

func (s BatchStatus) String() string {
	switch s {
	case BatchScheduled:
		return "SCHEDULED"
	case BatchRunning:
		return "RUNNING"
	case BatchPaused:
		return "PAUSED"
	case BatchDone:
		return "DONE"
	case BatchError:
		return "ERROR"
	case BatchCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition out of this status is legal.
func (s BatchStatus) Terminal() bool {
	return s == BatchDone || s == BatchError || s == BatchCancelled
}

// ParseBatchStatus inverts String, used when reading the Store's short code.
func ParseBatchStatus(s string) (BatchStatus, bool) {
	for _, v := range []BatchStatus{BatchScheduled, BatchRunning, BatchPaused, BatchDone, BatchError, BatchCancelled} {
		if v.String() == s {
			return v, true
		}
	}
	return 0, false
}

// ItemStatus is the lifecycle state of a BatchItem, per spec §4.3.
type ItemStatus int

const (
	ItemReady ItemStatus = iota
	ItemEntrySent
	ItemEntryPartial
	ItemEntryFilled
	ItemBracketSent
	ItemTPFilled
	ItemSLFilled
	ItemEODMarketSent
	ItemClosed
	ItemError
)

func (s ItemStatus) String() string {
	switch s {
	case ItemReady:
		return "READY"
	case ItemEntrySent:
		return "ENTRY_SENT"
	case ItemEntryPartial:
		return "ENTRY_PARTIAL"
	case ItemEntryFilled:
		return "ENTRY_FILLED"
	case ItemBracketSent:
		return "BRACKET_SENT"
	case ItemTPFilled:
		return "TP_FILLED"
	case ItemSLFilled:
		return "SL_FILLED"
	case ItemEODMarketSent:
		return "EOD_MARKET_SENT"
	case ItemClosed:
		return "CLOSED"
	case ItemError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s ItemStatus) Terminal() bool {
	return s == ItemClosed || s == ItemError
}

func ParseItemStatus(s string) (ItemStatus, bool) {
	all := []ItemStatus{ItemReady, ItemEntrySent, ItemEntryPartial, ItemEntryFilled, ItemBracketSent,
		ItemTPFilled, ItemSLFilled, ItemEODMarketSent, ItemClosed, ItemError}
	for _, v := range all {
		if v.String() == s {
			return v, true
		}
	}
	return 0, false
}

// itemTransitions enumerates every legal edge of the §4.3 state machine.
// Edges not listed here are illegal regardless of caller intent.
var itemTransitions = map[ItemStatus]map[ItemStatus]bool{
	ItemReady:         {ItemEntrySent: true, ItemError: true},
	ItemEntrySent:     {ItemEntryPartial: true, ItemEntryFilled: true, ItemClosed: true, ItemError: true, ItemEODMarketSent: true},
	ItemEntryPartial:  {ItemEntryPartial: true, ItemEntryFilled: true, ItemBracketSent: true, ItemError: true, ItemEODMarketSent: true},
	ItemEntryFilled:   {ItemBracketSent: true, ItemError: true, ItemEODMarketSent: true},
	ItemBracketSent:   {ItemTPFilled: true, ItemSLFilled: true, ItemError: true, ItemEODMarketSent: true},
	ItemTPFilled:      {ItemClosed: true, ItemError: true},
	ItemSLFilled:      {ItemClosed: true, ItemError: true},
	ItemEODMarketSent: {ItemClosed: true, ItemError: true},
	ItemClosed:        {},
	ItemError:         {},
}

// ValidTransition reports whether moving from 'from' to 'to' is one of the
// edges drawn in spec §4.3. It never mutates anything; callers apply it as a
// guard before issuing the conditional Store update.
func ValidTransition(from, to ItemStatus) bool {
	edges, ok := itemTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// OrderRole distinguishes the four kinds of broker order the core submits.
type OrderRole int

const (
	RoleEntry OrderRole = iota
	RoleTP
	RoleSL
	RoleEOD
)

func (r OrderRole) String() string {
	switch r {
	case RoleEntry:
		return "entry"
	case RoleTP:
		return "tp"
	case RoleSL:
		return "sl"
	case RoleEOD:
		return "eod"
	default:
		return "unknown"
	}
}

// OrderStatus mirrors the broker's order lifecycle, per spec §3.
type OrderStatus int

const (
	OrderNew OrderStatus = iota
	OrderWorking
	OrderPartial
	OrderFilled
	OrderCancelled
	OrderExpired
	OrderRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderNew:
		return "NEW"
	case OrderWorking:
		return "WORKING"
	case OrderPartial:
		return "PARTIAL"
	case OrderFilled:
		return "FILLED"
	case OrderCancelled:
		return "CANCELLED"
	case OrderExpired:
		return "EXPIRED"
	case OrderRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired, OrderRejected:
		return true
	default:
		return false
	}
}

func ParseOrderStatus(s string) (OrderStatus, bool) {
	all := []OrderStatus{OrderNew, OrderWorking, OrderPartial, OrderFilled, OrderCancelled, OrderExpired, OrderRejected}
	for _, v := range all {
		if v.String() == s {
			return v, true
		}
	}
	return 0, false
}

// OcoStatus is the lifecycle of a synthetic TP/SL bracket pair, per spec §3.
type OcoStatus int

const (
	OcoActive OcoStatus = iota
	OcoTPFilled
	OcoSLFilled
	OcoClosed
)

func (s OcoStatus) String() string {
	switch s {
	case OcoActive:
		return "ACTIVE"
	case OcoTPFilled:
		return "TP_FILLED"
	case OcoSLFilled:
		return "SL_FILLED"
	case OcoClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

func ParseOcoStatus(s string) (OcoStatus, bool) {
	all := []OcoStatus{OcoActive, OcoTPFilled, OcoSLFilled, OcoClosed}
	for _, v := range all {
		if v.String() == s {
			return v, true
		}
	}
	return 0, false
}

// Side is buy or sell.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// Opposite returns the side that closes a position opened on s — used by the
// OCO Manager, whose closing orders are always inverted from the entry side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Product distinguishes cash (plain long/short) from margin positions, which
// close via broker-assigned position handles instead of a simple opposite
// side order.
type Product int

const (
	ProductCash Product = iota
	ProductMargin
)

func (p Product) String() string {
	if p == ProductMargin {
		return "margin"
	}
	return "cash"
}

// EntryType is market or limit, per spec §3.
type EntryType int

const (
	EntryMarket EntryType = iota
	EntryLimit
)

func (e EntryType) String() string {
	if e == EntryLimit {
		return "limit"
	}
	return "market"
}
