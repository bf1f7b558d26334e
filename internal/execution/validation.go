package execution

import (
	"fmt"

	"github.com/bikeshrana/intraday-controller/internal/domain"
	"github.com/bikeshrana/intraday-controller/internal/store"
)

// validateItem enforces the pre-trade invariants of spec §4.2's Validation
// subsection: a pure function that returns a descriptive error instead of a
// risk score, since this engine has no position-sizing or margin-limit
// concern of its own.
func validateItem(it *store.BatchItem, quote *quoteView) error {
	if it.Qty <= 0 {
		return domain.NewError(domain.KindValidation, "quantity must be positive", nil)
	}

	entryType, ok := parseEntryType(it.EntryType)
	if !ok {
		return domain.NewError(domain.KindValidation, fmt.Sprintf("unknown entry_type %q", it.EntryType), nil)
	}
	if entryType == domain.EntryLimit && it.EntryPrice == nil {
		return domain.NewError(domain.KindValidation, "limit entry requires entry_price", nil)
	}

	side, ok := parseSide(it.Side)
	if !ok {
		return domain.NewError(domain.KindValidation, fmt.Sprintf("unknown side %q", it.Side), nil)
	}

	expectedFill := quote.expectedFillPrice(it, side)
	if expectedFill > 0 {
		if side == domain.SideBuy {
			if it.TPPrice <= expectedFill {
				return domain.NewError(domain.KindValidation, "tp_price must sit above the expected fill for a buy", nil)
			}
			if it.SLTriggerPrice >= expectedFill {
				return domain.NewError(domain.KindValidation, "sl_trigger_price must sit below the expected fill for a buy", nil)
			}
		} else {
			if it.TPPrice >= expectedFill {
				return domain.NewError(domain.KindValidation, "tp_price must sit below the expected fill for a sell", nil)
			}
			if it.SLTriggerPrice <= expectedFill {
				return domain.NewError(domain.KindValidation, "sl_trigger_price must sit above the expected fill for a sell", nil)
			}
		}
	}

	if quote != nil && quote.available && entryType == domain.EntryLimit && it.EntryPrice != nil {
		if quote.isWildlyDetached(*it.EntryPrice) {
			return domain.NewError(domain.KindValidation, "entry_price is wildly detached from the current quote", nil)
		}
	}

	return nil
}

func parseEntryType(s string) (domain.EntryType, bool) {
	if s == "limit" {
		return domain.EntryLimit, true
	}
	if s == "market" {
		return domain.EntryMarket, true
	}
	return 0, false
}

func parseSide(s string) (domain.Side, bool) {
	if s == "sell" {
		return domain.SideSell, true
	}
	if s == "buy" {
		return domain.SideBuy, true
	}
	return 0, false
}

// quoteView wraps an optional board quote so validation degrades gracefully
// when no quote is available — the optional GetBoard call (spec §4.2).
type quoteView struct {
	available bool
	last      float64
}

func (q *quoteView) expectedFillPrice(it *store.BatchItem, side domain.Side) float64 {
	if it.EntryPrice != nil {
		return *it.EntryPrice
	}
	if q != nil && q.available {
		return q.last
	}
	return 0
}

// isWildlyDetached flags an entry price more than 10% away from the last
// traded price, a conservative sanity bound rather than a hard broker limit.
func (q *quoteView) isWildlyDetached(entryPrice float64) bool {
	if q.last <= 0 {
		return false
	}
	diff := entryPrice - q.last
	if diff < 0 {
		diff = -diff
	}
	return diff/q.last > 0.10
}
