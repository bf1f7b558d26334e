package domain

import "testing"

func TestValidTransitionHappyPath(t *testing.T) {
	t.Parallel()
	steps := []struct{ from, to ItemStatus }{
		{ItemReady, ItemEntrySent},
		{ItemEntrySent, ItemEntryFilled},
		{ItemEntryFilled, ItemBracketSent},
		{ItemBracketSent, ItemTPFilled},
		{ItemTPFilled, ItemClosed},
	}
	for _, s := range steps {
		if !ValidTransition(s.from, s.to) {
			t.Errorf("ValidTransition(%s, %s) = false, want true", s.from, s.to)
		}
	}
}

func TestValidTransitionRejectsTerminalEscape(t *testing.T) {
	t.Parallel()
	for _, terminal := range []ItemStatus{ItemClosed, ItemError} {
		if ValidTransition(terminal, ItemReady) {
			t.Errorf("ValidTransition(%s, READY) = true, want false (terminal states are one-way)", terminal)
		}
	}
}

func TestValidTransitionRejectsSkippingBracket(t *testing.T) {
	t.Parallel()
	if ValidTransition(ItemEntryFilled, ItemTPFilled) {
		t.Error("ValidTransition(ENTRY_FILLED, TP_FILLED) = true, want false: brackets must be sent first")
	}
}

func TestItemStatusRoundTrip(t *testing.T) {
	t.Parallel()
	all := []ItemStatus{ItemReady, ItemEntrySent, ItemEntryPartial, ItemEntryFilled, ItemBracketSent,
		ItemTPFilled, ItemSLFilled, ItemEODMarketSent, ItemClosed, ItemError}
	for _, s := range all {
		parsed, ok := ParseItemStatus(s.String())
		if !ok || parsed != s {
			t.Errorf("ParseItemStatus(%q) = %v, %v; want %v, true", s.String(), parsed, ok, s)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Side.Opposite must invert buy/sell")
	}
}

func TestTerminalStatuses(t *testing.T) {
	t.Parallel()
	if !ItemClosed.Terminal() || !ItemError.Terminal() {
		t.Error("CLOSED and ERROR must be terminal")
	}
	if ItemReady.Terminal() || ItemBracketSent.Terminal() {
		t.Error("READY and BRACKET_SENT must not be terminal")
	}
}
