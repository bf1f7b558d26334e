package broker

// marketCodeAliases implements the 2026-02-28 broker change: Exchange=1 is
// no longer accepted on new order submits, replaced by 9 or 27 depending on
// segment. The table maps 1 to 9 for every segment; it never produces 27.
// This mapping is deliberately isolated here; the core state
// machine and Store never see or reason about exchange codes (SPEC §9).
var marketCodeAliases = map[string]string{
	"1": "9",
}

// ResolveMarketCode rewrites a batch item's stored market_code to whatever
// the broker currently accepts, leaving already-valid codes untouched.
func ResolveMarketCode(code string) string {
	if alias, ok := marketCodeAliases[code]; ok {
		return alias
	}
	return code
}
