// Package types holds small value types shared across the broker adapter and
// the components that consume it.
package types

import "time"

// Quote is a real-time price quote, returned by the Broker Adapter's optional
// GetBoard call (spec §4.2). The Execution Engine does not call GetBoard; its
// pre-trade validation runs without a quote.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}
