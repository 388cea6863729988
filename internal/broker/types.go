// Package broker defines a common abstraction over the trading terminal.
// The engine only ever talks to the Client interface, so a live MT5 bridge
// and an in-memory test double are interchangeable.
package broker

import (
	"strings"
	"time"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing direction for a position of this side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for long exposure and -1 for short, used in P&L math.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// AccountInfo mirrors the terminal's account snapshot.
type AccountInfo struct {
	Login       int64     // Terminal login id
	Server      string    // Broker server name
	Currency    string    // Deposit currency
	Balance     float64   // Closed balance
	Equity      float64   // Balance + floating P&L
	Margin      float64   // Margin currently in use
	FreeMargin  float64   // Equity - Margin
	MarginLevel float64   // Equity / Margin * 100, 0 when no margin used
	Leverage    int       // Account leverage
	TradeMode   string    // "demo", "contest" or "real"
	UpdatedAt   time.Time // When the snapshot was taken
}

// IsDemo reports whether the account is a practice account. The server-name
// fallback mirrors terminals that do not report a trade mode.
func (a AccountInfo) IsDemo() bool {
	if a.TradeMode != "" {
		return a.TradeMode == "demo" || a.TradeMode == "contest"
	}
	server := strings.ToLower(a.Server)
	for _, kw := range []string{"demo", "test", "practice", "simulation"} {
		if strings.Contains(server, kw) {
			return true
		}
	}
	return false
}

// Quote is the current market price for one symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	Point  float64 // Minimal price increment, e.g. 0.01 for XAUUSD
	Time   time.Time
}

// PriceFor returns the execution price for opening in the given direction.
func (q Quote) PriceFor(side Side) float64 {
	if side == SideBuy {
		return q.Ask
	}
	return q.Bid
}

// SymbolSpec carries the volume constraints of a tradable instrument.
type SymbolSpec struct {
	Symbol     string
	VolumeMin  float64 // Smallest allowed lot
	VolumeMax  float64 // Largest allowed lot
	VolumeStep float64 // Lot granularity
	Point      float64
}

// Position is the broker-side view of an open trade. The broker is
// authoritative for every field here; local state is only a cache.
type Position struct {
	Ticket     int64 // Broker-assigned position id
	Symbol     string
	Side       Side
	Volume     float64
	OpenPrice  float64
	StopLoss   float64 // 0 when not set
	TakeProfit float64 // 0 when not set
	Profit     float64 // Floating P&L in deposit currency
	OpenedAt   time.Time
}

// OpenRequest describes a new market order.
type OpenRequest struct {
	ClientToken string  // Caller-generated idempotency token
	Symbol      string
	Side        Side
	Volume      float64
	Price       float64 // Requested price; fills may differ
	StopLoss    float64
	TakeProfit  float64
	Deviation   int // Max slippage in points
	Comment     string
}

// CloseRequest closes all or part of an existing position.
type CloseRequest struct {
	ClientToken string
	Ticket      int64
	Volume      float64 // 0 closes the full position
	Deviation   int
	Comment     string
}

// OrderResult is the terminal's answer to a mutating order call.
type OrderResult struct {
	Ticket   int64   // Position ticket the order produced or affected
	Volume   float64 // Actually filled volume
	Price    float64 // Actual fill price
	RetCode  int     // Broker return code
	Comment  string
	FilledAt time.Time
}
