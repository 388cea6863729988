// Package position is the local registry of order and position state. The
// broker stays authoritative for everything it reports; this store only
// caches it and enforces legal lifecycle transitions.
package position

import (
	"time"

	"goldpredict/internal/broker"
)

// Status 表示持仓生命周期状态机中的一个节点。
type Status int

const (
	StatusPending    Status = iota // Order submitted, fill not yet confirmed
	StatusOpen                     // Broker confirmed the fill
	StatusModified                 // Stop/take changed, still open
	StatusClosing                  // Close order submitted
	StatusClosed                   // Terminal: fully closed
	StatusRejected                 // Terminal: broker refused the order
	StatusStoppedOut               // Terminal: broker-side forced close
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOpen:
		return "open"
	case StatusModified:
		return "modified"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusRejected:
		return "rejected"
	case StatusStoppedOut:
		return "stopped_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected || s == StatusStoppedOut
}

// IsOpen reports whether the position still holds market exposure.
func (s Status) IsOpen() bool {
	return s == StatusOpen || s == StatusModified || s == StatusClosing
}

// legal transitions; everything else is a conflict that must be resolved
// by reconciliation against the broker, never by overwriting.
var transitions = map[Status][]Status{
	StatusPending:  {StatusOpen, StatusRejected},
	StatusOpen:     {StatusModified, StatusClosing, StatusClosed, StatusStoppedOut},
	StatusModified: {StatusModified, StatusClosing, StatusClosed, StatusStoppedOut},
	// Closing->Modified: the close order never reached the broker and
	// reconciliation hands the position back to management.
	StatusClosing: {StatusClosed, StatusModified},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Position is the locally cached view of one broker position.
type Position struct {
	Ticket     int64 // Broker-assigned, unique
	Symbol     string
	Side       broker.Side
	Volume     float64
	OpenPrice  float64
	StopLoss   float64
	TakeProfit float64
	OpenedAt   time.Time
	Status     Status

	// Token of the in-flight close order while Status is Closing, so
	// reconciliation can ask the broker whether that order executed.
	CloseToken string

	// Set on terminal transitions.
	ClosePrice  float64
	RealizedPnL float64
	ClosedAt    time.Time

	// Frozen positions are excluded from all automated action and wait
	// for manual review (set after a reconciliation conflict).
	Frozen bool
}

// Notional returns the position's exposure at the given market price.
func (p Position) Notional(price float64) float64 {
	if price <= 0 {
		price = p.OpenPrice
	}
	return p.Volume * price
}

// UnrealizedPnL computes floating P&L against a market price.
func (p Position) UnrealizedPnL(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return (price - p.OpenPrice) * p.Volume * p.Side.Sign()
}
