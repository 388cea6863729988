// Package store persists trade history and account snapshots with
// Gorm + SQLite, mirroring the original system's trades/account_status
// tables. Records are append-only; enough survives a restart to rebuild
// daily P&L and drawdown without replaying the broker.
package store

import "time"

// TradeModel is one row per order outcome, keyed by broker ticket for
// opens/closes. Rejected orders get rows with ticket 0.
type TradeModel struct {
	ID         uint   `gorm:"primaryKey"`
	Ticket     int64  `gorm:"index"`
	Symbol     string `gorm:"size:32;index"`
	Side       string `gorm:"size:8"`
	Status     string `gorm:"size:16;index"` // open / closed / stopped_out / rejected
	Volume     float64
	OpenPrice  float64
	ClosePrice float64
	Profit     float64
	RetCode    int
	Comment    string `gorm:"size:256"`
	OpenedAt   time.Time
	ClosedAt   *time.Time
	CreatedAt  time.Time
}

func (TradeModel) TableName() string { return "trades" }

// AccountStatusModel is a periodic account snapshot, one row per save.
type AccountStatusModel struct {
	ID          uint `gorm:"primaryKey"`
	Balance     float64
	Equity      float64
	Margin      float64
	FreeMargin  float64
	MarginLevel float64
	Profit      float64
	CreatedAt   time.Time `gorm:"index"`
}

func (AccountStatusModel) TableName() string { return "account_status" }
