// Package risk is the single authority over account state and trade
// admission. Every candidate order passes through Evaluate; every realized
// fill is recorded exactly once through RecordFill.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Check failure names, reported in evaluation order so audit entries are
// byte-for-byte deterministic.
const (
	ReasonPositionSizeExceeded   = "PositionSizeExceeded"
	ReasonDailyLossExceeded      = "DailyLossExceeded"
	ReasonDrawdownExceeded       = "DrawdownExceeded"
	ReasonMarginLevelTooLow      = "MarginLevelTooLow"
	ReasonDailyTradeLimitReached = "DailyTradeLimitReached"
	ReasonSizeBelowMinimum       = "SizeBelowMinimum"
)

// Limits 是风控参数集合，可经由监听文件热更新。Kelly 输入是配置项，
// 不由引擎根据历史成交重估。
type Limits struct {
	MaxPositionSizeFraction float64 `mapstructure:"max_position_size_fraction"`
	MaxDailyLossFraction    float64 `mapstructure:"max_daily_loss_fraction"`
	MaxDrawdownFraction     float64 `mapstructure:"max_drawdown_fraction"`
	MinMarginLevel          float64 `mapstructure:"min_margin_level"`
	MaxDailyTrades          int     `mapstructure:"max_daily_trades"`

	KellyWinRate float64 `mapstructure:"kelly_win_rate"`
	KellyAvgWin  float64 `mapstructure:"kelly_avg_win"`
	KellyAvgLoss float64 `mapstructure:"kelly_avg_loss"`
	Volatility   float64 `mapstructure:"volatility"`
}

// DefaultLimits mirror the original system's conservative demo defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSizeFraction: 0.1,
		MaxDailyLossFraction:    0.05,
		MaxDrawdownFraction:     0.2,
		MinMarginLevel:          100,
		MaxDailyTrades:          20,
		KellyWinRate:            0.6,
		KellyAvgWin:             0.02,
		KellyAvgLoss:            0.01,
		Volatility:              1.0,
	}
}

// MergeDefaults 用默认值填补未配置（零值）的字段。
func MergeDefaults(l Limits) Limits {
	def := DefaultLimits()
	if l.MaxPositionSizeFraction <= 0 {
		l.MaxPositionSizeFraction = def.MaxPositionSizeFraction
	}
	if l.MaxDailyLossFraction <= 0 {
		l.MaxDailyLossFraction = def.MaxDailyLossFraction
	}
	if l.MaxDrawdownFraction <= 0 {
		l.MaxDrawdownFraction = def.MaxDrawdownFraction
	}
	if l.MinMarginLevel <= 0 {
		l.MinMarginLevel = def.MinMarginLevel
	}
	if l.MaxDailyTrades <= 0 {
		l.MaxDailyTrades = def.MaxDailyTrades
	}
	if l.KellyWinRate <= 0 {
		l.KellyWinRate = def.KellyWinRate
	}
	if l.KellyAvgWin <= 0 {
		l.KellyAvgWin = def.KellyAvgWin
	}
	if l.KellyAvgLoss <= 0 {
		l.KellyAvgLoss = def.KellyAvgLoss
	}
	if l.Volatility <= 0 {
		l.Volatility = def.Volatility
	}
	return l
}

// AccountState is owned exclusively by the Manager; no other component
// writes these fields.
type AccountState struct {
	Balance         float64
	Equity          float64
	MarginUsed      float64
	FreeMargin      float64
	PeakEquity      float64
	DailyPnL        float64
	DailyTradeCount int
	DayStart        time.Time
}

// Candidate describes an order the engine would like to place.
type Candidate struct {
	Symbol    string
	Side      string
	Strength  float64 // Normalized signal strength in [0,1]
	Price     float64 // Current market price
	Exposure  float64 // Existing notional exposure for the symbol
	LotStep   float64 // Broker's volume granularity
	MinVolume float64 // Broker's smallest lot
}

// Decision is the ephemeral answer to one Evaluate call.
type Decision struct {
	Approved      bool
	Reasons       []string
	SizedVolume   float64
	KellyFraction float64
	SizedFraction float64
	EvaluatedAt   time.Time
}

// Manager serializes all AccountState mutation behind one mutex. The lock
// is never held across broker I/O: evaluation and sizing happen inside,
// the broker call happens outside, RecordFill re-acquires to apply the
// already computed delta.
type Manager struct {
	mu     sync.Mutex
	state  AccountState
	limits Limits

	// Fill ids already applied, so duplicate delivery of the same close
	// cannot double-count daily P&L.
	seenFills map[string]time.Time
}

func NewManager(limits Limits, now time.Time) *Manager {
	if limits.Volatility <= 0 {
		limits.Volatility = 1.0
	}
	return &Manager{
		limits:    limits,
		state:     AccountState{DayStart: now},
		seenFills: make(map[string]time.Time),
	}
}

// UpdateLimits swaps the active limit set (hot reload path).
func (m *Manager) UpdateLimits(limits Limits) {
	if limits.Volatility <= 0 {
		limits.Volatility = 1.0
	}
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()
}

// Limits returns the active limit set.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// SyncAccount folds a fresh broker account snapshot into the owned state.
// PeakEquity only ever moves up here.
func (m *Manager) SyncAccount(balance, equity, marginUsed, freeMargin float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Balance = balance
	m.state.Equity = equity
	m.state.MarginUsed = marginUsed
	m.state.FreeMargin = freeMargin
	if equity > m.state.PeakEquity {
		m.state.PeakEquity = equity
	}
}

// Restore seeds the daily counters after a restart, reconstructed from the
// persisted trade history instead of replaying the broker.
func (m *Manager) Restore(dailyPnL float64, dailyTrades int, peakEquity float64, dayStart time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.DailyPnL = dailyPnL
	m.state.DailyTradeCount = dailyTrades
	if peakEquity > m.state.PeakEquity {
		m.state.PeakEquity = peakEquity
	}
	if !dayStart.IsZero() {
		m.state.DayStart = dayStart
	}
}

// Snapshot returns a copy of the account state for read-only consumers.
func (m *Manager) Snapshot() AccountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Evaluate runs day-roll, sizing and all five checks under one lock
// acquisition. Deterministic: same state + candidate gives the same
// decision, including reason order.
func (m *Manager) Evaluate(now time.Time, c Candidate) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeRollDay(now)

	limits := m.limits
	state := m.state
	d := Decision{EvaluatedAt: now}

	d.KellyFraction, d.SizedFraction, d.SizedVolume = size(limits, state.Equity, c)
	projected := c.Exposure + d.SizedVolume*c.Price

	if projected > limits.MaxPositionSizeFraction*state.Equity {
		d.Reasons = append(d.Reasons, ReasonPositionSizeExceeded)
	}
	if state.Equity > 0 && absFloat(state.DailyPnL)/state.Equity > limits.MaxDailyLossFraction {
		d.Reasons = append(d.Reasons, ReasonDailyLossExceeded)
	}
	if state.PeakEquity > 0 && (state.PeakEquity-state.Equity)/state.PeakEquity > limits.MaxDrawdownFraction {
		d.Reasons = append(d.Reasons, ReasonDrawdownExceeded)
	}
	// Margin check passes trivially with no margin in use.
	if state.MarginUsed > 0 && state.Equity/state.MarginUsed*100 < limits.MinMarginLevel {
		d.Reasons = append(d.Reasons, ReasonMarginLevelTooLow)
	}
	if state.DailyTradeCount >= limits.MaxDailyTrades {
		d.Reasons = append(d.Reasons, ReasonDailyTradeLimitReached)
	}
	if d.SizedVolume <= 0 {
		d.Reasons = append(d.Reasons, ReasonSizeBelowMinimum)
	}

	d.Approved = len(d.Reasons) == 0
	if !d.Approved {
		d.SizedVolume = 0
	}
	return d
}

// RecordFill applies one realized fill to the daily counters. The fillID
// makes duplicate delivery harmless: the second application of the same
// fill is a no-op and reports false.
func (m *Manager) RecordFill(fillID string, pnlDelta, equityAfter float64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeRollDay(now)
	if _, dup := m.seenFills[fillID]; dup {
		return false
	}
	m.seenFills[fillID] = now

	pnl := decimal.NewFromFloat(m.state.DailyPnL).Add(decimal.NewFromFloat(pnlDelta))
	m.state.DailyPnL, _ = pnl.Float64()
	m.state.DailyTradeCount++
	// equityAfter <= 0 means the caller has no fresh snapshot; the next
	// SyncAccount refreshes equity.
	if equityAfter > 0 {
		m.state.Equity = equityAfter
		if equityAfter > m.state.PeakEquity {
			m.state.PeakEquity = equityAfter
		}
	}
	return true
}

// maybeRollDay resets the daily counters lazily when the calendar date
// changes. Callers hold m.mu.
func (m *Manager) maybeRollDay(now time.Time) {
	y1, m1, d1 := m.state.DayStart.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return
	}
	m.state.DailyPnL = 0
	m.state.DailyTradeCount = 0
	m.state.DayStart = now
	// Dedup keys from past days are no longer reachable by retries.
	for id, seen := range m.seenFills {
		if now.Sub(seen) > 48*time.Hour {
			delete(m.seenFills, id)
		}
	}
}

// size computes the capped-Kelly volume, floored to the broker's lot step.
// Returned volume is 0 when the floor lands below the minimum lot.
func size(limits Limits, equity float64, c Candidate) (kelly, fraction, volume float64) {
	if limits.KellyAvgWin <= 0 || c.Price <= 0 || equity <= 0 {
		return 0, 0, 0
	}
	kelly = (limits.KellyWinRate*limits.KellyAvgWin - (1-limits.KellyWinRate)*limits.KellyAvgLoss) / limits.KellyAvgWin
	fraction = kelly * c.Strength / limits.Volatility
	if fraction < 0 {
		fraction = 0
	}
	if fraction > limits.MaxPositionSizeFraction {
		fraction = limits.MaxPositionSizeFraction
	}
	raw := fraction * equity / c.Price

	step := c.LotStep
	if step <= 0 {
		step = 0.01
	}
	// Floor on decimals so 0.299999... does not round up a lot step.
	stepDec := decimal.NewFromFloat(step)
	floored := decimal.NewFromFloat(raw).Div(stepDec).Floor().Mul(stepDec)
	volume, _ = floored.Float64()
	if volume < c.MinVolume || volume <= 0 {
		return kelly, fraction, 0
	}
	return kelly, fraction, volume
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
