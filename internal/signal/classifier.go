// Package signal maps predicted price moves onto discrete trading signals.
package signal

import (
	"fmt"
	"math"
)

// Signal 是由预测涨跌幅推导出的离散交易信号。
type Signal int

const (
	StrongSell Signal = iota - 3
	Sell
	WeakSell
	Hold
	WeakBuy
	Buy
	StrongBuy
)

func (s Signal) String() string {
	switch s {
	case StrongBuy:
		return "strong_buy"
	case Buy:
		return "buy"
	case WeakBuy:
		return "weak_buy"
	case Hold:
		return "hold"
	case WeakSell:
		return "weak_sell"
	case Sell:
		return "sell"
	case StrongSell:
		return "strong_sell"
	default:
		return "unknown"
	}
}

// IsBuy reports whether the signal recommends opening or adding to a long.
func (s Signal) IsBuy() bool { return s > Hold }

// IsSell reports whether the signal recommends opening or adding to a short.
func (s Signal) IsSell() bool { return s < Hold }

// Band thresholds in percent. Lower bounds are exclusive for buy bands and
// inclusive for sell bands so that every value maps to exactly one label.
const (
	strongThresholdPct = 2.0
	buyThresholdPct    = 1.0
	weakThresholdPct   = 0.2
)

// ErrNotFinite marks a prediction whose price change is NaN or infinite.
// Such input is rejected at the boundary instead of being coerced to Hold.
type ErrNotFinite struct {
	Value float64
}

func (e *ErrNotFinite) Error() string {
	return fmt.Sprintf("price change is not finite: %v", e.Value)
}

// Classify 将涨跌幅（百分比）归入七档信号，并给出归一化强度。
//
//	> 2.0          strong_buy
//	(1.0, 2.0]     buy
//	(0.2, 1.0]     weak_buy
//	[-0.2, 0.2]    hold
//	[-1.0, -0.2)   weak_sell
//	[-2.0, -1.0)   sell
//	< -2.0         strong_sell
//
// strength = min(|pct| / 2.0, 1.0). The classification is total over the
// reals; only non-finite input returns an error.
func Classify(priceChangePct float64) (Signal, float64, error) {
	if math.IsNaN(priceChangePct) || math.IsInf(priceChangePct, 0) {
		return Hold, 0, &ErrNotFinite{Value: priceChangePct}
	}
	strength := math.Min(math.Abs(priceChangePct)/strongThresholdPct, 1.0)
	switch {
	case priceChangePct > strongThresholdPct:
		return StrongBuy, strength, nil
	case priceChangePct > buyThresholdPct:
		return Buy, strength, nil
	case priceChangePct > weakThresholdPct:
		return WeakBuy, strength, nil
	case priceChangePct >= -weakThresholdPct:
		return Hold, strength, nil
	case priceChangePct >= -buyThresholdPct:
		return WeakSell, strength, nil
	case priceChangePct >= -strongThresholdPct:
		return Sell, strength, nil
	default:
		return StrongSell, strength, nil
	}
}

// ChangePct computes the predicted percent change between current and
// predicted price. A non-positive current price is rejected.
func ChangePct(currentPrice, predictedPrice float64) (float64, error) {
	if !(currentPrice > 0) || math.IsInf(currentPrice, 0) {
		return 0, &ErrNotFinite{Value: currentPrice}
	}
	if math.IsNaN(predictedPrice) || math.IsInf(predictedPrice, 0) {
		return 0, &ErrNotFinite{Value: predictedPrice}
	}
	return (predictedPrice - currentPrice) / currentPrice * 100, nil
}
