package engine

import (
	"context"

	"goldpredict/internal/broker"
	"goldpredict/internal/logger"
	"goldpredict/internal/position"
)

// monitorTick 走一遍全部持仓：硬止损、移动止损、部分止盈，并落盘
// 账户快照。每个动作独立失败，互不影响。
func (e *Engine) monitorTick(ctx context.Context) {
	acct, err := e.syncAccount(ctx)
	if err != nil {
		logger.Warnf("engine: monitor 同步账户失败: %v", err)
		return
	}
	if e.status != nil {
		profit := acct.Equity - acct.Balance
		if serr := e.status.SaveAccountStatus(ctx, acct.Balance, acct.Equity, acct.Margin,
			acct.FreeMargin, acct.MarginLevel, profit); serr != nil {
			logger.Warnf("engine: 落盘账户快照失败: %v", serr)
		}
	}

	// 对账先行：止损被击中的仓位在券商侧已消失，标记 StoppedOut 后
	// 不再进入后面的持仓管理。
	if rerr := e.exec.ReconcileAll(ctx); rerr != nil {
		logger.Warnf("engine: monitor 对账失败: %v", rerr)
	}

	for _, symbol := range e.tradingCfg.Symbols {
		positions := e.store.ListOpen(symbol)
		if len(positions) == 0 {
			continue
		}
		var quote broker.Quote
		err := e.breaker.Do(func() error {
			var err error
			quote, err = e.client.Quote(ctx, symbol)
			return err
		})
		if err != nil {
			logger.Warnf("engine: monitor 拉取 %s 行情失败: %v", symbol, err)
			continue
		}
		for _, p := range positions {
			e.managePosition(ctx, p, quote, acct.Balance)
		}
	}
}

func (e *Engine) managePosition(ctx context.Context, p position.Position, quote broker.Quote, balance float64) {
	// 平仓方向的成交价：多头按 Bid 平，空头按 Ask 平。
	price := quote.PriceFor(p.Side.Opposite())
	if price <= 0 {
		return
	}
	pnl := p.UnrealizedPnL(price)

	// 硬止损：单仓浮亏超过账户余额的固定比例时强平，不走移动止损。
	if balance > 0 && pnl <= -e.tradingCfg.HardStopLossFraction*balance {
		logger.Warnf("engine: %s ticket=%d 浮亏 %.2f 触发硬止损，强制平仓", p.Symbol, p.Ticket, pnl)
		fill, err := e.exec.Close(ctx, p.Ticket)
		if err != nil {
			logger.Warnf("engine: 硬止损平仓 ticket=%d 失败: %v", p.Ticket, err)
			return
		}
		e.applyFill(fill)
		return
	}

	if e.maybePartialClose(ctx, p, pnl) {
		return
	}
	e.maybeTrailStop(ctx, p, price, quotePoint(quote, broker.SymbolSpec{}))
}

// maybePartialClose 浮盈达到阈值时平掉配置比例的仓位，每笔持仓只做一次。
func (e *Engine) maybePartialClose(ctx context.Context, p position.Position, pnl float64) bool {
	threshold := e.tradingCfg.PartialCloseProfit
	if threshold <= 0 || pnl < threshold {
		return false
	}
	e.mu.Lock()
	done := e.partialDone[p.Ticket]
	e.mu.Unlock()
	if done {
		return false
	}

	volume := p.Volume * e.tradingCfg.PartialClosePct
	fill, err := e.exec.ClosePartial(ctx, p.Ticket, volume)
	if err != nil {
		logger.Warnf("engine: 部分止盈 ticket=%d 失败: %v", p.Ticket, err)
		return false
	}
	e.mu.Lock()
	e.partialDone[p.Ticket] = true
	var equity float64
	if e.lastEquity > 0 {
		equity = e.lastEquity + fill.PnL
		e.lastEquity = equity
	}
	e.mu.Unlock()
	e.riskMgr.RecordFill(fill.FillID, fill.PnL, equity, fill.ClosedAt)
	logger.Infof("engine: 部分止盈 ticket=%d 平 %.2f 手 pnl=%.2f", p.Ticket, fill.Volume, fill.PnL)
	return true
}

// maybeTrailStop 价格朝有利方向走出移动止损距离后，把止损跟进到
// 距离现价固定点数的位置。止损只收紧，从不放松。
func (e *Engine) maybeTrailStop(ctx context.Context, p position.Position, price, point float64) {
	distance := e.tradingCfg.TrailingStopPoints * point
	if distance <= 0 {
		return
	}

	var newStop float64
	switch p.Side {
	case broker.SideBuy:
		if price-p.OpenPrice <= distance {
			return
		}
		newStop = price - distance
		if p.StopLoss > 0 && newStop <= p.StopLoss {
			return
		}
	case broker.SideSell:
		if p.OpenPrice-price <= distance {
			return
		}
		newStop = price + distance
		if p.StopLoss > 0 && newStop >= p.StopLoss {
			return
		}
	default:
		return
	}

	if err := e.exec.Modify(ctx, p.Ticket, newStop, p.TakeProfit); err != nil {
		logger.Warnf("engine: 移动止损 ticket=%d 失败: %v", p.Ticket, err)
		return
	}
	logger.Infof("engine: 移动止损 ticket=%d %s 止损上移至 %.5f", p.Ticket, p.Symbol, newStop)
}
