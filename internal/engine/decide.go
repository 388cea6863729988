package engine

import (
	"context"

	"github.com/google/uuid"

	"goldpredict/internal/broker"
	"goldpredict/internal/executor"
	"goldpredict/internal/feed"
	"goldpredict/internal/logger"
	"goldpredict/internal/risk"
	"goldpredict/internal/signal"
	"goldpredict/internal/store/auditlog"
)

// handleConsensus 处理一个品种的一条共识样本：分类、反向清仓、风控
// 评估、下单。同一品种串行执行。
func (e *Engine) handleConsensus(ctx context.Context, s feed.Sample) {
	traceID := uuid.NewString()
	var sig signal.Signal
	var strength float64
	pct, err := signal.ChangePct(s.Current, s.Predicted)
	if err == nil {
		sig, strength, err = signal.Classify(pct)
	}
	if err != nil {
		logger.Warnf("engine: %s 信号分类失败: %v", s.Symbol, err)
		e.appendAudit(ctx, auditlog.Record{
			TraceID: traceID,
			Symbol:  s.Symbol,
			Price:   s.Current,
			Error:   err.Error(),
		})
		return
	}
	logger.Debugf("engine: %s 预测变化 %.3f%% 信号=%s 强度=%.2f", s.Symbol, pct, sig, strength)
	if sig == signal.Hold {
		return
	}

	side := broker.SideBuy
	if sig.IsSell() {
		side = broker.SideSell
	}

	// 反向信号先清掉对向持仓，再考虑新开仓。
	if e.closeOpposite(ctx, s.Symbol, side) {
		logger.Infof("engine: %s 信号反转为 %s，已平对向持仓", s.Symbol, sig)
	}
	if e.store.OpenSides(s.Symbol)[string(side)] {
		logger.Debugf("engine: %s 已持有 %s 方向仓位，跳过", s.Symbol, side)
		return
	}

	acct, err := e.syncAccount(ctx)
	if err != nil {
		logger.Warnf("engine: 同步账户失败: %v", err)
		return
	}

	var quote broker.Quote
	var spec broker.SymbolSpec
	err = e.breaker.Do(func() error {
		var err error
		if quote, err = e.client.Quote(ctx, s.Symbol); err != nil {
			return err
		}
		spec, err = e.client.SymbolInfo(ctx, s.Symbol)
		return err
	})
	if err != nil {
		logger.Warnf("engine: 拉取 %s 行情失败: %v", s.Symbol, err)
		return
	}

	price := quote.PriceFor(side)
	now := e.nowFn()
	decision := e.riskMgr.Evaluate(now, risk.Candidate{
		Symbol:    s.Symbol,
		Side:      string(side),
		Strength:  strength,
		Price:     price,
		Exposure:  e.store.Exposure(s.Symbol, price),
		LotStep:   spec.VolumeStep,
		MinVolume: spec.VolumeMin,
	})

	rec := auditlog.Record{
		Timestamp:   now.UnixMilli(),
		TraceID:     traceID,
		Symbol:      s.Symbol,
		Side:        string(side),
		Signal:      sig.String(),
		Strength:    strength,
		Price:       price,
		Approved:    decision.Approved,
		Reasons:     decision.Reasons,
		SizedVolume: decision.SizedVolume,
	}
	if !decision.Approved {
		logger.Infof("engine: %s %s 被风控拒绝: %v", s.Symbol, sig, decision.Reasons)
		e.appendAudit(ctx, rec)
		return
	}

	stopLoss, takeProfit := e.protectiveLevels(side, price, quotePoint(quote, spec))
	var opened int64
	err = e.breaker.Do(func() error {
		p, err := e.exec.Open(ctx, executor.OpenCommand{
			Symbol:     s.Symbol,
			Side:       side,
			Volume:     decision.SizedVolume,
			Price:      price,
			StopLoss:   stopLoss,
			TakeProfit: takeProfit,
			Comment:    "goldpredict_" + sig.String(),
		})
		if err == nil {
			opened = p.Ticket
		}
		return err
	})
	if err != nil {
		logger.Warnf("engine: %s 下单失败: %v", s.Symbol, err)
		rec.Error = err.Error()
		e.appendAudit(ctx, rec)
		return
	}
	rec.Ticket = opened
	e.appendAudit(ctx, rec)
	logger.Infof("engine: %s 账户净值=%.2f 开仓 ticket=%d %s %.2f 手",
		s.Symbol, acct.Equity, opened, side, decision.SizedVolume)
}

// closeOpposite 平掉与目标方向相反的持仓，返回是否有动作。
func (e *Engine) closeOpposite(ctx context.Context, symbol string, side broker.Side) bool {
	acted := false
	for _, p := range e.store.ListOpen(symbol) {
		if p.Side == side {
			continue
		}
		fill, err := e.exec.Close(ctx, p.Ticket)
		if err != nil {
			logger.Warnf("engine: 反向平仓 ticket=%d 失败: %v", p.Ticket, err)
			continue
		}
		if fill.FillID == "" {
			continue // already closed elsewhere
		}
		e.applyFill(fill)
		acted = true
	}
	return acted
}

// protectiveLevels 按配置的点数计算止损止盈价。
func (e *Engine) protectiveLevels(side broker.Side, price, point float64) (stopLoss, takeProfit float64) {
	slDist := e.tradingCfg.StopLossPoints * point
	tpDist := e.tradingCfg.TakeProfitPoints * point
	if side == broker.SideBuy {
		return price - slDist, price + tpDist
	}
	return price + slDist, price - tpDist
}

func (e *Engine) appendAudit(ctx context.Context, rec auditlog.Record) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, rec); err != nil {
		logger.Warnf("engine: 写决策审计失败: %v", err)
	}
}

func quotePoint(q broker.Quote, spec broker.SymbolSpec) float64 {
	if spec.Point > 0 {
		return spec.Point
	}
	if q.Point > 0 {
		return q.Point
	}
	return 0.01
}
