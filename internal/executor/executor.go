// Package executor owns every mutating call against the broker. It turns
// risk-approved commands into orders, reconciles the results into the
// position store, and is the only place retries happen.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goldpredict/internal/broker"
	"goldpredict/internal/logger"
	"goldpredict/internal/position"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxAttempts    = 3
	defaultBackoff = 500 * time.Millisecond
	slippagePoints = 20
)

// HistorySink archives order outcomes. Failures to archive are logged but
// never block the trading path.
type HistorySink interface {
	RecordOpen(ctx context.Context, p position.Position) error
	RecordClose(ctx context.Context, p position.Position) error
	RecordRejected(ctx context.Context, symbol, side string, volume float64, retCode int, comment string) error
}

// OpenCommand is a sized, risk-approved order the engine wants placed.
type OpenCommand struct {
	Symbol     string
	Side       broker.Side
	Volume     float64
	Price      float64 // Expected price, informational; broker fill wins
	StopLoss   float64
	TakeProfit float64
	Comment    string
}

// ClosedFill reports a realized close back to the caller so it can feed
// RiskManager.RecordFill exactly once, keyed by FillID.
type ClosedFill struct {
	FillID     string
	Ticket     int64
	Symbol     string
	Volume     float64
	ClosePrice float64
	PnL        float64
	ClosedAt   time.Time
}

// Executor 是唯一允许调用券商变更接口的组件。
type Executor struct {
	client  broker.Client
	store   *position.Store
	history HistorySink

	backoff time.Duration
	nowFn   func() time.Time
	sleepFn func(context.Context, time.Duration) error
	tokenFn func() string
}

func New(client broker.Client, store *position.Store, history HistorySink) *Executor {
	return &Executor{
		client:  client,
		store:   store,
		history: history,
		backoff: defaultBackoff,
		nowFn:   time.Now,
		sleepFn: sleepCtx,
		tokenFn: uuid.NewString,
	}
}

// Open places a new market order. On broker confirmation the position
// enters the store as Pending and immediately transitions to Open with the
// broker's actual fill price. Rejections mutate nothing beyond the audit
// trail.
func (e *Executor) Open(ctx context.Context, cmd OpenCommand) (position.Position, error) {
	token := e.tokenFn()
	req := broker.OpenRequest{
		ClientToken: token,
		Symbol:      cmd.Symbol,
		Side:        cmd.Side,
		Volume:      cmd.Volume,
		Price:       cmd.Price,
		StopLoss:    cmd.StopLoss,
		TakeProfit:  cmd.TakeProfit,
		Deviation:   slippagePoints,
		Comment:     cmd.Comment,
	}

	res, err := e.submitOpen(ctx, req)
	if err != nil {
		if oe, ok := broker.AsOrderError(err); ok && oe.Kind == broker.KindRejected {
			e.archiveRejected(ctx, cmd, oe)
		}
		return position.Position{}, err
	}

	p := position.Position{
		Ticket:     res.Ticket,
		Symbol:     cmd.Symbol,
		Side:       cmd.Side,
		Volume:     res.Volume,
		OpenPrice:  res.Price, // broker fill, not the requested price
		StopLoss:   cmd.StopLoss,
		TakeProfit: cmd.TakeProfit,
		OpenedAt:   e.nowFn(),
		Status:     position.StatusPending,
	}
	e.store.Upsert(p)
	opened, err := e.store.Transition(p.Ticket, position.StatusOpen, nil)
	if err != nil {
		// Should not happen for a fresh ticket; fall back to reconcile.
		logger.Warnf("executor: open transition failed ticket=%d err=%v", p.Ticket, err)
		return p, e.Reconcile(ctx, p.Ticket)
	}
	if e.history != nil {
		if herr := e.history.RecordOpen(ctx, opened); herr != nil {
			logger.Warnf("executor: archive open failed ticket=%d err=%v", p.Ticket, herr)
		}
	}
	logger.Infof("executor: 开仓成功 ticket=%d %s %s %.2f @ %.5f", p.Ticket, cmd.Symbol, cmd.Side, res.Volume, res.Price)
	return opened, nil
}

// submitOpen retries transient failures up to the attempt bound. Before
// every resubmission the client token is checked against the broker: an
// open that actually succeeded server-side must not be duplicated.
func (e *Executor) submitOpen(ctx context.Context, req broker.OpenRequest) (broker.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			prior, lerr := e.lookupToken(ctx, req.ClientToken)
			if lerr != nil {
				// Unknown whether the last submit landed; resubmitting
				// could duplicate the order.
				return broker.OrderResult{}, fmt.Errorf("token %s 状态未知，中止重试: %w", req.ClientToken, lerr)
			}
			if prior != nil {
				logger.Infof("executor: 重试前发现 token 已成交 ticket=%d", prior.Ticket)
				return *prior, nil
			}
			if err := e.sleepFn(ctx, e.backoff*time.Duration(attempt-1)); err != nil {
				return broker.OrderResult{}, err
			}
		}
		res, err := e.client.Open(ctx, req)
		if err == nil {
			return res, nil
		}
		err = broker.ClassifyCallError(err)
		if !broker.IsRetryable(err) {
			return broker.OrderResult{}, err
		}
		lastErr = err
		logger.Warnf("executor: open attempt %d/%d failed symbol=%s err=%v", attempt, maxAttempts, req.Symbol, err)
	}
	return broker.OrderResult{}, lastErr
}

// Modify replaces a position's stop loss / take profit. Zero keeps the
// current value.
func (e *Executor) Modify(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	local, ok := e.store.Get(ticket)
	if !ok {
		// Unknown locally: resolve from the broker before giving up.
		if err := e.Reconcile(ctx, ticket); err != nil {
			return err
		}
		local, ok = e.store.Get(ticket)
		if !ok {
			return broker.NotFound(ticket)
		}
	}
	if stopLoss == 0 {
		stopLoss = local.StopLoss
	}
	if takeProfit == 0 {
		takeProfit = local.TakeProfit
	}

	err := e.callWithRetry(ctx, func() error {
		return e.client.Modify(ctx, ticket, stopLoss, takeProfit)
	})
	if err != nil {
		if oe, ok := broker.AsOrderError(err); ok && oe.Kind == broker.KindStale {
			// Broker says gone; reconciliation removes it locally.
			if rerr := e.Reconcile(ctx, ticket); rerr != nil {
				logger.Warnf("executor: reconcile after stale modify failed ticket=%d err=%v", ticket, rerr)
			}
		}
		return err
	}
	if _, terr := e.store.Transition(ticket, position.StatusModified, func(p *position.Position) {
		p.StopLoss = stopLoss
		p.TakeProfit = takeProfit
	}); terr != nil {
		logger.Warnf("executor: modify transition conflict ticket=%d err=%v", ticket, terr)
		return e.Reconcile(ctx, ticket)
	}
	return nil
}

// Close fully closes a position and computes its realized P&L from the
// broker's fill. The returned fill id is stable for the caller's dedup.
// Losing a close race is not an error: when the position already reached a
// terminal state (or was removed after one) the call no-ops and returns a
// zero fill, recognizable by its empty FillID.
func (e *Executor) Close(ctx context.Context, ticket int64) (ClosedFill, error) {
	token := e.tokenFn()
	local, err := e.store.Transition(ticket, position.StatusClosing, func(p *position.Position) {
		p.CloseToken = token
	})
	if err != nil {
		var conflict *position.ErrConflict
		if errors.As(err, &conflict) && conflict.From.Terminal() {
			// Lost the race: the position closed under us.
			return ClosedFill{}, nil
		}
		var unknown *position.ErrUnknown
		if errors.As(err, &unknown) {
			// Closed and removed before we got here, or never ours.
			return ClosedFill{}, nil
		}
		return ClosedFill{}, err
	}

	req := broker.CloseRequest{
		ClientToken: token,
		Ticket:      ticket,
		Deviation:   slippagePoints,
		Comment:     "goldpredict_close",
	}
	res, err := e.submitClose(ctx, req)
	if err != nil {
		if oe, ok := broker.AsOrderError(err); ok && oe.Kind == broker.KindStale {
			if rerr := e.Reconcile(ctx, ticket); rerr != nil {
				return ClosedFill{}, rerr
			}
			return ClosedFill{}, err
		}
		// Left in Closing on purpose: a reconciliation pass resolves the
		// true state instead of guessing the order outcome.
		logger.Warnf("executor: close failed ticket=%d err=%v，保留 Closing 状态等待对账", ticket, err)
		return ClosedFill{}, err
	}

	pnl := realizedPnL(local.OpenPrice, res.Price, local.Volume, local.Side)
	closedAt := e.nowFn()
	closed, terr := e.store.Transition(ticket, position.StatusClosed, func(p *position.Position) {
		p.ClosePrice = res.Price
		p.RealizedPnL = pnl
		p.ClosedAt = closedAt
	})
	if terr != nil {
		return ClosedFill{}, terr
	}
	if e.history != nil {
		if herr := e.history.RecordClose(ctx, closed); herr != nil {
			logger.Warnf("executor: archive close failed ticket=%d err=%v", ticket, herr)
		}
	}
	e.store.Remove(ticket)
	logger.Infof("executor: 平仓成功 ticket=%d pnl=%.2f @ %.5f", ticket, pnl, res.Price)
	return ClosedFill{
		FillID:     token,
		Ticket:     ticket,
		Symbol:     local.Symbol,
		Volume:     local.Volume,
		ClosePrice: res.Price,
		PnL:        pnl,
		ClosedAt:   closedAt,
	}, nil
}

// ClosePartial 平掉部分仓位，剩余部分保持持有。请求量达到或超过当前
// 持仓量时退化为全平。
func (e *Executor) ClosePartial(ctx context.Context, ticket int64, volume float64) (ClosedFill, error) {
	local, ok := e.store.Get(ticket)
	if !ok {
		return ClosedFill{}, broker.NotFound(ticket)
	}
	if volume <= 0 {
		return ClosedFill{}, fmt.Errorf("partial close volume 必须为正: %f", volume)
	}
	if volume >= local.Volume {
		return e.Close(ctx, ticket)
	}

	token := e.tokenFn()
	req := broker.CloseRequest{
		ClientToken: token,
		Ticket:      ticket,
		Volume:      volume,
		Deviation:   slippagePoints,
		Comment:     "goldpredict_partial",
	}
	res, err := e.submitClose(ctx, req)
	if err != nil {
		if oe, ok := broker.AsOrderError(err); ok && oe.Kind == broker.KindStale {
			if rerr := e.Reconcile(ctx, ticket); rerr != nil {
				return ClosedFill{}, rerr
			}
		}
		return ClosedFill{}, err
	}

	pnl := realizedPnL(local.OpenPrice, res.Price, volume, local.Side)
	closedAt := e.nowFn()
	remaining := local.Volume - volume
	if _, terr := e.store.Transition(ticket, position.StatusModified, func(p *position.Position) {
		p.Volume = remaining
	}); terr != nil {
		logger.Warnf("executor: partial close transition conflict ticket=%d err=%v", ticket, terr)
		if rerr := e.Reconcile(ctx, ticket); rerr != nil {
			return ClosedFill{}, rerr
		}
	}
	if e.history != nil {
		part := local
		part.Volume = volume
		part.ClosePrice = res.Price
		part.RealizedPnL = pnl
		part.ClosedAt = closedAt
		part.Status = position.StatusClosed
		if herr := e.history.RecordClose(ctx, part); herr != nil {
			logger.Warnf("executor: archive partial close failed ticket=%d err=%v", ticket, herr)
		}
	}
	logger.Infof("executor: 部分平仓 ticket=%d closed=%.2f remaining=%.2f pnl=%.2f", ticket, volume, remaining, pnl)
	return ClosedFill{
		FillID:     token,
		Ticket:     ticket,
		Symbol:     local.Symbol,
		Volume:     volume,
		ClosePrice: res.Price,
		PnL:        pnl,
		ClosedAt:   closedAt,
	}, nil
}

func (e *Executor) submitClose(ctx context.Context, req broker.CloseRequest) (broker.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			prior, lerr := e.lookupToken(ctx, req.ClientToken)
			if lerr != nil {
				// Retry unsafe without knowing the order's fate; the
				// position stays Closing until reconciliation resolves it.
				return broker.OrderResult{}, fmt.Errorf("token %s 状态未知，中止重试: %w", req.ClientToken, lerr)
			}
			if prior != nil {
				return *prior, nil
			}
			if err := e.sleepFn(ctx, e.backoff*time.Duration(attempt-1)); err != nil {
				return broker.OrderResult{}, err
			}
		}
		res, err := e.client.Close(ctx, req)
		if err == nil {
			return res, nil
		}
		err = broker.ClassifyCallError(err)
		if !broker.IsRetryable(err) {
			return broker.OrderResult{}, err
		}
		lastErr = err
		logger.Warnf("executor: close attempt %d/%d failed ticket=%d err=%v", attempt, maxAttempts, req.Ticket, err)
	}
	return broker.OrderResult{}, lastErr
}

// lookupToken resolves whether an order carrying the token already
// executed. The lookup itself is retried; a lookup that still cannot be
// answered means the caller must not resubmit.
func (e *Executor) lookupToken(ctx context.Context, token string) (*broker.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleepFn(ctx, e.backoff); err != nil {
				return nil, err
			}
		}
		prior, err := e.client.OrderByToken(ctx, token)
		if err == nil {
			return prior, nil
		}
		lastErr = broker.ClassifyCallError(err)
		if !broker.IsRetryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (e *Executor) callWithRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleepFn(ctx, e.backoff*time.Duration(attempt-1)); err != nil {
				return err
			}
		}
		err := call()
		if err == nil {
			return nil
		}
		err = broker.ClassifyCallError(err)
		if !broker.IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (e *Executor) archiveRejected(ctx context.Context, cmd OpenCommand, oe *broker.OrderError) {
	if e.history == nil {
		return
	}
	if err := e.history.RecordRejected(ctx, cmd.Symbol, string(cmd.Side), cmd.Volume, oe.RetCode, oe.Msg); err != nil {
		logger.Warnf("executor: archive rejection failed symbol=%s err=%v", cmd.Symbol, err)
	}
}

// realizedPnL computes (close - open) * volume * direction on decimals.
func realizedPnL(openPrice, closePrice, volume float64, side broker.Side) float64 {
	diff := decimal.NewFromFloat(closePrice).Sub(decimal.NewFromFloat(openPrice))
	pnl := diff.Mul(decimal.NewFromFloat(volume)).Mul(decimal.NewFromFloat(side.Sign()))
	out, _ := pnl.Float64()
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
