package executor

import (
	"context"
	"fmt"
	"math"

	"goldpredict/internal/broker"
	"goldpredict/internal/logger"
	"goldpredict/internal/position"
)

const volumeTolerance = 1e-6

// Reconcile re-fetches the authoritative broker state for one ticket and
// folds it into the local store. Local state is never trusted over the
// broker's answer; when the two cannot be brought into agreement the
// position is frozen and flagged for manual review.
func (e *Executor) Reconcile(ctx context.Context, ticket int64) error {
	remote, err := e.client.Position(ctx, ticket)
	if err != nil {
		return fmt.Errorf("reconcile fetch failed for ticket %d: %w", ticket, err)
	}
	local, tracked := e.store.Get(ticket)

	if remote == nil {
		// Broker no longer knows the position.
		if !tracked {
			return nil
		}
		switch {
		case local.Status == position.StatusClosing:
			// A close we submitted went through; we just missed the ack.
			// Without a fill price we cannot book P&L, so freeze for
			// manual review rather than guessing.
			e.store.Freeze(ticket)
			logger.Errorf("reconcile: ticket=%d 本地 Closing 但券商已无持仓且无成交回报，冻结等待人工处理", ticket)
			return broker.ErrReconciliationConflict
		case local.Status.IsOpen():
			// Broker-side forced close (stop-out, margin call).
			closed, terr := e.store.Transition(ticket, position.StatusStoppedOut, nil)
			if terr != nil {
				e.store.Freeze(ticket)
				return broker.ErrReconciliationConflict
			}
			if e.history != nil {
				if herr := e.history.RecordClose(ctx, closed); herr != nil {
					logger.Warnf("reconcile: archive stop-out failed ticket=%d err=%v", ticket, herr)
				}
			}
			e.store.Remove(ticket)
			logger.Warnf("reconcile: ticket=%d 已被券商强制平仓，本地移除", ticket)
			return nil
		default:
			e.store.Remove(ticket)
			return nil
		}
	}

	if !tracked {
		// Broker knows a position we lost; adopt its view wholesale.
		e.store.Upsert(fromBroker(*remote))
		logger.Infof("reconcile: 采纳券商持仓 ticket=%d %s %s %.2f", ticket, remote.Symbol, remote.Side, remote.Volume)
		return nil
	}

	if local.Status.Terminal() {
		// Locally terminal but alive on the broker: the two views cannot
		// both be right. Freeze instead of resurrecting capital state.
		e.store.Freeze(ticket)
		logger.Errorf("reconcile: ticket=%d 本地已终结但券商仍有持仓，冻结等待人工处理", ticket)
		return broker.ErrReconciliationConflict
	}

	if local.Status == position.StatusClosing {
		if local.CloseToken != "" {
			prior, perr := e.client.OrderByToken(ctx, local.CloseToken)
			if perr != nil {
				return fmt.Errorf("reconcile close-order lookup failed for ticket %d: %w", ticket, perr)
			}
			if prior != nil {
				// The close order executed yet the broker still reports
				// the position; the views cannot both be right.
				e.store.Freeze(ticket)
				logger.Errorf("reconcile: ticket=%d 平仓单已成交但券商仍报告持仓，冻结等待人工处理", ticket)
				return broker.ErrReconciliationConflict
			}
		}
		// The close never executed. Hand the position back to management
		// with the broker's fields so the close can be retried.
		if _, terr := e.store.Transition(ticket, position.StatusModified, func(p *position.Position) {
			p.CloseToken = ""
			p.Volume = remote.Volume
			p.OpenPrice = remote.OpenPrice
			p.StopLoss = remote.StopLoss
			p.TakeProfit = remote.TakeProfit
		}); terr != nil {
			e.store.Freeze(ticket)
			return broker.ErrReconciliationConflict
		}
		logger.Warnf("reconcile: ticket=%d 平仓未生效，券商仍持有，恢复为可管理状态", ticket)
		return nil
	}

	if math.Abs(local.Volume-remote.Volume) > volumeTolerance ||
		local.Symbol != remote.Symbol || local.Side != remote.Side {
		// Structural mismatch: overwrite the cache with broker truth.
		refreshed := fromBroker(*remote)
		refreshed.Status = local.Status
		e.store.Upsert(refreshed)
		logger.Warnf("reconcile: ticket=%d 本地与券商字段不一致，已采用券商数据 (vol %.4f -> %.4f)",
			ticket, local.Volume, remote.Volume)
		return nil
	}

	// Prices and stops: the broker wins quietly.
	_, terr := e.store.Transition(ticket, position.StatusModified, func(p *position.Position) {
		p.OpenPrice = remote.OpenPrice
		p.StopLoss = remote.StopLoss
		p.TakeProfit = remote.TakeProfit
	})
	if terr != nil && local.Status == position.StatusPending {
		// Pending confirmed by the broker.
		if _, err := e.store.Transition(ticket, position.StatusOpen, func(p *position.Position) {
			p.OpenPrice = remote.OpenPrice
		}); err != nil {
			e.store.Freeze(ticket)
			return broker.ErrReconciliationConflict
		}
	}
	return nil
}

// ReconcileAll reconciles every locally tracked position plus any broker
// position the store does not know about.
func (e *Executor) ReconcileAll(ctx context.Context) error {
	remote, err := e.client.Positions(ctx, "")
	if err != nil {
		return fmt.Errorf("reconcile list failed: %w", err)
	}
	seen := make(map[int64]struct{}, len(remote))
	for _, rp := range remote {
		seen[rp.Ticket] = struct{}{}
		if _, tracked := e.store.Get(rp.Ticket); !tracked {
			e.store.Upsert(fromBroker(rp))
			logger.Infof("reconcile: 采纳券商持仓 ticket=%d %s", rp.Ticket, rp.Symbol)
		}
	}
	for _, local := range e.store.ListOpen("") {
		if _, ok := seen[local.Ticket]; ok && local.Status != position.StatusClosing {
			// Alive on both sides and not mid-close; nothing to resolve.
			continue
		}
		if err := e.Reconcile(ctx, local.Ticket); err != nil {
			logger.Warnf("reconcile: ticket=%d err=%v", local.Ticket, err)
		}
	}
	return nil
}

func fromBroker(p broker.Position) position.Position {
	return position.Position{
		Ticket:     p.Ticket,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Volume:     p.Volume,
		OpenPrice:  p.OpenPrice,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		OpenedAt:   p.OpenedAt,
		Status:     position.StatusOpen,
	}
}
