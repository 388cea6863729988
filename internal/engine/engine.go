// Package engine 把预测信号变成订单：分类、风控审批、下单，并在后台
// 监控持仓执行移动止损、部分止盈和硬止损。
package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"goldpredict/internal/broker"
	"goldpredict/internal/config"
	"goldpredict/internal/executor"
	"goldpredict/internal/feed"
	"goldpredict/internal/logger"
	"goldpredict/internal/pkg/circuit"
	"goldpredict/internal/position"
	"goldpredict/internal/risk"
	"goldpredict/internal/scheduler"
	"goldpredict/internal/store/auditlog"
)

const (
	brokerFailureThreshold = 5
	brokerCooldown         = 30 * time.Second
	shutdownCloseTimeout   = 30 * time.Second
)

// AuditSink 记录每一次决策。写失败只记日志，绝不阻塞交易。
type AuditSink interface {
	Append(ctx context.Context, rec auditlog.Record) error
}

// StatusSink 周期性落盘账户快照，重启恢复时读取。
type StatusSink interface {
	SaveAccountStatus(ctx context.Context, balance, equity, margin, freeMargin, marginLevel, profit float64) error
}

// Engine 是决策主循环。每个品种一个串行 worker，保证同一品种的信号
// 严格按到达顺序处理。
type Engine struct {
	tradingCfg config.TradingConfig
	feedCfg    config.FeedConfig

	client  broker.Client
	breaker *circuit.CircuitBreaker
	riskMgr *risk.Manager
	store   *position.Store
	exec    *executor.Executor
	merger  *feed.Merger
	sources []feed.Source
	audit   AuditSink
	status  StatusSink

	nowFn func() time.Time

	mu          sync.Mutex
	partialDone map[int64]bool // tickets already partially closed this round trip
	lastEquity  float64
}

type Options struct {
	Trading config.TradingConfig
	Feed    config.FeedConfig
	Client  broker.Client
	Risk    *risk.Manager
	Store   *position.Store
	Exec    *executor.Executor
	Sources []feed.Source
	Audit   AuditSink
	Status  StatusSink
}

func New(opts Options) *Engine {
	return &Engine{
		tradingCfg:  opts.Trading,
		feedCfg:     opts.Feed,
		client:      opts.Client,
		breaker:     circuit.NewCircuitBreaker("mt5", brokerFailureThreshold, brokerCooldown),
		riskMgr:     opts.Risk,
		store:       opts.Store,
		exec:        opts.Exec,
		merger:      feed.NewMerger(opts.Feed.StaleAfter()),
		sources:     opts.Sources,
		audit:       opts.Audit,
		status:      opts.Status,
		nowFn:       time.Now,
		partialDone: make(map[int64]bool),
	}
}

// Breaker exposes the broker circuit breaker for the ops API.
func (e *Engine) Breaker() *circuit.CircuitBreaker { return e.breaker }

// Merger exposes the feed merger for the ops API.
func (e *Engine) Merger() *feed.Merger { return e.merger }

// Run 阻塞运行直到 ctx 取消。返回前按配置决定是否清仓。
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	samples := make(map[string]chan feed.Sample, len(e.tradingCfg.Symbols))
	for _, symbol := range e.tradingCfg.Symbols {
		ch := make(chan feed.Sample, 1)
		samples[symbol] = ch
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case s := <-ch:
					e.handleConsensus(gctx, s)
				}
			}
		})
	}

	g.Go(func() error {
		sched := scheduler.NewIntervalScheduler(gctx, "feed", e.feedCfg.PollInterval())
		sched.RunImmediately = true
		sched.Start(func() { e.pollFeeds(gctx, samples) })
		return nil
	})

	g.Go(func() error {
		sched := scheduler.NewIntervalScheduler(gctx, "monitor", e.tradingCfg.MonitorInterval())
		sched.Start(func() { e.monitorTick(gctx) })
		return nil
	})

	err := g.Wait()

	if e.tradingCfg.CloseAllOnStop {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownCloseTimeout)
		defer cancel()
		e.CloseAll(shutdownCtx, "shutdown")
	}
	return err
}

// pollFeeds 拉取所有启用的预测源，把每个品种的共识样本投递给对应
// worker。worker 忙时丢弃本轮样本，下一轮会带来更新的共识。
func (e *Engine) pollFeeds(ctx context.Context, samples map[string]chan feed.Sample) {
	var wg sync.WaitGroup
	for _, symbol := range e.tradingCfg.Symbols {
		for _, src := range e.sources {
			wg.Add(1)
			go func(symbol string, src feed.Source) {
				defer wg.Done()
				sample, err := src.Fetch(ctx, symbol)
				if err != nil {
					logger.Warnf("engine: 预测源 %s 拉取 %s 失败: %v", src.Name(), symbol, err)
					return
				}
				e.merger.Add(sample)
			}(symbol, src)
		}
	}
	wg.Wait()

	now := e.nowFn()
	for _, symbol := range e.tradingCfg.Symbols {
		consensus, ok := e.merger.Consensus(symbol, now)
		if !ok {
			logger.Debugf("engine: %s 暂无有效共识样本", symbol)
			continue
		}
		select {
		case samples[symbol] <- consensus:
		default:
			logger.Debugf("engine: %s worker 繁忙，丢弃本轮样本", symbol)
		}
	}
}

// CloseAll 平掉全部本地持仓。用于停机清仓和硬止损。
func (e *Engine) CloseAll(ctx context.Context, reason string) {
	for _, symbol := range e.tradingCfg.Symbols {
		for _, p := range e.store.ListOpen(symbol) {
			fill, err := e.exec.Close(ctx, p.Ticket)
			if err != nil {
				logger.Warnf("engine: %s 清仓 ticket=%d 失败: %v", reason, p.Ticket, err)
				continue
			}
			if fill.FillID == "" {
				continue // already closed elsewhere
			}
			e.applyFill(fill)
			logger.Infof("engine: %s 平仓 ticket=%d pnl=%.2f", reason, p.Ticket, fill.PnL)
		}
	}
}

// applyFill 把已实现盈亏记入风控日内计数，按 fill id 去重。空 FillID
// 表示这次平仓没发生（已被别处平掉），跳过。
func (e *Engine) applyFill(fill executor.ClosedFill) {
	if fill.FillID == "" {
		return
	}
	e.mu.Lock()
	var equity float64
	if e.lastEquity > 0 {
		equity = e.lastEquity + fill.PnL
		e.lastEquity = equity
	}
	delete(e.partialDone, fill.Ticket)
	e.mu.Unlock()
	e.riskMgr.RecordFill(fill.FillID, fill.PnL, equity, fill.ClosedAt)
}

// syncAccount 拉取账户快照并同步给风控。经熔断器保护。
func (e *Engine) syncAccount(ctx context.Context) (broker.AccountInfo, error) {
	var acct broker.AccountInfo
	err := e.breaker.Do(func() error {
		var err error
		acct, err = e.client.Account(ctx)
		return err
	})
	if err != nil {
		return broker.AccountInfo{}, err
	}
	e.riskMgr.SyncAccount(acct.Balance, acct.Equity, acct.Margin, acct.FreeMargin)
	e.mu.Lock()
	e.lastEquity = acct.Equity
	e.mu.Unlock()
	return acct, nil
}
