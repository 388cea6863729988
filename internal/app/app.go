// Package app 负责应用级编排：加载配置→初始化依赖→恢复状态→
// 启动决策引擎与运维接口。
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"goldpredict/internal/broker"
	"goldpredict/internal/broker/mt5"
	"goldpredict/internal/config"
	"goldpredict/internal/engine"
	"goldpredict/internal/executor"
	"goldpredict/internal/feed"
	"goldpredict/internal/logger"
	"goldpredict/internal/position"
	"goldpredict/internal/risk"
	"goldpredict/internal/store"
	"goldpredict/internal/store/auditlog"
	opshttp "goldpredict/internal/transport/http/ops"
)

const startupTimeout = 30 * time.Second

// App 持有全部已初始化的组件。
type App struct {
	cfg     *config.Config
	client  broker.Client
	riskMgr *risk.Manager
	store   *position.Store
	exec    *executor.Executor
	engine  *engine.Engine
	history *store.HistoryStore
	audit   *auditlog.Store
	watcher *risk.LimitsWatcher
	opsHTTP *opshttp.Server
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	client, err := mt5.NewClient(cfg.Broker)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	// 账户守卫：默认只允许模拟账户，连上实盘必须显式放行。
	acct, err := client.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("连接 MT5 桥接失败: %w", err)
	}
	if !acct.IsDemo() && !cfg.Broker.AllowLive {
		return nil, fmt.Errorf("账户 %d (%s) 不是模拟账户，拒绝启动；如确认实盘交易请设置 broker.allow_live",
			acct.Login, acct.Server)
	}
	logger.Infof("已连接账户 login=%d server=%s mode=%s balance=%.2f equity=%.2f",
		acct.Login, acct.Server, acct.TradeMode, acct.Balance, acct.Equity)

	history, err := store.NewHistoryStore(cfg.Store.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("初始化历史库失败: %w", err)
	}
	audit, err := auditlog.Open(cfg.Store.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("初始化审计库失败: %w", err)
	}

	limits := cfg.Risk.Limits
	var watcher *risk.LimitsWatcher
	if cfg.Risk.LimitsPath != "" {
		watcher, err = risk.NewLimitsWatcher(cfg.Risk.LimitsPath, limits)
		if err != nil {
			return nil, fmt.Errorf("初始化风控热更新失败: %w", err)
		}
		limits = watcher.Current()
	}

	riskMgr := risk.NewManager(limits, time.Now())
	if watcher != nil {
		watcher.Subscribe(riskMgr.UpdateLimits)
	}

	posStore := position.NewStore()
	exec := executor.New(client, posStore, history)

	if err := restoreState(ctx, riskMgr, history, acct); err != nil {
		logger.Warnf("恢复历史状态失败，按全新状态启动: %v", err)
	}
	// 接管重启前遗留在券商侧的持仓。
	if err := exec.ReconcileAll(ctx); err != nil {
		logger.Warnf("启动对账失败: %v", err)
	}

	sources := make([]feed.Source, 0, len(cfg.Feed.Sources))
	for _, sc := range cfg.Feed.Sources {
		if !sc.Enabled {
			continue
		}
		sources = append(sources, feed.NewHTTPSource(sc.Name, sc.URL, sc.Weight))
	}

	eng := engine.New(engine.Options{
		Trading: cfg.Trading,
		Feed:    cfg.Feed,
		Client:  client,
		Risk:    riskMgr,
		Store:   posStore,
		Exec:    exec,
		Sources: sources,
		Audit:   audit,
		Status:  history,
	})

	a := &App{
		cfg:     cfg,
		client:  client,
		riskMgr: riskMgr,
		store:   posStore,
		exec:    exec,
		engine:  eng,
		history: history,
		audit:   audit,
		watcher: watcher,
	}

	if cfg.HTTP.Enabled {
		srv, err := opshttp.NewServer(opshttp.ServerConfig{
			Addr:      cfg.HTTP.Listen,
			Symbols:   cfg.Trading.Symbols,
			Risk:      riskMgr,
			Positions: posStore,
			Audit:     audit,
			History:   history,
			Breaker:   eng.Breaker(),
		})
		if err != nil {
			return nil, err
		}
		a.opsHTTP = srv
	}
	return a, nil
}

// restoreState 从历史库恢复当日盈亏、成交数与净值高点，保证重启后
// 日内限额与回撤检查不被清零。
func restoreState(ctx context.Context, riskMgr *risk.Manager, history *store.HistoryStore, acct broker.AccountInfo) error {
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	pnl, trades, err := history.DailySummary(ctx, dayStart)
	if err != nil {
		return err
	}
	peak, err := history.PeakEquity(ctx)
	if err != nil {
		return err
	}
	if acct.Equity > peak {
		peak = acct.Equity
	}
	riskMgr.Restore(pnl, trades, peak, dayStart)
	riskMgr.SyncAccount(acct.Balance, acct.Equity, acct.Margin, acct.FreeMargin)
	logger.Infof("状态恢复完成 daily_pnl=%.2f daily_trades=%d peak_equity=%.2f", pnl, trades, peak)
	return nil
}

// Run 启动引擎与运维接口，阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, gctx := errgroup.WithContext(ctx)

	if a.opsHTTP != nil {
		group.Go(func() error {
			logger.Infof("运维接口监听 %s", a.opsHTTP.Addr())
			if err := a.opsHTTP.Start(gctx); err != nil {
				return fmt.Errorf("ops http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		return a.engine.Run(gctx)
	})

	err := group.Wait()
	a.closeStores()
	return err
}

func (a *App) closeStores() {
	if a.audit != nil {
		if cerr := a.audit.Close(); cerr != nil {
			logger.Warnf("关闭审计库失败: %v", cerr)
		}
	}
	if a.history != nil {
		if cerr := a.history.Close(); cerr != nil {
			logger.Warnf("关闭历史库失败: %v", cerr)
		}
	}
}
