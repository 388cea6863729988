// Package opshttp 提供只读的运维 HTTP 接口：健康检查、账户与持仓
// 状态、决策审计和历史成交查询。接口不提供任何下单能力。
package opshttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"goldpredict/internal/logger"
	"goldpredict/internal/pkg/circuit"
	"goldpredict/internal/position"
	"goldpredict/internal/risk"
	"goldpredict/internal/store"
	"goldpredict/internal/store/auditlog"
)

// Server 是只读运维接口。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述运维接口的依赖。
type ServerConfig struct {
	Addr      string
	Symbols   []string
	Risk      *risk.Manager
	Positions *position.Store
	Audit     *auditlog.Store
	History   *store.HistoryStore
	Breaker   *circuit.CircuitBreaker
}

// NewServer 构建运维 HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Risk == nil || cfg.Positions == nil {
		return nil, errors.New("ops http server requires risk manager and position store")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8088"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/status", statusHandler(cfg))
	api.GET("/positions", positionsHandler(cfg))
	if cfg.Audit != nil {
		api.GET("/decisions", decisionsHandler(cfg.Audit))
	}
	if cfg.History != nil {
		api.GET("/trades", tradesHandler(cfg.History))
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

func statusHandler(cfg ServerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := cfg.Risk.Snapshot()
		resp := gin.H{
			"balance":           state.Balance,
			"equity":            state.Equity,
			"margin_used":       state.MarginUsed,
			"free_margin":       state.FreeMargin,
			"peak_equity":       state.PeakEquity,
			"daily_pnl":         state.DailyPnL,
			"daily_trade_count": state.DailyTradeCount,
			"day_start":         state.DayStart.Format(time.RFC3339),
			"limits":            cfg.Risk.Limits(),
		}
		if cfg.Breaker != nil {
			resp["broker_circuit"] = cfg.Breaker.State().String()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func positionsHandler(cfg ServerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		symbols := cfg.Symbols
		if q := c.Query("symbol"); q != "" {
			symbols = []string{q}
		}
		out := make([]gin.H, 0)
		for _, symbol := range symbols {
			for _, p := range cfg.Positions.ListOpen(symbol) {
				out = append(out, gin.H{
					"ticket":      p.Ticket,
					"symbol":      p.Symbol,
					"side":        string(p.Side),
					"volume":      p.Volume,
					"open_price":  p.OpenPrice,
					"stop_loss":   p.StopLoss,
					"take_profit": p.TakeProfit,
					"status":      p.Status.String(),
					"frozen":      p.Frozen,
					"opened_at":   p.OpenedAt.Format(time.RFC3339),
				})
			}
		}
		c.JSON(http.StatusOK, gin.H{"positions": out})
	}
}

func decisionsHandler(audit *auditlog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		recs, err := audit.Recent(c.Request.Context(), c.Query("symbol"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"decisions": recs})
	}
}

func tradesHandler(history *store.HistoryStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		trades, err := history.RecentTrades(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"trades": trades})
	}
}

// requestLogger 记录接口访问，便于追踪人工查询。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
