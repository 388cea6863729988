package risk

import (
	"fmt"
	"strings"
	"sync"

	"goldpredict/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LimitsListener 在风控参数变更时被调用。
type LimitsListener func(Limits)

// LimitsWatcher 从 YAML 文件加载风控参数并监听热更新，使 Kelly 输入和
// 各项限额无需重启即可调整。
type LimitsWatcher struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	current   Limits
	listeners []LimitsListener
}

// NewLimitsWatcher reads the limits file and starts watching it. The base
// limits fill any key the file omits.
func NewLimitsWatcher(path string, base Limits) (*LimitsWatcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("limits watcher requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read risk limits failed: %w", err)
	}
	w := &LimitsWatcher{path: path, v: v, current: base}
	if err := w.reload(base); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := w.reload(base); err != nil {
			logger.Errorf("risk limits reload failed (%s): %v", evt.Name, err)
			return
		}
		w.notify()
	})
	v.WatchConfig()
	return w, nil
}

// Current returns the active limit snapshot.
func (w *LimitsWatcher) Current() Limits {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers a listener and immediately delivers one snapshot.
func (w *LimitsWatcher) Subscribe(fn LimitsListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	snap := w.current
	w.mu.Unlock()
	fn(snap)
}

func (w *LimitsWatcher) reload(base Limits) error {
	if err := w.v.ReadInConfig(); err != nil {
		return err
	}
	limits := base
	if err := w.v.Unmarshal(&limits); err != nil {
		return fmt.Errorf("parse risk limits failed: %w", err)
	}
	if err := validateLimits(limits); err != nil {
		return err
	}
	w.mu.Lock()
	w.current = limits
	w.mu.Unlock()
	logger.Infof("risk limits loaded: max_pos=%.3f max_daily_loss=%.3f max_drawdown=%.3f min_margin=%.0f max_trades=%d",
		limits.MaxPositionSizeFraction, limits.MaxDailyLossFraction, limits.MaxDrawdownFraction,
		limits.MinMarginLevel, limits.MaxDailyTrades)
	return nil
}

func (w *LimitsWatcher) notify() {
	w.mu.RLock()
	snap := w.current
	listeners := append([]LimitsListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func validateLimits(l Limits) error {
	switch {
	case l.MaxPositionSizeFraction <= 0 || l.MaxPositionSizeFraction > 1:
		return fmt.Errorf("max_position_size_fraction must be in (0,1]")
	case l.MaxDailyLossFraction <= 0 || l.MaxDailyLossFraction > 1:
		return fmt.Errorf("max_daily_loss_fraction must be in (0,1]")
	case l.MaxDrawdownFraction <= 0 || l.MaxDrawdownFraction > 1:
		return fmt.Errorf("max_drawdown_fraction must be in (0,1]")
	case l.MinMarginLevel < 0:
		return fmt.Errorf("min_margin_level must be >= 0")
	case l.MaxDailyTrades <= 0:
		return fmt.Errorf("max_daily_trades must be > 0")
	case l.KellyWinRate <= 0 || l.KellyWinRate >= 1:
		return fmt.Errorf("kelly_win_rate must be in (0,1)")
	case l.KellyAvgWin <= 0:
		return fmt.Errorf("kelly_avg_win must be > 0")
	case l.KellyAvgLoss < 0:
		return fmt.Errorf("kelly_avg_loss must be >= 0")
	case l.Volatility <= 0:
		return fmt.Errorf("volatility must be > 0")
	}
	return nil
}
