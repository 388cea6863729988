package config

import (
	"fmt"
	"net/url"
	"strings"
)

func validate(cfg *Config) error {
	if err := validateBroker(cfg.Broker); err != nil {
		return err
	}
	if err := validateFeed(cfg.Feed); err != nil {
		return err
	}
	if err := validateTrading(cfg.Trading); err != nil {
		return err
	}
	if err := validateRisk(cfg.Risk); err != nil {
		return err
	}
	return nil
}

func validateBroker(b BrokerConfig) error {
	raw := strings.TrimSpace(b.BridgeURL)
	if raw == "" {
		return fmt.Errorf("broker.bridge_url 不能为空")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("broker.bridge_url 不是合法的 URL: %s", raw)
	}
	return nil
}

func validateFeed(f FeedConfig) error {
	enabled := 0
	for i, s := range f.Sources {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("feed.sources[%d].name 不能为空", i)
		}
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("feed.sources[%d].url 不能为空", i)
		}
		if s.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("feed.sources 至少需要一个启用的预测源")
	}
	return nil
}

func validateTrading(t TradingConfig) error {
	if len(t.Symbols) == 0 {
		return fmt.Errorf("trading.symbols 不能为空")
	}
	if t.HardStopLossFraction >= 1 {
		return fmt.Errorf("trading.hard_stop_loss_fraction 必须小于 1")
	}
	return nil
}

func validateRisk(r RiskConfig) error {
	l := r.Limits
	if l.MaxPositionSizeFraction > 1 {
		return fmt.Errorf("risk.limits.max_position_size_fraction 必须在 (0,1] 之间")
	}
	if l.MaxDailyLossFraction > 1 {
		return fmt.Errorf("risk.limits.max_daily_loss_fraction 必须在 (0,1] 之间")
	}
	if l.KellyWinRate >= 1 {
		return fmt.Errorf("risk.limits.kelly_win_rate 必须在 (0,1) 之间")
	}
	return nil
}
