package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"goldpredict/internal/risk"
)

// Load 读取并校验配置文件。api_token 支持 ${ENV_VAR} 形式从环境变量注入。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}

	cfg.Broker.APIToken = os.ExpandEnv(cfg.Broker.APIToken)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "goldpredict"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.Broker.TimeoutSeconds <= 0 {
		cfg.Broker.TimeoutSeconds = 10
	}
	if cfg.Feed.PollIntervalSeconds <= 0 {
		cfg.Feed.PollIntervalSeconds = 30
	}
	if cfg.Feed.StaleAfterSeconds <= 0 {
		cfg.Feed.StaleAfterSeconds = 120
	}
	for i := range cfg.Feed.Sources {
		if cfg.Feed.Sources[i].Weight <= 0 {
			cfg.Feed.Sources[i].Weight = 1
		}
	}
	if len(cfg.Trading.Symbols) == 0 {
		cfg.Trading.Symbols = []string{"XAUUSD"}
	}
	for i, s := range cfg.Trading.Symbols {
		cfg.Trading.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if cfg.Trading.StopLossPoints <= 0 {
		cfg.Trading.StopLossPoints = 500
	}
	if cfg.Trading.TakeProfitPoints <= 0 {
		cfg.Trading.TakeProfitPoints = 1000
	}
	if cfg.Trading.TrailingStopPoints <= 0 {
		cfg.Trading.TrailingStopPoints = 300
	}
	if cfg.Trading.PartialClosePct <= 0 || cfg.Trading.PartialClosePct >= 1 {
		cfg.Trading.PartialClosePct = 0.5
	}
	if cfg.Trading.HardStopLossFraction <= 0 {
		cfg.Trading.HardStopLossFraction = 0.1
	}
	if cfg.Trading.MonitorIntervalSeconds <= 0 {
		cfg.Trading.MonitorIntervalSeconds = 5
	}
	cfg.Risk.Limits = risk.MergeDefaults(cfg.Risk.Limits)
	if cfg.Store.HistoryPath == "" {
		cfg.Store.HistoryPath = "data/history.db"
	}
	if cfg.Store.AuditPath == "" {
		cfg.Store.AuditPath = "data/audit.db"
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = "127.0.0.1:8088"
	}
}
