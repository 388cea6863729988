package config

import (
	"time"

	"goldpredict/internal/risk"
)

// Config 是整个服务的配置树，来自 YAML 配置文件。
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Trading TradingConfig `mapstructure:"trading"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Store   StoreConfig   `mapstructure:"store"`
	HTTP    HTTPConfig    `mapstructure:"http"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// BrokerConfig 描述 MT5 桥接服务的连接方式。
// AllowLive 为 false 时只允许连接模拟账户，实盘账户直接拒绝启动。
type BrokerConfig struct {
	BridgeURL      string `mapstructure:"bridge_url"`
	APIToken       string `mapstructure:"api_token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	AllowLive      bool   `mapstructure:"allow_live"`
}

type FeedSourceConfig struct {
	Name    string  `mapstructure:"name"`
	URL     string  `mapstructure:"url"`
	Weight  float64 `mapstructure:"weight"`
	Enabled bool    `mapstructure:"enabled"`
}

type FeedConfig struct {
	Sources             []FeedSourceConfig `mapstructure:"sources"`
	PollIntervalSeconds int                `mapstructure:"poll_interval_seconds"`
	StaleAfterSeconds   int                `mapstructure:"stale_after_seconds"`
}

func (c FeedConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c FeedConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// TradingConfig 控制下单与持仓监控行为。点数均以品种的最小报价单位计。
type TradingConfig struct {
	Symbols                []string `mapstructure:"symbols"`
	StopLossPoints         float64  `mapstructure:"stop_loss_points"`
	TakeProfitPoints       float64  `mapstructure:"take_profit_points"`
	TrailingStopPoints     float64  `mapstructure:"trailing_stop_points"`
	PartialClosePct        float64  `mapstructure:"partial_close_pct"`
	PartialCloseProfit     float64  `mapstructure:"partial_close_profit"`
	HardStopLossFraction   float64  `mapstructure:"hard_stop_loss_fraction"`
	MonitorIntervalSeconds int      `mapstructure:"monitor_interval_seconds"`
	CloseAllOnStop         bool     `mapstructure:"close_all_on_stop"`
}

func (c TradingConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

type RiskConfig struct {
	Limits risk.Limits `mapstructure:"limits"`
	// LimitsPath 非空时启用风控参数热更新，监听该文件的变化。
	LimitsPath string `mapstructure:"limits_path"`
}

type StoreConfig struct {
	HistoryPath string `mapstructure:"history_path"`
	AuditPath   string `mapstructure:"audit_path"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}
