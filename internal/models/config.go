package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 定义了风控引擎的全部配置
type Config struct {
	LogConfig LogConfig       `json:"log" yaml:"log"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Exchange  ExchangeConfig  `json:"exchange" yaml:"exchange"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Monitors  MonitorsConfig  `json:"monitors" yaml:"monitors"`
	PriceFeed PriceFeedConfig `json:"price_feed" yaml:"price_feed"`
	Ops       OpsConfig       `json:"ops" yaml:"ops"`
	Bots      []BotConfig     `json:"bots" yaml:"bots"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// StoreConfig 选择状态存储后端
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "badger" 或 "postgres"
	Path    string `json:"path" yaml:"path"`       // badger 数据目录, 为空时使用内存模式
	DSN     string `json:"dsn" yaml:"dsn"`         // postgres 连接串
}

// ExchangeConfig 交易所连接配置
type ExchangeConfig struct {
	Testnet bool   `json:"testnet" yaml:"testnet"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // 覆盖默认 REST 地址
}

// EngineConfig 轨迹止损引擎的全局参数
type EngineConfig struct {
	CycleIntervalMs  int64   `json:"cycle_interval_ms" yaml:"cycle_interval_ms"`
	AntiChurnEpsilon float64 `json:"anti_churn_epsilon" yaml:"anti_churn_epsilon"` // 绝对值阈值
}

// MonitorLimits 定义单个监控任务的自适应间隔边界
type MonitorLimits struct {
	BaseMs int64 `json:"base_ms" yaml:"base_ms"`
	MinMs  int64 `json:"min_ms" yaml:"min_ms"`
	MaxMs  int64 `json:"max_ms" yaml:"max_ms"`
	StepMs int64 `json:"step_ms" yaml:"step_ms"`
}

// Base returns the starting interval as a duration.
func (l MonitorLimits) Base() time.Duration { return time.Duration(l.BaseMs) * time.Millisecond }

// Min returns the lower interval bound.
func (l MonitorLimits) Min() time.Duration { return time.Duration(l.MinMs) * time.Millisecond }

// Max returns the upper interval bound.
func (l MonitorLimits) Max() time.Duration { return time.Duration(l.MaxMs) * time.Millisecond }

// Step returns the decrement applied after a successful run.
func (l MonitorLimits) Step() time.Duration { return time.Duration(l.StepMs) * time.Millisecond }

// MonitorsConfig 每个机器人的三个维护任务
type MonitorsConfig struct {
	PendingOrders MonitorLimits `json:"pending_orders" yaml:"pending_orders"`
	OrphanOrders  MonitorLimits `json:"orphan_orders" yaml:"orphan_orders"`
	TakeProfit    MonitorLimits `json:"take_profit" yaml:"take_profit"`
}

// PriceFeedConfig WebSocket 价格推送配置
type PriceFeedConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	URL             string `json:"url" yaml:"url"`
	ThrottleMs      int64  `json:"throttle_ms" yaml:"throttle_ms"`
	MaxRetries      int    `json:"max_retries" yaml:"max_retries"`
	PingIntervalSec int    `json:"ping_interval_sec" yaml:"ping_interval_sec"`
}

// OpsConfig 运维 HTTP 服务配置
type OpsConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // 为空则不启动
}

// BotConfig 单个机器人的配置
type BotConfig struct {
	ID           string     `json:"id" yaml:"id"`
	Strategy     Strategy   `json:"strategy" yaml:"strategy"`
	APIKeyEnv    string     `json:"api_key_env" yaml:"api_key_env"`
	APISecretEnv string     `json:"api_secret_env" yaml:"api_secret_env"`
	Risk         RiskConfig `json:"risk" yaml:"risk"`
}

// RiskConfig is the named configuration set a bot runs with.
type RiskConfig struct {
	MaxNegativePnlStopPct       float64 `json:"max_negative_pnl_stop_pct" yaml:"max_negative_pnl_stop_pct"`
	TrailingStopDistance        float64 `json:"trailing_stop_distance" yaml:"trailing_stop_distance"`
	EnableTrailingStop          Flag    `json:"enable_trailing_stop" yaml:"enable_trailing_stop"`
	EnableHybridStopStrategy    Flag    `json:"enable_hybrid_stop_strategy" yaml:"enable_hybrid_stop_strategy"`
	InitialStopAtrMultiplier    float64 `json:"initial_stop_atr_multiplier" yaml:"initial_stop_atr_multiplier"`
	TakeProfitAtrMultiplier     float64 `json:"take_profit_atr_multiplier" yaml:"take_profit_atr_multiplier"`
	PartialTakeProfitPercentage float64 `json:"partial_take_profit_percentage" yaml:"partial_take_profit_percentage"`
	EnableTpValidation          Flag    `json:"enable_tp_validation" yaml:"enable_tp_validation"`
	MinTakeProfitPct            float64 `json:"min_take_profit_pct" yaml:"min_take_profit_pct"`
	AtrTimeframe                string  `json:"atr_timeframe" yaml:"atr_timeframe"`
}

// Strategy names the trade-intent producer a bot runs.
type Strategy string

const (
	StrategyDefault   Strategy = "DEFAULT"
	StrategyProMax    Strategy = "PRO_MAX"
	StrategyAlphaFlow Strategy = "ALPHA_FLOW"
)

// Flag is a boolean that also accepts the legacy string spellings found in
// older config files. It is decoded once at load time.
type Flag bool

// ParseFlag converts a textual flag into a bool.
func ParseFlag(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off", "":
		return false, nil
	}
	return false, &ConfigurationError{Field: "flag", Msg: fmt.Sprintf("invalid boolean value %q", s)}
}

// UnmarshalJSON accepts JSON booleans and strings.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &ConfigurationError{Field: "flag", Msg: fmt.Sprintf("invalid boolean value %s", string(data))}
	}
	v, err := ParseFlag(s)
	if err != nil {
		return err
	}
	*f = Flag(v)
	return nil
}

// UnmarshalYAML accepts YAML booleans and strings.
func (f *Flag) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseFlag(node.Value)
	if err != nil {
		return err
	}
	*f = Flag(v)
	return nil
}

// Bool returns the flag as a plain bool.
func (f Flag) Bool() bool { return bool(f) }
