package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"gopkg.in/yaml.v3"
)

const (
	defaultCycleIntervalMs  = 5000
	defaultAntiChurnEpsilon = 0.0001
	defaultMonitorBaseMs    = 15000
	defaultMonitorMaxMs     = 120000
	defaultMonitorStepMs    = 5000
	defaultAtrTimeframe     = "30m"
	defaultFeedThrottleMs   = 1000
	defaultFeedMaxRetries   = 10
	defaultFeedPingSec      = 30
	liveFeedURL             = "wss://fstream.binance.com/ws"
	testnetFeedURL          = "wss://stream.binancefuture.com/ws"
)

// LoadConfig 从指定路径加载配置文件 (.json / .yaml / .yml), 填充默认值并校验
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "badger"
	}
	if cfg.Engine.CycleIntervalMs <= 0 {
		cfg.Engine.CycleIntervalMs = defaultCycleIntervalMs
	}
	if cfg.Engine.AntiChurnEpsilon <= 0 {
		cfg.Engine.AntiChurnEpsilon = defaultAntiChurnEpsilon
	}
	applyMonitorDefaults(&cfg.Monitors.PendingOrders)
	applyMonitorDefaults(&cfg.Monitors.OrphanOrders)
	applyMonitorDefaults(&cfg.Monitors.TakeProfit)

	if cfg.PriceFeed.URL == "" {
		cfg.PriceFeed.URL = liveFeedURL
		if cfg.Exchange.Testnet {
			cfg.PriceFeed.URL = testnetFeedURL
		}
	}
	if cfg.PriceFeed.ThrottleMs <= 0 {
		cfg.PriceFeed.ThrottleMs = defaultFeedThrottleMs
	}
	if cfg.PriceFeed.MaxRetries <= 0 {
		cfg.PriceFeed.MaxRetries = defaultFeedMaxRetries
	}
	if cfg.PriceFeed.PingIntervalSec <= 0 {
		cfg.PriceFeed.PingIntervalSec = defaultFeedPingSec
	}

	for i := range cfg.Bots {
		bot := &cfg.Bots[i]
		if bot.Strategy == "" {
			bot.Strategy = models.StrategyDefault
		}
		if bot.Risk.AtrTimeframe == "" {
			bot.Risk.AtrTimeframe = defaultAtrTimeframe
		}
	}
}

func applyMonitorDefaults(l *models.MonitorLimits) {
	if l.BaseMs <= 0 {
		l.BaseMs = defaultMonitorBaseMs
	}
	if l.MinMs <= 0 {
		l.MinMs = l.BaseMs
	}
	if l.MaxMs <= 0 {
		l.MaxMs = defaultMonitorMaxMs
	}
	if l.StepMs <= 0 {
		l.StepMs = defaultMonitorStepMs
	}
}

// Validate 校验配置, 返回 ConfigurationError
func Validate(cfg *models.Config) error {
	switch cfg.Store.Backend {
	case "badger":
	case "postgres":
		if cfg.Store.DSN == "" {
			return &models.ConfigurationError{Field: "store.dsn", Msg: "postgres backend requires a dsn"}
		}
	default:
		return &models.ConfigurationError{Field: "store.backend", Msg: fmt.Sprintf("unknown backend %q", cfg.Store.Backend)}
	}

	for name, l := range map[string]models.MonitorLimits{
		"pending_orders": cfg.Monitors.PendingOrders,
		"orphan_orders":  cfg.Monitors.OrphanOrders,
		"take_profit":    cfg.Monitors.TakeProfit,
	} {
		if l.MinMs > l.MaxMs || l.BaseMs < l.MinMs || l.BaseMs > l.MaxMs {
			return &models.ConfigurationError{Field: "monitors." + name, Msg: "interval bounds must satisfy min <= base <= max"}
		}
	}

	seen := make(map[string]bool, len(cfg.Bots))
	for _, bot := range cfg.Bots {
		if bot.ID == "" {
			return &models.ConfigurationError{Field: "bots.id", Msg: "every bot needs an id"}
		}
		if seen[bot.ID] {
			return &models.ConfigurationError{Field: "bots.id", Msg: fmt.Sprintf("duplicate bot id %s", bot.ID)}
		}
		seen[bot.ID] = true

		r := bot.Risk
		for field, v := range map[string]float64{
			"max_negative_pnl_stop_pct":   r.MaxNegativePnlStopPct,
			"trailing_stop_distance":      r.TrailingStopDistance,
			"initial_stop_atr_multiplier": r.InitialStopAtrMultiplier,
			"take_profit_atr_multiplier":  r.TakeProfitAtrMultiplier,
			"min_take_profit_pct":         r.MinTakeProfitPct,
		} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &models.ConfigurationError{Field: "bots." + bot.ID + ".risk." + field, Msg: "value must be finite"}
			}
		}
		if r.TrailingStopDistance < 0 || r.TrailingStopDistance >= 100 {
			return &models.ConfigurationError{Field: "bots." + bot.ID + ".risk.trailing_stop_distance", Msg: "must be in [0, 100)"}
		}
		if r.PartialTakeProfitPercentage < 0 || r.PartialTakeProfitPercentage > 100 {
			return &models.ConfigurationError{Field: "bots." + bot.ID + ".risk.partial_take_profit_percentage", Msg: "must be in [0, 100]"}
		}
	}
	return nil
}

// BotContexts 根据配置与环境变量构建每个机器人的运行上下文.
// getenv 通常为 os.Getenv.
func BotContexts(cfg *models.Config, getenv func(string) string) ([]models.BotContext, error) {
	contexts := make([]models.BotContext, 0, len(cfg.Bots))
	for _, bot := range cfg.Bots {
		ctx := models.BotContext{
			ID:       bot.ID,
			Strategy: bot.Strategy,
			Risk:     bot.Risk,
			Credentials: models.Credentials{
				APIKey:    getenv(bot.APIKeyEnv),
				APISecret: getenv(bot.APISecretEnv),
			},
		}
		if err := ctx.Validate(); err != nil {
			return nil, err
		}
		contexts = append(contexts, ctx)
	}
	return contexts, nil
}
