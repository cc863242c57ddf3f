package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoadConfigJSON loads a JSON file and verifies defaults are applied.
func TestLoadConfigJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"store": {"path": "data/state"},
		"bots": [{
			"id": "bot-1",
			"api_key_env": "BOT1_KEY",
			"api_secret_env": "BOT1_SECRET",
			"risk": {
				"max_negative_pnl_stop_pct": -10,
				"trailing_stop_distance": 1.5,
				"enable_trailing_stop": "true",
				"enable_hybrid_stop_strategy": false
			}
		}]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, int64(defaultCycleIntervalMs), cfg.Engine.CycleIntervalMs)
	assert.Equal(t, defaultAntiChurnEpsilon, cfg.Engine.AntiChurnEpsilon)
	assert.Equal(t, int64(15000), cfg.Monitors.TakeProfit.BaseMs)
	assert.Equal(t, int64(120000), cfg.Monitors.TakeProfit.MaxMs)
	require.Len(t, cfg.Bots, 1)
	assert.Equal(t, models.StrategyDefault, cfg.Bots[0].Strategy)
	assert.Equal(t, "30m", cfg.Bots[0].Risk.AtrTimeframe)
	assert.True(t, cfg.Bots[0].Risk.EnableTrailingStop.Bool())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
exchange:
  testnet: true
monitors:
  orphan_orders:
    base_ms: 20000
    min_ms: 10000
    max_ms: 60000
bots:
  - id: bot-2
    strategy: PRO_MAX
    risk:
      max_negative_pnl_stop_pct: -8
      enable_hybrid_stop_strategy: "1"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, testnetFeedURL, cfg.PriceFeed.URL)
	assert.Equal(t, int64(10000), cfg.Monitors.OrphanOrders.MinMs)
	assert.Equal(t, models.StrategyProMax, cfg.Bots[0].Strategy)
	assert.True(t, cfg.Bots[0].Risk.EnableHybridStopStrategy.Bool())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]func(cfg *models.Config){
		"unknown backend":   func(cfg *models.Config) { cfg.Store.Backend = "mongo" },
		"postgres no dsn":   func(cfg *models.Config) { cfg.Store.Backend = "postgres" },
		"duplicate bot":     func(cfg *models.Config) { cfg.Bots = append(cfg.Bots, cfg.Bots[0]) },
		"distance too big":  func(cfg *models.Config) { cfg.Bots[0].Risk.TrailingStopDistance = 150 },
		"inverted monitors": func(cfg *models.Config) { cfg.Monitors.PendingOrders.MinMs = 200000 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := &models.Config{Bots: []models.BotConfig{{ID: "bot-1"}}}
			ApplyDefaults(cfg)
			mutate(cfg)

			err := Validate(cfg)
			var cfgErr *models.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "expected configuration error, got %v", err)
		})
	}
}

func TestBotContextsReadsCredentials(t *testing.T) {
	cfg := &models.Config{Bots: []models.BotConfig{{ID: "bot-1", APIKeyEnv: "K", APISecretEnv: "S"}}}
	env := map[string]string{"K": "key", "S": "secret"}

	contexts, err := BotContexts(cfg, func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, "key", contexts[0].Credentials.APIKey)

	_, err = BotContexts(cfg, func(string) string { return "" })
	var cfgErr *models.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
