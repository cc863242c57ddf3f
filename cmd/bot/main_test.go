package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/OvictorVieira/backbot-sub005/internal/config"
	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtractSymbolFromPath(t *testing.T) {
	assert.Equal(t, "BNBUSDT", extractSymbolFromPath("data/BNBUSDT-30m-2025-03-15-2025-06-15.csv"))
	assert.Equal(t, "ETHUSDT", extractSymbolFromPath("ETHUSDT.csv"))
}

func TestReplayBot(t *testing.T) {
	cfg := &models.Config{Bots: []models.BotConfig{{ID: "a"}, {ID: "b", Strategy: models.StrategyProMax}}}

	bot, err := replayBot(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "a", bot.ID)
	assert.NoError(t, bot.Validate())

	bot, err = replayBot(cfg, "b")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyProMax, bot.Strategy)

	_, err = replayBot(cfg, "ghost")
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	_, err := openStore(models.StoreConfig{Backend: "redis"})
	var cfgErr *models.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "store.backend", cfgErr.Field)

	store, err := openStore(models.StoreConfig{Backend: "badger"})
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}

func writeCandles(t *testing.T, rows [][4]float64) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("open_time,open,high,low,close,volume,close_time\n")
	start := int64(1735689600000)
	for i, r := range rows {
		open := start + int64(i)*1800000
		b.WriteString(strings.Join([]string{
			strconv.FormatInt(open, 10),
			strconv.FormatFloat(r[0], 'f', -1, 64),
			strconv.FormatFloat(r[1], 'f', -1, 64),
			strconv.FormatFloat(r[2], 'f', -1, 64),
			strconv.FormatFloat(r[3], 'f', -1, 64),
			"10",
			strconv.FormatInt(open+1799999, 10),
		}, ","))
		b.WriteString("\n")
	}
	path := filepath.Join(t.TempDir(), "BTCUSDT-30m.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestReplayTrailsAndExitsOnStop(t *testing.T) {
	cfg := &models.Config{Bots: []models.BotConfig{{
		ID: "replay-bot",
		Risk: models.RiskConfig{
			MaxNegativePnlStopPct: -10,
			TrailingStopDistance:  1.5,
			EnableTrailingStop:    true,
		},
	}}}
	config.ApplyDefaults(cfg)

	path := writeCandles(t, [][4]float64{
		{100, 101, 99.5, 101}, // 盈利后建立状态, 止损 99
		{101, 110, 101, 110},  // 新高, 止损上移到 108.35
		{110, 110, 105, 106},  // 触发止损
		{106, 107, 105, 106},
	})

	var out bytes.Buffer
	m, err := runReplayMode(cfg, zap.NewNop(), replayOptions{dataPath: path, qty: 1, side: "long", balance: 1000, leverage: 10}, &out)
	require.NoError(t, err)

	require.Equal(t, 1, m.TotalTrades)
	assert.Equal(t, 1, m.StopExits)
	assert.Equal(t, 1, m.WinningTrades)
	assert.Greater(t, m.TotalProfit, 4.0)
	assert.Contains(t, out.String(), path)
}
