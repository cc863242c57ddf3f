package reporter

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/exchange"
	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCalculateMetrics(t *testing.T) {
	trades := []exchange.Trade{
		{Symbol: "BTCUSDT", Kind: models.OrderTakeProfit, Profit: 20, Fee: 0.1},
		{Symbol: "BTCUSDT", Kind: models.OrderStop, Profit: -30, Fee: 0.1},
		{Symbol: "BTCUSDT", Kind: models.OrderStop, Profit: 10, Fee: 0.1},
	}
	m := CalculateMetrics(trades, 1000)

	assert.Equal(t, 3, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.Equal(t, 2, m.StopExits)
	assert.InDelta(t, 66.666, m.WinRate, 0.01)
	assert.InDelta(t, 0.5, m.AvgProfitLoss, 1e-9) // avg win 15 / avg loss 30
	assert.InDelta(t, 0, m.TotalProfit, 1e-9)
	assert.InDelta(t, 1000, m.FinalBalance, 1e-9)
	assert.InDelta(t, 0.3, m.TotalFees, 1e-9)
	// 峰值 1020, 谷值 990
	assert.InDelta(t, 30.0/1020*100, m.MaxDrawdown, 1e-9)
}

func TestCalculateMetricsEmpty(t *testing.T) {
	m := CalculateMetrics(nil, 500)
	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.MaxDrawdown)
	assert.Equal(t, 500.0, m.FinalBalance)
}

func TestStatesTable(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	states := []*models.TrailingState{
		{
			BotID: "bot-1", Symbol: "BTCUSDT", Phase: models.PhaseTrailing, Direction: models.Long,
			EntryPrice: 100, TrailingStopPrice: 108.35, HighestPrice: 110, ActiveStopOrderID: "42", UpdatedAt: now,
		},
		{
			BotID: "bot-2", Symbol: "ETHUSDT", Phase: models.PhaseInitialRisk, Direction: models.Short,
			EntryPrice: 50, TrailingStopPrice: 55, LowestPrice: 50, PartialTakeProfitPrice: 45, UpdatedAt: now,
		},
	}

	var buf bytes.Buffer
	StatesTable(&buf, states)
	out := buf.String()

	for _, want := range []string{"bot-1", "BTCUSDT", "108.3500", "110.0000", "42", "ETHUSDT", "45.0000", "2026-01-02T03:04:05Z"} {
		assert.Contains(t, out, want)
	}
}

func TestGenerateReport(t *testing.T) {
	sim := exchange.NewSimExchange(10, zap.NewNop())
	sim.OpenPosition("BTCUSDT", 1, 100)
	_, err := sim.CreateOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.Sell, Kind: models.OrderStop, Quantity: 1, TriggerPrice: 95, ReduceOnly: true,
	})
	require.NoError(t, err)
	sim.SetPrice("BTCUSDT", 94, time.Now())

	var buf bytes.Buffer
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := GenerateReport(&buf, sim, 1000, "data/BTCUSDT.csv", start, start.Add(24*time.Hour))

	require.Equal(t, 1, m.TotalTrades)
	assert.Equal(t, 1, m.StopExits)
	assert.Less(t, m.TotalProfit, 0.0)
	assert.Contains(t, buf.String(), "data/BTCUSDT.csv")
	assert.Contains(t, buf.String(), "STOP")
}
