package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestFlagDecoding checks that legacy string spellings decode to strict booleans.
func TestFlagDecoding(t *testing.T) {
	var risk RiskConfig
	raw := `{"enable_trailing_stop":"true","enable_hybrid_stop_strategy":"0","enable_tp_validation":true}`
	require.NoError(t, json.Unmarshal([]byte(raw), &risk))
	assert.True(t, risk.EnableTrailingStop.Bool())
	assert.False(t, risk.EnableHybridStopStrategy.Bool())
	assert.True(t, risk.EnableTpValidation.Bool())

	var fromYAML RiskConfig
	require.NoError(t, yaml.Unmarshal([]byte("enable_trailing_stop: \"yes\"\nenable_tp_validation: false\n"), &fromYAML))
	assert.True(t, fromYAML.EnableTrailingStop.Bool())
	assert.False(t, fromYAML.EnableTpValidation.Bool())

	err := json.Unmarshal([]byte(`{"enable_trailing_stop":"maybe"}`), &risk)
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr), "invalid flag should be a configuration error")
}

// TestPhaseOrdering verifies phases only move forward.
func TestPhaseOrdering(t *testing.T) {
	assert.True(t, PhaseInitialRisk.CanAdvanceTo(PhaseTrailing))
	assert.True(t, PhaseTrailing.CanAdvanceTo(PhasePartialProfitTaken))
	assert.True(t, PhaseInitialRisk.CanAdvanceTo(PhasePartialProfitTaken))
	assert.False(t, PhaseTrailing.CanAdvanceTo(PhaseInitialRisk))
	assert.False(t, PhasePartialProfitTaken.CanAdvanceTo(PhaseTrailing))
	assert.False(t, PhaseTrailing.CanAdvanceTo(PhaseTrailing))
	assert.False(t, PhaseTrailing.CanAdvanceTo(Phase("BOGUS")))
}

func TestPositionPnlPct(t *testing.T) {
	long := Position{Symbol: "BTCUSDT", NetQuantity: 1, EntryPrice: 100, MarkPrice: 99}
	assert.InDelta(t, -10.0, long.PnlPct(10), 1e-9)

	short := Position{Symbol: "BTCUSDT", NetQuantity: -1, EntryPrice: 100, MarkPrice: 99}
	assert.InDelta(t, 10.0, short.PnlPct(10), 1e-9)
	assert.Equal(t, Short, short.Direction())
	assert.Equal(t, Buy, short.Direction().CloseSide())

	assert.True(t, math.IsNaN(long.PnlPct(0)))
}

func TestOrderTriggerPrice(t *testing.T) {
	o := Order{StopLossTriggerPrice: 95, LimitPrice: 94}
	assert.Equal(t, TriggerStopLoss, o.TriggerKind())
	assert.Equal(t, 95.0, o.TriggerPrice())

	o = Order{TakeProfitTriggerPrice: 120}
	assert.Equal(t, TriggerTakeProfit, o.TriggerKind())

	o = Order{LimitPrice: 101}
	assert.Equal(t, TriggerLimit, o.TriggerKind())
	assert.Equal(t, 101.0, o.TriggerPrice())

	assert.Equal(t, TriggerNone, Order{}.TriggerKind())
}

// TestIsRateLimit covers typed, status-based and text-based detection.
func TestIsRateLimit(t *testing.T) {
	typed := &RateLimitError{ExchangeAPIError: &ExchangeAPIError{Op: "GetOpenOrders", Code: -1003}}
	assert.True(t, IsRateLimit(typed))
	assert.True(t, IsExchangeAPI(typed), "rate limit error is also an exchange API error")

	wrapped := fmt.Errorf("cycle: %w", &ExchangeAPIError{Op: "GetAccount", Status: 429})
	assert.True(t, IsRateLimit(wrapped))

	assert.True(t, IsRateLimit(errors.New("Too Many Requests, slow down")))
	assert.False(t, IsRateLimit(errors.New("connection reset")))
	assert.False(t, IsRateLimit(nil))
}

func TestBotContextValidate(t *testing.T) {
	err := BotContext{}.Validate()
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "bot.id", cfgErr.Field)

	err = BotContext{ID: "bot-1"}.Validate()
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "bot.credentials", cfgErr.Field)

	assert.NoError(t, BotContext{ID: "bot-1", Credentials: Credentials{APIKey: "k", APISecret: "s"}}.Validate())
}
