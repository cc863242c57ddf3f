package persistence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWritesEnvelope(t *testing.T) {
	data, err := encodeState(sampleState("bot-1", "BTCUSDT"))
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, CurrentSchemaVersion, env.Version)
	assert.NotEmpty(t, env.State)
}

// TestDecodeMigratesLegacyBlob reads an unversioned value written by the
// previous layout and checks every field lands in the current struct.
func TestDecodeMigratesLegacyBlob(t *testing.T) {
	legacy := `{
		"botId": "bot-9",
		"symbol": "SOLUSDT",
		"isLong": "false",
		"entryPrice": 150,
		"initialStopLossPrice": 153,
		"trailingStopPrice": 0,
		"lowestPrice": 148,
		"atrValue": 1.5,
		"atrMultiplier": 2,
		"takeProfitAtrMultiplier": 3,
		"partialTakeProfitPrice": 145.5,
		"originalQuantity": 4,
		"trailingStopOrderId": 8389765521234567,
		"activated": "true",
		"isHybrid": "1",
		"createdAt": "2025-11-02T08:30:00Z"
	}`

	state, err := decodeState([]byte(legacy))
	require.NoError(t, err)

	assert.Equal(t, "bot-9", state.BotID)
	assert.Equal(t, models.Short, state.Direction)
	assert.Equal(t, models.PhaseInitialRisk, state.Phase, "hybrid legacy state without a phase starts at initial risk")
	assert.Equal(t, 153.0, state.TrailingStopPrice, "missing trailing stop falls back to the initial stop")
	assert.Equal(t, "8389765521234567", state.ActiveStopOrderID)
	assert.True(t, state.Activated)
	assert.True(t, state.Hybrid)
	assert.Equal(t, time.Date(2025, 11, 2, 8, 30, 0, 0, time.UTC), state.CreatedAt.UTC())
}

func TestDecodeMigratesStringOrderID(t *testing.T) {
	state, err := decodeState([]byte(`{"botId":"b","symbol":"X","isLong":true,"trailingStopOrderId":"abc","phase":"TRAILING"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", state.ActiveStopOrderID)
	assert.Equal(t, models.Long, state.Direction)
	assert.Equal(t, models.PhaseTrailing, state.Phase)
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	_, err := decodeState([]byte(`{"v": 99, "state": {}}`))
	assert.Error(t, err)

	_, err = decodeState(nil)
	assert.Error(t, err)
}
