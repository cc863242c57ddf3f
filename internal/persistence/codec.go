package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"
)

// CurrentSchemaVersion is the version written by encodeState.
const CurrentSchemaVersion = 2

// envelope wraps every persisted state with its schema version.
type envelope struct {
	Version int             `json:"v"`
	State   json.RawMessage `json:"state"`
}

type migration func(payload json.RawMessage) (json.RawMessage, error)

// migrations[n] upgrades a version-n payload to version n+1.
var migrations = map[int]migration{
	1: migrateV1ToV2,
}

func encodeState(state *models.TrailingState) ([]byte, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: CurrentSchemaVersion, State: payload})
}

// decodeState reads any known schema version and upgrades it to the current one.
// Values written before the envelope existed are treated as version 1.
func decodeState(data []byte) (*models.TrailingState, error) {
	if len(data) == 0 {
		return nil, errors.New("state value is empty in database")
	}

	var probe struct {
		Version *int            `json:"v"`
		State   json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode state envelope: %w", err)
	}

	version, payload := 1, json.RawMessage(data)
	if probe.Version != nil {
		version, payload = *probe.Version, probe.State
	}
	if version > CurrentSchemaVersion {
		return nil, fmt.Errorf("state schema version %d is newer than supported version %d", version, CurrentSchemaVersion)
	}

	for version < CurrentSchemaVersion {
		migrate, ok := migrations[version]
		if !ok {
			return nil, fmt.Errorf("no migration from state schema version %d", version)
		}
		var err error
		if payload, err = migrate(payload); err != nil {
			return nil, fmt.Errorf("migrate state from version %d: %w", version, err)
		}
		version++
	}

	var state models.TrailingState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// stateV1 is the flat legacy layout: camelCase keys, loosely typed booleans
// and a numeric or string order id.
type stateV1 struct {
	BotID                   string          `json:"botId"`
	Symbol                  string          `json:"symbol"`
	Phase                   string          `json:"phase"`
	IsLong                  models.Flag     `json:"isLong"`
	EntryPrice              float64         `json:"entryPrice"`
	InitialStopLossPrice    float64         `json:"initialStopLossPrice"`
	TrailingStopPrice       float64         `json:"trailingStopPrice"`
	HighestPrice            float64         `json:"highestPrice"`
	LowestPrice             float64         `json:"lowestPrice"`
	AtrValue                float64         `json:"atrValue"`
	AtrMultiplier           float64         `json:"atrMultiplier"`
	TakeProfitAtrMultiplier float64         `json:"takeProfitAtrMultiplier"`
	PartialTakeProfitPrice  float64         `json:"partialTakeProfitPrice"`
	OriginalQuantity        float64         `json:"originalQuantity"`
	TrailingStopOrderID     json.RawMessage `json:"trailingStopOrderId"`
	Activated               models.Flag     `json:"activated"`
	IsHybrid                models.Flag     `json:"isHybrid"`
	CreatedAt               string          `json:"createdAt"`
}

func migrateV1ToV2(payload json.RawMessage) (json.RawMessage, error) {
	var old stateV1
	if err := json.Unmarshal(payload, &old); err != nil {
		return nil, err
	}

	state := models.TrailingState{
		BotID:                   old.BotID,
		Symbol:                  old.Symbol,
		Phase:                   models.Phase(old.Phase),
		Direction:               models.Short,
		EntryPrice:              old.EntryPrice,
		InitialStopPrice:        old.InitialStopLossPrice,
		TrailingStopPrice:       old.TrailingStopPrice,
		HighestPrice:            old.HighestPrice,
		LowestPrice:             old.LowestPrice,
		AtrValue:                old.AtrValue,
		AtrMultiplier:           old.AtrMultiplier,
		TakeProfitAtrMultiplier: old.TakeProfitAtrMultiplier,
		PartialTakeProfitPrice:  old.PartialTakeProfitPrice,
		OriginalQuantity:        old.OriginalQuantity,
		ActiveStopOrderID:       rawOrderID(old.TrailingStopOrderID),
		Activated:               old.Activated.Bool(),
		Hybrid:                  old.IsHybrid.Bool(),
	}
	if old.IsLong.Bool() {
		state.Direction = models.Long
	}
	if state.Phase == "" {
		state.Phase = models.PhaseTrailing
		if state.Hybrid {
			state.Phase = models.PhaseInitialRisk
		}
	}
	if state.TrailingStopPrice == 0 {
		state.TrailingStopPrice = state.InitialStopPrice
	}
	if t, err := time.Parse(time.RFC3339, old.CreatedAt); err == nil {
		state.CreatedAt = t
		state.UpdatedAt = t
	}

	return json.Marshal(state)
}

func rawOrderID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
