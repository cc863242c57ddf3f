package models

import (
	"fmt"
	"time"
)

// Phase 定义了风控状态所处的生命周期阶段
type Phase string

const (
	PhaseInitialRisk        Phase = "INITIAL_RISK"
	PhaseTrailing           Phase = "TRAILING"
	PhasePartialProfitTaken Phase = "PARTIAL_PROFIT_TAKEN"
)

func (p Phase) rank() int {
	switch p {
	case PhaseInitialRisk:
		return 1
	case PhaseTrailing:
		return 2
	case PhasePartialProfitTaken:
		return 3
	}
	return 0
}

// CanAdvanceTo reports whether moving from p to next goes strictly forward.
func (p Phase) CanAdvanceTo(next Phase) bool {
	return next.rank() > 0 && next.rank() > p.rank()
}

// TrailingState 是每个 (botID, symbol) 唯一的风控状态
type TrailingState struct {
	BotID                   string    `json:"bot_id"`
	Symbol                  string    `json:"symbol"`
	Phase                   Phase     `json:"phase"`
	Direction               Direction `json:"direction"`
	EntryPrice              float64   `json:"entry_price"`
	InitialStopPrice        float64   `json:"initial_stop_price"`
	TrailingStopPrice       float64   `json:"trailing_stop_price"`
	HighestPrice            float64   `json:"highest_price"`
	LowestPrice             float64   `json:"lowest_price"`
	AtrValue                float64   `json:"atr_value,omitempty"`
	AtrMultiplier           float64   `json:"atr_multiplier,omitempty"`
	TakeProfitAtrMultiplier float64   `json:"take_profit_atr_multiplier,omitempty"`
	PartialTakeProfitPrice  float64   `json:"partial_take_profit_price,omitempty"`
	OriginalQuantity        float64   `json:"original_quantity"`
	ActiveStopOrderID       string    `json:"active_stop_order_id,omitempty"`
	TakeProfitOrderID       string    `json:"take_profit_order_id,omitempty"`
	Activated               bool      `json:"activated"`
	Hybrid                  bool      `json:"hybrid"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Clone returns an independent copy.
func (s *TrailingState) Clone() *TrailingState {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Extreme returns the favorable extreme tracked for the state's direction.
func (s *TrailingState) Extreme() float64 {
	if s.Direction == Short {
		return s.LowestPrice
	}
	return s.HighestPrice
}

// Key returns the unique identity of the state.
func (s *TrailingState) Key() string {
	return StateKey(s.BotID, s.Symbol)
}

// StateKey builds the (botID, symbol) identity.
func StateKey(botID, symbol string) string {
	return botID + "/" + symbol
}

// BotContext 机器人运行期间不可变的上下文
type BotContext struct {
	ID          string
	Credentials Credentials
	Strategy    Strategy
	Risk        RiskConfig
}

// Validate checks the bot-level fields a cycle cannot run without.
func (b BotContext) Validate() error {
	if b.ID == "" {
		return &ConfigurationError{Field: "bot.id", Msg: "missing bot id"}
	}
	if b.Credentials.APIKey == "" || b.Credentials.APISecret == "" {
		return &ConfigurationError{Field: "bot.credentials", Msg: fmt.Sprintf("missing credentials for bot %s", b.ID)}
	}
	return nil
}

// HybridEnabled reports whether the ATR hybrid stop mode is on.
func (b BotContext) HybridEnabled() bool {
	return b.Risk.EnableHybridStopStrategy.Bool()
}

// TrailingEnabled reports whether the state machine runs for this bot.
func (b BotContext) TrailingEnabled() bool {
	return b.Risk.EnableTrailingStop.Bool() || b.HybridEnabled()
}
