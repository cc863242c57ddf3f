package models

import (
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Direction is the direction of an open position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// CloseSide returns the order side that reduces a position in this direction.
func (d Direction) CloseSide() Side {
	if d == Short {
		return Buy
	}
	return Sell
}

// Credentials 交易所 API 凭证
type Credentials struct {
	APIKey    string
	APISecret string
}

// Position is a read-only snapshot of one open position, refreshed every cycle.
type Position struct {
	Symbol        string  `json:"symbol"`
	NetQuantity   float64 `json:"net_quantity"` // signed, sign is the direction
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	RealizedPnl   float64 `json:"realized_pnl"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// Direction returns LONG for a positive net quantity and SHORT otherwise.
func (p Position) Direction() Direction {
	if p.NetQuantity < 0 {
		return Short
	}
	return Long
}

// AbsQuantity returns the unsigned position size.
func (p Position) AbsQuantity() float64 {
	return math.Abs(p.NetQuantity)
}

// IsOpen reports whether the position still holds any quantity.
func (p Position) IsOpen() bool {
	return p.NetQuantity != 0
}

// PnlPct returns the unrealized PnL as a percentage of initial margin.
// It returns NaN when the entry price is unusable.
func (p Position) PnlPct(leverage float64) float64 {
	if p.EntryPrice <= 0 || leverage <= 0 {
		return math.NaN()
	}
	move := (p.MarkPrice - p.EntryPrice) / p.EntryPrice * 100 * leverage
	if p.Direction() == Short {
		return -move
	}
	return move
}

// Market holds the per-symbol trading rules the engine needs.
type Market struct {
	Symbol   string  `json:"symbol"`
	TickSize string  `json:"tick_size"`
	StepSize string  `json:"step_size"`
	Leverage float64 `json:"leverage"`
}

// Account 账户信息: 默认杠杆与交易对规则
type Account struct {
	Leverage float64  `json:"leverage"`
	Markets  []Market `json:"markets"`
}

// Market returns the rules for a symbol, if known.
func (a *Account) Market(symbol string) (Market, bool) {
	if a == nil {
		return Market{}, false
	}
	for _, m := range a.Markets {
		if m.Symbol == symbol {
			return m, true
		}
	}
	return Market{}, false
}

// LeverageFor returns the symbol's leverage, falling back to the account default.
func (a *Account) LeverageFor(symbol string) float64 {
	if m, ok := a.Market(symbol); ok && m.Leverage > 0 {
		return m.Leverage
	}
	if a == nil {
		return 0
	}
	return a.Leverage
}

// Candle 一根K线
type Candle struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	CloseTime time.Time
}

// OrderKind 订单类型
type OrderKind string

const (
	OrderMarket     OrderKind = "MARKET"
	OrderLimit      OrderKind = "LIMIT"
	OrderStop       OrderKind = "STOP"
	OrderTakeProfit OrderKind = "TAKE_PROFIT"
)

// TriggerKind tells which price field of an order is populated.
type TriggerKind int

const (
	TriggerNone TriggerKind = iota
	TriggerStopLoss
	TriggerTakeProfit
	TriggerLimit
)

// Order is a live order resting on the exchange.
type Order struct {
	ID                     string    `json:"id"`
	ClientID               string    `json:"client_id"`
	Symbol                 string    `json:"symbol"`
	Side                   Side      `json:"side"`
	Kind                   OrderKind `json:"kind"`
	Quantity               float64   `json:"quantity"`
	LimitPrice             float64   `json:"limit_price,omitempty"`
	StopLossTriggerPrice   float64   `json:"stop_loss_trigger_price,omitempty"`
	TakeProfitTriggerPrice float64   `json:"take_profit_trigger_price,omitempty"`
	ReduceOnly             bool      `json:"reduce_only"`
}

// TriggerKind reports which trigger field is populated, checked in the order
// stop-loss, take-profit, limit.
func (o Order) TriggerKind() TriggerKind {
	switch {
	case o.StopLossTriggerPrice > 0:
		return TriggerStopLoss
	case o.TakeProfitTriggerPrice > 0:
		return TriggerTakeProfit
	case o.LimitPrice > 0:
		return TriggerLimit
	}
	return TriggerNone
}

// TriggerPrice returns the price at which the order acts.
func (o Order) TriggerPrice() float64 {
	switch o.TriggerKind() {
	case TriggerStopLoss:
		return o.StopLossTriggerPrice
	case TriggerTakeProfit:
		return o.TakeProfitTriggerPrice
	case TriggerLimit:
		return o.LimitPrice
	}
	return 0
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Kind         OrderKind
	Quantity     float64
	Price        float64 // limit price
	TriggerPrice float64 // stop / take-profit trigger
	ReduceOnly   bool
	ClientID     string
}

// Params flattens the request for logging and error reports.
func (r OrderRequest) Params() map[string]string {
	p := map[string]string{
		"symbol":     r.Symbol,
		"side":       string(r.Side),
		"kind":       string(r.Kind),
		"quantity":   strconv.FormatFloat(r.Quantity, 'f', -1, 64),
		"reduceOnly": strconv.FormatBool(r.ReduceOnly),
	}
	if r.Price > 0 {
		p["price"] = strconv.FormatFloat(r.Price, 'f', -1, 64)
	}
	if r.TriggerPrice > 0 {
		p["triggerPrice"] = strconv.FormatFloat(r.TriggerPrice, 'f', -1, 64)
	}
	if r.ClientID != "" {
		p["clientId"] = r.ClientID
	}
	return p
}

// Fields returns the request as zap fields.
func (r OrderRequest) Fields() []zap.Field {
	return []zap.Field{
		zap.String("symbol", r.Symbol),
		zap.String("side", string(r.Side)),
		zap.String("kind", string(r.Kind)),
		zap.Float64("quantity", r.Quantity),
		zap.Float64("price", r.Price),
		zap.Float64("triggerPrice", r.TriggerPrice),
		zap.Bool("reduceOnly", r.ReduceOnly),
		zap.String("clientId", r.ClientID),
	}
}
