package trailing

import (
	"fmt"
	"math"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"go.uber.org/zap"
)

// Proposal 是一次价格更新后的建议结果, Next 总是输入状态的副本
type Proposal struct {
	Next      *models.TrailingState
	Candidate float64
	Changed   bool // a new favorable extreme was observed
	Improved  bool // the stop strictly moved in the position's favor
}

// Machine 负责每个持仓的止损生命周期: 初始化、跟踪、阶段推进
type Machine struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewMachine creates a state machine.
func NewMachine(logger *zap.Logger) *Machine {
	return &Machine{logger: logger, now: time.Now}
}

// FailSafeStop is the percentage stop: the price at which the leveraged loss
// reaches |maxNegPct|.
func FailSafeStop(entry, leverage, maxNegPct float64, dir models.Direction) float64 {
	offset := math.Abs(maxNegPct) / leverage / 100
	if dir == models.Short {
		return entry * (1 + offset)
	}
	return entry * (1 - offset)
}

// TacticalStop is the ATR based stop, mult ATRs away from entry.
func TacticalStop(entry, atr, mult float64, dir models.Direction) float64 {
	if dir == models.Short {
		return entry + atr*mult
	}
	return entry - atr*mult
}

// IsBetter reports whether candidate is strictly tighter than current for dir.
// A non-positive current counts as "no stop".
func IsBetter(candidate, current float64, dir models.Direction) bool {
	if current <= 0 {
		return candidate > 0
	}
	if dir == models.Short {
		return candidate < current
	}
	return candidate > current
}

// safer returns the more protective of the two stops.
func safer(a, b float64, dir models.Direction) float64 {
	if dir == models.Short {
		return math.Min(a, b)
	}
	return math.Max(a, b)
}

// Init builds the first state for a position. It returns (nil, nil) when the
// traditional mode is not yet allowed to start (position still under water).
func (m *Machine) Init(botID string, pos models.Position, leverage float64, risk models.RiskConfig, atr float64) (*models.TrailingState, error) {
	if leverage <= 0 {
		return nil, &models.MarketDataError{Symbol: pos.Symbol, Msg: "missing leverage"}
	}
	if err := models.CheckFinite("init", pos.EntryPrice, pos.MarkPrice, risk.MaxNegativePnlStopPct); err != nil {
		return nil, err
	}
	if pos.EntryPrice <= 0 || !pos.IsOpen() {
		return nil, &models.MarketDataError{Symbol: pos.Symbol, Msg: "position has no usable entry price"}
	}

	dir := pos.Direction()
	hybrid := risk.EnableHybridStopStrategy.Bool()
	failSafe := FailSafeStop(pos.EntryPrice, leverage, risk.MaxNegativePnlStopPct, dir)
	now := m.now()

	state := &models.TrailingState{
		BotID:            botID,
		Symbol:           pos.Symbol,
		Direction:        dir,
		EntryPrice:       pos.EntryPrice,
		HighestPrice:     pos.MarkPrice,
		LowestPrice:      pos.MarkPrice,
		OriginalQuantity: pos.AbsQuantity(),
		Activated:        true,
		Hybrid:           hybrid,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if !hybrid {
		if pos.PnlPct(leverage) < 0 {
			return nil, nil
		}
		state.Phase = models.PhaseTrailing
		state.InitialStopPrice = failSafe
	} else {
		if atr <= 0 || models.CheckFinite("atr", atr) != nil {
			return nil, &models.MarketDataError{Symbol: pos.Symbol, Msg: fmt.Sprintf("invalid ATR %v", atr)}
		}
		tactical := TacticalStop(pos.EntryPrice, atr, risk.InitialStopAtrMultiplier, dir)
		tp := pos.EntryPrice + atr*risk.TakeProfitAtrMultiplier
		if dir == models.Short {
			tp = pos.EntryPrice - atr*risk.TakeProfitAtrMultiplier
		}
		state.Phase = models.PhaseInitialRisk
		state.InitialStopPrice = safer(tactical, failSafe, dir)
		state.AtrValue = atr
		state.AtrMultiplier = risk.InitialStopAtrMultiplier
		state.TakeProfitAtrMultiplier = risk.TakeProfitAtrMultiplier
		state.PartialTakeProfitPrice = tp
	}
	state.TrailingStopPrice = state.InitialStopPrice

	if err := models.CheckFinite("init", state.InitialStopPrice, state.PartialTakeProfitPrice); err != nil {
		return nil, err
	}
	if state.InitialStopPrice <= 0 {
		return nil, &models.NumericError{Op: "init", Value: state.InitialStopPrice}
	}

	m.logger.Info("Trailing state initialized",
		zap.String("botId", botID),
		zap.String("symbol", pos.Symbol),
		zap.String("phase", string(state.Phase)),
		zap.String("direction", string(dir)),
		zap.Float64("initialStop", state.InitialStopPrice),
		zap.Float64("failSafe", failSafe),
	)
	return state, nil
}

// Update tracks the favorable extreme and proposes a tighter stop. The input
// state is never mutated.
func (m *Machine) Update(state *models.TrailingState, price float64, risk models.RiskConfig) (Proposal, error) {
	if state == nil {
		return Proposal{}, fmt.Errorf("update: nil state")
	}
	if err := models.CheckFinite("update", price, risk.TrailingStopDistance); err != nil {
		return Proposal{Next: state.Clone()}, err
	}
	if price <= 0 {
		return Proposal{Next: state.Clone()}, &models.MarketDataError{Symbol: state.Symbol, Msg: "non-positive price"}
	}

	next := state.Clone()
	long := state.Direction != models.Short

	var extreme float64
	switch {
	case long && price > state.HighestPrice:
		next.HighestPrice = price
		extreme = price
	case !long && (state.LowestPrice <= 0 || price < state.LowestPrice):
		next.LowestPrice = price
		extreme = price
	default:
		return Proposal{Next: next}, nil
	}

	offset := risk.TrailingStopDistance / 100
	candidate := extreme * (1 - offset)
	if !long {
		candidate = extreme * (1 + offset)
	}
	if err := models.CheckFinite("candidate", candidate); err != nil {
		return Proposal{Next: state.Clone()}, err
	}

	p := Proposal{Next: next, Candidate: candidate, Changed: true}
	if IsBetter(candidate, state.TrailingStopPrice, state.Direction) {
		next.TrailingStopPrice = candidate
		p.Improved = true
	}
	next.UpdatedAt = m.now()
	return p, nil
}

// AdvancePhase moves state forward to phase. Backward or same-phase moves are
// rejected and logged; the returned bool tells whether the move happened.
func (m *Machine) AdvancePhase(state *models.TrailingState, to models.Phase) (*models.TrailingState, bool) {
	if state == nil {
		return nil, false
	}
	if !state.Phase.CanAdvanceTo(to) {
		m.logger.Warn("Rejected phase regression",
			zap.String("botId", state.BotID),
			zap.String("symbol", state.Symbol),
			zap.String("from", string(state.Phase)),
			zap.String("to", string(to)),
		)
		return state, false
	}
	next := state.Clone()
	next.Phase = to
	next.UpdatedAt = m.now()
	return next, true
}
