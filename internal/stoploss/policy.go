package stoploss

import (
	"fmt"
	"math"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"go.uber.org/zap"
)

// Kind distinguishes the type of close a Decision asks for.
type Kind string

const (
	KindStopLoss          Kind = "stop_loss"
	KindPartialTakeProfit Kind = "partial_take_profit"
	KindTrailingStop      Kind = "trailing_stop"
)

// Decision is the outcome of a policy run. A nil *Decision means "no decision".
type Decision struct {
	ShouldClose     bool
	Reason          string
	Kind            Kind
	ClosePercentage float64 // only for KindPartialTakeProfit
}

// IsPartial reports whether the decision closes only part of the position.
func (d *Decision) IsPartial() bool {
	return d != nil && d.Kind == KindPartialTakeProfit
}

// Input is everything a policy may look at for one position.
type Input struct {
	Position models.Position
	Account  *models.Account
	Market   models.Market
	Config   models.RiskConfig
}

// Policy decides whether a position must be closed. Implementations are stateless.
type Policy interface {
	Decide(in Input) *Decision
}

// validate returns the position's PnL percentage, or false when the input
// cannot support a decision.
func validate(in Input, logger *zap.Logger) (float64, bool) {
	symbol := in.Position.Symbol
	if symbol == "" || in.Position.NetQuantity == 0 {
		logger.Warn("Stop-loss skipped: position without symbol or quantity", zap.String("symbol", symbol))
		return 0, false
	}

	leverage := in.Account.LeverageFor(symbol)
	if leverage <= 0 {
		logger.Warn("Stop-loss skipped: missing leverage", zap.String("symbol", symbol))
		return 0, false
	}

	pnlPct := in.Position.PnlPct(leverage)
	if err := models.CheckFinite("pnlPct", pnlPct); err != nil {
		logger.Warn("Stop-loss skipped: PnL is not finite", zap.String("symbol", symbol), zap.Error(err))
		return 0, false
	}
	if err := models.CheckFinite("maxNegativePnlStopPct", in.Config.MaxNegativePnlStopPct); err != nil {
		logger.Warn("Stop-loss skipped: threshold is not finite", zap.String("symbol", symbol), zap.Error(err))
		return 0, false
	}
	return pnlPct, true
}

// PercentagePolicy closes a position once its PnL falls to the configured
// loss ceiling. With take-profit validation enabled it may also ask for a
// partial close once profit clears the configured minimum.
type PercentagePolicy struct {
	logger *zap.Logger
}

// NewPercentagePolicy creates a PercentagePolicy.
func NewPercentagePolicy(logger *zap.Logger) *PercentagePolicy {
	return &PercentagePolicy{logger: logger}
}

// Decide implements Policy.
func (p *PercentagePolicy) Decide(in Input) *Decision {
	pnlPct, ok := validate(in, p.logger)
	if !ok {
		return nil
	}

	cfg := in.Config
	limit := -math.Abs(cfg.MaxNegativePnlStopPct)
	if limit != 0 && pnlPct <= limit {
		return &Decision{
			ShouldClose: true,
			Kind:        KindStopLoss,
			Reason:      fmt.Sprintf("PnL %.2f%% reached stop-loss limit %.2f%%", pnlPct, limit),
		}
	}

	if cfg.EnableTpValidation.Bool() && pnlPct > 0 &&
		cfg.MinTakeProfitPct > 0 && cfg.PartialTakeProfitPercentage > 0 &&
		pnlPct >= cfg.MinTakeProfitPct {
		return &Decision{
			ShouldClose:     true,
			Kind:            KindPartialTakeProfit,
			ClosePercentage: cfg.PartialTakeProfitPercentage,
			Reason:          fmt.Sprintf("PnL %.2f%% cleared minimum take-profit %.2f%%", pnlPct, cfg.MinTakeProfitPct),
		}
	}
	return nil
}

// CrossoverPolicy never decides. Strategies using it exit on an indicator
// crossover handled by the take-profit monitor, so closing is deferred there.
type CrossoverPolicy struct{}

// Decide implements Policy and always returns nil.
func (CrossoverPolicy) Decide(Input) *Decision {
	return nil
}

// CheckTrailingTrigger reports a close when price has crossed an activated
// trailing stop: at or below it for longs, at or above it for shorts.
func CheckTrailingTrigger(state *models.TrailingState, price float64) *Decision {
	if state == nil || !state.Activated || state.TrailingStopPrice <= 0 {
		return nil
	}
	if models.CheckFinite("price", price) != nil || price <= 0 {
		return nil
	}

	stop := state.TrailingStopPrice
	crossed := price <= stop
	if state.Direction == models.Short {
		crossed = price >= stop
	}
	if !crossed {
		return nil
	}
	return &Decision{
		ShouldClose: true,
		Kind:        KindTrailingStop,
		Reason:      fmt.Sprintf("price %g crossed trailing stop %g", price, stop),
	}
}
