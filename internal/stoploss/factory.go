package stoploss

import (
	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"go.uber.org/zap"
)

// ForStrategy resolves the stop-loss policy of a strategy.
//
// The second return value is false when the strategy bypasses this layer:
// ALPHA_FLOW computes its stop-loss inside its own trade-intent producer.
// Unknown strategies log a warning and fall back to the percentage policy.
func ForStrategy(strategy models.Strategy, logger *zap.Logger) (Policy, bool) {
	switch strategy {
	case models.StrategyDefault:
		return NewPercentagePolicy(logger), true
	case models.StrategyProMax:
		return CrossoverPolicy{}, true
	case models.StrategyAlphaFlow:
		return nil, false
	default:
		logger.Warn("Unknown strategy, falling back to percentage stop-loss", zap.String("strategy", string(strategy)))
		return NewPercentagePolicy(logger), true
	}
}
