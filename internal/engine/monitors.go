package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/OvictorVieira/backbot-sub005/internal/events"
	"github.com/OvictorVieira/backbot-sub005/internal/models"
	"github.com/OvictorVieira/backbot-sub005/internal/reconciler"
	"github.com/OvictorVieira/backbot-sub005/internal/stoploss"

	"go.uber.org/zap"
)

// defaultPartialTakeProfitPct 未配置时止盈单平掉的仓位比例
const defaultPartialTakeProfitPct = 50

// quantityTolerance absorbs float noise when comparing position sizes.
const quantityTolerance = 1e-9

func (e *Engine) openPositions(ctx context.Context, rt *botRuntime) (map[string]models.Position, error) {
	positions, err := rt.client.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("bot %s: get positions: %w", rt.bot.ID, err)
	}
	open := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		if p.IsOpen() {
			open[p.Symbol] = p
		}
	}
	return open, nil
}

// CheckPendingOrders 确保每个有状态的持仓都有一张有效的保护止损单, 缺失时按状态中的止损价重建
func (e *Engine) CheckPendingOrders(ctx context.Context, botID string) error {
	rt, ok := e.registry.Get(botID)
	if !ok {
		return fmt.Errorf("bot %s is not running", botID)
	}
	open, err := e.openPositions(ctx, rt)
	if err != nil {
		return err
	}

	var firstErr error
	for _, s := range rt.snapshot() {
		pos, ok := open[s.Symbol]
		if !ok {
			continue
		}
		if err := e.ensureStop(ctx, rt, pos); err != nil {
			e.logger.Warn("Pending order check failed", zap.String("botId", botID), zap.String("symbol", s.Symbol), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) ensureStop(ctx context.Context, rt *botRuntime, pos models.Position) error {
	unlock := rt.lockSymbol(pos.Symbol)
	defer unlock()

	state := rt.state(pos.Symbol)
	if state == nil || state.TrailingStopPrice <= 0 {
		return nil
	}
	// 止损价已被穿越, 交给下一个周期平仓
	if stoploss.CheckTrailingTrigger(state, pos.MarkPrice) != nil {
		return nil
	}

	orders, err := rt.client.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	activeID := state.ActiveStopOrderID
	if existing := reconciler.FindProtective(orders, pos, activeID); existing != nil {
		if existing.ID == activeID {
			return nil
		}
		activeID = existing.ID
		e.logger.Info("Adopting live protective order", zap.String("botId", rt.bot.ID), zap.String("symbol", pos.Symbol), zap.String("orderId", activeID))
	} else {
		res, err := rt.reconciler.Reconcile(ctx, pos, state.TrailingStopPrice, nil)
		if err != nil {
			return err
		}
		if !res.Replaced {
			return nil
		}
		activeID = res.OrderID
		e.logger.Warn("Recreated missing protective stop",
			zap.String("botId", rt.bot.ID),
			zap.String("symbol", pos.Symbol),
			zap.String("orderId", activeID),
			zap.Float64("stop", state.TrailingStopPrice),
		)
	}

	if !rt.running.Load() {
		return nil
	}
	state.ActiveStopOrderID = activeID
	if err := e.store.Upsert(rt.bot.ID, pos.Symbol, state, activeID); err != nil {
		return fmt.Errorf("persist %s/%s: %w", rt.bot.ID, pos.Symbol, err)
	}
	rt.setState(state)
	return nil
}

// CheckOrphanOrders 撤销没有持仓的保护单以及重复的止损单, 然后清理孤儿状态
func (e *Engine) CheckOrphanOrders(ctx context.Context, botID string) error {
	rt, ok := e.registry.Get(botID)
	if !ok {
		return fmt.Errorf("bot %s is not running", botID)
	}
	positions, err := rt.client.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("bot %s: get positions: %w", botID, err)
	}
	open := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		if p.IsOpen() {
			open[p.Symbol] = p
		}
	}

	orders, err := rt.client.GetOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("bot %s: get open orders: %w", botID, err)
	}
	bySymbol := make(map[string][]models.Order)
	for _, o := range orders {
		if o.ReduceOnly && o.TriggerKind() != models.TriggerNone {
			bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
		}
	}

	var firstErr error
	for symbol, list := range bySymbol {
		if err := e.sweepSymbol(ctx, rt, symbol, list, open); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	_, err = e.CleanupOrphans(ctx, botID, positions)
	return err
}

func (e *Engine) sweepSymbol(ctx context.Context, rt *botRuntime, symbol string, orders []models.Order, open map[string]models.Position) error {
	unlock := rt.lockSymbol(symbol)
	defer unlock()

	pos, hasPosition := open[symbol]
	state := rt.state(symbol)

	var firstErr error
	for _, o := range orders {
		reason := ""
		switch {
		case !hasPosition:
			reason = "no open position"
		case state != nil && state.ActiveStopOrderID != "" && o.ID != state.ActiveStopOrderID &&
			o.ID != state.TakeProfitOrderID && o.TriggerKind() == models.TriggerStopLoss &&
			o.Side == pos.Direction().CloseSide():
			reason = "duplicate protective stop"
		default:
			continue
		}

		if err := rt.client.CancelOrder(ctx, symbol, o.ID); err != nil {
			e.logger.Warn("Failed to cancel orphan order", zap.String("botId", rt.bot.ID), zap.String("symbol", symbol), zap.String("orderId", o.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.logger.Info("Cancelled orphan order",
			zap.String("botId", rt.bot.ID),
			zap.String("symbol", symbol),
			zap.String("orderId", o.ID),
			zap.String("reason", reason),
		)
	}
	return firstErr
}

// CheckTakeProfit 管理混合模式 INITIAL_RISK 阶段的部分止盈单, 成交后推进到 TRAILING
func (e *Engine) CheckTakeProfit(ctx context.Context, botID string) error {
	rt, ok := e.registry.Get(botID)
	if !ok {
		return fmt.Errorf("bot %s is not running", botID)
	}
	open, err := e.openPositions(ctx, rt)
	if err != nil {
		return err
	}

	var firstErr error
	for _, s := range rt.snapshot() {
		if !s.Hybrid || s.Phase != models.PhaseInitialRisk {
			continue
		}
		pos, ok := open[s.Symbol]
		if !ok {
			continue
		}
		if err := e.manageTakeProfit(ctx, rt, pos); err != nil {
			e.logger.Warn("Take-profit check failed", zap.String("botId", botID), zap.String("symbol", s.Symbol), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) manageTakeProfit(ctx context.Context, rt *botRuntime, pos models.Position) error {
	unlock := rt.lockSymbol(pos.Symbol)
	defer unlock()

	botID := rt.bot.ID
	state := rt.state(pos.Symbol)
	if state == nil || state.Phase != models.PhaseInitialRisk || state.PartialTakeProfitPrice <= 0 {
		return nil
	}

	// 仓位减少说明部分止盈已成交
	if state.TakeProfitOrderID != "" && pos.AbsQuantity() < state.OriginalQuantity-quantityTolerance {
		next, ok := e.machine.AdvancePhase(state, models.PhaseTrailing)
		if !ok || !rt.running.Load() {
			return nil
		}
		if err := e.store.Upsert(botID, pos.Symbol, next, next.ActiveStopOrderID); err != nil {
			return fmt.Errorf("persist %s/%s: %w", botID, pos.Symbol, err)
		}
		rt.setState(next)
		e.emitter.Emit(events.Event{
			Type:    events.PhaseAdvanced,
			BotID:   botID,
			Symbol:  pos.Symbol,
			Price:   pos.MarkPrice,
			OrderID: state.TakeProfitOrderID,
			Reason:  "partial take-profit filled",
			Phase:   next.Phase,
		})
		return nil
	}

	orders, err := rt.client.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if findTakeProfit(orders, state, pos) != nil {
		return nil
	}

	pct := rt.bot.Risk.PartialTakeProfitPercentage
	if pct <= 0 {
		pct = defaultPartialTakeProfitPct
	}
	req := models.OrderRequest{
		Symbol:       pos.Symbol,
		Side:         pos.Direction().CloseSide(),
		Kind:         models.OrderTakeProfit,
		Quantity:     math.Min(state.OriginalQuantity, pos.AbsQuantity()) * pct / 100,
		TriggerPrice: state.PartialTakeProfitPrice,
		ReduceOnly:   true,
		ClientID:     reconciler.NewClientID(),
	}
	order, err := rt.client.CreateOrder(ctx, req)
	if err != nil {
		fields := append([]zap.Field{zap.String("botId", botID), zap.Error(err)}, req.Fields()...)
		e.logger.Error("Failed to place partial take-profit", fields...)
		return err
	}

	if !rt.running.Load() {
		return nil
	}
	state.TakeProfitOrderID = order.ID
	if err := e.store.Upsert(botID, pos.Symbol, state, state.ActiveStopOrderID); err != nil {
		return fmt.Errorf("persist %s/%s: %w", botID, pos.Symbol, err)
	}
	rt.setState(state)
	e.logger.Info("Partial take-profit placed",
		zap.String("botId", botID),
		zap.String("symbol", pos.Symbol),
		zap.String("orderId", order.ID),
		zap.Float64("price", state.PartialTakeProfitPrice),
		zap.Float64("quantity", req.Quantity),
	)
	return nil
}

// findTakeProfit returns the live partial take-profit order of state.
func findTakeProfit(orders []models.Order, state *models.TrailingState, pos models.Position) *models.Order {
	closeSide := pos.Direction().CloseSide()
	for i := range orders {
		o := orders[i]
		if state.TakeProfitOrderID != "" && o.ID == state.TakeProfitOrderID {
			return &orders[i]
		}
		if o.ReduceOnly && o.Side == closeSide && o.TriggerKind() == models.TriggerTakeProfit &&
			math.Abs(o.TriggerPrice()-state.PartialTakeProfitPrice) <= state.PartialTakeProfitPrice*1e-6 {
			return &orders[i]
		}
	}
	return nil
}
