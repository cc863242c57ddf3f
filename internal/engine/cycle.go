package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/events"
	"github.com/OvictorVieira/backbot-sub005/internal/metrics"
	"github.com/OvictorVieira/backbot-sub005/internal/models"
	"github.com/OvictorVieira/backbot-sub005/internal/reconciler"
	"github.com/OvictorVieira/backbot-sub005/internal/stoploss"

	"go.uber.org/zap"
)

// RunCycle 执行机器人的一次完整风控周期
//
// Exchange errors on the position or account fetch are returned so the
// scheduler can back off. Per-position failures are logged and isolated; a
// rate limit hit while processing positions is still returned after the loop.
func (e *Engine) RunCycle(ctx context.Context, botID string) error {
	rt, ok := e.registry.Get(botID)
	if !ok {
		return fmt.Errorf("bot %s is not running", botID)
	}
	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	positions, err := rt.client.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("bot %s: get positions: %w", botID, err)
	}
	account, err := rt.client.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("bot %s: get account: %w", botID, err)
	}
	rt.setSnapshot(positions, account)

	var throttled error
	for _, pos := range positions {
		if !pos.IsOpen() {
			continue
		}
		if err := e.safeProcess(ctx, rt, pos, account); err != nil {
			e.logger.Warn("Position processing failed",
				zap.String("botId", botID),
				zap.String("symbol", pos.Symbol),
				zap.Error(err),
			)
			if throttled == nil && models.IsRateLimit(err) {
				throttled = err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if _, err := e.CleanupOrphans(ctx, botID, positions); err != nil {
		return err
	}
	return throttled
}

// safeProcess isolates one position: a panic is logged and turned into an error.
func (e *Engine) safeProcess(ctx context.Context, rt *botRuntime, pos models.Position, account *models.Account) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Position processing panicked",
				zap.String("botId", rt.bot.ID),
				zap.String("symbol", pos.Symbol),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("position %s panicked: %v", pos.Symbol, r)
		}
	}()
	return e.processPosition(ctx, rt, pos, account)
}

// processPosition 严格按顺序执行: 策略止损 -> 轨迹更新 -> 对账 -> 持久化
func (e *Engine) processPosition(ctx context.Context, rt *botRuntime, pos models.Position, account *models.Account) error {
	unlock := rt.lockSymbol(pos.Symbol)
	defer unlock()

	botID := rt.bot.ID
	state := rt.state(pos.Symbol)
	if state == nil {
		recovered, err := e.RecoverOne(botID, pos.Symbol)
		if err != nil {
			return err
		}
		state = recovered
	}

	// 1. 策略止损
	if !rt.bypass {
		market, _ := account.Market(pos.Symbol)
		decision := rt.policy.Decide(stoploss.Input{
			Position: pos,
			Account:  account,
			Market:   market,
			Config:   rt.bot.Risk,
		})
		if decision.IsPartial() && !e.partialAllowed(rt, state, pos.Symbol) {
			decision = nil
		}
		if decision == nil {
			decision = stoploss.CheckTrailingTrigger(state, pos.MarkPrice)
		}
		if decision != nil && decision.ShouldClose {
			if decision.IsPartial() {
				return e.takePartial(ctx, rt, pos, state, decision)
			}
			return e.closePosition(ctx, rt, pos, state, decision)
		}
	}

	// 2. 轨迹止损
	if !rt.bot.TrailingEnabled() {
		return nil
	}

	var (
		next     *models.TrailingState
		previous float64
		fresh    bool
		improved bool
	)
	if state == nil {
		atr := 0.0
		if rt.bot.HybridEnabled() {
			if e.atr == nil {
				return &models.MarketDataError{Symbol: pos.Symbol, Msg: "no ATR source configured"}
			}
			v, err := e.atr.GetATR(ctx, pos.Symbol, rt.bot.Risk.AtrTimeframe)
			if err != nil {
				return err
			}
			atr = v
		}
		initial, err := e.machine.Init(botID, pos, account.LeverageFor(pos.Symbol), rt.bot.Risk, atr)
		if err != nil {
			return err
		}
		if initial == nil {
			return nil // 传统模式下仓位仍在亏损, 暂不激活
		}
		next, fresh = initial, true
	} else {
		proposal, err := e.machine.Update(state, pos.MarkPrice, rt.bot.Risk)
		if err != nil {
			return err
		}
		if !proposal.Changed {
			return nil
		}
		next, improved = proposal.Next, proposal.Improved
		previous = state.TrailingStopPrice
	}

	// 3. 对账
	activeID := next.ActiveStopOrderID
	var res reconciler.Result
	if fresh || improved {
		var err error
		res, err = rt.reconciler.Reconcile(ctx, pos, next.TrailingStopPrice, state)
		if err != nil {
			return err
		}
		switch {
		case res.Replaced:
			activeID = res.OrderID
		case res.Existing != nil:
			activeID = res.Existing.ID
		}
	}

	// 4. 持久化
	if !rt.running.Load() {
		e.logger.Info("Bot stopped mid-cycle, discarding result",
			zap.String("botId", botID), zap.String("symbol", pos.Symbol))
		return nil
	}
	next.ActiveStopOrderID = activeID
	if err := e.store.Upsert(botID, pos.Symbol, next, activeID); err != nil {
		return fmt.Errorf("persist %s/%s: %w", botID, pos.Symbol, err)
	}
	rt.setState(next)

	if fresh {
		e.syncSubscription(pos.Symbol)
		e.emitter.Emit(events.Event{
			Type:    events.StateActivated,
			BotID:   botID,
			Symbol:  pos.Symbol,
			Price:   pos.MarkPrice,
			NewStop: next.TrailingStopPrice,
			OrderID: activeID,
			Phase:   next.Phase,
		})
	} else if improved && res.Replaced {
		metrics.StopMoves.WithLabelValues(botID).Inc()
		e.emitter.Emit(events.Event{
			Type:         events.StopMoved,
			BotID:        botID,
			Symbol:       pos.Symbol,
			Price:        pos.MarkPrice,
			PreviousStop: previous,
			NewStop:      next.TrailingStopPrice,
			OrderID:      activeID,
			Phase:        next.Phase,
		})
	}
	return nil
}

// partialAllowed reports whether a partial close may still run. With a state
// the phase records it, otherwise the runtime remembers it until the position
// is gone.
func (e *Engine) partialAllowed(rt *botRuntime, state *models.TrailingState, symbol string) bool {
	if state != nil {
		return state.Phase.CanAdvanceTo(models.PhasePartialProfitTaken)
	}
	return !rt.partialTaken(symbol)
}

// closePosition 以 reduce-only 市价单全部平仓并删除状态
func (e *Engine) closePosition(ctx context.Context, rt *botRuntime, pos models.Position, state *models.TrailingState, decision *stoploss.Decision) error {
	botID := rt.bot.ID
	req := models.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Direction().CloseSide(),
		Kind:       models.OrderMarket,
		Quantity:   pos.AbsQuantity(),
		ReduceOnly: true,
	}
	order, err := rt.client.CreateOrder(ctx, req)
	if err != nil {
		fields := append([]zap.Field{zap.String("botId", botID), zap.String("reason", decision.Reason), zap.Error(err)}, req.Fields()...)
		e.logger.Error("Failed to close position", fields...)
		return fmt.Errorf("close %s: %w", pos.Symbol, err)
	}

	e.logger.Warn("Position closed",
		zap.String("botId", botID),
		zap.String("symbol", pos.Symbol),
		zap.String("kind", string(decision.Kind)),
		zap.String("reason", decision.Reason),
		zap.Float64("price", pos.MarkPrice),
	)
	e.emitter.Emit(events.Event{
		Type:    events.StopTriggered,
		BotID:   botID,
		Symbol:  pos.Symbol,
		Price:   pos.MarkPrice,
		OrderID: order.ID,
		Reason:  decision.Reason,
	})

	if state != nil && state.ActiveStopOrderID != "" {
		if err := rt.client.CancelOrder(ctx, pos.Symbol, state.ActiveStopOrderID); err != nil {
			e.logger.Debug("Protective stop already gone", zap.String("orderId", state.ActiveStopOrderID), zap.Error(err))
		}
	}
	if !rt.running.Load() {
		return nil
	}
	if err := e.store.Delete(botID, pos.Symbol); err != nil {
		return fmt.Errorf("delete state %s/%s: %w", botID, pos.Symbol, err)
	}
	rt.deleteState(pos.Symbol)
	e.syncSubscription(pos.Symbol)
	return nil
}

// takePartial 平掉 ClosePercentage 的仓位, 撤掉挂着的止盈单, 并把状态推进到 PARTIAL_PROFIT_TAKEN
func (e *Engine) takePartial(ctx context.Context, rt *botRuntime, pos models.Position, state *models.TrailingState, decision *stoploss.Decision) error {
	botID := rt.bot.ID
	qty := pos.AbsQuantity() * decision.ClosePercentage / 100
	if err := models.CheckFinite("partialQuantity", qty); err != nil {
		return err
	}
	req := models.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Direction().CloseSide(),
		Kind:       models.OrderMarket,
		Quantity:   qty,
		ReduceOnly: true,
	}
	order, err := rt.client.CreateOrder(ctx, req)
	if err != nil {
		fields := append([]zap.Field{zap.String("botId", botID), zap.Error(err)}, req.Fields()...)
		e.logger.Error("Failed to take partial profit", fields...)
		return fmt.Errorf("partial close %s: %w", pos.Symbol, err)
	}

	e.emitter.Emit(events.Event{
		Type:    events.PartialTakeProfit,
		BotID:   botID,
		Symbol:  pos.Symbol,
		Price:   pos.MarkPrice,
		OrderID: order.ID,
		Reason:  decision.Reason,
	})

	if state == nil {
		rt.markPartial(pos.Symbol)
		return nil
	}

	next := state.Clone()
	// 混合模式的止盈单仍挂着, 成交后会把剩余仓位一起平掉
	if next.TakeProfitOrderID != "" {
		if err := rt.client.CancelOrder(ctx, pos.Symbol, next.TakeProfitOrderID); err != nil {
			e.logger.Debug("Partial take-profit order already gone",
				zap.String("botId", botID),
				zap.String("orderId", next.TakeProfitOrderID),
				zap.Error(err),
			)
		}
		next.TakeProfitOrderID = ""
	}

	// 阶段逐级推进: INITIAL_RISK -> TRAILING -> PARTIAL_PROFIT_TAKEN
	var advanced []models.Phase
	for _, phase := range []models.Phase{models.PhaseTrailing, models.PhasePartialProfitTaken} {
		if !next.Phase.CanAdvanceTo(phase) {
			continue
		}
		step, ok := e.machine.AdvancePhase(next, phase)
		if !ok {
			break
		}
		next = step
		advanced = append(advanced, phase)
	}
	if !rt.running.Load() {
		return nil
	}
	if err := e.store.Upsert(botID, pos.Symbol, next, next.ActiveStopOrderID); err != nil {
		return fmt.Errorf("persist %s/%s: %w", botID, pos.Symbol, err)
	}
	rt.setState(next)
	for _, phase := range advanced {
		e.emitter.Emit(events.Event{
			Type:   events.PhaseAdvanced,
			BotID:  botID,
			Symbol: pos.Symbol,
			Price:  pos.MarkPrice,
			Reason: decision.Reason,
			Phase:  phase,
		})
	}
	return nil
}
