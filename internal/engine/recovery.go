package engine

import (
	"context"
	"sort"

	"github.com/OvictorVieira/backbot-sub005/internal/events"
	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"go.uber.org/zap"
)

// Recover 启动时批量加载所有持久化状态, 按机器人分组
//
// States of bots that are already running are merged into their runtime;
// the rest wait for StartBot.
func (e *Engine) Recover() (int, error) {
	all, err := e.store.ListAll()
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range all {
		if rt, ok := e.registry.Get(s.BotID); ok {
			rt.setState(s)
			continue
		}
		bucket, ok := e.recovered[s.BotID]
		if !ok {
			bucket = make(map[string]*models.TrailingState)
			e.recovered[s.BotID] = bucket
		}
		bucket[s.Symbol] = s
	}
	e.logger.Info("Recovered trailing states", zap.Int("count", len(all)), zap.Int("pendingBots", len(e.recovered)))
	return len(all), nil
}

// RecoverOne loads a single state and, when the bot is running, installs it
// in memory. It returns (nil, nil) when nothing is stored.
func (e *Engine) RecoverOne(botID, symbol string) (*models.TrailingState, error) {
	s, err := e.store.Get(botID, symbol)
	if err != nil || s == nil {
		return nil, err
	}
	if rt, ok := e.registry.Get(botID); ok {
		rt.setState(s)
	}
	e.logger.Info("Recovered trailing state",
		zap.String("botId", botID),
		zap.String("symbol", symbol),
		zap.String("phase", string(s.Phase)),
		zap.Float64("stop", s.TrailingStopPrice),
	)
	return s, nil
}

// RecoverBySymbol 在不知道机器人ID时按交易对恢复状态
//
// When several bots hold the symbol, the most recently updated state wins and
// ties go to the lowest bot id.
func (e *Engine) RecoverBySymbol(symbol string) (*models.TrailingState, error) {
	states, err := e.store.ListBySymbol(symbol)
	if err != nil || len(states) == 0 {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool {
		if !states[i].UpdatedAt.Equal(states[j].UpdatedAt) {
			return states[i].UpdatedAt.After(states[j].UpdatedAt)
		}
		return states[i].BotID < states[j].BotID
	})
	return states[0], nil
}

// CleanupOrphans 删除该机器人所有已无持仓的交易对状态 (存储和内存)
func (e *Engine) CleanupOrphans(ctx context.Context, botID string, positions []models.Position) (int, error) {
	rt, ok := e.registry.Get(botID)
	if !ok {
		return 0, nil
	}
	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.IsOpen() {
			open[p.Symbol] = true
		}
	}

	rt.mu.Lock()
	for symbol := range rt.partials {
		if !open[symbol] {
			delete(rt.partials, symbol)
		}
	}
	rt.mu.Unlock()

	removed := 0
	for _, s := range rt.snapshot() {
		if open[s.Symbol] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := e.cleanupState(rt, s.Symbol)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (e *Engine) cleanupState(rt *botRuntime, symbol string) (bool, error) {
	unlock := rt.lockSymbol(symbol)
	defer unlock()

	if !rt.running.Load() || !rt.hasState(symbol) {
		return false, nil
	}
	if err := e.store.Delete(rt.bot.ID, symbol); err != nil {
		return false, err
	}
	rt.deleteState(symbol)
	e.syncSubscription(symbol)

	e.logger.Info("Cleaned orphan trailing state", zap.String("botId", rt.bot.ID), zap.String("symbol", symbol))
	e.emitter.Emit(events.Event{
		Type:   events.StateCleaned,
		BotID:  rt.bot.ID,
		Symbol: symbol,
		Reason: "position no longer open",
	})
	return true, nil
}

// ForceReset 清空存储和所有内存中的状态
func (e *Engine) ForceReset() (int, error) {
	n, err := e.store.DeleteAll()
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.recovered = make(map[string]map[string]*models.TrailingState)
	e.mu.Unlock()

	for _, rt := range e.registry.List() {
		symbols := rt.snapshot()
		rt.mu.Lock()
		rt.states = make(map[string]*models.TrailingState)
		rt.partials = make(map[string]bool)
		rt.mu.Unlock()
		for _, s := range symbols {
			e.syncSubscription(s.Symbol)
		}
	}
	e.logger.Warn("All trailing states reset", zap.Int("deleted", n))
	return n, nil
}
