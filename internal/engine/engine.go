package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/OvictorVieira/backbot-sub005/internal/events"
	"github.com/OvictorVieira/backbot-sub005/internal/exchange"
	"github.com/OvictorVieira/backbot-sub005/internal/models"
	"github.com/OvictorVieira/backbot-sub005/internal/monitor"
	"github.com/OvictorVieira/backbot-sub005/internal/persistence"
	"github.com/OvictorVieira/backbot-sub005/internal/pricefeed"
	"github.com/OvictorVieira/backbot-sub005/internal/reconciler"
	"github.com/OvictorVieira/backbot-sub005/internal/stoploss"
	"github.com/OvictorVieira/backbot-sub005/internal/trailing"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ATRSource provides the volatility used by the hybrid initial stop.
type ATRSource interface {
	GetATR(ctx context.Context, symbol, timeframe string) (float64, error)
}

// PriceFeed pushes mark price ticks for subscribed symbols.
type PriceFeed interface {
	Subscribe(symbol string, cb pricefeed.Callback)
	Unsubscribe(symbol string)
	Run(ctx context.Context) error
}

// Deps 是引擎依赖的外部组件, Feed 和 ATR 可以为空
type Deps struct {
	Store   persistence.StateRepository
	Factory exchange.ClientFactory
	ATR     ATRSource
	Feed    PriceFeed
	Events  events.Emitter
	Logger  *zap.Logger

	// Manual 为 true 时不启动定时任务, 由调用方通过 RunMonitor 驱动 (回放模式)
	Manual bool
}

// Engine 协调所有机器人的风控周期、维护任务和状态恢复
type Engine struct {
	cfg      models.Config
	store    persistence.StateRepository
	factory  exchange.ClientFactory
	atr      ATRSource
	feed     PriceFeed
	emitter  events.Emitter
	machine  *trailing.Machine
	registry *Registry
	logger   *zap.Logger
	manual   bool

	mu        sync.Mutex
	recovered map[string]map[string]*models.TrailingState // 启动时批量加载, 等待 StartBot 领取
	ctx       context.Context
	cancel    context.CancelFunc
	feedDone  chan struct{}
	stopOnce  sync.Once
}

// New creates an engine. Call Start before StartBot.
func New(cfg models.Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := deps.Events
	if emitter == nil {
		emitter = events.Nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		factory:   deps.Factory,
		atr:       deps.ATR,
		feed:      deps.Feed,
		emitter:   emitter,
		machine:   trailing.NewMachine(logger),
		registry:  NewRegistry(),
		logger:    logger,
		manual:    deps.Manual,
		recovered: make(map[string]map[string]*models.TrailingState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 恢复持久化状态并启动价格推送
func (e *Engine) Start() error {
	n, err := e.Recover()
	if err != nil {
		return err
	}
	e.logger.Info("Engine started", zap.Int("recoveredStates", n), zap.Bool("priceFeed", e.feed != nil))

	if e.feed != nil {
		e.feedDone = make(chan struct{})
		go func() {
			defer close(e.feedDone)
			if err := e.feed.Run(e.ctx); err != nil {
				e.logger.Error("Price feed stopped, falling back to polling only", zap.Error(err))
			}
		}()
	}
	return nil
}

// StartBot validates the bot, builds its client and starts its monitors.
func (e *Engine) StartBot(ctx context.Context, bot models.BotContext) error {
	if err := bot.Validate(); err != nil {
		return err
	}
	client, err := e.factory(bot.Credentials)
	if err != nil {
		return fmt.Errorf("bot %s: create exchange client: %w", bot.ID, err)
	}

	policy, ok := stoploss.ForStrategy(bot.Strategy, e.logger)
	rt := newBotRuntime(bot)
	rt.client = client
	rt.policy = policy
	rt.bypass = !ok
	rt.reconciler = reconciler.New(bot.ID, client, e.emitter, e.cfg.Engine.AntiChurnEpsilon, e.logger)
	rt.scheduler = monitor.NewScheduler(bot.ID, e.logger)

	states, err := e.loadBotStates(bot.ID)
	if err != nil {
		return fmt.Errorf("bot %s: load states: %w", bot.ID, err)
	}
	for _, s := range states {
		rt.states[s.Symbol] = s
	}

	if err := e.registry.Add(rt); err != nil {
		return err
	}
	rt.running.Store(true)
	for symbol := range states {
		e.syncSubscription(symbol)
	}

	e.registerJobs(rt)
	if !e.manual {
		rt.scheduler.Start(ctx)
	}

	e.logger.Info("Bot started",
		zap.String("botId", bot.ID),
		zap.String("strategy", string(bot.Strategy)),
		zap.Bool("policyBypass", rt.bypass),
		zap.Bool("trailing", bot.TrailingEnabled()),
		zap.Bool("hybrid", bot.HybridEnabled()),
		zap.Int("states", len(states)),
	)
	return nil
}

func (e *Engine) registerJobs(rt *botRuntime) {
	id := rt.bot.ID
	rt.scheduler.Register(monitor.KindCycle, func(ctx context.Context) error {
		return e.RunCycle(ctx, id)
	}, e.cycleLimits())
	rt.scheduler.Register(monitor.KindPendingOrders, func(ctx context.Context) error {
		return e.CheckPendingOrders(ctx, id)
	}, e.cfg.Monitors.PendingOrders)
	rt.scheduler.Register(monitor.KindOrphanOrders, func(ctx context.Context) error {
		return e.CheckOrphanOrders(ctx, id)
	}, e.cfg.Monitors.OrphanOrders)
	rt.scheduler.Register(monitor.KindTakeProfit, func(ctx context.Context) error {
		return e.CheckTakeProfit(ctx, id)
	}, e.cfg.Monitors.TakeProfit)
}

// cycleLimits derives the cycle job's bounds from the configured interval.
func (e *Engine) cycleLimits() models.MonitorLimits {
	ms := e.cfg.Engine.CycleIntervalMs
	if ms <= 0 {
		ms = 5000
	}
	return models.MonitorLimits{BaseMs: ms, MinMs: ms, MaxMs: ms * 8, StepMs: ms}
}

// loadBotStates takes the bot's share of the bulk recovery, or reads the
// store when Recover was not run.
func (e *Engine) loadBotStates(botID string) (map[string]*models.TrailingState, error) {
	e.mu.Lock()
	states, ok := e.recovered[botID]
	delete(e.recovered, botID)
	e.mu.Unlock()
	if ok {
		return states, nil
	}

	all, err := e.store.ListAll()
	if err != nil {
		return nil, err
	}
	states = make(map[string]*models.TrailingState)
	for _, s := range all {
		if s.BotID == botID {
			states[s.Symbol] = s
		}
	}
	return states, nil
}

// StopBot 停止机器人的所有任务, 正在进行中的结果会被丢弃
func (e *Engine) StopBot(botID string) error {
	rt, ok := e.registry.Remove(botID)
	if !ok {
		return fmt.Errorf("bot %s is not running", botID)
	}
	rt.running.Store(false)
	rt.scheduler.Stop()

	for _, s := range rt.snapshot() {
		e.syncSubscription(s.Symbol)
	}
	e.logger.Info("Bot stopped", zap.String("botId", botID))
	return nil
}

// RunMonitor runs one of the bot's jobs synchronously with the same backoff
// bookkeeping as the scheduler.
func (e *Engine) RunMonitor(ctx context.Context, botID, kind string) error {
	rt, ok := e.registry.Get(botID)
	if !ok {
		return fmt.Errorf("bot %s is not running", botID)
	}
	return rt.scheduler.RunOnce(ctx, kind)
}

// Bots returns the ids of the running bots.
func (e *Engine) Bots() []string {
	list := e.registry.List()
	ids := make([]string, len(list))
	for i, rt := range list {
		ids[i] = rt.bot.ID
	}
	return ids
}

// States returns the in-memory states of a running bot.
func (e *Engine) States(botID string) ([]*models.TrailingState, bool) {
	rt, ok := e.registry.Get(botID)
	if !ok {
		return nil, false
	}
	return rt.snapshot(), true
}

// MonitorState returns the adaptive interval state of one bot monitor.
func (e *Engine) MonitorState(botID, kind string) (monitor.State, bool) {
	rt, ok := e.registry.Get(botID)
	if !ok {
		return monitor.State{}, false
	}
	return rt.scheduler.State(kind)
}

// HandleTick runs the per-symbol path for every bot holding state on symbol.
func (e *Engine) HandleTick(symbol string, price float64) {
	for _, rt := range e.registry.List() {
		if !rt.running.Load() || !rt.hasState(symbol) {
			continue
		}
		pos, account, ok := rt.position(symbol)
		if !ok {
			continue
		}
		pos.MarkPrice = price
		if err := e.safeProcess(e.ctx, rt, pos, account); err != nil {
			e.logger.Warn("Tick processing failed",
				zap.String("botId", rt.bot.ID),
				zap.String("symbol", symbol),
				zap.Float64("price", price),
				zap.Error(err),
			)
		}
	}
}

// syncSubscription keeps the feed subscribed exactly to symbols with state.
func (e *Engine) syncSubscription(symbol string) {
	if e.feed == nil {
		return
	}
	for _, rt := range e.registry.List() {
		if rt.running.Load() && rt.hasState(symbol) {
			e.feed.Subscribe(symbol, e.HandleTick)
			return
		}
	}
	e.feed.Unsubscribe(symbol)
}

// Stop 停止所有机器人、价格推送和事件总线, 最后关闭存储
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		for _, rt := range e.registry.List() {
			err = multierr.Append(err, e.StopBot(rt.bot.ID))
		}

		e.cancel()
		if e.feedDone != nil {
			<-e.feedDone
		}
		if bus, ok := e.emitter.(interface{ Stop() }); ok {
			bus.Stop()
		}
		if e.store != nil {
			err = multierr.Append(err, e.store.Close())
		}
		e.logger.Info("Engine stopped")
	})
	return err
}
