package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/OvictorVieira/backbot-sub005/internal/exchange"
	"github.com/OvictorVieira/backbot-sub005/internal/models"
	"github.com/OvictorVieira/backbot-sub005/internal/monitor"
	"github.com/OvictorVieira/backbot-sub005/internal/reconciler"
	"github.com/OvictorVieira/backbot-sub005/internal/stoploss"
)

// botRuntime 是单个机器人运行期间的全部可变状态
type botRuntime struct {
	bot        models.BotContext
	client     exchange.Client
	policy     stoploss.Policy
	bypass     bool // 策略自带止损, 跳过策略层
	reconciler *reconciler.Reconciler
	scheduler  *monitor.Scheduler
	running    atomic.Bool

	mu            sync.Mutex
	states        map[string]*models.TrailingState
	partials      map[string]bool // 已执行过部分止盈的交易对 (无轨迹状态时使用)
	lastPositions []models.Position
	lastAccount   *models.Account
	symbolLocks   map[string]*sync.Mutex
}

func newBotRuntime(bot models.BotContext) *botRuntime {
	return &botRuntime{
		bot:         bot,
		states:      make(map[string]*models.TrailingState),
		partials:    make(map[string]bool),
		symbolLocks: make(map[string]*sync.Mutex),
	}
}

// lockSymbol serializes cycle, tick and monitor work on one symbol.
func (rt *botRuntime) lockSymbol(symbol string) func() {
	rt.mu.Lock()
	l, ok := rt.symbolLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		rt.symbolLocks[symbol] = l
	}
	rt.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// state returns a copy of the in-memory state, or nil.
func (rt *botRuntime) state(symbol string) *models.TrailingState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.states[symbol].Clone()
}

func (rt *botRuntime) setState(s *models.TrailingState) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.states[s.Symbol] = s.Clone()
}

func (rt *botRuntime) deleteState(symbol string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.states, symbol)
	delete(rt.partials, symbol)
}

// snapshot returns copies of every state ordered by symbol.
func (rt *botRuntime) snapshot() []*models.TrailingState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*models.TrailingState, 0, len(rt.states))
	for _, s := range rt.states {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (rt *botRuntime) hasState(symbol string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.states[symbol]
	return ok
}

func (rt *botRuntime) partialTaken(symbol string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.partials[symbol]
}

func (rt *botRuntime) markPartial(symbol string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.partials[symbol] = true
}

func (rt *botRuntime) setSnapshot(positions []models.Position, account *models.Account) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.lastPositions = append([]models.Position(nil), positions...)
	rt.lastAccount = account
}

// position returns the last fetched position of symbol.
func (rt *botRuntime) position(symbol string) (models.Position, *models.Account, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, p := range rt.lastPositions {
		if p.Symbol == symbol && p.IsOpen() {
			return p, rt.lastAccount, true
		}
	}
	return models.Position{}, nil, false
}

// Registry 按机器人ID保存运行时, 只能通过 Add/Get/Remove/List 访问
type Registry struct {
	mu   sync.RWMutex
	bots map[string]*botRuntime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bots: make(map[string]*botRuntime)}
}

// Add registers a runtime. A bot id can only be registered once.
func (r *Registry) Add(rt *botRuntime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[rt.bot.ID]; ok {
		return fmt.Errorf("bot %s is already running", rt.bot.ID)
	}
	r.bots[rt.bot.ID] = rt
	return nil
}

// Get returns the runtime of a bot.
func (r *Registry) Get(botID string) (*botRuntime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.bots[botID]
	return rt, ok
}

// Remove unregisters a bot and returns its runtime.
func (r *Registry) Remove(botID string) (*botRuntime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.bots[botID]
	delete(r.bots, botID)
	return rt, ok
}

// List returns all runtimes ordered by bot id.
func (r *Registry) List() []*botRuntime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*botRuntime, 0, len(r.bots))
	for _, rt := range r.bots {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].bot.ID < out[j].bot.ID })
	return out
}
