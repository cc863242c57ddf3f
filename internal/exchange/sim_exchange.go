package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"go.uber.org/zap"
)

// Trade 是模拟交易所中的一笔平仓成交记录
type Trade struct {
	Symbol     string
	Side       models.Side
	Kind       models.OrderKind
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	Profit     float64
	Fee        float64
	Time       time.Time
}

type simPosition struct {
	qty   float64 // signed
	entry float64
}

// SimExchange 实现了 Client 接口，在内存中模拟合约交易所。
// 价格由调用方推进, 止损/止盈/限价单在价格穿越触发价时成交。
type SimExchange struct {
	mu sync.Mutex

	Leverage     float64
	TakerFeeRate float64 // 吃单手续费率
	SlippageRate float64 // 滑点率
	TotalFees    float64

	CurrentTime time.Time
	NextOrderID int64

	markets   map[string]models.Market
	positions map[string]*simPosition
	prices    map[string]float64
	orders    map[int64]*models.Order
	trades    []Trade
	logger    *zap.Logger

	// 故障注入
	createErr    error
	cancelErr    error
	positionsErr error
	createCalls  int
	cancelCalls  int
}

// NewSimExchange 创建一个新的 SimExchange 实例。
func NewSimExchange(leverage float64, logger *zap.Logger) *SimExchange {
	return &SimExchange{
		Leverage:    leverage,
		NextOrderID: 1,
		markets:     make(map[string]models.Market),
		positions:   make(map[string]*simPosition),
		prices:      make(map[string]float64),
		orders:      make(map[int64]*models.Order),
		logger:      logger,
	}
}

// AddMarket registers trading rules for a symbol.
func (e *SimExchange) AddMarket(m models.Market) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markets[m.Symbol] = m
}

// OpenPosition seeds a position. A negative qty opens a short.
func (e *SimExchange) OpenPosition(symbol string, qty, entry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[symbol] = &simPosition{qty: qty, entry: entry}
	e.prices[symbol] = entry
}

// SetPrice moves the mark price of a symbol and fills any order it crosses.
func (e *SimExchange) SetPrice(symbol string, price float64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CurrentTime = ts
	e.checkOrdersAtPrice(symbol, price)
	e.prices[symbol] = price
}

// SetCandle 按 O->L->H->C 的路径模拟K线内部的价格变动
func (e *SimExchange) SetCandle(symbol string, open, high, low, close float64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CurrentTime = ts
	for _, p := range []float64{open, low, high, close} {
		e.prices[symbol] = p
		e.checkOrdersAtPrice(symbol, p)
	}
	e.prices[symbol] = close
}

// FailCreate makes every CreateOrder return err until cleared with nil.
func (e *SimExchange) FailCreate(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createErr = err
}

// FailCancel makes every CancelOrder return err until cleared with nil.
func (e *SimExchange) FailCancel(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelErr = err
}

// FailPositions makes GetOpenPositions return err until cleared with nil.
func (e *SimExchange) FailPositions(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positionsErr = err
}

// CreateCalls returns how many CreateOrder calls were made.
func (e *SimExchange) CreateCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createCalls
}

// CancelCalls returns how many CancelOrder calls were made.
func (e *SimExchange) CancelCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelCalls
}

// Trades 返回成交记录的副本
func (e *SimExchange) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Trade(nil), e.trades...)
}

// PositionQty returns the signed quantity held in symbol.
func (e *SimExchange) PositionQty(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.positions[symbol]; ok {
		return p.qty
	}
	return 0
}

// AllOpenOrders returns every resting order across symbols, ordered by id.
func (e *SimExchange) AllOpenOrders() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openOrders("")
}

// checkOrdersAtPrice 必须在持有锁的情况下调用
func (e *SimExchange) checkOrdersAtPrice(symbol string, price float64) {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		order, ok := e.orders[id]
		if !ok {
			continue // filled earlier in this pass
		}
		if e.crosses(*order, price) {
			delete(e.orders, id)
			e.fill(order, price)
		}
	}
}

func (e *SimExchange) crosses(o models.Order, price float64) bool {
	trigger := o.TriggerPrice()
	if trigger <= 0 {
		return false
	}
	switch o.Kind {
	case models.OrderStop:
		if o.Side == models.Sell {
			return price <= trigger
		}
		return price >= trigger
	case models.OrderTakeProfit, models.OrderLimit:
		if o.Side == models.Sell {
			return price >= trigger
		}
		return price <= trigger
	}
	return false
}

// fill 处理一个已成交的订单, 更新仓位并记录平仓盈亏。必须在持有锁的情况下调用。
func (e *SimExchange) fill(order *models.Order, price float64) {
	pos := e.positions[order.Symbol]
	if pos == nil {
		pos = &simPosition{}
		e.positions[order.Symbol] = pos
	}

	qty := order.Quantity
	signed := qty
	if order.Side == models.Sell {
		signed = -qty
	}

	// reduce-only 订单不能开仓或反手
	if order.ReduceOnly {
		if pos.qty == 0 || math.Signbit(pos.qty) == math.Signbit(signed) {
			e.logger.Debug("Sim reduce-only order expired without position", zap.String("orderId", order.ID))
			return
		}
		if qty > math.Abs(pos.qty) {
			qty = math.Abs(pos.qty)
			signed = math.Copysign(qty, signed)
		}
	}

	execPrice := price * (1 + e.SlippageRate)
	if order.Side == models.Sell {
		execPrice = price * (1 - e.SlippageRate)
	}
	fee := execPrice * qty * e.TakerFeeRate
	e.TotalFees += fee

	reducing := pos.qty != 0 && math.Signbit(pos.qty) != math.Signbit(signed)
	if reducing {
		closed := math.Min(qty, math.Abs(pos.qty))
		profit := (execPrice - pos.entry) * closed
		if pos.qty < 0 {
			profit = -profit
		}
		e.trades = append(e.trades, Trade{
			Symbol:     order.Symbol,
			Side:       order.Side,
			Kind:       order.Kind,
			Quantity:   closed,
			EntryPrice: pos.entry,
			ExitPrice:  execPrice,
			Profit:     profit - fee,
			Fee:        fee,
			Time:       e.CurrentTime,
		})
		pos.qty += signed
		if math.Abs(pos.qty) < 1e-12 {
			pos.qty = 0
			pos.entry = 0
		}
	} else {
		total := math.Abs(pos.qty) + qty
		pos.entry = (pos.entry*math.Abs(pos.qty) + execPrice*qty) / total
		pos.qty += signed
	}

	e.logger.Debug("Sim order filled",
		zap.String("symbol", order.Symbol),
		zap.String("orderId", order.ID),
		zap.String("kind", string(order.Kind)),
		zap.String("side", string(order.Side)),
		zap.Float64("price", execPrice),
		zap.Float64("quantity", qty),
		zap.Float64("position", pos.qty),
	)
}

func (e *SimExchange) openOrders(symbol string) []models.Order {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if symbol == "" || o.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.orders[id])
	}
	return out
}

// --- Client 接口实现 ---

func (e *SimExchange) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.positionsErr != nil {
		return nil, e.positionsErr
	}

	symbols := make([]string, 0, len(e.positions))
	for s, p := range e.positions {
		if p.qty != 0 {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	out := make([]models.Position, 0, len(symbols))
	for _, s := range symbols {
		p := e.positions[s]
		mark := e.prices[s]
		out = append(out, models.Position{
			Symbol:        s,
			NetQuantity:   p.qty,
			EntryPrice:    p.entry,
			MarkPrice:     mark,
			UnrealizedPnl: (mark - p.entry) * p.qty,
		})
	}
	return out, nil
}

func (e *SimExchange) GetAccount(ctx context.Context) (*models.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc := &models.Account{Leverage: e.Leverage}
	for _, m := range e.markets {
		acc.Markets = append(acc.Markets, m)
	}
	sort.Slice(acc.Markets, func(i, j int) bool { return acc.Markets[i].Symbol < acc.Markets[j].Symbol })
	return acc, nil
}

func (e *SimExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openOrders(symbol), nil
}

func (e *SimExchange) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createCalls++

	if e.createErr != nil {
		return nil, e.createErr
	}
	if req.Symbol == "" || req.Quantity <= 0 {
		return nil, &models.ExchangeAPIError{Op: "createOrder", Code: -1102, Msg: "mandatory parameter missing", Params: req.Params()}
	}

	order := &models.Order{
		ID:         strconv.FormatInt(e.NextOrderID, 10),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Kind:       req.Kind,
		Quantity:   req.Quantity,
		ReduceOnly: req.ReduceOnly,
	}
	e.NextOrderID++

	switch req.Kind {
	case models.OrderMarket:
		e.fill(order, e.prices[req.Symbol])
		return order, nil
	case models.OrderStop:
		order.StopLossTriggerPrice = req.TriggerPrice
	case models.OrderTakeProfit:
		order.TakeProfitTriggerPrice = req.TriggerPrice
	case models.OrderLimit:
		order.LimitPrice = req.Price
	default:
		return nil, &models.ExchangeAPIError{Op: "createOrder", Code: -1116, Msg: fmt.Sprintf("invalid order type %q", req.Kind), Params: req.Params()}
	}
	if order.TriggerPrice() <= 0 {
		return nil, &models.ExchangeAPIError{Op: "createOrder", Code: -1102, Msg: "missing trigger price", Params: req.Params()}
	}

	id, _ := strconv.ParseInt(order.ID, 10, 64)
	e.orders[id] = order
	cp := *order
	return &cp, nil
}

func (e *SimExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelCalls++

	if e.cancelErr != nil {
		return e.cancelErr
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &models.ExchangeAPIError{Op: "cancelOrder", Code: -1102, Msg: fmt.Sprintf("invalid order id %q", orderID)}
	}
	order, ok := e.orders[id]
	if !ok || order.Symbol != symbol {
		return &models.ExchangeAPIError{Op: "cancelOrder", Code: -2011, Msg: "Unknown order sent."}
	}
	delete(e.orders, id)
	return nil
}
