package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	testnetBaseURL   = "https://testnet.binancefuture.com"
	codeTooManyReqs  = -1003
	exchangeInfoTTL  = time.Hour
	tooManyReqsToken = "too many requests"
)

type symbolFilters struct {
	tick string
	step string
}

// BinanceFuturesClient 实现了 Client 接口，用于与币安 U 本位合约交互。
type BinanceFuturesClient struct {
	client *futures.Client
	logger *zap.Logger

	mu         sync.RWMutex
	filters    map[string]symbolFilters
	filtersAge time.Time
}

// NewBinanceFuturesClient 创建一个新的合约客户端
func NewBinanceFuturesClient(creds models.Credentials, cfg models.ExchangeConfig, logger *zap.Logger) *BinanceFuturesClient {
	c := futures.NewClient(creds.APIKey, creds.APISecret)
	if cfg.Testnet {
		c.BaseURL = testnetBaseURL
	}
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &BinanceFuturesClient{
		client:  c,
		logger:  logger,
		filters: make(map[string]symbolFilters),
	}
}

// NewBinanceFactory returns a ClientFactory producing futures clients.
func NewBinanceFactory(cfg models.ExchangeConfig, logger *zap.Logger) ClientFactory {
	return func(creds models.Credentials) (Client, error) {
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, &models.ConfigurationError{Field: "bot.credentials", Msg: "empty API key or secret"}
		}
		return NewBinanceFuturesClient(creds, cfg, logger), nil
	}
}

// mapError 将 go-binance 的错误转换为统一的错误类型
func mapError(op string, err error, params map[string]string) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		e := &models.ExchangeAPIError{Op: op, Code: apiErr.Code, Msg: apiErr.Message, Params: params, Err: err}
		if apiErr.Code == codeTooManyReqs || strings.Contains(strings.ToLower(apiErr.Message), tooManyReqsToken) {
			e.Status = http.StatusTooManyRequests
			return &models.RateLimitError{ExchangeAPIError: e}
		}
		return e
	}
	return &models.ExchangeAPIError{Op: op, Msg: err.Error(), Params: params, Err: err}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (c *BinanceFuturesClient) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	risks, err := c.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, mapError("getPositions", err, nil)
	}

	positions := make([]models.Position, 0, len(risks))
	for _, r := range risks {
		qty := parseFloat(r.PositionAmt)
		if qty == 0 {
			continue
		}
		positions = append(positions, models.Position{
			Symbol:        r.Symbol,
			NetQuantity:   qty,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnl: parseFloat(r.UnRealizedProfit),
		})
	}
	return positions, nil
}

func (c *BinanceFuturesClient) GetAccount(ctx context.Context) (*models.Account, error) {
	acc, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError("getAccount", err, nil)
	}
	if err := c.loadFilters(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &models.Account{}
	for _, p := range acc.Positions {
		f := c.filters[p.Symbol]
		out.Markets = append(out.Markets, models.Market{
			Symbol:   p.Symbol,
			TickSize: f.tick,
			StepSize: f.step,
			Leverage: parseFloat(p.Leverage),
		})
	}
	return out, nil
}

// loadFilters 缓存交易规则, 每小时刷新一次
func (c *BinanceFuturesClient) loadFilters(ctx context.Context) error {
	c.mu.RLock()
	fresh := len(c.filters) > 0 && time.Since(c.filtersAge) < exchangeInfoTTL
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return mapError("exchangeInfo", err, nil)
	}

	filters := make(map[string]symbolFilters, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		var f symbolFilters
		if pf := s.PriceFilter(); pf != nil {
			f.tick = pf.TickSize
		}
		if lf := s.LotSizeFilter(); lf != nil {
			f.step = lf.StepSize
		}
		filters[s.Symbol] = f
	}

	c.mu.Lock()
	c.filters = filters
	c.filtersAge = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *BinanceFuturesClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	orders, err := c.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError("getOpenOrders", err, map[string]string{"symbol": symbol})
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrder(o.OrderID, o.ClientOrderID, o.Symbol, o.Side, o.Type, o.OrigQuantity, o.Price, o.StopPrice, o.ReduceOnly || o.ClosePosition))
	}
	return out, nil
}

func toOrder(id int64, clientID, symbol string, side futures.SideType, typ futures.OrderType, qty, price, stopPrice string, reduceOnly bool) models.Order {
	o := models.Order{
		ID:         strconv.FormatInt(id, 10),
		ClientID:   clientID,
		Symbol:     symbol,
		Side:       models.Side(side),
		Quantity:   parseFloat(qty),
		ReduceOnly: reduceOnly,
	}
	switch typ {
	case futures.OrderTypeStop, futures.OrderTypeStopMarket:
		o.Kind = models.OrderStop
		o.StopLossTriggerPrice = parseFloat(stopPrice)
	case futures.OrderTypeTakeProfit, futures.OrderTypeTakeProfitMarket:
		o.Kind = models.OrderTakeProfit
		o.TakeProfitTriggerPrice = parseFloat(stopPrice)
	case futures.OrderTypeLimit:
		o.Kind = models.OrderLimit
		o.LimitPrice = parseFloat(price)
	default:
		o.Kind = models.OrderMarket
	}
	return o
}

func (c *BinanceFuturesClient) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	params := req.Params()
	if err := c.loadFilters(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	f := c.filters[req.Symbol]
	c.mu.RUnlock()

	qty := FloorToStep(req.Quantity, f.step)
	if qty == "0" {
		return nil, &models.ExchangeAPIError{Op: "createOrder", Msg: "quantity rounds to zero", Params: params}
	}

	svc := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(qty)
	if req.ReduceOnly {
		svc.ReduceOnly(true)
	}
	if req.ClientID != "" {
		svc.NewClientOrderID(req.ClientID)
	}

	switch req.Kind {
	case models.OrderMarket:
		svc.Type(futures.OrderTypeMarket)
	case models.OrderLimit:
		svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(RoundToTick(req.Price, f.tick))
	case models.OrderStop:
		svc.Type(futures.OrderTypeStopMarket).
			StopPrice(RoundToTick(req.TriggerPrice, f.tick)).
			WorkingType(futures.WorkingTypeMarkPrice)
	case models.OrderTakeProfit:
		svc.Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(RoundToTick(req.TriggerPrice, f.tick)).
			WorkingType(futures.WorkingTypeMarkPrice)
	default:
		return nil, &models.ExchangeAPIError{Op: "createOrder", Msg: fmt.Sprintf("unsupported order kind %q", req.Kind), Params: params}
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, mapError("createOrder", err, params)
	}
	o := toOrder(res.OrderID, res.ClientOrderID, res.Symbol, res.Side, res.Type, res.OrigQuantity, res.Price, res.StopPrice, res.ReduceOnly)
	c.logger.Info("Order created",
		zap.String("symbol", o.Symbol),
		zap.String("orderId", o.ID),
		zap.String("kind", string(o.Kind)),
		zap.Float64("triggerPrice", o.TriggerPrice()),
	)
	return &o, nil
}

func (c *BinanceFuturesClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &models.ExchangeAPIError{Op: "cancelOrder", Msg: fmt.Sprintf("invalid order id %q", orderID), Params: params, Err: err}
	}
	if _, err := c.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return mapError("cancelOrder", err, params)
	}
	return nil
}

// Klines 获取合约K线, 供 ATR 计算使用
func (c *BinanceFuturesClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := c.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, mapError("klines", err, map[string]string{"symbol": symbol, "interval": interval})
	}
	out := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, models.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return out, nil
}

// decimalPlaces returns the number of significant decimals in a filter value
// such as "0.00100000".
func decimalPlaces(filter string) int32 {
	i := strings.IndexByte(filter, '.')
	if i < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(filter[i+1:], "0")))
}

// RoundToTick rounds price to the nearest multiple of tick.
// An empty or zero tick leaves the price untouched.
func RoundToTick(price float64, tick string) string {
	t, err := decimal.NewFromString(tick)
	if err != nil || t.IsZero() {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	v := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t)
	return v.StringFixed(decimalPlaces(tick))
}

// FloorToStep rounds quantity down to a multiple of step, so a reduce-only
// order never exceeds the position.
func FloorToStep(qty float64, step string) string {
	s, err := decimal.NewFromString(step)
	if err != nil || s.IsZero() {
		return strconv.FormatFloat(qty, 'f', -1, 64)
	}
	v := decimal.NewFromFloat(qty).Div(s).Floor().Mul(s)
	if v.IsZero() {
		return "0"
	}
	return v.StringFixed(decimalPlaces(step))
}
