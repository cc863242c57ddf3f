package marketdata

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"go.uber.org/zap"
)

// DefaultATRPeriod is the Wilder smoothing period.
const DefaultATRPeriod = 14

// KlineSource 提供最近的K线
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

type atrEntry struct {
	value   float64
	expires time.Time
}

// ATRProvider computes Wilder ATR over recent klines and caches each
// (symbol, timeframe) value for one candle period.
type ATRProvider struct {
	source KlineSource
	period int
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]atrEntry
}

// NewATRProvider creates an ATR provider backed by source.
func NewATRProvider(source KlineSource, logger *zap.Logger) *ATRProvider {
	return &ATRProvider{
		source: source,
		period: DefaultATRPeriod,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]atrEntry),
	}
}

// GetATR returns the latest ATR for symbol on timeframe.
func (p *ATRProvider) GetATR(ctx context.Context, symbol, timeframe string) (float64, error) {
	key := symbol + "@" + timeframe
	now := p.now()

	p.mu.Lock()
	if e, ok := p.cache[key]; ok && now.Before(e.expires) {
		p.mu.Unlock()
		return e.value, nil
	}
	p.mu.Unlock()

	frame, err := ParseTimeframe(timeframe)
	if err != nil {
		return 0, &models.MarketDataError{Symbol: symbol, Msg: err.Error()}
	}

	candles, err := p.source.Klines(ctx, symbol, timeframe, p.period*3)
	if err != nil {
		return 0, &models.MarketDataError{Symbol: symbol, Msg: fmt.Sprintf("klines: %v", err)}
	}
	atr, err := WilderATR(candles, p.period)
	if err != nil {
		return 0, &models.MarketDataError{Symbol: symbol, Msg: err.Error()}
	}

	p.mu.Lock()
	p.cache[key] = atrEntry{value: atr, expires: now.Add(frame)}
	p.mu.Unlock()

	p.logger.Debug("ATR refreshed", zap.String("symbol", symbol), zap.String("timeframe", timeframe), zap.Float64("atr", atr))
	return atr, nil
}

// WilderATR computes the Average True Range with Wilder smoothing.
// It needs at least period+1 candles.
func WilderATR(candles []models.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("invalid ATR period %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("need %d candles for ATR(%d), got %d", period+1, period, len(candles))
	}

	trueRange := func(i int) float64 {
		c, prev := candles[i], candles[i-1].Close
		return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
	}

	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(i)
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + trueRange(i)) / float64(period)
	}

	if err := models.CheckFinite("atr", atr); err != nil {
		return 0, err
	}
	if atr <= 0 {
		return 0, fmt.Errorf("ATR is zero")
	}
	return atr, nil
}

// ParseTimeframe converts a Binance interval such as "30m", "4h" or "1d".
func ParseTimeframe(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid timeframe %q", tf)
}

// HistoryATR 在回放时按顺序接收K线并计算 ATR, 忽略 timeframe 参数,
// 使用数据文件本身的周期
type HistoryATR struct {
	mu      sync.Mutex
	period  int
	candles []models.Candle
}

// NewHistoryATR creates an empty replay ATR source.
func NewHistoryATR(period int) *HistoryATR {
	if period <= 0 {
		period = DefaultATRPeriod
	}
	return &HistoryATR{period: period}
}

// Push appends the next closed candle.
func (h *HistoryATR) Push(c models.Candle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.candles = append(h.candles, c)
	// 保留足够的窗口让 Wilder 平滑收敛即可
	if keep := h.period * 10; len(h.candles) > keep {
		h.candles = h.candles[len(h.candles)-keep:]
	}
}

// GetATR implements the engine's ATR source over the pushed candles.
func (h *HistoryATR) GetATR(ctx context.Context, symbol, timeframe string) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	atr, err := WilderATR(h.candles, h.period)
	if err != nil {
		return 0, &models.MarketDataError{Symbol: symbol, Msg: err.Error()}
	}
	return atr, nil
}
