package pricefeed

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	streamSuffix    = "@markPrice@1s"
	markPriceEvent  = "markPriceUpdate"
	writeWait       = 10 * time.Second
	defaultThrottle = time.Second
	defaultPing     = 30 * time.Second
)

// Callback receives a throttled mark price tick.
type Callback func(symbol string, price float64)

type frame struct {
	Stream string              `json:"stream"`
	Data   jsoniter.RawMessage `json:"data"`
}

type markPrice struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Feed 通过单个 WebSocket 连接订阅多个交易对的标记价格
type Feed struct {
	url          string
	throttle     time.Duration
	maxRetries   int
	pingInterval time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.Mutex
	subs     map[string]Callback
	lastTick map[string]time.Time
	inflight map[string]bool

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64
}

// NewFeed creates a price feed from configuration.
func NewFeed(cfg models.PriceFeedConfig, logger *zap.Logger) *Feed {
	f := &Feed{
		url:          cfg.URL,
		throttle:     time.Duration(cfg.ThrottleMs) * time.Millisecond,
		maxRetries:   cfg.MaxRetries,
		pingInterval: time.Duration(cfg.PingIntervalSec) * time.Second,
		minBackoff:   time.Second,
		maxBackoff:   30 * time.Second,
		logger:       logger,
		now:          time.Now,
		subs:         make(map[string]Callback),
		lastTick:     make(map[string]time.Time),
		inflight:     make(map[string]bool),
	}
	if f.throttle <= 0 {
		f.throttle = defaultThrottle
	}
	if f.pingInterval <= 0 {
		f.pingInterval = defaultPing
	}
	return f
}

func streamName(symbol string) string {
	return strings.ToLower(symbol) + streamSuffix
}

// Subscribe registers cb for symbol, replacing any previous callback.
func (f *Feed) Subscribe(symbol string, cb Callback) {
	symbol = strings.ToUpper(symbol)
	f.mu.Lock()
	_, existed := f.subs[symbol]
	f.subs[symbol] = cb
	f.mu.Unlock()

	if !existed {
		if err := f.send("SUBSCRIBE", []string{streamName(symbol)}); err != nil {
			f.logger.Debug("Subscribe deferred until connected", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// Unsubscribe stops delivering ticks for symbol.
func (f *Feed) Unsubscribe(symbol string) {
	symbol = strings.ToUpper(symbol)
	f.mu.Lock()
	_, existed := f.subs[symbol]
	delete(f.subs, symbol)
	delete(f.lastTick, symbol)
	f.mu.Unlock()

	if existed {
		_ = f.send("UNSUBSCRIBE", []string{streamName(symbol)})
	}
}

// Symbols returns the subscribed symbols in sorted order.
func (f *Feed) Symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for s := range f.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (f *Feed) send(method string, streams []string) error {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return f.write(conn, request{Method: method, Params: streams, ID: f.nextID.Add(1)})
}

func (f *Feed) write(conn *websocket.Conn, req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Run 维持连接并在断开后按指数退避重连, 超过最大重试次数后返回错误
func (f *Feed) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: f.minBackoff, Max: f.maxBackoff, Factor: 2}

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err == nil {
			b.Reset()
			f.logger.Info("Price feed connected", zap.String("url", f.url))
			err = f.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("Price feed disconnected", zap.Error(err))
		}

		if f.maxRetries > 0 && int(b.Attempt()) >= f.maxRetries {
			return fmt.Errorf("price feed: giving up after %d retries: %w", f.maxRetries, err)
		}
		wait := b.Duration()
		f.logger.Info("Price feed reconnecting", zap.Duration("in", wait), zap.Float64("attempt", b.Attempt()))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// serve 处理一个已建立的连接, 直到连接断开或 ctx 取消
func (f *Feed) serve(ctx context.Context, conn *websocket.Conn) error {
	pongWait := f.pingInterval * 2

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if symbols := f.Symbols(); len(symbols) > 0 {
		streams := make([]string, len(symbols))
		for i, s := range symbols {
			streams[i] = streamName(s)
		}
		if err := f.write(conn, request{Method: "SUBSCRIBE", Params: streams, ID: f.nextID.Add(1)}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(f.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				f.writeMu.Unlock()
				if err != nil {
					f.logger.Debug("Ping failed", zap.Error(err))
					return
				}
			case <-ctx.Done():
				f.writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				f.writeMu.Unlock()
				conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		f.handleMessage(msg)
	}
}

// handleMessage accepts both combined {"stream","data"} frames and raw events.
func (f *Feed) handleMessage(msg []byte) {
	payload := msg
	var fr frame
	if err := json.Unmarshal(msg, &fr); err == nil && len(fr.Data) > 0 {
		payload = fr.Data
	}

	var ev markPrice
	if err := json.Unmarshal(payload, &ev); err != nil {
		f.logger.Debug("Ignoring undecodable frame", zap.Error(err))
		return
	}
	if ev.Event != markPriceEvent || ev.Symbol == "" {
		return // subscription acks and other events
	}
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil || price <= 0 {
		f.logger.Debug("Ignoring invalid mark price", zap.String("symbol", ev.Symbol), zap.String("price", ev.Price))
		return
	}
	f.dispatch(strings.ToUpper(ev.Symbol), price)
}

// dispatch 按交易对节流, 同一交易对的回调不会并发执行
func (f *Feed) dispatch(symbol string, price float64) {
	now := f.now()

	f.mu.Lock()
	cb, ok := f.subs[symbol]
	if !ok || f.inflight[symbol] || now.Sub(f.lastTick[symbol]) < f.throttle {
		f.mu.Unlock()
		return
	}
	f.lastTick[symbol] = now
	f.inflight[symbol] = true
	f.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("Price callback panicked", zap.String("symbol", symbol), zap.Any("panic", r), zap.Stack("stack"))
			}
			f.mu.Lock()
			delete(f.inflight, symbol)
			f.mu.Unlock()
		}()
		cb(symbol, price)
	}()
}
