package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStream 是一个模拟币安行情推送的 WebSocket 服务
type fakeStream struct {
	mu       sync.Mutex
	requests []request
	conns    int
	// onConnect runs after the first SUBSCRIBE frame of each connection.
	onConnect func(n int, conn *websocket.Conn)
}

func (s *fakeStream) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conns++
		n := s.conns
		s.mu.Unlock()

		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		_ = conn.WriteJSON(map[string]interface{}{"result": nil, "id": req.ID})

		if s.onConnect != nil {
			s.onConnect(n, conn)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func markPriceFrame(symbol, price string, combined bool) string {
	raw := `{"e":"markPriceUpdate","E":1700000000000,"s":"` + symbol + `","p":"` + price + `","r":"0.0001","T":1700000000000}`
	if combined {
		return `{"stream":"` + strings.ToLower(symbol) + `@markPrice@1s","data":` + raw + `}`
	}
	return raw
}

type tickRecorder struct {
	mu    sync.Mutex
	ticks map[string][]float64
}

func (r *tickRecorder) callback(symbol string, price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticks == nil {
		r.ticks = map[string][]float64{}
	}
	r.ticks[symbol] = append(r.ticks[symbol], price)
}

func (r *tickRecorder) get(symbol string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.ticks[symbol]...)
}

func TestFeedDeliversCombinedAndRawFrames(t *testing.T) {
	stream := &fakeStream{}
	stream.onConnect = func(n int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(markPriceFrame("BTCUSDT", "110.5", true)))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(markPriceFrame("ETHUSDT", "3000", false)))
	}
	srv := httptest.NewServer(stream.handler(t))
	defer srv.Close()

	rec := &tickRecorder{}
	feed := NewFeed(models.PriceFeedConfig{URL: wsURL(srv), ThrottleMs: 1, PingIntervalSec: 1}, zap.NewNop())
	feed.Subscribe("btcusdt", rec.callback)
	feed.Subscribe("ETHUSDT", rec.callback)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, feed.Symbols())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(rec.get("BTCUSDT")) == 1 && len(rec.get("ETHUSDT")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 110.5, rec.get("BTCUSDT")[0])

	stream.mu.Lock()
	require.NotEmpty(t, stream.requests)
	assert.Equal(t, "SUBSCRIBE", stream.requests[0].Method)
	assert.ElementsMatch(t, []string{"btcusdt@markPrice@1s", "ethusdt@markPrice@1s"}, stream.requests[0].Params)
	stream.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFeedThrottlesPerSymbol(t *testing.T) {
	feed := NewFeed(models.PriceFeedConfig{ThrottleMs: 1000}, zap.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feed.now = func() time.Time { return now }

	rec := &tickRecorder{}
	delivered := make(chan struct{}, 10)
	feed.Subscribe("BTCUSDT", func(symbol string, price float64) {
		rec.callback(symbol, price)
		delivered <- struct{}{}
	})

	wait := func() {
		select {
		case <-delivered:
		case <-time.After(time.Second):
			t.Fatal("tick not delivered")
		}
	}

	feed.handleMessage([]byte(markPriceFrame("BTCUSDT", "100", false)))
	wait()
	feed.handleMessage([]byte(markPriceFrame("BTCUSDT", "101", false)))
	feed.handleMessage([]byte(markPriceFrame("BTCUSDT", "102", true)))

	now = now.Add(1100 * time.Millisecond)
	feed.handleMessage([]byte(markPriceFrame("BTCUSDT", "103", false)))
	wait()

	assert.Equal(t, []float64{100, 103}, rec.get("BTCUSDT"))

	// unsubscribed symbols and non-price frames are ignored
	feed.handleMessage([]byte(markPriceFrame("SOLUSDT", "20", false)))
	feed.handleMessage([]byte(`{"result":null,"id":1}`))
	feed.handleMessage([]byte(`not json`))
	assert.Empty(t, rec.get("SOLUSDT"))
}

func TestFeedReconnectsAndResubscribes(t *testing.T) {
	stream := &fakeStream{}
	stream.onConnect = func(n int, conn *websocket.Conn) {
		if n == 1 {
			conn.Close() // drop the first connection
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(markPriceFrame("BTCUSDT", "99", true)))
	}
	srv := httptest.NewServer(stream.handler(t))
	defer srv.Close()

	rec := &tickRecorder{}
	feed := NewFeed(models.PriceFeedConfig{URL: wsURL(srv), ThrottleMs: 1, MaxRetries: 5, PingIntervalSec: 1}, zap.NewNop())
	feed.minBackoff = 5 * time.Millisecond
	feed.maxBackoff = 20 * time.Millisecond
	feed.Subscribe("BTCUSDT", rec.callback)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.get("BTCUSDT")) == 1 }, 3*time.Second, 10*time.Millisecond)

	stream.mu.Lock()
	defer stream.mu.Unlock()
	assert.GreaterOrEqual(t, stream.conns, 2)
	for _, req := range stream.requests {
		assert.Equal(t, []string{"btcusdt@markPrice@1s"}, req.Params)
	}
}

func TestFeedGivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	feed := NewFeed(models.PriceFeedConfig{URL: url, MaxRetries: 2}, zap.NewNop())
	feed.minBackoff = time.Millisecond
	feed.maxBackoff = 2 * time.Millisecond

	err := feed.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 2 retries")
}

func (s *fakeStream) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// startHeartbeatFeed 以 50ms 的 ping 间隔连接到 stream, pong 超时为 100ms
func startHeartbeatFeed(t *testing.T, stream *fakeStream) {
	t.Helper()
	srv := httptest.NewServer(stream.handler(t))
	t.Cleanup(srv.Close)

	feed := NewFeed(models.PriceFeedConfig{URL: wsURL(srv), ThrottleMs: 1}, zap.NewNop())
	feed.pingInterval = 50 * time.Millisecond
	feed.minBackoff = 5 * time.Millisecond
	feed.maxBackoff = 20 * time.Millisecond
	feed.Subscribe("BTCUSDT", (&tickRecorder{}).callback)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = feed.Run(ctx) }()
}

func TestFeedReconnectsWhenPongsStop(t *testing.T) {
	stream := &fakeStream{}
	stream.onConnect = func(n int, conn *websocket.Conn) {
		if n == 1 {
			// 吞掉 ping, 不回 pong
			conn.SetPingHandler(func(string) error { return nil })
		}
	}
	startHeartbeatFeed(t, stream)

	require.Eventually(t, func() bool { return stream.connections() >= 2 }, 3*time.Second, 10*time.Millisecond,
		"a missed pong must drop the connection and reconnect")
}

func TestFeedPongsKeepIdleConnection(t *testing.T) {
	stream := &fakeStream{}
	startHeartbeatFeed(t, stream)

	require.Eventually(t, func() bool { return stream.connections() == 1 }, 3*time.Second, 10*time.Millisecond)
	// 无行情推送, 但 pong 持续刷新读超时
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, stream.connections())
}
