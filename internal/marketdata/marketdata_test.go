package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockKlines 记录调用次数的K线源
type mockKlines struct {
	mu      sync.Mutex
	candles []models.Candle
	err     error
	calls   int
}

func (m *mockKlines) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.candles, m.err
}

// flatCandles builds candles whose true range is always 2.
func flatCandles(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{Open: 100, High: 101, Low: 99, Close: 100}
	}
	return out
}

func TestWilderATR(t *testing.T) {
	atr, err := WilderATR(flatCandles(30), 14)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, atr, 1e-9)

	// a gap makes the true range use the previous close
	candles := flatCandles(3)
	candles[2] = models.Candle{Open: 110, High: 111, Low: 109, Close: 110}
	atr, err = WilderATR(candles, 2)
	require.NoError(t, err)
	assert.InDelta(t, (2.0+11.0)/2, atr, 1e-9)

	_, err = WilderATR(flatCandles(10), 14)
	assert.Error(t, err)
}

func TestHistoryATR(t *testing.T) {
	h := NewHistoryATR(14)
	for _, c := range flatCandles(10) {
		h.Push(c)
	}
	_, err := h.GetATR(context.Background(), "BTCUSDT", "30m")
	var mde *models.MarketDataError
	require.ErrorAs(t, err, &mde)
	assert.Equal(t, "BTCUSDT", mde.Symbol)

	for _, c := range flatCandles(200) {
		h.Push(c)
	}
	assert.Len(t, h.candles, 140)
	atr, err := h.GetATR(context.Background(), "BTCUSDT", "30m")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, atr, 1e-9)
}

func TestATRProviderCachesPerCandle(t *testing.T) {
	src := &mockKlines{candles: flatCandles(42)}
	p := NewATRProvider(src, zap.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	atr, err := p.GetATR(context.Background(), "BTCUSDT", "30m")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, atr, 1e-9)

	_, err = p.GetATR(context.Background(), "BTCUSDT", "30m")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	now = now.Add(31 * time.Minute)
	_, err = p.GetATR(context.Background(), "BTCUSDT", "30m")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestATRProviderMarketDataErrors(t *testing.T) {
	var mdErr *models.MarketDataError

	p := NewATRProvider(&mockKlines{err: errors.New("timeout")}, zap.NewNop())
	_, err := p.GetATR(context.Background(), "BTCUSDT", "30m")
	assert.ErrorAs(t, err, &mdErr)

	p = NewATRProvider(&mockKlines{candles: flatCandles(3)}, zap.NewNop())
	_, err = p.GetATR(context.Background(), "BTCUSDT", "30m")
	assert.ErrorAs(t, err, &mdErr)

	_, err = p.GetATR(context.Background(), "BTCUSDT", "soon")
	assert.ErrorAs(t, err, &mdErr)
}

func TestParseTimeframe(t *testing.T) {
	d, err := ParseTimeframe("30m")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)

	d, err = ParseTimeframe("4h")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, d)

	for _, bad := range []string{"", "m", "0m", "5x", "-1h"} {
		_, err := ParseTimeframe(bad)
		assert.Error(t, err, bad)
	}
}

func TestReadCandles(t *testing.T) {
	data := "open_time,open,high,low,close,volume,close_time\n" +
		"1700000000000,100,101,99,100.5,10,1700000059999\n"

	candles, err := ReadCandles(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 100.5, candles[0].Close)
	assert.Equal(t, int64(1700000000000), candles[0].OpenTime.UnixMilli())

	_, err = ReadCandles(strings.NewReader("1,a,b,c,d,e,f\n"))
	assert.Error(t, err)
}

func TestDownloadKlinesWritesCache(t *testing.T) {
	start := time.UnixMilli(1700000000000)
	end := start.Add(2 * time.Minute)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("startTime") != fmt.Sprint(start.UnixMilli()) {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprintf(w, `[[%d,"100","101","99","100.5","10",%d,"1000",5,"1","100","0"],[%d,"100.5","102","100","101","12",%d,"1200",6,"1","100","0"]]`,
			start.UnixMilli(), start.UnixMilli()+59999, start.UnixMilli()+60000, start.UnixMilli()+119999)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "data", "BTCUSDT-1m.csv")
	d := NewKlineDownloader(srv.URL, zap.NewNop())
	d.pause = 0

	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", "1m", path, start, end))

	candles, err := LoadCandles(path)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 102.0, candles[1].High)

	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err))

	// second call hits the cache
	srv.Close()
	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", "1m", path, start, end))
}
