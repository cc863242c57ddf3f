package reconciler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/OvictorVieira/backbot-sub005/internal/events"
	"github.com/OvictorVieira/backbot-sub005/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockClient 是一个线程安全的交易所客户端模拟
type mockClient struct {
	mu        sync.Mutex
	orders    []models.Order
	created   []models.OrderRequest
	cancelled []string
	calls     []string
	createErr error
	cancelErr error
	nextID    int
}

func (m *mockClient) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	return nil, nil
}

func (m *mockClient) GetAccount(ctx context.Context) (*models.Account, error) {
	return &models.Account{Leverage: 10}, nil
}

func (m *mockClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Order(nil), m.orders...), nil
}

func (m *mockClient) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create")
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.nextID++
	o := models.Order{
		ID:                   "new-" + strconv.Itoa(m.nextID),
		ClientID:             req.ClientID,
		Symbol:               req.Symbol,
		Side:                 req.Side,
		Kind:                 req.Kind,
		Quantity:             req.Quantity,
		StopLossTriggerPrice: req.TriggerPrice,
		ReduceOnly:           req.ReduceOnly,
	}
	m.created = append(m.created, req)
	m.orders = append(m.orders, o)
	return &o, nil
}

func (m *mockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "cancel")
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	kept := m.orders[:0]
	for _, o := range m.orders {
		if o.ID != orderID {
			kept = append(kept, o)
		}
	}
	m.orders = kept
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

var longPos = models.Position{Symbol: "BTCUSDT", NetQuantity: 1, EntryPrice: 100, MarkPrice: 110}

func stopOrder(id string, trigger float64) models.Order {
	return models.Order{ID: id, Symbol: "BTCUSDT", Side: models.Sell, Kind: models.OrderStop, Quantity: 1, StopLossTriggerPrice: trigger, ReduceOnly: true}
}

func TestReconcileReplacesThenCancels(t *testing.T) {
	client := &mockClient{orders: []models.Order{stopOrder("old", 99)}}
	r := New("bot-1", client, nil, 0, zap.NewNop())
	persisted := &models.TrailingState{TrailingStopPrice: 99, ActiveStopOrderID: "old", Direction: models.Long}

	res, err := r.Reconcile(context.Background(), longPos, 108.35, persisted)
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Equal(t, "new-1", res.OrderID)
	assert.Equal(t, "old", res.CancelledID)
	assert.Equal(t, []string{"create", "cancel"}, client.calls, "replacement must be confirmed before cancelling")

	require.Len(t, client.created, 1)
	req := client.created[0]
	assert.Equal(t, models.Sell, req.Side)
	assert.Equal(t, models.OrderStop, req.Kind)
	assert.Equal(t, 1.0, req.Quantity)
	assert.Equal(t, 108.35, req.TriggerPrice)
	assert.True(t, req.ReduceOnly)
	assert.NotEmpty(t, req.ClientID)
}

func TestReconcileWithoutExistingOrder(t *testing.T) {
	client := &mockClient{}
	r := New("bot-1", client, nil, 0, zap.NewNop())

	res, err := r.Reconcile(context.Background(), longPos, 99, nil)
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Empty(t, res.CancelledID)
	assert.Equal(t, []string{"create"}, client.calls)
}

// TestReconcileIsIdempotent repeats a reconcile with the same candidate and expects no extra submissions.
func TestReconcileIsIdempotent(t *testing.T) {
	client := &mockClient{orders: []models.Order{stopOrder("old", 99)}}
	r := New("bot-1", client, nil, 0, zap.NewNop())
	persisted := &models.TrailingState{TrailingStopPrice: 99, ActiveStopOrderID: "old"}

	res, err := r.Reconcile(context.Background(), longPos, 108.35, persisted)
	require.NoError(t, err)
	require.True(t, res.Replaced)

	persisted = &models.TrailingState{TrailingStopPrice: 108.35, ActiveStopOrderID: res.OrderID}
	for i := 0; i < 3; i++ {
		again, err := r.Reconcile(context.Background(), longPos, 108.35, persisted)
		require.NoError(t, err)
		assert.False(t, again.Replaced)
		assert.Equal(t, SkipNotBetter, again.Skipped)
	}
	assert.Len(t, client.created, 1)
}

func TestReconcileSkipsInsignificantMove(t *testing.T) {
	client := &mockClient{orders: []models.Order{stopOrder("old", 108.35)}}
	r := New("bot-1", client, nil, 0.0001, zap.NewNop())
	persisted := &models.TrailingState{TrailingStopPrice: 108.35, ActiveStopOrderID: "old"}

	res, err := r.Reconcile(context.Background(), longPos, 108.35005, persisted)
	require.NoError(t, err)
	assert.Equal(t, SkipInsignificant, res.Skipped)
	assert.Empty(t, client.created)
}

func TestReconcileComparesAgainstLiveTrigger(t *testing.T) {
	// 状态已前进到 108.3504, 但交易所上的单仍在 108
	client := &mockClient{orders: []models.Order{stopOrder("old", 108)}}
	r := New("bot-1", client, nil, 0.0001, zap.NewNop())
	persisted := &models.TrailingState{TrailingStopPrice: 108.3504, ActiveStopOrderID: "old"}

	res, err := r.Reconcile(context.Background(), longPos, 108.35045, persisted)
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	require.Len(t, client.created, 1)
	assert.InDelta(t, 108.35045, client.created[0].TriggerPrice, 1e-9)
	assert.Equal(t, []string{"old"}, client.cancelled)
}

func TestReconcileShortDirection(t *testing.T) {
	short := models.Position{Symbol: "BTCUSDT", NetQuantity: -2, EntryPrice: 100, MarkPrice: 90}
	existing := models.Order{ID: "old", Symbol: "BTCUSDT", Side: models.Buy, Kind: models.OrderStop, StopLossTriggerPrice: 101, ReduceOnly: true}
	client := &mockClient{orders: []models.Order{existing}}
	r := New("bot-1", client, nil, 0, zap.NewNop())

	res, err := r.Reconcile(context.Background(), short, 102, &models.TrailingState{TrailingStopPrice: 101})
	require.NoError(t, err)
	assert.Equal(t, SkipNotBetter, res.Skipped)

	res, err = r.Reconcile(context.Background(), short, 91.35, &models.TrailingState{TrailingStopPrice: 101})
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Equal(t, models.Buy, client.created[0].Side)
	assert.Equal(t, 2.0, client.created[0].Quantity)
}

func TestReconcileCreateFailureLeavesOldOrder(t *testing.T) {
	client := &mockClient{orders: []models.Order{stopOrder("old", 99)}, createErr: errors.New("margin is insufficient")}
	emitter := &recordingEmitter{}
	r := New("bot-1", client, emitter, 0, zap.NewNop())

	res, err := r.Reconcile(context.Background(), longPos, 108.35, &models.TrailingState{TrailingStopPrice: 99})
	require.Error(t, err)
	assert.False(t, res.Replaced)
	assert.True(t, models.IsExchangeAPI(err))

	var apiErr *models.ExchangeAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "108.35", apiErr.Params["triggerPrice"])

	assert.Equal(t, []string{"create"}, client.calls, "old order must not be cancelled")
	require.Len(t, emitter.events, 1)
	assert.Equal(t, events.OrderReplaceFailed, emitter.events[0].Type)
	assert.Equal(t, 108.35, emitter.events[0].NewStop)
}

func TestReconcileRateLimitPassesThrough(t *testing.T) {
	rl := &models.RateLimitError{ExchangeAPIError: &models.ExchangeAPIError{Op: "createOrder", Code: -1003}}
	client := &mockClient{createErr: rl}
	r := New("bot-1", client, nil, 0, zap.NewNop())

	_, err := r.Reconcile(context.Background(), longPos, 99, nil)
	assert.True(t, models.IsRateLimit(err))
}

func TestReconcileCancelFailureStillReplaced(t *testing.T) {
	client := &mockClient{orders: []models.Order{stopOrder("old", 99)}, cancelErr: errors.New("unknown order")}
	r := New("bot-1", client, nil, 0, zap.NewNop())

	res, err := r.Reconcile(context.Background(), longPos, 108.35, &models.TrailingState{TrailingStopPrice: 99, ActiveStopOrderID: "old"})
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Empty(t, res.CancelledID)
}

func TestFindProtective(t *testing.T) {
	orders := []models.Order{
		{ID: "tp", Side: models.Sell, Kind: models.OrderTakeProfit, TakeProfitTriggerPrice: 120, ReduceOnly: true},
		{ID: "stop", Side: models.Sell, Kind: models.OrderStop, StopLossTriggerPrice: 99, ReduceOnly: true},
		{ID: "active", Side: models.Sell, Kind: models.OrderStop, StopLossTriggerPrice: 105, ReduceOnly: true},
	}

	assert.Equal(t, "active", FindProtective(orders, longPos, "active").ID)
	assert.Equal(t, "stop", FindProtective(orders, longPos, "gone").ID)

	lossSideLimit := []models.Order{
		{ID: "tp", Side: models.Sell, Kind: models.OrderTakeProfit, TakeProfitTriggerPrice: 120},
		{ID: "limit", Side: models.Sell, Kind: models.OrderLimit, LimitPrice: 100},
	}
	assert.Equal(t, "limit", FindProtective(lossSideLimit, longPos, "").ID)

	assert.Nil(t, FindProtective(orders[:1], longPos, ""))
}

func TestNewClientID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewClientID()
		assert.LessOrEqual(t, len(id), 36)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
