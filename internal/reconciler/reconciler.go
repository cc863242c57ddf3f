package reconciler

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/OvictorVieira/backbot-sub005/internal/events"
	"github.com/OvictorVieira/backbot-sub005/internal/exchange"
	"github.com/OvictorVieira/backbot-sub005/internal/metrics"
	"github.com/OvictorVieira/backbot-sub005/internal/models"
	"github.com/OvictorVieira/backbot-sub005/internal/trailing"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// DefaultEpsilon is the absolute price change below which a stop is not replaced.
const DefaultEpsilon = 0.0001

// SkipReason 说明为什么没有替换止损单
type SkipReason string

const (
	SkipNone          SkipReason = ""
	SkipNotBetter     SkipReason = "not_better"
	SkipInsignificant SkipReason = "insignificant"
)

// Result 是一次对账的结果
type Result struct {
	Replaced    bool
	Skipped     SkipReason
	OrderID     string // 新止损单
	CancelledID string // 被撤销的旧止损单, 为空表示没有或撤销失败
	Existing    *models.Order
}

// Reconciler 负责把建议的止损价同步到交易所的保护单 (先下新单, 再撤旧单)
type Reconciler struct {
	client  exchange.Client
	emitter events.Emitter
	logger  *zap.Logger
	botID   string
	epsilon float64
}

// New creates a reconciler for one bot.
func New(botID string, client exchange.Client, emitter events.Emitter, epsilon float64, logger *zap.Logger) *Reconciler {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	if emitter == nil {
		emitter = events.Nop
	}
	return &Reconciler{client: client, emitter: emitter, logger: logger, botID: botID, epsilon: epsilon}
}

// NewClientID 生成 base62 编码的客户端订单号
func NewClientID() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().UnixNano()))
	_, _ = rand.Read(buf[8:])
	return "bb" + base62.EncodeToString(buf[:])
}

// FindProtective picks the order currently protecting pos, if any.
func FindProtective(orders []models.Order, pos models.Position, activeID string) *models.Order {
	if activeID != "" {
		for i := range orders {
			if orders[i].ID == activeID {
				return &orders[i]
			}
		}
	}

	closeSide := pos.Direction().CloseSide()
	for i := range orders {
		o := orders[i]
		if o.ReduceOnly && o.Side == closeSide && o.TriggerKind() == models.TriggerStopLoss {
			return &orders[i]
		}
	}

	// 止盈或限价单如果挂在亏损一侧, 实际起到止损作用
	for i := range orders {
		o := orders[i]
		if o.Side != closeSide {
			continue
		}
		kind := o.TriggerKind()
		if kind != models.TriggerTakeProfit && kind != models.TriggerLimit {
			continue
		}
		trigger := o.TriggerPrice()
		if pos.Direction() == models.Long && trigger < pos.MarkPrice ||
			pos.Direction() == models.Short && trigger > pos.MarkPrice {
			return &orders[i]
		}
	}
	return nil
}

// Reconcile moves the protective stop of pos to candidate when that is a real
// improvement over the live order's trigger. persisted may be nil for a state
// that was never stored; it only identifies the order that was placed last.
func (r *Reconciler) Reconcile(ctx context.Context, pos models.Position, candidate float64, persisted *models.TrailingState) (Result, error) {
	if err := models.CheckFinite("reconcile", candidate); err != nil {
		return Result{}, err
	}

	orders, err := r.client.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile %s: %w", pos.Symbol, err)
	}

	activeID := ""
	if persisted != nil {
		activeID = persisted.ActiveStopOrderID
	}

	existing := FindProtective(orders, pos, activeID)
	if existing != nil && !trailing.IsBetter(candidate, existing.TriggerPrice(), pos.Direction()) {
		metrics.ReconcileSkips.WithLabelValues(string(SkipNotBetter)).Inc()
		return Result{Skipped: SkipNotBetter, Existing: existing}, nil
	}
	// 与交易所上的触发价比较, 状态里的止损价在跳过时也会前进
	if existing != nil && math.Abs(candidate-existing.TriggerPrice()) < r.epsilon {
		metrics.ReconcileSkips.WithLabelValues(string(SkipInsignificant)).Inc()
		return Result{Skipped: SkipInsignificant, Existing: existing}, nil
	}

	req := models.OrderRequest{
		Symbol:       pos.Symbol,
		Side:         pos.Direction().CloseSide(),
		Kind:         models.OrderStop,
		Quantity:     pos.AbsQuantity(),
		TriggerPrice: candidate,
		ReduceOnly:   true,
		ClientID:     NewClientID(),
	}

	created, err := r.client.CreateOrder(ctx, req)
	if err != nil {
		fields := append([]zap.Field{zap.String("botId", r.botID), zap.Error(err)}, req.Fields()...)
		r.logger.Error("Failed to submit replacement stop", fields...)
		r.emitter.Emit(events.Event{
			Type:    events.OrderReplaceFailed,
			BotID:   r.botID,
			Symbol:  pos.Symbol,
			Price:   pos.MarkPrice,
			NewStop: candidate,
			Reason:  err.Error(),
		})
		if models.IsExchangeAPI(err) {
			return Result{}, err
		}
		return Result{}, &models.ExchangeAPIError{Op: "createOrder", Msg: err.Error(), Params: req.Params(), Err: err}
	}

	res := Result{Replaced: true, OrderID: created.ID, Existing: existing}
	if existing != nil && existing.ID != created.ID {
		if err := r.client.CancelOrder(ctx, pos.Symbol, existing.ID); err != nil {
			// 旧单残留, 由孤儿订单监控清理
			r.logger.Warn("Failed to cancel previous stop",
				zap.String("botId", r.botID),
				zap.String("symbol", pos.Symbol),
				zap.String("orderId", existing.ID),
				zap.Error(err),
			)
		} else {
			res.CancelledID = existing.ID
		}
	}

	r.logger.Info("Protective stop replaced",
		zap.String("botId", r.botID),
		zap.String("symbol", pos.Symbol),
		zap.String("orderId", created.ID),
		zap.String("cancelledId", res.CancelledID),
		zap.Float64("stop", candidate),
	)
	return res, nil
}
