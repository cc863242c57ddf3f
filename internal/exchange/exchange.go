package exchange

import (
	"context"

	"github.com/OvictorVieira/backbot-sub005/internal/models"
)

// Client 定义了风控引擎需要的全部交易所操作。
// 这使得引擎可以在真实交易所和模拟交易所之间轻松切换。
type Client interface {
	GetOpenPositions(ctx context.Context) ([]models.Position, error)
	GetAccount(ctx context.Context) (*models.Account, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) // symbol 为空时返回全部挂单
	CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// ClientFactory builds a Client for one bot's credentials.
type ClientFactory func(creds models.Credentials) (Client, error)
