package exchange

import (
	"context"

	"perp-signal-bot-go/internal/models"
)

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得机器人可以在真实交易和模拟盘之间轻松切换。
// 所有方法都是阻塞的往返调用；失败时返回 *models.GatewayError。
type Exchange interface {
	SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	// CancelAllOrders 取消该交易对的全部挂单, hashes 仅用于对账和日志
	CancelAllOrders(ctx context.Context, symbol string, hashes []string) error
	GetOpenOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)
	GetPosition(ctx context.Context, symbol string) (*models.RawPosition, error)
	GetLeverage(ctx context.Context, symbol string) (int, error)
}
