package ordermanager

import (
	"context"
	"time"

	"perp-signal-bot-go/internal/exchange"
	"perp-signal-bot-go/internal/models"

	"go.uber.org/zap"
)

// FillWaiter 轮询挂单列表，等待某个订单成交。
type FillWaiter struct {
	ex     exchange.Exchange
	symbol string
	logger *zap.Logger
}

func NewFillWaiter(ex exchange.Exchange, symbol string, logger *zap.Logger) *FillWaiter {
	return &FillWaiter{ex: ex, symbol: symbol, logger: logger}
}

// WaitForFill 每隔 poll 查询一次挂单列表，直到订单成交或超过 timeout。
//
// 交易所会把已成交的订单从挂单列表中移除，所以订单连续两次不在列表中时
// 视为已成交，返回 {Hash, Status: FILLED}。这可能把被外部撤销的订单也当成成交。
// 订单仍在挂单中而超时时返回 (nil, nil)。已撤销/已拒绝的订单原样返回，由调用方处理。
// 返回时间不超过 timeout + poll (不含单次查询本身的耗时)。
func (w *FillWaiter) WaitForFill(ctx context.Context, hash string, timeout, poll time.Duration) (*models.Order, error) {
	deadline := time.Now().Add(timeout)
	missing := false

	for {
		orders, err := w.ex.GetOpenOrders(ctx, models.OrderFilter{Symbol: w.symbol})
		if err != nil {
			// 查询失败打断了 "连续两次不在列表中" 的判断
			missing = false
			w.logger.Warn("查询挂单失败, 继续等待", zap.String("hash", hash), zap.Error(err))
		} else {
			order := findOrder(orders, hash)
			switch {
			case order == nil && missing:
				w.logger.Info("订单连续两次不在挂单列表中, 视为已成交", zap.String("hash", hash))
				return &models.Order{Hash: hash, Symbol: w.symbol, Status: models.StatusFilled}, nil
			case order == nil:
				missing = true
			case order.Status.IsTerminal():
				return order, nil
			default:
				missing = false
			}
		}

		// 截止时间之后只允许再查询一次, 用来确认上一次看到的缺失
		wait := poll
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if !missing {
				w.logger.Warn("等待订单成交超时", zap.String("hash", hash), zap.Duration("timeout", timeout))
				return nil, nil
			}
		} else if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func findOrder(orders []models.Order, hash string) *models.Order {
	for i := range orders {
		if orders[i].Hash == hash {
			o := orders[i]
			return &o
		}
	}
	return nil
}
