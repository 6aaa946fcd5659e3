package ordermanager

import (
	"context"
	"fmt"
	"time"

	"perp-signal-bot-go/internal/exchange"
	"perp-signal-bot-go/internal/models"

	"go.uber.org/zap"
)

// Executor 负责以市价开仓和平仓，并等待成交。
type Executor struct {
	ex     exchange.Exchange
	waiter *FillWaiter
	cfg    *models.Config
	logger *zap.Logger
}

func NewExecutor(ex exchange.Exchange, cfg *models.Config, logger *zap.Logger) *Executor {
	return &Executor{
		ex:     ex,
		waiter: NewFillWaiter(ex, cfg.Symbol, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// OpenAtMarket 按信号方向市价开仓
func (e *Executor) OpenAtMarket(ctx context.Context, signal models.Signal, qty float64) (*models.Order, error) {
	if !signal.Valid() || signal == models.SignalNeutral {
		return nil, fmt.Errorf("开仓: %w: %d", models.ErrInvalidSignal, signal)
	}
	return e.submitMarket(ctx, signal.Side(), qty, false)
}

// CloseAtMarket 以市价平掉指定方向的仓位
func (e *Executor) CloseAtMarket(ctx context.Context, side models.PositionSide, qty float64) (*models.Order, error) {
	if side != models.Long && side != models.Short {
		return nil, fmt.Errorf("平仓: %w: %q", models.ErrInvalidPositionState, side)
	}
	return e.submitMarket(ctx, side.CloseSide(), qty, true)
}

func (e *Executor) submitMarket(ctx context.Context, side models.Side, qty float64, reduceOnly bool) (*models.Order, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidQuantity, qty)
	}

	req := models.OrderRequest{
		Symbol:     e.cfg.Symbol,
		Side:       side,
		Type:       models.Market,
		Quantity:   qty,
		Leverage:   resolveLeverage(ctx, e.ex, e.cfg, e.logger),
		ReduceOnly: reduceOnly,
		Expiration: orderExpiration(e.cfg),
	}
	resp, err := e.ex.SubmitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Hash == "" {
		e.logger.Warn("下单响应中没有订单 hash, 无法等待成交", zap.String("side", string(side)))
		return resp, nil
	}
	e.logger.Info("市价单已提交",
		zap.String("hash", resp.Hash),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.Bool("reduceOnly", reduceOnly))

	timeout := time.Duration(e.cfg.FillTimeoutSec) * time.Second
	poll := time.Duration(e.cfg.FillPollIntervalMs) * time.Millisecond
	filled, err := e.waiter.WaitForFill(ctx, resp.Hash, timeout, poll)
	if err != nil {
		return nil, err
	}
	if filled == nil {
		// 仍在挂单中，以下单响应为准
		return resp, nil
	}
	if filled.Status != models.StatusFilled {
		return filled, fmt.Errorf("订单 %s: %w: %s", filled.Hash, models.ErrOrderRejected, filled.Status)
	}
	return filled, nil
}

// resolveLeverage 从交易所读取杠杆，失败时使用配置值
func resolveLeverage(ctx context.Context, ex exchange.Exchange, cfg *models.Config, logger *zap.Logger) int {
	lev, err := ex.GetLeverage(ctx, cfg.Symbol)
	if err != nil || lev <= 0 {
		logger.Warn("获取杠杆失败, 使用配置值", zap.Int("leverage", cfg.Leverage), zap.Error(err))
		return cfg.Leverage
	}
	return lev
}

func orderExpiration(cfg *models.Config) time.Time {
	if cfg.OrderExpiryHours <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(cfg.OrderExpiryHours) * time.Hour)
}
