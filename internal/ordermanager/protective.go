package ordermanager

import (
	"context"
	"fmt"

	"perp-signal-bot-go/internal/exchange"
	"perp-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Notifier 是单向的文本通知出口。发送失败由实现方记录并吞掉。
type Notifier interface {
	Send(ctx context.Context, target models.NotifyTarget, msg string)
}

// ProtectiveManager 维护持仓对应的止损单和止盈单。
// 更新一律是 "撤销该交易对全部挂单 + 重新下单"，因此要求本程序是该交易对唯一的下单方。
type ProtectiveManager struct {
	ex       exchange.Exchange
	cfg      *models.Config
	notifier Notifier
	logger   *zap.Logger
}

func NewProtectiveManager(ex exchange.Exchange, cfg *models.Config, notifier Notifier, logger *zap.Logger) *ProtectiveManager {
	return &ProtectiveManager{ex: ex, cfg: cfg, notifier: notifier, logger: logger}
}

// Levels 根据参考价计算止损价和止盈价，按价格精度四舍五入。
func (m *ProtectiveManager) Levels(side models.PositionSide, ref float64) (stop, target float64, err error) {
	price := decimal.NewFromFloat(ref)
	one := decimal.NewFromInt(1)
	sl := decimal.NewFromFloat(m.cfg.StopLoss)
	tp := decimal.NewFromFloat(m.cfg.TakeProfit)

	var s, t decimal.Decimal
	switch side {
	case models.Long:
		s = price.Mul(one.Sub(sl))
		t = price.Mul(one.Add(tp))
	case models.Short:
		s = price.Mul(one.Add(sl))
		t = price.Mul(one.Sub(tp))
	default:
		return 0, 0, fmt.Errorf("计算保护价: %w: %q", models.ErrInvalidPositionState, side)
	}
	stop, _ = s.Round(m.cfg.PricePrecision).Float64()
	target, _ = t.Round(m.cfg.PricePrecision).Float64()
	return stop, target, nil
}

// Ensure 以 ref 为参考价重新计算保护价并单向追踪:
// 多头只上移，空头只下移。价格或持仓数量变化时才撤单重下，否则不发出任何订单请求。
// 保护单数量取交易所当前的持仓数量。失败时返回原来的 targets 和错误。
func (m *ProtectiveManager) Ensure(ctx context.Context, pos models.Position, ref float64, targets models.ProtectiveTargets) (models.ProtectiveTargets, bool, error) {
	if !pos.IsOpen() {
		return targets, false, fmt.Errorf("更新保护单: %w: %q", models.ErrInvalidPositionState, pos.Side)
	}
	stop, target, err := m.Levels(pos.Side, ref)
	if err != nil {
		return targets, false, err
	}

	next := targets
	if pos.Side == models.Long {
		next.StopLoss = targets.StopLoss.TrailUp(stop)
		next.TakeProfit = targets.TakeProfit.TrailUp(target)
	} else {
		next.StopLoss = targets.StopLoss.TrailDown(stop)
		next.TakeProfit = targets.TakeProfit.TrailDown(target)
	}
	next.Quantity = pos.Quantity

	changed := !next.StopLoss.Equal(targets.StopLoss) ||
		!next.TakeProfit.Equal(targets.TakeProfit) ||
		next.Quantity != targets.Quantity
	if !changed {
		m.logger.Debug("保护单无需更新", zap.Stringer("stopLoss", targets.StopLoss), zap.Stringer("takeProfit", targets.TakeProfit))
		m.notifier.Send(ctx, models.TargetLogs, fmt.Sprintf("%s 保护单无需更新: 止损 %s, 止盈 %s, 参考价 %.2f",
			m.cfg.Symbol, targets.StopLoss, targets.TakeProfit, ref))
		return targets, false, nil
	}

	m.logger.Info("更新保护单",
		zap.String("side", string(pos.Side)),
		zap.Stringer("oldStopLoss", targets.StopLoss), zap.Stringer("stopLoss", next.StopLoss),
		zap.Stringer("oldTakeProfit", targets.TakeProfit), zap.Stringer("takeProfit", next.TakeProfit),
		zap.Float64("qty", next.Quantity))
	m.notifier.Send(ctx, models.TargetLogs, fmt.Sprintf("%s 更新保护单: 止损 %s -> %s, 止盈 %s -> %s, 数量 %g",
		m.cfg.Symbol, targets.StopLoss, next.StopLoss, targets.TakeProfit, next.TakeProfit, next.Quantity))

	if err := m.replace(ctx, pos.Side, next); err != nil {
		// 撤单可能已经成功: 数量清零使下一次 tick 一定会重新下单
		failed := targets
		failed.Quantity = 0
		return failed, false, err
	}
	return next, true, nil
}

// PlaceInitial 在开仓后以入场价为基准下保护单，不做追踪。
// 失败时返回的 targets 带有计算出的价格, 但 Quantity 为 0。
func (m *ProtectiveManager) PlaceInitial(ctx context.Context, side models.PositionSide, entry, qty float64) (models.ProtectiveTargets, error) {
	stop, target, err := m.Levels(side, entry)
	if err != nil {
		return models.ProtectiveTargets{}, err
	}
	next := models.ProtectiveTargets{
		StopLoss:   models.PriceOf(stop),
		TakeProfit: models.PriceOf(target),
		Quantity:   qty,
	}
	m.logger.Info("下初始保护单",
		zap.String("side", string(side)), zap.Float64("entry", entry),
		zap.Float64("stopLoss", stop), zap.Float64("takeProfit", target), zap.Float64("qty", qty))

	if err := m.replace(ctx, side, next); err != nil {
		next.Quantity = 0
		return next, err
	}
	return next, nil
}

// CancelAll 撤销该交易对的全部挂单；没有挂单时不发出撤单请求
func (m *ProtectiveManager) CancelAll(ctx context.Context) error {
	open, err := m.ex.GetOpenOrders(ctx, models.OrderFilter{Symbol: m.cfg.Symbol})
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}
	hashes := make([]string, 0, len(open))
	for _, o := range open {
		hashes = append(hashes, o.Hash)
	}
	return m.ex.CancelAllOrders(ctx, m.cfg.Symbol, hashes)
}

func (m *ProtectiveManager) replace(ctx context.Context, side models.PositionSide, t models.ProtectiveTargets) error {
	if t.Quantity <= 0 {
		return fmt.Errorf("保护单: %w: %v", models.ErrInvalidQuantity, t.Quantity)
	}
	if err := m.CancelAll(ctx); err != nil {
		return fmt.Errorf("撤销旧保护单: %w", err)
	}

	stop, _ := t.StopLoss.Value()
	target, _ := t.TakeProfit.Value()
	leverage := resolveLeverage(ctx, m.ex, m.cfg, m.logger)
	expiration := orderExpiration(m.cfg)

	sl, err := m.ex.SubmitOrder(ctx, models.OrderRequest{
		Symbol:       m.cfg.Symbol,
		Side:         side.CloseSide(),
		Type:         models.StopLimit,
		Quantity:     t.Quantity,
		Price:        stop,
		TriggerPrice: stop,
		Leverage:     leverage,
		PostOnly:     true,
		ReduceOnly:   true,
		Expiration:   expiration,
	})
	if err != nil {
		return fmt.Errorf("提交止损单: %w", err)
	}
	tp, err := m.ex.SubmitOrder(ctx, models.OrderRequest{
		Symbol:     m.cfg.Symbol,
		Side:       side.CloseSide(),
		Type:       models.Limit,
		Quantity:   t.Quantity,
		Price:      target,
		Leverage:   leverage,
		ReduceOnly: true,
		Expiration: expiration,
	})
	if err != nil {
		return fmt.Errorf("提交止盈单: %w", err)
	}
	m.logger.Info("保护单已提交", zap.String("stopLossHash", sl.Hash), zap.String("takeProfitHash", tp.Hash))
	return nil
}
