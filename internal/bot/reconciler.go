package bot

import (
	"context"
	"fmt"
	"time"

	"perp-signal-bot-go/internal/exchange"
	"perp-signal-bot-go/internal/models"
	"perp-signal-bot-go/internal/ordermanager"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder 接收对账过程中产生的订单动作记录
type Recorder interface {
	RecordJournal(entry models.JournalEntry)
}

// Reconciler 是持仓对账状态机。
// 每次 tick 把最新信号与交易所的实时持仓合并，决定开仓、持有、翻仓或平仓。
// 状态按值传入、按值返回；同一实例不允许并发调用。
type Reconciler struct {
	ex       exchange.Exchange
	exec     *ordermanager.Executor
	protect  *ordermanager.ProtectiveManager
	notifier ordermanager.Notifier
	recorder Recorder
	cfg      *models.Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(ex exchange.Exchange, cfg *models.Config, notifier ordermanager.Notifier, recorder Recorder, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		ex:       ex,
		exec:     ordermanager.NewExecutor(ex, cfg, logger),
		protect:  ordermanager.NewProtectiveManager(ex, cfg, notifier, logger),
		notifier: notifier,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile 处理一个信号周期
func (r *Reconciler) Reconcile(ctx context.Context, state models.StrategyRuntimeState, sig models.Signal, price float64) (models.StrategyRuntimeState, error) {
	if !sig.Valid() {
		return state, fmt.Errorf("对账: %w: %d", models.ErrInvalidSignal, sig)
	}
	state.LastPrice = price
	state.LastUpdateTime = r.now()

	r.logger.Info("收到信号", zap.Stringer("signal", sig), zap.Float64("price", price))
	if sig != models.SignalNeutral {
		r.notifier.Send(ctx, models.TargetLogs, fmt.Sprintf("%s 信号: %s, 价格: %.2f", r.cfg.Symbol, sig, price))
	}

	pos, err := r.fetchPosition(ctx)
	if err != nil {
		return state, err
	}
	// 上一周期的保护单已经成交, 先按保护单平仓处理, 再看新信号
	if !pos.IsOpen() && state.Targets.IsSet() {
		if state, err = r.onProtectiveHit(ctx, state, price); err != nil {
			return state, err
		}
	}
	state.CurrentSignal = sig

	switch {
	case !pos.IsOpen():
		if sig == models.SignalNeutral {
			return state, nil
		}
		return r.open(ctx, state, sig, price, models.ActionOpen)
	case sig == models.SignalNeutral:
		return r.onNeutral(ctx, state, pos, price)
	case sig.PositionSide() == pos.Side:
		state.ResetCounters()
		return r.trail(ctx, state, pos, price)
	default:
		return r.onReverse(ctx, state, pos, sig, price)
	}
}

// Monitor 在两个信号周期之间刷新持仓: 仓位被止损/止盈平掉时清除保护价,
// 持仓方向与当前信号一致时追踪保护单。不修改任何计数器。
func (r *Reconciler) Monitor(ctx context.Context, state models.StrategyRuntimeState, price float64) (models.StrategyRuntimeState, error) {
	state.LastPrice = price
	state.LastUpdateTime = r.now()

	pos, err := r.fetchPosition(ctx)
	if err != nil {
		return state, err
	}

	if !pos.IsOpen() {
		if !state.Targets.IsSet() {
			return state, nil
		}
		return r.onProtectiveHit(ctx, state, price)
	}

	if state.CurrentSignal.PositionSide() != pos.Side {
		return state, nil
	}
	return r.trail(ctx, state, pos, price)
}

// onProtectiveHit 处理本地仍有保护价但交易所已无持仓的情况: 记录并通知后清除保护价, 撤掉剩余挂单。
func (r *Reconciler) onProtectiveHit(ctx context.Context, state models.StrategyRuntimeState, price float64) (models.StrategyRuntimeState, error) {
	r.logger.Info("仓位已被保护单平掉", zap.Float64("price", price),
		zap.Stringer("stopLoss", state.Targets.StopLoss), zap.Stringer("takeProfit", state.Targets.TakeProfit))
	r.notifier.Send(ctx, models.TargetTrades, r.withMention(fmt.Sprintf("%s 仓位已平 (止损/止盈触发), 当前价格: %.2f", r.cfg.Symbol, price)))
	r.record(models.JournalEntry{
		Action:     models.ActionProtectiveHit,
		Signal:     state.CurrentSignal,
		Price:      price,
		StopLoss:   value(state.Targets.StopLoss),
		TakeProfit: value(state.Targets.TakeProfit),
	})
	state.Targets = models.ProtectiveTargets{}
	if err := r.protect.CancelAll(ctx); err != nil {
		return state, fmt.Errorf("清理剩余挂单: %w", err)
	}
	return state, nil
}

func (r *Reconciler) open(ctx context.Context, state models.StrategyRuntimeState, sig models.Signal, price float64, action models.JournalAction) (models.StrategyRuntimeState, error) {
	state.ResetCounters()
	state.EntryTime = r.now()
	state.Targets = models.ProtectiveTargets{}

	r.notifier.Send(ctx, models.TargetTrades, r.withMention(fmt.Sprintf("%s 市价开仓 %s, 数量: %g, 当前价格: %.2f",
		r.cfg.Symbol, sig.PositionSide(), r.cfg.Quantity, price)))

	order, err := r.exec.OpenAtMarket(ctx, sig, r.cfg.Quantity)
	if err != nil {
		return state, fmt.Errorf("开仓: %w", err)
	}
	r.record(models.JournalEntry{
		Action:    action,
		Signal:    sig,
		Side:      sig.Side(),
		Quantity:  r.cfg.Quantity,
		Price:     order.AvgFillPrice,
		OrderHash: order.Hash,
	})

	entry, qty := 0.0, 0.0
	pos, err := r.fetchPosition(ctx)
	if err != nil {
		r.logger.Warn("开仓后获取持仓失败, 使用成交价计算保护单", zap.Error(err))
	} else if pos.Side == sig.PositionSide() {
		entry, qty = pos.EntryPrice, pos.Quantity
	}
	if entry == 0 {
		entry = order.AvgFillPrice
	}
	if entry == 0 {
		entry = price
	}
	if qty == 0 {
		qty = r.cfg.Quantity
	}

	targets, err := r.protect.PlaceInitial(ctx, sig.PositionSide(), entry, qty)
	state.Targets = targets
	if err != nil {
		return state, fmt.Errorf("下保护单: %w", err)
	}
	r.recordTargets(state, sig, entry)
	r.notifier.Send(ctx, models.TargetTrades, r.withMention(fmt.Sprintf("%s 已开仓 %s @ %.2f, 止损: %s, 止盈: %s",
		r.cfg.Symbol, sig.PositionSide(), entry, targets.StopLoss, targets.TakeProfit)))
	return state, nil
}

func (r *Reconciler) onReverse(ctx context.Context, state models.StrategyRuntimeState, pos models.Position, sig models.Signal, price float64) (models.StrategyRuntimeState, error) {
	state.NeutralSignalCount = 0
	state.SentNeutralNotice = false
	state.ReverseSignalCount++

	if state.ReverseSignalCount <= r.cfg.ReverseTolerance {
		r.logger.Info("反向信号, 容忍中", zap.Int("count", state.ReverseSignalCount), zap.Int("tolerance", r.cfg.ReverseTolerance))
		if !state.SentReverseNotice {
			r.notifier.Send(ctx, models.TargetTrades, r.withMention(fmt.Sprintf("%s 持有 %s 仓位时出现反向信号 %s, 暂不翻仓 (%d/%d)",
				r.cfg.Symbol, pos.Side, sig, state.ReverseSignalCount, r.cfg.ReverseTolerance)))
			state.SentReverseNotice = true
		}
		return state, nil
	}

	r.logger.Info("信号反转, 翻仓", zap.String("from", string(pos.Side)), zap.Stringer("to", sig))
	r.notifier.Send(ctx, models.TargetTrades, r.withMention(fmt.Sprintf("%s 信号反转, 平掉 %s 仓位并开 %s 仓位, 当前价格: %.2f",
		r.cfg.Symbol, pos.Side, sig.PositionSide(), price)))

	order, err := r.exec.CloseAtMarket(ctx, pos.Side, r.cfg.Quantity)
	if err != nil {
		return state, fmt.Errorf("翻仓平仓: %w", err)
	}
	state.Targets = models.ProtectiveTargets{}
	r.record(models.JournalEntry{
		Action:    models.ActionFlipClose,
		Signal:    sig,
		Side:      pos.Side.CloseSide(),
		Quantity:  r.cfg.Quantity,
		Price:     order.AvgFillPrice,
		OrderHash: order.Hash,
		Note:      fmt.Sprintf("entry %.2f", pos.EntryPrice),
	})

	return r.open(ctx, state, sig, price, models.ActionFlipOpen)
}

func (r *Reconciler) onNeutral(ctx context.Context, state models.StrategyRuntimeState, pos models.Position, price float64) (models.StrategyRuntimeState, error) {
	state.NeutralSignalCount++

	if state.NeutralSignalCount < r.cfg.NeutralTolerance {
		r.logger.Info("中性信号, 容忍中", zap.Int("count", state.NeutralSignalCount), zap.Int("tolerance", r.cfg.NeutralTolerance))
		if !state.SentNeutralNotice {
			r.notifier.Send(ctx, models.TargetTrades, r.withMention(fmt.Sprintf("%s 持有 %s 仓位时出现中性信号, 继续持有 (%d/%d)",
				r.cfg.Symbol, pos.Side, state.NeutralSignalCount, r.cfg.NeutralTolerance)))
			state.SentNeutralNotice = true
		}
		return state, nil
	}

	favorable := (pos.Side == models.Long && price >= pos.EntryPrice) ||
		(pos.Side == models.Short && price <= pos.EntryPrice)
	if !favorable {
		r.logger.Info("中性信号已达容忍次数, 但价格未越过开仓价, 继续持有",
			zap.Int("count", state.NeutralSignalCount), zap.Float64("price", price), zap.Float64("entry", pos.EntryPrice))
		return state, nil
	}

	r.notifier.Send(ctx, models.TargetTrades, r.withMention(fmt.Sprintf("%s 连续 %d 次中性信号, 平掉 %s 仓位, 开仓价: %.2f, 当前价格: %.2f",
		r.cfg.Symbol, state.NeutralSignalCount, pos.Side, pos.EntryPrice, price)))
	order, err := r.exec.CloseAtMarket(ctx, pos.Side, r.cfg.Quantity)
	if err != nil {
		return state, fmt.Errorf("中性平仓: %w", err)
	}
	r.record(models.JournalEntry{
		Action:    models.ActionNeutralExit,
		Signal:    models.SignalNeutral,
		Side:      pos.Side.CloseSide(),
		Quantity:  r.cfg.Quantity,
		Price:     order.AvgFillPrice,
		OrderHash: order.Hash,
		Note:      fmt.Sprintf("entry %.2f", pos.EntryPrice),
	})

	state.Targets = models.ProtectiveTargets{}
	state.ResetCounters()
	state.EntryTime = time.Time{}
	if err := r.protect.CancelAll(ctx); err != nil {
		return state, fmt.Errorf("中性平仓后撤单: %w", err)
	}
	return state, nil
}

func (r *Reconciler) trail(ctx context.Context, state models.StrategyRuntimeState, pos models.Position, price float64) (models.StrategyRuntimeState, error) {
	targets, changed, err := r.protect.Ensure(ctx, pos, price, state.Targets)
	state.Targets = targets
	if err != nil {
		return state, fmt.Errorf("追踪保护单: %w", err)
	}
	if changed {
		r.recordTargets(state, state.CurrentSignal, price)
	}
	return state, nil
}

func (r *Reconciler) fetchPosition(ctx context.Context) (models.Position, error) {
	raw, err := r.ex.GetPosition(ctx, r.cfg.Symbol)
	if err != nil {
		return models.Position{}, err
	}
	pos, err := models.ParsePosition(raw)
	if err != nil {
		return models.Position{}, fmt.Errorf("解析持仓: %w", err)
	}
	if len(pos.Unparsed) > 0 {
		r.logger.Warn("持仓中部分字段无法转换", zap.Any("fields", pos.Unparsed))
	}
	return pos, nil
}

func (r *Reconciler) recordTargets(state models.StrategyRuntimeState, sig models.Signal, ref float64) {
	r.record(models.JournalEntry{
		Action:     models.ActionProtectiveUpdate,
		Signal:     sig,
		Quantity:   state.Targets.Quantity,
		Price:      ref,
		StopLoss:   value(state.Targets.StopLoss),
		TakeProfit: value(state.Targets.TakeProfit),
	})
}

func (r *Reconciler) record(entry models.JournalEntry) {
	if r.recorder == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.Time = r.now()
	entry.Symbol = r.cfg.Symbol
	r.recorder.RecordJournal(entry)
}

func (r *Reconciler) withMention(msg string) string {
	if r.cfg.Notify.Mention == "" {
		return msg
	}
	return msg + " " + r.cfg.Notify.Mention
}

func value(p models.PriceTarget) float64 {
	v, _ := p.Value()
	return v
}
