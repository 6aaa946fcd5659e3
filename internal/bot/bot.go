package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"perp-signal-bot-go/internal/exchange"
	"perp-signal-bot-go/internal/models"
	"perp-signal-bot-go/internal/ordermanager"
	"perp-signal-bot-go/internal/reporter"

	"go.uber.org/zap"
)

// SignalSource 提供最新已收盘K线对应的交易信号
type SignalSource interface {
	Latest(ctx context.Context) (models.Signal, error)
}

// PriceSource 提供最新成交价
type PriceSource interface {
	LastPrice(ctx context.Context) (float64, error)
}

// StateSink 接收每次 tick 后的状态以及订单动作记录
type StateSink interface {
	Recorder
	TickCompleted(state models.StrategyRuntimeState)
}

// SignalBot 是信号驱动的永续合约机器人。
// 所有 tick 都在 Run 的同一个 goroutine 中串行执行，不会有两个 tick 同时访问交易所。
type SignalBot struct {
	config     *models.Config
	exchange   exchange.Exchange
	reconciler *Reconciler
	signals    SignalSource
	prices     PriceSource
	sink       StateSink
	logger     *zap.Logger

	mutex sync.RWMutex
	state models.StrategyRuntimeState
}

// NewSignalBot 创建一个新的信号机器人实例
func NewSignalBot(config *models.Config, ex exchange.Exchange, signals SignalSource, prices PriceSource, notifier ordermanager.Notifier, sink StateSink, logger *zap.Logger) *SignalBot {
	var recorder Recorder
	if sink != nil {
		recorder = sink
	}
	return &SignalBot{
		config:     config,
		exchange:   ex,
		reconciler: NewReconciler(ex, config, notifier, recorder, logger),
		signals:    signals,
		prices:     prices,
		sink:       sink,
		logger:     logger,
		state:      models.NewRuntimeState(config.Symbol),
	}
}

// Restore 用持久化的快照替换当前状态，只能在 Run 之前调用
func (b *SignalBot) Restore(state models.StrategyRuntimeState) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	state.Symbol = b.config.Symbol
	b.state = state
}

// State 返回当前状态的副本
func (b *SignalBot) State() models.StrategyRuntimeState {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.state
}

// NextSignalTime 返回下一个信号时刻: 下一根K线收盘后 offset。
// 如果当前仍处于本周期的 offset 窗口内，则返回本周期的时刻。
func NextSignalTime(now time.Time, interval, offset time.Duration) time.Time {
	boundary := now.Truncate(interval)
	if candidate := boundary.Add(offset); candidate.After(now) {
		return candidate
	}
	return boundary.Add(interval).Add(offset)
}

// Run 阻塞运行直到 ctx 被取消
func (b *SignalBot) Run(ctx context.Context) error {
	interval := time.Duration(b.config.SignalIntervalSec) * time.Second
	offset := time.Duration(b.config.SignalOffsetSec) * time.Second
	if interval <= 0 {
		return fmt.Errorf("信号周期必须大于0")
	}

	next := NextSignalTime(time.Now(), interval, offset)
	b.logger.Sugar().Infof("信号机器人已启动, 交易对: %s, 下一次信号时间: %s", b.config.Symbol, next.Format("15:04:05"))
	signalTimer := time.NewTimer(time.Until(next))
	defer signalTimer.Stop()

	monitor := time.NewTicker(durationOr(b.config.MonitorIntervalSec, 10))
	defer monitor.Stop()
	status := time.NewTicker(durationOr(b.config.StatusIntervalSec, 30))
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("信号机器人已停止。")
			return nil
		case <-signalTimer.C:
			b.safeTick("signal", func() error { return b.SignalTick(ctx) })
			next = NextSignalTime(time.Now(), interval, offset)
			signalTimer.Reset(time.Until(next))
		case <-monitor.C:
			b.safeTick("monitor", func() error { return b.MonitorTick(ctx) })
		case <-status.C:
			b.safeTick("status", func() error { return b.printStatus(ctx) })
		}
	}
}

// SignalTick 拉取信号和价格并执行一次对账
func (b *SignalBot) SignalTick(ctx context.Context) error {
	sig, err := b.signals.Latest(ctx)
	if err != nil {
		return fmt.Errorf("获取信号失败: %w", err)
	}
	price, err := b.prices.LastPrice(ctx)
	if err != nil {
		return fmt.Errorf("获取价格失败: %w", err)
	}

	state, err := b.reconciler.Reconcile(ctx, b.State(), sig, price)
	b.commit(state)
	return err
}

// MonitorTick 在信号周期之间刷新持仓并追踪保护单
func (b *SignalBot) MonitorTick(ctx context.Context) error {
	price, err := b.prices.LastPrice(ctx)
	if err != nil {
		return fmt.Errorf("获取价格失败: %w", err)
	}
	state, err := b.reconciler.Monitor(ctx, b.State(), price)
	b.commit(state)
	return err
}

// commit 即使 tick 中途失败也保存已经发生的状态变化，下一次 tick 会据此自愈
func (b *SignalBot) commit(state models.StrategyRuntimeState) {
	b.mutex.Lock()
	b.state = state
	b.mutex.Unlock()
	if b.sink != nil {
		b.sink.TickCompleted(state)
	}
}

// safeTick 捕获单个 tick 的错误和 panic，保证主循环不退出
func (b *SignalBot) safeTick(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("tick 发生 panic", zap.String("tick", name), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		b.logger.Error("tick 执行失败, 等待下一个周期", zap.String("tick", name), zap.Error(err))
	}
}

// printStatus 打印机器人当前状态
func (b *SignalBot) printStatus(ctx context.Context) error {
	raw, err := b.exchange.GetPosition(ctx, b.config.Symbol)
	if err != nil {
		return fmt.Errorf("获取持仓失败: %w", err)
	}
	pos, err := models.ParsePosition(raw)
	if err != nil {
		return fmt.Errorf("解析持仓: %w", err)
	}
	b.logger.Sugar().Infof("机器人状态:\n%s", reporter.StatusTable(b.State(), pos))
	return nil
}

func durationOr(sec, def int) time.Duration {
	if sec <= 0 {
		sec = def
	}
	return time.Duration(sec) * time.Second
}
