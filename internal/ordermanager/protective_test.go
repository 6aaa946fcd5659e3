package ordermanager

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"perp-signal-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProtective() (*ProtectiveManager, *fakeExchange, *recordingNotifier) {
	ex := newFakeExchange()
	n := newRecordingNotifier()
	return NewProtectiveManager(ex, testConfig(), n, zap.NewNop()), ex, n
}

func longPos(qty float64) models.Position {
	return models.Position{Symbol: "ETH-PERP", Side: models.Long, Quantity: qty, EntryPrice: 3000}
}

func TestLevels(t *testing.T) {
	m, _, _ := newTestProtective()

	stop, target, err := m.Levels(models.Long, 3000)
	require.NoError(t, err)
	assert.Equal(t, 2977.5, stop)
	assert.Equal(t, 3022.5, target)

	stop, target, err = m.Levels(models.Short, 3000)
	require.NoError(t, err)
	assert.Equal(t, 3022.5, stop)
	assert.Equal(t, 2977.5, target)

	// 四舍五入到一位小数
	stop, _, err = m.Levels(models.Long, 3123.45)
	require.NoError(t, err)
	assert.Equal(t, 3100.0, stop)

	_, _, err = m.Levels(models.None, 3000)
	assert.ErrorIs(t, err, models.ErrInvalidPositionState)
}

func TestPlaceInitialSubmitsStopAndTarget(t *testing.T) {
	m, ex, _ := newTestProtective()

	targets, err := m.PlaceInitial(context.Background(), models.Long, 3000, 0.01)
	require.NoError(t, err)
	assert.Equal(t, models.PriceOf(2977.5), targets.StopLoss)
	assert.Equal(t, models.PriceOf(3022.5), targets.TakeProfit)
	assert.Equal(t, 0.01, targets.Quantity)

	// 没有挂单时不撤单
	assert.Equal(t, []string{"submit:STOP_LIMIT", "submit:LIMIT"}, ex.orderCalls())
	sl, tp := ex.submitted[0], ex.submitted[1]
	assert.Equal(t, models.Sell, sl.Side)
	assert.Equal(t, 2977.5, sl.TriggerPrice)
	assert.Equal(t, 2977.5, sl.Price)
	assert.True(t, sl.PostOnly)
	assert.True(t, sl.ReduceOnly)
	assert.Equal(t, models.Sell, tp.Side)
	assert.Equal(t, 3022.5, tp.Price)
	assert.False(t, tp.PostOnly)
}

func TestEnsureIsIdempotentWhenNothingChanged(t *testing.T) {
	m, ex, n := newTestProtective()
	ctx := context.Background()

	targets, err := m.PlaceInitial(ctx, models.Long, 3000, 0.01)
	require.NoError(t, err)
	ex.resetCalls()

	next, changed, err := m.Ensure(ctx, longPos(0.01), 3000, targets)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, targets, next)
	assert.Empty(t, ex.orderCalls(), "no cancel or submit on a no-op tick")
	assert.Equal(t, 1, n.count(models.TargetLogs), "no-update path still notifies")
}

func TestEnsureTrailsUpForLong(t *testing.T) {
	m, ex, n := newTestProtective()
	ctx := context.Background()

	targets, err := m.PlaceInitial(ctx, models.Long, 3000, 0.01)
	require.NoError(t, err)
	ex.resetCalls()

	// 价格下跌: 候选价更低, 保持不变
	next, changed, err := m.Ensure(ctx, longPos(0.01), 2950, targets)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, targets, next)
	assert.Empty(t, ex.orderCalls())

	// 价格上涨: 两个价格都上移并重下
	next, changed, err = m.Ensure(ctx, longPos(0.01), 3100, targets)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.PriceOf(3076.8), next.StopLoss)
	assert.Equal(t, models.PriceOf(3123.3), next.TakeProfit)
	assert.Equal(t, []string{"cancel_all", "submit:STOP_LIMIT", "submit:LIMIT"}, ex.orderCalls())
	assert.Equal(t, 2, n.count(models.TargetLogs))
}

func TestEnsureTrailsDownForShort(t *testing.T) {
	m, _, _ := newTestProtective()
	ctx := context.Background()
	pos := models.Position{Symbol: "ETH-PERP", Side: models.Short, Quantity: 0.01, EntryPrice: 3000}

	targets, err := m.PlaceInitial(ctx, models.Short, 3000, 0.01)
	require.NoError(t, err)

	next, changed, err := m.Ensure(ctx, pos, 3050, targets)
	require.NoError(t, err)
	assert.False(t, changed)

	next, changed, err = m.Ensure(ctx, pos, 2900, next)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.PriceOf(2921.8), next.StopLoss)
	assert.Equal(t, models.PriceOf(2878.3), next.TakeProfit)
}

// 开仓使用配置数量, 保护单数量跟随交易所实际持仓 (例如部分成交)
func TestEnsureResizesToRemoteQuantity(t *testing.T) {
	m, ex, _ := newTestProtective()
	ctx := context.Background()

	targets, err := m.PlaceInitial(ctx, models.Long, 3000, 0.01)
	require.NoError(t, err)
	ex.resetCalls()

	next, changed, err := m.Ensure(ctx, longPos(0.007), 3000, targets)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0.007, next.Quantity)
	assert.Equal(t, targets.StopLoss, next.StopLoss)
	require.Len(t, ex.submitted, 2)
	assert.Equal(t, 0.007, ex.submitted[0].Quantity)
	assert.Equal(t, 0.007, ex.submitted[1].Quantity)
}

func TestEnsureFailureForcesRetryNextTick(t *testing.T) {
	m, ex, _ := newTestProtective()
	ctx := context.Background()

	targets, err := m.PlaceInitial(ctx, models.Long, 3000, 0.01)
	require.NoError(t, err)
	ex.resetCalls()
	ex.submitErrs[2] = errors.New("timeout") // 止盈单失败

	failed, changed, err := m.Ensure(ctx, longPos(0.01), 3100, targets)
	require.Error(t, err)
	assert.True(t, models.IsGatewayError(err))
	assert.False(t, changed)
	assert.Equal(t, targets.StopLoss, failed.StopLoss)
	assert.Zero(t, failed.Quantity)

	ex.resetCalls()
	ex.submitErrs = map[int]error{}
	next, changed, err := m.Ensure(ctx, longPos(0.01), 3000, failed)
	require.NoError(t, err)
	assert.True(t, changed, "same price but orders are not confirmed")
	assert.Equal(t, 0.01, next.Quantity)
	assert.Equal(t, []string{"cancel_all", "submit:STOP_LIMIT", "submit:LIMIT"}, ex.orderCalls())
}

func TestEnsureRejectsFlatPosition(t *testing.T) {
	m, ex, _ := newTestProtective()
	_, _, err := m.Ensure(context.Background(), models.Position{Side: models.None}, 3000, models.ProtectiveTargets{})
	assert.ErrorIs(t, err, models.ErrInvalidPositionState)
	assert.Empty(t, ex.orderCalls())
}

func TestEnsureMonotonicUnderRandomPrices(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, side := range []models.PositionSide{models.Long, models.Short} {
		m, _, _ := newTestProtective()
		pos := models.Position{Symbol: "ETH-PERP", Side: side, Quantity: 0.01, EntryPrice: 3000}
		var targets models.ProtectiveTargets
		price := 3000.0
		for i := 0; i < 300; i++ {
			price *= 1 + (rng.Float64()-0.5)*0.02
			next, _, err := m.Ensure(context.Background(), pos, price, targets)
			require.NoError(t, err)
			if targets.IsSet() {
				prevSL, _ := targets.StopLoss.Value()
				prevTP, _ := targets.TakeProfit.Value()
				sl, _ := next.StopLoss.Value()
				tp, _ := next.TakeProfit.Value()
				if side == models.Long {
					assert.GreaterOrEqual(t, sl, prevSL)
					assert.GreaterOrEqual(t, tp, prevTP)
				} else {
					assert.LessOrEqual(t, sl, prevSL)
					assert.LessOrEqual(t, tp, prevTP)
				}
			}
			targets = next
		}
	}
}
