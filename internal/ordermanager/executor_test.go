package ordermanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"perp-signal-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenAtMarketSubmitsAndWaits(t *testing.T) {
	ex := newFakeExchange()
	e := NewExecutor(ex, testConfig(), zap.NewNop())

	order, err := e.OpenAtMarket(context.Background(), models.SignalShort, 0.01)
	require.NoError(t, err)
	require.NotNil(t, order)
	// 市价单不在挂单列表中, 经两次确认后视为成交
	assert.Equal(t, models.StatusFilled, order.Status)

	require.Len(t, ex.submitted, 1)
	req := ex.submitted[0]
	assert.Equal(t, models.Sell, req.Side)
	assert.Equal(t, models.Market, req.Type)
	assert.Equal(t, 0.01, req.Quantity)
	assert.Equal(t, 10, req.Leverage)
	assert.False(t, req.ReduceOnly)
	assert.WithinDuration(t, time.Now().Add(240*time.Hour), req.Expiration, time.Minute)
}

func TestOpenAtMarketFallsBackToConfiguredLeverage(t *testing.T) {
	ex := newFakeExchange()
	ex.levErr = errors.New("rate limited")
	e := NewExecutor(ex, testConfig(), zap.NewNop())

	_, err := e.OpenAtMarket(context.Background(), models.SignalLong, 0.01)
	require.NoError(t, err)
	require.Len(t, ex.submitted, 1)
	assert.Equal(t, 20, ex.submitted[0].Leverage)
}

func TestOpenAtMarketRejectsBadInput(t *testing.T) {
	ex := newFakeExchange()
	e := NewExecutor(ex, testConfig(), zap.NewNop())

	_, err := e.OpenAtMarket(context.Background(), models.SignalNeutral, 0.01)
	assert.ErrorIs(t, err, models.ErrInvalidSignal)
	_, err = e.OpenAtMarket(context.Background(), models.Signal(2), 0.01)
	assert.ErrorIs(t, err, models.ErrInvalidSignal)
	_, err = e.OpenAtMarket(context.Background(), models.SignalLong, 0)
	assert.ErrorIs(t, err, models.ErrInvalidQuantity)
	assert.Empty(t, ex.submitted)
}

func TestCloseAtMarketUsesOppositeSideReduceOnly(t *testing.T) {
	ex := newFakeExchange()
	e := NewExecutor(ex, testConfig(), zap.NewNop())

	_, err := e.CloseAtMarket(context.Background(), models.Short, 0.01)
	require.NoError(t, err)
	require.Len(t, ex.submitted, 1)
	assert.Equal(t, models.Buy, ex.submitted[0].Side)
	assert.True(t, ex.submitted[0].ReduceOnly)

	_, err = e.CloseAtMarket(context.Background(), models.None, 0.01)
	assert.ErrorIs(t, err, models.ErrInvalidPositionState)
}

func TestOpenAtMarketTimeoutReturnsSubmissionResponse(t *testing.T) {
	ex := newFakeExchange()
	ex.openScript = [][]models.Order{{{Hash: "0x1", Status: models.StatusPending}}}
	cfg := testConfig()
	cfg.FillTimeoutSec = 0
	e := NewExecutor(ex, cfg, zap.NewNop())

	order, err := e.OpenAtMarket(context.Background(), models.SignalLong, 0.01)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "0x1", order.Hash)
	assert.Equal(t, models.StatusPending, order.Status)
}

func TestOpenAtMarketReportsRejection(t *testing.T) {
	ex := newFakeExchange()
	ex.openScript = [][]models.Order{{{Hash: "0x1", Status: models.StatusRejected}}}
	e := NewExecutor(ex, testConfig(), zap.NewNop())

	order, err := e.OpenAtMarket(context.Background(), models.SignalLong, 0.01)
	assert.ErrorIs(t, err, models.ErrOrderRejected)
	require.NotNil(t, order)
	assert.Equal(t, models.StatusRejected, order.Status)
}

func TestOpenAtMarketWithoutHashSkipsWaiting(t *testing.T) {
	ex := newFakeExchange()
	ex.emptyHash = true
	e := NewExecutor(ex, testConfig(), zap.NewNop())

	order, err := e.OpenAtMarket(context.Background(), models.SignalLong, 0.01)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, order.Status)
	assert.Zero(t, ex.openCalls)
}

func TestOpenAtMarketPropagatesGatewayError(t *testing.T) {
	ex := newFakeExchange()
	ex.submitErrs[1] = errors.New("503")
	e := NewExecutor(ex, testConfig(), zap.NewNop())

	_, err := e.OpenAtMarket(context.Background(), models.SignalLong, 0.01)
	require.Error(t, err)
	assert.True(t, models.IsGatewayError(err))
}
