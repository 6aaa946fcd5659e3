package models

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceTargetUnsetNeverEqualsValue(t *testing.T) {
	assert.True(t, Unset().Equal(Unset()))
	assert.False(t, Unset().Equal(PriceOf(0)))
	assert.False(t, PriceOf(0).Equal(Unset()))
	assert.True(t, PriceOf(1.5).Equal(PriceOf(1.5)))
}

func TestTrailUpIsMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	p := Unset()
	prev := -1.0
	for i := 0; i < 500; i++ {
		p = p.TrailUp(2900 + r.Float64()*200)
		v, ok := p.Value()
		require.True(t, ok)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestTrailDownIsMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	p := Unset()
	prev := 1e9
	for i := 0; i < 500; i++ {
		p = p.TrailDown(2900 + r.Float64()*200)
		v, _ := p.Value()
		assert.LessOrEqual(t, v, prev)
		prev = v
	}
}

func TestProtectiveTargetsJSON(t *testing.T) {
	in := ProtectiveTargets{StopLoss: PriceOf(2977.5), Quantity: 0.01}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stop_loss":2977.5,"take_profit":null,"quantity":0.01}`, string(data))

	var out ProtectiveTargets
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.StopLoss.Equal(in.StopLoss))
	assert.False(t, out.TakeProfit.IsSet())
}

func TestResetCounters(t *testing.T) {
	s := NewRuntimeState("ETHUSDT")
	s.NeutralSignalCount = 2
	s.ReverseSignalCount = 1
	s.SentNeutralNotice = true
	s.SentReverseNotice = true
	s.ResetCounters()
	assert.Zero(t, s.NeutralSignalCount)
	assert.Zero(t, s.ReverseSignalCount)
	assert.False(t, s.SentNeutralNotice)
	assert.False(t, s.SentReverseNotice)
}

func TestSignalHelpers(t *testing.T) {
	assert.Equal(t, Buy, SignalLong.Side())
	assert.Equal(t, Sell, SignalShort.Side())
	assert.Equal(t, Side(""), SignalNeutral.Side())
	assert.False(t, Signal(2).Valid())
	assert.Equal(t, Sell, Long.CloseSide())
	assert.Equal(t, Buy, Short.CloseSide())
	assert.Equal(t, Long, SignalLong.PositionSide())
	assert.Equal(t, Short, SignalShort.PositionSide())
	assert.Equal(t, None, SignalNeutral.PositionSide())
}
