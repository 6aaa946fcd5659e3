package signal

import (
	"fmt"

	"perp-signal-bot-go/internal/models"
)

// EMACross is long when the fast EMA is above the slow one by more than Band
// (relative to the slow EMA), short when below by more than Band, neutral otherwise.
type EMACross struct {
	Fast int
	Slow int
	Band float64
}

func NewEMACross(fast, slow int, band float64) (*EMACross, error) {
	if fast <= 0 || slow <= 0 || fast >= slow {
		return nil, fmt.Errorf("ema periods must satisfy 0 < fast < slow, got %d/%d", fast, slow)
	}
	if band < 0 {
		return nil, fmt.Errorf("ema band must be >= 0, got %v", band)
	}
	return &EMACross{Fast: fast, Slow: slow, Band: band}, nil
}

func (e *EMACross) Decide(bars []models.Bar) (models.Signal, error) {
	if len(bars) < e.Slow {
		return models.SignalNeutral, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughBars, len(bars), e.Slow)
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	fast := EMA(closes, e.Fast)
	slow := EMA(closes, e.Slow)
	if slow == 0 {
		return models.SignalNeutral, nil
	}

	rel := (fast - slow) / slow
	switch {
	case rel > e.Band:
		return models.SignalLong, nil
	case rel < -e.Band:
		return models.SignalShort, nil
	}
	return models.SignalNeutral, nil
}

// EMA seeds with the SMA of the first period values and returns the last value.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	ema := sum / float64(period)
	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}
