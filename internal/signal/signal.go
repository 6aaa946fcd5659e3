// Package signal turns closed klines into a directional trading decision.
package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perp-signal-bot-go/internal/models"

	"go.uber.org/zap"
)

var ErrNotEnoughBars = errors.New("not enough closed bars")

// Source supplies the decision derived from the latest closed bar.
type Source interface {
	Latest(ctx context.Context) (models.Signal, error)
}

// BarFeed returns closed bars only, oldest first.
type BarFeed interface {
	ClosedBars(ctx context.Context) ([]models.Bar, error)
}

// Decider maps a bar history to a signal.
type Decider interface {
	Decide(bars []models.Bar) (models.Signal, error)
}

// KlineSource pulls closed bars from a feed and hands them to a Decider.
type KlineSource struct {
	feed     BarFeed
	decider  Decider
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewKlineSource(feed BarFeed, decider Decider, interval time.Duration, logger *zap.Logger) *KlineSource {
	return &KlineSource{feed: feed, decider: decider, interval: interval, logger: logger, now: time.Now}
}

func (s *KlineSource) Latest(ctx context.Context) (models.Signal, error) {
	bars, err := s.feed.ClosedBars(ctx)
	if err != nil {
		return models.SignalNeutral, fmt.Errorf("fetch bars: %w", err)
	}
	if len(bars) == 0 {
		return models.SignalNeutral, ErrNotEnoughBars
	}

	last := bars[len(bars)-1]
	if last.CloseTime.After(s.now()) {
		return models.SignalNeutral, fmt.Errorf("bar closing at %s is still open", last.CloseTime.Format(time.RFC3339))
	}
	if s.interval > 0 && s.now().Sub(last.CloseTime) > 2*s.interval {
		s.logger.Warn("latest closed bar is stale", zap.Time("closeTime", last.CloseTime))
	}

	sig, err := s.decider.Decide(bars)
	if err != nil {
		return models.SignalNeutral, err
	}
	if !sig.Valid() {
		return models.SignalNeutral, fmt.Errorf("%w: %d", models.ErrInvalidSignal, sig)
	}
	s.logger.Debug("signal decided", zap.Stringer("signal", sig), zap.Float64("close", last.Close), zap.Time("barClose", last.CloseTime))
	return sig, nil
}

// StaticSource always returns the same signal. Used for dry runs against the paper venue.
type StaticSource struct {
	Signal models.Signal
}

func (s StaticSource) Latest(ctx context.Context) (models.Signal, error) {
	if !s.Signal.Valid() {
		return models.SignalNeutral, fmt.Errorf("%w: %d", models.ErrInvalidSignal, s.Signal)
	}
	return s.Signal, nil
}

// New builds the Source selected by cfg.Signal.Kind.
func New(cfg *models.Config, feed BarFeed, logger *zap.Logger) (Source, error) {
	switch cfg.Signal.Kind {
	case "static":
		return StaticSource{Signal: models.Signal(cfg.Signal.Static)}, nil
	case "", "ema":
		d, err := NewEMACross(cfg.Signal.FastPeriod, cfg.Signal.SlowPeriod, cfg.Signal.Band)
		if err != nil {
			return nil, err
		}
		return NewKlineSource(feed, d, time.Duration(cfg.SignalIntervalSec)*time.Second, logger), nil
	}
	return nil, fmt.Errorf("unknown signal kind %q", cfg.Signal.Kind)
}
