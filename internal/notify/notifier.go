// Package notify delivers one-way text notifications. Delivery failures are
// logged and swallowed; callers never see them.
package notify

import (
	"context"
	"time"

	"perp-signal-bot-go/internal/models"

	"go.uber.org/zap"
)

const sendTimeout = 10 * time.Second

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, message string) error
	Name() string
}

// Sink routes a message to every Sender registered for its target.
type Sink struct {
	routes map[models.NotifyTarget][]Sender
	logger *zap.Logger
}

func NewSink(logger *zap.Logger) *Sink {
	return &Sink{routes: make(map[models.NotifyTarget][]Sender), logger: logger}
}

// Route registers senders for a target. Not safe to call concurrently with Send.
func (s *Sink) Route(target models.NotifyTarget, senders ...Sender) *Sink {
	s.routes[target] = append(s.routes[target], senders...)
	return s
}

// Send delivers msg synchronously to each sender of target, bounded by sendTimeout per sender.
func (s *Sink) Send(ctx context.Context, target models.NotifyTarget, msg string) {
	senders := s.routes[target]
	if len(senders) == 0 {
		s.logger.Debug("no sender for target", zap.String("target", string(target)), zap.String("message", msg))
		return
	}
	for _, sender := range senders {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sender.Send(sctx, msg)
		cancel()
		if err != nil {
			s.logger.Warn("notification failed",
				zap.String("sender", sender.Name()),
				zap.String("target", string(target)),
				zap.Error(err))
		}
	}
}

// FromConfig wires Discord and Telegram senders from the notify config.
// Trades go to the trades webhook and Telegram; logs go to the logs webhook.
func FromConfig(cfg models.NotifyConfig, logger *zap.Logger) (*Sink, error) {
	sink := NewSink(logger)
	if cfg.DiscordWebhook != "" {
		sink.Route(models.TargetTrades, NewDiscordSender(cfg.DiscordWebhook))
	}
	if cfg.DiscordLogsWebhook != "" {
		sink.Route(models.TargetLogs, NewDiscordSender(cfg.DiscordLogsWebhook))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID, "")
		if err != nil {
			return nil, err
		}
		sink.Route(models.TargetTrades, tg)
	}
	return sink, nil
}
