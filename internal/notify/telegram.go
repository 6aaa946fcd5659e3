package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender posts plain-text messages to one chat.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSender authenticates the bot token. An empty endpoint uses the public Bot API.
func NewTelegramSender(token string, chatID int64, endpoint string) (*TelegramSender, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &TelegramSender{bot: bot, chatID: chatID}, nil
}

// Send ignores ctx: the Bot API client has no per-request context.
func (t *TelegramSender) Send(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, message)); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string {
	return "telegram"
}
