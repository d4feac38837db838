package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender posts alerts to one chat through the Bot API.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSender authenticates the bot token and binds it to chatID.
func NewTelegramSender(token, chatID string) (*TelegramSender, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: parse chat id %q: %w", chatID, err)
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram: connect bot: %w", err)
	}
	return &TelegramSender{bot: bot, chatID: id}, nil
}

// Send renders the title in bold. The Bot API client has no context
// support, so a cancelled ctx abandons the in-flight request.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("*%s*\n%s", title, message))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	errc := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(msg)
		errc <- err
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("telegram: send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: send: %w", ctx.Err())
	}
}

func (t *TelegramSender) Name() string { return "telegram" }
