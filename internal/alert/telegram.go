package alert

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

// TelegramChannel sends alerts through the Telegram Bot API.
type TelegramChannel struct {
	bot      *tgbotapi.BotAPI
	chatID   int64
	symbol   string
	decimals int
}

func NewTelegramChannel(botToken, chatID, symbol string, decimals int) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id: %w", err)
	}

	return &TelegramChannel{
		bot:      bot,
		chatID:   chatIDInt,
		symbol:   symbol,
		decimals: decimals,
	}, nil
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, a model.Alert) (bool, bool, error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}

	msg := tgbotapi.NewMessage(t.chatID, formatText(a, t.symbol, t.decimals))
	if _, err := t.bot.Send(msg); err != nil {
		return false, telegramRetryable(err), fmt.Errorf("send telegram alert: %w", err)
	}
	return true, false, nil
}

func telegramRetryable(err error) bool {
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "too many requests") || strings.Contains(lower, "retry after") {
		return true
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "connection") {
		return true
	}
	// Bad chat id, malformed message and the like will not heal.
	return false
}
