// Package notify renders ledger records as chat messages and delivers them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tgledger/internal/core"
	"tgledger/internal/log"
)

// Sender delivers a text message to the configured chat.
type Sender interface {
	Send(ctx context.Context, text string) error
}

var ErrEmptyMessage = errors.New("empty message")

// FormatMessage renders rec in key order. Text values print as "` key: value"
// and salary lines stand out on their own; numbers print with two decimals.
// Empty values and the row number are left out.
func FormatMessage(author string, rec *core.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ 📋 Сообщение от %s:\n\n", author)
	for _, key := range rec.Keys() {
		if strings.Contains(strings.ToLower(key), core.FieldRowNumber) {
			continue
		}
		v, _ := rec.Get(key)
		switch t := v.(type) {
		case nil, bool:
		case string:
			if t == "" {
				continue
			}
			if strings.Contains(strings.ToLower(t), "зарплата") {
				fmt.Fprintf(&b, "‼️️%s\n", t)
			} else {
				fmt.Fprintf(&b, "` %s: %s\n", key, t)
			}
		default:
			if !core.IsNumeric(t) {
				continue
			}
			d, err := core.ParseAmount(t)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "` %s: %s\n", key, core.FormatChatAmount(d))
		}
	}
	return b.String()
}

// TelegramSender posts messages through the Bot API.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *log.Logger
}

var _ Sender = (*TelegramSender)(nil)

// NewTelegramSender connects to the Bot API. An empty endpoint means the
// public API; client may be nil.
func NewTelegramSender(token, endpoint string, client *http.Client, chatID int64, logger *log.Logger) (*TelegramSender, error) {
	if token == "" {
		return nil, errors.New("missing telegram token")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	if logger == nil {
		logger = log.Default(log.ComponentNotify)
	}
	return &TelegramSender{bot: bot, chatID: chatID, logger: logger.WithComponent(log.ComponentNotify)}, nil
}

func (s *TelegramSender) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, text))
	if err != nil {
		s.logger.ErrorContext(ctx, "Telegram send failed", log.FieldOperation, log.OpSend, log.FieldError, err)
		return fmt.Errorf("telegram send: %w", err)
	}
	s.logger.InfoContext(ctx, "Telegram message sent", log.FieldOperation, log.OpSend, log.FieldMessageID, msg.MessageID)
	return nil
}

// LogSender writes messages to the log instead of a chat. Used when no bot
// token is configured.
type LogSender struct {
	logger *log.Logger
}

var _ Sender = (*LogSender)(nil)

func NewLogSender(logger *log.Logger) *LogSender {
	if logger == nil {
		logger = log.Default(log.ComponentNotify)
	}
	return &LogSender{logger: logger.WithComponent(log.ComponentNotify)}
}

func (s *LogSender) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	s.logger.InfoContext(ctx, "Chat message", log.FieldOperation, log.OpSend, "text", text)
	return nil
}
