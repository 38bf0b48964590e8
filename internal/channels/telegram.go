// Package channels implements the best-effort secondary delivery channels:
// Telegram push, email and SMS. Each sender reports errors the destination
// will never accept as apperr.Permanent so the dispatcher stops retrying.
package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/format"
	"github.com/hray3182/lifeline-notifier/internal/models"
)

// MessageSender is the part of *tgbotapi.BotAPI used for push delivery.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers notifications as Telegram messages. The
// destination is the numeric chat id linked through the bot's /start command.
type TelegramSender struct {
	api MessageSender
}

func NewTelegramSender(api MessageSender) (*TelegramSender, error) {
	if api == nil {
		return nil, errors.New("telegram api is required")
	}
	return &TelegramSender{api: api}, nil
}

func (s *TelegramSender) Send(ctx context.Context, destination string, n *models.Notification) error {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return apperr.Permanent(fmt.Errorf("invalid chat id %q", destination))
	}

	parsed := format.Notification(n)
	msg := tgbotapi.NewMessage(chatID, parsed.Text)
	msg.Entities = parsed.Entities

	// BotAPI.Send has no context; the call is abandoned, not cancelled, when
	// ctx ends first.
	done := make(chan error, 1)
	go func() {
		_, err := s.api.Send(msg)
		done <- err
	}()

	select {
	case err := <-done:
		return classifyTelegram(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	code := 0
	var ptr *tgbotapi.Error
	var val tgbotapi.Error
	switch {
	case errors.As(err, &ptr):
		code = ptr.Code
	case errors.As(err, &val):
		code = val.Code
	}
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		// Chat not found, bot blocked by the user or kicked from the group.
		return apperr.Permanent(fmt.Errorf("telegram: %w", err))
	}
	return fmt.Errorf("telegram: %w", err)
}
