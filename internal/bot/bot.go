// Package bot runs the Telegram long-polling loop. Users link their chat
// with /start, which is how the Telegram delivery channel learns where to push.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/lifeline-notifier/internal/bot/handlers"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	handlers.Sender
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	api      API
	handlers *handlers.Handlers
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func New(api API, h *handlers.Handlers, logger *slog.Logger) (*Bot, error) {
	if api == nil {
		return nil, errors.New("telegram api is required")
	}
	if h == nil {
		return nil, errors.New("handlers are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{api: api, handlers: h, logger: logger}, nil
}

// Start polls for updates until ctx ends and waits for in-flight handlers.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.wg.Wait()
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.HandleUpdate(ctx, update)
			}()
		}
	}
}

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic handling update", slog.Int("update_id", update.UpdateID), slog.Any("panic", r))
		}
	}()

	if update.Message.IsCommand() {
		b.handlers.HandleCommand(ctx, update.Message)
		return
	}

	b.handlers.HandleMessage(ctx, update.Message)
}
