package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/lifeline-notifier/internal/models"
)

// handleQuiet sets or clears the quiet-hours window for secondary channels.
func (h *Handlers) handleQuiet(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	settings, ok := h.loadSettings(ctx, msg)
	if !ok {
		return
	}

	switch {
	case len(args) == 0:
		if settings.QuietStart == "" {
			h.sendMessage(msg.Chat.ID, "🔕 Quiet hours are off.\nUsage: /quiet 22:00 07:00")
		} else {
			h.sendMessage(msg.Chat.ID, fmt.Sprintf("🔕 Quiet hours: %s - %s (%s)", settings.QuietStart, settings.QuietEnd, settings.Timezone))
		}
		return
	case len(args) == 1 && strings.EqualFold(args[0], "off"):
		settings.QuietStart, settings.QuietEnd = "", ""
	case len(args) == 2 && validClock(args[0]) && validClock(args[1]):
		settings.QuietStart, settings.QuietEnd = args[0], args[1]
	default:
		h.sendMessage(msg.Chat.ID, "Usage: /quiet <HH:MM> <HH:MM> or /quiet off")
		return
	}

	if !h.saveSettings(ctx, msg, settings) {
		return
	}
	if settings.QuietStart == "" {
		h.sendMessage(msg.Chat.ID, "🔔 Quiet hours disabled")
		return
	}
	h.sendMessage(msg.Chat.ID, fmt.Sprintf("🔕 Quiet hours set to %s - %s", settings.QuietStart, settings.QuietEnd))
}

func (h *Handlers) handleTimezone(ctx context.Context, msg *tgbotapi.Message) {
	name := strings.TrimSpace(msg.CommandArguments())
	settings, ok := h.loadSettings(ctx, msg)
	if !ok {
		return
	}
	if name == "" {
		h.sendMessage(msg.Chat.ID, "🌐 Time zone: "+settings.Timezone+"\nUsage: /timezone Europe/Berlin")
		return
	}
	if _, err := time.LoadLocation(name); err != nil {
		h.sendMessage(msg.Chat.ID, fmt.Sprintf("Unknown time zone %q", name))
		return
	}

	settings.Timezone = name
	if h.saveSettings(ctx, msg, settings) {
		h.sendMessage(msg.Chat.ID, "🌐 Time zone set to "+name)
	}
}

func (h *Handlers) loadSettings(ctx context.Context, msg *tgbotapi.Message) (*models.UserSettings, bool) {
	settings, err := h.settings.GetOrDefault(ctx, UserID(msg.From))
	if err != nil {
		h.logger.Error("failed to get user settings", slog.String("error", err.Error()))
		h.sendMessage(msg.Chat.ID, "Could not load your settings, please try again later.")
		return nil, false
	}
	return settings, true
}

func (h *Handlers) saveSettings(ctx context.Context, msg *tgbotapi.Message, settings *models.UserSettings) bool {
	settings.UserID = UserID(msg.From)
	settings.UpdatedAt = h.clock.Now()
	if err := h.settings.Upsert(ctx, settings); err != nil {
		h.logger.Error("failed to save user settings", slog.String("error", err.Error()))
		h.sendMessage(msg.Chat.ID, "Could not save your settings, please try again later.")
		return false
	}
	return true
}

func validClock(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}
