package handlers

import (
	"context"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/lifeline-notifier/internal/ai"
	"github.com/hray3182/lifeline-notifier/internal/reminder"
	"github.com/hray3182/lifeline-notifier/internal/rrule"
)

const minConfidence = 0.5

func (h *Handlers) handleAIMessage(ctx context.Context, msg *tgbotapi.Message) {
	if h.ai == nil {
		h.sendMessage(msg.Chat.ID, "Natural language is not enabled here. Use /help to see the commands.")
		return
	}

	userID := UserID(msg.From)
	now, loc := h.userNow(ctx, userID)

	intent, err := h.ai.ParseIntent(ctx, msg.Text, now)
	if err != nil {
		h.logger.Error("failed to parse intent", slog.String("user_id", userID), slog.String("error", err.Error()))
		h.sendMessage(msg.Chat.ID, "Sorry, I could not understand that. Try rephrasing or use /help.")
		return
	}

	h.logger.Debug("parsed intent",
		slog.String("action", intent.Action),
		slog.Float64("confidence", intent.Confidence),
		slog.Bool("need_more_info", intent.NeedMoreInfo),
		slog.String("raw", intent.RawResponse))

	if intent.NeedMoreInfo || intent.Confidence < minConfidence {
		reply := intent.AIMessage
		if reply == "" {
			reply = "I'm not sure what you'd like me to do. Could you say it more precisely?"
		}
		h.sendMessage(msg.Chat.ID, reply)
		return
	}

	switch intent.Action {
	case ai.ActionCreateReminder:
		at, err := intent.Time(loc)
		if err != nil {
			h.replyError(msg.Chat.ID, "create reminder", err)
			return
		}
		rule, err := rrule.ParseRRULE(intent.RRule)
		if err != nil {
			h.replyError(msg.Chat.ID, "create reminder", err)
			return
		}
		rem, err := h.reminders.Create(ctx, reminder.CreateRequest{
			UserID:     userID,
			Title:      intent.Title,
			Date:       at,
			Recurrence: rule,
		})
		if err != nil {
			h.replyError(msg.Chat.ID, "create reminder", err)
			return
		}
		h.sendMessage(msg.Chat.ID, confirmation(rem, loc))
	case ai.ActionListReminders:
		h.handleReminderList(ctx, msg)
	case ai.ActionCancelReminder:
		h.sendMessage(msg.Chat.ID, h.applyTransition(ctx, userID, intent.ReminderID, "cancel", h.reminders.Cancel, "🗑 Cancelled"))
	case ai.ActionPauseReminder:
		h.sendMessage(msg.Chat.ID, h.applyTransition(ctx, userID, intent.ReminderID, "pause", h.reminders.Pause, "⏸ Paused"))
	case ai.ActionResumeReminder:
		h.sendMessage(msg.Chat.ID, h.applyTransition(ctx, userID, intent.ReminderID, "resume", h.reminders.Resume, "▶️ Resumed"))
	default:
		reply := intent.AIMessage
		if reply == "" {
			reply = "I can only help with reminders. Use /help to see what I can do."
		}
		h.sendMessage(msg.Chat.ID, reply)
	}
}
