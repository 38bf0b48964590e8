package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/format"
	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/reminder"
	"github.com/hray3182/lifeline-notifier/internal/rrule"
)

var errAmbiguous = errors.New("ambiguous reminder id")

func (h *Handlers) handleRemind(ctx context.Context, msg *tgbotapi.Message) {
	parts := strings.SplitN(strings.TrimSpace(msg.CommandArguments()), " ", 2)
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		h.sendMessage(msg.Chat.ID, "Usage: /remind <when> <message>\nExample: /remind 15:30 Team meeting")
		return
	}
	h.createReminder(ctx, msg, parts[0], parts[1], rrule.Rule{})
}

func (h *Handlers) handleEvery(ctx context.Context, msg *tgbotapi.Message) {
	parts := strings.SplitN(strings.TrimSpace(msg.CommandArguments()), " ", 3)
	if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
		h.sendMessage(msg.Chat.ID, "Usage: /every <daily|weekly|monthly|yearly> <when> <message>\nExample: /every daily 08:00 Take vitamins")
		return
	}
	kind := rrule.Kind(strings.ToLower(parts[0]))
	switch kind {
	case rrule.KindDaily, rrule.KindWeekly, rrule.KindMonthly, rrule.KindYearly:
	default:
		h.sendMessage(msg.Chat.ID, "Repeat must be one of daily, weekly, monthly or yearly.")
		return
	}
	h.createReminder(ctx, msg, parts[1], parts[2], rrule.Rule{Kind: kind, Interval: 1})
}

func (h *Handlers) createReminder(ctx context.Context, msg *tgbotapi.Message, when, title string, rule rrule.Rule) {
	userID := UserID(msg.From)
	now, loc := h.userNow(ctx, userID)
	at, err := parseWhen(when, now)
	if err != nil {
		h.sendMessage(msg.Chat.ID, "I could not read the time. Use HH:MM, YYYY-MM-DDTHH:MM or a delay like 30m.")
		return
	}

	rem, err := h.reminders.Create(ctx, reminder.CreateRequest{
		UserID:     userID,
		Title:      title,
		Date:       at,
		Recurrence: rule,
	})
	if err != nil {
		h.replyError(msg.Chat.ID, "create reminder", err)
		return
	}
	h.sendMessage(msg.Chat.ID, confirmation(rem, loc))
}

func confirmation(rem *models.Reminder, loc *time.Location) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "⏰ Reminder set (%s)\n%s", format.ShortID(rem.ID), rem.Title)
	if rem.NextDue != nil {
		fmt.Fprintf(&sb, "\nNext: %s", rem.NextDue.In(loc).Format("2006-01-02 15:04"))
	}
	if rem.IsRecurring() {
		fmt.Fprintf(&sb, "\nRepeats: %s", rrule.Describe(rem.Recurrence))
	}
	return sb.String()
}

func (h *Handlers) handleReminderList(ctx context.Context, msg *tgbotapi.Message) {
	userID := UserID(msg.From)
	_, loc := h.userNow(ctx, userID)
	reminders, err := h.reminders.ListByUser(ctx, userID)
	if err != nil {
		h.replyError(msg.Chat.ID, "list reminders", err)
		return
	}

	open := reminders[:0:0]
	for _, r := range reminders {
		if r.Status != models.ReminderCancelled {
			open = append(open, r)
		}
	}
	h.sendParsed(msg.Chat.ID, format.ReminderList(open, loc))
}

func (h *Handlers) handleCancel(ctx context.Context, msg *tgbotapi.Message) {
	h.transition(ctx, msg, "cancel", h.reminders.Cancel, "🗑 Cancelled")
}

func (h *Handlers) handlePause(ctx context.Context, msg *tgbotapi.Message) {
	h.transition(ctx, msg, "pause", h.reminders.Pause, "⏸ Paused")
}

func (h *Handlers) handleResume(ctx context.Context, msg *tgbotapi.Message) {
	h.transition(ctx, msg, "resume", h.reminders.Resume, "▶️ Resumed")
}

type transitionFunc func(ctx context.Context, id string) (*models.Reminder, error)

func (h *Handlers) transition(ctx context.Context, msg *tgbotapi.Message, verb string, fn transitionFunc, done string) {
	short := strings.TrimSpace(msg.CommandArguments())
	if short == "" {
		h.sendMessage(msg.Chat.ID, fmt.Sprintf("Usage: /%s <id>\nUse /reminders to see ids.", verb))
		return
	}
	h.sendMessage(msg.Chat.ID, h.applyTransition(ctx, UserID(msg.From), short, verb, fn, done))
}

// applyTransition resolves a short id and applies fn, returning the reply text.
func (h *Handlers) applyTransition(ctx context.Context, userID, short, verb string, fn transitionFunc, done string) string {
	short = strings.TrimSpace(short)
	if short == "" {
		return "Which reminder? Use /reminders to see ids."
	}
	rem, err := h.resolve(ctx, userID, short)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return fmt.Sprintf("No reminder matches %q.", short)
	case errors.Is(err, errAmbiguous):
		return fmt.Sprintf("%q matches more than one reminder, use more characters.", short)
	case err != nil:
		h.logger.Error("failed to resolve reminder", slog.String("user_id", userID), slog.String("error", err.Error()))
		return "Something went wrong, please try again later."
	}

	updated, err := fn(ctx, rem.ID)
	if errors.Is(err, apperr.ErrInvalidState) {
		return fmt.Sprintf("Cannot %s a %s reminder.", verb, rem.Status)
	}
	if err != nil {
		h.logger.Error("failed to "+verb+" reminder", slog.String("reminder_id", rem.ID), slog.String("error", err.Error()))
		return "Something went wrong, please try again later."
	}
	return fmt.Sprintf("%s: %s", done, updated.Title)
}

// resolve finds the user's reminder whose id starts with short.
func (h *Handlers) resolve(ctx context.Context, userID, short string) (*models.Reminder, error) {
	reminders, err := h.reminders.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	short = strings.ToLower(short)
	var found *models.Reminder
	for _, r := range reminders {
		if !strings.HasPrefix(r.ID, short) {
			continue
		}
		if found != nil {
			return nil, errAmbiguous
		}
		found = r
	}
	if found == nil {
		return nil, apperr.ErrNotFound
	}
	return found, nil
}

func (h *Handlers) replyError(chatID int64, op string, err error) {
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		h.sendMessage(chatID, fmt.Sprintf("Cannot %s: %s %s.", op, verr.Field, verr.Reason))
		return
	}
	h.logger.Error("failed to "+op, slog.String("error", err.Error()))
	h.sendMessage(chatID, "Something went wrong, please try again later.")
}

// parseWhen accepts HH:MM (next occurrence of that wall-clock time),
// YYYY-MM-DDTHH:MM or a positive delay such as 45m. now carries the
// user's location.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	loc := now.Location()

	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04", s, loc); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(d).Truncate(time.Second), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
