package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/lifeline-notifier/internal/ai"
	"github.com/hray3182/lifeline-notifier/internal/clock"
	"github.com/hray3182/lifeline-notifier/internal/format"
	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/reminder"
)

type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type ReminderService interface {
	Create(ctx context.Context, req reminder.CreateRequest) (*models.Reminder, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Reminder, error)
	Pause(ctx context.Context, id string) (*models.Reminder, error)
	Resume(ctx context.Context, id string) (*models.Reminder, error)
	Cancel(ctx context.Context, id string) (*models.Reminder, error)
}

type ContactStore interface {
	Upsert(ctx context.Context, c models.Contact) error
}

type SettingsStore interface {
	GetOrDefault(ctx context.Context, userID string) (*models.UserSettings, error)
	Upsert(ctx context.Context, settings *models.UserSettings) error
}

type IntentParser interface {
	ParseIntent(ctx context.Context, text string, now time.Time) (*ai.Intent, error)
}

// Deps wires the handlers to the rest of the service. AI is optional.
type Deps struct {
	Reminders ReminderService
	Contacts  ContactStore
	Settings  SettingsStore
	AI        IntentParser
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Handlers struct {
	api       Sender
	reminders ReminderService
	contacts  ContactStore
	settings  SettingsStore
	ai        IntentParser
	clock     clock.Clock
	logger    *slog.Logger
}

func New(api Sender, d Deps) (*Handlers, error) {
	switch {
	case api == nil:
		return nil, errors.New("telegram api is required")
	case d.Reminders == nil:
		return nil, errors.New("reminder service is required")
	case d.Contacts == nil:
		return nil, errors.New("contact store is required")
	case d.Settings == nil:
		return nil, errors.New("settings store is required")
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handlers{
		api:       api,
		reminders: d.Reminders,
		contacts:  d.Contacts,
		settings:  d.Settings,
		ai:        d.AI,
		clock:     d.Clock,
		logger:    d.Logger.With(slog.String("component", "bot")),
	}, nil
}

// UserID maps a Telegram account to the user id reminders are stored under.
func UserID(from *tgbotapi.User) string {
	return strconv.FormatInt(from.ID, 10)
}

func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}

	switch msg.Command() {
	case "start":
		h.handleStart(ctx, msg)
	case "help":
		h.handleHelp(msg)
	case "remind":
		h.handleRemind(ctx, msg)
	case "every":
		h.handleEvery(ctx, msg)
	case "reminders":
		h.handleReminderList(ctx, msg)
	case "cancel":
		h.handleCancel(ctx, msg)
	case "pause":
		h.handlePause(ctx, msg)
	case "resume":
		h.handleResume(ctx, msg)
	case "quiet":
		h.handleQuiet(ctx, msg)
	case "timezone":
		h.handleTimezone(ctx, msg)
	default:
		h.sendMessage(msg.Chat.ID, "Unknown command. Use /help to see what I can do.")
	}
}

func (h *Handlers) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	h.handleAIMessage(ctx, msg)
}

// userNow returns the current time and the user's location.
func (h *Handlers) userNow(ctx context.Context, userID string) (time.Time, *time.Location) {
	loc := time.UTC
	if settings, err := h.settings.GetOrDefault(ctx, userID); err != nil {
		h.logger.Warn("failed to load settings", slog.String("user_id", userID), slog.String("error", err.Error()))
	} else {
		loc = settings.Location()
	}
	return h.clock.Now().In(loc), loc
}

func (h *Handlers) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.api.Send(msg); err != nil {
		h.logger.Error("failed to send message", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
	}
}

func (h *Handlers) sendParsed(chatID int64, parsed format.ParseResult) {
	msg := tgbotapi.NewMessage(chatID, parsed.Text)
	msg.Entities = parsed.Entities
	if _, err := h.api.Send(msg); err != nil {
		h.logger.Error("failed to send message", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
	}
}

// handleStart links the chat as the user's Telegram delivery channel.
func (h *Handlers) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	contact := models.Contact{
		UserID:      UserID(msg.From),
		Kind:        models.ChannelTelegram,
		Destination: strconv.FormatInt(msg.Chat.ID, 10),
		Enabled:     true,
	}
	if err := h.contacts.Upsert(ctx, contact); err != nil {
		h.logger.Error("failed to link chat", slog.String("user_id", contact.UserID), slog.String("error", err.Error()))
		h.sendMessage(msg.Chat.ID, "Could not link this chat, please try again later.")
		return
	}

	h.sendMessage(msg.Chat.ID, "👋 Hi "+msg.From.FirstName+"! This chat will now receive your LifeLine reminders.\n\n"+
		"Tell me what to remind you about, for example \"remind me to drink water at 15:00\", or use /help.")
}

func (h *Handlers) handleHelp(msg *tgbotapi.Message) {
	h.sendMessage(msg.Chat.ID, `Commands

/remind <when> <message> - one-off reminder
/every <daily|weekly|monthly|yearly> <when> <message> - repeating reminder
/reminders - list your reminders
/cancel <id> - cancel a reminder
/pause <id> - pause a reminder
/resume <id> - resume a paused reminder
/quiet <HH:MM> <HH:MM> | off - mute this chat during quiet hours
/timezone <Area/City> - set your time zone

<when> is HH:MM, YYYY-MM-DDTHH:MM or a delay such as 30m or 2h.`)
}
