package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/reminder"
)

type ReminderService interface {
	Create(ctx context.Context, req reminder.CreateRequest) (*models.Reminder, error)
	Get(ctx context.Context, id string) (*models.Reminder, error)
	Update(ctx context.Context, id string, req reminder.UpdateRequest) (*models.Reminder, error)
	Pause(ctx context.Context, id string) (*models.Reminder, error)
	Resume(ctx context.Context, id string) (*models.Reminder, error)
	Cancel(ctx context.Context, id string) (*models.Reminder, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Reminder, error)
}

type ContactStore interface {
	ListByUser(ctx context.Context, userID string) ([]models.Contact, error)
	ReplaceForUser(ctx context.Context, userID string, contacts []models.Contact) error
}

type SettingsStore interface {
	GetOrDefault(ctx context.Context, userID string) (*models.UserSettings, error)
	Upsert(ctx context.Context, settings *models.UserSettings) error
}

type DeliveryReader interface {
	Get(ctx context.Context, key models.DeliveryKey) (*models.DeliveryRecord, error)
}

// Deps is everything the router serves. StreamA, StreamB, Metrics and
// Health are optional.
type Deps struct {
	Reminders  ReminderService
	Contacts   ContactStore
	Settings   SettingsStore
	Deliveries DeliveryReader
	StreamA    http.Handler
	StreamB    http.Handler
	Metrics    http.Handler
	Health     func(ctx context.Context) error
	Logger     *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handler{
		reminders:  d.Reminders,
		contacts:   d.Contacts,
		settings:   d.Settings,
		deliveries: d.Deliveries,
		health:     d.Health,
		logger:     d.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Long-lived upgrades stay outside the request timeout.
	if d.StreamA != nil {
		r.Handle("/graphql", d.StreamA)
	}
	if d.StreamB != nil {
		r.Handle("/socket.io/", d.StreamB)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/reminders", func(r chi.Router) {
			r.Post("/", h.createReminder)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getReminder)
				r.Put("/", h.updateReminder)
				r.Delete("/", h.cancelReminder)
				r.Post("/pause", h.pauseReminder)
				r.Post("/resume", h.resumeReminder)
			})
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/reminders", h.listReminders)
			r.Get("/contacts", h.listContacts)
			r.Put("/contacts", h.replaceContacts)
			r.Get("/settings", h.getSettings)
			r.Put("/settings", h.putSettings)
		})

		r.Get("/deliveries/{notificationID}/{channelID}", h.getDelivery)
		r.Get("/healthz", h.healthz)
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	return r
}
