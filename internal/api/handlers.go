package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/reminder"
	"github.com/hray3182/lifeline-notifier/internal/rrule"
)

const maxBodyBytes = 1 << 20

type handler struct {
	reminders  ReminderService
	contacts   ContactStore
	settings   SettingsStore
	deliveries DeliveryReader
	health     func(ctx context.Context) error
	logger     *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// createReminderRequest accepts the recurrence either structured or as an
// RRULE string.
type createReminderRequest struct {
	reminder.CreateRequest
	RRule string `json:"rrule,omitempty"`
}

func (h *handler) createReminder(w http.ResponseWriter, r *http.Request) {
	var req createReminderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RRule != "" {
		rule, err := rrule.ParseRRULE(req.RRule)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		req.Recurrence = rule
	}

	rem, err := h.reminders.Create(r.Context(), req.CreateRequest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func (h *handler) getReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := h.reminders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (h *handler) updateReminder(w http.ResponseWriter, r *http.Request) {
	var req reminder.UpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	rem, err := h.reminders.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (h *handler) cancelReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := h.reminders.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (h *handler) pauseReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := h.reminders.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (h *handler) resumeReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := h.reminders.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (h *handler) listReminders(w http.ResponseWriter, r *http.Request) {
	rems, err := h.reminders.ListByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rems == nil {
		rems = []*models.Reminder{}
	}
	writeJSON(w, http.StatusOK, rems)
}

func (h *handler) listContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.contacts.ListByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (h *handler) replaceContacts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var contacts []models.Contact
	if !h.decode(w, r, &contacts) {
		return
	}
	seen := make(map[models.ChannelKind]bool, len(contacts))
	for i := range contacts {
		c := &contacts[i]
		if !c.Kind.Valid() {
			h.writeError(w, r, apperr.Validation("kind", "unknown channel kind "+string(c.Kind)))
			return
		}
		if seen[c.Kind] {
			h.writeError(w, r, apperr.Validation("kind", "duplicate channel kind "+string(c.Kind)))
			return
		}
		if c.Destination == "" {
			h.writeError(w, r, apperr.Validation("destination", "is required"))
			return
		}
		seen[c.Kind] = true
		c.UserID = userID
	}

	if err := h.contacts.ReplaceForUser(r.Context(), userID, contacts); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (h *handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.GetOrDefault(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.UserSettings
	if !h.decode(w, r, &settings) {
		return
	}
	if settings.Timezone == "" {
		settings.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(settings.Timezone); err != nil {
		h.writeError(w, r, apperr.Validation("timezone", "unknown time zone"))
		return
	}
	for field, v := range map[string]string{"quiet_start": settings.QuietStart, "quiet_end": settings.QuietEnd} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			h.writeError(w, r, apperr.Validation(field, "must be HH:MM"))
			return
		}
	}
	settings.UserID = chi.URLParam(r, "userID")
	settings.UpdatedAt = time.Now()

	if err := h.settings.Upsert(r.Context(), &settings); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	key := models.DeliveryKey{
		NotificationID: chi.URLParam(r, "notificationID"),
		ChannelID:      chi.URLParam(r, "channelID"),
	}
	rec, err := h.deliveries.Get(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn("health check failed", slog.String("error", err.Error()))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, apperr.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
