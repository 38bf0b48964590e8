package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/models"
)

// MemoryReminderStore is the in-process reminder store used when no
// database is configured, and by tests.
type MemoryReminderStore struct {
	mu        sync.RWMutex
	reminders map[string]*models.Reminder
}

func NewMemoryReminderStore() *MemoryReminderStore {
	return &MemoryReminderStore{reminders: make(map[string]*models.Reminder)}
}

func (s *MemoryReminderStore) Create(_ context.Context, reminder *models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reminders[reminder.ID]; ok {
		return fmt.Errorf("reminder %s already exists", reminder.ID)
	}
	s.reminders[reminder.ID] = cloneReminder(reminder)
	return nil
}

func (s *MemoryReminderStore) Get(_ context.Context, id string) (*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reminders[id]
	if !ok {
		return nil, fmt.Errorf("reminder %s: %w", id, apperr.ErrNotFound)
	}
	return cloneReminder(r), nil
}

func (s *MemoryReminderStore) Update(_ context.Context, reminder *models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.reminders[reminder.ID]
	if !ok {
		return fmt.Errorf("reminder %s: %w", reminder.ID, apperr.ErrNotFound)
	}
	updated := cloneReminder(reminder)
	updated.UserID = existing.UserID
	updated.CreatedAt = existing.CreatedAt
	updated.LastFiredAt = existing.LastFiredAt
	s.reminders[reminder.ID] = updated
	return nil
}

func (s *MemoryReminderStore) ListByUser(_ context.Context, userID string) ([]*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Reminder
	for _, r := range s.reminders {
		if r.UserID == userID {
			out = append(out, cloneReminder(r))
		}
	}
	sortByNextDue(out)
	return out, nil
}

func (s *MemoryReminderStore) ListActive(_ context.Context) ([]*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Reminder
	for _, r := range s.reminders {
		if r.IsSchedulable() {
			out = append(out, cloneReminder(r))
		}
	}
	sortByNextDue(out)
	return out, nil
}

func (s *MemoryReminderStore) SetStatus(_ context.Context, id string, status models.ReminderStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return fmt.Errorf("reminder %s: %w", id, apperr.ErrNotFound)
	}
	r.Status = status
	r.UpdatedAt = at
	return nil
}

func (s *MemoryReminderStore) MarkFired(_ context.Context, id string, firedAt time.Time, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return fmt.Errorf("reminder %s: %w", id, apperr.ErrNotFound)
	}
	fired := firedAt
	r.LastFiredAt = &fired
	r.NextDue = copyTime(next)
	r.UpdatedAt = firedAt
	if next == nil {
		r.Status = models.ReminderCancelled
	}
	return nil
}

func cloneReminder(r *models.Reminder) *models.Reminder {
	c := *r
	c.NextDue = copyTime(r.NextDue)
	c.LastFiredAt = copyTime(r.LastFiredAt)
	c.Recurrence.Until = copyTime(r.Recurrence.Until)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func sortByNextDue(rs []*models.Reminder) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i].NextDue, rs[j].NextDue
		switch {
		case a == nil && b == nil:
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
}

// MemoryContactStore keeps secondary channel contacts in process memory.
type MemoryContactStore struct {
	mu       sync.RWMutex
	contacts map[string]map[models.ChannelKind]models.Contact
}

func NewMemoryContactStore() *MemoryContactStore {
	return &MemoryContactStore{contacts: make(map[string]map[models.ChannelKind]models.Contact)}
}

func (s *MemoryContactStore) ListByUser(_ context.Context, userID string) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Contact, 0, len(s.contacts[userID]))
	for _, c := range s.contacts[userID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (s *MemoryContactStore) Upsert(_ context.Context, c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind, ok := s.contacts[c.UserID]
	if !ok {
		byKind = make(map[models.ChannelKind]models.Contact)
		s.contacts[c.UserID] = byKind
	}
	byKind[c.Kind] = c
	return nil
}

func (s *MemoryContactStore) ReplaceForUser(_ context.Context, userID string, contacts []models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind := make(map[models.ChannelKind]models.Contact, len(contacts))
	for _, c := range contacts {
		c.UserID = userID
		byKind[c.Kind] = c
	}
	s.contacts[userID] = byKind
	return nil
}

// MemorySettingsStore keeps user settings in process memory.
type MemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]models.UserSettings
}

func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{settings: make(map[string]models.UserSettings)}
}

// GetOrDefault returns the stored settings or defaults for unknown users.
func (s *MemorySettingsStore) GetOrDefault(_ context.Context, userID string) (*models.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.settings[userID]; ok {
		return &st, nil
	}
	return models.NewDefaultUserSettings(userID), nil
}

func (s *MemorySettingsStore) Upsert(_ context.Context, st *models.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.UserID] = *st
	return nil
}
