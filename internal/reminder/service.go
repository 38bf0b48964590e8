// Package reminder owns the reminder lifecycle: it validates and persists
// reminders, keeps the due-time index in step with the store, and turns
// scheduler fires into dispatches.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/clock"
	"github.com/hray3182/lifeline-notifier/internal/metrics"
	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/rrule"
	"github.com/hray3182/lifeline-notifier/internal/scheduler"
	"github.com/hray3182/lifeline-notifier/internal/workerpool"
)

// Store is the reminder persistence the service depends on.
type Store interface {
	Create(ctx context.Context, reminder *models.Reminder) error
	Get(ctx context.Context, id string) (*models.Reminder, error)
	Update(ctx context.Context, reminder *models.Reminder) error
	ListByUser(ctx context.Context, userID string) ([]*models.Reminder, error)
	ListActive(ctx context.Context) ([]*models.Reminder, error)
	SetStatus(ctx context.Context, id string, status models.ReminderStatus, at time.Time) error
	MarkFired(ctx context.Context, id string, firedAt time.Time, next *time.Time) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, reminder *models.Reminder) (*models.Notification, error)
}

type CreateRequest struct {
	UserID     string     `json:"userId"`
	Title      string     `json:"title"`
	Category   string     `json:"category"`
	Date       time.Time  `json:"date"`
	Recurrence rrule.Rule `json:"recurrence"`
}

// UpdateRequest changes only the fields that are set.
type UpdateRequest struct {
	Title      *string     `json:"title,omitempty"`
	Category   *string     `json:"category,omitempty"`
	Date       *time.Time  `json:"date,omitempty"`
	Recurrence *rrule.Rule `json:"recurrence,omitempty"`
}

const lockStripes = 64

type Service struct {
	store      Store
	index      *scheduler.Index
	dispatcher Dispatcher
	lanes      *workerpool.Lanes

	wake    func()
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	locks [lockStripes]sync.Mutex
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(store Store, index *scheduler.Index, dispatcher Dispatcher, lanes *workerpool.Lanes, opts ...Option) (*Service, error) {
	switch {
	case store == nil:
		return nil, errors.New("reminder store is required")
	case index == nil:
		return nil, errors.New("scheduler index is required")
	case dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case lanes == nil:
		return nil, errors.New("worker lanes are required")
	}

	s := &Service{
		store:      store,
		index:      index,
		dispatcher: dispatcher,
		lanes:      lanes,
		wake:       func() {},
		clock:      clock.Real{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	return s, nil
}

// SetWake registers the callback run after the index changes, normally the
// scheduler loop's Notify.
func (s *Service) SetWake(wake func()) {
	if wake != nil {
		s.wake = wake
	}
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Reminder, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Title = strings.TrimSpace(req.Title)
	switch {
	case req.UserID == "":
		return nil, apperr.Validation("userId", "is required")
	case req.Title == "":
		return nil, apperr.Validation("title", "is required")
	case req.Date.IsZero():
		return nil, apperr.Validation("date", "is required")
	}

	rule := normalizeRule(req.Recurrence)
	if err := rrule.Validate(rule, req.Date); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	next, err := firstDue(rule, req.Date, now)
	if err != nil {
		return nil, err
	}

	rem := &models.Reminder{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Title:      req.Title,
		Category:   strings.TrimSpace(req.Category),
		BaseDate:   req.Date,
		Recurrence: rule,
		NextDue:    &next,
		Status:     models.ReminderActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, rem); err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}

	s.index.Schedule(rem.ID, next)
	s.wake()
	s.logger.Info("reminder created",
		slog.String("reminder_id", rem.ID),
		slog.String("user_id", rem.UserID),
		slog.Time("next_due", next))
	return rem, nil
}

func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*models.Reminder, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rem, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rem.Status == models.ReminderCancelled {
		return nil, fmt.Errorf("update cancelled reminder %s: %w", id, apperr.ErrInvalidState)
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, apperr.Validation("title", "is required")
		}
		rem.Title = title
	}
	if req.Category != nil {
		rem.Category = strings.TrimSpace(*req.Category)
	}
	if req.Date != nil {
		if req.Date.IsZero() {
			return nil, apperr.Validation("date", "is required")
		}
		rem.BaseDate = *req.Date
	}
	if req.Recurrence != nil {
		rem.Recurrence = normalizeRule(*req.Recurrence)
	}
	if err := rrule.Validate(rem.Recurrence, rem.BaseDate); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rem.UpdatedAt = now
	if rem.Status == models.ReminderActive {
		next, err := firstDue(rem.Recurrence, rem.BaseDate, now)
		if err != nil {
			return nil, err
		}
		rem.NextDue = &next
	}

	if err := s.store.Update(ctx, rem); err != nil {
		return nil, fmt.Errorf("update reminder %s: %w", id, err)
	}
	if rem.IsSchedulable() {
		// A new generation makes any in-flight fire of the old schedule stale.
		s.index.Schedule(rem.ID, *rem.NextDue)
		s.wake()
	}
	return rem, nil
}

func (s *Service) Pause(ctx context.Context, id string) (*models.Reminder, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rem, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rem.Status {
	case models.ReminderPaused:
		return rem, nil
	case models.ReminderCancelled:
		return nil, fmt.Errorf("pause cancelled reminder %s: %w", id, apperr.ErrInvalidState)
	}

	rem.Status = models.ReminderPaused
	rem.NextDue = nil
	rem.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, rem); err != nil {
		return nil, fmt.Errorf("pause reminder %s: %w", id, err)
	}
	s.index.Cancel(id)
	return rem, nil
}

// Resume reactivates a paused reminder from its next occurrence after now.
// Occurrences that passed while paused are skipped.
func (s *Service) Resume(ctx context.Context, id string) (*models.Reminder, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rem, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rem.Status {
	case models.ReminderActive:
		return rem, nil
	case models.ReminderCancelled:
		return nil, fmt.Errorf("resume cancelled reminder %s: %w", id, apperr.ErrInvalidState)
	}

	now := s.clock.Now()
	rem.UpdatedAt = now
	next, ok := rrule.First(rem.Recurrence, rem.BaseDate, now)
	if ok {
		rem.Status = models.ReminderActive
		rem.NextDue = &next
	} else {
		rem.Status = models.ReminderCancelled
		rem.NextDue = nil
	}

	if err := s.store.Update(ctx, rem); err != nil {
		return nil, fmt.Errorf("resume reminder %s: %w", id, err)
	}
	if rem.IsSchedulable() {
		s.index.Schedule(rem.ID, next)
		s.wake()
	}
	return rem, nil
}

func (s *Service) Cancel(ctx context.Context, id string) (*models.Reminder, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rem, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rem.Status == models.ReminderCancelled {
		return rem, nil
	}

	rem.Status = models.ReminderCancelled
	rem.NextDue = nil
	rem.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, rem); err != nil {
		return nil, fmt.Errorf("cancel reminder %s: %w", id, err)
	}
	s.index.Cancel(id)
	return rem, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Reminder, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]*models.Reminder, error) {
	return s.store.ListByUser(ctx, userID)
}

// Restore loads every active reminder into the index. Reminders whose due
// time passed while the process was down fire once on the next poll.
func (s *Service) Restore(ctx context.Context) (int, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore reminders: %w", err)
	}
	for _, rem := range active {
		s.index.Schedule(rem.ID, *rem.NextDue)
	}
	if len(active) > 0 {
		s.wake()
	}
	s.logger.Info("reminders restored", slog.Int("count", len(active)))
	return len(active), nil
}

// HandleFires implements scheduler.FireHandler. Each fire is routed onto
// its owner's worker lane so one user's notifications dispatch in fire order.
func (s *Service) HandleFires(ctx context.Context, fires []scheduler.Fire) {
	for _, f := range fires {
		if !s.index.IsCurrent(f.ReminderID, f.Generation) {
			s.dropStale(f)
			continue
		}

		rem, err := s.store.Get(ctx, f.ReminderID)
		if err != nil {
			s.logger.Error("load fired reminder failed",
				slog.String("reminder_id", f.ReminderID),
				slog.Any("error", err))
			if errors.Is(err, apperr.ErrNotFound) {
				s.index.Release(f.ReminderID, f.Generation)
			} else {
				// Retry on a later poll rather than losing the fire.
				s.index.Reschedule(f.ReminderID, f.Generation, f.DueAt)
			}
			continue
		}
		if rem.Status != models.ReminderActive {
			s.index.Release(f.ReminderID, f.Generation)
			continue
		}

		fire := f
		if err := s.lanes.Submit(ctx, rem.UserID, func(ctx context.Context) {
			s.fire(ctx, fire, rem)
		}); err != nil {
			s.logger.Warn("fire not queued",
				slog.String("reminder_id", f.ReminderID),
				slog.Any("error", err))
			s.index.Reschedule(f.ReminderID, f.Generation, f.DueAt)
		}
	}
}

func (s *Service) fire(ctx context.Context, f scheduler.Fire, rem *models.Reminder) {
	if !s.index.IsCurrent(f.ReminderID, f.Generation) {
		s.dropStale(f)
		return
	}

	if _, err := s.dispatcher.Dispatch(ctx, rem); err != nil {
		s.logger.Error("dispatch failed",
			slog.String("reminder_id", rem.ID),
			slog.Any("error", err))
	}

	mu := s.lockFor(rem.ID)
	mu.Lock()
	defer mu.Unlock()

	now := s.clock.Now()
	from := f.DueAt
	if now.After(from) {
		from = now
	}
	next, ok := rrule.Next(rem.Recurrence, rem.BaseDate, from)

	var nextDue *time.Time
	if ok {
		if _, rescheduled := s.index.Reschedule(rem.ID, f.Generation, next); !rescheduled {
			s.dropStale(f)
			return
		}
		nextDue = &next
		s.wake()
	} else if !s.index.Release(rem.ID, f.Generation) {
		s.dropStale(f)
		return
	}

	if err := s.store.MarkFired(context.WithoutCancel(ctx), rem.ID, now, nextDue); err != nil {
		s.logger.Error("record fire failed",
			slog.String("reminder_id", rem.ID),
			slog.Any("error", err))
	}
	if nextDue == nil {
		s.logger.Info("reminder finished", slog.String("reminder_id", rem.ID))
	}
}

func (s *Service) dropStale(f scheduler.Fire) {
	s.metrics.StaleFires.Inc()
	s.logger.Debug("dropping stale fire",
		slog.String("reminder_id", f.ReminderID),
		slog.Uint64("generation", f.Generation),
		slog.Any("error", apperr.ErrStaleFire))
}

func (s *Service) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

func normalizeRule(r rrule.Rule) rrule.Rule {
	if r.Kind == "" {
		r.Kind = rrule.KindNone
	}
	if r.Interval == 0 {
		r.Interval = 1
	}
	return r
}

// firstDue is the first occurrence at or after now, or a ValidationError if
// the reminder could never fire.
func firstDue(rule rrule.Rule, base, now time.Time) (time.Time, error) {
	next, ok := rrule.First(rule, base, now)
	if ok {
		return next, nil
	}
	if !rule.IsRecurring() {
		return time.Time{}, apperr.Validation("date", "is in the past")
	}
	return time.Time{}, apperr.Validation("recurrence.until", "no occurrence remains after now")
}
