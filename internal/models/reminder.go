package models

import (
	"time"

	"github.com/hray3182/lifeline-notifier/internal/rrule"
)

type ReminderStatus string

const (
	ReminderActive    ReminderStatus = "active"
	ReminderPaused    ReminderStatus = "paused"
	ReminderCancelled ReminderStatus = "cancelled"
)

// Reminder is owned by the reminder store. The scheduler only ever holds its
// id and next due time.
type Reminder struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Title       string         `json:"title"`
	Category    string         `json:"category"`
	BaseDate    time.Time      `json:"base_date"` // First occurrence (anchor for recurrence)
	Recurrence  rrule.Rule     `json:"recurrence"`
	NextDue     *time.Time     `json:"next_due"` // Next scheduled fire, nil once exhausted
	Status      ReminderStatus `json:"status"`
	LastFiredAt *time.Time     `json:"last_fired_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsRecurring returns true if this reminder has a recurrence rule
func (r *Reminder) IsRecurring() bool {
	return r.Recurrence.IsRecurring()
}

// IsSchedulable reports whether the reminder belongs in the due-time index.
func (r *Reminder) IsSchedulable() bool {
	return r.Status == ReminderActive && r.NextDue != nil
}
