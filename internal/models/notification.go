package models

import "time"

// Notification is created when a reminder fires and never changes afterwards.
type Notification struct {
	ID         string    `json:"id"`
	ReminderID string    `json:"reminder_id"`
	UserID     string    `json:"user_id"`
	Message    string    `json:"message"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Payload is what real-time subscribers receive.
type Payload struct {
	ID         string    `json:"id"`
	Message    string    `json:"message"`
	Type       string    `json:"type"`
	ReminderID string    `json:"reminderId"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (n *Notification) Payload() Payload {
	return Payload{
		ID:         n.ID,
		Message:    n.Message,
		Type:       n.Type,
		ReminderID: n.ReminderID,
		CreatedAt:  n.CreatedAt,
	}
}
