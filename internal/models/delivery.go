package models

import "time"

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryKey is the idempotence boundary: one record per notification and channel.
type DeliveryKey struct {
	NotificationID string `json:"notification_id"`
	ChannelID      string `json:"channel_id"`
}

func (k DeliveryKey) String() string {
	return k.NotificationID + "/" + k.ChannelID
}

type DeliveryRecord struct {
	NotificationID string         `json:"notification_id"`
	ChannelID      string         `json:"channel_id"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (r *DeliveryRecord) Key() DeliveryKey {
	return DeliveryKey{NotificationID: r.NotificationID, ChannelID: r.ChannelID}
}

// IsTerminal is true once the record can no longer change.
func (r *DeliveryRecord) IsTerminal() bool {
	return r.Status == DeliveryDelivered || r.Status == DeliveryFailed
}

// DeliveryFailure is surfaced to alerting when a record ends failed.
type DeliveryFailure struct {
	NotificationID string    `json:"notification_id"`
	ChannelID      string    `json:"channel_id"`
	UserID         string    `json:"user_id"`
	ReminderID     string    `json:"reminder_id"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason"`
	Permanent      bool      `json:"permanent"`
	FailedAt       time.Time `json:"failed_at"`
}
