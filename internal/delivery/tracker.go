// Package delivery records the outcome of every (notification, channel)
// delivery so retries never re-send to a channel that already acknowledged.
//
// Records are a cache with bounded retention, not a permanent ledger.
package delivery

import (
	"context"
	"time"

	"github.com/hray3182/lifeline-notifier/internal/models"
)

const (
	DefaultRetention = 24 * time.Hour
	// DefaultLease bounds how long a claim from Begin blocks other attempts
	// when its holder never reports back.
	DefaultLease = time.Minute
)

type Outcome int

const (
	// Retry records a transient failure. The record stays pending.
	Retry Outcome = iota
	Delivered
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "retry"
	}
}

// Tracker is implemented by MemoryTracker and RedisTracker.
type Tracker interface {
	// Begin claims the right to attempt a send. It returns false when the
	// record is terminal or another attempt holds an unexpired claim.
	Begin(ctx context.Context, key models.DeliveryKey, now time.Time) (bool, error)
	// RecordAttempt stores the outcome of a claimed attempt and releases the
	// claim. Terminal records are returned unchanged.
	RecordAttempt(ctx context.Context, key models.DeliveryKey, outcome Outcome, now time.Time, errMsg string) (*models.DeliveryRecord, error)
	IsAlreadyDelivered(ctx context.Context, key models.DeliveryKey) (bool, error)
	Get(ctx context.Context, key models.DeliveryKey) (*models.DeliveryRecord, error)
	// Evict drops records created before now minus the retention horizon.
	Evict(ctx context.Context, now time.Time) (int, error)
}
