package delivery

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/models"
)

const memoryShards = 32

type memoryEntry struct {
	rec          models.DeliveryRecord
	claimedUntil time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[models.DeliveryKey]*memoryEntry
}

// MemoryTracker keeps records in process memory. Suitable for a single
// instance; restarts forget every record.
type MemoryTracker struct {
	shards    [memoryShards]*memoryShard
	retention time.Duration
	lease     time.Duration
	logger    *slog.Logger
}

type MemoryOption func(*MemoryTracker)

func WithRetention(d time.Duration) MemoryOption {
	return func(t *MemoryTracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

func WithLease(d time.Duration) MemoryOption {
	return func(t *MemoryTracker) {
		if d > 0 {
			t.lease = d
		}
	}
}

func WithLogger(logger *slog.Logger) MemoryOption {
	return func(t *MemoryTracker) { t.logger = logger }
}

func NewMemoryTracker(opts ...MemoryOption) *MemoryTracker {
	t := &MemoryTracker{
		retention: DefaultRetention,
		lease:     DefaultLease,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	for i := range t.shards {
		t.shards[i] = &memoryShard{entries: make(map[models.DeliveryKey]*memoryEntry)}
	}
	return t
}

func (t *MemoryTracker) Begin(_ context.Context, key models.DeliveryKey, now time.Time) (bool, error) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		sh.entries[key] = &memoryEntry{
			rec: models.DeliveryRecord{
				NotificationID: key.NotificationID,
				ChannelID:      key.ChannelID,
				Status:         models.DeliveryPending,
				CreatedAt:      now,
			},
			claimedUntil: now.Add(t.lease),
		}
		return true, nil
	}
	if e.rec.IsTerminal() || now.Before(e.claimedUntil) {
		return false, nil
	}
	e.claimedUntil = now.Add(t.lease)
	return true, nil
}

func (t *MemoryTracker) RecordAttempt(_ context.Context, key models.DeliveryKey, outcome Outcome, now time.Time, errMsg string) (*models.DeliveryRecord, error) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", key, apperr.ErrNotFound)
	}
	if e.rec.IsTerminal() {
		rec := e.rec
		return &rec, nil
	}

	e.rec.Attempts++
	at := now
	e.rec.LastAttemptAt = &at
	e.rec.LastError = errMsg
	e.claimedUntil = time.Time{}
	switch outcome {
	case Delivered:
		e.rec.Status = models.DeliveryDelivered
		e.rec.LastError = ""
	case Failed:
		e.rec.Status = models.DeliveryFailed
	}

	rec := e.rec
	return &rec, nil
}

func (t *MemoryTracker) IsAlreadyDelivered(_ context.Context, key models.DeliveryKey) (bool, error) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	return ok && e.rec.Status == models.DeliveryDelivered, nil
}

func (t *MemoryTracker) Get(_ context.Context, key models.DeliveryKey) (*models.DeliveryRecord, error) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", key, apperr.ErrNotFound)
	}
	rec := e.rec
	return &rec, nil
}

func (t *MemoryTracker) Evict(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-t.retention)
	evicted := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.rec.CreatedAt.Before(cutoff) {
				delete(sh.entries, k)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted, nil
}

// Len returns the number of records currently held.
func (t *MemoryTracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// StartEviction runs Evict every interval until ctx is cancelled.
func (t *MemoryTracker) StartEviction(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, _ := t.Evict(ctx, time.Now())
			if n > 0 {
				t.logger.Debug("evicted delivery records", slog.Int("count", n))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *MemoryTracker) shardFor(key models.DeliveryKey) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.NotificationID))
	_, _ = h.Write([]byte(key.ChannelID))
	return t.shards[h.Sum32()%memoryShards]
}
