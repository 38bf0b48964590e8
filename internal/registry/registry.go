// Package registry tracks the live real-time subscribers of every user.
//
// Subscribers are spread over hashed shards, each with its own lock, so
// connects, disconnects and fan-out reads for different users do not contend.
// A subscriber removed from the registry never starts another delivery job.
package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hray3182/lifeline-notifier/internal/clock"
	"github.com/hray3182/lifeline-notifier/internal/metrics"
	"github.com/hray3182/lifeline-notifier/internal/models"
)

const DefaultShards = 64

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Subscriber
}

type Registry struct {
	shards []*shard
	byID   sync.Map // subscriber id -> *Subscriber

	ctx    context.Context
	cancel context.CancelFunc

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Registry)

func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		shards: make([]*shard, DefaultShards),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]*Subscriber)}
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Register adds a live subscriber for userID and starts its mailbox.
func (r *Registry) Register(userID string, kind models.TransportKind, conn Conn) (string, error) {
	if err := r.ctx.Err(); err != nil {
		return "", ErrSubscriberGone
	}

	sub := newSubscriber(uuid.NewString(), userID, kind, conn, r.clock.Now())

	sh := r.shardFor(userID)
	sh.mu.Lock()
	subs, ok := sh.users[userID]
	if !ok {
		subs = make(map[string]*Subscriber)
		sh.users[userID] = subs
	}
	subs[sub.ID] = sub
	sh.mu.Unlock()

	r.byID.Store(sub.ID, sub)
	go sub.drain(r.ctx)

	if r.metrics != nil {
		r.metrics.Subscribers.WithLabelValues(string(kind)).Inc()
	}
	r.logger.Debug("subscriber registered",
		slog.String("subscriber_id", sub.ID),
		slog.String("user_id", userID),
		slog.String("transport", string(kind)))
	return sub.ID, nil
}

// Unregister removes the subscriber. Safe to call any number of times.
func (r *Registry) Unregister(subscriberID string) {
	r.remove(subscriberID, "unsubscribed")
}

// MarkDead is called by a transport when a heartbeat fails. It takes the same
// teardown path as a disconnect.
func (r *Registry) MarkDead(subscriberID string) {
	r.remove(subscriberID, "heartbeat failed")
}

func (r *Registry) remove(subscriberID, reason string) {
	v, ok := r.byID.LoadAndDelete(subscriberID)
	if !ok {
		return
	}
	sub := v.(*Subscriber)

	// Teardown first: from here on no new job can start on this subscriber,
	// even if a fan-out already holds it in a snapshot.
	if !sub.teardown() {
		return
	}

	sh := r.shardFor(sub.UserID)
	sh.mu.Lock()
	if subs, ok := sh.users[sub.UserID]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(sh.users, sub.UserID)
		}
	}
	sh.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Subscribers.WithLabelValues(string(sub.Kind)).Dec()
	}
	r.logger.Debug("subscriber removed",
		slog.String("subscriber_id", subscriberID),
		slog.String("user_id", sub.UserID),
		slog.String("reason", reason))
}

// SubscribersFor returns a snapshot of the user's live subscribers.
func (r *Registry) SubscribersFor(userID string) []*Subscriber {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	subs := sh.users[userID]
	out := make([]*Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.Live() {
			out = append(out, sub)
		}
	}
	return out
}

// Get returns a subscriber by id if it is still registered.
func (r *Registry) Get(subscriberID string) (*Subscriber, bool) {
	v, ok := r.byID.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return v.(*Subscriber), true
}

// Count returns the number of registered subscribers.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, subs := range sh.users {
			n += len(subs)
		}
		sh.mu.RUnlock()
	}
	return n
}

// Close tears down every subscriber and stops their mailboxes.
func (r *Registry) Close() {
	var ids []string
	r.byID.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	for _, id := range ids {
		r.remove(id, "shutdown")
	}
	r.cancel()
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}
