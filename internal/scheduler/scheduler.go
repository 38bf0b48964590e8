package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hray3182/lifeline-notifier/internal/clock"
	"github.com/hray3182/lifeline-notifier/internal/metrics"
)

// FireHandler consumes the reminders that came due in one poll. It must hand
// slow work (store reads aside) off to workers and return promptly.
type FireHandler interface {
	HandleFires(ctx context.Context, fires []Fire)
}

// Loop is the single driver of the due-time index: it polls on a fixed
// interval, or immediately after Notify, and passes due batches to the handler.
type Loop struct {
	index         *Index
	handler       FireHandler
	clock         clock.Clock
	checkInterval time.Duration
	notifyCh      chan struct{}
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

type Option func(*Loop)

func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.checkInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

func New(index *Index, handler FireHandler, opts ...Option) *Loop {
	l := &Loop{
		index:         index,
		handler:       handler,
		clock:         clock.Real{},
		checkInterval: 500 * time.Millisecond,
		notifyCh:      make(chan struct{}, 1),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Notify triggers an immediate check. Non-blocking if a check is already pending.
func (l *Loop) Notify() {
	select {
	case l.notifyCh <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("scheduler started", slog.Duration("interval", l.checkInterval))
	ticker := time.NewTicker(l.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			l.RunOnce(ctx)
		case <-l.notifyCh:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single poll at the clock's current time and returns the
// number of fires handed to the handler.
func (l *Loop) RunOnce(ctx context.Context) int {
	now := l.clock.Now()
	fires := l.index.Poll(now)
	if l.metrics != nil {
		l.metrics.IndexSize.Set(float64(l.index.Len()))
	}
	if len(fires) == 0 {
		return 0
	}

	l.logger.Debug("reminders due", slog.Int("count", len(fires)), slog.Time("now", now))
	l.handler.HandleFires(ctx, fires)
	return len(fires)
}
