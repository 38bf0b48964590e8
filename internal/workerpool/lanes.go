// Package workerpool runs jobs on a fixed set of lanes. Jobs that share a key
// always land on the same lane and therefore run one at a time, in submission
// order; jobs on different lanes run concurrently.
package workerpool

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("worker pool closed")

type Job func(ctx context.Context)

type Lanes struct {
	lanes  []chan Job
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates n lanes, each buffering up to depth pending jobs.
func New(n, depth int, logger *slog.Logger) *Lanes {
	if n < 1 {
		n = 1
	}
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lanes{lanes: make([]chan Job, n), logger: logger}
	for i := range l.lanes {
		l.lanes[i] = make(chan Job, depth)
	}
	return l
}

// Submit queues job on the lane owning key. It blocks while that lane's buffer
// is full, which pushes back on the caller rather than dropping work.
func (l *Lanes) Submit(ctx context.Context, key string, job Job) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	select {
	case l.lanes[l.laneFor(key)] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains every lane until ctx is cancelled or Close is called.
func (l *Lanes) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, lane := range l.lanes {
		g.Go(func() error {
			l.drain(ctx, i, lane)
			return nil
		})
	}
	return g.Wait()
}

// Close stops accepting jobs. Queued jobs still run.
func (l *Lanes) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, lane := range l.lanes {
		close(lane)
	}
}

func (l *Lanes) drain(ctx context.Context, idx int, lane <-chan Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-lane:
			if !ok {
				return
			}
			l.run(ctx, idx, job)
		}
	}
}

func (l *Lanes) run(ctx context.Context, idx int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("worker lane job panicked", slog.Int("lane", idx), slog.Any("panic", r))
		}
	}()
	job(ctx)
}

func (l *Lanes) laneFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.lanes)))
}
