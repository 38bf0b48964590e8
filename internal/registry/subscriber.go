package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hray3182/lifeline-notifier/internal/models"
)

var ErrSubscriberGone = errors.New("subscriber gone")

// Conn is the transport-owned connection handle. The registry never closes it.
type Conn interface {
	Send(ctx context.Context, n *models.Notification) error
}

// Job is one unit of work on a subscriber's ordered mailbox. Abort is called
// instead of Run when the subscriber is torn down before the job starts.
type Job struct {
	Run   func(ctx context.Context, sub *Subscriber)
	Abort func(reason error)
}

// Subscriber is a live real-time connection of one user.
type Subscriber struct {
	ID           string
	UserID       string
	Kind         models.TransportKind
	SubscribedAt time.Time

	conn Conn

	mu    sync.Mutex
	live  bool
	queue []Job
	wake  chan struct{}
	done  chan struct{}
}

func newSubscriber(id, userID string, kind models.TransportKind, conn Conn, now time.Time) *Subscriber {
	return &Subscriber{
		ID:           id,
		UserID:       userID,
		Kind:         kind,
		SubscribedAt: now,
		conn:         conn,
		live:         true,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// ChannelID is the delivery channel identifier used for idempotence records.
func (s *Subscriber) ChannelID() string {
	return string(s.Kind) + ":" + s.ID
}

// Conn returns the transport handle.
func (s *Subscriber) Conn() Conn {
	return s.conn
}

// Live reports whether the subscriber is still registered.
func (s *Subscriber) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Done is closed when the subscriber is torn down.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Enqueue appends job to the mailbox. Jobs run one at a time in enqueue order.
func (s *Subscriber) Enqueue(job Job) error {
	s.mu.Lock()
	if !s.live {
		s.mu.Unlock()
		return ErrSubscriberGone
	}
	s.queue = append(s.queue, job)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// teardown marks the subscriber dead and aborts jobs that have not started.
// Returns false if it was already torn down.
func (s *Subscriber) teardown() bool {
	s.mu.Lock()
	if !s.live {
		s.mu.Unlock()
		return false
	}
	s.live = false
	pending := s.queue
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	for _, job := range pending {
		if job.Abort != nil {
			job.Abort(ErrSubscriberGone)
		}
	}
	return true
}

// next pops the head job, or reports that the subscriber is gone.
func (s *Subscriber) next() (Job, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return Job{}, false, false
	}
	if len(s.queue) == 0 {
		return Job{}, false, true
	}
	job := s.queue[0]
	s.queue[0] = Job{}
	s.queue = s.queue[1:]
	return job, true, true
}

// drain runs mailbox jobs until the subscriber is torn down or ctx ends.
func (s *Subscriber) drain(ctx context.Context) {
	for {
		job, ok, live := s.next()
		if !live {
			return
		}
		if ok {
			job.Run(ctx, s)
			continue
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
