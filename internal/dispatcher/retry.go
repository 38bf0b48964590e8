package dispatcher

import (
	"context"
	"time"

	"github.com/hray3182/lifeline-notifier/internal/registry"
)

// RetryPolicy is exponential backoff with a bounded number of attempts.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Factor: 2, MaxAttempts: 5}
}

// Backoff returns the wait after the given failed attempt (1-based):
// Base, Base*Factor, Base*Factor^2, ...
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	return time.Duration(d)
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// sleep waits out a backoff. A nil gone never fires.
func sleep(ctx context.Context, gone <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		select {
		case <-gone:
			return registry.ErrSubscriberGone
		default:
			return nil
		}
	case <-gone:
		return registry.ErrSubscriberGone
	case <-ctx.Done():
		return ctx.Err()
	}
}
