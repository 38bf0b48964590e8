// Package dispatcher turns a fired reminder into a notification and delivers
// it, at least once, to every live subscriber and secondary channel of the
// reminder's owner.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/clock"
	"github.com/hray3182/lifeline-notifier/internal/delivery"
	"github.com/hray3182/lifeline-notifier/internal/metrics"
	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/registry"
	"github.com/hray3182/lifeline-notifier/internal/rrule"
)

const (
	DefaultSendTimeout          = 5 * time.Second
	DefaultSecondaryConcurrency = 16
	alertTimeout                = 5 * time.Second

	// SecondaryChannelID labels alerts for secondary deliveries that could
	// not be resolved to a channel at all.
	SecondaryChannelID = "secondary"
)

// SubscriberSource resolves the live real-time subscribers of a user.
type SubscriberSource interface {
	SubscribersFor(userID string) []*registry.Subscriber
}

type Dispatcher struct {
	subscribers SubscriberSource
	tracker     delivery.Tracker
	senders     map[models.ChannelKind]Sender
	policy      ChannelPolicy
	alerter     Alerter

	retry       RetryPolicy
	sendTimeout time.Duration
	sem         *semaphore.Weighted
	concurrency int64

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithSender(kind models.ChannelKind, s Sender) Option {
	return func(d *Dispatcher) { d.senders[kind] = s }
}

func WithChannelPolicy(p ChannelPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

func WithAlerter(a Alerter) Option {
	return func(d *Dispatcher) { d.alerter = a }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.retry = p.normalized() }
}

func WithSendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.sendTimeout = t
		}
	}
}

// WithSecondaryConcurrency bounds in-flight secondary channel deliveries.
func WithSecondaryConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = int64(n)
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(subscribers SubscriberSource, tracker delivery.Tracker, opts ...Option) (*Dispatcher, error) {
	if subscribers == nil {
		return nil, errors.New("subscriber source is required")
	}
	if tracker == nil {
		return nil, errors.New("delivery tracker is required")
	}

	d := &Dispatcher{
		subscribers: subscribers,
		tracker:     tracker,
		senders:     make(map[models.ChannelKind]Sender),
		retry:       DefaultRetryPolicy(),
		sendTimeout: DefaultSendTimeout,
		concurrency: DefaultSecondaryConcurrency,
		clock:       clock.Real{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.NewNop()
	}
	d.sem = semaphore.NewWeighted(d.concurrency)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// target is one (notification, channel) delivery.
type target struct {
	key   models.DeliveryKey
	label string // metrics label: transport or channel kind
	n     *models.Notification
	send  func(ctx context.Context) error
	gone  <-chan struct{} // closed when a stream subscriber is torn down
}

// Dispatch builds the notification for a fired reminder and hands one
// delivery per channel off to the subscriber mailboxes and the secondary
// pool. It returns without waiting for the deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, rem *models.Reminder) (*models.Notification, error) {
	if rem == nil {
		return nil, fmt.Errorf("dispatch: %w", apperr.Validation("reminder", "is required"))
	}
	if err := d.ctx.Err(); err != nil {
		return nil, fmt.Errorf("dispatch reminder %s: dispatcher closed", rem.ID)
	}

	n, err := d.newNotification(rem)
	if err != nil {
		return nil, err
	}

	for _, sub := range d.subscribers.SubscribersFor(rem.UserID) {
		d.fanOut(n, sub)
	}
	d.dispatchSecondary(ctx, n)

	d.metrics.RemindersFired.Inc()
	d.logger.Info("notification dispatched",
		slog.String("notification_id", n.ID),
		slog.String("reminder_id", rem.ID),
		slog.String("user_id", rem.UserID))
	return n, nil
}

func (d *Dispatcher) fanOut(n *models.Notification, sub *registry.Subscriber) {
	t := target{
		key:   models.DeliveryKey{NotificationID: n.ID, ChannelID: sub.ChannelID()},
		label: string(sub.Kind),
		n:     n,
		gone:  sub.Done(),
	}

	d.wg.Add(1)
	err := sub.Enqueue(registry.Job{
		Run: func(ctx context.Context, sub *registry.Subscriber) {
			defer d.wg.Done()
			t.send = func(ctx context.Context) error { return sub.Conn().Send(ctx, n) }
			d.deliver(ctx, t)
		},
		Abort: func(reason error) {
			defer d.wg.Done()
			d.abandon(t, 0, reason)
		},
	})
	if err != nil {
		// Gone between the snapshot and the enqueue: not a live channel.
		d.wg.Done()
		d.logger.Debug("subscriber left before fan-out",
			slog.String("subscriber_id", sub.ID),
			slog.String("notification_id", n.ID))
	}
}

func (d *Dispatcher) dispatchSecondary(ctx context.Context, n *models.Notification) {
	if d.policy == nil {
		return
	}
	contacts, err := d.policy.ChannelsFor(ctx, n.UserID, d.clock.Now())
	if err != nil {
		d.logger.Warn("resolve secondary channels failed",
			slog.String("user_id", n.UserID),
			slog.Any("error", err))
		t := target{
			key:   models.DeliveryKey{NotificationID: n.ID, ChannelID: SecondaryChannelID},
			label: SecondaryChannelID,
			n:     n,
		}
		d.metrics.Deliveries.WithLabelValues(t.label, string(models.DeliveryFailed)).Inc()
		d.alert(ctx, t, 0, fmt.Errorf("resolve secondary channels: %w", err), false)
		return
	}

	for _, c := range contacts {
		sender, ok := d.senders[c.Kind]
		if !ok {
			d.logger.Debug("no sender configured for channel",
				slog.String("channel", string(c.Kind)),
				slog.String("user_id", n.UserID))
			continue
		}
		dest := c.Destination
		t := target{
			key:   models.DeliveryKey{NotificationID: n.ID, ChannelID: string(c.Kind)},
			label: string(c.Kind),
			n:     n,
			send: func(ctx context.Context) error {
				return sender.Send(ctx, dest, n)
			},
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.sem.Acquire(d.ctx, 1); err != nil {
				d.abandon(t, 0, err)
				return
			}
			defer d.sem.Release(1)
			d.deliver(d.ctx, t)
		}()
	}
}

// deliver runs the claim, send, record loop until the record is terminal.
func (d *Dispatcher) deliver(ctx context.Context, t target) {
	log := d.logger.With(
		slog.String("notification_id", t.key.NotificationID),
		slog.String("channel_id", t.key.ChannelID))

	for attempt := 1; ; attempt++ {
		claimed, err := d.tracker.Begin(ctx, t.key, d.clock.Now())
		if err != nil {
			log.Error("claim delivery failed", slog.Any("error", err))
			d.alert(ctx, t, attempt, fmt.Errorf("claim delivery: %w", err), false)
			return
		}
		if !claimed {
			log.Debug("delivery already settled or in flight elsewhere")
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		sendErr := t.send(attemptCtx)
		cancel()
		d.metrics.DeliveryAttempts.WithLabelValues(t.label).Inc()

		outcome := delivery.Delivered
		errMsg := ""
		if sendErr != nil {
			errMsg = sendErr.Error()
			outcome = delivery.Retry
			if apperr.IsPermanent(sendErr) || attempt >= d.retry.MaxAttempts {
				outcome = delivery.Failed
			}
		}

		rec, err := d.tracker.RecordAttempt(context.WithoutCancel(ctx), t.key, outcome, d.clock.Now(), errMsg)
		if err != nil {
			log.Error("record delivery attempt failed", slog.Any("error", err))
		}

		switch outcome {
		case delivery.Delivered:
			d.metrics.Deliveries.WithLabelValues(t.label, string(models.DeliveryDelivered)).Inc()
			log.Debug("delivered", slog.Int("attempt", attempt))
			return
		case delivery.Failed:
			if rec != nil && rec.Status != models.DeliveryFailed {
				// Settled by someone else after our claim lapsed.
				return
			}
			d.metrics.Deliveries.WithLabelValues(t.label, string(models.DeliveryFailed)).Inc()
			log.Warn("delivery failed",
				slog.Int("attempts", attempt),
				slog.Any("error", sendErr))
			d.alert(ctx, t, attempt, sendErr, apperr.IsPermanent(sendErr))
			return
		}

		wait := d.retry.Backoff(attempt)
		log.Debug("delivery attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Any("error", sendErr))
		if err := sleep(ctx, t.gone, wait); err != nil {
			log.Warn("delivery abandoned during backoff",
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			d.abandon(t, attempt, fmt.Errorf("abandoned after %w: %w", sendErr, err))
			return
		}
	}
}

// abandon settles a delivery as failed when its subscriber went away or the
// dispatcher shut down before it was attempted, or while it waited to retry.
func (d *Dispatcher) abandon(t target, attempts int, reason error) {
	ctx := context.Background()
	now := d.clock.Now()

	claimed, err := d.tracker.Begin(ctx, t.key, now)
	if err == nil && !claimed {
		return
	}
	if err == nil {
		if _, err := d.tracker.RecordAttempt(ctx, t.key, delivery.Failed, now, reason.Error()); err != nil {
			d.logger.Error("record abandoned delivery failed", slog.Any("error", err))
		}
	}
	d.metrics.Deliveries.WithLabelValues(t.label, string(models.DeliveryFailed)).Inc()
	d.alert(ctx, t, attempts, reason, errors.Is(reason, registry.ErrSubscriberGone))
}

func (d *Dispatcher) alert(ctx context.Context, t target, attempts int, cause error, permanent bool) {
	d.metrics.Alerts.Inc()
	if d.alerter == nil {
		d.logger.Error("delivery failure with no alerter configured",
			slog.String("notification_id", t.key.NotificationID),
			slog.String("channel_id", t.key.ChannelID),
			slog.Any("error", cause))
		return
	}

	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	failure := models.DeliveryFailure{
		NotificationID: t.n.ID,
		ChannelID:      t.key.ChannelID,
		UserID:         t.n.UserID,
		ReminderID:     t.n.ReminderID,
		Attempts:       attempts,
		Reason:         reason,
		Permanent:      permanent,
		FailedAt:       d.clock.Now(),
	}

	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := d.alerter.Alert(alertCtx, failure); err != nil {
		d.logger.Error("alert delivery failure failed",
			slog.String("notification_id", failure.NotificationID),
			slog.String("channel_id", failure.ChannelID),
			slog.Any("error", err))
	}
}

func (d *Dispatcher) newNotification(rem *models.Reminder) (*models.Notification, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate notification id: %w", err)
	}
	return &models.Notification{
		ID:         id.String(),
		ReminderID: rem.ID,
		UserID:     rem.UserID,
		Message:    Message(rem),
		Type:       notificationType(rem),
		CreatedAt:  d.clock.Now(),
	}, nil
}

// Message renders the text shown to the user for a fired reminder.
func Message(rem *models.Reminder) string {
	if !rem.IsRecurring() {
		return rem.Title
	}
	return fmt.Sprintf("%s (%s)", rem.Title, rrule.Describe(rem.Recurrence))
}

func notificationType(rem *models.Reminder) string {
	if rem.Category == "" {
		return "reminder"
	}
	return rem.Category
}

// Wait blocks until every accepted delivery has settled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops new dispatches, cancels pending backoffs and waits for every
// accepted delivery to settle.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
