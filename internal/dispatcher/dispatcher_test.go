package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/delivery"
	"github.com/hray3182/lifeline-notifier/internal/dispatcher/mocks"
	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/registry"
	"github.com/hray3182/lifeline-notifier/internal/rrule"
)

type recordingConn struct {
	mu   sync.Mutex
	got  []*models.Notification
	gate chan struct{}
}

func (c *recordingConn) Send(ctx context.Context, n *models.Notification) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.got = append(c.got, n)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Received() []*models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Notification(nil), c.got...)
}

type DispatcherSuite struct {
	suite.Suite
	ctx     context.Context
	ctrl    *gomock.Controller
	sender  *mocks.MockSender
	alerter *mocks.MockAlerter
	policy  *mocks.MockChannelPolicy
	reg     *registry.Registry
	tracker *delivery.MemoryTracker
	disp    *Dispatcher
	rem     *models.Reminder
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.sender = mocks.NewMockSender(s.ctrl)
	s.alerter = mocks.NewMockAlerter(s.ctrl)
	s.policy = mocks.NewMockChannelPolicy(s.ctrl)
	s.reg = registry.New(registry.WithShards(4))
	s.tracker = delivery.NewMemoryTracker()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var err error
	s.disp, err = New(s.reg, s.tracker,
		WithSender(models.ChannelSMS, s.sender),
		WithChannelPolicy(s.policy),
		WithAlerter(s.alerter),
		WithRetryPolicy(RetryPolicy{Base: time.Millisecond, Factor: 2, MaxAttempts: 5}),
		WithSendTimeout(time.Second),
		WithLogger(logger),
	)
	s.Require().NoError(err)

	s.rem = &models.Reminder{
		ID:         "rem-1",
		UserID:     "user-1",
		Title:      "Take medication",
		Category:   "health",
		Recurrence: rrule.Rule{Kind: rrule.KindDaily, Interval: 1},
		Status:     models.ReminderActive,
	}
}

func (s *DispatcherSuite) TearDownTest() {
	s.reg.Close()
	s.disp.Close()
	s.ctrl.Finish()
}

func (s *DispatcherSuite) noSecondary() {
	s.policy.EXPECT().ChannelsFor(gomock.Any(), "user-1", gomock.Any()).Return(nil, nil).AnyTimes()
}

func (s *DispatcherSuite) smsContact() {
	s.policy.EXPECT().ChannelsFor(gomock.Any(), "user-1", gomock.Any()).Return([]models.Contact{
		{UserID: "user-1", Kind: models.ChannelSMS, Destination: "+15550100", Enabled: true},
	}, nil).AnyTimes()
}

func (s *DispatcherSuite) TestNew() {
	s.Run("nil subscriber source", func() {
		_, err := New(nil, s.tracker)
		s.Error(err)
	})
	s.Run("nil tracker", func() {
		_, err := New(s.reg, nil)
		s.Error(err)
	})
}

func (s *DispatcherSuite) TestDispatchRejectsNilReminder() {
	_, err := s.disp.Dispatch(s.ctx, nil)
	s.True(apperr.IsValidation(err))
}

func (s *DispatcherSuite) TestBothTransportsGetSeparateRecords() {
	s.noSecondary()
	connA, connB := &recordingConn{}, &recordingConn{}
	idA, err := s.reg.Register("user-1", models.TransportGraphQLWS, connA)
	s.Require().NoError(err)
	idB, err := s.reg.Register("user-1", models.TransportSocketIO, connB)
	s.Require().NoError(err)

	n, err := s.disp.Dispatch(s.ctx, s.rem)
	s.Require().NoError(err)
	s.Equal("Take medication (every day)", n.Message)
	s.Equal("health", n.Type)
	s.Equal("rem-1", n.ReminderID)

	for _, ch := range []string{"stream-a:" + idA, "stream-b:" + idB} {
		key := models.DeliveryKey{NotificationID: n.ID, ChannelID: ch}
		s.Eventually(func() bool {
			ok, _ := s.tracker.IsAlreadyDelivered(s.ctx, key)
			return ok
		}, time.Second, 5*time.Millisecond, ch)
	}

	s.Require().Len(connA.Received(), 1)
	s.Require().Len(connB.Received(), 1)
	s.Equal(connA.Received()[0].Payload(), connB.Received()[0].Payload())
}

func (s *DispatcherSuite) TestPerSubscriberFireOrder() {
	s.noSecondary()
	conn := &recordingConn{}
	_, err := s.reg.Register("user-1", models.TransportSocketIO, conn)
	s.Require().NoError(err)

	var want []string
	for i := 0; i < 10; i++ {
		n, err := s.disp.Dispatch(s.ctx, s.rem)
		s.Require().NoError(err)
		want = append(want, n.ID)
	}

	s.Eventually(func() bool { return len(conn.Received()) == len(want) }, time.Second, 5*time.Millisecond)
	var got []string
	for _, n := range conn.Received() {
		got = append(got, n.ID)
	}
	s.Equal(want, got)
}

func (s *DispatcherSuite) TestSecondaryFailingFiveTimesAlertsOnce() {
	s.smsContact()
	s.sender.EXPECT().
		Send(gomock.Any(), "+15550100", gomock.Any()).
		Return(errors.New("gateway timeout")).
		Times(5)

	var failure models.DeliveryFailure
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, f models.DeliveryFailure) error {
			failure = f
			return nil
		}).
		Times(1)

	n, err := s.disp.Dispatch(s.ctx, s.rem)
	s.Require().NoError(err)
	s.disp.Wait()

	rec, err := s.tracker.Get(s.ctx, models.DeliveryKey{NotificationID: n.ID, ChannelID: "sms"})
	s.Require().NoError(err)
	s.Equal(models.DeliveryFailed, rec.Status)
	s.Equal(5, rec.Attempts)
	s.Equal("gateway timeout", rec.LastError)

	s.Equal(n.ID, failure.NotificationID)
	s.Equal("sms", failure.ChannelID)
	s.Equal("user-1", failure.UserID)
	s.Equal("rem-1", failure.ReminderID)
	s.Equal(5, failure.Attempts)
	s.False(failure.Permanent)
}

func (s *DispatcherSuite) TestPermanentErrorIsNotRetried() {
	s.smsContact()
	s.sender.EXPECT().
		Send(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(apperr.Permanent(errors.New("invalid number"))).
		Times(1)
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, f models.DeliveryFailure) error {
			s.True(f.Permanent)
			s.Equal(1, f.Attempts)
			return nil
		}).
		Times(1)

	n, err := s.disp.Dispatch(s.ctx, s.rem)
	s.Require().NoError(err)
	s.disp.Wait()

	rec, err := s.tracker.Get(s.ctx, models.DeliveryKey{NotificationID: n.ID, ChannelID: "sms"})
	s.Require().NoError(err)
	s.Equal(models.DeliveryFailed, rec.Status)
	s.Equal(1, rec.Attempts)
}

func (s *DispatcherSuite) TestTransientErrorsThenSuccess() {
	s.smsContact()
	gomock.InOrder(
		s.sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("503")),
		s.sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("503")),
		s.sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
	)

	n, err := s.disp.Dispatch(s.ctx, s.rem)
	s.Require().NoError(err)
	s.disp.Wait()

	rec, err := s.tracker.Get(s.ctx, models.DeliveryKey{NotificationID: n.ID, ChannelID: "sms"})
	s.Require().NoError(err)
	s.Equal(models.DeliveryDelivered, rec.Status)
	s.Equal(3, rec.Attempts)
}

func (s *DispatcherSuite) TestQueuedDeliveryAbortedOnUnregister() {
	s.noSecondary()
	conn := &recordingConn{gate: make(chan struct{})}
	id, err := s.reg.Register("user-1", models.TransportGraphQLWS, conn)
	s.Require().NoError(err)

	var failure models.DeliveryFailure
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, f models.DeliveryFailure) error {
			failure = f
			return nil
		}).
		Times(1)

	first, err := s.disp.Dispatch(s.ctx, s.rem)
	s.Require().NoError(err)
	second, err := s.disp.Dispatch(s.ctx, s.rem)
	s.Require().NoError(err)

	firstKey := models.DeliveryKey{NotificationID: first.ID, ChannelID: "stream-a:" + id}
	s.Eventually(func() bool {
		_, err := s.tracker.Get(s.ctx, firstKey)
		return err == nil
	}, time.Second, time.Millisecond, "first send in flight")

	s.reg.Unregister(id)
	close(conn.gate)
	s.disp.Wait()

	ok, _ := s.tracker.IsAlreadyDelivered(s.ctx, firstKey)
	s.True(ok, "in-flight send completes after unregister")

	rec, err := s.tracker.Get(s.ctx, models.DeliveryKey{NotificationID: second.ID, ChannelID: "stream-a:" + id})
	s.Require().NoError(err)
	s.Equal(models.DeliveryFailed, rec.Status)
	s.Equal(second.ID, failure.NotificationID)
	s.True(failure.Permanent)
	s.Len(conn.Received(), 1)
}

type failingConn struct {
	sends atomic.Int32
	sent  chan struct{}
}

func (c *failingConn) Send(context.Context, *models.Notification) error {
	if c.sends.Add(1) == 1 {
		close(c.sent)
	}
	return errors.New("connection reset")
}

func (s *DispatcherSuite) slowRetryDispatcher() *Dispatcher {
	d, err := New(s.reg, s.tracker,
		WithSender(models.ChannelSMS, s.sender),
		WithChannelPolicy(s.policy),
		WithAlerter(s.alerter),
		WithRetryPolicy(RetryPolicy{Base: time.Hour, Factor: 2, MaxAttempts: 5}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)
	s.T().Cleanup(d.Close)
	return d
}

func (s *DispatcherSuite) TestRetryStopsAfterUnregister() {
	s.noSecondary()
	disp := s.slowRetryDispatcher()
	conn := &failingConn{sent: make(chan struct{})}
	id, err := s.reg.Register("user-1", models.TransportSocketIO, conn)
	s.Require().NoError(err)

	var failure models.DeliveryFailure
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, f models.DeliveryFailure) error {
			failure = f
			return nil
		}).
		Times(1)

	n, err := disp.Dispatch(s.ctx, s.rem)
	s.Require().NoError(err)
	select {
	case <-conn.sent:
	case <-time.After(time.Second):
		s.FailNow("first send never happened")
	}

	s.reg.Unregister(id)
	disp.Wait()

	s.Equal(int32(1), conn.sends.Load(), "no send after the subscriber is removed")
	rec, err := s.tracker.Get(s.ctx, models.DeliveryKey{NotificationID: n.ID, ChannelID: "stream-b:" + id})
	s.Require().NoError(err)
	s.Equal(models.DeliveryFailed, rec.Status)
	s.Contains(rec.LastError, registry.ErrSubscriberGone.Error())
	s.True(failure.Permanent)
	s.Equal(1, failure.Attempts)
}

func (s *DispatcherSuite) TestCloseDuringBackoffRecordsFailure() {
	s.smsContact()
	disp := s.slowRetryDispatcher()
	sent := make(chan struct{})
	s.sender.EXPECT().
		Send(gomock.Any(), "+15550100", gomock.Any()).
		DoAndReturn(func(context.Context, string, *models.Notification) error {
			close(sent)
			return errors.New("gateway timeout")
		}).
		Times(1)
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, f models.DeliveryFailure) error {
			s.Equal("sms", f.ChannelID)
			s.Equal(1, f.Attempts)
			s.False(f.Permanent)
			return nil
		}).
		Times(1)

	n, err := disp.Dispatch(s.ctx, s.rem)
	s.Require().NoError(err)
	select {
	case <-sent:
	case <-time.After(time.Second):
		s.FailNow("first send never happened")
	}
	key := models.DeliveryKey{NotificationID: n.ID, ChannelID: "sms"}
	s.Eventually(func() bool {
		rec, err := s.tracker.Get(s.ctx, key)
		return err == nil && rec.Attempts == 1
	}, time.Second, time.Millisecond)

	disp.Close()

	rec, err := s.tracker.Get(s.ctx, key)
	s.Require().NoError(err)
	s.Equal(models.DeliveryFailed, rec.Status)
}

func (s *DispatcherSuite) TestChannelPolicyErrorAlerts() {
	s.policy.EXPECT().ChannelsFor(gomock.Any(), "user-1", gomock.Any()).
		Return(nil, errors.New("contacts unavailable"))

	var failure models.DeliveryFailure
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, f models.DeliveryFailure) error {
			failure = f
			return nil
		}).
		Times(1)

	n, err := s.disp.Dispatch(s.ctx, s.rem)
	s.Require().NoError(err)

	s.Equal(n.ID, failure.NotificationID)
	s.Equal(SecondaryChannelID, failure.ChannelID)
	s.Equal("rem-1", failure.ReminderID)
	s.Contains(failure.Reason, "contacts unavailable")
}

func (s *DispatcherSuite) TestNoSubscribersNoChannels() {
	s.noSecondary()
	n, err := s.disp.Dispatch(s.ctx, s.rem)
	s.Require().NoError(err)
	s.NotEmpty(n.ID)
	s.Equal(0, s.tracker.Len())
}

func (s *DispatcherSuite) TestDispatchAfterClose() {
	s.disp.Close()
	_, err := s.disp.Dispatch(s.ctx, s.rem)
	s.Error(err)
}

func TestDeliver_SkipsAlreadyDelivered(t *testing.T) {
	tracker := delivery.NewMemoryTracker()
	d, err := New(registry.New(), tracker, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if !assert.NoError(t, err) {
		return
	}
	defer d.Close()

	ctx := context.Background()
	key := models.DeliveryKey{NotificationID: "n1", ChannelID: "email"}
	_, _ = tracker.Begin(ctx, key, time.Now())
	_, _ = tracker.RecordAttempt(ctx, key, delivery.Delivered, time.Now(), "")

	var sends atomic.Int32
	d.deliver(ctx, target{
		key:   key,
		label: "email",
		n:     &models.Notification{ID: "n1"},
		send: func(context.Context) error {
			sends.Add(1)
			return nil
		},
	})

	assert.Zero(t, sends.Load())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 5, p.MaxAttempts)

	assert.Equal(t, DefaultRetryPolicy(), RetryPolicy{}.normalized())
}

func TestMessage(t *testing.T) {
	once := &models.Reminder{Title: "Dentist"}
	assert.Equal(t, "Dentist", Message(once))

	weekly := &models.Reminder{Title: "Standup", Recurrence: rrule.Rule{Kind: rrule.KindWeekly, Interval: 2}}
	assert.Equal(t, "Standup (every 2 weeks)", Message(weekly))
}
