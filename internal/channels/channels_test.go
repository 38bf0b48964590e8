package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/repository"
)

var notification = &models.Notification{
	ID:         "0190d3a0-0000-7000-8000-000000000001",
	ReminderID: "r-1",
	UserID:     "u-1",
	Message:    "Dentist at 3pm",
	Type:       "health",
}

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{}, b.err
}

func TestTelegramSender(t *testing.T) {
	ctx := context.Background()

	t.Run("sends formatted message", func(t *testing.T) {
		bot := &fakeBot{}
		s, err := NewTelegramSender(bot)
		require.NoError(t, err)

		require.NoError(t, s.Send(ctx, "12345", notification))
		require.Len(t, bot.sent, 1)
		msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
		require.True(t, ok)
		assert.Equal(t, int64(12345), msg.ChatID)
		assert.Contains(t, msg.Text, "Dentist at 3pm")
		assert.NotEmpty(t, msg.Entities)
	})

	t.Run("invalid chat id is permanent", func(t *testing.T) {
		s, _ := NewTelegramSender(&fakeBot{})
		assert.True(t, apperr.IsPermanent(s.Send(ctx, "@someone", notification)))
	})

	t.Run("error classification", func(t *testing.T) {
		cases := []struct {
			err       error
			permanent bool
		}{
			{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, true},
			{&tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, true},
			{&tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, false},
			{errors.New("connection reset"), false},
		}
		for _, tc := range cases {
			s, _ := NewTelegramSender(&fakeBot{err: tc.err})
			err := s.Send(ctx, "1", notification)
			require.Error(t, err)
			assert.Equal(t, tc.permanent, apperr.IsPermanent(err), tc.err.Error())
		}
	})

	_, err := NewTelegramSender(nil)
	assert.Error(t, err)
}

func TestEmailSender(t *testing.T) {
	ctx := context.Background()

	var gotTo []string
	var gotMsg string
	s, err := NewEmailSender("smtp.example.com:587", "LifeLine <noreply@example.com>",
		WithSendMail(func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			assert.Equal(t, "smtp.example.com:587", addr)
			assert.Equal(t, "noreply@example.com", from)
			gotTo = to
			gotMsg = string(msg)
			return nil
		}))
	require.NoError(t, err)

	require.NoError(t, s.Send(ctx, "Ann <ann@example.com>", notification))
	assert.Equal(t, []string{"ann@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Reminder: Dentist at 3pm\r\n")
	assert.Contains(t, gotMsg, "Message-ID: <"+notification.ID+"@lifeline>\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "\r\nDentist at 3pm\r\n\r\nCategory: health\r\n"))

	t.Run("bad address is permanent", func(t *testing.T) {
		assert.True(t, apperr.IsPermanent(s.Send(ctx, "not-an-address", notification)))
	})

	t.Run("5xx is permanent and 4xx is retried", func(t *testing.T) {
		reject, _ := NewEmailSender("smtp:25", "a@b.c", WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
			return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
		}))
		assert.True(t, apperr.IsPermanent(reject.Send(ctx, "x@y.z", notification)))

		busy, _ := NewEmailSender("smtp:25", "a@b.c", WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
			return &textproto.Error{Code: 421, Msg: "try again later"}
		}))
		err := busy.Send(ctx, "x@y.z", notification)
		require.Error(t, err)
		assert.False(t, apperr.IsPermanent(err))
	})

	t.Run("gives up when the context ends", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		slow, _ := NewEmailSender("smtp:25", "a@b.c", WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
			<-release
			return nil
		}))
		ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, slow.Send(ctx, "x@y.z", notification), context.DeadlineExceeded)
	})

	_, err = NewEmailSender("", "a@b.c")
	assert.Error(t, err)
	_, err = NewEmailSender("smtp:25", "nonsense")
	assert.Error(t, err)
}

func TestWebhookSMSSender(t *testing.T) {
	ctx := context.Background()
	status := http.StatusAccepted
	var got smsRequest
	var idempotencyKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idempotencyKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	s, err := NewWebhookSMSSender(srv.URL, srv.Client())
	require.NoError(t, err)

	require.NoError(t, s.Send(ctx, "+886912345678", notification))
	assert.Equal(t, smsRequest{To: "+886912345678", Message: "Dentist at 3pm", Ref: notification.ID}, got)
	assert.Equal(t, notification.ID, idempotencyKey)

	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		status = tc.status
		err := s.Send(ctx, "+1", notification)
		require.Error(t, err)
		assert.Equal(t, tc.permanent, apperr.IsPermanent(err), "status %d", tc.status)
	}

	assert.True(t, apperr.IsPermanent(s.Send(ctx, "", notification)))

	_, err = NewWebhookSMSSender("not a url", nil)
	assert.Error(t, err)
}

func TestPolicy(t *testing.T) {
	ctx := context.Background()
	contacts := repository.NewMemoryContactStore()
	settings := repository.NewMemorySettingsStore()
	policy, err := NewPolicy(contacts, settings)
	require.NoError(t, err)

	require.NoError(t, contacts.ReplaceForUser(ctx, "u-1", []models.Contact{
		{Kind: models.ChannelTelegram, Destination: "42", Enabled: true},
		{Kind: models.ChannelEmail, Destination: "u@example.com", Enabled: false},
		{Kind: models.ChannelSMS, Destination: "", Enabled: true},
	}))

	noon := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := policy.ChannelsFor(ctx, "u-1", noon)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.ChannelTelegram, got[0].Kind)

	require.NoError(t, settings.Upsert(ctx, &models.UserSettings{UserID: "u-1", Timezone: "UTC", QuietStart: "11:00", QuietEnd: "13:00"}))
	got, err = policy.ChannelsFor(ctx, "u-1", noon)
	require.NoError(t, err)
	assert.Empty(t, got, "quiet hours suppress secondary channels")

	got, err = policy.ChannelsFor(ctx, "nobody", noon)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = NewPolicy(nil, settings)
	assert.Error(t, err)
}
