package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hray3182/lifeline-notifier/internal/models"
)

var failure = models.DeliveryFailure{
	NotificationID: "n-1",
	ChannelID:      "email",
	UserID:         "u-1",
	ReminderID:     "r-1",
	Attempts:       5,
	Reason:         "smtp: 421 try again later",
	FailedAt:       time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
}

func TestKafkaAlerter(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	defer func() { _ = producer.Close() }()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "delivery-failures", msg.Topic)
		key, _ := msg.Key.Encode()
		assert.Equal(t, "n-1", string(key))

		value, _ := msg.Value.Encode()
		var got models.DeliveryFailure
		require.NoError(t, json.Unmarshal(value, &got))
		assert.Equal(t, failure, got)
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	a, err := NewKafkaAlerter(producer, "delivery-failures", nil)
	require.NoError(t, err)

	require.NoError(t, a.Alert(context.Background(), failure))
	assert.ErrorIs(t, a.Alert(context.Background(), failure), sarama.ErrOutOfBrokers)

	_, err = NewKafkaAlerter(nil, "t", nil)
	assert.Error(t, err)
	_, err = NewKafkaAlerter(producer, "", nil)
	assert.Error(t, err)
}

func TestLogAlerter(t *testing.T) {
	var buf bytes.Buffer
	a := NewLogAlerter(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, a.Alert(context.Background(), failure))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "n-1", entry["notification_id"])
	assert.Equal(t, float64(5), entry["attempts"])
}

type alerterFunc func(ctx context.Context, f models.DeliveryFailure) error

func (fn alerterFunc) Alert(ctx context.Context, f models.DeliveryFailure) error { return fn(ctx, f) }

func TestMulti(t *testing.T) {
	var calls int
	ok := alerterFunc(func(context.Context, models.DeliveryFailure) error { calls++; return nil })
	boom := errors.New("boom")
	failing := alerterFunc(func(context.Context, models.DeliveryFailure) error { calls++; return boom })

	err := Multi{failing, ok}.Alert(context.Background(), failure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls, "a failing alerter does not stop the others")

	assert.NoError(t, Multi{ok}.Alert(context.Background(), failure))
}
