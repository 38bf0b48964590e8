// Package alert surfaces deliveries that ended failed to whoever audits them.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/hray3182/lifeline-notifier/internal/models"
)

// KafkaAlerter publishes each failure as JSON to a topic, keyed by
// notification id so all failures of one notification share a partition.
type KafkaAlerter struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewSyncProducer builds the producer KafkaAlerter expects.
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return p, nil
}

func NewKafkaAlerter(producer sarama.SyncProducer, topic string, logger *slog.Logger) (*KafkaAlerter, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("alert topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaAlerter{producer: producer, topic: topic, logger: logger}, nil
}

func (a *KafkaAlerter) Alert(ctx context.Context, f models.DeliveryFailure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal delivery failure: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     a.topic,
		Key:       sarama.StringEncoder(f.NotificationID),
		Value:     sarama.ByteEncoder(data),
		Timestamp: f.FailedAt,
		Headers: []sarama.RecordHeader{
			{Key: []byte("channel_id"), Value: []byte(f.ChannelID)},
		},
	}
	partition, offset, err := a.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish delivery failure: %w", err)
	}
	a.logger.Debug("delivery failure published",
		slog.String("topic", a.topic),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset),
		slog.String("notification_id", f.NotificationID))
	return nil
}

func (a *KafkaAlerter) Close() error {
	return a.producer.Close()
}

// LogAlerter writes failures to the log. It is the fallback when no broker
// is configured.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(ctx context.Context, f models.DeliveryFailure) error {
	a.logger.LogAttrs(ctx, slog.LevelError, "delivery failed",
		slog.String("notification_id", f.NotificationID),
		slog.String("channel_id", f.ChannelID),
		slog.String("user_id", f.UserID),
		slog.String("reminder_id", f.ReminderID),
		slog.Int("attempts", f.Attempts),
		slog.Bool("permanent", f.Permanent),
		slog.String("reason", f.Reason),
		slog.Time("failed_at", f.FailedAt.UTC().Truncate(time.Millisecond)))
	return nil
}

type Alerter interface {
	Alert(ctx context.Context, f models.DeliveryFailure) error
}

// Multi sends every failure to all alerters and joins their errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, f models.DeliveryFailure) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
