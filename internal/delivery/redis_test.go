package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hray3182/lifeline-notifier/internal/models"
)

func TestRecordFromPairs(t *testing.T) {
	rec, err := recordFromPairs([]string{
		"notification_id", "n1",
		"channel_id", "email",
		"status", "failed",
		"attempts", "5",
		"created_ms", "1709283600000",
		"last_attempt_ms", "1709283631000",
		"last_error", "mailbox unavailable",
		"claimed_until_ms", "0",
	})
	require.NoError(t, err)

	assert.Equal(t, "n1", rec.NotificationID)
	assert.Equal(t, "email", rec.ChannelID)
	assert.Equal(t, models.DeliveryFailed, rec.Status)
	assert.Equal(t, 5, rec.Attempts)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), rec.CreatedAt)
	require.NotNil(t, rec.LastAttemptAt)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 31, 0, time.UTC), *rec.LastAttemptAt)
	assert.Equal(t, "mailbox unavailable", rec.LastError)
}

func TestRecordFromPairs_Malformed(t *testing.T) {
	_, err := recordFromPairs([]string{"status"})
	assert.Error(t, err)

	_, err = recordFromPairs([]string{"status", "pending", "attempts", "x", "created_ms", "1"})
	assert.Error(t, err)
}

func TestRedisKey(t *testing.T) {
	key := models.DeliveryKey{NotificationID: "n1", ChannelID: "stream-b:abc"}
	assert.Equal(t, "lifeline:delivery:n1:stream-b:abc", redisKey(key))
}
