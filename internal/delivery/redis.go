package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hray3182/lifeline-notifier/internal/apperr"
	"github.com/hray3182/lifeline-notifier/internal/models"
)

const deliveryKeyPrefix = "lifeline:delivery:"

// KEYS[1] record hash
// ARGV now_ms, claim_until_ms, ttl_ms, notification_id, channel_id
var beginScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
local now = tonumber(ARGV[1])
if not status then
  redis.call('HSET', KEYS[1],
    'notification_id', ARGV[4], 'channel_id', ARGV[5],
    'status', 'pending', 'attempts', 0,
    'created_ms', now, 'claimed_until_ms', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return 1
end
if status ~= 'pending' then
  return 0
end
local claimed = tonumber(redis.call('HGET', KEYS[1], 'claimed_until_ms') or '0')
if claimed > now then
  return 0
end
redis.call('HSET', KEYS[1], 'claimed_until_ms', ARGV[2])
return 1
`)

// KEYS[1] record hash
// ARGV now_ms, outcome, error message
var recordScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return false
end
if status == 'pending' then
  redis.call('HINCRBY', KEYS[1], 'attempts', 1)
  redis.call('HSET', KEYS[1], 'last_attempt_ms', ARGV[1], 'last_error', ARGV[3], 'claimed_until_ms', 0)
  if ARGV[2] ~= 'retry' then
    redis.call('HSET', KEYS[1], 'status', ARGV[2])
  end
end
return redis.call('HGETALL', KEYS[1])
`)

// RedisTracker shares delivery records between notifier instances. Records
// expire through key TTLs, so Evict has nothing to do.
type RedisTracker struct {
	client    *redis.Client
	retention time.Duration
	lease     time.Duration
}

type RedisOption func(*RedisTracker)

func WithRedisRetention(d time.Duration) RedisOption {
	return func(t *RedisTracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

func WithRedisLease(d time.Duration) RedisOption {
	return func(t *RedisTracker) {
		if d > 0 {
			t.lease = d
		}
	}
}

func NewRedisTracker(client *redis.Client, opts ...RedisOption) *RedisTracker {
	t := &RedisTracker{
		client:    client,
		retention: DefaultRetention,
		lease:     DefaultLease,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTracker) Begin(ctx context.Context, key models.DeliveryKey, now time.Time) (bool, error) {
	res, err := beginScript.Run(ctx, t.client, []string{redisKey(key)},
		now.UnixMilli(),
		now.Add(t.lease).UnixMilli(),
		t.retention.Milliseconds(),
		key.NotificationID,
		key.ChannelID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("begin delivery %s: %w", key, err)
	}
	return res == 1, nil
}

func (t *RedisTracker) RecordAttempt(ctx context.Context, key models.DeliveryKey, outcome Outcome, now time.Time, errMsg string) (*models.DeliveryRecord, error) {
	if outcome == Delivered {
		errMsg = ""
	}
	vals, err := recordScript.Run(ctx, t.client, []string{redisKey(key)},
		now.UnixMilli(), outcome.String(), errMsg,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("delivery %s: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("record delivery attempt %s: %w", key, err)
	}
	return recordFromPairs(vals)
}

func (t *RedisTracker) IsAlreadyDelivered(ctx context.Context, key models.DeliveryKey) (bool, error) {
	status, err := t.client.HGet(ctx, redisKey(key), "status").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read delivery %s: %w", key, err)
	}
	return status == string(models.DeliveryDelivered), nil
}

func (t *RedisTracker) Get(ctx context.Context, key models.DeliveryKey) (*models.DeliveryRecord, error) {
	m, err := t.client.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("read delivery %s: %w", key, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("delivery %s: %w", key, apperr.ErrNotFound)
	}
	return recordFromMap(m)
}

func (t *RedisTracker) Evict(context.Context, time.Time) (int, error) {
	return 0, nil
}

func redisKey(key models.DeliveryKey) string {
	return deliveryKeyPrefix + key.NotificationID + ":" + key.ChannelID
}

func recordFromPairs(vals []string) (*models.DeliveryRecord, error) {
	if len(vals)%2 != 0 {
		return nil, fmt.Errorf("malformed delivery hash: odd field count %d", len(vals))
	}
	m := make(map[string]string, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		m[vals[i]] = vals[i+1]
	}
	return recordFromMap(m)
}

func recordFromMap(m map[string]string) (*models.DeliveryRecord, error) {
	attempts, err := strconv.Atoi(m["attempts"])
	if err != nil {
		return nil, fmt.Errorf("malformed delivery attempts %q: %w", m["attempts"], err)
	}
	created, err := strconv.ParseInt(m["created_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed delivery created_ms %q: %w", m["created_ms"], err)
	}

	rec := &models.DeliveryRecord{
		NotificationID: m["notification_id"],
		ChannelID:      m["channel_id"],
		Status:         models.DeliveryStatus(m["status"]),
		Attempts:       attempts,
		LastError:      m["last_error"],
		CreatedAt:      time.UnixMilli(created).UTC(),
	}
	if v, ok := m["last_attempt_ms"]; ok && v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed delivery last_attempt_ms %q: %w", v, err)
		}
		at := time.UnixMilli(ms).UTC()
		rec.LastAttemptAt = &at
	}
	return rec, nil
}
