package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"form-courier/internal/models"
)

// insertScript creates the job hash only if absent, indexes it in the recent
// zset (trimming entries older than the TTL) and appends batch members in order.
//
// KEYS: job, recent[, members]. ARGV: version, data, ttl ms, score, id, min score.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[6])
end
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
if #KEYS == 3 then
  redis.call('RPUSH', KEYS[3], ARGV[5])
  if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[3], ARGV[3])
  end
end
return 1
`)

// swapScript replaces the job hash when the stored version matches.
//
// KEYS: job. ARGV: expected version, new version, data, ttl ms.
var swapScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return -1
end
if tonumber(v) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// RedisBackend stores each job as a hash {version, data} under prefix+"job:"+id.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend initializes a Redis-backed job backend.
func NewRedisBackend(addr, prefix string, ttl time.Duration) *RedisBackend {
	return NewRedisBackendWithClient(redis.NewClient(&redis.Options{Addr: addr}), prefix, ttl)
}

// NewRedisBackendWithClient allows injecting a preconfigured client.
func NewRedisBackendWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) jobKey(id string) string     { return b.prefix + "job:" + id }
func (b *RedisBackend) membersKey(id string) string { return b.prefix + "members:" + id }
func (b *RedisBackend) recentKey() string           { return b.prefix + "recent" }

func (b *RedisBackend) Insert(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job")
	}
	keys := []string{b.jobKey(job.ID), b.recentKey()}
	if job.ParentID != "" {
		keys = append(keys, b.membersKey(job.ParentID))
	}
	score := job.CreatedAt.UnixMilli()
	minScore := job.CreatedAt.Add(-b.ttl).UnixMilli()
	created, err := insertScript.Run(ctx, b.client, keys,
		job.Version, payload, b.ttl.Milliseconds(), score, job.ID, minScore).Int()
	if err != nil {
		return errors.Wrapf(err, "redis insert of job %s", job.ID)
	}
	if created == 0 {
		return errors.Wrapf(ErrConflict, "job %s already exists", job.ID)
	}
	return nil
}

func (b *RedisBackend) Load(ctx context.Context, id string) (*models.Job, error) {
	val, err := b.client.HGet(ctx, b.jobKey(id), "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(ErrNotFound, "job %s", id)
		}
		return nil, errors.Wrapf(err, "redis load of job %s", id)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return nil, errors.Wrapf(err, "corrupt job record %s", id)
	}
	return &job, nil
}

func (b *RedisBackend) Swap(ctx context.Context, job *models.Job, prevVersion int64) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal job")
	}
	res, err := swapScript.Run(ctx, b.client, []string{b.jobKey(job.ID)},
		prevVersion, job.Version, payload, b.ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "redis swap of job %s", job.ID)
	}
	switch res {
	case -1:
		return false, errors.Wrapf(ErrNotFound, "job %s", job.ID)
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (b *RedisBackend) Members(ctx context.Context, parentID string) ([]string, error) {
	ids, err := b.client.LRange(ctx, b.membersKey(parentID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return ids, nil
}

func (b *RedisBackend) Recent(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := b.client.ZRevRange(ctx, b.recentKey(), 0, int64(limit-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return ids, nil
}
