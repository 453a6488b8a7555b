package schedules

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"form-courier/internal/models"
)

var (
	// ErrNotFound is returned when no schedule exists under the requested id.
	ErrNotFound = errors.New("schedule not found")
	// ErrConflict is returned when concurrent writers never settle on a schedule.
	ErrConflict = errors.New("schedule write conflict")
)

// Backend persists schedules. Put with prevVersion 0 creates; otherwise it
// replaces the schedule only if its stored Version equals prevVersion.
type Backend interface {
	Put(ctx context.Context, s *models.Schedule, prevVersion int64) (bool, error)
	Get(ctx context.Context, id string) (*models.Schedule, error)
	List(ctx context.Context) ([]*models.Schedule, error)
	Delete(ctx context.Context, id string) error
}

// MemoryBackend keeps schedules in process memory.
type MemoryBackend struct {
	mu        sync.Mutex
	schedules map[string]*models.Schedule
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{schedules: make(map[string]*models.Schedule)}
}

func (b *MemoryBackend) Put(_ context.Context, s *models.Schedule, prevVersion int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.schedules[s.ID]
	switch {
	case prevVersion == 0 && ok:
		return false, nil
	case prevVersion != 0 && !ok:
		return false, errors.Wrapf(ErrNotFound, "schedule %s", s.ID)
	case prevVersion != 0 && current.Version != prevVersion:
		return false, nil
	}
	b.schedules[s.ID] = s.Clone()
	return true, nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (*models.Schedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.schedules[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	return s.Clone(), nil
}

func (b *MemoryBackend) List(_ context.Context) ([]*models.Schedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Schedule, 0, len(b.schedules))
	for _, s := range b.schedules {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.schedules[id]; !ok {
		return errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	delete(b.schedules, id)
	return nil
}

// putScript writes the schedule hash when the stored version matches, or
// when it is absent and the expected version is 0, and indexes it by creation.
//
// KEYS: schedule, index. ARGV: expected version, new version, data, score, id.
var putScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if tonumber(ARGV[1]) == 0 then
  if v then
    return 0
  end
elseif not v then
  return -1
elseif tonumber(v) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

// RedisBackend stores each schedule as a hash {version, data} under
// prefix+"schedule:"+id. Schedules never expire.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend initializes a Redis-backed schedule backend.
func NewRedisBackend(addr, prefix string) *RedisBackend {
	return NewRedisBackendWithClient(redis.NewClient(&redis.Options{Addr: addr}), prefix)
}

// NewRedisBackendWithClient allows injecting a preconfigured client.
func NewRedisBackendWithClient(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// Close closes the Redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) key(id string) string { return b.prefix + "schedule:" + id }
func (b *RedisBackend) indexKey() string     { return b.prefix + "schedules" }

func (b *RedisBackend) Put(ctx context.Context, s *models.Schedule, prevVersion int64) (bool, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal schedule")
	}
	res, err := putScript.Run(ctx, b.client, []string{b.key(s.ID), b.indexKey()},
		prevVersion, s.Version, payload, s.CreatedAt.UnixMilli(), s.ID).Int()
	if err != nil {
		return false, errors.Wrapf(err, "redis put of schedule %s", s.ID)
	}
	switch res {
	case -1:
		return false, errors.Wrapf(ErrNotFound, "schedule %s", s.ID)
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*models.Schedule, error) {
	val, err := b.client.HGet(ctx, b.key(id), "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(ErrNotFound, "schedule %s", id)
		}
		return nil, errors.Wrapf(err, "redis load of schedule %s", id)
	}
	var s models.Schedule
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, errors.Wrapf(err, "corrupt schedule record %s", id)
	}
	return &s, nil
}

func (b *RedisBackend) List(ctx context.Context) ([]*models.Schedule, error) {
	ids, err := b.client.ZRevRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "redis list of schedules")
	}
	out := make([]*models.Schedule, 0, len(ids))
	for _, id := range ids {
		s, err := b.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	var deleted *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		deleted = p.Del(ctx, b.key(id))
		p.ZRem(ctx, b.indexKey(), id)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "redis delete of schedule %s", id)
	}
	if deleted.Val() == 0 {
		return errors.Wrapf(ErrNotFound, "schedule %s", id)
	}
	return nil
}
