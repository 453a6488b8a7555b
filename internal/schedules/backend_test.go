package schedules

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form-courier/internal/models"
)

func forEachBackend(t *testing.T, test func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) {
		test(t, NewMemoryBackend())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		b := NewRedisBackendWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "courier:test:")
		t.Cleanup(func() { _ = b.Close() })
		test(t, b)
	})
}

func stored(id string, created time.Time) *models.Schedule {
	return &models.Schedule{
		ID:             id,
		Name:           "weekly " + id,
		TemplateID:     3,
		CompanyIDs:     []int64{1, 2},
		CronExpression: "0 9 * * 1",
		Enabled:        true,
		Version:        1,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestBackendPutIsCompareAndSwap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		sc := stored("a", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

		ok, err := b.Put(ctx, sc, 0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Put(ctx, sc, 0)
		require.NoError(t, err)
		assert.False(t, ok, "create over an existing schedule")

		next := sc.Clone()
		next.Version = 2
		next.Name = "renamed"
		ok, err = b.Put(ctx, next, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		stale := sc.Clone()
		stale.Version = 2
		ok, err = b.Put(ctx, stale, 1)
		require.NoError(t, err)
		assert.False(t, ok, "write against version 1 after it moved to 2")

		got, err := b.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, []int64{1, 2}, got.CompanyIDs)

		missing := stored("ghost", sc.CreatedAt)
		_, err = b.Put(ctx, missing, 1)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestBackendListsNewestFirstAndDeletes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		for i, id := range []string{"old", "mid", "new"} {
			ok, err := b.Put(ctx, stored(id, base.Add(time.Duration(i)*time.Minute)), 0)
			require.NoError(t, err)
			require.True(t, ok)
		}

		list, err := b.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"new", "mid", "old"}, []string{list[0].ID, list[1].ID, list[2].ID})

		require.NoError(t, b.Delete(ctx, "mid"))
		assert.True(t, errors.Is(b.Delete(ctx, "mid"), ErrNotFound))
		_, err = b.Get(ctx, "mid")
		assert.True(t, errors.Is(err, ErrNotFound))

		list, err = b.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})
}
