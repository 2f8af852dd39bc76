package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	release, err := m.TryAcquire(ctx, "plan-1", time.Minute)
	require.NoError(t, err)

	_, err = m.TryAcquire(ctx, "plan-1", time.Minute)
	assert.True(t, errors.Is(err, ErrHeld))

	_, err = m.TryAcquire(ctx, "plan-2", time.Minute)
	require.NoError(t, err, "other keys are independent")

	require.NoError(t, release(ctx))
	again, err := m.TryAcquire(ctx, "plan-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestMemoryLockExpires(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := m.TryAcquire(ctx, "plan-1", time.Second)
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	fresh, err := m.TryAcquire(ctx, "plan-1", time.Minute)
	require.NoError(t, err)

	// the expired holder must not release the new holder's lock
	require.NoError(t, stale(ctx))
	_, err = m.TryAcquire(ctx, "plan-1", time.Minute)
	assert.True(t, errors.Is(err, ErrHeld))
	require.NoError(t, fresh(ctx))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedis(rdb)
}

func TestRedisLockExclusive(t *testing.T) {
	mr, r := newRedis(t)
	ctx := context.Background()

	release, err := r.TryAcquire(ctx, "plan-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("equiroute:lock:plan-1"))

	_, err = r.TryAcquire(ctx, "plan-1", time.Minute)
	assert.True(t, errors.Is(err, ErrHeld))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("equiroute:lock:plan-1"))
}

func TestRedisLockReleaseKeepsForeignToken(t *testing.T) {
	mr, r := newRedis(t)
	ctx := context.Background()

	release, err := r.TryAcquire(ctx, "plan-1", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	other, err := r.TryAcquire(ctx, "plan-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
	assert.True(t, mr.Exists("equiroute:lock:plan-1"), "late release must not delete the new holder's key")
	require.NoError(t, other(ctx))
	assert.False(t, mr.Exists("equiroute:lock:plan-1"))
}
