package auth_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-admin/internal/auth"
)

func newThrottle(t *testing.T, policy auth.ThrottlePolicy) (*auth.Throttle, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return auth.NewThrottle(client, policy), mr
}

func TestThrottleKeyFoldsUsername(t *testing.T) {
	assert.Equal(t, "alice|10.0.0.1", auth.ThrottleKey("  Alice ", "10.0.0.1"))
}

func TestThrottleDefaults(t *testing.T) {
	th, _ := newThrottle(t, auth.ThrottlePolicy{})
	assert.Equal(t, auth.DefaultThrottlePolicy(), th.Policy())
}

func TestThrottleReserveAndLock(t *testing.T) {
	th, mr := newThrottle(t, auth.ThrottlePolicy{MaxAttempts: 3, Decay: time.Minute})
	ctx := context.Background()
	key := auth.ThrottleKey("alice", "10.0.0.1")

	for i := 1; i <= 3; i++ {
		n, ok, err := th.Reserve(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}

	_, ok, err := th.Reserve(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := th.Attempts(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "a refused reservation is not counted")

	ttl, err := th.AvailableIn(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)
	assert.True(t, mr.Exists("login:"+key))
}

func TestThrottleReserveIsAtomicUnderContention(t *testing.T) {
	th, _ := newThrottle(t, auth.ThrottlePolicy{MaxAttempts: 5, Decay: time.Minute})
	ctx := context.Background()
	key := auth.ThrottleKey("alice", "10.0.0.1")

	var (
		wg       sync.WaitGroup
		reserved atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := th.Reserve(ctx, key)
			if assert.NoError(t, err) && ok {
				reserved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), reserved.Load())
	n, err := th.Attempts(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestThrottleWindowSlidesOnEachReservation(t *testing.T) {
	th, mr := newThrottle(t, auth.ThrottlePolicy{MaxAttempts: 5, Decay: 90 * time.Second})
	ctx := context.Background()
	key := auth.ThrottleKey("alice", "10.0.0.1")

	_, _, err := th.Reserve(ctx, key)
	require.NoError(t, err)
	mr.FastForward(60 * time.Second)
	_, _, err = th.Reserve(ctx, key)
	require.NoError(t, err)
	mr.FastForward(60 * time.Second)

	n, err := th.Attempts(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mr.FastForward(31 * time.Second)
	n, err = th.Attempts(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestThrottleRelease(t *testing.T) {
	th, mr := newThrottle(t, auth.DefaultThrottlePolicy())
	ctx := context.Background()
	key := auth.ThrottleKey("alice", "10.0.0.1")

	require.NoError(t, th.Release(ctx, key))
	assert.False(t, mr.Exists("login:"+key), "release never creates a counter")

	for i := 0; i < 2; i++ {
		_, _, err := th.Reserve(ctx, key)
		require.NoError(t, err)
	}
	require.NoError(t, th.Release(ctx, key))

	n, err := th.Attempts(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestThrottleClear(t *testing.T) {
	th, _ := newThrottle(t, auth.DefaultThrottlePolicy())
	ctx := context.Background()
	key := auth.ThrottleKey("alice", "10.0.0.1")
	_, _, err := th.Reserve(ctx, key)
	require.NoError(t, err)

	require.NoError(t, th.Clear(ctx, key))

	n, err := th.Attempts(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
	ttl, err := th.AvailableIn(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, ttl)
}
