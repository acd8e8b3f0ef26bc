package dlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupNodes(t *testing.T, n int) ([]*miniredis.Miniredis, []redis.UniversalClient) {
	t.Helper()

	servers := make([]*miniredis.Miniredis, 0, n)
	clients := make([]redis.UniversalClient, 0, n)
	for range n {
		mr := miniredis.RunT(t)
		rc := redis.NewClient(&redis.Options{
			Addr:        mr.Addr(),
			MaxRetries:  -1,
			DialTimeout: 100 * time.Millisecond,
		})
		t.Cleanup(func() { _ = rc.Close() })
		servers = append(servers, mr)
		clients = append(clients, rc)
	}
	return servers, clients
}

func testOptions() Options {
	return Options{
		KeyPrefix:   "test:lock:",
		DriftFactor: 0.01,
		RetryCount:  3,
		RetryDelay:  10 * time.Millisecond,
		RetryJitter: 5 * time.Millisecond,
	}
}

func setupManager(t *testing.T, n int, opts Options) ([]*miniredis.Miniredis, *Manager) {
	t.Helper()
	servers, clients := setupNodes(t, n)
	m, err := New(clients, opts)
	require.NoError(t, err)
	return servers, m
}

func TestNew_Validation(t *testing.T) {
	_, clients := setupNodes(t, 1)

	_, err := New(nil, testOptions())
	assert.ErrorIs(t, err, ErrNoNodes)

	opts := testOptions()
	opts.DriftFactor = 1
	_, err = New(clients, opts)
	assert.Error(t, err)

	opts = testOptions()
	opts.RetryCount = -1
	_, err = New(clients, opts)
	assert.Error(t, err)
}

func TestManager_Quorum(t *testing.T) {
	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		_, m := setupManager(t, n, testOptions())
		assert.Equal(t, want, m.Quorum(), "nodes=%d", n)
	}
}

func TestAcquire_InvalidInput(t *testing.T) {
	_, m := setupManager(t, 1, testOptions())
	ctx := context.Background()

	_, err := m.Acquire(ctx, "", time.Second)
	assert.ErrorIs(t, err, ErrInvalidResource)

	_, err = m.Acquire(ctx, "hotel:1", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestAcquireRelease(t *testing.T) {
	servers, m := setupManager(t, 1, testOptions())
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "hotel:42", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hotel:42", lease.Resource)
	assert.Equal(t, "test:lock:hotel:42", lease.Key)
	assert.Equal(t, 1, lease.Attempts)
	assert.True(t, lease.Valid())

	got, err := servers[0].Get(lease.Key)
	require.NoError(t, err)
	assert.Equal(t, lease.Token, got)

	require.NoError(t, m.Release(ctx, lease))
	assert.False(t, servers[0].Exists(lease.Key))

	// second release is a no-op
	require.NoError(t, m.Release(ctx, lease))
	require.NoError(t, m.Release(ctx, nil))
}

func TestLease_ValidityAccountsForDrift(t *testing.T) {
	opts := testOptions()
	opts.DriftFactor = 0.1
	_, m := setupManager(t, 1, opts)

	lease, err := m.Acquire(context.Background(), "hotel:1", time.Second)
	require.NoError(t, err)

	assert.LessOrEqual(t, lease.Remaining(), 900*time.Millisecond-clockDriftFloor)
	assert.True(t, lease.ExpiresAt.After(lease.AcquiredAt))
}

func TestAcquire_ContentionExhaustsRetries(t *testing.T) {
	_, m := setupManager(t, 1, testOptions())
	ctx := context.Background()

	held, err := m.Acquire(ctx, "hotel:42", 5*time.Second)
	require.NoError(t, err)
	defer func() { _ = m.Release(ctx, held) }()

	start := time.Now()
	_, err = m.Acquire(ctx, "hotel:42", 5*time.Second)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	// three retries, each at least RetryDelay apart
	assert.GreaterOrEqual(t, elapsed, 3*testOptions().RetryDelay)
}

func TestAcquire_NoRetries(t *testing.T) {
	opts := testOptions()
	opts.RetryCount = 0
	_, m := setupManager(t, 1, opts)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "hotel:7", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx, "hotel:7", time.Second)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.Less(t, time.Since(start), opts.RetryDelay)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	opts := testOptions()
	opts.RetryCount = 50
	_, m := setupManager(t, 1, opts)
	ctx := context.Background()

	held, err := m.Acquire(ctx, "hotel:42", 5*time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = m.Release(ctx, held)
	}()

	lease, err := m.Acquire(ctx, "hotel:42", 5*time.Second)
	require.NoError(t, err)
	assert.Greater(t, lease.Attempts, 1)
	assert.NotEqual(t, held.Token, lease.Token)
}

func TestAcquire_AfterExpiry(t *testing.T) {
	servers, m := setupManager(t, 1, testOptions())
	ctx := context.Background()

	_, err := m.Acquire(ctx, "hotel:9", time.Second)
	require.NoError(t, err)

	// the holder "crashed" without releasing
	servers[0].FastForward(2 * time.Second)

	lease, err := m.Acquire(ctx, "hotel:9", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, lease.Attempts)
}

func TestRelease_DoesNotDeleteForeignLease(t *testing.T) {
	servers, m := setupManager(t, 1, testOptions())
	ctx := context.Background()

	first, err := m.Acquire(ctx, "hotel:9", time.Second)
	require.NoError(t, err)

	servers[0].FastForward(2 * time.Second)

	second, err := m.Acquire(ctx, "hotel:9", time.Second)
	require.NoError(t, err)

	// late release by the expired holder must not free the new holder's lease
	require.NoError(t, m.Release(ctx, first))

	got, err := servers[0].Get(second.Key)
	require.NoError(t, err)
	assert.Equal(t, second.Token, got)
}

func TestAcquire_QuorumWithMinorityDown(t *testing.T) {
	servers, m := setupManager(t, 3, testOptions())
	ctx := context.Background()

	servers[2].Close()

	lease, err := m.Acquire(ctx, "hotel:42", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, servers[0].Exists(lease.Key))
	assert.True(t, servers[1].Exists(lease.Key))

	require.NoError(t, m.Ping(ctx))
}

func TestAcquire_FailsWithMajorityDown(t *testing.T) {
	servers, m := setupManager(t, 3, testOptions())
	ctx := context.Background()

	servers[1].Close()
	servers[2].Close()

	_, err := m.Acquire(ctx, "hotel:42", 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.False(t, servers[0].Exists("test:lock:hotel:42"), "partial grant must be rolled back")

	assert.Error(t, m.Ping(ctx))
}

func TestAcquire_PartialGrantIsRolledBack(t *testing.T) {
	opts := testOptions()
	opts.RetryCount = 0
	servers, m := setupManager(t, 3, opts)

	key := opts.KeyPrefix + "hotel:5"
	require.NoError(t, servers[0].Set(key, "someone-else"))
	require.NoError(t, servers[1].Set(key, "someone-else"))

	_, err := m.Acquire(context.Background(), "hotel:5", time.Second)
	assert.ErrorIs(t, err, ErrLockUnavailable)

	assert.False(t, servers[2].Exists(key))
	got, err := servers[0].Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	opts := testOptions()
	opts.RetryCount = 1000
	_, m := setupManager(t, 1, opts)

	held, err := m.Acquire(context.Background(), "hotel:3", 5*time.Second)
	require.NoError(t, err)
	defer func() { _ = m.Release(context.Background(), held) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "hotel:3", 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestAcquire_MutualExclusion(t *testing.T) {
	opts := testOptions()
	opts.RetryCount = 500
	opts.RetryDelay = 2 * time.Millisecond
	opts.RetryJitter = 2 * time.Millisecond
	_, m := setupManager(t, 3, opts)
	ctx := context.Background()

	var current, maxSeen, total atomic.Int32
	const workers = 10

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire(ctx, "hotel:concurrent", 5*time.Second)
			if err != nil {
				errCh <- err
				return
			}
			active := current.Add(1)
			for {
				seen := maxSeen.Load()
				if active <= seen || maxSeen.CompareAndSwap(seen, active) {
					break
				}
			}
			total.Add(1)
			time.Sleep(3 * time.Millisecond)
			current.Add(-1)
			errCh <- m.Release(ctx, lease)
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(workers), total.Load())
	assert.Equal(t, int32(1), maxSeen.Load())
}
