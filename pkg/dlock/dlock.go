// Package dlock implements a quorum lease over independent Redis nodes
// (the Redlock scheme). A lease is granted only when a strict majority of
// nodes accept it and enough of the TTL remains after accounting for clock
// drift. Leases self-expire, so a crashed holder never starves a resource.
package dlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var (
	ErrLockUnavailable = errors.New("dlock: lock unavailable")
	ErrInvalidResource = errors.New("dlock: resource name must not be empty")
	ErrInvalidTTL      = errors.New("dlock: ttl must be positive")
	ErrNoNodes         = errors.New("dlock: at least one node is required")
)

// Fixed allowance for Redis expiry granularity, added on top of the
// configurable drift.
const clockDriftFloor = 2 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	KeyPrefix   string
	DriftFactor float64
	// RetryCount is the number of retries after the first attempt.
	RetryCount  int
	RetryDelay  time.Duration
	RetryJitter time.Duration
}

type Manager struct {
	nodes  []redis.UniversalClient
	quorum int
	opts   Options
}

type Lease struct {
	Resource   string
	Key        string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Attempts   int
}

// Remaining is how much of the drift-adjusted validity window is left.
func (l *Lease) Remaining() time.Duration {
	return time.Until(l.ExpiresAt)
}

func (l *Lease) Valid() bool {
	return l != nil && l.Remaining() > 0
}

func New(nodes []redis.UniversalClient, opts Options) (*Manager, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	if opts.RetryCount < 0 || opts.RetryDelay < 0 || opts.RetryJitter < 0 {
		return nil, fmt.Errorf("dlock: retry settings cannot be negative")
	}
	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		return nil, fmt.Errorf("dlock: drift factor must be in [0, 1), got %g", opts.DriftFactor)
	}
	return &Manager{
		nodes:  nodes,
		quorum: len(nodes)/2 + 1,
		opts:   opts,
	}, nil
}

func (m *Manager) Quorum() int {
	return m.quorum
}

// Acquire tries to obtain an exclusive lease on resource for ttl. It makes up
// to RetryCount+1 attempts and returns an error wrapping ErrLockUnavailable
// when none succeeds or ctx ends first.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	if resource == "" {
		return nil, ErrInvalidResource
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	key := m.opts.KeyPrefix + resource
	token := uuid.NewString()
	drift := time.Duration(float64(ttl)*m.opts.DriftFactor) + clockDriftFloor

	var lastErr error
	attempts := m.opts.RetryCount + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLockUnavailable, err)
		}

		start := time.Now()
		acquired, err := m.lockAll(ctx, key, token, ttl)
		validity := ttl - time.Since(start) - drift

		if acquired >= m.quorum && validity > 0 {
			return &Lease{
				Resource:   resource,
				Key:        key,
				Token:      token,
				AcquiredAt: start,
				ExpiresAt:  start.Add(ttl - drift),
				Attempts:   attempt,
			}, nil
		}
		lastErr = err

		// A partial grant must not linger and block the next contender.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ttl)
		_ = m.unlockAll(uctx, key, token)
		cancel()

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, m.backoff()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLockUnavailable, err)
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrLockUnavailable, attempts, lastErr)
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrLockUnavailable, attempts)
}

// Release deletes the lease on every node where it is still held by this
// token. Releasing an expired or already released lease is a no-op.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return m.unlockAll(ctx, lease.Key, lease.Token)
}

// Ping succeeds when at least a quorum of nodes answers.
func (m *Manager) Ping(ctx context.Context) error {
	var ok atomic.Int32
	var g errgroup.Group
	errs := make([]error, len(m.nodes))

	for i, node := range m.nodes {
		g.Go(func() error {
			if err := node.Ping(ctx).Err(); err != nil {
				errs[i] = err
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if int(ok.Load()) < m.quorum {
		return fmt.Errorf("dlock: %d of %d nodes reachable, quorum is %d: %w",
			ok.Load(), len(m.nodes), m.quorum, errors.Join(errs...))
	}
	return nil
}

func (m *Manager) lockAll(ctx context.Context, key, token string, ttl time.Duration) (int, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	var acquired atomic.Int32
	var g errgroup.Group
	errs := make([]error, len(m.nodes))

	for i, node := range m.nodes {
		g.Go(func() error {
			ok, err := node.SetNX(nodeCtx, key, token, ttl).Result()
			if err != nil {
				errs[i] = err
				return nil
			}
			if ok {
				acquired.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(acquired.Load()), errors.Join(errs...)
}

func (m *Manager) unlockAll(ctx context.Context, key, token string) error {
	var g errgroup.Group
	errs := make([]error, len(m.nodes))

	for i, node := range m.nodes {
		g.Go(func() error {
			if err := releaseScript.Run(ctx, node, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (m *Manager) backoff() time.Duration {
	d := m.opts.RetryDelay
	if m.opts.RetryJitter > 0 {
		d += time.Duration(rand.Int64N(int64(m.opts.RetryJitter)))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
