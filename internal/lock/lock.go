// SPDX-License-Identifier: MIT

// Package lock provides cross-process mutual exclusion backed by Redis.
// Ownership is proven solely by possession of a random token; every
// mutating operation is a single atomic server-side command so two
// holders can never interleave a check with an act.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/plantlens/reliability/internal/log"
	"github.com/plantlens/reliability/internal/metrics"
)

// ErrNotAcquired signals that another holder owns the lock. It is the
// normal contention outcome, not an infrastructure failure; callers decide
// whether to retry, queue, or abandon.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only if it still holds the caller's token.
// A stale holder's late release must never remove a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only if the key still holds the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Options control a single acquisition attempt.
type Options struct {
	// TTL is the expiry after which a crashed holder's lock self-releases.
	TTL time.Duration
	// RetryCount is how many additional attempts are made on contention.
	// Zero means fail fast.
	RetryCount int
	// RetryDelay is the wait between attempts.
	RetryDelay time.Duration
}

// Lock is a held lock. The token is the sole proof of ownership.
type Lock struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time

	manager *Manager
}

// Info describes the current state of a lock key for diagnostics.
type Info struct {
	Exists       bool          `json:"exists"`
	Token        string        `json:"token,omitempty"`
	RemainingTTL time.Duration `json:"remainingTtl,omitempty"`
}

// Manager acquires and releases distributed locks against a Redis backend.
// It holds no local lock state that survives a restart; the stored token
// is the only authority.
type Manager struct {
	client   *redis.Client
	prefix   string
	logger   zerolog.Logger
	defaults Options
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix namespaces all lock keys (default "lock:").
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDefaults sets the options used when Acquire or WithLock is called
// with zero Options.
func WithDefaults(defaults Options) Option {
	return func(m *Manager) { m.defaults = defaults }
}

// NewManager creates a lock manager on the given Redis client.
func NewManager(client *redis.Client, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		prefix: "lock:",
		logger: log.WithComponent("lock"),
		defaults: Options{
			TTL:        30 * time.Second,
			RetryCount: 0,
			RetryDelay: 100 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) redisKey(key string) string {
	return m.prefix + key
}

// Acquire attempts to take the lock for key. On contention it waits
// RetryDelay between up to RetryCount further attempts, then returns
// ErrNotAcquired. The acquisition itself is a single SET NX PX. Zero
// Options fall back to the manager defaults.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (*Lock, error) {
	if opts == (Options{}) {
		opts = m.defaults
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive, got %s", opts.TTL)
	}

	token := uuid.NewString()
	start := time.Now()
	attempts := opts.RetryCount + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				metrics.RecordLockAcquireWait("cancelled", time.Since(start))
				return nil, ctx.Err()
			case <-time.After(opts.RetryDelay):
			}
		}

		ok, err := m.client.SetNX(ctx, m.redisKey(key), token, opts.TTL).Result()
		if err != nil {
			metrics.RecordLockOperation("acquire", "error")
			return nil, fmt.Errorf("lock: acquire %q: %w", key, err)
		}
		if ok {
			metrics.RecordLockOperation("acquire", "ok")
			metrics.RecordLockAcquireWait("ok", time.Since(start))
			m.logger.Debug().Str("key", key).Dur("ttl", opts.TTL).Msg("lock acquired")
			return &Lock{
				Key:        key,
				Token:      token,
				TTL:        opts.TTL,
				AcquiredAt: time.Now(),
				manager:    m,
			}, nil
		}
	}

	metrics.RecordLockOperation("acquire", "contended")
	metrics.RecordLockAcquireWait("contended", time.Since(start))
	return nil, fmt.Errorf("lock: %q: %w", key, ErrNotAcquired)
}

// Release removes the lock only if token still owns it. The false return
// means the caller no longer (or never did) hold the lock; it is never
// reported as a silent success.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, m.client, []string{m.redisKey(key)}, token).Int64()
	if err != nil {
		metrics.RecordLockOperation("release", "error")
		return false, fmt.Errorf("lock: release %q: %w", key, err)
	}
	if res == 0 {
		metrics.RecordLockOperation("release", "stale")
		m.logger.Warn().Str("key", key).Msg("release refused: token does not own lock")
		return false, nil
	}
	metrics.RecordLockOperation("release", "ok")
	return true, nil
}

// Extend resets the lock expiry to newTTL if token still owns it. Used by
// long-running critical sections to avoid losing the lock mid-operation.
func (m *Manager) Extend(ctx context.Context, key, token string, newTTL time.Duration) (bool, error) {
	if newTTL <= 0 {
		return false, fmt.Errorf("lock: ttl must be positive, got %s", newTTL)
	}
	res, err := extendScript.Run(ctx, m.client, []string{m.redisKey(key)}, token, newTTL.Milliseconds()).Int64()
	if err != nil {
		metrics.RecordLockOperation("extend", "error")
		return false, fmt.Errorf("lock: extend %q: %w", key, err)
	}
	if res == 0 {
		metrics.RecordLockOperation("extend", "stale")
		return false, nil
	}
	metrics.RecordLockOperation("extend", "ok")
	return true, nil
}

// Info reports whether key is locked, by which token, and for how long.
func (m *Manager) Info(ctx context.Context, key string) (Info, error) {
	pipe := m.client.Pipeline()
	getCmd := pipe.Get(ctx, m.redisKey(key))
	ttlCmd := pipe.PTTL(ctx, m.redisKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Info{}, fmt.Errorf("lock: info %q: %w", key, err)
	}

	token, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Info{Exists: false}, nil
	}
	if err != nil {
		return Info{}, fmt.Errorf("lock: info %q: %w", key, err)
	}

	ttl, err := ttlCmd.Result()
	if err != nil {
		return Info{}, fmt.Errorf("lock: info %q: %w", key, err)
	}
	return Info{Exists: true, Token: token, RemainingTTL: ttl}, nil
}

// Release releases the held lock through its manager.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	return l.manager.Release(ctx, l.Key, l.Token)
}

// Extend resets the held lock's expiry through its manager.
func (l *Lock) Extend(ctx context.Context, newTTL time.Duration) (bool, error) {
	ok, err := l.manager.Extend(ctx, l.Key, l.Token, newTTL)
	if ok {
		l.TTL = newTTL
	}
	return ok, err
}

// WithLock runs fn while holding the lock for key and releases it on every
// exit path, including panics. Contention surfaces as ErrNotAcquired.
func (m *Manager) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		released, relErr := l.Release(context.WithoutCancel(ctx))
		if relErr != nil {
			m.logger.Error().Err(relErr).Str("key", key).Msg("lock release failed")
		} else if !released {
			m.logger.Warn().Str("key", key).Msg("lock expired before release")
		}
	}()
	return fn(ctx)
}
