package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("resource locks not acquired")
)

// Locker guards the critical section for a set of scheduling resources
// (doctors and units). Every writer of appointment state goes through it.
type Locker interface {
	WithResourceLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

func DoctorKey(id uuid.UUID) string { return "lock:doctor:" + id.String() }
func UnitKey(id uuid.UUID) string   { return "lock:unit:" + id.String() }

// LockKeys builds the canonical acquisition order: doctors before units,
// ascending by id within each class. Two operations touching the same
// resources therefore always acquire in the same order.
func LockKeys(doctorIDs, unitIDs []uuid.UUID) []string {
	sortIDs := func(ids []uuid.UUID) []uuid.UUID {
		out := make([]uuid.UUID, len(ids))
		copy(out, ids)
		sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
		return out
	}

	keys := make([]string, 0, len(doctorIDs)+len(unitIDs))
	for _, id := range dedupe(sortIDs(doctorIDs)) {
		keys = append(keys, DoctorKey(id))
	}
	for _, id := range dedupe(sortIDs(unitIDs)) {
		keys = append(keys, UnitKey(id))
	}
	return keys
}

func dedupe(sorted []uuid.UUID) []uuid.UUID {
	out := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			out = append(out, id)
		}
	}
	return out
}

type redisResourceLocker struct {
	client    *redis.Client
	ttl       time.Duration
	wait      time.Duration
	pollEvery time.Duration
}

// NewRedisResourceLocker creates a locker that uses one Redis key per
// resource. Acquisition polls until wait elapses, then gives up with
// ErrLockNotAcquired so the caller can surface a retryable Busy.
func NewRedisResourceLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &redisResourceLocker{
		client:    client,
		ttl:       ttl,
		wait:      wait,
		pollEvery: 25 * time.Millisecond,
	}
}

func (l *redisResourceLocker) WithResourceLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	var held []string
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = l.release(context.WithoutCancel(ctx), held[i], token)
		}
	}

	for _, key := range keys {
		if err := l.acquire(ctx, key, token, deadline); err != nil {
			releaseHeld()
			return err
		}
		held = append(held, key)
	}

	defer releaseHeld()

	// The lock TTL bounds the critical section.
	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisResourceLocker) acquire(ctx context.Context, key, token string, deadline time.Time) error {
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire resource lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollEvery):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisResourceLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release resource lock %s: %w", key, err)
	}
	return nil
}
