package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned when a lock expired or was taken over.
var ErrLockNotHeld = errors.New("job lock not held")

// Locker hands out one lock per job name.
type Locker interface {
	// Acquire returns a nil Lock when another holder owns the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type Lock interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// LocalLocker keeps locks in process memory.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), clock: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if entry, ok := l.held[key]; ok && (entry.expires.IsZero() || now.Before(entry.expires)) {
		return nil, nil
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: expiry(now, ttl)}
	return &localLock{owner: l, key: key, token: token}, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

type localLock struct {
	owner *LocalLocker
	key   string
	token string
}

func (l *localLock) Extend(_ context.Context, ttl time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	entry, ok := l.owner.held[l.key]
	if !ok || entry.token != l.token {
		return ErrLockNotHeld
	}
	entry.expires = expiry(l.owner.clock(), ttl)
	l.owner.held[l.key] = entry
	return nil
}

func (l *localLock) Release(_ context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	entry, ok := l.owner.held[l.key]
	if !ok || entry.token != l.token {
		return ErrLockNotHeld
	}
	delete(l.owner.held, l.key)
	return nil
}

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)
)

// RedisLocker shares job locks between processes with SET NX PX and a
// per-lock token.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "toonrank:job-lock:"
	}
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lockKey := l.prefix + key
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", lockKey, err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLock{rdb: l.rdb, key: lockKey, token: token}, nil
}

type redisLock struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

func (l *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
