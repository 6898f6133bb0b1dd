package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"call-insights/pkg/utils"
)

// ErrLockHeld means another worker owns the job. It is not a failure; the
// job is re-queued.
var ErrLockHeld = errors.New("pipeline: single-flight lock held")

// Release gives a lock back. Releasing a lock that expired and was taken by
// someone else is a no-op.
type Release func(ctx context.Context) error

// Locker grants at most one holder per key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

func lockKey(callID string) string { return "call-insights:lock:call:" + callID }

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	seq   uint64
	clock func() time.Time
}

type memoryLease struct {
	token   uint64
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]memoryLease{}, clock: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, ErrLockHeld
	}
	l.seq++
	token := l.seq
	l.held[key] = memoryLease{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[key]
	return ok && l.clock().Before(cur.expires)
}

// RedisLocker shares the single-flight lock across processes.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker { return &RedisLocker{rdb: rdb} }

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	token, ok, err := utils.AcquireLock(ctx, l.rdb, key, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		_, err := utils.ReleaseLock(ctx, l.rdb, key, token)
		return err
	}, nil
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
