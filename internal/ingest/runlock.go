package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLock is the per-account single-flight guard. TryAcquire never blocks:
// ok is false when another run holds the account.
type RunLock interface {
	TryAcquire(ctx context.Context, accountID int64) (release func(), ok bool, err error)
}

// LocalRunLock guards accounts within one process
type LocalRunLock struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

// NewLocalRunLock creates an in-process lock
func NewLocalRunLock() *LocalRunLock {
	return &LocalRunLock{running: make(map[int64]struct{})}
}

// TryAcquire implements RunLock
func (l *LocalRunLock) TryAcquire(_ context.Context, accountID int64) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.running[accountID]; busy {
		return nil, false, nil
	}
	l.running[accountID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.running, accountID)
			l.mu.Unlock()
		})
	}, true, nil
}

// releaseScript deletes the key only while it still holds our token, so a
// run that outlived its TTL cannot free a lock taken over by another worker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLock guards accounts across processes. The TTL is the crash
// timeout: a holder that dies frees the account when the key expires.
type RedisRunLock struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisRunLock creates a distributed lock
func NewRedisRunLock(rdb *redis.Client, ttl time.Duration) *RedisRunLock {
	return &RedisRunLock{rdb: rdb, ttl: ttl, prefix: "mailsweep:sync:"}
}

// NewRedisClient parses a redis:// url
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (l *RedisRunLock) key(accountID int64) string {
	return fmt.Sprintf("%s%d", l.prefix, accountID)
}

// TryAcquire implements RunLock
func (l *RedisRunLock) TryAcquire(ctx context.Context, accountID int64) (func(), bool, error) {
	key := l.key(accountID)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
		})
	}, true, nil
}
