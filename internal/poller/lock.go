package poller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"switchboard/internal/constants"
)

const (
	LockBackendRedis  = "redis"
	LockBackendMemory = "memory"
)

// Locker grants one holder at a time per account. Locks expire after ttl so
// a crashed poller never blocks an account for longer than one poll timeout.
type Locker interface {
	Acquire(ctx context.Context, accountID string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// NewLocker returns a Redis locker when a client is available and the backend
// asks for it, and an in-process locker otherwise.
func NewLocker(backend string, client redis.UniversalClient) Locker {
	if backend != LockBackendMemory && client != nil {
		return NewRedisLocker(client)
	}
	return NewMemoryLocker()
}

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, accountID string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := constants.CacheKeyPrefixPollLock + accountID
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryLock
	now  func() time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLock), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, accountID string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[accountID]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	token := uuid.New().String()
	l.held[accountID] = memoryLock{token: token, expires: now.Add(ttl)}
	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[accountID]; ok && cur.token == token {
			delete(l.held, accountID)
		}
		return nil
	}
	return release, true, nil
}
