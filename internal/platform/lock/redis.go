package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still carries this owner's token,
// so a lock that expired and was re-acquired by someone else is never removed.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisLocker implements Locker on top of a single Redis instance using
// SET NX with a per-acquisition owner token.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
	newToken  func() string
}

// RedisOption customises RedisLocker construction.
type RedisOption func(*RedisLocker)

// WithKeyPrefix namespaces all lock keys, defaulting to "lock:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		l.keyPrefix = prefix
	}
}

// WithTokenGenerator overrides the owner-token generator, primarily for tests.
func WithTokenGenerator(gen func() string) RedisOption {
	return func(l *RedisLocker) {
		l.newToken = gen
	}
}

// NewRedisLocker builds a Redis-backed locker.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("lock: redis client is required")
	}
	locker := &RedisLocker{
		client:    client,
		keyPrefix: "lock:",
		newToken:  func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(locker)
	}
	return locker, nil
}

// Acquire attempts a single SET NX for the key. It does not retry; callers
// decide whether contention is an error or a busy signal.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	if key == "" {
		return nil, fmt.Errorf("lock: key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive")
	}

	token := l.newToken()
	redisKey := l.keyPrefix + key
	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquiring %q: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisHandle{client: l.client, key: redisKey, token: token}, nil
}

type redisHandle struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (h *redisHandle) Release(ctx context.Context) error {
	deleted, err := h.client.Eval(ctx, releaseScript, []string{h.key}, h.token).Int64()
	if err != nil {
		return fmt.Errorf("lock: releasing %q: %w", h.key, err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}
