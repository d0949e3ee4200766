package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lease expired cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript resets the TTL only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Redis implements Locker with SET NX PX, shared by every engine instance
// pointed at the same Redis.
type Redis struct {
	client         redis.UniversalClient
	prefix         string
	releaseTimeout time.Duration
}

var _ Locker = (*Redis)(nil)

// NewRedis creates a Redis-backed locker. Keys are stored under prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "entitle:lease:"
	}
	return &Redis{client: client, prefix: prefix, releaseTimeout: 5 * time.Second}
}

// NewRedisFromURL parses a redis:// URL, connects and pings.
func NewRedisFromURL(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lease: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lease: redis ping failed: %w", err)
	}
	return NewRedis(client, prefix), nil
}

// TryAcquire implements Locker.
func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}

	k := r.prefix + key
	ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &Lease{
		key: key,
		free: func() {
			rctx, cancel := context.WithTimeout(context.Background(), r.releaseTimeout)
			defer cancel()
			// An unreleased lease still expires after ttl.
			_ = releaseScript.Run(rctx, r.client, []string{k}, token).Err() //nolint:errcheck // bounded by ttl
		},
		renew: func(ctx context.Context) error {
			n, err := renewScript.Run(ctx, r.client, []string{k}, token, ttl.Milliseconds()).Int64()
			if err != nil {
				return fmt.Errorf("lease: renew %s: %w", key, err)
			}
			if n == 0 {
				return ErrLost
			}
			return nil
		},
	}, true, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
