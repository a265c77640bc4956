package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the Redis keys of a RedisStore.
const DefaultKeyPrefix = "notify:exceptions:"

// acquireScript takes a cap slot atomically: compare, increment and set the
// window expiry in one step.
var acquireScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
	return 0
end
n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore shares the suppression state between processes. With the
// hourly policy keys carry the window in their name and expire on their own.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	policy ResetPolicy
	now    func() time.Time
}

// NewRedisStore creates a RedisStore using client.
func NewRedisStore(client redis.UniversalClient, policy ResetPolicy) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultKeyPrefix, policy: policy, now: time.Now}
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(kind, name string) (string, time.Duration) {
	w := window(s.policy, s.now())
	if s.policy == ResetNever {
		return s.prefix + kind + name, 0
	}
	// Keys outlive their window slightly so late readers still see them.
	ttl := w.Add(time.Hour).Sub(s.now()) + time.Minute
	return s.prefix + w.Format("2006010215") + ":" + kind + name, ttl
}

func (s *RedisStore) Occurrence(ctx context.Context, digest string) (int64, error) {
	key, ttl := s.key("digest:", digest)
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment digest count: %w", err)
	}
	if n == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("expire digest count: %w", err)
		}
	}
	return n, nil
}

func (s *RedisStore) Acquire(ctx context.Context, limit int64) (bool, error) {
	key, ttl := s.key("sent", "")
	ok, err := acquireScript.Run(ctx, s.client, []string{key}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire cap slot: %w", err)
	}
	return ok == 1, nil
}

// Reset deletes every key under the store prefix.
func (s *RedisStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
