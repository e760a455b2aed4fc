package relay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// grantKeyPrefix namespaces grant keys so the Redis database can be shared
// with other services.
const grantKeyPrefix = "maild:grant:"

// RedisGrantStore shares POP-before-SMTP grants across hosts through Redis.
// Keys expire at the grant timeout so abandoned grants clean themselves up
// even without a lookup.
type RedisGrantStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGrantStore creates a RedisGrantStore against the given address.
// ttl should equal the configured POP-before-SMTP timeout.
func NewRedisGrantStore(address string, ttl time.Duration) *RedisGrantStore {
	return &RedisGrantStore{
		client: redis.NewClient(&redis.Options{Addr: address}),
		ttl:    ttl,
	}
}

// Grant records a successful authentication for the IP.
func (s *RedisGrantStore) Grant(ctx context.Context, clientIP string, at time.Time) error {
	key := grantKeyPrefix + clientIP
	if err := s.client.Set(ctx, key, strconv.FormatInt(at.Unix(), 10), s.ttl).Err(); err != nil {
		return fmt.Errorf("recording grant for %s: %w", clientIP, err)
	}
	return nil
}

// LastGrant returns the time of the most recent grant for the IP.
func (s *RedisGrantStore) LastGrant(ctx context.Context, clientIP string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, grantKeyPrefix+clientIP).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("looking up grant for %s: %w", clientIP, err)
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt grant value for %s: %w", clientIP, err)
	}
	return time.Unix(unix, 0), true, nil
}

// Revoke removes the grant for the IP.
func (s *RedisGrantStore) Revoke(ctx context.Context, clientIP string) error {
	if err := s.client.Del(ctx, grantKeyPrefix+clientIP).Err(); err != nil {
		return fmt.Errorf("revoking grant for %s: %w", clientIP, err)
	}
	return nil
}

// Close releases the Redis client.
func (s *RedisGrantStore) Close() error {
	return s.client.Close()
}
