package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Key prefixes keep the archiver's claims apart from other users of the
	// same Redis.
	DeliveryKeyPrefix   = "zammad:delivery_id:"
	TicketLockKeyPrefix = "zammad:ticket_lock:"

	redisDialTimeout = 5 * time.Second
	redisIOTimeout   = 5 * time.Second
)

// RedisStore claims keys with SET NX EX so claims survive process restarts
// and are shared between replicas.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	ownsCli bool
}

// NewRedisStore wraps an existing client; Close leaves the client open.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisStoreFromURL dials redisURL and owns the resulting client.
func NewRedisStoreFromURL(redisURL, prefix string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = redisDialTimeout
	opts.ReadTimeout = redisIOTimeout
	opts.WriteTimeout = redisIOTimeout
	return &RedisStore{client: redis.NewClient(opts), prefix: prefix, ttl: ttl, ownsCli: true}, nil
}

func (s *RedisStore) TryClaim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", s.prefix+key, err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", s.prefix+key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.ownsCli {
		return s.client.Close()
	}
	return nil
}

var _ ClaimStore = (*RedisStore)(nil)
