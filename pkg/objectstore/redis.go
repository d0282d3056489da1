package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis instance. Objects are keyed as
// "<bucket>/<key>" so one instance can serve multiple buckets.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed object store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// Get fetches an object, failing with ErrMissingObject when absent.
func (s *RedisStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, objectKey(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", ErrMissingObject, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Put stores an object with no expiry. The payload lives as long as the job
// row that references it; the janitor's retention sweep is the bound on both.
func (s *RedisStore) Put(ctx context.Context, bucket, key string, data []byte) error {
	if err := s.client.Set(ctx, objectKey(bucket, key), data, 0).Err(); err != nil {
		return fmt.Errorf("objectstore: put %s/%s: %w", bucket, key, err)
	}
	return nil
}
