package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// RedisSnapshotStore keeps snapshots as plain Redis strings without TTL.
type RedisSnapshotStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSnapshotStore builds a Redis-backed snapshot store. Keys are stored
// as "<prefix>:<key>".
func NewRedisSnapshotStore(addr, password string, db int, prefix string) *RedisSnapshotStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "minicontratos:snapshot"
	}
	return &RedisSnapshotStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
	}
}

func (s *RedisSnapshotStore) redisKey(key string) string {
	return s.prefix + ":" + key
}

// Load fetches the snapshot for key.
func (s *RedisSnapshotStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Save overwrites the snapshot for key.
func (s *RedisSnapshotStore) Save(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return s.client.Set(ctx, s.redisKey(key), data, 0).Err()
}

// Delete removes the snapshot for key.
func (s *RedisSnapshotStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}
