package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisCache implements the Cache interface using Redis. Records are stored
// msgpack encoded under "upload:<id>".
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(ctx context.Context, address string, ttlSeconds int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		Password:    "", // no password
		DB:          0,  // use default DB
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})

	// Test connection with the provided context
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisCache{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// GetRecord gets a record from the cache
func (c *RedisCache) GetRecord(ctx context.Context, id int64) (*UploadRecord, error) {
	data, err := c.client.Get(ctx, recordCacheKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("upload %d not in cache: %w", id, ErrNotFound)
		}
		return nil, err
	}

	var record UploadRecord
	if err := msgpack.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	record.CreatedAt = record.CreatedAt.UTC()

	return &record, nil
}

// SetRecord sets a record in the cache
func (c *RedisCache) SetRecord(ctx context.Context, record *UploadRecord) error {
	data, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, recordCacheKey(record.ID), data, c.ttl).Err()
}

// DeleteRecord deletes a record from the cache
func (c *RedisCache) DeleteRecord(ctx context.Context, id int64) error {
	return c.client.Del(ctx, recordCacheKey(id)).Err()
}

func recordCacheKey(id int64) string {
	return fmt.Sprintf("upload:%d", id)
}
