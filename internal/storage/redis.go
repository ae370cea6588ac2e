package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/contract-catalog/internal/config"
	"github.com/contract-catalog/internal/enrich"
)

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// RunLock is a lease lock held in Redis. Release only deletes the key when
// the caller's token still owns it.
type RunLock struct {
	client *redis.Client
	prefix string
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRunLock creates a lock over the cache's client
func NewRunLock(cache *RedisCache) *RunLock {
	return &RunLock{client: cache.client, prefix: "lock:"}
}

// TryLock acquires key for ttl. ok is false when another holder's lease is live.
func (l *RunLock) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases key if token still owns it
func (l *RunLock) Unlock(ctx context.Context, key, token string) error {
	if err := unlockScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// MetadataCache caches token URI documents as JSON
type MetadataCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMetadataCache creates a metadata cache; ttl defaults to 24h
func NewMetadataCache(cache *RedisCache, ttl time.Duration) *MetadataCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MetadataCache{client: cache.client, ttl: ttl}
}

func metadataKey(uri string) string {
	return "token-metadata:" + uri
}

// GetMetadata returns the cached document, ok false on a miss
func (c *MetadataCache) GetMetadata(ctx context.Context, uri string) (*enrich.TokenMetadata, bool, error) {
	raw, err := c.client.Get(ctx, metadataKey(uri)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read metadata cache: %w", err)
	}
	var md enrich.TokenMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		// a corrupt entry is a miss; the next fetch overwrites it
		return nil, false, nil
	}
	return &md, true, nil
}

// SetMetadata stores a document for the cache TTL
func (c *MetadataCache) SetMetadata(ctx context.Context, uri string, md *enrich.TokenMetadata) error {
	if md == nil {
		return nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return c.client.Set(ctx, metadataKey(uri), raw, c.ttl).Err()
}
