package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by Redis.
const DefaultRedisPrefix = "uploadguard:"

// Redis is a Redis-backed implementation of Store suitable for distributed deployments.
// All server instances sharing one Redis see the same counters; per-key atomicity
// comes from Redis itself, so the client does no locking.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds configuration for the Redis connection.
// All fields should be populated explicitly by the application; the store never
// reads environment variables.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys (default: "uploadguard:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Context deadlines bound every command, in addition to the socket timeouts.
// The client connects lazily; use Ping to check connectivity. A Redis that is down
// at startup is not fatal when the store sits behind Fallback.
//
// Example:
//
//	st := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "uploadguard:",
//	})
func NewRedis(config RedisConfig) *Redis {
	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
		// Honor caller deadlines on socket I/O so Fallback's per-call timeout
		// applies to a server that accepts connections but never answers.
		ContextTimeoutEnabled: true,
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	return NewRedisWithClient(redis.NewClient(opts), config.Prefix)
}

// NewRedisWithClient wraps an existing client. An empty prefix uses DefaultRedisPrefix.
// The store takes ownership of the client and closes it in Close.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

// Increment adds amount to the counter for key in a single pipelined round trip
// (INCRBY + TTL). When the count equals amount the window is brand new, and when the
// TTL is negative the key has no expiry; in both cases EXPIRE is issued for window.
//
// Two first writers racing on a fresh key may both issue EXPIRE. That only shifts the
// expiry of the new key by the time between the calls, and any later increment that
// finds the key without a TTL repairs it.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration, amount int64) (int64, time.Duration, error) {
	if err := validateIncrement(window, amount); err != nil {
		return 0, 0, err
	}

	fullKey := r.prefix + key

	pipe := r.client.Pipeline()
	incr := pipe.IncrBy(ctx, fullKey, amount)
	ttlCmd := pipe.TTL(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("redis increment failed: %w", err)
	}

	count := incr.Val()
	ttl := ttlCmd.Val()

	if count == amount || ttl < 0 {
		if err := r.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("redis expire failed: %w", err)
		}
		ttl = window
	}

	return count, ttl, nil
}

// Get returns the current count for key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

// Reset removes the counter for key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Ping checks connectivity with a PING.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
