package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Backend names a preferred counter backend.
type Backend string

const (
	// BackendMemory keeps all counters in process memory.
	BackendMemory Backend = "memory"

	// BackendRedis keeps counters in Redis and falls back to memory per call.
	BackendRedis Backend = "redis"
)

// Config selects and configures the counter backend.
type Config struct {
	Backend          Backend
	Redis            RedisConfig
	SweepInterval    time.Duration
	OperationTimeout time.Duration
}

// Set is the store returned by Open along with its concrete parts.
// Local is always present and must be swept by running Local.Run.
// Shared is nil for the memory backend.
type Set struct {
	Store
	Local  *Memory
	Shared *Redis
}

type openConfig struct {
	logger *zap.Logger
	hooks  []ErrorHook
}

// OpenOption configures Open.
type OpenOption func(*openConfig)

// WithLogger sets the logger used for startup and fallback messages.
func WithLogger(logger *zap.Logger) OpenOption {
	return func(c *openConfig) {
		c.logger = logger
	}
}

// WithFallbackHook adds a hook that observes shared store failures.
func WithFallbackHook(hook ErrorHook) OpenOption {
	return func(c *openConfig) {
		c.hooks = append(c.hooks, hook)
	}
}

// Open builds the configured backend. For BackendRedis the shared store is pinged
// once; an unreachable Redis is logged and the store is still returned, because
// Fallback serves every call from memory until Redis answers again.
func Open(ctx context.Context, cfg Config, opts ...OpenOption) (*Set, error) {
	oc := &openConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(oc)
	}

	local := NewMemory(WithSweepInterval(cfg.SweepInterval))

	switch cfg.Backend {
	case BackendMemory, "":
		oc.logger.Info("counter store ready", zap.String("backend", string(BackendMemory)))
		return &Set{Store: local, Local: local}, nil

	case BackendRedis:
		shared := NewRedis(cfg.Redis)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := shared.Ping(pingCtx)
		cancel()
		if err != nil {
			oc.logger.Warn("shared counter store unreachable, serving from local memory until it recovers",
				zap.String("addr", cfg.Redis.URL),
				zap.Error(err))
		} else {
			oc.logger.Info("counter store ready",
				zap.String("backend", string(BackendRedis)),
				zap.String("addr", cfg.Redis.URL))
		}

		timeout := cfg.OperationTimeout
		if timeout == 0 {
			timeout = DefaultOperationTimeout
		}

		logger := oc.logger
		hooks := oc.hooks
		fb := NewFallback(shared, local,
			WithOperationTimeout(timeout),
			WithErrorHook(func(ctx context.Context, op string, err error) {
				logger.Warn("shared counter store failed, using local fallback",
					zap.String("op", op),
					zap.Error(err))
				for _, hook := range hooks {
					hook(ctx, op, err)
				}
			}),
		)
		return &Set{Store: fb, Local: local, Shared: shared}, nil

	default:
		return nil, fmt.Errorf("store: unsupported backend %q", cfg.Backend)
	}
}
