package store

import (
	"context"
	"errors"
	"time"
)

// DefaultOperationTimeout bounds each primary call made by Fallback.
const DefaultOperationTimeout = 250 * time.Millisecond

// ErrorHook is called whenever the primary store of a Fallback fails and the
// secondary serves the call instead. op is the Store method name.
type ErrorHook func(ctx context.Context, op string, err error)

// Fallback wraps a shared primary store and a local secondary store. Every call
// tries the primary first, bounded by an operation timeout. On any primary error
// the hook is notified and the same call is answered by the secondary.
//
// Nothing is remembered between calls: a failing primary is retried on the next
// call, so service returns to shared counters as soon as the primary recovers.
// While the primary is down, counts are local to each instance.
type Fallback struct {
	primary   Store
	secondary Store
	timeout   time.Duration
	onError   ErrorHook
}

// FallbackOption configures a Fallback.
type FallbackOption func(*Fallback)

// WithOperationTimeout bounds each primary call. A call that exceeds it is treated
// as a primary failure. Non-positive values disable the bound.
func WithOperationTimeout(d time.Duration) FallbackOption {
	return func(f *Fallback) {
		f.timeout = d
	}
}

// WithErrorHook registers a hook that observes primary failures.
func WithErrorHook(hook ErrorHook) FallbackOption {
	return func(f *Fallback) {
		f.onError = hook
	}
}

// NewFallback creates a store that serves from primary and falls back to secondary per call.
func NewFallback(primary, secondary Store, opts ...FallbackOption) *Fallback {
	f := &Fallback{
		primary:   primary,
		secondary: secondary,
		timeout:   DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Increment increments on the primary, or on the secondary if the primary fails.
// Argument errors are returned as-is since the secondary would reject them too.
func (f *Fallback) Increment(ctx context.Context, key string, window time.Duration, amount int64) (int64, time.Duration, error) {
	if err := validateIncrement(window, amount); err != nil {
		return 0, 0, err
	}

	pctx, cancel := f.primaryContext(ctx)
	count, ttl, err := f.primary.Increment(pctx, key, window, amount)
	cancel()
	if err == nil {
		return count, ttl, nil
	}

	f.report(ctx, "Increment", err)
	return f.secondary.Increment(ctx, key, window, amount)
}

// Get reads from the primary, or from the secondary if the primary fails.
func (f *Fallback) Get(ctx context.Context, key string) (int64, error) {
	pctx, cancel := f.primaryContext(ctx)
	count, err := f.primary.Get(pctx, key)
	cancel()
	if err == nil {
		return count, nil
	}

	f.report(ctx, "Get", err)
	return f.secondary.Get(ctx, key)
}

// Reset clears the key on both stores, since the secondary may hold counts
// accumulated while the primary was down. A primary failure is reported to the
// hook; only the secondary's error is returned.
func (f *Fallback) Reset(ctx context.Context, key string) error {
	pctx, cancel := f.primaryContext(ctx)
	err := f.primary.Reset(pctx, key)
	cancel()
	if err != nil {
		f.report(ctx, "Reset", err)
	}
	return f.secondary.Reset(ctx, key)
}

// Ping reports the primary's health. The secondary is always available, so a
// failing Ping means the service is degraded, not down.
func (f *Fallback) Ping(ctx context.Context) error {
	pctx, cancel := f.primaryContext(ctx)
	defer cancel()
	return f.primary.Ping(pctx)
}

// Close closes both stores.
func (f *Fallback) Close() error {
	return errors.Join(f.primary.Close(), f.secondary.Close())
}

func (f *Fallback) primaryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, f.timeout)
}

func (f *Fallback) report(ctx context.Context, op string, err error) {
	if f.onError != nil {
		f.onError(ctx, op, err)
	}
}
