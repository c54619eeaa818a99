// Package uploadguard provides the abuse-control layer of the upload service:
// per-identity request rate limits, calendar-aligned upload quotas, and the Chi
// middleware that turns their decisions into HTTP responses.
//
// Counters live in a store.Store. With the Redis backend every call tries Redis
// first and falls back to process memory for that call only, so a Redis outage
// degrades limits to per-instance counting instead of failing requests.
//
// Rate limits use fixed windows that start at the first request for a key. A client
// can therefore get up to twice the limit through around a window boundary; this is
// the accepted tradeoff for a single atomic counter per key.
package uploadguard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhalm/uploadguard/store"
)

// ErrInvalidRule is returned when a rate limit rule is misconfigured.
var ErrInvalidRule = errors.New("uploadguard: invalid rate limit rule")

// Rule is a validated rate limit: at most Limit units of work per Window for each
// identity within Category.
type Rule struct {
	Category string
	Limit    int64
	Window   time.Duration
}

// NewRule validates and returns a rule. Categories must be non-empty and free of
// ':', limits must be non-negative and windows positive. A limit of 0 rejects
// every request.
func NewRule(category string, limit int64, window time.Duration) (Rule, error) {
	switch {
	case category == "":
		return Rule{}, fmt.Errorf("%w: category is required", ErrInvalidRule)
	case strings.Contains(category, ":"):
		return Rule{}, fmt.Errorf("%w: category %q must not contain ':'", ErrInvalidRule, category)
	case limit < 0:
		return Rule{}, fmt.Errorf("%w: %s: limit must not be negative, got %d", ErrInvalidRule, category, limit)
	case window <= 0:
		return Rule{}, fmt.Errorf("%w: %s: window must be positive, got %s", ErrInvalidRule, category, window)
	}
	return Rule{Category: category, Limit: limit, Window: window}, nil
}

// MustRule is like NewRule but panics on an invalid rule.
// Use for rules fixed at compile time.
func MustRule(category string, limit int64, window time.Duration) Rule {
	r, err := NewRule(category, limit, window)
	if err != nil {
		panic(err)
	}
	return r
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time

	// RetryAfter is how long until the window rolls over. Zero when allowed.
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int64 {
	return int64(math.Ceil(d.RetryAfter.Seconds()))
}

// Limiter answers whether one more unit of work fits under a rule for an identity.
// It is safe for concurrent use.
type Limiter struct {
	store   store.Store
	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock replaces the time source used for ResetAt. Intended for tests.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLimiterLogger sets the logger for store failures.
func WithLimiterLogger(logger *zap.Logger) LimiterOption {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithLimiterMetrics records decisions in m.
func WithLimiterMetrics(m *Metrics) LimiterOption {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// NewLimiter creates a limiter over st.
func NewLimiter(st store.Store, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store:  st,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one unit of work for identity under rule and decides whether it is
// allowed. The unit is counted before deciding, so the request that crosses the
// limit is itself counted and rejected.
//
// Store failures never surface: if the store cannot count, the request is allowed
// and the failure is logged. A limit of zero rejects regardless.
func (l *Limiter) Allow(ctx context.Context, identity string, rule Rule) Decision {
	count, ttl, err := l.store.Increment(ctx, limitKey(rule.Category, identity), rule.Window, 1)
	if err != nil {
		l.logger.Error("rate limit check failed",
			zap.String("category", rule.Category),
			zap.Bool("allowed", rule.Limit > 0),
			zap.Error(err))
		l.metrics.storeError("rate_limit")
		d := Decision{
			Allowed:   rule.Limit > 0,
			Limit:     rule.Limit,
			Remaining: rule.Limit,
			ResetAt:   l.now().Add(rule.Window),
		}
		if !d.Allowed {
			d.RetryAfter = rule.Window
		}
		l.metrics.decision(rule.Category, d.Allowed)
		return d
	}

	d := Decision{
		Allowed:   count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: max(0, rule.Limit-count),
		ResetAt:   l.now().Add(ttl),
	}
	if !d.Allowed {
		// Redis reports TTLs in whole seconds; never tell a client to retry immediately.
		d.RetryAfter = max(ttl, time.Second)
	}

	l.metrics.decision(rule.Category, d.Allowed)
	return d
}

// CheckLimit validates the rule and checks it in one call. The only errors are
// configuration errors wrapping ErrInvalidRule.
func (l *Limiter) CheckLimit(ctx context.Context, identity, category string, limit int64, windowSeconds int) (Decision, error) {
	rule, err := NewRule(category, limit, time.Duration(windowSeconds)*time.Second)
	if err != nil {
		return Decision{}, err
	}
	return l.Allow(ctx, identity, rule), nil
}

// Reset clears the counter for identity in category.
func (l *Limiter) Reset(ctx context.Context, identity, category string) error {
	if err := l.store.Reset(ctx, limitKey(category, identity)); err != nil {
		return fmt.Errorf("reset %s for %s: %w", category, identity, err)
	}
	return nil
}

func limitKey(category, identity string) string {
	var b strings.Builder
	b.Grow(3 + len(category) + 1 + len(identity))
	b.WriteString("rl:")
	b.WriteString(category)
	b.WriteByte(':')
	b.WriteString(identity)
	return b.String()
}
