package uploadguard

// Rate limiting middleware for Chi and standard http.Handler.
//
// Requests are keyed by the identity in the request context (see IdentityFromHeader
// and IdentityFromBearer). Anonymous requests are keyed by client IP unless
// RateLimitAnonymousByIP(false) is given, in which case they are not limited.
//
//	limiter := uploadguard.NewLimiter(st)
//	rule := uploadguard.MustRule("uploads-per-minute", 10, time.Minute)
//	r.With(uploadguard.NewRateLimiter(limiter, rule).Handler).Post("/uploads", upload)

import (
	"net/http"
	"strconv"
	"time"
)

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes rate limit headers on all responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never includes rate limit headers in any response.
	// Retry-After is still sent on 429.
	RateLimitHeadersNever
)

// RateLimitedBody is the JSON body of a 429 rate limit response.
type RateLimitedBody struct {
	Error      string    `json:"error"`
	RetryAfter int64     `json:"retryAfter"`
	Limit      int64     `json:"limit"`
	Remaining  int64     `json:"remaining"`
	ResetTime  time.Time `json:"resetTime"`
}

// RateLimiter is HTTP middleware enforcing one Rule.
type RateLimiter struct {
	limiter     *Limiter
	rule        Rule
	headerMode  RateLimitHeaderMode
	anonymousIP bool
	trustProxy  bool
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithHeaderMode configures when rate limit headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// RateLimitAnonymousByIP controls whether requests without an identity are limited
// by client IP (true, the default) or not limited at all (false).
func RateLimitAnonymousByIP(enabled bool) RateLimitOption {
	return func(l *RateLimiter) {
		l.anonymousIP = enabled
	}
}

// RateLimitTrustProxy takes the client IP of anonymous requests from
// X-Forwarded-For / X-Real-IP. See ClientIP.
func RateLimitTrustProxy() RateLimitOption {
	return func(l *RateLimiter) {
		l.trustProxy = true
	}
}

// NewRateLimiter creates middleware enforcing rule with limiter.
func NewRateLimiter(limiter *Limiter, rule Rule, opts ...RateLimitOption) *RateLimiter {
	l := &RateLimiter{
		limiter:     limiter,
		rule:        rule,
		headerMode:  RateLimitHeadersAlways,
		anonymousIP: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handler returns the rate limiting middleware.
// Sets the following headers based on header mode:
//   - RateLimit-Limit: The rate limit ceiling for the current window
//   - RateLimit-Remaining: Number of requests remaining in the current window
//   - RateLimit-Reset: Unix timestamp when the current window resets
//   - Retry-After: (only when limited) Seconds until the window resets
//
// Returns 429 (Too Many Requests) with a RateLimitedBody when the limit is exceeded.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := IdentityFromContext(r.Context())
		if !ok {
			if !l.anonymousIP {
				next.ServeHTTP(w, r)
				return
			}
			key = "ip:" + ClientIP(r, l.trustProxy)
		}

		d := l.limiter.Allow(r.Context(), key, l.rule)

		if l.headerMode == RateLimitHeadersAlways || (l.headerMode == RateLimitHeadersOnLimitExceeded && !d.Allowed) {
			SetHeader(w, r, "RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			SetHeader(w, r, "RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			SetHeader(w, r, "RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}

		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		logFields(r.Context(), map[string]any{
			"rate_limited":   true,
			"rate_limit_key": l.rule.Category,
		})

		retryAfter := d.RetryAfterSeconds()
		SetHeader(w, r, "Retry-After", strconv.FormatInt(retryAfter, 10))
		SetResponse(w, r, http.StatusTooManyRequests, RateLimitedBody{
			Error:      "rate_limited",
			RetryAfter: retryAfter,
			Limit:      d.Limit,
			Remaining:  d.Remaining,
			ResetTime:  d.ResetAt.UTC(),
		})
	})
}
