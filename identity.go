package uploadguard

// Identity resolution and admin authentication middleware.
//
// Authentication itself is an external concern: these middleware only place an
// already-resolved identity (a user ID) in the request context for the limiter
// and quota middleware to key on.

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

type identityContextKey string

const identityKey identityContextKey = "identity"

// IdentityResolver maps a bearer token to an identity.
// It returns false when the token is not valid.
//
// Resolvers are called concurrently and must be safe for concurrent use.
type IdentityResolver func(ctx context.Context, token string) (identity string, ok bool)

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the resolved identity, if any.
func IdentityFromContext(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityKey).(string)
	return identity, ok && identity != ""
}

// IdentityFromHeader returns middleware that takes the identity from a header set by
// a trusted upstream (for example an auth gateway). Requests without the header
// continue anonymously.
//
// SECURITY: only use behind a proxy that strips this header from client requests.
func IdentityFromHeader(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := strings.TrimSpace(r.Header.Get(header))
			if identity == "" {
				next.ServeHTTP(w, r)
				return
			}
			logFields(r.Context(), map[string]any{"identity": identity})
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

type bearerConfig struct {
	optional bool
}

// BearerOption configures IdentityFromBearer.
type BearerOption func(*bearerConfig)

// WithOptionalBearer lets requests without an Authorization header continue
// anonymously. Malformed or invalid tokens are still rejected.
func WithOptionalBearer() BearerOption {
	return func(c *bearerConfig) {
		c.optional = true
	}
}

// IdentityFromBearer returns middleware that resolves the identity from an
// "Authorization: Bearer <token>" header. Returns 401 (Unauthorized) if the token
// is missing (unless optional), malformed, or rejected by the resolver.
func IdentityFromBearer(resolve IdentityResolver, opts ...BearerOption) func(http.Handler) http.Handler {
	cfg := &bearerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				SetError(w, r, ErrUnauthorized.With("Missing authorization header"))
				return
			}

			// RFC 7235: "Bearer" scheme is case-insensitive
			if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
				SetError(w, r, ErrUnauthorized.With("Invalid authorization format"))
				return
			}

			token := strings.TrimSpace(auth[7:])
			if token == "" {
				SetError(w, r, ErrUnauthorized.With("Empty bearer token"))
				return
			}

			identity, ok := resolve(r.Context(), token)
			if !ok || identity == "" {
				SetError(w, r, ErrUnauthorized.With("Invalid bearer token"))
				return
			}

			logFields(r.Context(), map[string]any{"identity": identity})
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// APIKey returns middleware that requires the given key in the X-API-Key header.
// Used to guard the admin routes. Returns 401 (Unauthorized) on a missing or wrong key.
// An empty key rejects every request.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if got == "" {
				SetError(w, r, ErrUnauthorized.With("Missing API key"))
				return
			}
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				SetError(w, r, ErrUnauthorized.With("Invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the client address of r. With trustProxy the first address in
// X-Forwarded-For (or X-Real-IP) wins; otherwise RemoteAddr is used.
//
// SECURITY: only trust proxy headers behind a reverse proxy that sets them.
// Without one, clients can spoof X-Forwarded-For to dodge limits.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				xff = xff[:idx]
			}
			if ip := strings.TrimSpace(xff); ip != "" {
				return ip
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
