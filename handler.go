package uploadguard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nhalm/canonlog"
)

// RequestIDHeader carries the request ID assigned by WithRequestID.
const RequestIDHeader = "X-Request-ID"

// HandlerOption configures the Handler middleware.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	requestID      bool
}

// WithCanonlog enables one canonical log line per request with method, path, route,
// status and duration_ms. Middleware in this package adds identity, rate limit and
// fallback fields to the same line.
func WithCanonlog() HandlerOption {
	return func(c *handlerConfig) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log entry.
// Called at request start, before the handler executes.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *handlerConfig) {
		c.canonlogFields = fn
	}
}

// WithRequestID assigns a random request ID when the request has none, and echoes
// it in the X-Request-ID response header.
func WithRequestID() HandlerOption {
	return func(c *handlerConfig) {
		c.requestID = true
	}
}

// Handler returns middleware that collects the response in request state and writes
// it after the chain returns. Panics become 500 responses.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &handlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)

			var requestID string
			if cfg.requestID {
				requestID = r.Header.Get(RequestIDHeader)
				if requestID == "" {
					requestID = uuid.NewString()
				}
				w.Header().Set(RequestIDHeader, requestID)
			}

			start := time.Now()
			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if requestID != "" {
					canonlog.InfoAdd(ctx, "request_id", requestID)
				}
				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()

					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				if cfg.canonlog {
					state.mu.Lock()
					if state.err != nil && state.err.Status >= http.StatusInternalServerError {
						canonlog.ErrorAdd(ctx, state.err)
					}
					state.mu.Unlock()

					route := r.URL.Path
					if rctx := chi.RouteContext(ctx); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							route = pattern
						}
					}

					canonlog.InfoAddMany(ctx, map[string]any{
						"route":       route,
						"status":      state.statusOf(),
						"duration_ms": time.Since(start).Milliseconds(),
					})
					canonlog.Flush(ctx)
				}

				writeState(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func writeState(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	switch {
	case state.err != nil:
		writeJSON(w, state.err.Status, errorResponse{Error: state.err})
	case state.body != nil:
		writeJSON(w, state.status, state.body)
	case state.status != 0:
		w.WriteHeader(state.status)
	}
}

// logFields adds fields to the request's canonical log line when canonlog is enabled.
func logFields(ctx context.Context, fields map[string]any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
	}
}

// LogFallback is a store.ErrorHook that annotates the request's canonical log line
// when a shared store call was served by the local fallback.
func LogFallback(ctx context.Context, op string, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAdd(ctx, "counter_fallback", op)
		canonlog.InfoAdd(ctx, "counter_fallback_error", err.Error())
	}
}
