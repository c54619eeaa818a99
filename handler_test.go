package uploadguard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

func TestHandler_SuccessResponse(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetResponse(w, r, http.StatusCreated, map[string]string{"id": "123"})
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["id"] != "123" {
		t.Errorf("expected id=123, got %s", body["id"])
	}
}

func TestHandler_ErrorResponse(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetError(w, r, ErrNotFound.With("Job not found"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	var body map[string]*APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["error"].Type != "not_found" {
		t.Errorf("expected type not_found, got %s", body["error"].Type)
	}
	if body["error"].Message != "Job not found" {
		t.Errorf("expected message 'Job not found', got %s", body["error"].Message)
	}
}

func TestHandler_ErrorTakesPrecedence(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetResponse(w, r, http.StatusOK, map[string]string{"status": "ok"})
		SetError(w, r, ErrUnauthorized)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestHandler_PanicRecovery(t *testing.T) {
	handler := Handler(WithCanonlog())(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}

	var body map[string]*APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["error"].Type != "internal_error" {
		t.Errorf("expected type internal_error, got %s", body["error"].Type)
	}
}

func TestHandler_Headers(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetHeader(w, r, "RateLimit-Remaining", "99")
		SetResponse(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("RateLimit-Remaining"); got != "99" {
		t.Errorf("expected RateLimit-Remaining=99, got %s", got)
	}
}

func TestHandler_EmptyResponse(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestHandler_StatusOnlyResponse(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetResponse(w, r, http.StatusNoContent, nil)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

func TestResponse_WithoutHandler(t *testing.T) {
	tests := []struct {
		name       string
		write      func(http.ResponseWriter, *http.Request)
		wantStatus int
		wantBody   bool
	}{
		{
			name:       "error",
			write:      func(w http.ResponseWriter, r *http.Request) { SetError(w, r, ErrBadRequest) },
			wantStatus: http.StatusBadRequest,
			wantBody:   true,
		},
		{
			name: "response",
			write: func(w http.ResponseWriter, r *http.Request) {
				SetResponse(w, r, http.StatusAccepted, map[string]string{"ok": "yes"})
			},
			wantStatus: http.StatusAccepted,
			wantBody:   true,
		},
		{
			name:       "status only",
			write:      func(w http.ResponseWriter, r *http.Request) { SetResponse(w, r, http.StatusNoContent, nil) },
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			rec := httptest.NewRecorder()

			tt.write(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := rec.Body.Len() > 0; got != tt.wantBody {
				t.Errorf("expected body present=%v, got %q", tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestHasState(t *testing.T) {
	var hasStateInHandler bool

	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		hasStateInHandler = HasState(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !hasStateInHandler {
		t.Error("expected HasState to return true inside Handler")
	}
	if HasState(httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context()) {
		t.Error("expected HasState to return false without Handler")
	}
}

func TestAPIError_Is(t *testing.T) {
	err := ErrNotFound.With("Job not found")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("expected errors.Is not to match ErrUnauthorized")
	}
}

func TestAPIError_WithNilReceiver(t *testing.T) {
	var e *APIError
	if e.With("message") != nil {
		t.Error("expected nil from With on nil receiver")
	}
	if e.WithParam("message", "id") != nil {
		t.Error("expected nil from WithParam on nil receiver")
	}
}

func TestAPIError_WithParam(t *testing.T) {
	err := ErrBadRequest.WithParam("Job id must be a UUID", "id")

	if err.Param != "id" {
		t.Errorf("expected param id, got %s", err.Param)
	}
	if err.Message != "Job id must be a UUID" {
		t.Errorf("expected custom message, got %s", err.Message)
	}
	if ErrBadRequest.Param != "" {
		t.Error("expected WithParam to leave the sentinel unchanged")
	}
	if !errors.Is(err, ErrBadRequest) {
		t.Error("expected errors.Is to match ErrBadRequest")
	}
}

func TestAllSentinelErrors(t *testing.T) {
	tests := []struct {
		err    *APIError
		status int
	}{
		{ErrBadRequest, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrNotFound, http.StatusNotFound},
		{ErrLengthRequired, http.StatusLengthRequired},
		{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{ErrInternal, http.StatusInternalServerError},
		{ErrServiceUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if tt.err.Status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, tt.err.Status)
			}
			if tt.err.Type == "" || tt.err.Message == "" {
				t.Errorf("expected type and message, got %+v", tt.err)
			}
		})
	}
}

func TestValidationError_JSONFormat(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetError(w, r, NewValidationError([]FieldError{
			{Param: "identity", Code: "required", Message: "required"},
		}))
	}))

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	var body struct {
		Error struct {
			Type   string       `json:"type"`
			Errors []FieldError `json:"errors"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Error.Type != "validation_error" {
		t.Errorf("expected type validation_error, got %s", body.Error.Type)
	}
	if len(body.Error.Errors) != 1 || body.Error.Errors[0].Param != "identity" {
		t.Errorf("expected one field error for identity, got %+v", body.Error.Errors)
	}
}

func TestHandler_ConcurrentMixedOperations(t *testing.T) {
	const goroutines = 50

	handler := Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wg sync.WaitGroup
		wg.Add(goroutines * 3)

		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				SetError(w, r, ErrNotFound)
			}()
			go func(idx int) {
				defer wg.Done()
				SetResponse(w, r, http.StatusOK, map[string]int{"id": idx})
			}(i)
			go func() {
				defer wg.Done()
				SetHeader(w, r, "X-Test", "value")
			}()
		}

		wg.Wait()
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if rec.Header().Get("X-Test") != "value" {
		t.Errorf("expected X-Test=value, got %s", rec.Header().Get("X-Test"))
	}
}

func TestWithCanonlog_CreatesLogger(t *testing.T) {
	var loggerFound bool

	handler := Handler(WithCanonlog())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, loggerFound = canonlog.TryGetLogger(r.Context())
		SetResponse(w, r, http.StatusOK, nil)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !loggerFound {
		t.Error("expected canonlog logger to be in context")
	}
}

func TestWithCanonlog_Disabled(t *testing.T) {
	var loggerFound bool

	handler := Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, loggerFound = canonlog.TryGetLogger(r.Context())
		SetResponse(w, r, http.StatusOK, nil)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if loggerFound {
		t.Error("expected canonlog logger to not be in context when disabled")
	}
}

func TestWithCanonlog_RoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Handler(WithCanonlog(), WithCanonlogFields(func(r *http.Request) map[string]any {
		return map[string]any{"user_agent": r.UserAgent()}
	})))
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		SetResponse(w, r, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id")})
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/42", http.NoBody)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestWithRequestID(t *testing.T) {
	handler := Handler(WithRequestID(), WithCanonlog())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetResponse(w, r, http.StatusOK, nil)
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		if len(rec.Header().Get(RequestIDHeader)) != 36 {
			t.Errorf("expected generated UUID, got %q", rec.Header().Get(RequestIDHeader))
		}
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header.Set(RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected req-123, got %q", got)
		}
	})
}

func TestLogFallback_WithoutCanonlog(t *testing.T) {
	// Must not panic when no canonical logger is in context.
	LogFallback(context.Background(), "increment", errors.New("connection refused"))
}
