package uploadguard

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Admin serves the operator endpoints for counters and quotas.
// Mount it behind APIKey.
type Admin struct {
	limiter    *Limiter
	accountant *Accountant
	logger     *zap.Logger
}

// NewAdmin creates the admin handlers. A nil logger is replaced by a no-op logger.
func NewAdmin(limiter *Limiter, accountant *Accountant, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admin{limiter: limiter, accountant: accountant, logger: logger}
}

// ResetLimitRequest is the body of POST /admin/limits/reset.
type ResetLimitRequest struct {
	Identity string `json:"identity" validate:"required,max=256"`
	Category string `json:"category" validate:"required,max=64,category"`
}

// ResetQuotaRequest is the body of POST /admin/quota/reset.
type ResetQuotaRequest struct {
	Identity string `json:"identity" validate:"required,max=256"`
}

// QuotaReport is the body of GET /admin/quota/{identity}.
type QuotaReport struct {
	Identity  string      `json:"identity"`
	Limits    QuotaLimits `json:"limits"`
	Usage     QuotaUsage  `json:"usage"`
	CheckedAt time.Time   `json:"checkedAt"`
}

// maxAdminBodyBytes caps admin request bodies.
const maxAdminBodyBytes = 64 << 10

// Routes mounts the admin endpoints on r.
func (a *Admin) Routes(r chi.Router) {
	r.Use(MaxBodySize(maxAdminBodyBytes))
	r.Post("/limits/reset", a.ResetLimit)
	r.Get("/quota/{identity}", a.GetQuota)
	r.Post("/quota/reset", a.ResetQuota)
}

// ResetLimit clears one rate limit counter.
func (a *Admin) ResetLimit(w http.ResponseWriter, r *http.Request) {
	var req ResetLimitRequest
	if !BindJSON(w, r, &req) {
		return
	}
	if err := a.limiter.Reset(r.Context(), req.Identity, req.Category); err != nil {
		a.logger.Error("reset rate limit failed",
			zap.String("identity", req.Identity),
			zap.String("category", req.Category),
			zap.Error(err))
		SetError(w, r, ErrInternal)
		return
	}
	a.logger.Info("rate limit reset",
		zap.String("identity", req.Identity),
		zap.String("category", req.Category))
	SetResponse(w, r, http.StatusNoContent, nil)
}

// GetQuota reports the current usage of an identity.
func (a *Admin) GetQuota(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if identity == "" {
		SetError(w, r, ErrNotFound)
		return
	}
	usage, err := a.accountant.Usage(r.Context(), identity)
	if err != nil {
		a.logger.Error("read quota usage failed", zap.String("identity", identity), zap.Error(err))
		SetError(w, r, ErrServiceUnavailable.With("Quota usage is unavailable"))
		return
	}
	SetResponse(w, r, http.StatusOK, QuotaReport{
		Identity:  identity,
		Limits:    a.accountant.Limits(),
		Usage:     usage,
		CheckedAt: a.accountant.now().UTC(),
	})
}

// ResetQuota clears the current daily and monthly buckets of an identity.
func (a *Admin) ResetQuota(w http.ResponseWriter, r *http.Request) {
	var req ResetQuotaRequest
	if !BindJSON(w, r, &req) {
		return
	}
	if err := a.accountant.ResetUsage(r.Context(), req.Identity); err != nil {
		a.logger.Error("reset quota failed", zap.String("identity", req.Identity), zap.Error(err))
		SetError(w, r, ErrInternal)
		return
	}
	a.logger.Info("quota reset", zap.String("identity", req.Identity))
	SetResponse(w, r, http.StatusNoContent, nil)
}

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus is the body of GET /healthz.
type HealthStatus struct {
	Status      string `json:"status"`
	SharedStore string `json:"sharedStore,omitempty"`
}

// HealthHandler reports "ok", or "degraded" when shared is unreachable. Both are
// 200: the local store keeps serving while the shared one is down. A nil shared
// store means the service runs on local counters only.
func HealthHandler(shared Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if shared == nil {
			SetResponse(w, r, http.StatusOK, HealthStatus{Status: "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := shared.Ping(ctx); err != nil {
			logFields(r.Context(), map[string]any{"shared_store_error": err.Error()})
			SetResponse(w, r, http.StatusOK, HealthStatus{Status: "degraded", SharedStore: "unreachable"})
			return
		}
		SetResponse(w, r, http.StatusOK, HealthStatus{Status: "ok", SharedStore: "ok"})
	}
}
