package uploadguard

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

type quotaContextKey string

const quotaDecisionKey quotaContextKey = "quota_decision"

// QuotaExceededBody is the JSON body of a 429 quota response.
type QuotaExceededBody struct {
	Error  string     `json:"error"`
	Reason string     `json:"reason"`
	Usage  QuotaUsage `json:"usage"`
}

type uploadQuotaConfig struct {
	maxBytes int64
}

// UploadQuotaOption configures UploadQuota.
type UploadQuotaOption func(*uploadQuotaConfig)

// WithMaxUploadBytes rejects single uploads larger than n bytes with 413.
// Zero disables the check.
func WithMaxUploadBytes(n int64) UploadQuotaOption {
	return func(c *uploadQuotaConfig) {
		c.maxBytes = n
	}
}

// UploadQuota returns middleware that checks the upload quota of the request's
// identity before the upload handler runs. The upload size is taken from
// Content-Length.
//
// Returns:
//   - 401 (Unauthorized) when the request has no identity
//   - 411 (Length Required) when Content-Length is unknown
//   - 413 (Payload Too Large) when the upload exceeds WithMaxUploadBytes
//   - 429 (Too Many Requests) with a QuotaExceededBody when the quota would be exceeded
//
// The check does not consume quota. Once the upload is accepted the handler must
// call Accountant.RecordUsage with the bytes actually stored.
func UploadQuota(a *Accountant, opts ...UploadQuotaOption) func(http.Handler) http.Handler {
	cfg := &uploadQuotaConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				SetError(w, r, ErrUnauthorized.With("Uploads require an authenticated identity"))
				return
			}

			size := r.ContentLength
			if size < 0 {
				SetError(w, r, ErrLengthRequired)
				return
			}
			if cfg.maxBytes > 0 && size > cfg.maxBytes {
				SetError(w, r, ErrPayloadTooLarge.With(fmt.Sprintf("Upload exceeds the %d byte limit", cfg.maxBytes)))
				return
			}

			d := a.CheckQuota(r.Context(), identity, size)

			SetHeader(w, r, "X-Quota-Daily-Remaining-MB", strconv.FormatInt(d.Usage.DailyRemainingMB, 10))
			SetHeader(w, r, "X-Quota-Monthly-Remaining-MB", strconv.FormatInt(d.Usage.MonthlyRemainingMB, 10))

			if !d.Allowed {
				logFields(r.Context(), map[string]any{"quota_exceeded": true})
				SetResponse(w, r, http.StatusTooManyRequests, QuotaExceededBody{
					Error:  "quota_exceeded",
					Reason: d.Reason,
					Usage:  d.Usage,
				})
				return
			}

			ctx := context.WithValue(r.Context(), quotaDecisionKey, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// QuotaDecisionFromContext returns the decision made by UploadQuota for this request.
func QuotaDecisionFromContext(ctx context.Context) (QuotaDecision, bool) {
	d, ok := ctx.Value(quotaDecisionKey).(QuotaDecision)
	return d, ok
}
