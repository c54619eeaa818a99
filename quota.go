package uploadguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nhalm/uploadguard/store"
)

const (
	bytesPerMB = 1 << 20

	// Buckets outlive their calendar period so late writes near midnight and
	// admin reads right after rollover still find them.
	dailyRetention   = 25 * time.Hour
	monthlyRetention = 32 * 24 * time.Hour
)

// ErrInvalidQuota is returned when quota limits are misconfigured.
var ErrInvalidQuota = errors.New("uploadguard: invalid quota limits")

// QuotaLimits are the per-identity upload ceilings in megabytes (MiB).
type QuotaLimits struct {
	DailyMB   int64
	MonthlyMB int64
}

// QuotaUsage is the derived view over an identity's daily and monthly buckets.
type QuotaUsage struct {
	DailyUsedMB        int64 `json:"dailyUsedMB"`
	MonthlyUsedMB      int64 `json:"monthlyUsedMB"`
	DailyRemainingMB   int64 `json:"dailyRemainingMB"`
	MonthlyRemainingMB int64 `json:"monthlyRemainingMB"`
}

// QuotaDecision is the outcome of CheckQuota.
type QuotaDecision struct {
	Allowed bool       `json:"allowed"`
	Reason  string     `json:"reason,omitempty"`
	Usage   QuotaUsage `json:"usage"`
}

// BytesToMB converts a byte count to whole megabytes, rounding up.
// Non-positive counts are 0.
func BytesToMB(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + bytesPerMB - 1) / bytesPerMB
}

// Accountant tracks upload volume per identity in calendar-aligned daily and
// monthly buckets. Checking and recording are separate steps: CheckQuota only
// reads, and RecordUsage is called once the upload has actually been accepted, so
// rejected or failed uploads never consume quota.
type Accountant struct {
	store   store.Store
	limits  QuotaLimits
	now     func() time.Time
	loc     *time.Location
	logger  *zap.Logger
	metrics *Metrics
}

// AccountantOption configures an Accountant.
type AccountantOption func(*Accountant)

// WithAccountantClock replaces the time source. Intended for tests.
func WithAccountantClock(now func() time.Time) AccountantOption {
	return func(a *Accountant) {
		a.now = now
	}
}

// WithLocation sets the time zone that defines calendar days and months (default UTC).
func WithLocation(loc *time.Location) AccountantOption {
	return func(a *Accountant) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// WithAccountantLogger sets the logger for store failures.
func WithAccountantLogger(logger *zap.Logger) AccountantOption {
	return func(a *Accountant) {
		a.logger = logger
	}
}

// WithAccountantMetrics records quota decisions and failures in m.
func WithAccountantMetrics(m *Metrics) AccountantOption {
	return func(a *Accountant) {
		a.metrics = m
	}
}

// NewAccountant creates an accountant. Both limits must be positive.
func NewAccountant(st store.Store, limits QuotaLimits, opts ...AccountantOption) (*Accountant, error) {
	if limits.DailyMB <= 0 || limits.MonthlyMB <= 0 {
		return nil, fmt.Errorf("%w: daily and monthly limits must be positive, got %d and %d",
			ErrInvalidQuota, limits.DailyMB, limits.MonthlyMB)
	}

	a := &Accountant{
		store:  st,
		limits: limits,
		now:    time.Now,
		loc:    time.UTC,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Limits returns the configured ceilings.
func (a *Accountant) Limits() QuotaLimits {
	return a.limits
}

// CheckQuota reports whether adding amountBytes would exceed the daily or monthly
// ceiling. It never records usage. If the buckets cannot be read the upload is
// allowed.
func (a *Accountant) CheckQuota(ctx context.Context, identity string, amountBytes int64) QuotaDecision {
	usage, err := a.Usage(ctx, identity)
	if err != nil {
		a.logger.Error("quota check failed, allowing upload",
			zap.String("identity", identity),
			zap.Error(err))
		a.metrics.storeError("quota_check")
		return QuotaDecision{Allowed: true, Usage: a.usage(0, 0)}
	}

	mb := BytesToMB(amountBytes)
	d := QuotaDecision{Allowed: true, Usage: usage}

	switch {
	case usage.DailyUsedMB+mb > a.limits.DailyMB:
		d.Allowed = false
		d.Reason = fmt.Sprintf("daily upload limit of %d MB exceeded (%d MB used, %d MB requested)",
			a.limits.DailyMB, usage.DailyUsedMB, mb)
	case usage.MonthlyUsedMB+mb > a.limits.MonthlyMB:
		d.Allowed = false
		d.Reason = fmt.Sprintf("monthly upload limit of %d MB exceeded (%d MB used, %d MB requested)",
			a.limits.MonthlyMB, usage.MonthlyUsedMB, mb)
	}

	a.metrics.quotaDecision(d.Allowed)
	return d
}

// RecordUsage adds amountBytes, rounded up to whole megabytes, to both buckets.
// Failures are logged and swallowed: the upload has already been accepted.
func (a *Accountant) RecordUsage(ctx context.Context, identity string, amountBytes int64) {
	mb := BytesToMB(amountBytes)
	if mb == 0 {
		return
	}

	day, month := a.bucketKeys(identity)
	recorded := false
	if _, _, err := a.store.Increment(ctx, day, dailyRetention, mb); err != nil {
		a.recordFailed(identity, "daily", mb, err)
	} else {
		recorded = true
	}
	if _, _, err := a.store.Increment(ctx, month, monthlyRetention, mb); err != nil {
		a.recordFailed(identity, "monthly", mb, err)
	} else {
		recorded = true
	}
	if recorded {
		a.metrics.quotaRecorded(mb)
	}
}

// Usage returns the current usage of identity.
func (a *Accountant) Usage(ctx context.Context, identity string) (QuotaUsage, error) {
	day, month := a.bucketKeys(identity)

	daily, err := a.store.Get(ctx, day)
	if err != nil {
		return QuotaUsage{}, fmt.Errorf("read daily usage: %w", err)
	}
	monthly, err := a.store.Get(ctx, month)
	if err != nil {
		return QuotaUsage{}, fmt.Errorf("read monthly usage: %w", err)
	}
	return a.usage(daily, monthly), nil
}

// ResetUsage clears the current daily and monthly buckets of identity.
func (a *Accountant) ResetUsage(ctx context.Context, identity string) error {
	day, month := a.bucketKeys(identity)
	return errors.Join(a.store.Reset(ctx, day), a.store.Reset(ctx, month))
}

func (a *Accountant) usage(daily, monthly int64) QuotaUsage {
	return QuotaUsage{
		DailyUsedMB:        daily,
		MonthlyUsedMB:      monthly,
		DailyRemainingMB:   max(0, a.limits.DailyMB-daily),
		MonthlyRemainingMB: max(0, a.limits.MonthlyMB-monthly),
	}
}

func (a *Accountant) bucketKeys(identity string) (day, month string) {
	now := a.now().In(a.loc)
	return "quota:day:" + identity + ":" + now.Format(time.DateOnly),
		"quota:month:" + identity + ":" + now.Format("2006-01")
}

func (a *Accountant) recordFailed(identity, bucket string, mb int64, err error) {
	a.logger.Error("failed to record upload usage",
		zap.String("identity", identity),
		zap.String("bucket", bucket),
		zap.Int64("mb", mb),
		zap.Error(err))
	a.metrics.storeError("quota_record")
}
