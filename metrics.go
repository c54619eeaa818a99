package uploadguard

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for limiter and quota decisions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions      *prometheus.CounterVec
	quotaDecisions *prometheus.CounterVec
	recordedMB     prometheus.Counter
	storeErrors    *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uploadguard",
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit decisions by category and result.",
		}, []string{"category", "result"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uploadguard",
			Name:      "quota_decisions_total",
			Help:      "Upload quota checks by result.",
		}, []string{"result"}),
		recordedMB: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uploadguard",
			Name:      "quota_recorded_megabytes_total",
			Help:      "Megabytes committed to upload quotas.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uploadguard",
			Name:      "store_errors_total",
			Help:      "Counter store failures that were absorbed by failing open.",
		}, []string{"operation"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uploadguard",
			Name:      "store_fallbacks_total",
			Help:      "Shared store calls served by the local fallback.",
		}, []string{"op"}),
	}

	for _, c := range []prometheus.Collector{m.decisions, m.quotaDecisions, m.recordedMB, m.storeErrors, m.fallbacks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveFallback counts a shared store failure. Its signature matches store.ErrorHook.
func (m *Metrics) ObserveFallback(_ context.Context, op string, _ error) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(op).Inc()
}

func (m *Metrics) decision(category string, allowed bool) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(category, result(allowed)).Inc()
}

func (m *Metrics) quotaDecision(allowed bool) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(result(allowed)).Inc()
}

func (m *Metrics) quotaRecorded(mb int64) {
	if m == nil {
		return
	}
	m.recordedMB.Add(float64(mb))
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func result(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
