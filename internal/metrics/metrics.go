package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's collectors. A nil *Metrics is valid and
// records nothing, which keeps tests and library callers free of registries.
type Metrics struct {
	calculations     *prometheus.CounterVec
	pointsAwarded    *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	cacheInvalidated *prometheus.CounterVec
	ledgerRejected   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewards_calculations_total",
			Help: "Points calculations by mode and reason code.",
		}, []string{"mode", "reason"}),
		pointsAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewards_points_awarded_total",
			Help: "Points awarded by persisted calculations, split into base and bonus.",
		}, []string{"kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewards_usage_cache_lookups_total",
			Help: "Cap usage cache lookups by result.",
		}, []string{"result"}),
		cacheInvalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewards_usage_cache_invalidations_total",
			Help: "Cap usage cache invalidations by scope.",
		}, []string{"scope"}),
		ledgerRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rewards_incomplete_ledger_total",
			Help: "Calculations refused because the ledger slice did not cover the cap period.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.calculations,
			m.pointsAwarded,
			m.cacheLookups,
			m.cacheInvalidated,
			m.ledgerRejected,
		)
	}
	return m
}

func (m *Metrics) Calculation(mode, reason string) {
	if m == nil {
		return
	}
	m.calculations.WithLabelValues(mode, reason).Inc()
}

func (m *Metrics) PointsAwarded(base, bonus int64) {
	if m == nil {
		return
	}
	m.pointsAwarded.WithLabelValues("base").Add(float64(base))
	m.pointsAwarded.WithLabelValues("bonus").Add(float64(bonus))
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) CacheInvalidated(scope string) {
	if m == nil {
		return
	}
	m.cacheInvalidated.WithLabelValues(scope).Inc()
}

func (m *Metrics) LedgerRejected() {
	if m == nil {
		return
	}
	m.ledgerRejected.Inc()
}
