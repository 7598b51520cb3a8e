package gatekeeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gatekeeper's Prometheus collectors.
type Metrics struct {
	Decisions     *prometheus.CounterVec
	Rejections    *prometheus.CounterVec
	AuditEvents   *prometheus.CounterVec
	SweepEvicted  *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	StoreEntries  *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_decisions_total",
			Help: "Requests that passed or failed the gatekeeper, by action",
		}, []string{"action", "decision"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_rejections_total",
			Help: "Requests rejected by the gatekeeper, by stage and code",
		}, []string{"stage", "code"}),
		AuditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_audit_events_total",
			Help: "Security audit events emitted, by event type",
		}, []string{"event"}),
		SweepEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_sweep_evicted_total",
			Help: "Entries reclaimed by the cleanup sweeper, by store",
		}, []string{"store"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_sweep_duration_seconds",
			Help:    "Time spent sweeping a single store",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		StoreEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatekeeper_store_entries",
			Help: "Entries held in each in-memory store after the last sweep",
		}, []string{"store"}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.Rejections, m.AuditEvents, m.SweepEvicted, m.SweepDuration, m.StoreEntries)
	}
	return m
}

func (m *Metrics) observeSweep(store string, evicted int, took time.Duration) {
	m.SweepEvicted.WithLabelValues(store).Add(float64(evicted))
	m.SweepDuration.Observe(took.Seconds())
}
