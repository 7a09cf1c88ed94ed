// Package metrics manages Prometheus instrumentation for the reconciliation
// engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics instruments reconciliation passes and platform calls.
type EngineMetrics struct {
	passesTotal     *prometheus.CounterVec
	stalePassTotal  prometheus.Counter
	connectTotal    *prometheus.CounterVec
	catalogTotal    *prometheus.CounterVec
	upsertTotal     *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	subscriptionOn  prometheus.Gauge
}

var (
	engineMetricsInstance *EngineMetrics
	engineMetricsOnce     sync.Once
)

// Get returns the singleton engine metrics instance.
func Get() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetricsInstance = newEngineMetrics()
	})
	return engineMetricsInstance
}

func newEngineMetrics() *EngineMetrics {
	m := &EngineMetrics{
		passesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courtside",
				Subsystem: "entitlements",
				Name:      "reconcile_passes_total",
				Help:      "Total reconciliation passes by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		stalePassTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "courtside",
				Subsystem: "entitlements",
				Name:      "reconcile_stale_passes_total",
				Help:      "Reconciliation passes discarded because a newer pass was requested",
			},
		),
		connectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courtside",
				Subsystem: "entitlements",
				Name:      "platform_connect_attempts_total",
				Help:      "Billing platform connection attempts by result",
			},
			[]string{"result"},
		),
		catalogTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courtside",
				Subsystem: "entitlements",
				Name:      "catalog_fetches_total",
				Help:      "Product catalog fetches by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		upsertTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courtside",
				Subsystem: "entitlements",
				Name:      "remote_upserts_total",
				Help:      "Remote entitlement upserts by outcome",
			},
			[]string{"outcome"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courtside",
				Subsystem: "entitlements",
				Name:      "purchase_events_total",
				Help:      "Purchase lifecycle events received by type",
			},
			[]string{"type"},
		),
		subscriptionOn: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "courtside",
				Subsystem: "entitlements",
				Name:      "subscription_active",
				Help:      "Whether the reconciled subscription status is active",
			},
		),
	}

	prometheus.MustRegister(
		m.passesTotal,
		m.stalePassTotal,
		m.connectTotal,
		m.catalogTotal,
		m.upsertTotal,
		m.eventsTotal,
		m.subscriptionOn,
	)

	return m
}

// RecordPass records a completed reconciliation pass.
func (m *EngineMetrics) RecordPass(trigger, outcome string) {
	if trigger == "" {
		trigger = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.passesTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordStalePass records a pass discarded by the generation check.
func (m *EngineMetrics) RecordStalePass() {
	m.stalePassTotal.Inc()
}

// RecordConnect records a platform connection attempt.
func (m *EngineMetrics) RecordConnect(result string) {
	if result == "" {
		result = "unknown"
	}
	m.connectTotal.WithLabelValues(result).Inc()
}

// RecordCatalogFetch records a catalog fetch by selected method.
func (m *EngineMetrics) RecordCatalogFetch(method, outcome string) {
	if method == "" {
		method = "none"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.catalogTotal.WithLabelValues(method, outcome).Inc()
}

// RecordUpsert records a remote entitlement upsert.
func (m *EngineMetrics) RecordUpsert(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.upsertTotal.WithLabelValues(outcome).Inc()
}

// RecordEvent records a received purchase lifecycle event.
func (m *EngineMetrics) RecordEvent(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

// SetSubscriptionActive reflects the committed status on the gauge.
func (m *EngineMetrics) SetSubscriptionActive(active bool) {
	if active {
		m.subscriptionOn.Set(1)
		return
	}
	m.subscriptionOn.Set(0)
}
