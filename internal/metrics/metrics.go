package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus instruments.
type Metrics struct {
	ChatRequestsTotal *prometheus.CounterVec // by outcome
	ChatDuration      prometheus.Histogram

	LedgerOperationsTotal *prometheus.CounterVec // by kind and result
	LedgerCreditsTotal    *prometheus.CounterVec // credits moved, by kind
	RefundsTotal          *prometheus.CounterVec // by result
	RefundFailuresTotal   prometheus.Counter

	SkillCallDuration *prometheus.HistogramVec // by result
	PricingCacheTotal *prometheus.CounterVec   // by result: hit/miss

	UnreconciledDebits prometheus.Gauge
	ReconcileRunsTotal *prometheus.CounterVec // by result
	AlarmsDelivered    *prometheus.CounterVec // by result
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChatRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillchat_chat_requests_total",
				Help: "Chat turns handled, by outcome",
			},
			[]string{"outcome"},
		),
		ChatDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "skillchat_chat_duration_seconds",
				Help:    "End to end duration of a chat turn",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		LedgerOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillchat_ledger_operations_total",
				Help: "Ledger debit and credit operations",
			},
			[]string{"kind", "result"},
		),
		LedgerCreditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillchat_ledger_credits_total",
				Help: "Credits moved through the ledger",
			},
			[]string{"kind"},
		),
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillchat_refunds_total",
				Help: "Compensating refunds issued after a failed turn",
			},
			[]string{"result"},
		),
		RefundFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skillchat_refund_failures_total",
				Help: "Refunds that could not be applied; each one is an unreconciled balance",
			},
		),
		SkillCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skillchat_skill_call_duration_seconds",
				Help:    "Duration of calls to the skill execution service",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"result"},
		),
		PricingCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillchat_pricing_cache_total",
				Help: "Pricing cache lookups",
			},
			[]string{"result"},
		),
		UnreconciledDebits: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "skillchat_unreconciled_debits",
				Help: "Debits found by the last sweep with neither a reply nor a refund",
			},
		),
		ReconcileRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillchat_reconcile_runs_total",
				Help: "Reconciliation sweeps, by result",
			},
			[]string{"result"},
		),
		AlarmsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skillchat_alarms_delivered_total",
				Help: "Refund alarms forwarded to the ops webhook",
			},
			[]string{"result"},
		),
	}
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Get returns the process-wide instruments registered on the default registry.
func Get() *Metrics {
	once.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewForRegistry registers a fresh set of instruments on reg. Tests use it to
// read values without touching the global registry.
func NewForRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}
