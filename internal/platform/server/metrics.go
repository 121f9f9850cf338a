package server

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
)

const metricsNamespace = "karnalix"

type Metrics struct {
	ledgerPostsTotal     *prometheus.CounterVec
	ledgerInvariantTotal prometheus.Counter
	reconcileRunsTotal   *prometheus.CounterVec
	openAlerts           prometheus.Gauge
	loginAttemptsTotal   *prometheus.CounterVec
	lockoutActivations   prometheus.Counter
	betsTotal            *prometheus.CounterVec
	settlementsTotal     *prometheus.CounterVec
	settledMinorTotal    prometheus.Counter
	paymentsTotal        *prometheus.CounterVec
	rateLimitedTotal     *prometheus.CounterVec
	bonusSweepRunsTotal  *prometheus.CounterVec
	bonusExpiredTotal    prometheus.Counter
	bonusSweepLastUnix   prometheus.Gauge
}

// NewMetrics registers the service collectors with reg, or with the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ledgerPostsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "posts_total",
				Help:      "Total ledger posts by transaction type and result.",
			},
			[]string{"type", "result"},
		),
		ledgerInvariantTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "invariant_violations_total",
				Help:      "Total posts rejected for breaking a ledger invariant.",
			},
		),
		reconcileRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "reconcile_runs_total",
				Help:      "Total reconciliation runs partitioned by result.",
			},
			[]string{"result"},
		),
		openAlerts: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "open_alerts",
				Help:      "Current count of unresolved reconciliation alerts.",
			},
		),
		loginAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "identity",
				Name:      "login_attempts_total",
				Help:      "Total login attempts by result.",
			},
			[]string{"result"},
		),
		lockoutActivations: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "identity",
				Name:      "lockout_activations_total",
				Help:      "Total login lockout activations.",
			},
		),
		betsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "betting",
				Name:      "bets_total",
				Help:      "Total bet events by funding wallet and status.",
			},
			[]string{"wallet", "status"},
		),
		settlementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "settlement",
				Name:      "executed_total",
				Help:      "Total executed settlements by direction.",
			},
			[]string{"direction"},
		),
		settledMinorTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "settlement",
				Name:      "settled_minor_total",
				Help:      "Absolute settled amount in minor units.",
			},
		),
		paymentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "payments",
				Name:      "reviewed_total",
				Help:      "Total closed payment requests by kind and status.",
			},
			[]string{"kind", "status"},
		),
		rateLimitedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by a rate limit, by operation.",
			},
			[]string{"operation"},
		),
		bonusSweepRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "bonus",
				Name:      "sweep_runs_total",
				Help:      "Total bonus expiry sweeps partitioned by result.",
			},
			[]string{"result"},
		),
		bonusExpiredTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "bonus",
				Name:      "expired_total",
				Help:      "Total bonuses expired by the sweep.",
			},
		),
		bonusSweepLastUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "bonus",
				Name:      "sweep_last_run_unix",
				Help:      "Unix time of the most recent bonus sweep.",
			},
		),
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) ObserveLedgerPost(txType ledger.TxType, err error) {
	if m == nil {
		return
	}
	m.ledgerPostsTotal.WithLabelValues(string(txType), outcomeLabel(err)).Inc()
	if errors.Is(err, ledger.ErrLedgerInvariant) {
		m.ledgerInvariantTotal.Inc()
	}
}

func (m *Metrics) ObserveReconciliation(balanced bool) {
	if m == nil {
		return
	}
	outcome := "balanced"
	if !balanced {
		outcome = "mismatch"
	}
	m.reconcileRunsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetOpenAlerts(n int) {
	if m == nil {
		return
	}
	m.openAlerts.Set(float64(n))
}

func (m *Metrics) ObserveLogin(outcome string) {
	if m == nil {
		return
	}
	m.loginAttemptsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveLockout() {
	if m == nil {
		return
	}
	m.lockoutActivations.Inc()
}

func (m *Metrics) ObserveBet(wallet ledger.WalletType, status BetStatus) {
	if m == nil {
		return
	}
	m.betsTotal.WithLabelValues(string(wallet), string(status)).Inc()
}

func (m *Metrics) ObserveSettlement(total int64) {
	if m == nil {
		return
	}
	direction := "to_superior"
	if total < 0 {
		direction = "from_superior"
		total = -total
	}
	m.settlementsTotal.WithLabelValues(direction).Inc()
	m.settledMinorTotal.Add(float64(total))
}

func (m *Metrics) ObservePayment(kind PaymentKind, status PaymentStatus) {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) ObserveRateLimited(operation string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveBonusSweep(expired int, err error) {
	if m == nil {
		return
	}
	m.bonusSweepLastUnix.Set(float64(time.Now().UTC().Unix()))
	m.bonusSweepRunsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	if expired > 0 {
		m.bonusExpiredTotal.Add(float64(expired))
	}
}
