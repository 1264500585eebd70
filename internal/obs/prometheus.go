package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus holds the keeper's Prometheus collectors. A nil *Prometheus is valid.
type Prometheus struct {
	Grants       *prometheus.CounterVec
	WaitSeconds  *prometheus.HistogramVec
	BudgetHealth *prometheus.GaugeVec
	Queued       *prometheus.GaugeVec

	Reprices   *prometheus.CounterVec
	Reconciles *prometheus.CounterVec

	Fills            *prometheus.CounterVec
	FillLatencySecs  *prometheus.HistogramVec
	ActiveOrders     prometheus.Gauge
	CloseOutcomes    *prometheus.CounterVec
	AsymmetricPairs  *prometheus.CounterVec
	BalanceTransfers *prometheus.CounterVec
}

// NewPrometheus creates and registers all collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		Grants: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_ratelimit_grants_total",
			Help: "Rate limiter grants by exchange and priority",
		}, []string{"exchange", "priority"}),
		WaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keeper_ratelimit_wait_seconds",
			Help:    "Time spent queued before a grant",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		}, []string{"exchange", "priority"}),
		BudgetHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_ratelimit_budget_health",
			Help: "Remaining fraction of the tighter rate window",
		}, []string{"exchange"}),
		Queued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_ratelimit_queued",
			Help: "Requests waiting for budget",
		}, []string{"exchange"}),
		Reprices: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_reprices_total",
			Help: "Reprice attempts by exchange and result",
		}, []string{"exchange", "result"}),
		Reconciles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_reconciles_total",
			Help: "Reconciliation decisions by exchange and outcome",
		}, []string{"exchange", "outcome"}),
		Fills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_fills_total",
			Help: "Fills observed by exchange",
		}, []string{"exchange"}),
		FillLatencySecs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keeper_fill_latency_seconds",
			Help:    "Time from order placement to fill detection",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"exchange"}),
		ActiveOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_active_orders",
			Help: "Live entries in the order registry",
		}),
		CloseOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_close_outcomes_total",
			Help: "Close-all results per position",
		}, []string{"outcome"}),
		AsymmetricPairs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_asymmetric_resolutions_total",
			Help: "Asymmetric fill resolutions by action",
		}, []string{"action"}),
		BalanceTransfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_balance_transfers_total",
			Help: "Deposits and withdrawals by exchange, direction and result",
		}, []string{"exchange", "direction", "result"}),
	}
}

// ObserveGrant records a rate limiter grant and the time it waited.
func (p *Prometheus) ObserveGrant(exchange, priority string, wait time.Duration) {
	if p == nil {
		return
	}
	p.Grants.WithLabelValues(exchange, priority).Inc()
	p.WaitSeconds.WithLabelValues(exchange, priority).Observe(wait.Seconds())
}

// SetBudget publishes the current health and queue depth of an exchange's budget.
func (p *Prometheus) SetBudget(exchange string, health float64, queued int) {
	if p == nil {
		return
	}
	p.BudgetHealth.WithLabelValues(exchange).Set(health)
	p.Queued.WithLabelValues(exchange).Set(float64(queued))
}

// SetActiveOrders publishes the registry size.
func (p *Prometheus) SetActiveOrders(n int) {
	if p == nil {
		return
	}
	p.ActiveOrders.Set(float64(n))
}

// IncClose counts one close-all outcome.
func (p *Prometheus) IncClose(outcome string) {
	if p == nil {
		return
	}
	p.CloseOutcomes.WithLabelValues(outcome).Inc()
}

// IncAsymmetric counts one asymmetric-fill resolution.
func (p *Prometheus) IncAsymmetric(action string) {
	if p == nil {
		return
	}
	p.AsymmetricPairs.WithLabelValues(action).Inc()
}

// IncTransfer counts one balance transfer.
func (p *Prometheus) IncTransfer(exchange, direction string, err error) {
	if p == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.BalanceTransfers.WithLabelValues(exchange, direction, result).Inc()
}

func (p *Prometheus) incReprice(exchange string, ok bool) {
	if p == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	p.Reprices.WithLabelValues(exchange, result).Inc()
}

func (p *Prometheus) incReconcile(exchange, outcome string) {
	if p == nil {
		return
	}
	p.Reconciles.WithLabelValues(exchange, outcome).Inc()
}

func (p *Prometheus) observeFill(exchange string, d time.Duration) {
	if p == nil {
		return
	}
	p.Fills.WithLabelValues(exchange).Inc()
	p.FillLatencySecs.WithLabelValues(exchange).Observe(d.Seconds())
}
