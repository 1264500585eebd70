package obs

import (
	"sync/atomic"
	"time"
)

// Reconcile outcomes.
const (
	OutcomeFilled    = "filled"
	OutcomeCancelled = "cancelled"
	OutcomeAmbiguous = "ambiguous"
)

// Metrics collects lightweight counters and latency stats. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reprices        uint64
	repriceFailures uint64
	reconciled      [3]uint64
	queueDrops      uint64
	queueClosed     uint64
	sweepsSkipped   uint64

	fillLatency LatencyStats

	prom *Prometheus
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Reprices        uint64
	RepriceFailures uint64
	Reconciled      map[string]uint64
	QueueDrops      uint64
	QueueClosed     uint64
	SweepsSkipped   uint64
	FillLatency     LatencySnapshot
}

// NewMetrics allocates a metrics container. prom may be nil.
func NewMetrics(prom *Prometheus) *Metrics {
	return &Metrics{prom: prom}
}

// Prometheus returns the attached collectors, nil when none.
func (m *Metrics) Prometheus() *Prometheus {
	if m == nil {
		return nil
	}
	return m.prom
}

// ObserveReprice counts one reprice attempt on exchange.
func (m *Metrics) ObserveReprice(exchange string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		atomic.AddUint64(&m.repriceFailures, 1)
	} else {
		atomic.AddUint64(&m.reprices, 1)
	}
	m.prom.incReprice(exchange, err == nil)
}

// ObserveReconcile counts one reconciliation decision.
func (m *Metrics) ObserveReconcile(exchange, outcome string) {
	if m == nil {
		return
	}
	if idx := reconcileIndex(outcome); idx >= 0 {
		atomic.AddUint64(&m.reconciled[idx], 1)
	}
	m.prom.incReconcile(exchange, outcome)
}

// ObserveFill records fill detection latency.
func (m *Metrics) ObserveFill(exchange string, d time.Duration) {
	if m == nil {
		return
	}
	m.fillLatency.Observe(d)
	m.prom.observeFill(exchange, d)
}

// FillLatency returns the aggregated fill latency.
func (m *Metrics) FillLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.fillLatency.Snapshot()
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// IncSweepSkipped records a sweep skipped because the previous one was still running.
func (m *Metrics) IncSweepSkipped() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sweepsSkipped, 1)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	reconciled := make(map[string]uint64)
	for i, name := range []string{OutcomeFilled, OutcomeCancelled, OutcomeAmbiguous} {
		if v := atomic.LoadUint64(&m.reconciled[i]); v > 0 {
			reconciled[name] = v
		}
	}
	return Snapshot{
		Reprices:        atomic.LoadUint64(&m.reprices),
		RepriceFailures: atomic.LoadUint64(&m.repriceFailures),
		Reconciled:      reconciled,
		QueueDrops:      atomic.LoadUint64(&m.queueDrops),
		QueueClosed:     atomic.LoadUint64(&m.queueClosed),
		SweepsSkipped:   atomic.LoadUint64(&m.sweepsSkipped),
		FillLatency:     m.fillLatency.Snapshot(),
	}
}

func reconcileIndex(outcome string) int {
	switch outcome {
	case OutcomeFilled:
		return 0
	case OutcomeCancelled:
		return 1
	case OutcomeAmbiguous:
		return 2
	default:
		return -1
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
