package fill

import (
	"sync"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/obs"
	"keeper/internal/registry"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const (
	defaultCapacity = 1000
	// seenFactor sizes the duplicate filter relative to the ring buffer.
	seenFactor = 4
)

// Listener is notified of every accepted fill.
type Listener func(adapter.FillEvent)

// Stats summarizes the fills seen so far.
type Stats struct {
	Count       int
	PerExchange map[string]int
	Reconciled  int
	Unmatched   int
	Duplicates  int
	Latency     obs.LatencySnapshot
}

// Monitor consumes fill pushes, clears filled legs from the registry and keeps recent
// fills for diagnostics. The push path is the primary source of truth for fills.
type Monitor struct {
	registry *registry.Registry
	metrics  *obs.Metrics

	mu          sync.Mutex
	ring        []adapter.FillEvent
	next        int
	size        int
	seen        map[string]struct{}
	seenOrder   []string
	seenNext    int
	perExchange map[string]int
	count       int
	reconciled  int
	unmatched   int
	duplicates  int
	latency     obs.LatencyStats
	listeners   []Listener
	unsubscribe []func()
}

// New creates a monitor keeping the last capacity fills.
func New(reg *registry.Registry, capacity int, metrics *obs.Metrics) *Monitor {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Monitor{
		registry:    reg,
		metrics:     metrics,
		ring:        make([]adapter.FillEvent, capacity),
		seen:        make(map[string]struct{}, capacity*seenFactor),
		seenOrder:   make([]string, capacity*seenFactor),
		perExchange: make(map[string]int),
	}
}

// Attach subscribes to one exchange's fill and order-update channels.
func (m *Monitor) Attach(exchange string, source adapter.FillStream, normalize adapter.Normalizer) {
	if source == nil || normalize == nil {
		return
	}
	unsubFill := source.OnFill(func(payload any) {
		ev, err := normalize(payload)
		if err != nil {
			logs.Errorf("normalize %s fill, err: %+v", exchange, err)
			return
		}
		if ev.Exchange == "" {
			ev.Exchange = exchange
		}
		m.Handle(ev)
	})
	unsubUpdate := source.OnOrderUpdate(func(u adapter.OrderUpdate) {
		if u.Exchange == "" {
			u.Exchange = exchange
		}
		m.HandleOrderUpdate(u)
	})

	m.mu.Lock()
	m.unsubscribe = append(m.unsubscribe, unsubFill, unsubUpdate)
	m.mu.Unlock()
}

// OnFill registers a listener for accepted fills.
func (m *Monitor) OnFill(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Handle processes one normalized fill. It returns false for a duplicate.
func (m *Monitor) Handle(ev adapter.FillEvent) bool {
	ev.DetectedAt = time.Now()
	if !m.markSeen(ev.Key()) {
		return false
	}

	order, _, found := m.registry.ApplyFill(ev.Exchange, ev.OrderID, ev.Size)
	if found {
		ev.Latency = ev.DetectedAt.Sub(order.OrderPlacedAt)
		if ev.Symbol == "" {
			ev.Symbol = order.Symbol
		}
		if !ev.Side.IsAvailable() {
			ev.Side = order.Side
		}
		m.metrics.ObserveFill(ev.Exchange, ev.Latency)
	}
	m.record(ev, found)
	return true
}

// Reconciled records a fill the repricer inferred from order status or a position delta
// and clears the leg. filled is the total filled size of the leg.
func (m *Monitor) Reconciled(order registry.ActiveOrder, filled decimal.Decimal) {
	now := time.Now()
	size := filled.Sub(order.FilledSize)
	m.registry.ClearOrder(order.Key(), order.OrderID)
	if !size.IsPositive() {
		return
	}
	ev := adapter.FillEvent{
		Exchange:   order.Exchange,
		OrderID:    order.OrderID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      order.Price,
		Size:       size,
		Timestamp:  now,
		DetectedAt: now,
		Latency:    now.Sub(order.OrderPlacedAt),
		Reconciled: true,
	}
	m.metrics.ObserveFill(ev.Exchange, ev.Latency)
	m.markSeen(ev.Key())
	m.record(ev, true)
}

// HandleOrderUpdate clears legs whose order the exchange reports cancelled or rejected.
// Legs a reprice attempt is working on are left to that attempt.
func (m *Monitor) HandleOrderUpdate(u adapter.OrderUpdate) {
	switch u.Status {
	case enum.OrderStatusCancelled, enum.OrderStatusRejected:
	default:
		return
	}
	order, ok := m.registry.FindByOrderID(u.Exchange, u.OrderID)
	if !ok || m.registry.IsClaimed(order.Key()) {
		return
	}
	if m.registry.ClearOrder(order.Key(), u.OrderID) {
		logs.Infof("order %s on %s %s, leg %s released", u.OrderID, u.Exchange, u.Status, order.Key())
	}
}

func (m *Monitor) markSeen(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		m.duplicates++
		return false
	}
	if old := m.seenOrder[m.seenNext]; old != "" {
		delete(m.seen, old)
	}
	m.seenOrder[m.seenNext] = key
	m.seenNext = (m.seenNext + 1) % len(m.seenOrder)
	m.seen[key] = struct{}{}
	return true
}

func (m *Monitor) record(ev adapter.FillEvent, matched bool) {
	m.mu.Lock()
	m.ring[m.next] = ev
	m.next = (m.next + 1) % len(m.ring)
	if m.size < len(m.ring) {
		m.size++
	}
	m.count++
	m.perExchange[ev.Exchange]++
	if ev.Reconciled {
		m.reconciled++
	}
	if !matched {
		m.unmatched++
	} else {
		m.latency.Observe(ev.Latency)
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// Recent returns up to n of the latest fills, oldest first.
func (m *Monitor) Recent(n int) []adapter.FillEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > m.size {
		n = m.size
	}
	out := make([]adapter.FillEvent, 0, n)
	start := (m.next - n + len(m.ring)) % len(m.ring)
	for i := range n {
		out = append(out, m.ring[(start+i)%len(m.ring)])
	}
	return out
}

// Statistics returns counts and latency of the fills seen so far.
func (m *Monitor) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	per := make(map[string]int, len(m.perExchange))
	for k, v := range m.perExchange {
		per[k] = v
	}
	return Stats{
		Count:       m.count,
		PerExchange: per,
		Reconciled:  m.reconciled,
		Unmatched:   m.unmatched,
		Duplicates:  m.duplicates,
		Latency:     m.latency.Snapshot(),
	}
}

// Close unsubscribes from every attached channel.
func (m *Monitor) Close() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	for _, fn := range unsubscribe {
		if fn != nil {
			fn()
		}
	}
}
