package ratelimit

import (
	"context"
	"sync"
	"time"

	"keeper/internal/adapter/enum"
	"keeper/internal/errors"
	"keeper/internal/obs"
)

const (
	secondWindow = time.Second
	minuteWindow = time.Minute

	// emergencyAllowance is how far EMERGENCY requests may run past the minute cap.
	emergencyAllowance = 1.1
)

// Limits are the request weight caps of one exchange.
type Limits struct {
	PerSecond int `json:"perSecond"`
	PerMinute int `json:"perMinute"`
}

// Usage is a point-in-time view of one exchange's budget.
type Usage struct {
	Exchange     string
	SecondWeight int
	MinuteWeight int
	SecondCap    int
	MinuteCap    int
	Queued       int
	BudgetHealth float64
}

// Limiter keeps a sliding-window request budget per exchange. Waiters are served in
// priority order, FIFO within a priority.
type Limiter struct {
	mu       sync.Mutex
	defaults Limits
	limits   map[string]Limits
	buckets  map[string]*bucket
	prom     *obs.Prometheus
}

// New creates a limiter. Exchanges without an entry in limits use defaults.
func New(defaults Limits, limits map[string]Limits, prom *obs.Prometheus) *Limiter {
	l := &Limiter{
		defaults: defaults,
		limits:   make(map[string]Limits, len(limits)),
		buckets:  make(map[string]*bucket),
		prom:     prom,
	}
	for name, lim := range limits {
		l.limits[name] = lim
	}
	return l
}

// Acquire blocks until weight units of exchange's budget are granted. The only error is
// the end of ctx, in which case nothing is consumed.
func (l *Limiter) Acquire(ctx context.Context, exchange string, weight int, priority enum.Priority) error {
	if weight <= 0 {
		weight = 1
	}
	if !priority.IsAvailable() {
		priority = enum.PriorityNormal
	}

	start := time.Now()
	l.mu.Lock()
	b := l.bucketLocked(exchange)
	b.prune(start)
	if b.admit(weight, priority, len(b.queue) == 0) {
		b.record(start, weight)
		l.publishLocked(b)
		l.mu.Unlock()
		l.prom.ObserveGrant(exchange, priority.String(), 0)
		return nil
	}

	w := &waiter{
		weight:   weight,
		priority: priority,
		ready:    make(chan struct{}),
	}
	b.enqueue(w)
	l.scheduleLocked(b, start)
	l.publishLocked(b)
	l.mu.Unlock()

	select {
	case <-w.ready:
		l.prom.ObserveGrant(exchange, priority.String(), time.Since(start))
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		if w.granted {
			l.prom.ObserveGrant(exchange, priority.String(), time.Since(start))
			return nil
		}
		b.remove(w)
		l.dispatchLocked(b)
		return errors.Wrapf(ctx.Err(), "acquire %d on %s", weight, exchange)
	}
}

// TryAcquire grants weight only if it fits immediately.
func (l *Limiter) TryAcquire(exchange string, weight int, priority enum.Priority) bool {
	if weight <= 0 {
		weight = 1
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(exchange)
	b.prune(now)
	if !b.admit(weight, priority, len(b.queue) == 0) {
		return false
	}
	b.record(now, weight)
	l.publishLocked(b)
	return true
}

// Usage returns the current budget of exchange.
func (l *Limiter) Usage(exchange string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(exchange)
	b.prune(time.Now())
	return b.usage()
}

// BudgetHealth returns the remaining fraction of exchange's tighter window.
func (l *Limiter) BudgetHealth(exchange string) float64 {
	return l.Usage(exchange).BudgetHealth
}

// WorstHealth returns the lowest budget health across exchanges, 1 when none are given.
func (l *Limiter) WorstHealth(exchanges ...string) float64 {
	worst := 1.0
	for _, name := range exchanges {
		if h := l.BudgetHealth(name); h < worst {
			worst = h
		}
	}
	return worst
}

// SetLimits replaces the caps of one exchange and re-evaluates its waiters.
func (l *Limiter) SetLimits(exchange string, lim Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[exchange] = lim
	if b, ok := l.buckets[exchange]; ok {
		b.limits = lim
		l.dispatchLocked(b)
	}
}

// SetDefaults replaces the caps used by exchanges without explicit limits.
func (l *Limiter) SetDefaults(lim Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaults = lim
	for name, b := range l.buckets {
		if _, ok := l.limits[name]; ok {
			continue
		}
		b.limits = lim
		l.dispatchLocked(b)
	}
}

// Close stops pending timers. Waiters stay blocked until their context ends.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.buckets {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
	}
}

func (l *Limiter) bucketLocked(exchange string) *bucket {
	b, ok := l.buckets[exchange]
	if ok {
		return b
	}
	lim, ok := l.limits[exchange]
	if !ok {
		lim = l.defaults
	}
	b = &bucket{name: exchange, limits: lim}
	l.buckets[exchange] = b
	return b
}

// dispatchLocked grants queued waiters from the head while they fit, then arms the timer
// for the new head.
func (l *Limiter) dispatchLocked(b *bucket) {
	now := time.Now()
	b.prune(now)
	for len(b.queue) != 0 {
		head := b.queue[0]
		if !b.admit(head.weight, head.priority, true) {
			break
		}
		b.record(now, head.weight)
		b.queue = b.queue[1:]
		head.granted = true
		close(head.ready)
	}
	l.scheduleLocked(b, now)
	l.publishLocked(b)
}

func (l *Limiter) scheduleLocked(b *bucket, now time.Time) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) == 0 {
		return
	}
	head := b.queue[0]
	d, ok := b.delay(now, head.weight, head.priority)
	if !ok {
		return
	}
	b.timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.dispatchLocked(b)
	})
}

func (l *Limiter) publishLocked(b *bucket) {
	if l.prom == nil {
		return
	}
	u := b.usage()
	l.prom.SetBudget(b.name, u.BudgetHealth, u.Queued)
}
