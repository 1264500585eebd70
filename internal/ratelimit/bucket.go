package ratelimit

import (
	"time"

	"keeper/internal/adapter/enum"
)

type entry struct {
	at     time.Time
	weight int
}

type waiter struct {
	weight   int
	priority enum.Priority
	ready    chan struct{}
	granted  bool
}

// bucket is one exchange's sliding windows and wait queue. All methods require the
// limiter lock.
type bucket struct {
	name   string
	limits Limits

	second    []entry
	minute    []entry
	secondSum int
	minuteSum int

	queue []*waiter
	timer *time.Timer
}

func (b *bucket) prune(now time.Time) {
	b.second, b.secondSum = pruneWindow(b.second, b.secondSum, now, secondWindow)
	b.minute, b.minuteSum = pruneWindow(b.minute, b.minuteSum, now, minuteWindow)
}

func pruneWindow(entries []entry, sum int, now time.Time, window time.Duration) ([]entry, int) {
	i := 0
	for ; i < len(entries); i++ {
		if now.Sub(entries[i].at) < window {
			break
		}
		sum -= entries[i].weight
	}
	if i == len(entries) {
		return entries[:0], 0
	}
	return entries[i:], sum
}

func (b *bucket) record(now time.Time, weight int) {
	e := entry{at: now, weight: weight}
	b.second = append(b.second, e)
	b.minute = append(b.minute, e)
	b.secondSum += weight
	b.minuteSum += weight
}

// admit reports whether weight fits now. EMERGENCY ignores the queue and the per-second
// cap but stays within the minute allowance.
func (b *bucket) admit(weight int, priority enum.Priority, queueEmpty bool) bool {
	if priority == enum.PriorityEmergency {
		return b.limits.PerMinute > 0 && float64(b.minuteSum+weight) <= emergencyCap(b.limits.PerMinute)
	}
	if !queueEmpty {
		return false
	}
	return b.fits(weight)
}

func (b *bucket) fits(weight int) bool {
	if b.limits.PerSecond <= 0 || b.limits.PerMinute <= 0 {
		return false
	}
	return b.secondSum+weight <= b.limits.PerSecond && b.minuteSum+weight <= b.limits.PerMinute
}

// delay returns how long until weight fits, false when it never will under the current
// caps.
func (b *bucket) delay(now time.Time, weight int, priority enum.Priority) (time.Duration, bool) {
	if priority == enum.PriorityEmergency {
		if b.limits.PerMinute <= 0 {
			return 0, false
		}
		return windowDelay(b.minute, b.minuteSum, weight, emergencyCap(b.limits.PerMinute), now, minuteWindow)
	}
	if b.limits.PerSecond <= 0 || b.limits.PerMinute <= 0 {
		return 0, false
	}
	ds, ok := windowDelay(b.second, b.secondSum, weight, float64(b.limits.PerSecond), now, secondWindow)
	if !ok {
		return 0, false
	}
	dm, ok := windowDelay(b.minute, b.minuteSum, weight, float64(b.limits.PerMinute), now, minuteWindow)
	if !ok {
		return 0, false
	}
	return max(ds, dm), true
}

func windowDelay(entries []entry, sum, weight int, limit float64, now time.Time, window time.Duration) (time.Duration, bool) {
	if float64(weight) > limit {
		return 0, false
	}
	if float64(sum+weight) <= limit {
		return 0, true
	}
	for _, e := range entries {
		sum -= e.weight
		if float64(sum+weight) <= limit {
			return max(e.at.Add(window).Sub(now), 0), true
		}
	}
	return 0, true
}

// enqueue inserts w after every waiter of equal or higher priority.
func (b *bucket) enqueue(w *waiter) {
	i := len(b.queue)
	for j, q := range b.queue {
		if q.priority < w.priority {
			i = j
			break
		}
	}
	b.queue = append(b.queue, nil)
	copy(b.queue[i+1:], b.queue[i:])
	b.queue[i] = w
}

func (b *bucket) remove(w *waiter) {
	for i, q := range b.queue {
		if q == w {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

func (b *bucket) usage() Usage {
	return Usage{
		Exchange:     b.name,
		SecondWeight: b.secondSum,
		MinuteWeight: b.minuteSum,
		SecondCap:    b.limits.PerSecond,
		MinuteCap:    b.limits.PerMinute,
		Queued:       len(b.queue),
		BudgetHealth: health(b.secondSum, b.limits.PerSecond, b.minuteSum, b.limits.PerMinute),
	}
}

func health(s, sCap, m, mCap int) float64 {
	remaining := func(used, limit int) float64 {
		if limit <= 0 {
			return 0
		}
		return 1 - float64(used)/float64(limit)
	}
	return max(0, min(remaining(s, sCap), remaining(m, mCap)))
}

func emergencyCap(perMinute int) float64 {
	return float64(perMinute) * emergencyAllowance
}
