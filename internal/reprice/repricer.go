package reprice

import (
	"context"
	"sync"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/errors"
	"keeper/internal/obs"
	"keeper/internal/ratelimit"
	"keeper/internal/registry"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// FillSink receives fills the repricer inferred instead of observing them on a push
// channel. filled is the total filled size of the leg.
type FillSink interface {
	Reconciled(order registry.ActiveOrder, filled decimal.Decimal)
}

type bookKey struct {
	exchange string
	symbol   string
}

// Repricer keeps resting maker orders at the best competitive price.
type Repricer struct {
	venues   adapter.Venues
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	fills    FillSink
	metrics  *obs.Metrics

	mu          sync.Mutex
	cfg         Config
	lastAttempt map[registry.Key]time.Time
	watches     map[bookKey]func()
	ticks       map[bookKey]decimal.Decimal

	// ctx outlives any single caller; book watches and reactive attempts run under it.
	ctx    context.Context
	cancel context.CancelFunc

	inflight sync.WaitGroup
}

// New creates a repricer. fills may be nil, in which case inferred fills only update
// the registry.
func New(cfg Config, venues adapter.Venues, reg *registry.Registry, limiter *ratelimit.Limiter, fills FillSink, metrics *obs.Metrics) *Repricer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Repricer{
		ctx:         ctx,
		cancel:      cancel,
		venues:      venues,
		registry:    reg,
		limiter:     limiter,
		fills:       fills,
		metrics:     metrics,
		cfg:         cfg.withDefaults(),
		lastAttempt: make(map[registry.Key]time.Time),
		watches:     make(map[bookKey]func()),
		ticks:       make(map[bookKey]decimal.Decimal),
	}
}

// Config returns the current policy.
func (r *Repricer) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetConfig replaces the policy.
func (r *Repricer) SetConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg.withDefaults()
}

// Reprice runs one reprice attempt on order. It reports whether the order was moved.
// Attempts on a leg another attempt is working on return false without doing anything.
func (r *Repricer) Reprice(ctx context.Context, order registry.ActiveOrder, urgent bool) (bool, error) {
	key := order.Key()
	if !r.registry.Claim(key) {
		return false, nil
	}
	defer r.registry.Release(key)

	cur, ok := r.registry.Get(key)
	if !ok || cur.OrderID == "" || cur.OrderID != order.OrderID || cur.Aggressive || cur.Status.IsTerminal() {
		return false, nil
	}

	venue, ok := r.venues[cur.Exchange]
	if !ok {
		return false, errors.Wrapf(exception.ErrUnknownExchange, "reprice on %s", cur.Exchange)
	}
	book, ok := venue.Book.BestBidAsk(cur.Symbol)
	if !ok {
		return false, errors.Wrapf(exception.ErrBookUnavailable, "reprice %s", key)
	}
	tick, err := r.tickSize(ctx, venue.Exchange, cur.Symbol)
	if err != nil {
		return false, err
	}
	action, ok := Decide(cur, book, tick, urgent)
	if !ok {
		return false, nil
	}

	moved, err := r.execute(ctx, venue.Exchange, cur, action)
	r.metrics.ObserveReprice(cur.Exchange, err)
	return moved, err
}

func (r *Repricer) execute(ctx context.Context, ex adapter.Exchange, cur registry.ActiveOrder, action Action) (bool, error) {
	key := cur.Key()
	priority := enum.PriorityNormal
	if action.Urgent {
		priority = enum.PriorityHigh
	}

	filled := cur.FilledSize
	if err := r.acquire(ctx, cur.Exchange, priority); err != nil {
		return false, err
	}
	state, err := ex.OrderStatus(ctx, cur.OrderID, cur.Symbol)
	if err == nil {
		switch state.Status {
		case enum.OrderStatusFilled:
			r.markFilled(cur, decimal.Max(state.FilledSize, cur.Size))
			return false, nil
		case enum.OrderStatusCancelled, enum.OrderStatusRejected:
			r.registry.ClearOrder(key, cur.OrderID)
			return false, nil
		}
		filled = decimal.Max(filled, state.FilledSize)
	}

	remaining := cur.Size.Sub(filled)
	if !remaining.IsPositive() {
		return false, nil
	}
	req := adapter.OrderRequest{
		Symbol:      cur.Symbol,
		Side:        cur.Side,
		Type:        enum.OrderTypeLimit,
		TimeInForce: enum.OrderTimeInForceALO,
		Price:       action.Price,
		Size:        remaining,
		ReduceOnly:  cur.ReduceOnly,
	}

	if mod, ok := ex.(adapter.Modifier); ok {
		if err := r.acquire(ctx, cur.Exchange, priority); err != nil {
			return false, err
		}
		res, err := mod.ModifyOrder(ctx, cur.OrderID, req)
		if err != nil {
			return false, r.reconcile(ctx, ex, cur, errors.Mark(errors.Wrapf(err, "modify %s", key), exception.ErrAdapterFailure))
		}
		orderID := res.OrderID
		if orderID == "" {
			orderID = cur.OrderID
		}
		return true, r.registry.UpdateStatus(key, registry.Update{
			OrderID:    orderID,
			Price:      action.Price,
			RepricedAt: time.Now(),
		})
	}

	if err := r.acquire(ctx, cur.Exchange, priority); err != nil {
		return false, err
	}
	if err := ex.CancelOrder(ctx, cur.OrderID, cur.Symbol); err != nil {
		return false, r.reconcile(ctx, ex, cur, errors.Mark(errors.Wrapf(err, "cancel %s", key), exception.ErrAdapterFailure))
	}

	// Fills of the old order can land between the first status read and the cancel.
	filled, done, err := r.filledAfterCancel(ctx, ex, cur, filled, priority)
	if err != nil {
		r.registry.ClearOrder(key, cur.OrderID)
		return false, errors.Mark(errors.Wrapf(err, "replace %s", key), exception.ErrOrderOrphaned)
	}
	if done {
		return false, nil
	}
	req.Size = cur.Size.Sub(filled)

	if err := r.acquire(ctx, cur.Exchange, priority); err != nil {
		r.registry.ClearOrder(key, cur.OrderID)
		return false, errors.Mark(errors.Wrapf(err, "replace %s", key), exception.ErrOrderOrphaned)
	}
	res, err := ex.PlaceOrder(ctx, req)
	if err != nil {
		r.registry.ClearOrder(key, cur.OrderID)
		return false, errors.Mark(errors.Wrapf(err, "replace %s", key), exception.ErrOrderOrphaned)
	}

	if err := r.registry.UpdateStatus(key, registry.Update{
		OrderID:    res.OrderID,
		Price:      action.Price,
		FilledSize: &filled,
		RepricedAt: time.Now(),
	}); err != nil {
		r.cancelUntracked(ctx, ex, res.OrderID, cur.Symbol)
		return false, err
	}
	r.afterPlace(key, res)
	return true, nil
}

// filledAfterCancel rereads the filled size of a cancelled order. done reports that
// nothing is left to replace; the leg has then been handed off or cleared.
func (r *Repricer) filledAfterCancel(ctx context.Context, ex adapter.Exchange, cur registry.ActiveOrder, filled decimal.Decimal, priority enum.Priority) (decimal.Decimal, bool, error) {
	if err := r.acquire(ctx, cur.Exchange, priority); err != nil {
		return filled, false, err
	}
	if state, err := ex.OrderStatus(ctx, cur.OrderID, cur.Symbol); err != nil {
		logs.Errorf("status of %s after cancel, err: %+v", cur.Key(), err)
	} else {
		filled = decimal.Max(filled, state.FilledSize)
	}
	if now, ok := r.registry.Get(cur.Key()); ok && now.OrderID == cur.OrderID {
		filled = decimal.Max(filled, now.FilledSize)
	}
	if filled.LessThan(cur.Size) {
		return filled, false, nil
	}
	r.markFilled(cur, cur.Size)
	return filled, true, nil
}

// reconcile classifies a leg whose reprice failed. A structured status read decides
// first; without one, the position delta since placement does. It never clears a leg it
// cannot classify.
func (r *Repricer) reconcile(ctx context.Context, ex adapter.Exchange, cur registry.ActiveOrder, cause error) error {
	key := cur.Key()
	if err := r.acquire(ctx, cur.Exchange, enum.PriorityHigh); err != nil {
		return errors.Join(cause, err)
	}
	if state, err := ex.OrderStatus(ctx, cur.OrderID, cur.Symbol); err == nil {
		switch state.Status {
		case enum.OrderStatusFilled:
			r.metrics.ObserveReconcile(cur.Exchange, obs.OutcomeFilled)
			r.markFilled(cur, decimal.Max(state.FilledSize, cur.Size))
			return nil
		case enum.OrderStatusCancelled, enum.OrderStatusRejected:
			r.metrics.ObserveReconcile(cur.Exchange, obs.OutcomeCancelled)
			r.registry.ClearOrder(key, cur.OrderID)
			return nil
		default:
			return cause
		}
	}

	cfg := r.Config()
	if cur.InitialPositionSize == nil {
		r.metrics.ObserveReconcile(cur.Exchange, obs.OutcomeAmbiguous)
		return errors.Join(errors.Wrapf(exception.ErrReconciliationAmbiguous, "%s has no position snapshot", key), cause)
	}
	if err := r.acquire(ctx, cur.Exchange, enum.PriorityHigh); err != nil {
		return errors.Join(cause, err)
	}
	positions, err := ex.Positions(ctx)
	if err != nil {
		r.metrics.ObserveReconcile(cur.Exchange, obs.OutcomeAmbiguous)
		return errors.Join(errors.Wrapf(exception.ErrReconciliationAmbiguous, "%s positions unavailable: %v", key, err), cause)
	}

	delta := adapter.SignedSize(positions, cur.Symbol).Sub(*cur.InitialPositionSize)
	if cur.Side == enum.SideShort {
		delta = delta.Neg()
	}
	switch {
	case delta.GreaterThanOrEqual(cfg.FillDeltaThreshold.Mul(cur.Size)):
		r.metrics.ObserveReconcile(cur.Exchange, obs.OutcomeFilled)
		r.markFilled(cur, decimal.Min(delta, cur.Size))
		return nil
	case delta.Abs().LessThanOrEqual(cfg.FlatTolerance):
		r.metrics.ObserveReconcile(cur.Exchange, obs.OutcomeCancelled)
		r.registry.ClearOrder(key, cur.OrderID)
		return nil
	default:
		r.metrics.ObserveReconcile(cur.Exchange, obs.OutcomeAmbiguous)
		return errors.Join(errors.Wrapf(exception.ErrReconciliationAmbiguous, "%s moved %s of %s", key, delta, cur.Size), cause)
	}
}

// markFilled marks the leg FILLED and hands the fill off.
func (r *Repricer) markFilled(order registry.ActiveOrder, filled decimal.Decimal) {
	if err := r.registry.UpdateStatus(order.Key(), registry.Update{Status: enum.OrderStatusFilled}); err != nil {
		logs.Errorf("mark %s filled, err: %+v", order.Key(), err)
	}
	r.handOff(order, filled)
}

// handOff passes an inferred fill to the fill path, clearing the leg itself when no
// sink is attached.
func (r *Repricer) handOff(order registry.ActiveOrder, filled decimal.Decimal) {
	if r.fills == nil {
		r.registry.ForceClear(order.Key())
		return
	}
	r.fills.Reconciled(order, filled)
}

func (r *Repricer) afterPlace(key registry.Key, res adapter.OrderResult) {
	switch res.Status {
	case enum.OrderStatusFilled:
		if o, ok := r.registry.Get(key); ok {
			r.handOff(o, o.FilledSize.Add(res.FilledSize))
		}
	case enum.OrderStatusCancelled, enum.OrderStatusRejected:
		r.registry.ClearOrder(key, res.OrderID)
	}
}

func (r *Repricer) cancelUntracked(ctx context.Context, ex adapter.Exchange, orderID, symbol string) {
	if err := r.acquire(ctx, ex.Name(), enum.PriorityEmergency); err != nil {
		logs.Errorf("cancel untracked order %s on %s, err: %+v", orderID, ex.Name(), err)
		return
	}
	if err := ex.CancelOrder(ctx, orderID, symbol); err != nil {
		logs.Errorf("cancel untracked order %s on %s, err: %+v", orderID, ex.Name(), err)
	}
}

func (r *Repricer) tickSize(ctx context.Context, ex adapter.Exchange, symbol string) (decimal.Decimal, error) {
	k := bookKey{exchange: ex.Name(), symbol: symbol}
	r.mu.Lock()
	tick, ok := r.ticks[k]
	r.mu.Unlock()
	if ok {
		return tick, nil
	}

	if err := r.acquire(ctx, k.exchange, enum.PriorityNormal); err != nil {
		return decimal.Zero, err
	}
	tick, err := ex.TickSize(ctx, symbol)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "tick size of %s on %s", symbol, k.exchange)
	}
	r.mu.Lock()
	r.ticks[k] = tick
	r.mu.Unlock()
	return tick, nil
}

func (r *Repricer) acquire(ctx context.Context, exchange string, priority enum.Priority) error {
	return r.limiter.Acquire(ctx, exchange, r.Config().Weight, priority)
}

// debounce reports whether key may be attempted now and records the attempt.
func (r *Repricer) debounce(key registry.Key, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastAttempt[key]; ok && now.Sub(last) < r.cfg.MinRepriceInterval {
		return false
	}
	r.lastAttempt[key] = now
	return true
}

func (r *Repricer) forgetStale(live []registry.ActiveOrder) {
	keep := make(map[registry.Key]struct{}, len(live))
	for _, o := range live {
		keep[o.Key()] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.lastAttempt {
		if _, ok := keep[key]; !ok {
			delete(r.lastAttempt, key)
		}
	}
}
