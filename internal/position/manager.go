package position

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
	"golang.org/x/sync/errgroup"
)

// Outcome kinds.
const (
	OutcomeClose    = "close"
	OutcomeFallback = "fallback"
	OutcomeComplete = "complete"
	OutcomeUnwind   = "unwind"
)

// Outcome is one market order sent to close, complete or unwind a position.
type Outcome struct {
	Kind     string
	PairID   string
	Exchange string
	Symbol   string
	Side     enum.Side
	Size     decimal.Decimal
	Filled   decimal.Decimal
	Err      error
	At       time.Time
}

// CloseError is a failure tied to one exchange and symbol.
type CloseError struct {
	Exchange string
	Symbol   string
	PairID   string
	Err      error
}

func (e CloseError) Error() string {
	return e.Exchange + " " + e.Symbol + ": " + e.Err.Error()
}

func (e CloseError) Unwrap() error {
	return e.Err
}

// CloseResult is the outcome of CloseAllPositions.
type CloseResult struct {
	Closed    []adapter.Position
	StillOpen []adapter.Position
	Errors    []CloseError
}

// Manager aggregates positions across exchanges and drives them to hedged or flat.
type Manager struct {
	venues   adapter.Venues
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	tracker  *Tracker
	prom     *obs.Prometheus

	mu       sync.Mutex
	cfg      Config
	outcomes []func(Outcome)
}

// NewManager creates a position manager. prom may be nil.
func NewManager(cfg Config, venues adapter.Venues, reg *registry.Registry, limiter *ratelimit.Limiter, tracker *Tracker, prom *obs.Prometheus) *Manager {
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Manager{
		venues:   venues,
		registry: reg,
		limiter:  limiter,
		tracker:  tracker,
		prom:     prom,
		cfg:      cfg.withDefaults(),
	}
}

// Tracker returns the leg-pair tracker.
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// Config returns the current policy.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetConfig replaces the policy.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.withDefaults()
}

// OnOutcome registers a callback for every close, complete and unwind order.
func (m *Manager) OnOutcome(fn func(Outcome)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, fn)
}

// OnFill feeds a fill to the leg-pair tracker. It is meant to be registered as a fill
// monitor listener.
func (m *Manager) OnFill(ev adapter.FillEvent) {
	m.tracker.ApplyFill(ev)
}

// AllPositions queries every exchange concurrently.
func (m *Manager) AllPositions(ctx context.Context) Aggregate {
	agg := Aggregate{
		ByExchange: make(map[string][]adapter.Position, len(m.venues)),
		Unknown:    make(map[string]error),
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for name, venue := range m.venues {
		g.Go(func() error {
			positions, err := m.positions(ctx, venue.Exchange, enum.PriorityNormal)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logs.Errorf("positions of %s, err: %+v", name, err)
				agg.Unknown[name] = err
				return nil
			}
			agg.ByExchange[name] = positions
			return nil
		})
	}
	_ = g.Wait()
	return agg
}

// CloseAllPositions flattens every open position. Each position gets one reduce-only
// IOC market order and, if still open after a re-query, exactly one fallback order with
// wider slippage. Anything still open after that is reported, not retried.
func (m *Manager) CloseAllPositions(ctx context.Context) CloseResult {
	agg := m.AllPositions(ctx)
	var (
		mu  sync.Mutex
		res CloseResult
		g   errgroup.Group
	)
	for name, err := range agg.Unknown {
		res.Errors = append(res.Errors, CloseError{Exchange: name, Err: err})
	}
	for name, positions := range agg.ByExchange {
		venue := m.venues[name]
		g.Go(func() error {
			for _, p := range positions {
				closed, open, errs := m.closeOne(ctx, venue, p)
				mu.Lock()
				if closed {
					res.Closed = append(res.Closed, p)
				} else {
					res.StillOpen = append(res.StillOpen, open)
				}
				res.Errors = append(res.Errors, errs...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for range res.Closed {
		m.prom.IncClose("closed")
	}
	for _, p := range res.StillOpen {
		m.prom.IncClose("still_open")
		logs.Errorf("position %s %s %s %s still open after fallback", p.Exchange, p.Symbol, p.Side, p.Size)
	}
	return res
}

func (m *Manager) closeOne(ctx context.Context, venue adapter.Venue, p adapter.Position) (bool, adapter.Position, []CloseError) {
	cfg := m.Config()
	var errs []CloseError
	fail := func(err error) {
		errs = append(errs, CloseError{Exchange: p.Exchange, Symbol: p.Symbol, Err: err})
	}

	if _, err := m.sendClose(ctx, venue, OutcomeClose, "", p.Symbol, p.Side, p.Size, p.MarkPrice, cfg.CloseSlippage); err != nil {
		fail(err)
	}
	remaining, err := m.remaining(ctx, venue.Exchange, p.Symbol)
	if err != nil {
		fail(err)
		return false, p, errs
	}
	if remaining.IsZero() {
		return true, p, errs
	}

	open := adapter.PositionFromSigned(p.Exchange, p.Symbol, remaining)
	open.EntryPrice, open.MarkPrice = p.EntryPrice, p.MarkPrice
	if _, err := m.sendClose(ctx, venue, OutcomeFallback, "", open.Symbol, open.Side, open.Size, open.MarkPrice, cfg.FallbackSlippage); err != nil {
		fail(err)
	}
	remaining, err = m.remaining(ctx, venue.Exchange, p.Symbol)
	if err != nil {
		fail(err)
		return false, open, errs
	}
	if remaining.IsZero() {
		return true, p, errs
	}
	open = adapter.PositionFromSigned(p.Exchange, p.Symbol, remaining)
	open.EntryPrice, open.MarkPrice = p.EntryPrice, p.MarkPrice
	fail(errors.Wrapf(exception.ErrPositionStillOpen, "%s %s", open.Side, open.Size))
	return false, open, errs
}

// CloseFilledPosition unwinds one filled leg with a reduce-only market order. side is
// the side of the position being closed.
func (m *Manager) CloseFilledPosition(ctx context.Context, exchange, symbol string, side enum.Side, size decimal.Decimal) error {
	return m.closeFilled(ctx, "", exchange, symbol, side, size)
}

func (m *Manager) closeFilled(ctx context.Context, pairID, exchange, symbol string, side enum.Side, size decimal.Decimal) error {
	venue, ok := m.venues[exchange]
	if !ok {
		return errors.Wrapf(exception.ErrUnknownExchange, "close %s on %s", symbol, exchange)
	}
	if !size.IsPositive() {
		return nil
	}
	res, err := m.sendClose(ctx, venue, OutcomeUnwind, pairID, symbol, side, size, decimal.Zero, m.Config().CloseSlippage)
	if err != nil {
		return err
	}
	if res.Status == enum.OrderStatusRejected || (res.Status == enum.OrderStatusCancelled && res.FilledSize.IsZero()) {
		return errors.Wrapf(exception.ErrPositionStillOpen, "unwind %s %s %s on %s", side, size, symbol, exchange)
	}
	return nil
}

// sendClose sends a reduce-only IOC market order offsetting a position of side and size.
func (m *Manager) sendClose(ctx context.Context, venue adapter.Venue, kind, pairID, symbol string, side enum.Side, size, mark, slippage decimal.Decimal) (adapter.OrderResult, error) {
	req := adapter.OrderRequest{
		Symbol:      symbol,
		Side:        side.Opposite(),
		Type:        enum.OrderTypeMarket,
		TimeInForce: enum.OrderTimeInForceIOC,
		Price:       m.worstPrice(venue, symbol, side.Opposite(), mark, slippage),
		Size:        size,
		ReduceOnly:  true,
	}
	return m.send(ctx, venue, kind, pairID, req)
}

func (m *Manager) send(ctx context.Context, venue adapter.Venue, kind, pairID string, req adapter.OrderRequest) (adapter.OrderResult, error) {
	name := venue.Exchange.Name()
	var (
		res adapter.OrderResult
		err error
	)
	if err = m.limiter.Acquire(ctx, name, m.Config().Weight, enum.PriorityEmergency); err == nil {
		res, err = venue.Exchange.PlaceOrder(ctx, req)
		err = errors.Mark(errors.Wrapf(err, "%s %s %s %s on %s", kind, req.Side, req.Size, req.Symbol, name), exception.ErrAdapterFailure)
	}
	m.emit(Outcome{
		Kind:     kind,
		PairID:   pairID,
		Exchange: name,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Size:     req.Size,
		Filled:   res.FilledSize,
		Err:      err,
		At:       time.Now(),
	})
	return res, err
}

// worstPrice bounds a marketable order on side by the book, or the mark when the book
// is unavailable.
func (m *Manager) worstPrice(venue adapter.Venue, symbol string, side enum.Side, mark, slippage decimal.Decimal) decimal.Decimal {
	ref := mark
	if venue.Book != nil {
		if top, ok := venue.Book.BestBidAsk(symbol); ok {
			ref = top.Opposite(side)
		}
	}
	if !ref.IsPositive() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	if side == enum.SideLong {
		return ref.Mul(one.Add(slippage))
	}
	return ref.Mul(one.Sub(slippage))
}

func (m *Manager) positions(ctx context.Context, ex adapter.Exchange, priority enum.Priority) ([]adapter.Position, error) {
	if err := m.limiter.Acquire(ctx, ex.Name(), m.Config().Weight, priority); err != nil {
		return nil, err
	}
	positions, err := ex.Positions(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "positions of %s", ex.Name())
	}
	return positions, nil
}

func (m *Manager) remaining(ctx context.Context, ex adapter.Exchange, symbol string) (decimal.Decimal, error) {
	positions, err := m.positions(ctx, ex, enum.PriorityEmergency)
	if err != nil {
		return decimal.Zero, err
	}
	return adapter.SignedSize(positions, symbol), nil
}

func (m *Manager) emit(o Outcome) {
	m.mu.Lock()
	fns := append([](func(Outcome))(nil), m.outcomes...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(o)
	}
}
