package keeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/balance"
	"keeper/internal/errors"
	"keeper/internal/fill"
	"keeper/internal/obs"
	"keeper/internal/position"
	"keeper/internal/ratelimit"
	"keeper/internal/registry"
	"keeper/internal/reprice"
	"keeper/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
)

// Config is the scheduling policy of the keeper.
type Config struct {
	// MinSweepInterval floors the pause between two sweeps.
	MinSweepInterval time.Duration
	// DistributeInterval is the period of idle fund distribution, disabled when zero.
	DistributeInterval time.Duration
	// DistributeTo lists the venues idle funds go to, every venue when empty.
	DistributeTo []string
}

func (c Config) withDefaults() Config {
	if c.MinSweepInterval <= 0 {
		c.MinSweepInterval = 100 * time.Millisecond
	}
	return c
}

// Options carries the policies of every component.
type Options struct {
	Config       Config
	Limits       ratelimit.Limits
	PerExchange  map[string]ratelimit.Limits
	Reprice      reprice.Config
	Position     position.Config
	Balance      balance.Policy
	FillCapacity int
	Wallet       adapter.WalletReader
	Prometheus   *obs.Prometheus
}

// Keeper wires the components together and drives the sweep.
type Keeper struct {
	venues    adapter.Venues
	registry  *registry.Registry
	limiter   *ratelimit.Limiter
	metrics   *obs.Metrics
	fills     *fill.Monitor
	repricer  *reprice.Repricer
	positions *position.Manager
	balances  *balance.Manager

	mu       sync.RWMutex
	cfg      Config
	sweeping atomic.Bool
}

// New builds a keeper over venues and attaches the fill monitor to each of them.
func New(venues adapter.Venues, opt Options) *Keeper {
	prom := opt.Prometheus
	reg := registry.New(prom)
	limiter := ratelimit.New(opt.Limits, opt.PerExchange, prom)
	metrics := obs.NewMetrics(prom)
	fills := fill.New(reg, opt.FillCapacity, metrics)
	positions := position.NewManager(opt.Position, venues, reg, limiter, position.NewTracker(), prom)

	k := &Keeper{
		venues:    venues,
		registry:  reg,
		limiter:   limiter,
		metrics:   metrics,
		fills:     fills,
		repricer:  reprice.New(opt.Reprice, venues, reg, limiter, fills, metrics),
		positions: positions,
		balances:  balance.New(opt.Balance, venues, opt.Wallet, limiter, prom),
		cfg:       opt.Config.withDefaults(),
	}
	fills.OnFill(positions.OnFill)
	for name, v := range venues {
		fills.Attach(name, v.Fills, v.Normalize)
	}
	return k
}

// Config returns the current scheduling policy.
func (k *Keeper) Config() Config {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cfg
}

// SetConfig replaces the scheduling policy.
func (k *Keeper) SetConfig(cfg Config) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cfg = cfg.withDefaults()
}

func (k *Keeper) Limiter() *ratelimit.Limiter {
	return k.limiter
}

func (k *Keeper) Repricer() *reprice.Repricer {
	return k.repricer
}

func (k *Keeper) Positions() *position.Manager {
	return k.positions
}

func (k *Keeper) Balances() *balance.Manager {
	return k.balances
}

func (k *Keeper) Metrics() *obs.Metrics {
	return k.metrics
}

// OnFill registers a listener for every accepted fill.
func (k *Keeper) OnFill(l fill.Listener) {
	k.fills.OnFill(l)
}

// OnOutcome registers a listener for every close, completion and unwind order.
func (k *Keeper) OnOutcome(fn func(position.Outcome)) {
	k.positions.OnOutcome(fn)
}

// SweepReport is what one sweep did.
type SweepReport struct {
	Reprice  reprice.SweepResult
	Resolved position.ResolveResult
}

// Sweep runs one reprice pass followed by asymmetric fill resolution. It reports false
// without doing anything while another sweep is still running.
func (k *Keeper) Sweep(ctx context.Context) (report SweepReport, ran bool) {
	if !k.sweeping.CompareAndSwap(false, true) {
		k.metrics.IncSweepSkipped()
		logs.Info("sweep still running, skipped")
		return SweepReport{}, false
	}
	defer k.sweeping.Store(false)
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("sweep panic, err: %+v", r)
			ran = true
		}
	}()

	report.Reprice = k.repricer.Sweep(ctx)
	report.Resolved = k.positions.HandleAsymmetricFills(ctx, time.Now())
	for _, e := range report.Resolved.Errors {
		logs.Errorf("resolve pair %s on %s, err: %+v", e.PairID, e.Exchange, e.Err)
	}
	return report, true
}

// Run sweeps until ctx is done, pacing itself by the budget health the repricer reports,
// and distributes idle funds when configured.
func (k *Keeper) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return k.sweepLoop(egCtx)
	})
	eg.Go(func() error {
		return k.distributeLoop(egCtx)
	})
	if err := eg.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (k *Keeper) sweepLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		report, _ := k.Sweep(ctx)
		timer.Reset(max(report.Reprice.Next, k.Config().MinSweepInterval))
	}
}

func (k *Keeper) distributeLoop(ctx context.Context) error {
	interval := k.Config().DistributeInterval
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		k.Distribute(ctx)
		if next := k.Config().DistributeInterval; next > 0 && next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

// Distribute spreads idle wallet funds over the configured venues.
func (k *Keeper) Distribute(ctx context.Context) balance.DistributionResult {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("distribute panic, err: %+v", r)
		}
	}()
	targets := k.Config().DistributeTo
	if len(targets) == 0 {
		targets = k.venues.Names()
	}
	res := k.balances.DistributeIdleFunds(ctx, targets)
	for name, err := range res.Failed {
		logs.Errorf("distribute to %s, err: %+v", name, err)
	}
	return res
}

// Open places both maker legs of opp and tracks them as a pair. A zero leg price means
// the own side of that book. A failed long leg leaves
// nothing behind; a failed short leg abandons the pair, cancelling the long leg and
// closing whatever of it already filled.
func (k *Keeper) Open(ctx context.Context, opp adapter.Opportunity) (position.LegPair, error) {
	if err := k.validate(opp); err != nil {
		return position.LegPair{}, err
	}
	longPrice, err := k.makerPrice(opp.LongExchange, opp.Symbol, enum.SideLong, opp.LongPrice)
	if err != nil {
		return position.LegPair{}, err
	}
	shortPrice, err := k.makerPrice(opp.ShortExchange, opp.Symbol, enum.SideShort, opp.ShortPrice)
	if err != nil {
		return position.LegPair{}, err
	}

	pair := position.LegPair{
		ID:       uuid.NewString(),
		Symbol:   opp.Symbol,
		Long:     position.Leg{Exchange: opp.LongExchange, Side: enum.SideLong, Size: opp.Size, Rate: opp.LongRate},
		Short:    position.Leg{Exchange: opp.ShortExchange, Side: enum.SideShort, Size: opp.Size, Rate: opp.ShortRate},
		OpenedAt: time.Now(),
		State:    position.PairStateOpening,
	}
	tracker := k.positions.Tracker()
	tracker.Track(pair)

	if _, err := k.repricer.Place(ctx, opp.LongExchange, makerOrder(opp.Symbol, enum.SideLong, longPrice, opp.Size)); err != nil {
		tracker.Remove(pair.ID)
		return position.LegPair{}, errors.Wrapf(err, "open long leg of %s", pair.ID)
	}
	if _, err := k.repricer.Place(ctx, opp.ShortExchange, makerOrder(opp.Symbol, enum.SideShort, shortPrice, opp.Size)); err != nil {
		err = errors.Wrapf(err, "open short leg of %s", pair.ID)
		if abandonErr := k.positions.Abandon(ctx, pair.ID); abandonErr != nil {
			logs.Errorf("abandon pair %s, err: %+v", pair.ID, abandonErr)
			return position.LegPair{}, errors.Join(err, abandonErr)
		}
		return position.LegPair{}, err
	}

	cur, _ := tracker.Get(pair.ID)
	return cur, nil
}

func (k *Keeper) validate(opp adapter.Opportunity) error {
	if opp.Symbol == "" || !opp.Size.IsPositive() || opp.LongExchange == opp.ShortExchange {
		return errors.Wrapf(exception.ErrInvalidArgument, "opportunity %s %s/%s size %s", opp.Symbol, opp.LongExchange, opp.ShortExchange, opp.Size)
	}
	for _, name := range []string{opp.LongExchange, opp.ShortExchange} {
		if _, ok := k.venues[name]; !ok {
			return errors.Wrapf(exception.ErrUnknownExchange, "opportunity on %s", name)
		}
	}
	return nil
}

// makerPrice returns price, or the own side of the book when price is zero.
func (k *Keeper) makerPrice(exchange, symbol string, side enum.Side, price decimal.Decimal) (decimal.Decimal, error) {
	if price.IsPositive() {
		return price, nil
	}
	venue := k.venues[exchange]
	if venue.Book == nil {
		return decimal.Zero, errors.Wrapf(exception.ErrBookUnavailable, "%s on %s", symbol, exchange)
	}
	top, ok := venue.Book.BestBidAsk(symbol)
	if !ok {
		return decimal.Zero, errors.Wrapf(exception.ErrBookUnavailable, "%s on %s", symbol, exchange)
	}
	if side == enum.SideLong {
		return top.BestBid, nil
	}
	return top.BestAsk, nil
}

func makerOrder(symbol string, side enum.Side, price, size decimal.Decimal) adapter.OrderRequest {
	return adapter.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        enum.OrderTypeLimit,
		TimeInForce: enum.OrderTimeInForceALO,
		Price:       price,
		Size:        size,
	}
}

// Rebalance tops up both legs of opp to required collateral from the other venues.
func (k *Keeper) Rebalance(ctx context.Context, opp adapter.Opportunity, required decimal.Decimal) (balance.RebalanceResult, error) {
	longBal, err := k.balances.Balance(ctx, opp.LongExchange)
	if err != nil {
		return balance.RebalanceResult{}, err
	}
	shortBal, err := k.balances.Balance(ctx, opp.ShortExchange)
	if err != nil {
		return balance.RebalanceResult{}, err
	}
	return k.balances.RebalanceForOpportunity(ctx, opp, required, longBal, shortBal)
}

// ActiveOrders returns every live maker order.
func (k *Keeper) ActiveOrders() []registry.ActiveOrder {
	return k.registry.Snapshot()
}

// Usage returns the request budget of exchange.
func (k *Keeper) Usage(exchange string) ratelimit.Usage {
	return k.limiter.Usage(exchange)
}

// FillStatistics returns counts and latency of the fills seen so far.
func (k *Keeper) FillStatistics() fill.Stats {
	return k.fills.Statistics()
}

// CloseAll closes every open position at market.
func (k *Keeper) CloseAll(ctx context.Context) position.CloseResult {
	return k.positions.CloseAllPositions(ctx)
}

// Close stops watching books, detaches from fill channels and releases limiter waiters.
func (k *Keeper) Close() {
	k.repricer.Close()
	k.fills.Close()
	k.limiter.Close()
}
