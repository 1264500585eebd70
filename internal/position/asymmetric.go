package position

import (
	"context"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/errors"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// ResolveResult is the outcome of one HandleAsymmetricFills pass, by pair id.
type ResolveResult struct {
	Hedged    []string
	Completed []string
	Unwound   []string
	Abandoned []string
	Stuck     []string
	Errors    []CloseError
}

// HandleAsymmetricFills resolves pairs where one leg filled and the other has rested
// past AsymmetricTimeout. While the spread still pays for taking liquidity the resting
// leg is completed at market; otherwise the filled leg is closed. Each pair gets at most
// MaxAttempts tries before it is reported stuck.
func (m *Manager) HandleAsymmetricFills(ctx context.Context, now time.Time) ResolveResult {
	cfg := m.Config()
	var res ResolveResult
	for _, p := range m.tracker.Pairs() {
		if ctx.Err() != nil {
			break
		}
		switch p.State {
		case PairStateHedged:
			m.tracker.Remove(p.ID)
			res.Hedged = append(res.Hedged, p.ID)
			continue
		case PairStateStuck:
			res.Stuck = append(res.Stuck, p.ID)
			continue
		case PairStateOpening:
		default:
			m.tracker.Remove(p.ID)
			continue
		}

		if !p.IsAsymmetric() {
			if m.abandoned(p) {
				m.tracker.Remove(p.ID)
				res.Abandoned = append(res.Abandoned, p.ID)
			}
			continue
		}

		filled, resting := p.Long, p.Short
		if p.Short.IsFilled() {
			filled, resting = p.Short, p.Long
		}
		key := p.Key(resting)
		since := filled.FilledAt
		if order, ok := m.registry.Get(key); ok {
			since = order.PlacedAt
		}
		if now.Sub(since) < cfg.AsymmetricTimeout {
			continue
		}
		if m.registry.IsClaimed(key) {
			// Let the running reprice attempt finish; it will not start another.
			m.registry.SetAggressive(key, true)
			continue
		}

		complete := p.Attempts == 0 && cfg.ExpectedNetReturn(m.rates(ctx, p)).IsPositive()
		var err error
		if complete {
			err = m.complete(ctx, p, resting)
		} else {
			err = m.unwind(ctx, p, filled, resting)
		}
		if err == nil {
			m.tracker.Remove(p.ID)
			if complete {
				res.Completed = append(res.Completed, p.ID)
				m.prom.IncAsymmetric("complete")
			} else {
				res.Unwound = append(res.Unwound, p.ID)
				m.prom.IncAsymmetric("unwind")
			}
			continue
		}

		res.Errors = append(res.Errors, CloseError{Exchange: resting.Exchange, Symbol: p.Symbol, PairID: p.ID, Err: err})
		stuck := false
		m.tracker.Update(p.ID, func(lp *LegPair) {
			lp.Attempts++
			if lp.Attempts >= cfg.MaxAttempts {
				lp.State = PairStateStuck
				stuck = true
			}
		})
		if stuck {
			res.Stuck = append(res.Stuck, p.ID)
			m.prom.IncAsymmetric("stuck")
			logs.Errorf("pair %s %s stuck after %d attempts, err: %+v", p.ID, p.Symbol, cfg.MaxAttempts, err)
		}
	}
	return res
}

// complete cancels the resting leg's order and takes the remaining size at market.
func (m *Manager) complete(ctx context.Context, p LegPair, resting Leg) error {
	remaining, err := m.stopResting(ctx, p, resting)
	if err != nil {
		return err
	}
	if !remaining.IsPositive() {
		return nil
	}
	venue, ok := m.venues[resting.Exchange]
	if !ok {
		return errors.Wrapf(exception.ErrUnknownExchange, "complete %s on %s", p.ID, resting.Exchange)
	}
	req := adapter.OrderRequest{
		Symbol:      p.Symbol,
		Side:        resting.Side,
		Type:        enum.OrderTypeMarket,
		TimeInForce: enum.OrderTimeInForceIOC,
		Price:       m.worstPrice(venue, p.Symbol, resting.Side, decimal.Zero, m.Config().CloseSlippage),
		Size:        remaining,
	}
	res, err := m.send(ctx, venue, OutcomeComplete, p.ID, req)
	if err != nil {
		return err
	}
	if res.FilledSize.LessThan(remaining) && res.Status != enum.OrderStatusFilled {
		m.tracker.Update(p.ID, func(lp *LegPair) {
			leg := lp.leg(resting.Exchange, resting.Side)
			if leg != nil {
				leg.Filled = decimal.Min(leg.Size, leg.Filled.Add(res.FilledSize))
			}
		})
		return errors.Wrapf(exception.ErrPairUnresolved, "completion of %s filled %s of %s", p.ID, res.FilledSize, remaining)
	}
	return nil
}

// unwind cancels the resting leg's order and closes whatever both legs filled.
func (m *Manager) unwind(ctx context.Context, p LegPair, filled, resting Leg) error {
	if _, err := m.stopResting(ctx, p, resting); err != nil {
		return err
	}
	return m.closeLegs(ctx, p.ID, p.Symbol)
}

// closeLegs closes whatever either leg of the pair has filled.
func (m *Manager) closeLegs(ctx context.Context, pairID, symbol string) error {
	cur, _ := m.tracker.Get(pairID)
	var errs []error
	for _, leg := range []Leg{cur.Long, cur.Short} {
		if !leg.Filled.IsPositive() {
			continue
		}
		if err := m.closeFilled(ctx, pairID, leg.Exchange, symbol, leg.Side, leg.Filled); err != nil {
			errs = append(errs, err)
			continue
		}
		m.tracker.Update(pairID, func(lp *LegPair) {
			if l := lp.leg(leg.Exchange, leg.Side); l != nil {
				l.Filled = decimal.Zero
			}
		})
	}
	return errors.Join(errs...)
}

// stopResting takes the resting leg away from the repricer and cancels its order. It
// returns the size still to be filled on that leg.
func (m *Manager) stopResting(ctx context.Context, p LegPair, resting Leg) (decimal.Decimal, error) {
	key := p.Key(resting)
	remaining := resting.Remaining()
	order, tracked := m.registry.Get(key)
	if !tracked {
		return remaining, nil
	}
	m.registry.SetAggressive(key, true)
	if !m.registry.Claim(key) {
		return decimal.Zero, errors.Wrapf(exception.ErrPairUnresolved, "resting %s busy", key)
	}
	defer m.registry.Release(key)

	venue, ok := m.venues[resting.Exchange]
	if !ok {
		return decimal.Zero, errors.Wrapf(exception.ErrUnknownExchange, "cancel %s", key)
	}
	weight := m.Config().Weight
	if err := m.limiter.Acquire(ctx, resting.Exchange, weight, enum.PriorityEmergency); err != nil {
		return decimal.Zero, err
	}
	cancelErr := venue.Exchange.CancelOrder(ctx, order.OrderID, p.Symbol)

	if err := m.limiter.Acquire(ctx, resting.Exchange, weight, enum.PriorityEmergency); err != nil {
		return decimal.Zero, err
	}
	state, err := venue.Exchange.OrderStatus(ctx, order.OrderID, p.Symbol)
	if err != nil {
		if cancelErr != nil {
			return decimal.Zero, errors.Join(errors.Wrapf(cancelErr, "cancel %s", key), err)
		}
		m.registry.ClearOrder(key, order.OrderID)
		return remaining, nil
	}
	if !state.Status.IsTerminal() {
		return decimal.Zero, errors.Wrapf(exception.ErrPairUnresolved, "resting %s still %s", key, state.Status)
	}

	filled := decimal.Max(resting.Filled, decimal.Max(order.FilledSize, state.FilledSize))
	m.tracker.Update(p.ID, func(lp *LegPair) {
		if l := lp.leg(resting.Exchange, resting.Side); l != nil {
			l.Filled = decimal.Min(l.Size, filled)
		}
	})
	m.registry.ClearOrder(key, order.OrderID)
	r := resting.Size.Sub(filled)
	if r.IsNegative() {
		r = decimal.Zero
	}
	return r, nil
}

// abandoned reports whether neither leg filled and neither still has an order working.
func (m *Manager) abandoned(p LegPair) bool {
	if p.Long.Filled.IsPositive() || p.Short.Filled.IsPositive() {
		return false
	}
	_, longLive := m.registry.Get(p.Key(p.Long))
	_, shortLive := m.registry.Get(p.Key(p.Short))
	return !longLive && !shortLive
}

// rates returns the live funding rates of both legs, falling back to the rates the pair
// was opened with.
func (m *Manager) rates(ctx context.Context, p LegPair) (decimal.Decimal, decimal.Decimal) {
	return m.rate(ctx, p.Long, p.Symbol), m.rate(ctx, p.Short, p.Symbol)
}

func (m *Manager) rate(ctx context.Context, leg Leg, symbol string) decimal.Decimal {
	venue, ok := m.venues[leg.Exchange]
	if !ok {
		return leg.Rate
	}
	fr, ok := venue.Exchange.(adapter.FundingRater)
	if !ok {
		return leg.Rate
	}
	if err := m.limiter.Acquire(ctx, leg.Exchange, m.Config().Weight, enum.PriorityHigh); err != nil {
		return leg.Rate
	}
	rate, err := fr.FundingRate(ctx, symbol)
	if err != nil {
		logs.Errorf("funding rate of %s on %s, err: %+v", symbol, leg.Exchange, err)
		return leg.Rate
	}
	return rate
}

// Abandon gives up on a pair whose other leg could not be opened: working orders are
// cancelled and whatever filled is closed. The pair stays tracked if that fails.
func (m *Manager) Abandon(ctx context.Context, pairID string) error {
	p, ok := m.tracker.Get(pairID)
	if !ok {
		return errors.Wrapf(exception.ErrPairUnresolved, "abandon unknown pair %s", pairID)
	}
	var errs []error
	for _, leg := range []Leg{p.Long, p.Short} {
		if _, err := m.stopResting(ctx, p, leg); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := m.closeLegs(ctx, pairID, p.Symbol); err != nil {
		return err
	}
	m.tracker.Remove(pairID)
	m.prom.IncAsymmetric("abandon")
	return nil
}
