package reprice

import (
	"context"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/errors"
	"keeper/internal/registry"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// Place opens a maker leg: it snapshots the position, reserves the leg slot, places the
// order and starts watching its book. The slot stays claimed until the exchange order id
// is recorded, and is released if placement fails. ctx bounds the placement calls only.
func (r *Repricer) Place(ctx context.Context, exchange string, req adapter.OrderRequest) (registry.ActiveOrder, error) {
	venue, ok := r.venues[exchange]
	if !ok {
		return registry.ActiveOrder{}, errors.Wrapf(exception.ErrUnknownExchange, "place on %s", exchange)
	}
	if !req.Validate() {
		return registry.ActiveOrder{}, errors.Wrapf(exception.ErrOrderInvalidRequest, "place on %s", exchange)
	}

	order := registry.ActiveOrder{
		Exchange:   exchange,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Price:      req.Price,
		Size:       req.Size,
		ReduceOnly: req.ReduceOnly,
		Status:     enum.OrderStatusWaitingFill,
		PlacedAt:   time.Now(),
	}
	key := order.Key()
	if !r.registry.Claim(key) {
		return registry.ActiveOrder{}, errors.Wrapf(exception.ErrSlotConflict, "place %s (busy)", key)
	}
	placed, err := r.place(ctx, venue.Exchange, order, req)
	r.registry.Release(key)
	if err != nil {
		return registry.ActiveOrder{}, err
	}
	if !placed.Status.IsTerminal() {
		r.Watch(exchange, req.Symbol)
	}
	return placed, nil
}

func (r *Repricer) place(ctx context.Context, ex adapter.Exchange, order registry.ActiveOrder, req adapter.OrderRequest) (registry.ActiveOrder, error) {
	key := order.Key()
	if cur, ok := r.registry.Get(key); ok && !cur.Status.IsTerminal() {
		return registry.ActiveOrder{}, errors.Wrapf(exception.ErrSlotConflict, "place %s", key)
	}

	if initial, err := r.positionSnapshot(ctx, ex, req.Symbol); err != nil {
		logs.Errorf("snapshot position of %s before placing, err: %+v", key, err)
	} else {
		order.InitialPositionSize = &initial
	}

	if err := r.registry.Register(order); err != nil {
		return registry.ActiveOrder{}, err
	}
	if err := r.acquire(ctx, order.Exchange, enum.PriorityNormal); err != nil {
		r.registry.ForceClear(key)
		return registry.ActiveOrder{}, err
	}
	res, err := ex.PlaceOrder(ctx, req)
	if err != nil {
		r.registry.ForceClear(key)
		return registry.ActiveOrder{}, errors.Mark(errors.Wrapf(err, "place %s", key), exception.ErrAdapterFailure)
	}
	if err := r.registry.UpdateStatus(key, registry.Update{OrderID: res.OrderID}); err != nil {
		r.cancelUntracked(ctx, ex, res.OrderID, req.Symbol)
		return registry.ActiveOrder{}, err
	}
	r.afterPlace(key, res)

	placed, ok := r.registry.Get(key)
	if !ok {
		order.OrderID = res.OrderID
		order.Status = res.Status
		order.FilledSize = res.FilledSize
		return order, nil
	}
	return placed, nil
}

func (r *Repricer) positionSnapshot(ctx context.Context, ex adapter.Exchange, symbol string) (decimal.Decimal, error) {
	if err := r.acquire(ctx, ex.Name(), enum.PriorityNormal); err != nil {
		return decimal.Zero, err
	}
	positions, err := ex.Positions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return adapter.SignedSize(positions, symbol), nil
}
