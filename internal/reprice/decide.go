package reprice

import (
	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/registry"

	"github.com/shopspring/decimal"
)

// Action is a reprice decision.
type Action struct {
	Price  decimal.Decimal
	Urgent bool
}

// Decide returns the price order should move to given the book, or false when it should
// stay. It is the single decision used by both the reactive and the polling driver.
//
// A LONG order targets one tick above the best bid (two when urgent) and never reaches
// the ask; a SHORT order mirrors that. An order already at or better than the best price
// on its own side is left alone.
func Decide(order registry.ActiveOrder, book adapter.BookTop, tick decimal.Decimal, urgent bool) (Action, bool) {
	if !book.IsValid() || !tick.IsPositive() || !order.Side.IsAvailable() {
		return Action{}, false
	}

	offset := tick
	if urgent {
		offset = tick.Mul(decimal.NewFromInt(2))
	}

	var target decimal.Decimal
	switch order.Side {
	case enum.SideLong:
		if order.Price.GreaterThanOrEqual(book.BestBid) {
			return Action{}, false
		}
		target = floorToTick(book.BestBid.Add(offset), tick)
		target = decimal.Min(target, book.BestAsk.Sub(tick))
	case enum.SideShort:
		if order.Price.LessThanOrEqual(book.BestAsk) {
			return Action{}, false
		}
		target = ceilToTick(book.BestAsk.Sub(offset), tick)
		target = decimal.Max(target, book.BestBid.Add(tick))
	}

	if !target.IsPositive() || target.Equal(order.Price) {
		return Action{}, false
	}
	return Action{Price: target, Urgent: urgent}, true
}

func floorToTick(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Floor().Mul(tick)
}

func ceilToTick(price, tick decimal.Decimal) decimal.Decimal {
	return price.Div(tick).Ceil().Mul(tick)
}
