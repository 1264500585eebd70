package adapter

import (
	"time"

	"keeper/internal/adapter/enum"

	"github.com/shopspring/decimal"
)

// BookTop is the best bid and ask of an order book.
type BookTop struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Time    time.Time
}

// IsValid reports whether both sides are present and not crossed.
func (b BookTop) IsValid() bool {
	return b.BestBid.IsPositive() && b.BestAsk.IsPositive() && b.BestBid.LessThan(b.BestAsk)
}

// SameSide returns the best price on the side an order of the given side rests on.
func (b BookTop) SameSide(side enum.Side) decimal.Decimal {
	if side == enum.SideLong {
		return b.BestBid
	}
	return b.BestAsk
}

// Opposite returns the best price on the side an order of the given side would cross.
func (b BookTop) Opposite(side enum.Side) decimal.Decimal {
	if side == enum.SideLong {
		return b.BestAsk
	}
	return b.BestBid
}
