package adapter

import (
	"keeper/internal/adapter/enum"

	"github.com/shopspring/decimal"
)

// Position is one exchange's position in a symbol. Size is always non-negative; Side
// carries the direction.
type Position struct {
	Exchange   string
	Symbol     string
	Side       enum.Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
}

// Signed returns the size with long positive and short negative.
func (p Position) Signed() decimal.Decimal {
	if p.Side == enum.SideShort {
		return p.Size.Neg()
	}
	return p.Size
}

// PositionFromSigned builds a position from a signed size.
func PositionFromSigned(exchange, symbol string, signed decimal.Decimal) Position {
	side := enum.SideLong
	if signed.IsNegative() {
		side = enum.SideShort
	}
	return Position{
		Exchange: exchange,
		Symbol:   symbol,
		Side:     side,
		Size:     signed.Abs(),
	}
}

// SignedSize returns the signed size of symbol within positions, zero when absent.
func SignedSize(positions []Position, symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p.Symbol == symbol {
			total = total.Add(p.Signed())
		}
	}
	return total
}
