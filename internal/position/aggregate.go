package position

import (
	"maps"
	"slices"

	"keeper/internal/adapter"

	"github.com/shopspring/decimal"
)

// Aggregate is one pass over every exchange's positions. Exchanges that failed are in
// Unknown and contribute nothing.
type Aggregate struct {
	ByExchange map[string][]adapter.Position
	Unknown    map[string]error
}

// All returns every position ordered by exchange then symbol.
func (a Aggregate) All() []adapter.Position {
	var out []adapter.Position
	for _, name := range slices.Sorted(maps.Keys(a.ByExchange)) {
		out = append(out, a.ByExchange[name]...)
	}
	return out
}

// NetExposure returns the signed size per symbol summed over exchanges.
func (a Aggregate) NetExposure() map[string]decimal.Decimal {
	net := make(map[string]decimal.Decimal)
	for _, positions := range a.ByExchange {
		for _, p := range positions {
			net[p.Symbol] = net[p.Symbol].Add(p.Signed())
		}
	}
	return net
}

// Size returns the signed size of symbol on exchange and whether the exchange answered.
func (a Aggregate) Size(exchange, symbol string) (decimal.Decimal, bool) {
	positions, ok := a.ByExchange[exchange]
	if !ok {
		return decimal.Zero, false
	}
	return adapter.SignedSize(positions, symbol), true
}
