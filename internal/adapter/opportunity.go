package adapter

import "github.com/shopspring/decimal"

// Opportunity is a leg-pair descriptor supplied by the opportunity source. The keeper
// never decides which opportunity to enter.
type Opportunity struct {
	Symbol        string
	LongExchange  string
	ShortExchange string
	LongRate      decimal.Decimal
	ShortRate     decimal.Decimal
	Size          decimal.Decimal
	// LongPrice and ShortPrice are the initial maker prices.
	LongPrice  decimal.Decimal
	ShortPrice decimal.Decimal
}
