package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the position management policy.
type Config struct {
	// AsymmetricTimeout is how long the unfilled leg may rest after its sibling filled.
	AsymmetricTimeout time.Duration
	// CloseSlippage bounds the price of the first close order, as a fraction.
	CloseSlippage decimal.Decimal
	// FallbackSlippage bounds the price of the single fallback close order.
	FallbackSlippage decimal.Decimal
	// TakerFeeBps and SlippageBps are the cost of completing a leg at market.
	TakerFeeBps decimal.Decimal
	SlippageBps decimal.Decimal
	// HorizonPeriods is the number of funding periods the spread is expected to persist.
	HorizonPeriods decimal.Decimal
	// MaxAttempts bounds resolution attempts per pair before it is reported stuck.
	MaxAttempts int
	// Weight is the rate limiter weight of one exchange call.
	Weight int
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		AsymmetricTimeout: 2 * time.Minute,
		CloseSlippage:     decimal.RequireFromString("0.005"),
		FallbackSlippage:  decimal.RequireFromString("0.02"),
		TakerFeeBps:       decimal.NewFromInt(5),
		SlippageBps:       decimal.NewFromInt(5),
		HorizonPeriods:    decimal.NewFromInt(24),
		MaxAttempts:       3,
		Weight:            1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AsymmetricTimeout <= 0 {
		c.AsymmetricTimeout = def.AsymmetricTimeout
	}
	if !c.CloseSlippage.IsPositive() {
		c.CloseSlippage = def.CloseSlippage
	}
	if !c.FallbackSlippage.IsPositive() {
		c.FallbackSlippage = def.FallbackSlippage
	}
	if c.TakerFeeBps.IsNegative() {
		c.TakerFeeBps = def.TakerFeeBps
	}
	if c.SlippageBps.IsNegative() {
		c.SlippageBps = def.SlippageBps
	}
	if !c.HorizonPeriods.IsPositive() {
		c.HorizonPeriods = def.HorizonPeriods
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Weight <= 0 {
		c.Weight = def.Weight
	}
	return c
}

// ExpectedNetReturn is the funding spread over the horizon minus the cost of taking
// liquidity once.
func (c Config) ExpectedNetReturn(longRate, shortRate decimal.Decimal) decimal.Decimal {
	spread := shortRate.Sub(longRate)
	cost := c.TakerFeeBps.Add(c.SlippageBps).Div(decimal.NewFromInt(10000))
	return spread.Mul(c.HorizonPeriods).Sub(cost)
}
