package reprice

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the repricing policy.
type Config struct {
	// Interval is the polling period at full budget health.
	Interval time.Duration
	// MaxBackoffMultiplier bounds how far the period stretches as budget health drops.
	MaxBackoffMultiplier float64
	// MinBudgetHealth is the health below which non-urgent orders are not polled.
	MinBudgetHealth float64
	// UrgencyAge is the leg age after which an order is repriced regardless of health.
	UrgencyAge time.Duration
	// MinRepriceInterval is the minimum spacing between attempts on one leg.
	MinRepriceInterval time.Duration
	// FillDeltaThreshold is the fraction of the order size a position delta must reach
	// to be taken as a fill.
	FillDeltaThreshold decimal.Decimal
	// FlatTolerance is the largest position delta still taken as unchanged.
	FlatTolerance decimal.Decimal
	// Weight is the rate limiter weight of one exchange call.
	Weight int
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Second,
		MaxBackoffMultiplier: 4,
		MinBudgetHealth:      0.2,
		UrgencyAge:           time.Minute,
		MinRepriceInterval:   500 * time.Millisecond,
		FillDeltaThreshold:   decimal.RequireFromString("0.5"),
		FlatTolerance:        decimal.RequireFromString("0.00000001"),
		Weight:               1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxBackoffMultiplier < 1 {
		c.MaxBackoffMultiplier = def.MaxBackoffMultiplier
	}
	if c.UrgencyAge <= 0 {
		c.UrgencyAge = def.UrgencyAge
	}
	if c.MinRepriceInterval < 0 {
		c.MinRepriceInterval = def.MinRepriceInterval
	}
	if !c.FillDeltaThreshold.IsPositive() {
		c.FillDeltaThreshold = def.FillDeltaThreshold
	}
	if c.FlatTolerance.IsNegative() {
		c.FlatTolerance = def.FlatTolerance
	}
	if c.Weight <= 0 {
		c.Weight = def.Weight
	}
	return c
}

// NextInterval returns the polling period for the given worst budget health.
func (c Config) NextInterval(health float64) time.Duration {
	health = max(0, min(1, health))
	scale := 1 + (c.MaxBackoffMultiplier-1)*(1-health)
	return time.Duration(float64(c.Interval) * scale)
}
