package balance

import "github.com/shopspring/decimal"

// Policy controls how collateral moves between the wallet and exchanges.
type Policy struct {
	// Asset is the collateral token symbol passed to deposits and withdrawals.
	Asset string
	// WalletAddress receives withdrawals before they are deposited elsewhere.
	WalletAddress string
	// MinWalletBalance below which the wallet is treated as empty.
	MinWalletBalance decimal.Decimal
	// MinTicket is the smallest deposit worth sending.
	MinTicket decimal.Decimal
	// Reserve stays on every exchange when it serves as a rebalance source.
	Reserve decimal.Decimal
	// Weight is the rate limiter weight of one exchange call.
	Weight int
}

// DefaultPolicy returns the default policy for USDC collateral.
func DefaultPolicy() Policy {
	return Policy{
		Asset:            "USDC",
		MinWalletBalance: decimal.NewFromInt(1),
		MinTicket:        decimal.NewFromInt(5),
		Weight:           1,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Asset == "" {
		p.Asset = def.Asset
	}
	if p.MinWalletBalance.IsNegative() {
		p.MinWalletBalance = def.MinWalletBalance
	}
	if !p.MinTicket.IsPositive() {
		p.MinTicket = def.MinTicket
	}
	if p.Reserve.IsNegative() {
		p.Reserve = decimal.Zero
	}
	if p.Weight <= 0 {
		p.Weight = def.Weight
	}
	return p
}
