package adapter

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the per-exchange adapter. Errors from any method are AdapterFailures and
// are always handled at the call site.
type Exchange interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	OrderStatus(ctx context.Context, orderID, symbol string) (OrderState, error)
	Positions(ctx context.Context) ([]Position, error)
	TickSize(ctx context.Context, symbol string) (decimal.Decimal, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
	DepositExternal(ctx context.Context, amount decimal.Decimal, asset string) error
	WithdrawExternal(ctx context.Context, amount decimal.Decimal, asset, destination string) error
}

// Modifier is implemented by exchanges with an atomic modify primitive.
type Modifier interface {
	ModifyOrder(ctx context.Context, orderID string, req OrderRequest) (OrderResult, error)
}

// FundingRater is implemented by exchanges that can report the live funding rate.
type FundingRater interface {
	FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// BookStream delivers best bid/ask pushes per symbol.
type BookStream interface {
	OnBookUpdate(symbol string, handler func(BookTop)) (unsubscribe func())
	BestBidAsk(symbol string) (BookTop, bool)
}

// FillStream delivers the exchange's native fill payloads and order updates.
type FillStream interface {
	OnFill(handler func(payload any)) (unsubscribe func())
	OnOrderUpdate(handler func(OrderUpdate)) (unsubscribe func())
}

// Normalizer translates one native fill payload into a FillEvent.
type Normalizer func(payload any) (FillEvent, error)

// WalletReader reads the keeper's on-chain collateral balance.
type WalletReader interface {
	CollateralBalance(ctx context.Context) (decimal.Decimal, error)
}

// Venue bundles everything the keeper needs from one exchange.
type Venue struct {
	Exchange  Exchange
	Book      BookStream
	Fills     FillStream
	Normalize Normalizer
}

// Venues maps exchange name to venue.
type Venues map[string]Venue

// Names returns the exchange names in map order.
func (v Venues) Names() []string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	return names
}
