package adapter

import (
	"time"

	"keeper/internal/adapter/enum"

	"github.com/shopspring/decimal"
)

// OrderRequest is the exchange-agnostic order placement request.
//
// Price is required for limit orders. For market orders it is the worst acceptable
// price; venues that need a bound on marketable orders use it, others ignore it.
type OrderRequest struct {
	Symbol        string
	Side          enum.Side
	Type          enum.OrderType
	TimeInForce   enum.OrderTimeInForce
	Price         decimal.Decimal
	Size          decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// Validate checks the request before it leaves the process.
func (r OrderRequest) Validate() bool {
	if r.Symbol == "" || !r.Side.IsAvailable() || !r.Type.IsAvailable() {
		return false
	}
	if !r.Size.IsPositive() {
		return false
	}
	if r.Type == enum.OrderTypeLimit && !r.Price.IsPositive() {
		return false
	}
	return true
}

// OrderResult is returned by PlaceOrder and ModifyOrder.
type OrderResult struct {
	OrderID    string
	Status     enum.OrderStatus
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
}

// OrderState is the live view returned by OrderStatus.
type OrderState struct {
	Status     enum.OrderStatus
	FilledSize decimal.Decimal
}

// OrderUpdate is pushed on the order-update channel.
type OrderUpdate struct {
	Exchange  string
	OrderID   string
	Symbol    string
	Status    enum.OrderStatus
	Timestamp time.Time
}

// FillEvent is the normalized fill produced from each exchange's native payload.
type FillEvent struct {
	Exchange   string
	OrderID    string
	Symbol     string
	Side       enum.Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Timestamp  time.Time
	DetectedAt time.Time
	Latency    time.Duration
	// Reconciled marks fills inferred from a position delta instead of a push event.
	Reconciled bool
}

// Key identifies a fill for deduplication across reconnect replays.
func (e FillEvent) Key() string {
	return e.Exchange + "|" + e.OrderID + "|" + e.Size.String() + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano)
}
