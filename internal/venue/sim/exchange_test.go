package sim

import (
	"testing"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestPostOnlyRestsAndFillsOnCross(t *testing.T) {
	x := New("x")
	x.SetBook("ETH", d("3000"), d("3001"))

	var fills []adapter.FillEvent
	x.OnFill(func(payload any) {
		ev, err := x.Normalize(payload)
		require.NoError(t, err)
		fills = append(fills, ev)
	})

	res, err := x.PlaceOrder(t.Context(), adapter.OrderRequest{
		Symbol: "ETH", Side: enum.SideLong, Type: enum.OrderTypeLimit,
		TimeInForce: enum.OrderTimeInForceALO, Price: d("3000"), Size: d("2"),
	})
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusWaitingFill, res.Status)
	assert.Empty(t, fills)

	x.SetBook("ETH", d("2998"), d("2999"))
	require.Len(t, fills, 1)
	assert.Equal(t, res.OrderID, fills[0].OrderID)
	assert.Equal(t, enum.SideLong, fills[0].Side)
	assert.True(t, fills[0].Size.Equal(d("2")))
	assert.True(t, x.Position("ETH").Equal(d("2")))

	st, err := x.OrderStatus(t.Context(), res.OrderID, "ETH")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusFilled, st.Status)
}

func TestPostOnlyCrossingRejected(t *testing.T) {
	x := New("x")
	x.SetBook("ETH", d("3000"), d("3001"))
	_, err := x.PlaceOrder(t.Context(), adapter.OrderRequest{
		Symbol: "ETH", Side: enum.SideShort, Type: enum.OrderTypeLimit,
		TimeInForce: enum.OrderTimeInForceALO, Price: d("3000"), Size: d("1"),
	})
	require.ErrorIs(t, err, exception.ErrOrderRejected)
}

func TestReduceOnlyMarketClipped(t *testing.T) {
	x := New("x")
	x.SetBook("ETH", d("3000"), d("3001"))
	x.SetPosition("ETH", d("-1.5"))

	res, err := x.PlaceOrder(t.Context(), adapter.OrderRequest{
		Symbol: "ETH", Side: enum.SideLong, Type: enum.OrderTypeMarket,
		TimeInForce: enum.OrderTimeInForceIOC, Size: d("5"), ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.True(t, res.FilledSize.Equal(d("1.5")))
	assert.True(t, res.AvgPrice.Equal(d("3001")))
	assert.True(t, x.Position("ETH").IsZero())
}

func TestMarketFillRatio(t *testing.T) {
	x := New("x")
	x.SetBook("ETH", d("3000"), d("3001"))
	x.SetPosition("ETH", d("4"))
	x.SetMarketFillRatio(d("0.5"))

	res, err := x.PlaceOrder(t.Context(), adapter.OrderRequest{
		Symbol: "ETH", Side: enum.SideShort, Type: enum.OrderTypeMarket,
		TimeInForce: enum.OrderTimeInForceIOC, Size: d("4"), ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusCancelled, res.Status)
	assert.True(t, x.Position("ETH").Equal(d("2")))
}

func TestFailNextAndCalls(t *testing.T) {
	x := New("x")
	x.FailNext(OpCancel, 1, nil)
	err := x.CancelOrder(t.Context(), "missing", "ETH")
	require.ErrorIs(t, err, ErrInjected)
	err = x.CancelOrder(t.Context(), "missing", "ETH")
	require.ErrorIs(t, err, exception.ErrOrderNotFound)
	assert.Equal(t, 2, x.Calls(OpCancel))
}

func TestModifyKeepsOrderID(t *testing.T) {
	x := New("x")
	x.SetBook("ETH", d("3000"), d("3005"))
	v := x.ModifyingVenue()
	m, ok := v.Exchange.(adapter.Modifier)
	require.True(t, ok)

	res, err := v.Exchange.PlaceOrder(t.Context(), adapter.OrderRequest{
		Symbol: "ETH", Side: enum.SideLong, Type: enum.OrderTypeLimit,
		TimeInForce: enum.OrderTimeInForceALO, Price: d("3000"), Size: d("1"),
	})
	require.NoError(t, err)

	mod, err := m.ModifyOrder(t.Context(), res.OrderID, adapter.OrderRequest{
		Symbol: "ETH", Side: enum.SideLong, Type: enum.OrderTypeLimit,
		TimeInForce: enum.OrderTimeInForceALO, Price: d("3002"), Size: d("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, mod.OrderID)
	require.Len(t, x.OpenOrders("ETH"), 1)
	assert.True(t, x.OpenOrders("ETH")[0].Price.Equal(d("3002")))
}

func TestTransfersMoveWalletFunds(t *testing.T) {
	w := NewWallet(d("100"))
	x := New("x")
	x.AttachWallet(w)

	require.NoError(t, x.DepositExternal(t.Context(), d("60"), "USDC"))
	assert.True(t, w.Balance().Equal(d("40")))
	require.Error(t, x.DepositExternal(t.Context(), d("60"), "USDC"))

	require.NoError(t, x.WithdrawExternal(t.Context(), d("10"), "USDC", "0xabc"))
	assert.True(t, w.Balance().Equal(d("50")))
	bal, err := x.Balance(t.Context())
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("50")))
	require.Len(t, x.Withdrawals(), 1)
	assert.Equal(t, "0xabc", x.Withdrawals()[0].Destination)
}

func TestFaultConfigValidate(t *testing.T) {
	assert.Error(t, FaultConfig{ErrorRate: 2}.Validate())
	assert.Error(t, FaultConfig{MaxLatency: -1}.Validate())
	assert.NoError(t, FaultConfig{ErrorRate: 0.1, DropFillRate: 0.2}.Validate())

	x := New("x")
	require.NoError(t, x.SetFaults(FaultConfig{Seed: 1, ErrorRate: 1}))
	_, err := x.Balance(t.Context())
	assert.ErrorIs(t, err, ErrInjected)
}
