package fill

import (
	"strconv"
	"testing"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/registry"
	"keeper/internal/venue/sim"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func restingOrder(t *testing.T, x *sim.Exchange, reg *registry.Registry, size string, placedAt time.Time) registry.ActiveOrder {
	t.Helper()
	res, err := x.PlaceOrder(t.Context(), adapter.OrderRequest{
		Symbol: "ETH", Side: enum.SideShort, Type: enum.OrderTypeLimit,
		TimeInForce: enum.OrderTimeInForceALO, Price: d("3010"), Size: d(size),
	})
	require.NoError(t, err)
	o := registry.ActiveOrder{
		Exchange: x.Name(), Symbol: "ETH", Side: enum.SideShort,
		OrderID: res.OrderID, Price: d("3010"), Size: d(size), PlacedAt: placedAt,
	}
	require.NoError(t, reg.Register(o))
	got, _ := reg.Get(o.Key())
	return got
}

func TestFillClearsLegAndMeasuresLatency(t *testing.T) {
	x := sim.New("x")
	x.SetBook("ETH", d("3000"), d("3005"))
	reg := registry.New(nil)
	m := New(reg, 10, nil)
	m.Attach("x", x, x.Normalize)
	defer m.Close()

	var heard []adapter.FillEvent
	m.OnFill(func(ev adapter.FillEvent) { heard = append(heard, ev) })

	o := restingOrder(t, x, reg, "2", time.Now().Add(-2*time.Second))
	require.NoError(t, x.FillOrder(o.OrderID, d("2")))

	_, tracked := reg.Get(o.Key())
	assert.False(t, tracked)

	recent := m.Recent(5)
	require.Len(t, recent, 1)
	ev := recent[0]
	assert.Equal(t, "x", ev.Exchange)
	assert.Equal(t, o.OrderID, ev.OrderID)
	assert.Equal(t, enum.SideShort, ev.Side)
	assert.True(t, ev.Size.Equal(d("2")))
	assert.GreaterOrEqual(t, ev.Latency, 2*time.Second)
	assert.False(t, ev.Reconciled)
	assert.Equal(t, recent, heard)

	stats := m.Statistics()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, map[string]int{"x": 1}, stats.PerExchange)
	assert.Equal(t, uint64(1), stats.Latency.Count)
	assert.GreaterOrEqual(t, stats.Latency.Min, 2*time.Second)
}

func TestPartialFillKeepsLeg(t *testing.T) {
	x := sim.New("x")
	x.SetBook("ETH", d("3000"), d("3005"))
	reg := registry.New(nil)
	m := New(reg, 10, nil)
	m.Attach("x", x, x.Normalize)

	o := restingOrder(t, x, reg, "2", time.Now())
	require.NoError(t, x.FillOrder(o.OrderID, d("0.5")))

	got, tracked := reg.Get(o.Key())
	require.True(t, tracked)
	assert.True(t, got.FilledSize.Equal(d("0.5")))
	assert.Equal(t, enum.OrderStatusPartialFilled, got.Status)

	require.NoError(t, x.FillOrder(o.OrderID, d("1.5")))
	_, tracked = reg.Get(o.Key())
	assert.False(t, tracked)
	assert.Equal(t, 2, m.Statistics().Count)
}

func TestDuplicateFillIgnored(t *testing.T) {
	reg := registry.New(nil)
	m := New(reg, 10, nil)
	ev := adapter.FillEvent{
		Exchange: "x", OrderID: "1", Symbol: "ETH", Side: enum.SideLong,
		Price: d("3000"), Size: d("1"), Timestamp: time.UnixMilli(1700000000000),
	}
	assert.True(t, m.Handle(ev))
	assert.False(t, m.Handle(ev))

	stats := m.Statistics()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Unmatched)
	assert.Zero(t, stats.Latency.Count)
}

func TestCancelUpdateReleasesLegUnlessClaimed(t *testing.T) {
	x := sim.New("x")
	x.SetBook("ETH", d("3000"), d("3005"))
	reg := registry.New(nil)
	m := New(reg, 10, nil)
	m.Attach("x", x, x.Normalize)

	o := restingOrder(t, x, reg, "1", time.Now())
	require.True(t, reg.Claim(o.Key()))
	require.NoError(t, x.CancelOrder(t.Context(), o.OrderID, "ETH"))
	_, tracked := reg.Get(o.Key())
	assert.True(t, tracked)
	reg.Release(o.Key())

	m.HandleOrderUpdate(adapter.OrderUpdate{Exchange: "x", OrderID: o.OrderID, Status: enum.OrderStatusFilled})
	_, tracked = reg.Get(o.Key())
	assert.True(t, tracked)

	m.HandleOrderUpdate(adapter.OrderUpdate{Exchange: "x", OrderID: o.OrderID, Status: enum.OrderStatusCancelled})
	_, tracked = reg.Get(o.Key())
	assert.False(t, tracked)
}

func TestReconciledRecordsInferredFill(t *testing.T) {
	reg := registry.New(nil)
	m := New(reg, 10, nil)
	o := registry.ActiveOrder{
		Exchange: "x", Symbol: "ETH", Side: enum.SideLong, OrderID: "9",
		Price: d("3000"), Size: d("2"), FilledSize: d("0.5"),
	}
	require.NoError(t, reg.Register(o))

	m.Reconciled(o, d("2"))
	assert.Zero(t, reg.Len())

	recent := m.Recent(1)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Reconciled)
	assert.True(t, recent[0].Size.Equal(d("1.5")))
	assert.Equal(t, 1, m.Statistics().Reconciled)
}

func TestRecentWrapsRing(t *testing.T) {
	m := New(registry.New(nil), 3, nil)
	for i := range 5 {
		m.Handle(adapter.FillEvent{
			Exchange: "x", OrderID: strconv.Itoa(i), Size: d("1"),
			Timestamp: time.UnixMilli(int64(i)),
		})
	}
	recent := m.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"2", "3", "4"}, []string{recent[0].OrderID, recent[1].OrderID, recent[2].OrderID})

	last := m.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "4", last[0].OrderID)
	assert.Equal(t, 5, m.Statistics().Count)
}
