package position

import (
	"testing"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/ratelimit"
	"keeper/internal/registry"
	"keeper/internal/venue/sim"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type fixture struct {
	x, y    *sim.Exchange
	reg     *registry.Registry
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	x, y := sim.New("x"), sim.New("y")
	for _, ex := range []*sim.Exchange{x, y} {
		ex.SetTick("ETH", d("1"))
		ex.SetBook("ETH", d("3000"), d("3005"))
	}
	reg := registry.New(nil)
	limiter := ratelimit.New(ratelimit.Limits{PerSecond: 1000, PerMinute: 10000}, nil, nil)
	t.Cleanup(limiter.Close)
	venues := adapter.Venues{"x": x.Venue(), "y": y.Venue()}
	m := NewManager(DefaultConfig(), venues, reg, limiter, nil, nil)
	return &fixture{x: x, y: y, reg: reg, manager: m}
}

func TestAllPositionsDegradesPerExchange(t *testing.T) {
	f := newFixture(t)
	f.x.SetPosition("ETH", d("2"))
	f.y.SetPosition("ETH", d("-1.5"))

	agg := f.manager.AllPositions(t.Context())
	assert.Empty(t, agg.Unknown)
	assert.True(t, agg.NetExposure()["ETH"].Equal(d("0.5")))
	assert.Len(t, agg.All(), 2)

	f.y.FailNext(sim.OpPositions, 1, nil)
	agg = f.manager.AllPositions(t.Context())
	require.Contains(t, agg.Unknown, "y")
	assert.NotContains(t, agg.ByExchange, "y")
	size, ok := agg.Size("x", "ETH")
	require.True(t, ok)
	assert.True(t, size.Equal(d("2")))
	assert.True(t, agg.NetExposure()["ETH"].Equal(d("2")))
}

func TestCloseAllPositionsClosesInOneOrder(t *testing.T) {
	f := newFixture(t)
	f.x.SetPosition("ETH", d("2"))
	f.y.SetPosition("ETH", d("-1"))

	res := f.manager.CloseAllPositions(t.Context())
	assert.Len(t, res.Closed, 2)
	assert.Empty(t, res.StillOpen)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, f.x.Calls(sim.OpPlace))
	assert.Equal(t, 1, f.y.Calls(sim.OpPlace))

	orders := f.x.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, enum.SideShort, orders[0].Side)
	assert.Equal(t, enum.OrderTypeMarket, orders[0].Type)
	assert.Equal(t, enum.OrderTimeInForceIOC, orders[0].TimeInForce)
	assert.True(t, orders[0].ReduceOnly)
	assert.True(t, orders[0].Price.LessThan(d("3000")))
}

func TestCloseAllPositionsSingleFallback(t *testing.T) {
	f := newFixture(t)
	f.x.SetPosition("ETH", d("2"))
	f.x.SetMarketFillRatio(decimal.Zero)

	res := f.manager.CloseAllPositions(t.Context())
	assert.Empty(t, res.Closed)
	require.Len(t, res.StillOpen, 1)
	assert.True(t, res.StillOpen[0].Size.Equal(d("2")))
	assert.Equal(t, 2, f.x.Calls(sim.OpPlace))
	require.NotEmpty(t, res.Errors)
	assert.ErrorIs(t, res.Errors[len(res.Errors)-1], exception.ErrPositionStillOpen)

	orders := f.x.PlacedOrders()
	require.Len(t, orders, 2)
	assert.True(t, orders[1].Price.LessThan(orders[0].Price), "fallback should allow more slippage")
}

func TestCloseAllPositionsFallbackCompletes(t *testing.T) {
	f := newFixture(t)
	f.x.SetPosition("ETH", d("-2"))
	f.x.SetMarketFillRatio(d("0.5"))

	res := f.manager.CloseAllPositions(t.Context())
	require.Len(t, res.StillOpen, 1)
	assert.True(t, res.StillOpen[0].Size.Equal(d("0.5")))
	assert.Equal(t, enum.SideShort, res.StillOpen[0].Side)

	orders := f.x.PlacedOrders()
	require.Len(t, orders, 2)
	assert.True(t, orders[1].Size.Equal(d("1")))

	f.x.SetMarketFillRatio(d("1"))
	res = f.manager.CloseAllPositions(t.Context())
	assert.Len(t, res.Closed, 1)
	assert.True(t, f.x.Position("ETH").IsZero())
}

func TestCloseAllPositionsReportsUnknownExchange(t *testing.T) {
	f := newFixture(t)
	f.y.FailNext(sim.OpPositions, 1, nil)
	res := f.manager.CloseAllPositions(t.Context())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "y", res.Errors[0].Exchange)
	assert.ErrorIs(t, res.Errors[0], sim.ErrInjected)
}

func TestCloseFilledPosition(t *testing.T) {
	f := newFixture(t)
	f.x.SetPosition("ETH", d("1"))

	var outcomes []Outcome
	f.manager.OnOutcome(func(o Outcome) { outcomes = append(outcomes, o) })

	require.NoError(t, f.manager.CloseFilledPosition(t.Context(), "x", "ETH", enum.SideLong, d("1")))
	assert.True(t, f.x.Position("ETH").IsZero())
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeUnwind, outcomes[0].Kind)
	assert.NoError(t, outcomes[0].Err)

	f.x.SetPosition("ETH", d("1"))
	f.x.FailNext(sim.OpPlace, 1, nil)
	err := f.manager.CloseFilledPosition(t.Context(), "x", "ETH", enum.SideLong, d("1"))
	require.ErrorIs(t, err, sim.ErrInjected)
	assert.ErrorIs(t, err, exception.ErrAdapterFailure)
	require.Len(t, outcomes, 2)
	assert.ErrorIs(t, outcomes[1].Err, exception.ErrAdapterFailure)

	err = f.manager.CloseFilledPosition(t.Context(), "z", "ETH", enum.SideLong, d("1"))
	assert.ErrorIs(t, err, exception.ErrUnknownExchange)
}

// openAsymmetric leaves a filled long leg on x and a resting short leg on y placed at
// restingSince.
func openAsymmetric(t *testing.T, f *fixture, restingSince time.Time) LegPair {
	t.Helper()
	f.x.SetPosition("ETH", d("1"))
	res, err := f.y.PlaceOrder(t.Context(), adapter.OrderRequest{
		Symbol: "ETH", Side: enum.SideShort, Type: enum.OrderTypeLimit,
		TimeInForce: enum.OrderTimeInForceALO, Price: d("3010"), Size: d("1"),
	})
	require.NoError(t, err)
	require.NoError(t, f.reg.Register(registry.ActiveOrder{
		Exchange: "y", Symbol: "ETH", Side: enum.SideShort,
		OrderID: res.OrderID, Price: d("3010"), Size: d("1"), PlacedAt: restingSince,
	}))

	pair := LegPair{
		ID:     "p1",
		Symbol: "ETH",
		Long: Leg{
			Exchange: "x", Size: d("1"), Filled: d("1"), Rate: d("0.0001"),
			FilledAt: restingSince,
		},
		Short:    Leg{Exchange: "y", Size: d("1"), Rate: d("0.0005")},
		OpenedAt: restingSince,
	}
	f.manager.Tracker().Track(pair)
	return pair
}

func TestAsymmetricCompletesAtMarketWhenProfitable(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	pair := openAsymmetric(t, f, now.Add(-3*time.Minute))

	res := f.manager.HandleAsymmetricFills(t.Context(), now)
	assert.Equal(t, []string{pair.ID}, res.Completed)
	assert.Empty(t, res.Errors)

	assert.Equal(t, 1, f.y.Calls(sim.OpCancel))
	orders := f.y.PlacedOrders()
	require.Len(t, orders, 2)
	market := orders[1]
	assert.Equal(t, enum.OrderTypeMarket, market.Type)
	assert.Equal(t, enum.SideShort, market.Side)
	assert.False(t, market.ReduceOnly)
	assert.True(t, market.Size.Equal(d("1")))

	assert.True(t, f.y.Position("ETH").Equal(d("-1")))
	assert.Empty(t, f.y.OpenOrders("ETH"))
	assert.Zero(t, f.reg.Len())
	assert.Zero(t, f.manager.Tracker().Len())
}

func TestAsymmetricUsesLiveRates(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	pair := openAsymmetric(t, f, now.Add(-3*time.Minute))
	f.x.SetFundingRate("ETH", d("0.0006"))
	f.y.SetFundingRate("ETH", d("0.0001"))

	res := f.manager.HandleAsymmetricFills(t.Context(), now)
	assert.Equal(t, []string{pair.ID}, res.Unwound)
	assert.Empty(t, res.Completed)

	assert.True(t, f.x.Position("ETH").IsZero())
	assert.True(t, f.y.Position("ETH").IsZero())
	assert.Empty(t, f.y.OpenOrders("ETH"))
	assert.Zero(t, f.reg.Len())
}

func TestAsymmetricWithinTimeoutUntouched(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	openAsymmetric(t, f, now.Add(-30*time.Second))

	res := f.manager.HandleAsymmetricFills(t.Context(), now)
	assert.Empty(t, res.Completed)
	assert.Empty(t, res.Unwound)
	assert.Zero(t, f.y.Calls(sim.OpCancel))
	assert.Equal(t, 1, f.reg.Len())
	assert.Equal(t, 1, f.manager.Tracker().Len())
}

func TestAsymmetricBoundedAttempts(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	pair := openAsymmetric(t, f, now.Add(-3*time.Minute))
	f.x.SetFundingRate("ETH", d("0.0006"))
	f.y.SetFundingRate("ETH", d("0.0001"))
	f.x.FailNext(sim.OpPlace, 100, nil)

	for range 3 {
		res := f.manager.HandleAsymmetricFills(t.Context(), now)
		assert.Empty(t, res.Unwound)
		assert.NotEmpty(t, res.Errors)
	}
	got, ok := f.manager.Tracker().Get(pair.ID)
	require.True(t, ok)
	assert.Equal(t, PairStateStuck, got.State)
	assert.Equal(t, 3, f.x.Calls(sim.OpPlace))

	res := f.manager.HandleAsymmetricFills(t.Context(), now)
	assert.Equal(t, []string{pair.ID}, res.Stuck)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 3, f.x.Calls(sim.OpPlace))
}

func TestTrackerAppliesFills(t *testing.T) {
	tr := NewTracker()
	tr.Track(LegPair{
		ID: "p", Symbol: "ETH",
		Long:  Leg{Exchange: "x", Size: d("1")},
		Short: Leg{Exchange: "y", Size: d("1")},
	})

	assert.False(t, tr.ApplyFill(adapter.FillEvent{Exchange: "y", Symbol: "ETH", Side: enum.SideLong, Size: d("1")}))
	assert.True(t, tr.ApplyFill(adapter.FillEvent{Exchange: "x", Symbol: "ETH", Side: enum.SideLong, Size: d("0.4")}))
	p, _ := tr.Get("p")
	assert.False(t, p.IsAsymmetric())

	assert.True(t, tr.ApplyFill(adapter.FillEvent{Exchange: "x", Symbol: "ETH", Side: enum.SideLong, Size: d("0.9")}))
	p, _ = tr.Get("p")
	assert.True(t, p.Long.Filled.Equal(d("1")))
	assert.False(t, p.Long.FilledAt.IsZero())
	assert.True(t, p.IsAsymmetric())

	assert.True(t, tr.ApplyFill(adapter.FillEvent{Exchange: "y", Symbol: "ETH", Side: enum.SideShort, Size: d("1")}))
	p, _ = tr.Get("p")
	assert.Equal(t, PairStateHedged, p.State)
}

func TestHedgedAndAbandonedPairsRemoved(t *testing.T) {
	f := newFixture(t)
	tr := f.manager.Tracker()
	tr.Track(LegPair{ID: "hedged", Symbol: "ETH", State: PairStateHedged,
		Long: Leg{Exchange: "x", Size: d("1"), Filled: d("1")}, Short: Leg{Exchange: "y", Size: d("1"), Filled: d("1")}})
	tr.Track(LegPair{ID: "gone", Symbol: "BTC",
		Long: Leg{Exchange: "x", Size: d("1")}, Short: Leg{Exchange: "y", Size: d("1")}})

	res := f.manager.HandleAsymmetricFills(t.Context(), time.Now())
	assert.Equal(t, []string{"hedged"}, res.Hedged)
	assert.Equal(t, []string{"gone"}, res.Abandoned)
	assert.Zero(t, tr.Len())
}

func TestExpectedNetReturn(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.ExpectedNetReturn(d("0.0001"), d("0.0005"))
	assert.True(t, got.Equal(d("0.0086")), "got %s", got)
	assert.True(t, cfg.ExpectedNetReturn(d("0.0005"), d("0.0001")).IsNegative())
}

func TestAbandonCancelsRestingAndClosesFilled(t *testing.T) {
	f := newFixture(t)
	pair := openAsymmetric(t, f, time.Now())

	require.NoError(t, f.manager.Abandon(t.Context(), pair.ID))
	assert.Equal(t, 1, f.y.Calls(sim.OpCancel))
	assert.Empty(t, f.y.OpenOrders("ETH"))
	assert.True(t, f.x.Position("ETH").IsZero())
	assert.Zero(t, f.manager.Tracker().Len())
	assert.Zero(t, f.reg.Len())

	assert.ErrorIs(t, f.manager.Abandon(t.Context(), pair.ID), exception.ErrPairUnresolved)
}

func TestAbandonKeepsPairWhenCloseFails(t *testing.T) {
	f := newFixture(t)
	pair := openAsymmetric(t, f, time.Now())
	f.x.FailNext(sim.OpPlace, 1, nil)

	require.Error(t, f.manager.Abandon(t.Context(), pair.ID))
	_, ok := f.manager.Tracker().Get(pair.ID)
	assert.True(t, ok)
	assert.True(t, f.x.Position("ETH").Equal(d("1")))
}
