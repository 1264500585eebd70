package keeper

import (
	"context"
	"testing"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/balance"
	"keeper/internal/ratelimit"
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
	x, y   *sim.Exchange
	keeper *Keeper
}

func newFixture(t *testing.T, opt Options) *fixture {
	t.Helper()
	x, y := sim.New("x"), sim.New("y")
	for _, ex := range []*sim.Exchange{x, y} {
		ex.SetTick("ETH", d("1"))
		ex.SetBook("ETH", d("3000"), d("3005"))
	}
	opt.Limits = ratelimit.Limits{PerSecond: 1000, PerMinute: 10000}
	k := New(adapter.Venues{"x": x.Venue(), "y": y.Venue()}, opt)
	t.Cleanup(k.Close)
	return &fixture{x: x, y: y, keeper: k}
}

func ethOpportunity() adapter.Opportunity {
	return adapter.Opportunity{
		Symbol:        "ETH",
		LongExchange:  "x",
		ShortExchange: "y",
		Size:          d("1"),
		LongRate:      d("-0.0001"),
		ShortRate:     d("0.0005"),
	}
}

func TestOpenPlacesBothMakerLegs(t *testing.T) {
	f := newFixture(t, Options{})

	pair, err := f.keeper.Open(t.Context(), ethOpportunity())
	require.NoError(t, err)
	assert.NotEmpty(t, pair.ID)
	assert.Equal(t, "OPENING", pair.State.String())

	long := f.x.OpenOrders("ETH")
	require.Len(t, long, 1)
	assert.Equal(t, enum.SideLong, long[0].Side)
	assert.Equal(t, enum.OrderTimeInForceALO, long[0].TimeInForce)
	assert.True(t, long[0].Price.Equal(d("3000")))

	short := f.y.OpenOrders("ETH")
	require.Len(t, short, 1)
	assert.Equal(t, enum.SideShort, short[0].Side)
	assert.True(t, short[0].Price.Equal(d("3005")))

	assert.Len(t, f.keeper.ActiveOrders(), 2)
	assert.Positive(t, f.keeper.Usage("x").MinuteWeight)
	assert.Equal(t, 1, f.keeper.Positions().Tracker().Len())
}

func TestOpenExplicitPrices(t *testing.T) {
	f := newFixture(t, Options{})
	opp := ethOpportunity()
	opp.LongPrice = d("2990")
	opp.ShortPrice = d("3010")

	_, err := f.keeper.Open(t.Context(), opp)
	require.NoError(t, err)
	assert.True(t, f.x.OpenOrders("ETH")[0].Price.Equal(d("2990")))
	assert.True(t, f.y.OpenOrders("ETH")[0].Price.Equal(d("3010")))
}

func TestOpenShortFailureAbandonsLong(t *testing.T) {
	f := newFixture(t, Options{})
	f.y.FailNext(sim.OpPlace, 1, nil)

	_, err := f.keeper.Open(t.Context(), ethOpportunity())
	require.Error(t, err)
	assert.Empty(t, f.x.OpenOrders("ETH"))
	assert.Equal(t, 1, f.x.Calls(sim.OpCancel))
	assert.Empty(t, f.keeper.ActiveOrders())
	assert.Zero(t, f.keeper.Positions().Tracker().Len())
}

func TestOpenLongFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.x.FailNext(sim.OpPlace, 1, nil)

	_, err := f.keeper.Open(t.Context(), ethOpportunity())
	require.Error(t, err)
	assert.Zero(t, f.y.Calls(sim.OpPlace))
	assert.Empty(t, f.keeper.ActiveOrders())
	assert.Zero(t, f.keeper.Positions().Tracker().Len())
}

func TestOpenRejectsBadOpportunity(t *testing.T) {
	f := newFixture(t, Options{})

	same := ethOpportunity()
	same.ShortExchange = "x"
	_, err := f.keeper.Open(t.Context(), same)
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)

	unknown := ethOpportunity()
	unknown.ShortExchange = "z"
	_, err = f.keeper.Open(t.Context(), unknown)
	assert.ErrorIs(t, err, exception.ErrUnknownExchange)

	noBook := ethOpportunity()
	noBook.Symbol = "BTC"
	_, err = f.keeper.Open(t.Context(), noBook)
	assert.ErrorIs(t, err, exception.ErrBookUnavailable)

	assert.Zero(t, f.x.Calls(sim.OpPlace))
	assert.Zero(t, f.y.Calls(sim.OpPlace))
}

func TestSweepRemovesHedgedPair(t *testing.T) {
	f := newFixture(t, Options{})
	pair, err := f.keeper.Open(t.Context(), ethOpportunity())
	require.NoError(t, err)

	f.x.SetBook("ETH", d("2990"), d("3000"))
	f.y.SetBook("ETH", d("3005"), d("3015"))
	f.keeper.Repricer().Wait()

	stats := f.keeper.FillStatistics()
	assert.Equal(t, 2, stats.Count)

	report, ran := f.keeper.Sweep(t.Context())
	require.True(t, ran)
	assert.Equal(t, []string{pair.ID}, report.Resolved.Hedged)
	assert.Zero(t, f.keeper.Positions().Tracker().Len())
	assert.Empty(t, f.keeper.ActiveOrders())
}

func TestSweepSkippedWhileRunning(t *testing.T) {
	f := newFixture(t, Options{})
	f.keeper.sweeping.Store(true)

	_, ran := f.keeper.Sweep(t.Context())
	assert.False(t, ran)
	assert.Equal(t, uint64(1), f.keeper.Metrics().Snapshot().SweepsSkipped)

	f.keeper.sweeping.Store(false)
	_, ran = f.keeper.Sweep(t.Context())
	assert.True(t, ran)
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, Options{Config: Config{MinSweepInterval: 5 * time.Millisecond}})
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, f.keeper.Run(ctx))
}

func TestDistributeSpreadsWallet(t *testing.T) {
	wallet := sim.NewWallet(d("100"))
	f := newFixture(t, Options{Wallet: wallet})
	f.x.AttachWallet(wallet)
	f.y.AttachWallet(wallet)

	res := f.keeper.Distribute(t.Context())
	assert.Empty(t, res.Failed)
	require.Len(t, res.Deposited, 2)
	assert.True(t, res.Deposited["x"].Equal(d("50")))
	assert.True(t, res.Deposited["y"].Equal(d("50")))
	assert.True(t, wallet.Balance().IsZero())
}

func TestDistributeOnlyConfiguredVenues(t *testing.T) {
	wallet := sim.NewWallet(d("100"))
	f := newFixture(t, Options{Wallet: wallet, Config: Config{DistributeTo: []string{"y"}}})
	f.y.AttachWallet(wallet)

	res := f.keeper.Distribute(t.Context())
	assert.Empty(t, f.x.Deposits())
	require.Len(t, f.y.Deposits(), 1)
	assert.True(t, res.Deposited["y"].Equal(d("100")))
}

func TestCloseAllThroughKeeper(t *testing.T) {
	f := newFixture(t, Options{})
	f.x.SetPosition("ETH", d("1"))
	f.y.SetPosition("ETH", d("-1"))

	res := f.keeper.CloseAll(t.Context())
	assert.Len(t, res.Closed, 2)
	assert.True(t, f.x.Position("ETH").IsZero())
	assert.True(t, f.y.Position("ETH").IsZero())
}

func TestRebalanceReadsLegBalances(t *testing.T) {
	wallet := sim.NewWallet(decimal.Zero)
	z := sim.New("z")
	z.AttachWallet(wallet)
	z.SetBalance(d("500"))
	x, y := sim.New("x"), sim.New("y")
	for _, ex := range []*sim.Exchange{x, y} {
		ex.AttachWallet(wallet)
	}
	x.SetBalance(d("100"))
	y.SetBalance(d("300"))

	policy := balance.DefaultPolicy()
	policy.WalletAddress = "0xwallet"
	k := New(adapter.Venues{"x": x.Venue(), "y": y.Venue(), "z": z.Venue()}, Options{
		Limits:  ratelimit.Limits{PerSecond: 1000, PerMinute: 10000},
		Balance: policy,
		Wallet:  wallet,
	})
	t.Cleanup(k.Close)

	res, err := k.Rebalance(t.Context(), ethOpportunity(), d("250"))
	require.NoError(t, err)
	assert.True(t, res.LongDeficit.Equal(d("150")))
	assert.True(t, res.ShortDeficit.IsZero())
	require.Len(t, res.Transfers, 1)
	assert.Equal(t, "z", res.Transfers[0].From)
	assert.Equal(t, "x", res.Transfers[0].To)
	require.Len(t, z.Withdrawals(), 1)
	require.Len(t, x.Deposits(), 1)
	assert.True(t, x.Deposits()[0].Amount.Equal(d("150")))
}
