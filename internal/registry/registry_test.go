package registry

import (
	"sync"
	"testing"
	"time"

	"keeper/internal/adapter/enum"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func order(exchange, symbol string, side enum.Side, id string, placedAt time.Time) ActiveOrder {
	return ActiveOrder{
		Exchange: exchange,
		Symbol:   symbol,
		Side:     side,
		OrderID:  id,
		Price:    decimal.NewFromInt(3000),
		Size:     decimal.NewFromInt(2),
		PlacedAt: placedAt,
	}
}

func TestRegisterRejectsOccupiedSlot(t *testing.T) {
	r := New(nil)
	now := time.Now()
	require.NoError(t, r.Register(order("x", "ETH", enum.SideLong, "1", now)))

	err := r.Register(order("x", "ETH", enum.SideLong, "2", now))
	require.ErrorIs(t, err, exception.ErrSlotConflict)

	require.NoError(t, r.Register(order("x", "ETH", enum.SideShort, "3", now)))
	require.NoError(t, r.Register(order("y", "ETH", enum.SideLong, "4", now)))
	assert.Equal(t, 3, r.Len())

	got, ok := r.Get(Key{Exchange: "x", Symbol: "ETH", Side: enum.SideLong})
	require.True(t, ok)
	assert.Equal(t, "1", got.OrderID)
	assert.Equal(t, enum.OrderStatusWaitingFill, got.Status)
	assert.Equal(t, got.PlacedAt, got.OrderPlacedAt)
}

func TestRegisterOverwritesTerminalEntry(t *testing.T) {
	r := New(nil)
	o := order("x", "ETH", enum.SideLong, "1", time.Now())
	require.NoError(t, r.Register(o))
	require.NoError(t, r.UpdateStatus(o.Key(), Update{Status: enum.OrderStatusCancelled}))
	assert.Empty(t, r.Snapshot())

	require.NoError(t, r.Register(order("x", "ETH", enum.SideLong, "2", time.Now())))
	got, _ := r.Get(o.Key())
	assert.Equal(t, "2", got.OrderID)
}

func TestConcurrentRegisterSingleWinner(t *testing.T) {
	r := New(nil)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := order("x", "ETH", enum.SideLong, string(rune('a'+i)), time.Now())
			if r.Register(o) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Len(t, r.Snapshot(), 1)
}

func TestUpdateSnapshotRoundTrip(t *testing.T) {
	r := New(nil)
	placed := time.Now().Add(-time.Minute)
	o := order("x", "ETH", enum.SideLong, "1", placed)
	require.NoError(t, r.Register(o))

	repriced := time.Now()
	require.NoError(t, r.UpdateStatus(o.Key(), Update{
		OrderID:    "2",
		Price:      decimal.NewFromInt(3002),
		RepricedAt: repriced,
	}))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	got := snap[0]
	assert.Equal(t, "2", got.OrderID)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(3002)))
	assert.True(t, got.Size.Equal(o.Size))
	assert.Equal(t, enum.OrderStatusWaitingFill, got.Status)
	assert.Equal(t, placed, got.PlacedAt)
	assert.Equal(t, repriced, got.OrderPlacedAt)
	assert.Equal(t, repriced, got.RepricedAt)
	assert.Equal(t, 1, got.RepriceCount)

	err := r.UpdateStatus(Key{Exchange: "x", Symbol: "BTC", Side: enum.SideLong}, Update{})
	assert.ErrorIs(t, err, exception.ErrOrderNotTracked)
}

func TestForceClearIdempotent(t *testing.T) {
	r := New(nil)
	o := order("x", "ETH", enum.SideLong, "1", time.Now())
	require.NoError(t, r.Register(o))

	assert.True(t, r.ForceClear(o.Key()))
	assert.False(t, r.ForceClear(o.Key()))
	assert.False(t, r.ForceClear(o.Key()))
	assert.Zero(t, r.Len())
}

func TestClearOrderOnlyMatchingID(t *testing.T) {
	r := New(nil)
	o := order("x", "ETH", enum.SideLong, "1", time.Now())
	require.NoError(t, r.Register(o))

	assert.False(t, r.ClearOrder(o.Key(), "old"))
	assert.True(t, r.ClearOrder(o.Key(), "1"))
}

func TestApplyFill(t *testing.T) {
	r := New(nil)
	o := order("x", "ETH", enum.SideShort, "7", time.Now())
	require.NoError(t, r.Register(o))

	_, _, found := r.ApplyFill("y", "7", decimal.NewFromInt(1))
	assert.False(t, found)

	got, done, found := r.ApplyFill("x", "7", decimal.NewFromInt(1))
	require.True(t, found)
	assert.False(t, done)
	assert.Equal(t, enum.OrderStatusPartialFilled, got.Status)
	assert.True(t, got.Remaining().Equal(decimal.NewFromInt(1)))

	got, done, found = r.ApplyFill("x", "7", decimal.NewFromInt(1))
	require.True(t, found)
	assert.True(t, done)
	assert.Equal(t, enum.OrderStatusFilled, got.Status)
	assert.Zero(t, r.Len())
}

func TestSnapshotOldestFirst(t *testing.T) {
	r := New(nil)
	now := time.Now()
	require.NoError(t, r.Register(order("x", "ETH", enum.SideLong, "new", now)))
	require.NoError(t, r.Register(order("y", "BTC", enum.SideShort, "old", now.Add(-time.Hour))))
	require.NoError(t, r.Register(order("x", "BTC", enum.SideLong, "mid", now.Add(-time.Minute))))

	ids := make([]string, 0, 3)
	for _, o := range r.Snapshot() {
		ids = append(ids, o.OrderID)
	}
	assert.Equal(t, []string{"old", "mid", "new"}, ids)

	waiting := r.Waiting("x", "ETH")
	require.Len(t, waiting, 1)
	assert.Equal(t, "new", waiting[0].OrderID)
}

func TestClaim(t *testing.T) {
	r := New(nil)
	key := Key{Exchange: "x", Symbol: "ETH", Side: enum.SideLong}
	assert.True(t, r.Claim(key))
	assert.False(t, r.Claim(key))
	assert.True(t, r.IsClaimed(key))
	r.Release(key)
	assert.False(t, r.IsClaimed(key))
	assert.True(t, r.Claim(key))
}

func TestSetAggressive(t *testing.T) {
	r := New(nil)
	o := order("x", "ETH", enum.SideLong, "1", time.Now())
	assert.False(t, r.SetAggressive(o.Key(), true))
	require.NoError(t, r.Register(o))
	assert.True(t, r.SetAggressive(o.Key(), true))
	got, _ := r.Get(o.Key())
	assert.True(t, got.Aggressive)
}
