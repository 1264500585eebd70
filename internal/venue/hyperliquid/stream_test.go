package hyperliquid

import (
	"testing"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func push(t *testing.T, s *Stream, raw string) {
	t.Helper()
	var env envelope
	require.NoError(t, sonic.Unmarshal([]byte(raw), &env))
	s.handle(env)
}

func TestStreamBook(t *testing.T) {
	s := newStream("hyperliquid", "")
	var got []adapter.BookTop
	unsub := s.OnBookUpdate("ETH", func(top adapter.BookTop) { got = append(got, top) })

	push(t, s, `{"channel":"l2Book","data":{"coin":"ETH","time":1700000000000,"levels":[[{"px":"3000.1","sz":"2","n":1}],[{"px":"3000.4","sz":"1","n":2}]]}}`)
	push(t, s, `{"channel":"l2Book","data":{"coin":"BTC","time":1700000000000,"levels":[[{"px":"60000","sz":"2","n":1}],[{"px":"60001","sz":"1","n":2}]]}}`)

	require.Len(t, got, 1)
	assert.Equal(t, "3000.1", got[0].BestBid.String())
	assert.Equal(t, "3000.4", got[0].BestAsk.String())
	assert.Equal(t, time.UnixMilli(1700000000000), got[0].Time)

	top, ok := s.BestBidAsk("BTC")
	require.True(t, ok)
	assert.Equal(t, "60001", top.BestAsk.String())

	unsub()
	push(t, s, `{"channel":"l2Book","data":{"coin":"ETH","time":1700000000001,"levels":[[{"px":"3001","sz":"2","n":1}],[{"px":"3002","sz":"1","n":2}]]}}`)
	assert.Len(t, got, 1)
	top, _ = s.BestBidAsk("ETH")
	assert.Equal(t, "3001", top.BestBid.String())

	push(t, s, `{"channel":"l2Book","data":{"coin":"SOL","time":1,"levels":[[],[{"px":"150","sz":"1","n":1}]]}}`)
	_, ok = s.BestBidAsk("SOL")
	assert.False(t, ok)
}

func TestStreamFills(t *testing.T) {
	s := newStream("hyperliquid", "0xabc")
	var got []adapter.FillEvent
	s.OnFill(func(payload any) {
		ev, err := s.Normalize(payload)
		require.NoError(t, err)
		got = append(got, ev)
	})

	push(t, s, `{"channel":"userFills","data":{"isSnapshot":true,"user":"0xabc","fills":[{"coin":"ETH","px":"2990","sz":"1","side":"B","time":1,"oid":1,"tid":1}]}}`)
	assert.Empty(t, got)

	push(t, s, `{"channel":"userFills","data":{"user":"0xabc","fills":[{"coin":"ETH","px":"3000.5","sz":"0.25","side":"A","time":1700000000123,"oid":77,"tid":9,"crossed":false,"fee":"0.01"}]}}`)
	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, "hyperliquid", ev.Exchange)
	assert.Equal(t, "77", ev.OrderID)
	assert.Equal(t, "ETH", ev.Symbol)
	assert.Equal(t, enum.SideShort, ev.Side)
	assert.Equal(t, "3000.5", ev.Price.String())
	assert.Equal(t, "0.25", ev.Size.String())
	assert.Equal(t, time.UnixMilli(1700000000123), ev.Timestamp)
}

func TestNormalizeRejectsForeignPayload(t *testing.T) {
	s := newStream("hyperliquid", "")
	_, err := s.Normalize("nope")
	assert.ErrorIs(t, err, exception.ErrUnexpectedReply)

	_, err = s.Normalize((*Fill)(nil))
	assert.ErrorIs(t, err, exception.ErrNilInstance)

	_, err = s.Normalize(Fill{Px: "x", Sz: "1"})
	assert.Error(t, err)

	ev, err := s.Normalize(&Fill{Coin: "BTC", Px: "1", Sz: "2", Side: "B", Oid: 5})
	require.NoError(t, err)
	assert.Equal(t, enum.SideLong, ev.Side)
}

func TestStreamOrderUpdates(t *testing.T) {
	s := newStream("hyperliquid", "0xabc")
	var got []adapter.OrderUpdate
	s.OnOrderUpdate(func(u adapter.OrderUpdate) { got = append(got, u) })

	push(t, s, `{"channel":"orderUpdates","data":[
		{"order":{"coin":"ETH","side":"B","limitPx":"3000","sz":"1","oid":10,"timestamp":1,"origSz":"1"},"status":"open","statusTimestamp":5},
		{"order":{"coin":"ETH","side":"B","limitPx":"3000","sz":"0","oid":11,"timestamp":1,"origSz":"1"},"status":"marginCanceled","statusTimestamp":6},
		{"order":{"coin":"ETH","side":"B","limitPx":"3000","sz":"0","oid":12,"timestamp":1,"origSz":"1"},"status":"somethingNew","statusTimestamp":7}
	]}`)

	require.Len(t, got, 2)
	assert.Equal(t, "10", got[0].OrderID)
	assert.Equal(t, enum.OrderStatusWaitingFill, got[0].Status)
	assert.Equal(t, enum.OrderStatusCancelled, got[1].Status)
	assert.Equal(t, time.UnixMilli(6), got[1].Timestamp)
}

func TestOrderStatusMapping(t *testing.T) {
	testCases := []struct {
		in   string
		want enum.OrderStatus
	}{
		{"open", enum.OrderStatusWaitingFill},
		{"triggered", enum.OrderStatusWaitingFill},
		{"filled", enum.OrderStatusFilled},
		{"canceled", enum.OrderStatusCancelled},
		{"reduceOnlyCanceled", enum.OrderStatusCancelled},
		{"scheduledCancel", enum.OrderStatusCancelled},
		{"rejected", enum.OrderStatusRejected},
		{"badAloPxRejected", enum.OrderStatusRejected},
		{"whatever", 0},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, orderStatus(tc.in))
		})
	}
}
