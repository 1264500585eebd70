package hyperliquid

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"keeper/internal/adapter/enum"
	"keeper/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	clearinghouseReply = `{"assetPositions":[
		{"position":{"coin":"ETH","szi":"-1.5","entryPx":"3000","positionValue":"4530"},"type":"oneWay"},
		{"position":{"coin":"BTC","szi":"0.0","entryPx":"60000","positionValue":"0"},"type":"oneWay"}
	],"marginSummary":{"accountValue":"10000"},"withdrawable":"7500.25"}`
	metaReply = `[{"universe":[{"name":"BTC","szDecimals":5},{"name":"ETH","szDecimals":4}]},
		[{"funding":"0.0000125","markPx":"101000","midPx":"101000"},{"funding":"-0.00002","markPx":"3020.5","midPx":"3020.4"}]]`
	bookReply = `{"coin":"ETH","time":1700000000000,"levels":[[{"px":"3020.3","sz":"1","n":1}],[{"px":"3020.6","sz":"1","n":1}]]}`
)

func newInfoServer(t *testing.T, requests *[]infoRequest) *Info {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		var req infoRequest
		if !assert.NoError(t, sonic.Unmarshal(body, &req)) {
			return
		}
		if requests != nil {
			*requests = append(*requests, req)
		}
		switch req.Type {
		case "clearinghouseState":
			_, _ = io.WriteString(w, clearinghouseReply)
		case "metaAndAssetCtxs":
			_, _ = io.WriteString(w, metaReply)
		case "l2Book":
			_, _ = io.WriteString(w, bookReply)
		case "orderStatus":
			switch req.Oid {
			case 1:
				_, _ = io.WriteString(w, `{"status":"order","order":{"order":{"coin":"ETH","oid":1,"sz":"0.4","origSz":"1"},"status":"open","statusTimestamp":1}}`)
			case 2:
				_, _ = io.WriteString(w, `{"status":"order","order":{"order":{"coin":"ETH","oid":2,"sz":"0","origSz":"1"},"status":"filled","statusTimestamp":1}}`)
			default:
				_, _ = io.WriteString(w, `{"status":"unknownOid"}`)
			}
		default:
			http.Error(w, "bad type", http.StatusUnprocessableEntity)
		}
	}))
	t.Cleanup(srv.Close)
	return NewInfo("hyperliquid", srv.URL, "0xabc", srv.Client())
}

func TestInfoPositionsAndBalance(t *testing.T) {
	var requests []infoRequest
	info := newInfoServer(t, &requests)

	positions, err := info.Positions(t.Context())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "hyperliquid", p.Exchange)
	assert.Equal(t, enum.SideShort, p.Side)
	assert.Equal(t, "1.5", p.Size.String())
	assert.Equal(t, "3020", p.MarkPrice.String())
	assert.Equal(t, "0xabc", requests[0].User)

	bal, err := info.Balance(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "7500.25", bal.String())
}

func TestInfoOrderStatus(t *testing.T) {
	info := newInfoServer(t, nil)

	state, err := info.OrderStatus(t.Context(), "1", "ETH")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusPartialFilled, state.Status)
	assert.Equal(t, "0.6", state.FilledSize.String())

	state, err = info.OrderStatus(t.Context(), "2", "ETH")
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusFilled, state.Status)

	_, err = info.OrderStatus(t.Context(), "3", "ETH")
	assert.ErrorIs(t, err, exception.ErrOrderNotFound)

	_, err = info.OrderStatus(t.Context(), "abc", "ETH")
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestInfoMarket(t *testing.T) {
	info := newInfoServer(t, nil)

	tick, err := info.TickSize(t.Context(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "0.1", tick.String())

	tick, err = info.TickSize(t.Context(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, "10", tick.String())

	rate, err := info.FundingRate(t.Context(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "-0.00002", rate.String())

	_, err = info.FundingRate(t.Context(), "DOGE")
	assert.ErrorIs(t, err, exception.ErrUnknownSymbol)

	top, err := info.BookTop(t.Context(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "3020.3", top.BestBid.String())
	assert.Equal(t, "3020.6", top.BestAsk.String())
}

func TestInfoHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	info := NewInfo("hyperliquid", srv.URL, "0xabc", nil)
	_, err := info.Balance(t.Context())
	assert.ErrorIs(t, err, exception.ErrInResponseError)
}

func TestTickSize(t *testing.T) {
	testCases := []struct {
		szDecimals int32
		ref        string
		want       string
	}{
		{szDecimals: 0, ref: "0.123456", want: "0.00001"},
		{szDecimals: 0, ref: "0.000123", want: "0.000001"},
		{szDecimals: 2, ref: "150.25", want: "0.01"},
		{szDecimals: 4, ref: "3000", want: "0.1"},
		{szDecimals: 1, ref: "0", want: "0.00001"},
	}
	for _, tc := range testCases {
		got := tickSize(tc.szDecimals, decimal.RequireFromString(tc.ref))
		assert.Equal(t, tc.want, got.String(), "szDecimals %d ref %s", tc.szDecimals, tc.ref)
	}
}
