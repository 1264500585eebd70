package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/errors"
	"keeper/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

// Info is a read-only client of the info endpoint.
type Info struct {
	name   string
	url    string
	user   string
	client *http.Client
}

// NewInfo creates a client for the account user. client may be nil.
func NewInfo(name, url, user string, client *http.Client) *Info {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Info{
		name:   name,
		url:    url,
		user:   user,
		client: client,
	}
}

// Positions returns the account's open perpetual positions.
func (i *Info) Positions(ctx context.Context) ([]adapter.Position, error) {
	state, err := i.clearinghouse(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]adapter.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		signed, err := decimal.NewFromString(ap.Position.Szi)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s size %q", ap.Position.Coin, ap.Position.Szi)
		}
		if signed.IsZero() {
			continue
		}
		p := adapter.PositionFromSigned(i.name, ap.Position.Coin, signed)
		p.EntryPrice, _ = decimal.NewFromString(ap.Position.EntryPx)
		if value, err := decimal.NewFromString(ap.Position.PositionValue); err == nil {
			p.MarkPrice = value.Div(p.Size)
		}
		out = append(out, p)
	}
	return out, nil
}

// Balance returns the withdrawable collateral.
func (i *Info) Balance(ctx context.Context) (decimal.Decimal, error) {
	state, err := i.clearinghouse(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := decimal.NewFromString(state.Withdrawable)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse withdrawable %q", state.Withdrawable)
	}
	return bal, nil
}

// OrderStatus returns the status and filled size of an order by its numeric id.
func (i *Info) OrderStatus(ctx context.Context, orderID, symbol string) (adapter.OrderState, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return adapter.OrderState{}, errors.Wrapf(exception.ErrInvalidArgument, "order id %q", orderID)
	}
	var reply orderStatusReply
	if err := i.post(ctx, infoRequest{Type: "orderStatus", User: i.user, Oid: oid}, &reply); err != nil {
		return adapter.OrderState{}, err
	}
	if reply.Status != "order" {
		return adapter.OrderState{}, errors.Wrapf(exception.ErrOrderNotFound, "status %s %s on %s: %s", symbol, orderID, i.name, reply.Status)
	}
	status := orderStatus(reply.Order.Status)
	if !status.IsAvailable() {
		return adapter.OrderState{}, errors.Wrapf(exception.ErrUnexpectedReply, "order %s status %q", orderID, reply.Order.Status)
	}
	orig, err := decimal.NewFromString(reply.Order.Order.OrigSz)
	if err != nil {
		return adapter.OrderState{}, errors.Wrapf(err, "parse original size %q", reply.Order.Order.OrigSz)
	}
	left, err := decimal.NewFromString(reply.Order.Order.Sz)
	if err != nil {
		return adapter.OrderState{}, errors.Wrapf(err, "parse size %q", reply.Order.Order.Sz)
	}
	filled := orig.Sub(left)
	if status == enum.OrderStatusWaitingFill && filled.IsPositive() {
		status = enum.OrderStatusPartialFilled
	}
	return adapter.OrderState{Status: status, FilledSize: filled}, nil
}

// TickSize returns the price increment of symbol. Perpetual prices carry at most five
// significant figures and at most 6 minus szDecimals decimals.
func (i *Info) TickSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	szDecimals, asset, err := i.asset(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	ref, err := decimal.NewFromString(asset.MarkPx)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %s mark %q", symbol, asset.MarkPx)
	}
	return tickSize(szDecimals, ref), nil
}

func tickSize(szDecimals int32, ref decimal.Decimal) decimal.Decimal {
	tick := decimal.New(1, -(6 - szDecimals))
	if !ref.IsPositive() {
		return tick
	}
	magnitude := int32(math.Floor(math.Log10(ref.InexactFloat64())))
	if sig := decimal.New(1, magnitude-4); sig.GreaterThan(tick) {
		return sig
	}
	return tick
}

// FundingRate returns the current hourly funding rate of symbol.
func (i *Info) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	_, asset, err := i.asset(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(asset.Funding)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %s funding %q", symbol, asset.Funding)
	}
	return rate, nil
}

// BookTop returns a snapshot of the best bid and ask of symbol.
func (i *Info) BookTop(ctx context.Context, symbol string) (adapter.BookTop, error) {
	var b book
	if err := i.post(ctx, infoRequest{Type: channelBook, Coin: symbol}, &b); err != nil {
		return adapter.BookTop{}, err
	}
	if len(b.Levels[0]) == 0 || len(b.Levels[1]) == 0 {
		return adapter.BookTop{}, errors.Wrapf(exception.ErrBookUnavailable, "%s on %s", symbol, i.name)
	}
	bid, err := decimal.NewFromString(b.Levels[0][0].Px)
	if err != nil {
		return adapter.BookTop{}, errors.Wrapf(err, "parse bid %q", b.Levels[0][0].Px)
	}
	ask, err := decimal.NewFromString(b.Levels[1][0].Px)
	if err != nil {
		return adapter.BookTop{}, errors.Wrapf(err, "parse ask %q", b.Levels[1][0].Px)
	}
	return adapter.BookTop{BestBid: bid, BestAsk: ask, Time: time.UnixMilli(b.Time)}, nil
}

func (i *Info) clearinghouse(ctx context.Context) (clearinghouseState, error) {
	var state clearinghouseState
	err := i.post(ctx, infoRequest{Type: "clearinghouseState", User: i.user}, &state)
	return state, err
}

func (i *Info) asset(ctx context.Context, symbol string) (int32, assetCtx, error) {
	var raw []json.RawMessage
	if err := i.post(ctx, infoRequest{Type: "metaAndAssetCtxs"}, &raw); err != nil {
		return 0, assetCtx{}, err
	}
	if len(raw) != 2 {
		return 0, assetCtx{}, errors.Wrapf(exception.ErrUnexpectedReply, "metaAndAssetCtxs has %d parts", len(raw))
	}
	var (
		meta universe
		ctxs []assetCtx
	)
	if err := sonic.Unmarshal(raw[0], &meta); err != nil {
		return 0, assetCtx{}, errors.Wrap(err, "decode meta")
	}
	if err := sonic.Unmarshal(raw[1], &ctxs); err != nil {
		return 0, assetCtx{}, errors.Wrap(err, "decode asset contexts")
	}
	for idx, a := range meta.Universe {
		if a.Name != symbol {
			continue
		}
		if idx >= len(ctxs) {
			break
		}
		return a.SzDecimals, ctxs[idx], nil
	}
	return 0, assetCtx{}, errors.Wrapf(exception.ErrUnknownSymbol, "%s on %s", symbol, i.name)
}

func (i *Info) post(ctx context.Context, body any, out any) error {
	payload, err := sonic.ConfigFastest.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode info request")
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "new info request")
	}
	r.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(r)
	if err != nil {
		return errors.Wrapf(err, "post info %s", i.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrapf(exception.ErrInResponseError, "info status %d: %s", resp.StatusCode, msg)
	}
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode info reply")
	}
	return nil
}
