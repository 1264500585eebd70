package sim

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/errors"
	"keeper/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Op names an adapter operation for call counting and failure injection.
type Op string

const (
	OpPlace     Op = "place"
	OpCancel    Op = "cancel"
	OpModify    Op = "modify"
	OpStatus    Op = "status"
	OpPositions Op = "positions"
	OpTick      Op = "tick"
	OpBalance   Op = "balance"
	OpDeposit   Op = "deposit"
	OpWithdraw  Op = "withdraw"
	OpFunding   Op = "funding"
)

var ErrInjected = errors.New("sim: injected failure")

// Transfer is one recorded deposit or withdrawal.
type Transfer struct {
	Amount      decimal.Decimal
	Asset       string
	Destination string
}

type order struct {
	id       string
	req      adapter.OrderRequest
	status   enum.OrderStatus
	filled   decimal.Decimal
	avgPrice decimal.Decimal
	seq      int
}

type notice struct {
	fill   *Fill
	update *adapter.OrderUpdate
	book   *bookNotice
}

type bookNotice struct {
	symbol string
	top    adapter.BookTop
}

// Exchange is an in-memory exchange. It implements adapter.Exchange, adapter.BookStream,
// adapter.FillStream and adapter.FundingRater.
type Exchange struct {
	name string

	mu        sync.Mutex
	books     map[string]adapter.BookTop
	ticks     map[string]decimal.Decimal
	rates     map[string]decimal.Decimal
	orders    map[string]*order
	positions map[string]decimal.Decimal
	balance   decimal.Decimal
	wallet    *Wallet

	deposits    []Transfer
	withdrawals []Transfer

	calls    map[Op]int
	failNext map[Op]int
	failErr  map[Op]error

	marketFillRatio decimal.Decimal
	dropFills       bool
	faults          *faults

	seq        int
	nextSub    int
	bookSubs   map[string]map[int]func(adapter.BookTop)
	fillSubs   map[int]func(any)
	updateSubs map[int]func(adapter.OrderUpdate)
}

// New creates an empty exchange named name.
func New(name string) *Exchange {
	return &Exchange{
		name:            name,
		books:           make(map[string]adapter.BookTop),
		ticks:           make(map[string]decimal.Decimal),
		rates:           make(map[string]decimal.Decimal),
		orders:          make(map[string]*order),
		positions:       make(map[string]decimal.Decimal),
		calls:           make(map[Op]int),
		failNext:        make(map[Op]int),
		failErr:         make(map[Op]error),
		marketFillRatio: decimal.NewFromInt(1),
		bookSubs:        make(map[string]map[int]func(adapter.BookTop)),
		fillSubs:        make(map[int]func(any)),
		updateSubs:      make(map[int]func(adapter.OrderUpdate)),
	}
}

func (e *Exchange) Name() string {
	return e.name
}

// Venue bundles the exchange with its own streams.
func (e *Exchange) Venue() adapter.Venue {
	return adapter.Venue{Exchange: e, Book: e, Fills: e, Normalize: e.Normalize}
}

// ModifyingVenue is Venue with an exchange that supports atomic modify.
func (e *Exchange) ModifyingVenue() adapter.Venue {
	v := e.Venue()
	v.Exchange = &Modifying{Exchange: e}
	return v
}

// SetFaults enables random fault injection.
func (e *Exchange) SetFaults(cfg FaultConfig) error {
	f, err := newFaults(cfg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.faults = f
	e.mu.Unlock()
	return nil
}

// FailNext makes the next n calls of op fail with err, ErrInjected when err is nil.
func (e *Exchange) FailNext(op Op, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext[op] = n
	e.failErr[op] = err
}

// Calls returns how many times op was invoked.
func (e *Exchange) Calls(op Op) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// SetMarketFillRatio sets the fraction of market and IOC orders that fills.
func (e *Exchange) SetMarketFillRatio(ratio decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marketFillRatio = ratio
}

// DropFills suppresses fill pushes while still applying fills to positions.
func (e *Exchange) DropFills(drop bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropFills = drop
}

// SetTick sets the tick size of symbol.
func (e *Exchange) SetTick(symbol string, tick decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticks[symbol] = tick
}

// SetFundingRate sets the funding rate of symbol.
func (e *Exchange) SetFundingRate(symbol string, rate decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rates[symbol] = rate
}

// SetPosition sets the signed position of symbol.
func (e *Exchange) SetPosition(symbol string, signed decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[symbol] = signed
}

// Position returns the signed position of symbol.
func (e *Exchange) Position(symbol string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[symbol]
}

// SetBalance sets the exchange collateral balance.
func (e *Exchange) SetBalance(amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance = amount
}

// AttachWallet links the external wallet deposits draw from and withdrawals pay into.
func (e *Exchange) AttachWallet(w *Wallet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wallet = w
}

// Deposits returns the recorded deposits.
func (e *Exchange) Deposits() []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.deposits)
}

// Withdrawals returns the recorded withdrawals.
func (e *Exchange) Withdrawals() []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.withdrawals)
}

// SetBook replaces the top of book of symbol, fills resting orders it crosses and
// pushes the update to subscribers.
func (e *Exchange) SetBook(symbol string, bid, ask decimal.Decimal) {
	top := adapter.BookTop{BestBid: bid, BestAsk: ask, Time: time.Now()}
	e.mu.Lock()
	e.books[symbol] = top
	var notes []notice
	for _, id := range e.sortedOrderIDsLocked() {
		o := e.orders[id]
		if o.req.Symbol != symbol || o.status.IsTerminal() || !crosses(top, o.req.Side, o.req.Price) {
			continue
		}
		notes = append(notes, e.fillLocked(o, o.req.Size.Sub(o.filled), o.req.Price)...)
	}
	notes = append(notes, notice{book: &bookNotice{symbol: symbol, top: top}})
	e.mu.Unlock()
	e.emit(notes)
}

// FillOrder fills size of a resting order at its limit price.
func (e *Exchange) FillOrder(orderID string, size decimal.Decimal) error {
	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok || o.status.IsTerminal() {
		e.mu.Unlock()
		return errors.Wrapf(exception.ErrOrderNotFound, "fill %s", orderID)
	}
	size = decimal.Min(size, o.req.Size.Sub(o.filled))
	notes := e.fillLocked(o, size, o.req.Price)
	e.mu.Unlock()
	e.emit(notes)
	return nil
}

// OpenOrders returns the resting orders of symbol, oldest first.
func (e *Exchange) OpenOrders(symbol string) []adapter.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []adapter.OrderRequest
	for _, id := range e.sortedOrderIDsLocked() {
		o := e.orders[id]
		if o.req.Symbol == symbol && !o.status.IsTerminal() {
			out = append(out, o.req)
		}
	}
	return out
}

// OpenOrderIDs returns the ids of the resting orders of symbol, oldest first.
func (e *Exchange) OpenOrderIDs(symbol string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, id := range e.sortedOrderIDsLocked() {
		o := e.orders[id]
		if o.req.Symbol == symbol && !o.status.IsTerminal() {
			out = append(out, id)
		}
	}
	return out
}

// PlacedOrders returns every order request received, oldest first.
func (e *Exchange) PlacedOrders() []adapter.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]adapter.OrderRequest, 0, len(e.orders))
	for _, id := range e.sortedOrderIDsLocked() {
		out = append(out, e.orders[id].req)
	}
	return out
}

func (e *Exchange) sortedOrderIDsLocked() []string {
	ids := slices.Collect(maps.Keys(e.orders))
	slices.SortFunc(ids, func(a, b string) int {
		return e.orders[a].seq - e.orders[b].seq
	})
	return ids
}

func (e *Exchange) PlaceOrder(ctx context.Context, req adapter.OrderRequest) (adapter.OrderResult, error) {
	if err := e.enter(ctx, OpPlace); err != nil {
		return adapter.OrderResult{}, err
	}
	if !req.Validate() {
		return adapter.OrderResult{}, errors.Wrapf(exception.ErrOrderInvalidRequest, "place on %s", e.name)
	}

	e.mu.Lock()
	e.seq++
	o := &order{
		id:     uuid.NewString(),
		req:    req,
		status: enum.OrderStatusWaitingFill,
		seq:    e.seq,
	}
	e.orders[o.id] = o
	top := e.books[req.Symbol]

	var (
		notes []notice
		err   error
	)
	switch {
	case req.Type == enum.OrderTypeMarket || req.TimeInForce == enum.OrderTimeInForceIOC:
		price := top.Opposite(req.Side)
		if req.Type == enum.OrderTypeLimit && !crosses(top, req.Side, req.Price) {
			price = decimal.Zero
		}
		size := req.Size.Mul(e.marketFillRatio)
		if req.ReduceOnly {
			size = decimal.Min(size, reducible(e.positions[req.Symbol], req.Side))
		}
		if price.IsPositive() && size.IsPositive() {
			notes = e.fillLocked(o, size, price)
		}
		if !o.status.IsTerminal() {
			notes = append(notes, e.statusLocked(o, enum.OrderStatusCancelled))
		}
	case req.TimeInForce == enum.OrderTimeInForceALO && crosses(top, req.Side, req.Price):
		notes = append(notes, e.statusLocked(o, enum.OrderStatusRejected))
		err = errors.Wrapf(exception.ErrOrderRejected, "post-only %s %s at %s crosses", req.Side, req.Symbol, req.Price)
	case crosses(top, req.Side, req.Price):
		notes = e.fillLocked(o, req.Size, top.Opposite(req.Side))
	}
	res := adapter.OrderResult{
		OrderID:    o.id,
		Status:     o.status,
		FilledSize: o.filled,
		AvgPrice:   o.avgPrice,
	}
	e.mu.Unlock()
	e.emit(notes)
	return res, err
}

func (e *Exchange) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if err := e.enter(ctx, OpCancel); err != nil {
		return err
	}
	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok || o.status.IsTerminal() {
		e.mu.Unlock()
		return errors.Wrapf(exception.ErrOrderNotFound, "cancel %s on %s", orderID, e.name)
	}
	note := e.statusLocked(o, enum.OrderStatusCancelled)
	e.mu.Unlock()
	e.emit([]notice{note})
	return nil
}

func (e *Exchange) OrderStatus(ctx context.Context, orderID, symbol string) (adapter.OrderState, error) {
	if err := e.enter(ctx, OpStatus); err != nil {
		return adapter.OrderState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return adapter.OrderState{}, errors.Wrapf(exception.ErrOrderNotFound, "status %s on %s", orderID, e.name)
	}
	return adapter.OrderState{Status: o.status, FilledSize: o.filled}, nil
}

func (e *Exchange) Positions(ctx context.Context) ([]adapter.Position, error) {
	if err := e.enter(ctx, OpPositions); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	symbols := slices.Sorted(maps.Keys(e.positions))
	out := make([]adapter.Position, 0, len(symbols))
	for _, symbol := range symbols {
		signed := e.positions[symbol]
		if signed.IsZero() {
			continue
		}
		p := adapter.PositionFromSigned(e.name, symbol, signed)
		if top, ok := e.books[symbol]; ok && top.IsValid() {
			p.MarkPrice = top.BestBid.Add(top.BestAsk).Div(decimal.NewFromInt(2))
		}
		out = append(out, p)
	}
	return out, nil
}

func (e *Exchange) TickSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := e.enter(ctx, OpTick); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tick, ok := e.ticks[symbol]
	if !ok {
		return decimal.Zero, errors.Wrapf(exception.ErrUnknownSymbol, "tick %s on %s", symbol, e.name)
	}
	return tick, nil
}

func (e *Exchange) Balance(ctx context.Context) (decimal.Decimal, error) {
	if err := e.enter(ctx, OpBalance); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, nil
}

func (e *Exchange) DepositExternal(ctx context.Context, amount decimal.Decimal, asset string) error {
	if err := e.enter(ctx, OpDeposit); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wallet != nil {
		if err := e.wallet.debit(amount); err != nil {
			return errors.Wrapf(err, "deposit %s on %s", amount, e.name)
		}
	}
	e.balance = e.balance.Add(amount)
	e.deposits = append(e.deposits, Transfer{Amount: amount, Asset: asset})
	return nil
}

func (e *Exchange) WithdrawExternal(ctx context.Context, amount decimal.Decimal, asset, destination string) error {
	if err := e.enter(ctx, OpWithdraw); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if amount.GreaterThan(e.balance) {
		return errors.Wrapf(exception.ErrInvalidArgument, "withdraw %s from %s holding %s", amount, e.name, e.balance)
	}
	e.balance = e.balance.Sub(amount)
	if e.wallet != nil {
		e.wallet.credit(amount)
	}
	e.withdrawals = append(e.withdrawals, Transfer{Amount: amount, Asset: asset, Destination: destination})
	return nil
}

func (e *Exchange) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := e.enter(ctx, OpFunding); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rate, ok := e.rates[symbol]
	if !ok {
		return decimal.Zero, errors.Wrapf(exception.ErrUnknownSymbol, "funding %s on %s", symbol, e.name)
	}
	return rate, nil
}

// Modifying is an Exchange that also implements adapter.Modifier.
type Modifying struct {
	*Exchange
}

func (m *Modifying) ModifyOrder(ctx context.Context, orderID string, req adapter.OrderRequest) (adapter.OrderResult, error) {
	e := m.Exchange
	if err := e.enter(ctx, OpModify); err != nil {
		return adapter.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.status.IsTerminal() {
		return adapter.OrderResult{}, errors.Wrapf(exception.ErrOrderNotFound, "modify %s on %s", orderID, e.name)
	}
	if req.TimeInForce == enum.OrderTimeInForceALO && crosses(e.books[o.req.Symbol], o.req.Side, req.Price) {
		return adapter.OrderResult{}, errors.Wrapf(exception.ErrOrderRejected, "modify %s to %s crosses", orderID, req.Price)
	}
	o.req.Price = req.Price
	if req.Size.IsPositive() {
		o.req.Size = o.filled.Add(req.Size)
	}
	return adapter.OrderResult{OrderID: o.id, Status: o.status, FilledSize: o.filled}, nil
}

// enter counts the call and applies injected failures and latency.
func (e *Exchange) enter(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.calls[op]++
	var err error
	if e.failNext[op] > 0 {
		e.failNext[op]--
		err = e.failErr[op]
	}
	f := e.faults
	e.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "%s on %s", op, e.name)
	}
	if f.shouldFail() {
		return errors.Wrapf(ErrInjected, "%s on %s", op, e.name)
	}
	if d := f.latency(); d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return nil
}

func (e *Exchange) fillLocked(o *order, size, price decimal.Decimal) []notice {
	if !size.IsPositive() {
		return nil
	}
	notional := o.avgPrice.Mul(o.filled).Add(price.Mul(size))
	o.filled = o.filled.Add(size)
	o.avgPrice = notional.Div(o.filled)

	signed := size
	if o.req.Side == enum.SideShort {
		signed = size.Neg()
	}
	e.positions[o.req.Symbol] = e.positions[o.req.Symbol].Add(signed)

	now := time.Now()
	side := "B"
	if o.req.Side == enum.SideShort {
		side = "A"
	}
	notes := []notice{{fill: &Fill{
		Oid:  o.id,
		Coin: o.req.Symbol,
		Side: side,
		Px:   price.String(),
		Sz:   size.String(),
		Time: now.UnixMilli(),
		Tid:  strconv.FormatInt(now.UnixNano(), 10),
	}}}
	if o.filled.GreaterThanOrEqual(o.req.Size) {
		notes = append(notes, e.statusLocked(o, enum.OrderStatusFilled))
	} else {
		o.status = enum.OrderStatusPartialFilled
	}
	return notes
}

func (e *Exchange) statusLocked(o *order, status enum.OrderStatus) notice {
	o.status = status
	return notice{update: &adapter.OrderUpdate{
		Exchange:  e.name,
		OrderID:   o.id,
		Symbol:    o.req.Symbol,
		Status:    status,
		Timestamp: time.Now(),
	}}
}

func crosses(top adapter.BookTop, side enum.Side, price decimal.Decimal) bool {
	if side == enum.SideLong {
		return top.BestAsk.IsPositive() && price.GreaterThanOrEqual(top.BestAsk)
	}
	return top.BestBid.IsPositive() && price.LessThanOrEqual(top.BestBid)
}

// reducible returns how much an order on side can reduce the signed position.
func reducible(position decimal.Decimal, side enum.Side) decimal.Decimal {
	if side == enum.SideLong && position.IsNegative() {
		return position.Neg()
	}
	if side == enum.SideShort && position.IsPositive() {
		return position
	}
	return decimal.Zero
}
