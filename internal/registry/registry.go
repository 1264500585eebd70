package registry

import (
	"slices"
	"sync"
	"time"

	"keeper/internal/adapter/enum"
	"keeper/internal/errors"
	"keeper/internal/obs"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
)

// Key identifies one logical leg slot.
type Key struct {
	Exchange string
	Symbol   string
	Side     enum.Side
}

func (k Key) String() string {
	return k.Exchange + ":" + k.Symbol + ":" + k.Side.String()
}

// ActiveOrder is the registry's view of the order currently working a leg.
type ActiveOrder struct {
	Exchange   string
	Symbol     string
	Side       enum.Side
	OrderID    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	FilledSize decimal.Decimal
	Status     enum.OrderStatus
	ReduceOnly bool

	// PlacedAt is when the leg was first placed; OrderPlacedAt is when the current
	// underlying order was placed, which differs after a cancel-replace reprice.
	PlacedAt      time.Time
	OrderPlacedAt time.Time
	RepricedAt    time.Time
	RepriceCount  int

	// InitialPositionSize is the signed position before placement, nil when it could not
	// be read.
	InitialPositionSize *decimal.Decimal
	// Aggressive marks a leg taken over by asymmetric-fill resolution; repricers leave
	// it alone.
	Aggressive bool
}

// Key returns the slot the order occupies.
func (o ActiveOrder) Key() Key {
	return Key{Exchange: o.Exchange, Symbol: o.Symbol, Side: o.Side}
}

// Remaining returns the unfilled size.
func (o ActiveOrder) Remaining() decimal.Decimal {
	r := o.Size.Sub(o.FilledSize)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Update carries the fields UpdateStatus replaces. Zero values leave the field as is.
type Update struct {
	OrderID    string
	Price      decimal.Decimal
	Status     enum.OrderStatus
	FilledSize *decimal.Decimal
	// RepricedAt marks the update as a reprice.
	RepricedAt time.Time
}

// Registry holds at most one non-terminal order per (exchange, symbol, side).
type Registry struct {
	mu     sync.RWMutex
	orders map[Key]*ActiveOrder
	claims map[Key]struct{}
	prom   *obs.Prometheus
}

// New creates an empty registry. prom may be nil.
func New(prom *obs.Prometheus) *Registry {
	return &Registry{
		orders: make(map[Key]*ActiveOrder),
		claims: make(map[Key]struct{}),
		prom:   prom,
	}
}

// Register records a new order. It fails with exception.ErrSlotConflict when a
// non-terminal order already occupies the slot.
func (r *Registry) Register(order ActiveOrder) error {
	if order.Exchange == "" || order.Symbol == "" || !order.Side.IsAvailable() {
		return errors.Wrap(exception.ErrInvalidArgument, "register order")
	}
	if order.PlacedAt.IsZero() {
		order.PlacedAt = time.Now()
	}
	if order.OrderPlacedAt.IsZero() {
		order.OrderPlacedAt = order.PlacedAt
	}
	if !order.Status.IsAvailable() {
		order.Status = enum.OrderStatusWaitingFill
	}

	key := order.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.orders[key]; ok && !cur.Status.IsTerminal() {
		return errors.Wrapf(exception.ErrSlotConflict, "register %s (held by %s)", key, cur.OrderID)
	}
	r.orders[key] = &order
	r.publishLocked()
	return nil
}

// UpdateStatus replaces the order id, price, status and filled size of the order in key.
func (r *Registry) UpdateStatus(key Key, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[key]
	if !ok {
		return errors.Wrapf(exception.ErrOrderNotTracked, "update %s", key)
	}
	if u.OrderID != "" && u.OrderID != o.OrderID {
		o.OrderID = u.OrderID
		o.OrderPlacedAt = time.Now()
	}
	if !u.Price.IsZero() {
		o.Price = u.Price
	}
	if u.Status.IsAvailable() {
		o.Status = u.Status
	}
	if u.FilledSize != nil {
		o.FilledSize = *u.FilledSize
	}
	if !u.RepricedAt.IsZero() {
		o.RepricedAt = u.RepricedAt
		o.RepriceCount++
		if u.OrderID != "" {
			o.OrderPlacedAt = u.RepricedAt
		}
	}
	return nil
}

// ForceClear removes the order in key. It reports whether anything was removed and is
// safe to call repeatedly.
func (r *Registry) ForceClear(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[key]; !ok {
		return false
	}
	delete(r.orders, key)
	r.publishLocked()
	return true
}

// ClearOrder removes the order in key only while it is still orderID.
func (r *Registry) ClearOrder(key Key, orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[key]
	if !ok || o.OrderID != orderID {
		return false
	}
	delete(r.orders, key)
	r.publishLocked()
	return true
}

// ApplyFill adds size to the filled size of the order with orderID on exchange. When
// the order is completely filled it is marked FILLED and removed. found is false when no
// tracked order has that id.
func (r *Registry) ApplyFill(exchange, orderID string, size decimal.Decimal) (order ActiveOrder, done, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, o := r.findLocked(exchange, orderID)
	if o == nil {
		return ActiveOrder{}, false, false
	}
	o.FilledSize = o.FilledSize.Add(size)
	if o.FilledSize.LessThan(o.Size) {
		o.Status = enum.OrderStatusPartialFilled
		return *o, false, true
	}
	o.Status = enum.OrderStatusFilled
	delete(r.orders, key)
	r.publishLocked()
	return *o, true, true
}

// Get returns a copy of the order in key.
func (r *Registry) Get(key Key) (ActiveOrder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[key]
	if !ok {
		return ActiveOrder{}, false
	}
	return *o, true
}

// FindByOrderID returns the order with orderID on exchange.
func (r *Registry) FindByOrderID(exchange, orderID string) (ActiveOrder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, o := r.findLocked(exchange, orderID)
	if o == nil {
		return ActiveOrder{}, false
	}
	return *o, true
}

func (r *Registry) findLocked(exchange, orderID string) (Key, *ActiveOrder) {
	if orderID == "" {
		return Key{}, nil
	}
	for key, o := range r.orders {
		if key.Exchange == exchange && o.OrderID == orderID {
			return key, o
		}
	}
	return Key{}, nil
}

// SetAggressive flags or unflags the order in key as under aggressive control.
func (r *Registry) SetAggressive(key Key, aggressive bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[key]
	if !ok {
		return false
	}
	o.Aggressive = aggressive
	return true
}

// Snapshot returns the non-terminal orders, oldest first.
func (r *Registry) Snapshot() []ActiveOrder {
	return r.collect(func(ActiveOrder) bool { return true })
}

// Waiting returns the non-terminal orders resting on one book, oldest first.
func (r *Registry) Waiting(exchange, symbol string) []ActiveOrder {
	return r.collect(func(o ActiveOrder) bool {
		return o.Exchange == exchange && o.Symbol == symbol
	})
}

func (r *Registry) collect(match func(ActiveOrder) bool) []ActiveOrder {
	r.mu.RLock()
	out := make([]ActiveOrder, 0, len(r.orders))
	for _, o := range r.orders {
		if o.Status.IsTerminal() || !match(*o) {
			continue
		}
		out = append(out, *o)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b ActiveOrder) int {
		if c := a.PlacedAt.Compare(b.PlacedAt); c != 0 {
			return c
		}
		return compareKey(a.Key(), b.Key())
	})
	return out
}

func compareKey(a, b Key) int {
	if a.Exchange != b.Exchange {
		if a.Exchange < b.Exchange {
			return -1
		}
		return 1
	}
	if a.Symbol != b.Symbol {
		if a.Symbol < b.Symbol {
			return -1
		}
		return 1
	}
	return int(a.Side) - int(b.Side)
}

// Len returns the number of tracked orders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// Claim reserves key for one reprice attempt. It returns false while another attempt
// holds it.
func (r *Registry) Claim(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claims[key]; ok {
		return false
	}
	r.claims[key] = struct{}{}
	return true
}

// Release ends a claim.
func (r *Registry) Release(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, key)
}

// IsClaimed reports whether a reprice attempt holds key.
func (r *Registry) IsClaimed(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.claims[key]
	return ok
}

func (r *Registry) publishLocked() {
	r.prom.SetActiveOrders(len(r.orders))
}
