package position

import (
	"slices"
	"sync"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/registry"

	"github.com/shopspring/decimal"
)

// PairState opening, hedged, flat, stuck
type PairState uint8

const (
	_pair_state_beg PairState = iota
	PairStateOpening
	PairStateHedged
	PairStateFlat
	PairStateStuck
	_pair_state_end
)

func (s PairState) IsAvailable() bool {
	return s > _pair_state_beg && s < _pair_state_end
}

func (s PairState) String() string {
	switch s {
	case PairStateOpening:
		return "OPENING"
	case PairStateHedged:
		return "HEDGED"
	case PairStateFlat:
		return "FLAT"
	case PairStateStuck:
		return "STUCK"
	default:
		return "UNKNOWN"
	}
}

// Leg is one side of a pair.
type Leg struct {
	Exchange string
	Side     enum.Side
	Size     decimal.Decimal
	Filled   decimal.Decimal
	Rate     decimal.Decimal
	FilledAt time.Time
}

// IsFilled reports whether the whole leg filled.
func (l Leg) IsFilled() bool {
	return l.Size.IsPositive() && l.Filled.GreaterThanOrEqual(l.Size)
}

// Remaining returns the unfilled size.
func (l Leg) Remaining() decimal.Decimal {
	r := l.Size.Sub(l.Filled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// LegPair is a two-leg trade being opened.
type LegPair struct {
	ID       string
	Symbol   string
	Long     Leg
	Short    Leg
	OpenedAt time.Time
	State    PairState
	Attempts int
}

// Key returns the registry slot of a leg.
func (p LegPair) Key(leg Leg) registry.Key {
	return registry.Key{Exchange: leg.Exchange, Symbol: p.Symbol, Side: leg.Side}
}

// IsAsymmetric reports whether exactly one leg filled.
func (p LegPair) IsAsymmetric() bool {
	return p.Long.IsFilled() != p.Short.IsFilled()
}

// Tracker follows open leg pairs and applies fills to their legs.
type Tracker struct {
	mu    sync.Mutex
	pairs map[string]*LegPair
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pairs: make(map[string]*LegPair)}
}

// Track starts following pair.
func (t *Tracker) Track(pair LegPair) {
	if pair.OpenedAt.IsZero() {
		pair.OpenedAt = time.Now()
	}
	if !pair.State.IsAvailable() {
		pair.State = PairStateOpening
	}
	pair.Long.Side = enum.SideLong
	pair.Short.Side = enum.SideShort
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pairs[pair.ID] = &pair
}

// ApplyFill adds a fill to the opening leg it belongs to. It reports whether a leg
// matched.
func (t *Tracker) ApplyFill(ev adapter.FillEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.sortedIDsLocked() {
		p := t.pairs[id]
		if p.State != PairStateOpening || p.Symbol != ev.Symbol {
			continue
		}
		leg := p.leg(ev.Exchange, ev.Side)
		if leg == nil || leg.IsFilled() {
			continue
		}
		leg.Filled = decimal.Min(leg.Size, leg.Filled.Add(ev.Size))
		if leg.IsFilled() {
			leg.FilledAt = ev.DetectedAt
			if leg.FilledAt.IsZero() {
				leg.FilledAt = time.Now()
			}
		}
		if p.Long.IsFilled() && p.Short.IsFilled() {
			p.State = PairStateHedged
		}
		return true
	}
	return false
}

func (p *LegPair) leg(exchange string, side enum.Side) *Leg {
	switch {
	case side == enum.SideLong && p.Long.Exchange == exchange:
		return &p.Long
	case side == enum.SideShort && p.Short.Exchange == exchange:
		return &p.Short
	default:
		return nil
	}
}

// Get returns a copy of the pair with id.
func (t *Tracker) Get(id string) (LegPair, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pairs[id]
	if !ok {
		return LegPair{}, false
	}
	return *p, true
}

// Pairs returns copies of every tracked pair, oldest first.
func (t *Tracker) Pairs() []LegPair {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LegPair, 0, len(t.pairs))
	for _, id := range t.sortedIDsLocked() {
		out = append(out, *t.pairs[id])
	}
	return out
}

// Update applies fn to the pair with id.
func (t *Tracker) Update(id string, fn func(*LegPair)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pairs[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// Remove stops following the pair with id.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pairs, id)
}

// Len returns the number of tracked pairs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pairs)
}

func (t *Tracker) sortedIDsLocked() []string {
	ids := make([]string, 0, len(t.pairs))
	for id := range t.pairs {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c := t.pairs[a].OpenedAt.Compare(t.pairs[b].OpenedAt); c != 0 {
			return c
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return ids
}
