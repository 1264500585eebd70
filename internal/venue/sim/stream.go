package sim

import (
	"time"

	"keeper/internal/adapter"
	"keeper/internal/adapter/enum"
	"keeper/internal/errors"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
)

// Fill is the venue's native fill payload, shaped like a user-fills push.
type Fill struct {
	Oid  string `json:"oid"`
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	Tid  string `json:"tid"`
}

// Normalize converts a native Fill payload into an adapter.FillEvent.
func (e *Exchange) Normalize(payload any) (adapter.FillEvent, error) {
	var f Fill
	switch v := payload.(type) {
	case Fill:
		f = v
	case *Fill:
		if v == nil {
			return adapter.FillEvent{}, exception.ErrNilInstance
		}
		f = *v
	default:
		return adapter.FillEvent{}, errors.Wrapf(exception.ErrUnexpectedReply, "fill payload %T", payload)
	}

	price, err := decimal.NewFromString(f.Px)
	if err != nil {
		return adapter.FillEvent{}, errors.Wrapf(err, "parse fill price %q", f.Px)
	}
	size, err := decimal.NewFromString(f.Sz)
	if err != nil {
		return adapter.FillEvent{}, errors.Wrapf(err, "parse fill size %q", f.Sz)
	}
	side := enum.SideLong
	if f.Side == "A" {
		side = enum.SideShort
	}
	return adapter.FillEvent{
		Exchange:  e.name,
		OrderID:   f.Oid,
		Symbol:    f.Coin,
		Side:      side,
		Price:     price,
		Size:      size,
		Timestamp: time.UnixMilli(f.Time),
	}, nil
}

func (e *Exchange) OnBookUpdate(symbol string, handler func(adapter.BookTop)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	id := e.nextSub
	subs, ok := e.bookSubs[symbol]
	if !ok {
		subs = make(map[int]func(adapter.BookTop))
		e.bookSubs[symbol] = subs
	}
	subs[id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.bookSubs[symbol], id)
	}
}

// BookSubscribers returns the number of book handlers on symbol.
func (e *Exchange) BookSubscribers(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bookSubs[symbol])
}

func (e *Exchange) BestBidAsk(symbol string) (adapter.BookTop, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	top, ok := e.books[symbol]
	return top, ok && top.IsValid()
}

func (e *Exchange) OnFill(handler func(payload any)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	id := e.nextSub
	e.fillSubs[id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.fillSubs, id)
	}
}

func (e *Exchange) OnOrderUpdate(handler func(adapter.OrderUpdate)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	id := e.nextSub
	e.updateSubs[id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.updateSubs, id)
	}
}

// emit delivers notices to subscribers. It must be called without the lock held.
func (e *Exchange) emit(notes []notice) {
	if len(notes) == 0 {
		return
	}
	e.mu.Lock()
	drop := e.dropFills
	f := e.faults
	fills := make([]func(any), 0, len(e.fillSubs))
	for _, h := range e.fillSubs {
		fills = append(fills, h)
	}
	updates := make([]func(adapter.OrderUpdate), 0, len(e.updateSubs))
	for _, h := range e.updateSubs {
		updates = append(updates, h)
	}
	books := make(map[string][]func(adapter.BookTop))
	for _, n := range notes {
		if n.book == nil {
			continue
		}
		for _, h := range e.bookSubs[n.book.symbol] {
			books[n.book.symbol] = append(books[n.book.symbol], h)
		}
	}
	e.mu.Unlock()

	for _, n := range notes {
		switch {
		case n.fill != nil:
			if drop || f.shouldDropFill() {
				continue
			}
			times := 1
			if f.shouldDuplicateFill() {
				times = 2
			}
			for range times {
				for _, h := range fills {
					h(*n.fill)
				}
			}
		case n.update != nil:
			for _, h := range updates {
				h(*n.update)
			}
		case n.book != nil:
			for _, h := range books[n.book.symbol] {
				h(n.book.top)
			}
		}
	}
}
