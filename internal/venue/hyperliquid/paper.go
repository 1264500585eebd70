package hyperliquid

import (
	"context"
	"sync"

	"keeper/internal/adapter"
	"keeper/internal/errors"
	"keeper/internal/venue/sim"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// BookFeed is a book stream that subscribes per coin.
type BookFeed interface {
	adapter.BookStream
	SubscribeBook(ctx context.Context, coin string) error
}

// MarketReader is the read side of the info endpoint a paper venue seeds from.
type MarketReader interface {
	TickSize(ctx context.Context, symbol string) (decimal.Decimal, error)
	FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	BookTop(ctx context.Context, symbol string) (adapter.BookTop, error)
}

// Paper trades against a simulated book that mirrors the live one. Orders rest and fill
// locally; funding rates are read live.
type Paper struct {
	*sim.Exchange
	market MarketReader
	feed   BookFeed

	mu     sync.Mutex
	unsubs []func()
}

// NewPaper creates a paper venue named name.
func NewPaper(name string, market MarketReader, feed BookFeed) *Paper {
	return &Paper{
		Exchange: sim.New(name),
		market:   market,
		feed:     feed,
	}
}

// Track seeds tick size, funding and book of every symbol and keeps the book mirrored.
func (p *Paper) Track(ctx context.Context, symbols ...string) error {
	for _, symbol := range symbols {
		tick, err := p.market.TickSize(ctx, symbol)
		if err != nil {
			return errors.Wrapf(err, "seed %s tick", symbol)
		}
		p.SetTick(symbol, tick)

		if rate, err := p.market.FundingRate(ctx, symbol); err == nil {
			p.SetFundingRate(symbol, rate)
		}

		if top, err := p.market.BookTop(ctx, symbol); err == nil {
			p.SetBook(symbol, top.BestBid, top.BestAsk)
		} else {
			logs.Errorf("seed %s book, err: %+v", symbol, err)
		}

		unsub := p.feed.OnBookUpdate(symbol, func(top adapter.BookTop) {
			p.SetBook(symbol, top.BestBid, top.BestAsk)
		})
		p.mu.Lock()
		p.unsubs = append(p.unsubs, unsub)
		p.mu.Unlock()

		if err := p.feed.SubscribeBook(ctx, symbol); err != nil {
			return errors.Wrapf(err, "subscribe %s book", symbol)
		}
	}
	return nil
}

// FundingRate reads the live rate, falling back to the last seen one.
func (p *Paper) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	rate, err := p.market.FundingRate(ctx, symbol)
	if err != nil {
		return p.Exchange.FundingRate(ctx, symbol)
	}
	p.SetFundingRate(symbol, rate)
	return rate, nil
}

// Venue bundles the paper exchange with its local streams.
func (p *Paper) Venue() adapter.Venue {
	return adapter.Venue{Exchange: p, Book: p.Exchange, Fills: p.Exchange, Normalize: p.Normalize}
}

// Close stops mirroring.
func (p *Paper) Close() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}
