package reprice

import (
	"time"

	"keeper/internal/adapter"
	"keeper/internal/registry"

	"github.com/yanun0323/logs"
)

// Watch subscribes to book pushes of (exchange, symbol) and reprices every waiting order
// on that book as the book moves. The subscription is dropped once no order waits on
// the book or the repricer is closed.
func (r *Repricer) Watch(exchange, symbol string) {
	venue, ok := r.venues[exchange]
	if !ok || venue.Book == nil {
		return
	}
	k := bookKey{exchange: exchange, symbol: symbol}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watches[k]; ok {
		return
	}
	r.watches[k] = venue.Book.OnBookUpdate(symbol, func(top adapter.BookTop) {
		r.onBook(k, top)
	})
}

// Watching reports whether book pushes of (exchange, symbol) are subscribed.
func (r *Repricer) Watching(exchange, symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watches[bookKey{exchange: exchange, symbol: symbol}]
	return ok
}

func (r *Repricer) onBook(k bookKey, top adapter.BookTop) {
	if r.ctx.Err() != nil {
		r.unwatch(k)
		return
	}
	orders := r.registry.Waiting(k.exchange, k.symbol)
	if len(orders) == 0 {
		r.unwatch(k)
		return
	}

	now := time.Now()
	for _, o := range orders {
		if o.Aggressive || r.registry.IsClaimed(o.Key()) {
			continue
		}
		if !top.IsValid() {
			continue
		}
		if !r.debounce(o.Key(), now) {
			continue
		}
		r.inflight.Add(1)
		go r.reactive(o)
	}
}

func (r *Repricer) reactive(o registry.ActiveOrder) {
	defer r.inflight.Done()
	defer func() {
		if rec := recover(); rec != nil {
			logs.Errorf("reactive reprice %s panic, err: %+v", o.Key(), rec)
		}
	}()
	if _, err := r.Reprice(r.ctx, o, false); err != nil {
		logs.Errorf("reactive reprice %s, err: %+v", o.Key(), err)
	}
}

func (r *Repricer) unwatch(k bookKey) {
	r.mu.Lock()
	unsubscribe, ok := r.watches[k]
	delete(r.watches, k)
	r.mu.Unlock()
	if ok && unsubscribe != nil {
		unsubscribe()
	}
}

// Wait blocks until reprice attempts started by book pushes finish.
func (r *Repricer) Wait() {
	r.inflight.Wait()
}

// Close drops every book subscription, cancels in-flight attempts and waits for them.
func (r *Repricer) Close() {
	r.cancel()
	r.mu.Lock()
	watches := r.watches
	r.watches = make(map[bookKey]func())
	r.mu.Unlock()
	for _, unsubscribe := range watches {
		if unsubscribe != nil {
			unsubscribe()
		}
	}
	r.Wait()
}
