package hyperliquid

import (
	"context"
	"strconv"
	"sync"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/errors"
	"keeper/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
)

// Stream is a websocket session delivering best bid/ask, user fills and order updates.
// It implements adapter.BookStream and adapter.FillStream. Handlers run on the session's
// reader goroutine.
type Stream struct {
	name string
	user string
	wss  *ws.WebSocket

	mu         sync.RWMutex
	books      map[string]adapter.BookTop
	nextSub    int
	bookSubs   map[string]map[int]func(adapter.BookTop)
	fillSubs   map[int]func(any)
	updateSubs map[int]func(adapter.OrderUpdate)
	stop       func()
}

// NewStream prepares a session to url. user is the account address whose fills and
// order updates are followed; it may be empty for a market-data-only session.
func NewStream(ctx context.Context, name, url, user string) *Stream {
	s := newStream(name, user)
	s.wss = ws.New(ctx, url)
	return s
}

func newStream(name, user string) *Stream {
	return &Stream{
		name:       name,
		user:       user,
		books:      make(map[string]adapter.BookTop),
		bookSubs:   make(map[string]map[int]func(adapter.BookTop)),
		fillSubs:   make(map[int]func(any)),
		updateSubs: make(map[int]func(adapter.OrderUpdate)),
	}
}

func (s *Stream) Name() string {
	return s.name
}

// Start connects and begins dispatching pushes.
func (s *Stream) Start(ctx context.Context) error {
	if err := s.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}

	ch, cancel := s.wss.Subscribe()
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				env, ok := ws.ReadMessage[envelope](m)
				if !ok {
					continue
				}

				s.handle(env)
			}
		}
	}()

	return nil
}

func (s *Stream) Close() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.wss.Close()
}

// SubscribeBook subscribes the l2Book channel of coin.
func (s *Stream) SubscribeBook(ctx context.Context, coin string) error {
	return s.subscribe(ctx, subscription{Type: channelBook, Coin: coin})
}

// SubscribeUser subscribes the userFills and orderUpdates channels of the account.
func (s *Stream) SubscribeUser(ctx context.Context) error {
	if s.user == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "subscribe user channels without user")
	}
	if err := s.subscribe(ctx, subscription{Type: channelUserFills, User: s.user}); err != nil {
		return err
	}
	return s.subscribe(ctx, subscription{Type: channelOrderUpdates, User: s.user})
}

func (s *Stream) subscribe(ctx context.Context, sub subscription) error {
	appendIntoRegister := true
	if err := s.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			payload := subscribeRequest{Method: "subscribe", Subscription: sub}
			if err := client.WriteJSON(payload); err != nil {
				return errors.Wrapf(err, "write subscribe %s payload", sub.Type)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			env, ok := ws.ReadMessage[envelope](m)
			if !ok {
				return false, nil
			}

			switch env.Channel {
			case channelError:
				return false, errors.Wrapf(exception.ErrInResponseError, "subscribe %s: %s", sub.Type, env.Data)
			case channelSubscription:
				var resp subscribeResponse
				if err := sonic.Unmarshal(env.Data, &resp); err != nil {
					return false, nil
				}
				return resp.Subscription.Type == sub.Type && resp.Subscription.Coin == sub.Coin, nil
			default:
				return false, nil
			}
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

func (s *Stream) handle(env envelope) {
	switch env.Channel {
	case channelBook:
		var b book
		if err := sonic.Unmarshal(env.Data, &b); err != nil {
			logs.Errorf("decode %s book, err: %+v", s.name, err)
			return
		}
		s.handleBook(b)
	case channelUserFills:
		var u userFills
		if err := sonic.Unmarshal(env.Data, &u); err != nil {
			logs.Errorf("decode %s fills, err: %+v", s.name, err)
			return
		}
		if u.IsSnapshot {
			return
		}
		s.handleFills(u.Fills)
	case channelOrderUpdates:
		var updates []orderUpdate
		if err := sonic.Unmarshal(env.Data, &updates); err != nil {
			logs.Errorf("decode %s order updates, err: %+v", s.name, err)
			return
		}
		s.handleOrderUpdates(updates)
	case channelError:
		logs.Errorf("%s stream error: %s", s.name, env.Data)
	}
}

func (s *Stream) handleBook(b book) {
	if len(b.Levels[0]) == 0 || len(b.Levels[1]) == 0 {
		return
	}
	bid, err := decimal.NewFromString(b.Levels[0][0].Px)
	if err != nil {
		logs.Errorf("parse %s %s bid %q, err: %+v", s.name, b.Coin, b.Levels[0][0].Px, err)
		return
	}
	ask, err := decimal.NewFromString(b.Levels[1][0].Px)
	if err != nil {
		logs.Errorf("parse %s %s ask %q, err: %+v", s.name, b.Coin, b.Levels[1][0].Px, err)
		return
	}
	top := adapter.BookTop{BestBid: bid, BestAsk: ask, Time: time.UnixMilli(b.Time)}

	s.mu.Lock()
	s.books[b.Coin] = top
	handlers := make([]func(adapter.BookTop), 0, len(s.bookSubs[b.Coin]))
	for _, h := range s.bookSubs[b.Coin] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(top)
	}
}

func (s *Stream) handleFills(fills []Fill) {
	s.mu.RLock()
	handlers := make([]func(any), 0, len(s.fillSubs))
	for _, h := range s.fillSubs {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, f := range fills {
		for _, h := range handlers {
			h(f)
		}
	}
}

func (s *Stream) handleOrderUpdates(updates []orderUpdate) {
	s.mu.RLock()
	handlers := make([]func(adapter.OrderUpdate), 0, len(s.updateSubs))
	for _, h := range s.updateSubs {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, u := range updates {
		status := orderStatus(u.Status)
		if !status.IsAvailable() {
			logs.Infof("%s order %d unknown status %s", s.name, u.Order.Oid, u.Status)
			continue
		}
		update := adapter.OrderUpdate{
			Exchange:  s.name,
			OrderID:   strconv.FormatInt(u.Order.Oid, 10),
			Symbol:    u.Order.Coin,
			Status:    status,
			Timestamp: time.UnixMilli(u.StatusTimestamp),
		}
		for _, h := range handlers {
			h(update)
		}
	}
}

func (s *Stream) OnBookUpdate(symbol string, handler func(adapter.BookTop)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	subs, ok := s.bookSubs[symbol]
	if !ok {
		subs = make(map[int]func(adapter.BookTop))
		s.bookSubs[symbol] = subs
	}
	subs[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.bookSubs[symbol], id)
	}
}

func (s *Stream) BestBidAsk(symbol string) (adapter.BookTop, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	top, ok := s.books[symbol]
	return top, ok && top.IsValid()
}

func (s *Stream) OnFill(handler func(payload any)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.fillSubs[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fillSubs, id)
	}
}

func (s *Stream) OnOrderUpdate(handler func(adapter.OrderUpdate)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.updateSubs[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.updateSubs, id)
	}
}

// Normalize converts a Fill payload into an adapter.FillEvent.
func (s *Stream) Normalize(payload any) (adapter.FillEvent, error) {
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
	return adapter.FillEvent{
		Exchange:  s.name,
		OrderID:   strconv.FormatInt(f.Oid, 10),
		Symbol:    f.Coin,
		Side:      side(f.Side),
		Price:     price,
		Size:      size,
		Timestamp: time.UnixMilli(f.Time),
	}, nil
}
