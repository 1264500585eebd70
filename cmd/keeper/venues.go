package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"keeper/internal/adapter"
	"keeper/internal/ops"
	"keeper/internal/venue/hyperliquid"
	"keeper/internal/venue/sim"
)

const infoTimeout = 10 * time.Second

// buildVenues creates every configured venue. In dry-run every venue runs on the local
// simulator. The returned closers must run even when an error is returned.
func buildVenues(ctx context.Context, cfgs []ops.Venue, env ops.Env, dryRun bool, wallet *sim.Wallet) (adapter.Venues, []func(), error) {
	venues := make(adapter.Venues, len(cfgs))
	var closers []func()
	for _, cfg := range cfgs {
		if cfg.Kind == ops.VenueKindSim || dryRun {
			ex, err := newSimVenue(cfg, wallet)
			if err != nil {
				return nil, closers, err
			}
			venues[cfg.Name] = ex.Venue()
			continue
		}

		paper, stop, err := newPaperVenue(ctx, cfg, env, wallet)
		closers = append(closers, stop...)
		if err != nil {
			return nil, closers, err
		}
		venues[cfg.Name] = paper.Venue()
	}
	return venues, closers, nil
}

func newSimVenue(cfg ops.Venue, wallet *sim.Wallet) (*sim.Exchange, error) {
	ex := sim.New(cfg.Name)
	if err := seedSim(ex, cfg); err != nil {
		return nil, err
	}
	ex.AttachWallet(wallet)
	for symbol, m := range cfg.Sim.Markets {
		if m.Tick.IsPositive() {
			ex.SetTick(symbol, m.Tick)
		}
		if !m.FundingRate.IsZero() {
			ex.SetFundingRate(symbol, m.FundingRate)
		}
		if m.Bid.IsPositive() && m.Ask.IsPositive() {
			ex.SetBook(symbol, m.Bid, m.Ask)
		}
	}
	return ex, nil
}

func seedSim(ex *sim.Exchange, cfg ops.Venue) error {
	if err := ex.SetFaults(cfg.Faults); err != nil {
		return err
	}
	ex.SetBalance(cfg.Sim.Balance)
	if cfg.Sim.MarketFillRatio != nil {
		ex.SetMarketFillRatio(*cfg.Sim.MarketFillRatio)
	}
	return nil
}

// newPaperVenue mirrors the live hyperliquid book into a local simulator. With a user
// address the live account is followed too, for logging only.
func newPaperVenue(ctx context.Context, cfg ops.Venue, env ops.Env, wallet *sim.Wallet) (*hyperliquid.Paper, []func(), error) {
	stream := hyperliquid.NewStream(ctx, cfg.Name, cfg.WsURL, env.HyperliquidUser)
	if err := stream.Start(ctx); err != nil {
		return nil, nil, err
	}
	closers := []func(){stream.Close}

	info := hyperliquid.NewInfo(cfg.Name, cfg.InfoURL, env.HyperliquidUser, &http.Client{Timeout: infoTimeout})
	paper := hyperliquid.NewPaper(cfg.Name, info, stream)
	closers = append(closers, paper.Close)
	if err := seedSim(paper.Exchange, cfg); err != nil {
		return nil, closers, err
	}
	paper.AttachWallet(wallet)
	if err := paper.Track(ctx, cfg.Symbols...); err != nil {
		return nil, closers, err
	}

	if env.HyperliquidUser != "" {
		followAccount(ctx, cfg.Name, stream, info)
	}
	log.Printf("venue %s: paper on %s symbols=%v", cfg.Name, cfg.WsURL, cfg.Symbols)
	return paper, closers, nil
}

func followAccount(ctx context.Context, name string, stream *hyperliquid.Stream, info *hyperliquid.Info) {
	if positions, err := info.Positions(ctx); err != nil {
		log.Printf("venue %s: live positions unavailable: %v", name, err)
	} else {
		for _, p := range positions {
			log.Printf("venue %s: live position %s %s size=%s", name, p.Symbol, p.Side, p.Size)
		}
	}
	if bal, err := info.Balance(ctx); err == nil {
		log.Printf("venue %s: live withdrawable=%s", name, bal)
	}

	stream.OnFill(func(payload any) {
		ev, err := stream.Normalize(payload)
		if err != nil {
			log.Printf("venue %s: live fill unreadable: %v", name, err)
			return
		}
		log.Printf("venue %s: live fill %s %s %s@%s order=%s", name, ev.Symbol, ev.Side, ev.Size, ev.Price, ev.OrderID)
	})
	if err := stream.SubscribeUser(ctx); err != nil {
		log.Printf("venue %s: live fills unavailable: %v", name, err)
	}
}
