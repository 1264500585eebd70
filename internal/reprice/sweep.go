package reprice

import (
	"context"
	"sync/atomic"
	"time"

	"keeper/internal/registry"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
)

// SweepResult summarizes one polling pass.
type SweepResult struct {
	Checked  int
	Repriced int
	Skipped  int
	Failed   int
	// Next is the period until the next pass, stretched by the worst budget health.
	Next time.Duration
}

// Sweep runs one polling pass over every waiting order, oldest first, fanning out per
// exchange. Orders older than UrgencyAge are repriced urgently whatever the budget;
// others are skipped while their exchange's budget health is below MinBudgetHealth.
func (r *Repricer) Sweep(ctx context.Context) SweepResult {
	cfg := r.Config()
	live := r.registry.Snapshot()
	r.forgetStale(live)

	byExchange := make(map[string][]registry.ActiveOrder)
	for _, o := range live {
		if o.Aggressive {
			continue
		}
		byExchange[o.Exchange] = append(byExchange[o.Exchange], o)
	}

	var checked, repriced, skipped, failed atomic.Int64
	var g errgroup.Group
	for exchange, orders := range byExchange {
		g.Go(func() error {
			for _, o := range orders {
				if ctx.Err() != nil {
					return nil
				}
				checked.Add(1)
				now := time.Now()
				urgent := now.Sub(o.PlacedAt) >= cfg.UrgencyAge
				if !urgent && r.limiter.BudgetHealth(exchange) < cfg.MinBudgetHealth {
					skipped.Add(1)
					continue
				}
				if !r.debounce(o.Key(), now) {
					skipped.Add(1)
					continue
				}
				moved, err := r.Reprice(ctx, o, urgent)
				if err != nil {
					failed.Add(1)
					logs.Errorf("sweep reprice %s, err: %+v", o.Key(), err)
					continue
				}
				if moved {
					repriced.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return SweepResult{
		Checked:  int(checked.Load()),
		Repriced: int(repriced.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
		Next:     cfg.NextInterval(r.limiter.WorstHealth(r.venues.Names()...)),
	}
}
