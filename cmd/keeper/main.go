package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"keeper/internal/chain"
	"keeper/internal/journal"
	"keeper/internal/keeper"
	"keeper/internal/obs"
	"keeper/internal/ops"
	"keeper/internal/venue/sim"
	"keeper/pkg/conn"

	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const shutdownTimeout = 30 * time.Second

type runtimeConfig struct {
	v atomic.Value
}

func newRuntimeConfig(loaded ops.Loaded) *runtimeConfig {
	var rc runtimeConfig
	rc.v.Store(loaded)
	return &rc
}

func (r *runtimeConfig) Load() ops.Loaded {
	return r.v.Load().(ops.Loaded)
}

func (r *runtimeConfig) Update(loaded ops.Loaded) {
	r.v.Store(loaded)
}

type flags struct {
	configPath   string
	configReload time.Duration
	envFile      string
	dryRun       bool
	closeOnExit  bool
	metricsAddr  string
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to JSON config")
	flag.DurationVar(&f.configReload, "config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	flag.StringVar(&f.envFile, "env-file", ".env", "Dotenv file with KEEPER_ variables (missing is fine)")
	flag.BoolVar(&f.dryRun, "dry-run", false, "Run every venue on the local simulator")
	flag.BoolVar(&f.closeOnExit, "close-on-exit", false, "Close every position at market on shutdown")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Listen address of /metrics (default: KEEPER_METRICS_ADDR)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := ops.LoadEnv(f.envFile)
	if err != nil {
		log.Fatalf("env load failed: %v", err)
	}
	loaded, err := loadConfig(f.configPath, env)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if f.metricsAddr == "" {
		f.metricsAddr = env.MetricsAddr
	}

	if env.PyroscopeURL != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "keeper",
			ServerAddress:   env.PyroscopeURL,
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	if err := run(ctx, f, env, loaded); err != nil {
		log.Fatalf("keeper failed: %v", err)
	}
}

func run(ctx context.Context, f flags, env ops.Env, loaded ops.Loaded) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := obs.NewPrometheus(reg)

	simWallet := sim.NewWallet(decimal.Zero)
	venues, closers, err := buildVenues(ctx, loaded.Venues, env, f.dryRun, simWallet)
	defer func() {
		for _, c := range closers {
			c()
		}
	}()
	if err != nil {
		return err
	}

	opt := loaded.Options
	opt.Prometheus = prom
	opt.Wallet = simWallet
	if loaded.Features.EnableWallet && env.WalletRPC != "" && !f.dryRun {
		token, err := chain.Dial(ctx, env.WalletRPC, env.CollateralToken, opt.Balance.WalletAddress, env.CollateralDecimals)
		if err != nil {
			return err
		}
		defer token.Close()
		opt.Wallet = token
		log.Printf("wallet: %s on %s", token.Owner(), env.WalletRPC)
	}
	if !loaded.Features.EnableDistribution {
		opt.Config.DistributeInterval = 0
	}

	k := keeper.New(venues, opt)
	defer k.Close()

	if loaded.Features.EnableJournal && loaded.Journal.Postgres.Enabled() {
		stopJournal, err := startJournal(ctx, k, loaded.Journal)
		if err != nil {
			return err
		}
		defer stopJournal()
	}

	runtime := newRuntimeConfig(loaded)
	if f.configPath != "" && f.configReload > 0 {
		go watchConfig(ctx, f.configPath, f.configReload, func(next ops.Loaded) {
			env.Apply(&next)
			if !sameVenues(runtime.Load().Venues, next.Venues) {
				log.Printf("config reload: venue changes take effect after a restart")
			}
			runtime.Update(next)
			applyConfig(k, next)
		})
	}

	if f.metricsAddr != "" {
		srv := serveMetrics(f.metricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Printf("keeper started: venues=%v dry_run=%t", venues.Names(), f.dryRun)
	if err := k.Run(ctx); err != nil {
		return err
	}

	if f.closeOnExit {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		res := k.CloseAll(closeCtx)
		cancel()
		log.Printf("close on exit: closed=%d still_open=%d errors=%d",
			len(res.Closed), len(res.StillOpen), len(res.Errors))
		for _, e := range res.Errors {
			log.Printf("close %s on %s failed: %v", e.Symbol, e.Exchange, e.Err)
		}
	}

	stats := k.FillStatistics()
	snapshot := k.Metrics().Snapshot()
	log.Printf("fills: count=%d per_exchange=%v reconciled=%d unmatched=%d duplicates=%d latency=%+v",
		stats.Count, stats.PerExchange, stats.Reconciled, stats.Unmatched, stats.Duplicates, stats.Latency)
	log.Printf("metrics: reprices=%d failures=%d reconciled=%v drops=%d closed=%d sweeps_skipped=%d active_orders=%d",
		snapshot.Reprices, snapshot.RepriceFailures, snapshot.Reconciled, snapshot.QueueDrops, snapshot.QueueClosed,
		snapshot.SweepsSkipped, len(k.ActiveOrders()))
	return nil
}

func startJournal(ctx context.Context, k *keeper.Keeper, cfg ops.JournalConfig) (func(), error) {
	client, err := conn.Open(ctx, cfg.Postgres, nil)
	if err != nil {
		return nil, err
	}
	if err := journal.Migrate(ctx, client.DB()); err != nil {
		_ = client.Close()
		return nil, err
	}
	j := journal.New(client.DB(), cfg.Capacity, k.Metrics())
	j.Start(ctx)
	k.OnFill(j.RecordFill)
	k.OnOutcome(j.RecordOutcome)
	log.Printf("journal: %s", cfg.Postgres.Redacted())
	return func() {
		j.Close()
		if err := client.Close(); err != nil {
			log.Printf("journal close failed: %v", err)
		}
	}, nil
}

// applyConfig pushes reloadable policies into the running components. Venue changes
// need a restart.
func applyConfig(k *keeper.Keeper, loaded ops.Loaded) {
	opt := loaded.Options
	limiter := k.Limiter()
	limiter.SetDefaults(opt.Limits)
	for name, lim := range opt.PerExchange {
		limiter.SetLimits(name, lim)
	}
	k.Repricer().SetConfig(opt.Reprice)
	k.Positions().SetConfig(opt.Position)
	k.Balances().SetPolicy(opt.Balance)
	if !loaded.Features.EnableDistribution {
		opt.Config.DistributeInterval = 0
	}
	k.SetConfig(opt.Config)
}

func sameVenues(a, b []ops.Venue) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Kind != b[i].Kind || !slices.Equal(a[i].Symbols, b[i].Symbols) {
			return false
		}
	}
	return true
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server failed: %v", err)
		}
	}()
	return srv
}

func loadConfig(path string, env ops.Env) (ops.Loaded, error) {
	loaded, err := defaultLoaded()
	if path != "" {
		loaded, err = ops.Load(path)
	}
	if err != nil {
		return ops.Loaded{}, err
	}
	env.Apply(&loaded)
	return loaded, nil
}

// defaultLoaded runs two simulated venues with an ETH book each.
func defaultLoaded() (ops.Loaded, error) {
	return ops.Parse([]byte(`{
		"venues": [
			{"name": "sim-a", "kind": "sim", "sim": {"balance": "1000", "markets": {"ETH": {"tick": "0.1", "bid": "3000", "ask": "3000.5"}}}},
			{"name": "sim-b", "kind": "sim", "sim": {"balance": "1000", "markets": {"ETH": {"tick": "0.1", "bid": "3000.2", "ask": "3000.7"}}}}
		]
	}`))
}

func watchConfig(ctx context.Context, path string, interval time.Duration, update func(ops.Loaded)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				log.Printf("config stat failed: %v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			loaded, err := ops.Load(path)
			if err != nil {
				log.Printf("config reload failed: %v", err)
				continue
			}
			update(loaded)
			lastMod = info.ModTime()
			log.Printf("config reloaded: %s", path)
		}
	}
}

type emptyLogger struct{}

func (emptyLogger) Infof(string, ...interface{})  {}
func (emptyLogger) Debugf(string, ...interface{}) {}
func (emptyLogger) Errorf(string, ...interface{}) {}
