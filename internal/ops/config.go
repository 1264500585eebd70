package ops

import (
	"encoding/json"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"keeper/internal/balance"
	"keeper/internal/errors"
	"keeper/internal/keeper"
	"keeper/internal/position"
	"keeper/internal/ratelimit"
	"keeper/internal/reprice"
	"keeper/internal/venue/hyperliquid"
	"keeper/internal/venue/sim"
	"keeper/pkg/conn"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
)

// VenueKind selects the venue implementation.
type VenueKind string

const (
	VenueKindSim         VenueKind = "sim"
	VenueKindHyperliquid VenueKind = "hyperliquid"
)

// DefaultLimits applies to exchanges without limits of their own when the file sets
// no default.
var DefaultLimits = ratelimit.Limits{PerSecond: 20, PerMinute: 1200}

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Venues    []VenueConfig      `json:"venues"`
	RateLimit RateLimitConfig    `json:"rateLimit"`
	Reprice   RepriceConfig      `json:"reprice"`
	Position  PositionConfig     `json:"position"`
	Balance   BalanceConfig      `json:"balance"`
	Keeper    KeeperConfig       `json:"keeper"`
	Fill      FillConfig         `json:"fill"`
	Journal   JournalConfig      `json:"journal"`
	Features  FeatureFlagsConfig `json:"features"`
}

// VenueConfig describes a venue entry.
type VenueConfig struct {
	Name    string    `json:"name"`
	Kind    VenueKind `json:"kind"`
	Network string    `json:"network"`
	Symbols []string  `json:"symbols"`
	// Sim seeds a simulated venue, and the paper book of a hyperliquid one.
	Sim SimConfig `json:"sim"`
}

// SimConfig seeds a simulated venue.
type SimConfig struct {
	Balance         decimal.Decimal      `json:"balance"`
	MarketFillRatio *decimal.Decimal     `json:"marketFillRatio"`
	Markets         map[string]SimMarket `json:"markets"`
	Faults          FaultsConfig         `json:"faults"`
}

// SimMarket is the initial state of one simulated market.
type SimMarket struct {
	Tick        decimal.Decimal `json:"tick"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	FundingRate decimal.Decimal `json:"fundingRate"`
}

// FaultsConfig controls fault injection on a simulated venue.
type FaultsConfig struct {
	Seed              int64    `json:"seed"`
	ErrorRate         float64  `json:"errorRate"`
	DropFillRate      float64  `json:"dropFillRate"`
	DuplicateFillRate float64  `json:"duplicateFillRate"`
	MaxLatency        Duration `json:"maxLatency"`
}

// RateLimitConfig holds the default and per-exchange request caps.
type RateLimitConfig struct {
	Default     ratelimit.Limits            `json:"default"`
	PerExchange map[string]ratelimit.Limits `json:"perExchange"`
}

// RepriceConfig is the JSON form of the repricing policy. Zero values keep defaults.
type RepriceConfig struct {
	Interval             Duration         `json:"interval"`
	MaxBackoffMultiplier float64          `json:"maxBackoffMultiplier"`
	MinBudgetHealth      *float64         `json:"minBudgetHealth"`
	UrgencyAge           Duration         `json:"urgencyAge"`
	MinRepriceInterval   *Duration        `json:"minRepriceInterval"`
	FillDeltaThreshold   decimal.Decimal  `json:"fillDeltaThreshold"`
	FlatTolerance        *decimal.Decimal `json:"flatTolerance"`
	Weight               int              `json:"weight"`
}

// PositionConfig is the JSON form of the position policy. Zero values keep defaults.
type PositionConfig struct {
	AsymmetricTimeout Duration         `json:"asymmetricTimeout"`
	CloseSlippage     decimal.Decimal  `json:"closeSlippage"`
	FallbackSlippage  decimal.Decimal  `json:"fallbackSlippage"`
	TakerFeeBps       *decimal.Decimal `json:"takerFeeBps"`
	SlippageBps       *decimal.Decimal `json:"slippageBps"`
	HorizonPeriods    decimal.Decimal  `json:"horizonPeriods"`
	MaxAttempts       int              `json:"maxAttempts"`
	Weight            int              `json:"weight"`
}

// BalanceConfig is the JSON form of the balance policy. Zero values keep defaults.
type BalanceConfig struct {
	Asset            string           `json:"asset"`
	WalletAddress    string           `json:"walletAddress"`
	MinWalletBalance *decimal.Decimal `json:"minWalletBalance"`
	MinTicket        decimal.Decimal  `json:"minTicket"`
	Reserve          decimal.Decimal  `json:"reserve"`
	Weight           int              `json:"weight"`
}

// KeeperConfig is the scheduling policy.
type KeeperConfig struct {
	MinSweepInterval   Duration `json:"minSweepInterval"`
	DistributeInterval Duration `json:"distributeInterval"`
	DistributeTo       []string `json:"distributeTo"`
}

// FillConfig sizes the fill monitor.
type FillConfig struct {
	Capacity int `json:"capacity"`
}

// JournalConfig describes the optional Postgres journal.
type JournalConfig struct {
	Capacity int           `json:"capacity"`
	Postgres conn.Postgres `json:"postgres"`
}

// FeatureFlagsConfig captures optional runtime flags.
type FeatureFlagsConfig struct {
	EnableJournal      *bool `json:"enableJournal"`
	EnableDistribution *bool `json:"enableDistribution"`
	EnableWallet       *bool `json:"enableWallet"`
}

// FeatureFlags are resolved runtime flags.
type FeatureFlags struct {
	EnableJournal      bool
	EnableDistribution bool
	EnableWallet       bool
}

// Venue is a resolved venue entry.
type Venue struct {
	Name    string
	Kind    VenueKind
	WsURL   string
	InfoURL string
	Symbols []string
	Sim     SimConfig
	Faults  sim.FaultConfig
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Venues   []Venue
	Options  keeper.Options
	Journal  JournalConfig
	Features FeatureFlags
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse resolves a JSON config document.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Loaded{}, err
	}
	venues, err := resolveVenues(cfg.Venues)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{
		Venues: venues,
		Options: keeper.Options{
			Config:       resolveKeeper(cfg.Keeper),
			Limits:       resolveLimits(cfg.RateLimit.Default),
			PerExchange:  cfg.RateLimit.PerExchange,
			Reprice:      resolveReprice(cfg.Reprice),
			Position:     resolvePosition(cfg.Position),
			Balance:      resolveBalance(cfg.Balance),
			FillCapacity: cfg.Fill.Capacity,
		},
		Journal:  cfg.Journal,
		Features: resolveFeatures(cfg.Features),
	}, nil
}

// Validate checks the config for values no component can run with.
func (c FileConfig) Validate() error {
	if len(c.Venues) == 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "no venue configured")
	}
	names := make(map[string]struct{}, len(c.Venues))
	for _, v := range c.Venues {
		if v.Name == "" {
			return errors.Wrap(exception.ErrInvalidArgument, "venue name is empty")
		}
		if _, ok := names[v.Name]; ok {
			return errors.Wrapf(exception.ErrInvalidArgument, "venue %s declared twice", v.Name)
		}
		names[v.Name] = struct{}{}
		switch v.Kind {
		case VenueKindSim, VenueKindHyperliquid:
		default:
			return errors.Wrapf(exception.ErrInvalidArgument, "venue %s has unknown kind %q", v.Name, v.Kind)
		}
	}
	if d := c.RateLimit.Default; d != (ratelimit.Limits{}) {
		if err := validateLimits("default", d); err != nil {
			return err
		}
	}
	for name, lim := range c.RateLimit.PerExchange {
		if _, ok := names[name]; !ok {
			return errors.Wrapf(exception.ErrUnknownExchange, "rate limit for %s", name)
		}
		if err := validateLimits(name, lim); err != nil {
			return err
		}
	}
	for _, name := range c.Keeper.DistributeTo {
		if _, ok := names[name]; !ok {
			return errors.Wrapf(exception.ErrUnknownExchange, "distribute to %s", name)
		}
	}
	if h := c.Reprice.MinBudgetHealth; h != nil && (*h < 0 || *h > 1) {
		return errors.Wrap(exception.ErrInvalidArgument, "minBudgetHealth must be between 0 and 1")
	}
	if c.Fill.Capacity < 0 || c.Journal.Capacity < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "capacity must be >= 0")
	}
	return nil
}

func validateLimits(name string, lim ratelimit.Limits) error {
	if lim.PerSecond <= 0 || lim.PerMinute <= 0 {
		return errors.Wrapf(exception.ErrInvalidArgument, "rate limit %s must be > 0", name)
	}
	return nil
}

func resolveLimits(lim ratelimit.Limits) ratelimit.Limits {
	if lim == (ratelimit.Limits{}) {
		return DefaultLimits
	}
	return lim
}

func resolveVenues(cfgs []VenueConfig) ([]Venue, error) {
	venues := make([]Venue, 0, len(cfgs))
	for _, c := range cfgs {
		v := Venue{
			Name:    c.Name,
			Kind:    c.Kind,
			Symbols: c.Symbols,
			Sim:     c.Sim,
			Faults: sim.FaultConfig{
				Seed:              c.Sim.Faults.Seed,
				ErrorRate:         c.Sim.Faults.ErrorRate,
				DropFillRate:      c.Sim.Faults.DropFillRate,
				DuplicateFillRate: c.Sim.Faults.DuplicateFillRate,
				MaxLatency:        c.Sim.Faults.MaxLatency.Std(),
			},
		}
		if err := v.Faults.Validate(); err != nil {
			return nil, errors.Wrapf(err, "faults of %s", c.Name)
		}
		if len(v.Symbols) == 0 {
			v.Symbols = slices.Sorted(maps.Keys(c.Sim.Markets))
		}
		if c.Kind == VenueKindHyperliquid {
			switch strings.ToLower(c.Network) {
			case "", "mainnet":
				v.WsURL, v.InfoURL = hyperliquid.MainnetWsURL, hyperliquid.MainnetInfoURL
			case "testnet":
				v.WsURL, v.InfoURL = hyperliquid.TestnetWsURL, hyperliquid.TestnetInfoURL
			default:
				return nil, errors.Wrapf(exception.ErrInvalidArgument, "venue %s has unknown network %q", c.Name, c.Network)
			}
			if len(v.Symbols) == 0 {
				return nil, errors.Wrapf(exception.ErrInvalidArgument, "venue %s has no symbols", c.Name)
			}
		}
		venues = append(venues, v)
	}
	return venues, nil
}

func resolveKeeper(cfg KeeperConfig) keeper.Config {
	return keeper.Config{
		MinSweepInterval:   cfg.MinSweepInterval.Std(),
		DistributeInterval: cfg.DistributeInterval.Std(),
		DistributeTo:       cfg.DistributeTo,
	}
}

func resolveReprice(cfg RepriceConfig) reprice.Config {
	out := reprice.DefaultConfig()
	if cfg.Interval > 0 {
		out.Interval = cfg.Interval.Std()
	}
	if cfg.MaxBackoffMultiplier >= 1 {
		out.MaxBackoffMultiplier = cfg.MaxBackoffMultiplier
	}
	if cfg.MinBudgetHealth != nil {
		out.MinBudgetHealth = *cfg.MinBudgetHealth
	}
	if cfg.UrgencyAge > 0 {
		out.UrgencyAge = cfg.UrgencyAge.Std()
	}
	if cfg.MinRepriceInterval != nil {
		out.MinRepriceInterval = cfg.MinRepriceInterval.Std()
	}
	if cfg.FillDeltaThreshold.IsPositive() {
		out.FillDeltaThreshold = cfg.FillDeltaThreshold
	}
	if cfg.FlatTolerance != nil {
		out.FlatTolerance = *cfg.FlatTolerance
	}
	if cfg.Weight > 0 {
		out.Weight = cfg.Weight
	}
	return out
}

func resolvePosition(cfg PositionConfig) position.Config {
	out := position.DefaultConfig()
	if cfg.AsymmetricTimeout > 0 {
		out.AsymmetricTimeout = cfg.AsymmetricTimeout.Std()
	}
	if cfg.CloseSlippage.IsPositive() {
		out.CloseSlippage = cfg.CloseSlippage
	}
	if cfg.FallbackSlippage.IsPositive() {
		out.FallbackSlippage = cfg.FallbackSlippage
	}
	if cfg.TakerFeeBps != nil {
		out.TakerFeeBps = *cfg.TakerFeeBps
	}
	if cfg.SlippageBps != nil {
		out.SlippageBps = *cfg.SlippageBps
	}
	if cfg.HorizonPeriods.IsPositive() {
		out.HorizonPeriods = cfg.HorizonPeriods
	}
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.Weight > 0 {
		out.Weight = cfg.Weight
	}
	return out
}

func resolveBalance(cfg BalanceConfig) balance.Policy {
	out := balance.DefaultPolicy()
	if cfg.Asset != "" {
		out.Asset = cfg.Asset
	}
	out.WalletAddress = cfg.WalletAddress
	if cfg.MinWalletBalance != nil {
		out.MinWalletBalance = *cfg.MinWalletBalance
	}
	if cfg.MinTicket.IsPositive() {
		out.MinTicket = cfg.MinTicket
	}
	if cfg.Reserve.IsPositive() {
		out.Reserve = cfg.Reserve
	}
	if cfg.Weight > 0 {
		out.Weight = cfg.Weight
	}
	return out
}

func resolveFeatures(cfg FeatureFlagsConfig) FeatureFlags {
	flags := FeatureFlags{
		EnableJournal:      true,
		EnableDistribution: true,
		EnableWallet:       true,
	}
	if cfg.EnableJournal != nil {
		flags.EnableJournal = *cfg.EnableJournal
	}
	if cfg.EnableDistribution != nil {
		flags.EnableDistribution = *cfg.EnableDistribution
	}
	if cfg.EnableWallet != nil {
		flags.EnableWallet = *cfg.EnableWallet
	}
	return flags
}

// Duration reads "1.5s" style strings, or integer milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(exception.ErrInvalidArgument, "duration %q", s)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return errors.Wrapf(exception.ErrInvalidArgument, "duration %s", b)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
