package ops

import (
	"os"

	"keeper/internal/errors"
	"keeper/pkg/conn"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable the keeper reads.
const EnvPrefix = "KEEPER_"

// Env holds secrets and endpoints that stay out of the config file.
type Env struct {
	WalletAddress      string        `env:"WALLET_ADDRESS"`
	WalletRPC          string        `env:"WALLET_RPC"`
	CollateralToken    string        `env:"COLLATERAL_TOKEN"`
	CollateralDecimals int32         `env:"COLLATERAL_DECIMALS" envDefault:"6"`
	HyperliquidUser    string        `env:"HYPERLIQUID_USER"`
	PyroscopeURL       string        `env:"PYROSCOPE_URL"`
	MetricsAddr        string        `env:"METRICS_ADDR"`
	Postgres           conn.Postgres `envPrefix:"PG_"`
}

// LoadEnv loads the given .env files, ".env" when none is named, and parses the
// KEEPER_ variables. Missing files are skipped; variables already set win.
func LoadEnv(files ...string) (Env, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Env{}, errors.Wrapf(err, "load %s", f)
		}
	}
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Prefix: EnvPrefix}); err != nil {
		return Env{}, errors.Wrap(err, "parse environment")
	}
	return e, nil
}

// Apply overlays the environment on a loaded config.
func (e Env) Apply(l *Loaded) {
	if e.WalletAddress != "" {
		l.Options.Balance.WalletAddress = e.WalletAddress
	}
	if e.Postgres.Enabled() {
		pg := e.Postgres
		if pg.Params == nil {
			pg.Params = l.Journal.Postgres.Params
		}
		if pg.MaxOpenConns == 0 {
			pg.MaxOpenConns = l.Journal.Postgres.MaxOpenConns
		}
		l.Journal.Postgres = pg
	} else if e.Postgres.Password != "" {
		l.Journal.Postgres.Password = e.Postgres.Password
	}
}
