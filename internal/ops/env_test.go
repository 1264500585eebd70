package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvReadsPrefixedVariables(t *testing.T) {
	t.Setenv("KEEPER_WALLET_ADDRESS", "0xwallet")
	t.Setenv("KEEPER_WALLET_RPC", "http://rpc")
	t.Setenv("KEEPER_PG_HOST", "db")
	t.Setenv("KEEPER_PG_PASSWORD", "secret")
	t.Setenv("KEEPER_PG_CONN_MAX_LIFETIME", "5m")

	e, err := LoadEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "0xwallet", e.WalletAddress)
	assert.Equal(t, "http://rpc", e.WalletRPC)
	assert.Equal(t, int32(6), e.CollateralDecimals)
	assert.Equal(t, "db", e.Postgres.Host)
	assert.Equal(t, "secret", e.Postgres.Password)
	assert.Equal(t, 5*time.Minute, e.Postgres.ConnMaxLifetime)
}

func TestLoadEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.env")
	require.NoError(t, os.WriteFile(path, []byte("KEEPER_HYPERLIQUID_USER=0xfile\nKEEPER_METRICS_ADDR=:9100\n"), 0o600))
	t.Setenv("KEEPER_HYPERLIQUID_USER", "0xenv")
	// restored on cleanup after the file sets it
	t.Setenv("KEEPER_METRICS_ADDR", "")
	require.NoError(t, os.Unsetenv("KEEPER_METRICS_ADDR"))

	e, err := LoadEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "0xenv", e.HyperliquidUser)
	assert.Equal(t, ":9100", e.MetricsAddr)
}

func TestEnvApply(t *testing.T) {
	l, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	Env{WalletAddress: "0xenv"}.Apply(&l)
	assert.Equal(t, "0xenv", l.Options.Balance.WalletAddress)
	assert.Equal(t, "db", l.Journal.Postgres.Host)

	Env{}.Apply(&l)
	assert.Equal(t, "0xenv", l.Options.Balance.WalletAddress)

	e := Env{}
	e.Postgres.Password = "secret"
	e.Apply(&l)
	assert.Equal(t, "db", l.Journal.Postgres.Host)
	assert.Equal(t, "secret", l.Journal.Postgres.Password)

	e.Postgres.DSN = "postgres://other"
	e.Apply(&l)
	assert.Equal(t, "postgres://other", l.Journal.Postgres.DSN)
}
