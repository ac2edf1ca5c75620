package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/spotcore/internal/models"
)

const sample = `
database_url: postgres://localhost/spotcore
server:
  addr: ":9090"
settlement:
  mode: buffered
  max_pending: 64
  flush_interval: 20ms
masterdata:
  pairs:
    - base: BTC
      quote: USDT
      price_precision: 2
      quantity_precision: 4
      minimum_quantity: "0.0001"
      price_groups: ["0", "1", "10"]
  fees:
    - base: BTC
      quote: USDT
      maker_rate: "0.001"
      taker_rate: "0.002"
  exemptions:
    - user_id: 7
      base: BTC
      quote: USDT
`

func writeConfig(t *testing.T, body, env string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	if env != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))
	}
	return path
}

func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad(t *testing.T) {
	unsetenv(t, "DATABASE_URL", "KAFKA_BROKERS")

	cfg, err := Load(writeConfig(t, sample, ""))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ParsedShutdownTimeout, "default kept")
	assert.Equal(t, SettlementBuffered, cfg.Settlement.Mode)
	assert.Equal(t, 64, cfg.Settlement.MaxPending)
	assert.Equal(t, 20*time.Millisecond, cfg.Settlement.ParsedFlushInterval)
	assert.Equal(t, 100, cfg.Orderbook.MaxDepth)
	assert.False(t, cfg.Kafka.Enabled())

	snap, err := cfg.Masterdata.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Pairs, 1)
	assert.Equal(t, "0.0001", snap.Pairs[0].MinimumQuantity.String())
	assert.Len(t, snap.Pairs[0].PriceGroups, 3)
	require.Len(t, snap.Fees, 1)
	assert.Equal(t, models.MarketNormal, snap.Fees[0].MarketType)
	assert.Equal(t, "0.002", snap.Fees[0].TakerRate.String())
	assert.Equal(t, int64(7), snap.Exemptions[0].UserID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	unsetenv(t, "DATABASE_URL", "KAFKA_BROKERS")

	path := writeConfig(t, sample, "KAFKA_BROKERS=k1:9092, k2:9092\n")
	t.Setenv("DATABASE_URL", "postgres://override/spotcore")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://override/spotcore", cfg.DatabaseURL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
}

func TestLoad_Invalid(t *testing.T) {
	unsetenv(t, "DATABASE_URL", "KAFKA_BROKERS")

	tests := []struct {
		name string
		body string
	}{
		{"unknown settlement mode", "settlement:\n  mode: eventual\n"},
		{"bad duration", "settlement:\n  flush_interval: soon\n"},
		{"bad fee rate", "masterdata:\n  fees:\n    - base: BTC\n      quote: USDT\n      maker_rate: cheap\n"},
		{"database source without url", "masterdata:\n  source: database\n"},
		{"unknown source", "masterdata:\n  source: ldap\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body, ""))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
