package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mock", cfg.Exchange.Kind)
	assert.Len(t, cfg.Grids, 4)
	assert.Equal(t, 30.0, cfg.Risk.MaxDrawdownPercent)

	// only the PEPE grid carries the BTC filter
	for _, g := range cfg.Grids {
		if g.Symbol == "PEPEUSDT" {
			assert.True(t, g.BTCFilterEnabled)
		} else {
			assert.False(t, g.BTCFilterEnabled)
		}
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := writeConfigFile(t, `
exchange:
  kind: mock
  fee_rate: 0.002
server:
  listen_addr: ":9090"
grids:
  - symbol: BTCUSDT
    lower_price: 90000
    upper_price: 95000
    grid_count: 10
    total_investment: 10000
    stop_loss: 89000
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 0.002, cfg.Exchange.FeeRate)
	// untouched sections keep their defaults
	assert.Equal(t, 30.0, cfg.Risk.MaxDrawdownPercent)
	require.Len(t, cfg.Grids, 1)
	assert.Equal(t, "BTCUSDT", cfg.Grids[0].Symbol)
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_BYBIT_KEY", "key-from-env")
	t.Setenv("TEST_BYBIT_SECRET", "secret-from-env")

	path := writeConfigFile(t, `
exchange:
  kind: bybit
  api_key: ${TEST_BYBIT_KEY}
  secret_key: ${TEST_BYBIT_SECRET}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Secret("key-from-env"), cfg.Exchange.APIKey)
	assert.Equal(t, Secret("secret-from-env"), cfg.Exchange.SecretKey)
}

func TestBybitRequiresCredentials(t *testing.T) {
	path := writeConfigFile(t, `
exchange:
  kind: bybit
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestInvalidGridRejected(t *testing.T) {
	path := writeConfigFile(t, `
grids:
  - symbol: BTCUSDT
    lower_price: 99000
    upper_price: 95500
    grid_count: 12
    total_investment: 25000
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upper_price")
}

func TestDuplicateGridRejected(t *testing.T) {
	path := writeConfigFile(t, `
grids:
  - symbol: btcusdt
    lower_price: 95500
    upper_price: 99000
    grid_count: 12
    total_investment: 25000
  - symbol: BTCUSDT
    lower_price: 90000
    upper_price: 94000
    grid_count: 10
    total_investment: 10000
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestStopLossMustSitBelowRange(t *testing.T) {
	path := writeConfigFile(t, `
grids:
  - symbol: BTCUSDT
    lower_price: 95500
    upper_price: 99000
    grid_count: 12
    total_investment: 25000
    stop_loss: 96000
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop_loss")
}

func TestParametersConversion(t *testing.T) {
	g := GridDeployment{
		Symbol:          "btcusdt",
		LowerPrice:      95500,
		UpperPrice:      99000,
		GridCount:       12,
		TotalInvestment: 25000,
		StopLoss:        94800,
	}
	p := g.Parameters(0.001)
	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.True(t, p.FeeBps.IntPart() == 10, "0.1%% fee is 10 bps, got %s", p.FeeBps)

	spacing, _ := p.Spacing().Float64()
	assert.InDelta(t, 291.67, spacing, 0.01)
}

func TestSecretMasking(t *testing.T) {
	s := Secret("super-sensitive")
	assert.Equal(t, "[REDACTED]", s.String())

	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-sensitive")

	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "real-api-key"
	assert.NotContains(t, cfg.String(), "real-api-key")
}

func TestUnparseableFileRejected(t *testing.T) {
	path := writeConfigFile(t, "exchange: [not a map")
	_, err := LoadConfig(path)
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
