package config

import (
	"os"
	"path/filepath"
	"testing"

	"cryptoindex/internal/smoothing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
feeds:
  coinbase_btc_usd:
    exchange: coinbase
    base_currency: BTC
    quote_currency: USD
  binance_btc_usd:
    exchange: binance
    base_currency: BTC
    quote_currency: USD
  binance_eth_usd:
    exchange: binance
    base_currency: ETH
    quote_currency: USD
    enabled: false
indices:
  - name: BTC-USD-INDEX
    smoothing: ema
    feeds:
      - id: coinbase_btc_usd
        weight: 60
      - id: binance_btc_usd
        weight: 40
database:
  enabled: true
  url: postgres://u:p@db:5432/idx
`

func TestParse_Valid(t *testing.T) {
	f, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", f.WebSocket.Address)
	assert.Equal(t, 30, f.Database.RetentionDays)
	assert.True(t, f.Database.Enabled)

	feeds, indices, err := f.Model()
	require.NoError(t, err)

	// Disabled feeds are skipped; the rest are sorted by ID.
	require.Len(t, feeds, 2)
	assert.Equal(t, "binance_btc_usd", feeds[0].ID)
	assert.Equal(t, "BTCUSDT", feeds[0].Symbol)
	assert.Equal(t, "coinbase_btc_usd", feeds[1].ID)
	assert.Equal(t, "BTC-USD", feeds[1].Symbol)

	require.Len(t, indices, 1)
	assert.Equal(t, smoothing.EMA, indices[0].Smoothing)
	require.Len(t, indices[0].Members, 2)
	assert.Equal(t, "coinbase_btc_usd", indices[0].Members[0].FeedID)
	assert.Equal(t, "binance_btc_usd", indices[0].Members[1].FeedID)
	assert.Equal(t, 60, indices[0].Members[0].Weight)
}

func TestParse_Invalid(t *testing.T) {
	feeds := `
feeds:
  cb_btc:
    exchange: coinbase
    base_currency: BTC
    quote_currency: USD
  cb_eth:
    exchange: coinbase
    base_currency: ETH
    quote_currency: USD
  off_btc:
    exchange: binance
    base_currency: BTC
    quote_currency: USD
    enabled: false
`
	tests := []struct {
		name    string
		indices string
	}{
		{"weights not 100", `
indices:
  - name: BTC-USD-INDEX
    smoothing: none
    feeds: [{id: cb_btc, weight: 90}]`},
		{"dangling feed", `
indices:
  - name: BTC-USD-INDEX
    feeds: [{id: nope, weight: 100}]`},
		{"disabled feed", `
indices:
  - name: BTC-USD-INDEX
    feeds: [{id: off_btc, weight: 100}]`},
		{"currency mismatch", `
indices:
  - name: BTC-USD-INDEX
    feeds: [{id: cb_eth, weight: 100}]`},
		{"bad name", `
indices:
  - name: BTCINDEX
    feeds: [{id: cb_btc, weight: 100}]`},
		{"zero weight", `
indices:
  - name: BTC-USD-INDEX
    feeds: [{id: cb_btc, weight: 0}]`},
		{"unknown smoothing", `
indices:
  - name: BTC-USD-INDEX
    smoothing: wma
    feeds: [{id: cb_btc, weight: 100}]`},
		{"duplicate index", `
indices:
  - name: BTC-USD-INDEX
    feeds: [{id: cb_btc, weight: 100}]
  - name: BTC-USD-INDEX
    feeds: [{id: cb_btc, weight: 100}]`},
		{"no indices", `
indices: []`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(feeds + tt.indices))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParse_UnknownExchange(t *testing.T) {
	_, err := Parse([]byte(`
feeds:
  kr_btc:
    exchange: kraken
    base_currency: BTC
    quote_currency: USD
indices:
  - name: BTC-USD-INDEX
    feeds: [{id: kr_btc, weight: 100}]
`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, f.Indices, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("EMA_FACTOR", "1.5")
	t.Setenv("CLIENT_QUEUE_SIZE", "-4")

	c := Load()
	assert.Equal(t, "2s", c.PollInterval.String())
	assert.Equal(t, 1.5, c.EMAFactor)
	assert.Equal(t, 256, c.ClientQueueSize)
	assert.Equal(t, 20, c.SMAWindow)
}
