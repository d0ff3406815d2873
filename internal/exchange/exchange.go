// Package exchange fetches spot prices from public exchange REST endpoints.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultTimeout = 10 * time.Second

// ErrBadStatus is returned when an exchange answers with a non-200 status.
var ErrBadStatus = errors.New("unexpected status code")

// ErrUnknownExchange is returned by New for an unregistered exchange name.
var ErrUnknownExchange = errors.New("unknown exchange")

// Fetcher returns the current spot price of symbol.
type Fetcher interface {
	Name() string
	FetchPrice(ctx context.Context, symbol string) (float64, error)
}

// Options configure a Fetcher. Zero values use production defaults.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (o Options) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

type factory struct {
	newFetcher func(Options) Fetcher
	symbol     func(base, quote string) string
}

var registry = map[string]factory{
	"coinbase": {newFetcher: func(o Options) Fetcher { return NewCoinbase(o) }, symbol: coinbaseSymbol},
	"binance":  {newFetcher: func(o Options) Fetcher { return NewBinance(o) }, symbol: binanceSymbol},
}

// Names returns the supported exchange names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Supported reports whether name is a known exchange.
func Supported(name string) bool {
	_, ok := registry[strings.ToLower(name)]
	return ok
}

// New returns the Fetcher for the named exchange.
func New(name string, opts Options) (Fetcher, error) {
	f, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
	return f.newFetcher(opts), nil
}

// Symbol derives the exchange-native pair symbol from base and quote
// currencies, e.g. coinbase BTC/USD → "BTC-USD", binance BTC/USD → "BTCUSDT".
func Symbol(exchangeName, base, quote string) (string, error) {
	f, ok := registry[strings.ToLower(exchangeName)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownExchange, exchangeName)
	}
	return f.symbol(strings.ToUpper(base), strings.ToUpper(quote)), nil
}

// getJSON performs a GET and decodes a JSON body into v.
func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// parsePrice converts an exchange decimal string to a positive float.
func parsePrice(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("empty price")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price %q: %w", s, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("non-positive price %q", s)
	}
	// Float64's exactness flag is false for most decimal fractions, so only
	// the result's range is checked.
	f, _ := d.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) || f <= 0 {
		return 0, fmt.Errorf("price %q out of float64 range", s)
	}
	return f, nil
}
