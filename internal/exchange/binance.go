package exchange

import (
	"context"
	"net/url"
	"strings"
)

const binanceBaseURL = "https://api.binance.com"

// Binance fetches spot prices from /api/v3/ticker/price.
type Binance struct {
	opts Options
}

// binanceTicker is the /api/v3/ticker/price response body.
type binanceTicker struct {
	Symbol string `json:"symbol"` // e.g., "BTCUSDT"
	Price  string `json:"price"`
}

// NewBinance creates a Binance fetcher.
func NewBinance(opts Options) *Binance {
	if opts.BaseURL == "" {
		opts.BaseURL = binanceBaseURL
	}
	opts.HTTPClient = opts.client()
	return &Binance{opts: opts}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := strings.TrimRight(b.opts.BaseURL, "/") + "/api/v3/ticker/price?symbol=" + url.QueryEscape(symbol)
	var ticker binanceTicker
	if err := getJSON(ctx, b.opts.HTTPClient, endpoint, &ticker); err != nil {
		return 0, err
	}
	return parsePrice(ticker.Price)
}

// Binance has no USD books; USD pairs quote against USDT.
func binanceSymbol(base, quote string) string {
	if quote == "USD" {
		quote = "USDT"
	}
	return base + quote
}
