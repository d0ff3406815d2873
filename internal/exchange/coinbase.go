package exchange

import (
	"context"
	"net/url"
	"strings"
)

const coinbaseBaseURL = "https://api.coinbase.com"

// Coinbase fetches spot prices from /v2/prices/{pair}/spot.
type Coinbase struct {
	opts Options
}

// coinbaseSpot is the /v2/prices/{pair}/spot response body.
type coinbaseSpot struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// NewCoinbase creates a Coinbase fetcher.
func NewCoinbase(opts Options) *Coinbase {
	if opts.BaseURL == "" {
		opts.BaseURL = coinbaseBaseURL
	}
	opts.HTTPClient = opts.client()
	return &Coinbase{opts: opts}
}

func (c *Coinbase) Name() string { return "coinbase" }

func (c *Coinbase) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + "/v2/prices/" + url.PathEscape(symbol) + "/spot"
	var spot coinbaseSpot
	if err := getJSON(ctx, c.opts.HTTPClient, endpoint, &spot); err != nil {
		return 0, err
	}
	return parsePrice(spot.Data.Amount)
}

func coinbaseSymbol(base, quote string) string {
	return base + "-" + quote
}
