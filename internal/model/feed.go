package model

import "cryptoindex/internal/smoothing"

// Feed is one exchange's quote stream for one trading pair.
type Feed struct {
	ID       string `json:"id"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"` // exchange-native, e.g. "BTC-USD" or "BTCUSDT"
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	Enabled  bool   `json:"enabled"`
}

// Member is one weighted constituent of an index. Weight is a percentage.
type Member struct {
	FeedID string `json:"feed_id"`
	Weight int    `json:"weight"`
}

// Index is a named weighted composite of feeds. Member weights sum to 100.
type Index struct {
	Name      string         `json:"name"`
	Smoothing smoothing.Kind `json:"smoothing"`
	Members   []Member       `json:"members"`
}
