package model

import "time"

// RawSample is a single successful price observation from one feed.
// ObservedAt is non-decreasing per feed.
type RawSample struct {
	FeedID     string    `json:"feed_id"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"` // UTC
}

// IndexValue is one smoothed index output, ready for broadcast.
type IndexValue struct {
	Index     string    `json:"index"`
	Value     float64   `json:"value"` // smoothed
	Raw       float64   `json:"raw"`   // weighted sum before smoothing
	Timestamp time.Time `json:"timestamp"`
}
