package model

import (
	"context"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the pipeline from concrete sinks
// (SQLite, Postgres, Redis). Sinks never block the pipeline; they are fed
// through non-blocking tees.

// SampleWriter persists raw samples.
type SampleWriter interface {
	// Run reads samples from ch and writes them.
	// Blocks until ch is closed; remaining buffered rows are flushed first.
	Run(ctx context.Context, ch <-chan RawSample)

	// Close releases underlying resources.
	Close() error
}

// IndexPublisher publishes smoothed index values to downstream consumers.
type IndexPublisher interface {
	// Run reads values from ch and publishes them.
	// Blocks until ch is closed.
	Run(ctx context.Context, ch <-chan IndexValue)

	// Close releases underlying resources.
	Close() error
}

// FeedStatus is a point-in-time snapshot of one poller, served by the status API.
type FeedStatus struct {
	FeedID              string     `json:"feed_id"`
	Exchange            string     `json:"exchange"`
	Symbol              string     `json:"symbol"`
	LastSample          *RawSample `json:"last_sample,omitempty"`
	ConsecutiveFailures uint       `json:"consecutive_failures"`
	Degraded            bool       `json:"degraded"`
}
