package gateway

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyStats summarises sample-to-broadcast delay.
type LatencyStats struct {
	Count int           `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// LatencyTracker keeps the most recent delays in a circular buffer.
// Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	pos     int
	count   int
}

// NewLatencyTracker creates a tracker holding the last capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LatencyTracker{samples: make([]time.Duration, capacity)}
}

// Record adds one delay. Negative delays (clock skew) count as zero.
func (lt *LatencyTracker) Record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	lt.mu.Lock()
	lt.samples[lt.pos] = d
	lt.pos = (lt.pos + 1) % len(lt.samples)
	if lt.count < len(lt.samples) {
		lt.count++
	}
	lt.mu.Unlock()
}

// Stats returns p50/p95/p99 over the retained samples.
func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	n := lt.count
	sorted := make([]time.Duration, n)
	if n == len(lt.samples) {
		// full: oldest entry is at pos
		copy(sorted, lt.samples[lt.pos:])
		copy(sorted[n-lt.pos:], lt.samples[:lt.pos])
	} else {
		copy(sorted, lt.samples[:n])
	}
	lt.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return LatencyStats{
		Count: n,
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

// percentile interpolates the p-th percentile (0..1) of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + time.Duration(frac*float64(sorted[lower+1]-sorted[lower]))
}
