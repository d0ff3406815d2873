// Package index maintains the latest price of every feed and recomputes
// weighted composite indices as samples arrive.
package index

import (
	"context"
	"log/slog"
	"time"

	"cryptoindex/internal/model"
	"cryptoindex/internal/smoothing"
)

// indexState is the per-index mutable state.
type indexState struct {
	def          model.Index
	smoother     *smoothing.State
	lastUpdateAt time.Time
}

// Hooks are optional metrics callbacks, run on the aggregator goroutine.
type Hooks struct {
	OnUpdate func(index string, value float64, took time.Duration)
}

// Aggregator combines feed samples into index values.
// Owned by a single goroutine; no locks.
type Aggregator struct {
	latest  map[string]model.RawSample // feed ID → last sample, never expired
	indices []*indexState
	byFeed  map[string][]int // feed ID → positions in indices
	hooks   Hooks
	log     *slog.Logger
}

// NewAggregator builds an aggregator for the given indices. Member weights
// are assumed validated (positive, summing to 100).
func NewAggregator(indices []model.Index, params smoothing.Params, hooks Hooks) *Aggregator {
	a := &Aggregator{
		latest:  make(map[string]model.RawSample, 16),
		indices: make([]*indexState, len(indices)),
		byFeed:  make(map[string][]int, 16),
		hooks:   hooks,
		log:     slog.Default().With("component", "aggregator"),
	}
	for i, ix := range indices {
		a.indices[i] = &indexState{def: ix, smoother: smoothing.New(ix.Smoothing, params)}
		seen := make(map[string]bool, len(ix.Members))
		for _, m := range ix.Members {
			if seen[m.FeedID] {
				continue
			}
			seen[m.FeedID] = true
			a.byFeed[m.FeedID] = append(a.byFeed[m.FeedID], i)
		}
	}
	return a
}

// Process records s and returns one value for every index that references
// s.FeedID and has a sample for all of its members.
func (a *Aggregator) Process(s model.RawSample) []model.IndexValue {
	a.latest[s.FeedID] = s

	positions := a.byFeed[s.FeedID]
	if len(positions) == 0 {
		return nil
	}

	out := make([]model.IndexValue, 0, len(positions))
	for _, pos := range positions {
		st := a.indices[pos]
		start := time.Now()

		raw, ok := a.weighted(st.def)
		if !ok {
			continue // bootstrap: some member has no sample yet
		}

		ts := s.ObservedAt
		if ts.Before(st.lastUpdateAt) {
			ts = st.lastUpdateAt
		}
		smoothed := st.smoother.Apply(raw)

		st.lastUpdateAt = ts

		out = append(out, model.IndexValue{
			Index:     st.def.Name,
			Value:     smoothed,
			Raw:       raw,
			Timestamp: ts,
		})
		if a.hooks.OnUpdate != nil {
			a.hooks.OnUpdate(st.def.Name, smoothed, time.Since(start))
		}
	}
	return out
}

// weighted returns Σ weight·price / 100 over the index members, or false
// if any member has not produced a sample.
func (a *Aggregator) weighted(ix model.Index) (float64, bool) {
	var sum float64
	for _, m := range ix.Members {
		s, ok := a.latest[m.FeedID]
		if !ok {
			return 0, false
		}
		sum += float64(m.Weight) * s.Price
	}
	return sum / 100, true
}

// Run consumes samples until in is closed, sending every computed value
// to out. Cancelling ctx abandons any remaining input.
func (a *Aggregator) Run(ctx context.Context, in <-chan model.RawSample, out chan<- model.IndexValue) {
	a.log.Info("aggregator started", "indices", len(a.indices), "feeds", len(a.byFeed))
	defer a.log.Info("aggregator stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-in:
			if !ok {
				return
			}
			for _, v := range a.Process(s) {
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
