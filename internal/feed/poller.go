// Package feed polls one exchange feed forever, emitting raw samples and
// tracking consecutive failures.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cryptoindex/internal/backoff"
	"cryptoindex/internal/exchange"
	"cryptoindex/internal/logger"
	"cryptoindex/internal/model"
	"cryptoindex/internal/notification"
)

// Config tunes a Poller. Zero values fall back to the defaults below.
type Config struct {
	Interval          time.Duration // pause after a successful fetch
	RequestTimeout    time.Duration // per-fetch timeout
	Backoff           backoff.Policy
	DegradedThreshold uint // consecutive failures before the feed is degraded
}

const (
	DefaultInterval          = 5 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultDegradedThreshold = 5
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = backoff.Default()
	}
	if c.DegradedThreshold == 0 {
		c.DegradedThreshold = DefaultDegradedThreshold
	}
	return c
}

// Hooks are optional callbacks for metrics. They run on the poller goroutine.
type Hooks struct {
	OnSample     func(feedID string, latency time.Duration)
	OnFetchError func(feedID string, err error)
	OnDegraded   func(feedID string, degraded bool)
}

// State is a copy of a poller's health.
type State struct {
	LastSample          *model.RawSample
	ConsecutiveFailures uint
	Degraded            bool
}

// Poller fetches one feed's price in a loop.
type Poller struct {
	feed     model.Feed
	fetcher  exchange.Fetcher
	notifier notification.Notifier
	cfg      Config
	hooks    Hooks
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	state State
}

// NewPoller creates a poller for f. notifier may be nil.
func NewPoller(f model.Feed, fetcher exchange.Fetcher, notifier notification.Notifier, cfg Config, hooks Hooks) *Poller {
	if notifier == nil {
		notifier = notification.NewLogNotifier()
	}
	return &Poller{
		feed:     f,
		fetcher:  fetcher,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		log:      slog.Default().With("component", "feed", "feed", f.ID),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Feed returns the polled feed.
func (p *Poller) Feed() model.Feed { return p.feed }

// State returns a snapshot of the poller's health.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	if s.LastSample != nil {
		cp := *s.LastSample
		s.LastSample = &cp
	}
	return s
}

// Status returns the snapshot in the shape served by the status API.
func (p *Poller) Status() model.FeedStatus {
	s := p.State()
	return model.FeedStatus{
		FeedID:              p.feed.ID,
		Exchange:            p.feed.Exchange,
		Symbol:              p.feed.Symbol,
		LastSample:          s.LastSample,
		ConsecutiveFailures: s.ConsecutiveFailures,
		Degraded:            s.Degraded,
	}
}

// Run polls until ctx is cancelled. Samples are sent to out in
// observation order; the send blocks so per-feed order is preserved.
func (p *Poller) Run(ctx context.Context, out chan<- model.RawSample) {
	p.log.Info("poller started", "exchange", p.feed.Exchange, "symbol", p.feed.Symbol,
		"interval", p.cfg.Interval.String())
	defer p.log.Info("poller stopped")

	for {
		wait, sample, ok := p.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if ok {
			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// poll performs one fetch and updates state. It returns the delay before
// the next attempt and, on success, the sample to emit.
func (p *Poller) poll(ctx context.Context) (time.Duration, model.RawSample, bool) {
	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	fctx = logger.WithTraceID(fctx, logger.GenerateTraceID(p.feed.ID, start))
	price, err := p.fetcher.FetchPrice(fctx, p.feed.Symbol)
	cancel()

	if ctx.Err() != nil {
		return 0, model.RawSample{}, false
	}
	if err != nil {
		return p.onFailure(fctx, err), model.RawSample{}, false
	}
	return p.cfg.Interval, p.onSuccess(fctx, price, time.Since(start)), true
}

func (p *Poller) onFailure(ctx context.Context, err error) time.Duration {
	p.mu.Lock()
	p.state.ConsecutiveFailures++
	n := p.state.ConsecutiveFailures
	becameDegraded := n == p.cfg.DegradedThreshold
	if becameDegraded {
		p.state.Degraded = true
	}
	p.mu.Unlock()

	delay := p.cfg.Backoff.Delay(int(n))
	p.log.Warn("fetch failed", append(logger.LogWithTrace(ctx),
		"error", err, "consecutive_failures", n, "retry_in", delay.String())...)

	if p.hooks.OnFetchError != nil {
		p.hooks.OnFetchError(p.feed.ID, err)
	}
	if becameDegraded {
		p.log.Error("feed degraded", "consecutive_failures", n)
		if p.hooks.OnDegraded != nil {
			p.hooks.OnDegraded(p.feed.ID, true)
		}
		p.notify(ctx, notification.Alert{
			Level:    notification.AlertWarning,
			Title:    "Feed degraded",
			Message:  fmt.Sprintf("%s %s failed %d consecutive times: %v", p.feed.Exchange, p.feed.Symbol, n, err),
			Feed:     p.feed.ID,
			Exchange: p.feed.Exchange,
			Failures: n,
		})
	}
	return delay
}

func (p *Poller) onSuccess(ctx context.Context, price float64, latency time.Duration) model.RawSample {
	ts := p.now()

	p.mu.Lock()
	if last := p.state.LastSample; last != nil && ts.Before(last.ObservedAt) {
		ts = last.ObservedAt
	}
	sample := model.RawSample{FeedID: p.feed.ID, Price: price, ObservedAt: ts}
	p.state.LastSample = &sample
	wasDegraded := p.state.Degraded
	failures := p.state.ConsecutiveFailures
	p.state.ConsecutiveFailures = 0
	p.state.Degraded = false
	p.mu.Unlock()

	p.log.Debug("sample", append(logger.LogWithTrace(ctx), "price", price, "latency", latency.String())...)
	if p.hooks.OnSample != nil {
		p.hooks.OnSample(p.feed.ID, latency)
	}
	if wasDegraded {
		p.log.Info("feed recovered", "after_failures", failures)
		if p.hooks.OnDegraded != nil {
			p.hooks.OnDegraded(p.feed.ID, false)
		}
		p.notify(ctx, notification.Alert{
			Level:    notification.AlertInfo,
			Title:    "Feed recovered",
			Message:  fmt.Sprintf("%s %s recovered after %d failures", p.feed.Exchange, p.feed.Symbol, failures),
			Feed:     p.feed.ID,
			Exchange: p.feed.Exchange,
		})
	}
	return sample
}

func (p *Poller) notify(ctx context.Context, a notification.Alert) {
	a.Time = p.now()
	if err := p.notifier.Send(context.WithoutCancel(ctx), a); err != nil {
		p.log.Warn("notification failed", "error", err)
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
