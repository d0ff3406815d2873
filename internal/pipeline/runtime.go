// Package pipeline wires feed pollers, the index aggregator, the broadcast
// hub and the optional sinks into one runtime with an ordered shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"cryptoindex/internal/bus"
	"cryptoindex/internal/exchange"
	"cryptoindex/internal/feed"
	"cryptoindex/internal/gateway"
	"cryptoindex/internal/index"
	"cryptoindex/internal/metrics"
	"cryptoindex/internal/model"
	"cryptoindex/internal/notification"
	"cryptoindex/internal/smoothing"
)

const (
	defaultChannelSize = 1024
	defaultSinkBuffer  = 5000
	saturationInterval = 5 * time.Second
)

// Options configure a Runtime. Only Feeds and Indices are required.
type Options struct {
	Feeds     []model.Feed
	Indices   []model.Index
	Poll      feed.Config
	Smoothing smoothing.Params
	Hub       gateway.Config

	// WSAddr is the WebSocket listen address. Empty means the hub is not
	// served by the runtime; mount Hub() elsewhere.
	WSAddr string

	// Exchanges overrides fetcher options per exchange name.
	Exchanges map[string]exchange.Options

	// Notifier receives degraded/recovered alerts through an async queue.
	// Nil logs them.
	Notifier notification.Notifier

	// Metrics and Health are optional.
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus

	// Sinks are fed through drop-mode tees; they never block the pipeline.
	SampleSinks map[string]model.SampleWriter
	IndexSinks  map[string]model.IndexPublisher
	SinkBuffer  int
}

// Runtime owns every pipeline goroutine. Create with New, then Start once
// and Shutdown once.
type Runtime struct {
	opts Options

	pollers    []*feed.Poller
	aggregator *index.Aggregator
	hub        *gateway.Hub
	dispatcher *notification.Dispatcher

	samples   chan model.RawSample
	values    chan model.IndexValue
	sampleFan *bus.FanOut[model.RawSample]
	valueFan  *bus.FanOut[model.IndexValue]

	listener net.Listener
	wsServer *http.Server

	cancelPoll context.CancelFunc
	cancelCore context.CancelFunc
	pollWG     sync.WaitGroup
	coreWG     sync.WaitGroup
	sinkWG     sync.WaitGroup
	shutdown   sync.Once
}

// New builds the runtime: one poller per enabled feed, one aggregator and
// one hub. Nothing runs until Start.
func New(opts Options) (*Runtime, error) {
	if len(opts.Indices) == 0 {
		return nil, errors.New("pipeline: no indices configured")
	}
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = defaultSinkBuffer
	}
	if opts.Smoothing == (smoothing.Params{}) {
		opts.Smoothing = smoothing.DefaultParams()
	}

	r := &Runtime{
		opts:      opts,
		samples:   make(chan model.RawSample, defaultChannelSize),
		values:    make(chan model.IndexValue, defaultChannelSize),
		sampleFan: bus.New[model.RawSample](),
		valueFan:  bus.New[model.IndexValue](),
	}

	var next notification.Notifier = notification.NewLogNotifier()
	if opts.Notifier != nil {
		next = opts.Notifier
	}
	r.dispatcher = notification.NewDispatcher(next, 64)

	usedBy := make(map[string][]string, len(opts.Feeds))
	for _, ix := range opts.Indices {
		for _, mb := range ix.Members {
			usedBy[mb.FeedID] = append(usedBy[mb.FeedID], ix.Name)
		}
	}

	m := opts.Metrics
	for _, f := range opts.Feeds {
		if !f.Enabled {
			continue
		}
		fetcher, err := exchange.New(f.Exchange, opts.Exchanges[f.Exchange])
		if err != nil {
			r.dispatcher.Close(context.Background())
			return nil, fmt.Errorf("feed %s: %w", f.ID, err)
		}
		r.pollers = append(r.pollers, feed.NewPoller(f, fetcher, notification.ForIndices(r.dispatcher, usedBy[f.ID]), opts.Poll, r.pollerHooks(m)))
	}

	r.aggregator = index.NewAggregator(opts.Indices, opts.Smoothing, r.aggregatorHooks(m))
	r.hub = gateway.NewHub(opts.Hub, r.hubHooks(m))

	if m != nil {
		r.sampleFan.OnDrop = func(sub string) { m.FanoutDropsTotal.WithLabelValues(sub).Inc() }
		r.valueFan.OnDrop = func(sub string) { m.FanoutDropsTotal.WithLabelValues(sub).Inc() }
	}
	if opts.Health != nil {
		opts.Health.SetFeeds(len(r.pollers), 0)
	}
	return r, nil
}

func (r *Runtime) pollerHooks(m *metrics.Metrics) feed.Hooks {
	health := r.opts.Health
	return feed.Hooks{
		OnSample: func(feedID string, latency time.Duration) {
			if m != nil {
				m.SamplesTotal.WithLabelValues(feedID).Inc()
				m.FetchLatency.Observe(latency.Seconds())
			}
		},
		OnFetchError: func(feedID string, err error) {
			if m != nil {
				m.FetchErrorsTotal.WithLabelValues(feedID).Inc()
			}
		},
		OnDegraded: func(feedID string, degraded bool) {
			delta, v := -1, 0.0
			if degraded {
				delta, v = 1, 1
			}
			if m != nil {
				m.FeedDegraded.WithLabelValues(feedID).Set(v)
				m.FeedsDegraded.Add(float64(delta))
			}
			if health != nil {
				health.AdjustDegraded(delta)
			}
		},
	}
}

func (r *Runtime) aggregatorHooks(m *metrics.Metrics) index.Hooks {
	health := r.opts.Health
	return index.Hooks{
		OnUpdate: func(name string, value float64, took time.Duration) {
			if m != nil {
				m.IndexUpdatesTotal.WithLabelValues(name).Inc()
				m.IndexValue.WithLabelValues(name).Set(value)
				m.RecomputeDur.Observe(took.Seconds())
			}
			if health != nil {
				health.SetLastIndexTime(time.Now())
			}
		},
	}
}

func (r *Runtime) hubHooks(m *metrics.Metrics) gateway.Hooks {
	if m == nil {
		return gateway.Hooks{}
	}
	return gateway.Hooks{
		OnConnect: func() {
			m.WSConnectsTotal.Inc()
			m.WSClients.Inc()
		},
		OnDisconnect: func(reason string) {
			m.WSDisconnectsTotal.WithLabelValues(reason).Inc()
			m.WSClients.Dec()
		},
		OnBroadcast: func(_ string, recipients int) {
			m.WSMessagesTotal.Add(float64(recipients))
		},
	}
}

// Hub returns the broadcast hub, an http.Handler for WebSocket upgrades.
func (r *Runtime) Hub() *gateway.Hub { return r.hub }

// Latest returns the most recent value of every ready index.
func (r *Runtime) Latest() map[string]model.IndexValue { return r.hub.Latest() }

// Latency reports sample-to-broadcast delay percentiles.
func (r *Runtime) Latency() gateway.LatencyStats { return r.hub.Latency() }

// FeedStatuses returns a snapshot of every poller, in feed order.
func (r *Runtime) FeedStatuses() []model.FeedStatus {
	out := make([]model.FeedStatus, len(r.pollers))
	for i, p := range r.pollers {
		out[i] = p.Status()
	}
	return out
}

// WSAddr returns the bound WebSocket address, or "" when not listening.
func (r *Runtime) WSAddr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Start binds the WebSocket listener (if configured) and launches every
// goroutine. Cancelling ctx stops the pollers only; call Shutdown to drain
// the rest of the pipeline.
func (r *Runtime) Start(ctx context.Context) error {
	if r.opts.WSAddr != "" {
		ln, err := net.Listen("tcp", r.opts.WSAddr)
		if err != nil {
			return fmt.Errorf("websocket listen %s: %w", r.opts.WSAddr, err)
		}
		r.listener = ln
		mux := http.NewServeMux()
		mux.Handle("/", r.hub)
		r.wsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("[pipeline] websocket server listening on %s", ln.Addr())
			if err := r.wsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[pipeline] websocket server error: %v", err)
			}
		}()
	}

	// The core outlives ctx so that it can drain during Shutdown.
	coreCtx, cancelCore := context.WithCancel(context.WithoutCancel(ctx))
	pollCtx, cancelPoll := context.WithCancel(ctx)
	r.cancelCore, r.cancelPoll = cancelCore, cancelPoll

	// Raw samples: the aggregator sees every sample, storage sinks may drop.
	aggIn := r.sampleFan.Subscribe("aggregator", defaultChannelSize, bus.Block)
	for name, sink := range r.opts.SampleSinks {
		ch := r.sampleFan.Subscribe(name, r.opts.SinkBuffer, bus.Drop)
		r.sinkWG.Add(1)
		go func(s model.SampleWriter, ch <-chan model.RawSample) {
			defer r.sinkWG.Done()
			s.Run(coreCtx, ch)
		}(sink, ch)
	}

	// Index values: the hub sees every value, publishers may drop.
	hubIn := r.valueFan.Subscribe("hub", defaultChannelSize, bus.Block)
	for name, sink := range r.opts.IndexSinks {
		ch := r.valueFan.Subscribe(name, r.opts.SinkBuffer, bus.Drop)
		r.sinkWG.Add(1)
		go func(s model.IndexPublisher, ch <-chan model.IndexValue) {
			defer r.sinkWG.Done()
			s.Run(coreCtx, ch)
		}(sink, ch)
	}

	r.coreWG.Add(4)
	go func() {
		defer r.coreWG.Done()
		r.sampleFan.Run(coreCtx, r.samples)
	}()
	go func() {
		defer r.coreWG.Done()
		defer close(r.values)
		r.aggregator.Run(coreCtx, aggIn, r.values)
	}()
	go func() {
		defer r.coreWG.Done()
		r.valueFan.Run(coreCtx, r.values)
	}()
	go func() {
		defer r.coreWG.Done()
		r.hub.Run(coreCtx, hubIn)
	}()

	go r.monitor(coreCtx)

	for _, p := range r.pollers {
		r.pollWG.Add(1)
		go func(p *feed.Poller) {
			defer r.pollWG.Done()
			p.Run(pollCtx, r.samples)
		}(p)
	}

	log.Printf("[pipeline] started: %d feeds, %d indices", len(r.pollers), len(r.opts.Indices))
	return nil
}

// monitor exports channel saturation and the client count.
func (r *Runtime) monitor(ctx context.Context) {
	ticker := time.NewTicker(saturationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.opts.Health != nil {
				r.opts.Health.SetWSClients(r.hub.ClientCount())
			}
			m := r.opts.Metrics
			if m == nil {
				continue
			}
			stats := append(r.sampleFan.ChannelStats(), r.valueFan.ChannelStats()...)
			for _, s := range stats {
				if s.Cap > 0 {
					pct := float64(s.Len) / float64(s.Cap) * 100
					m.ChannelSaturationPct.WithLabelValues(s.Name).Set(pct)
				}
			}
		}
	}
}

// Shutdown stops the pollers, lets every sample already produced flow
// through the aggregator to the clients, closes all client connections and
// flushes the sinks. If ctx expires first the remaining stages are
// cancelled and ctx.Err is returned.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var err error
	r.shutdown.Do(func() { err = r.drain(ctx) })
	return err
}

func (r *Runtime) drain(ctx context.Context) error {
	if r.cancelCore == nil {
		return r.dispatcher.Close(ctx)
	}
	defer r.cancelCore()

	r.cancelPoll()
	if !wait(ctx, &r.pollWG) {
		return r.abort(ctx)
	}
	log.Println("[pipeline] pollers stopped")

	if r.wsServer != nil {
		if err := r.wsServer.Shutdown(ctx); err != nil {
			log.Printf("[pipeline] websocket server shutdown: %v", err)
		}
	}

	// Closing samples cascades: fan-out → aggregator → fan-out → hub/sinks.
	close(r.samples)
	if !wait(ctx, &r.coreWG) {
		return r.abort(ctx)
	}
	log.Println("[pipeline] aggregator and hub drained")

	var errs []error
	if err := r.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if wait(ctx, &r.sinkWG) {
		for name, s := range r.opts.SampleSinks {
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
		for name, s := range r.opts.IndexSinks {
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	} else {
		errs = append(errs, fmt.Errorf("sinks: %w", ctx.Err()))
	}
	if err := r.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notifications: %w", err))
	}
	return errors.Join(errs...)
}

// abort forces the remaining stages down after the grace period expired.
func (r *Runtime) abort(ctx context.Context) error {
	log.Printf("[pipeline] shutdown grace expired, forcing stop")
	r.cancelCore()
	force, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.hub.Shutdown(force)
	return ctx.Err()
}

// wait reports whether wg finished before ctx expired.
func wait(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
