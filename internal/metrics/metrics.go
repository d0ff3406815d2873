package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the index collector.
type Metrics struct {
	// Feed pollers
	SamplesTotal     *prometheus.CounterVec // labels: feed
	FetchErrorsTotal *prometheus.CounterVec // labels: feed
	FetchLatency     prometheus.Histogram
	FeedDegraded     *prometheus.GaugeVec // labels: feed; 0=healthy, 1=degraded
	FeedsDegraded    prometheus.Gauge

	// Aggregator
	IndexUpdatesTotal *prometheus.CounterVec // labels: index
	IndexValue        *prometheus.GaugeVec   // labels: index
	RecomputeDur      prometheus.Histogram

	// Broadcast hub
	WSClients          prometheus.Gauge
	WSConnectsTotal    prometheus.Counter
	WSDisconnectsTotal *prometheus.CounterVec // labels: reason
	WSMessagesTotal    prometheus.Counter

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Storage sinks
	StorageRowsTotal   *prometheus.CounterVec // labels: sink
	StorageErrorsTotal *prometheus.CounterVec // labels: sink
	StorageCommitDur   *prometheus.HistogramVec

	// Redis publisher circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg means the process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fastBuckets := []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001}

	m := &Metrics{
		SamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoindex_samples_total",
			Help: "Successful price samples per feed",
		}, []string{"feed"}),
		FetchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoindex_fetch_errors_total",
			Help: "Failed price fetches per feed",
		}, []string{"feed"}),
		FetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryptoindex_fetch_duration_seconds",
			Help:    "Exchange REST fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		FeedDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptoindex_feed_degraded",
			Help: "Feed degraded flag (0=healthy, 1=degraded)",
		}, []string{"feed"}),
		FeedsDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptoindex_feeds_degraded",
			Help: "Number of feeds currently degraded",
		}),

		IndexUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoindex_index_updates_total",
			Help: "Index values emitted per index",
		}, []string{"index"}),
		IndexValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptoindex_index_value",
			Help: "Latest smoothed index value",
		}, []string{"index"}),
		RecomputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryptoindex_recompute_duration_seconds",
			Help:    "Weighted recompute and smoothing latency per index",
			Buckets: fastBuckets,
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptoindex_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		WSConnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptoindex_ws_connects_total",
			Help: "WebSocket clients accepted",
		}),
		WSDisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoindex_ws_disconnects_total",
			Help: "WebSocket disconnects by reason (peer, error, slow, shutdown)",
		}, []string{"reason"}),
		WSMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptoindex_ws_messages_total",
			Help: "Index messages queued to clients",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoindex_fanout_drops_total",
			Help: "Values dropped by the bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptoindex_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		StorageRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoindex_storage_rows_total",
			Help: "Raw samples committed per storage sink",
		}, []string{"sink"}),
		StorageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptoindex_storage_errors_total",
			Help: "Failed storage batches per sink",
		}, []string{"sink"}),
		StorageCommitDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cryptoindex_storage_commit_duration_seconds",
			Help:    "Storage batch commit latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptoindex_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptoindex_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptoindex_redis_buffered_writes_total",
			Help: "Publishes buffered locally during Redis circuit breaker open state",
		}),
	}

	reg.MustRegister(
		m.SamplesTotal,
		m.FetchErrorsTotal,
		m.FetchLatency,
		m.FeedDegraded,
		m.FeedsDegraded,
		m.IndexUpdatesTotal,
		m.IndexValue,
		m.RecomputeDur,
		m.WSClients,
		m.WSConnectsTotal,
		m.WSDisconnectsTotal,
		m.WSMessagesTotal,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.StorageRowsTotal,
		m.StorageErrorsTotal,
		m.StorageCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedsTotal     int       `json:"feeds_total"`
	FeedsDegraded  int       `json:"feeds_degraded"`
	LastIndexTime  time.Time `json:"last_index_time"`
	WSClients      int       `json:"ws_clients"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	StorageEnabled bool      `json:"storage_enabled"`
	StorageOK      bool      `json:"storage_ok"`

	// Liveness probe results
	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	StorageLatencyMs float64   `json:"storage_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeeds(total, degraded int) {
	h.mu.Lock()
	h.FeedsTotal = total
	h.FeedsDegraded = degraded
	h.mu.Unlock()
}

// AdjustDegraded moves the degraded feed count by delta.
func (h *HealthStatus) AdjustDegraded(delta int) {
	h.mu.Lock()
	h.FeedsDegraded += delta
	if h.FeedsDegraded < 0 {
		h.FeedsDegraded = 0
	}
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastIndexTime(t time.Time) {
	h.mu.Lock()
	h.LastIndexTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetWSClients(n int) {
	h.mu.Lock()
	h.WSClients = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedis(enabled, connected bool) {
	h.mu.Lock()
	h.RedisEnabled = enabled
	h.RedisConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetStorage(enabled, ok bool) {
	h.mu.Lock()
	h.StorageEnabled = enabled
	h.StorageOK = ok
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckStorage pings the storage database and records latency + health.
func (h *HealthStatus) CheckStorage(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StorageOK = err == nil
	h.StorageLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either dependency may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckStorage(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// Report is the JSON body served by /healthz.
type Report struct {
	Status           string  `json:"status"`
	Uptime           string  `json:"uptime"`
	FeedsTotal       int     `json:"feeds_total"`
	FeedsDegraded    int     `json:"feeds_degraded"`
	LastIndexTime    string  `json:"last_index_time"`
	IndexAge         string  `json:"index_age"`
	WSClients        int     `json:"ws_clients"`
	RedisConnected   bool    `json:"redis_connected"`
	RedisLatencyMs   float64 `json:"redis_latency_ms"`
	StorageOK        bool    `json:"storage_ok"`
	StorageLatencyMs float64 `json:"storage_latency_ms"`
	LastCheckAt      string  `json:"last_check_at"`
}

// Report computes the overall status: "healthy", "degraded" when any feed
// is degraded or an enabled dependency is down, "unhealthy" when every
// feed is degraded.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if h.FeedsDegraded > 0 ||
		(h.RedisEnabled && !h.RedisConnected) ||
		(h.StorageEnabled && !h.StorageOK) {
		overallStatus = "degraded"
	}
	if h.FeedsTotal > 0 && h.FeedsDegraded >= h.FeedsTotal {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	indexAge := ""
	if !h.LastIndexTime.IsZero() {
		indexAge = time.Since(h.LastIndexTime).Round(time.Millisecond).String()
	}

	return Report{
		Status:           overallStatus,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		FeedsTotal:       h.FeedsTotal,
		FeedsDegraded:    h.FeedsDegraded,
		LastIndexTime:    h.LastIndexTime.Format(time.RFC3339),
		IndexAge:         indexAge,
		WSClients:        h.WSClients,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		StorageOK:        h.StorageOK,
		StorageLatencyMs: h.StorageLatencyMs,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}, httpCode
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, httpCode := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer serves the
// default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
