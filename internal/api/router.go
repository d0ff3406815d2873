// Package api serves the read-only status API: index values, feed health
// and stored sample history.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"cryptoindex/internal/gateway"
	"cryptoindex/internal/metrics"
	"cryptoindex/internal/model"

	"github.com/gin-gonic/gin"
)

// IndexSource provides the latest value of every ready index.
type IndexSource interface {
	Latest() map[string]model.IndexValue
}

// FeedSource provides per-feed poller status.
type FeedSource interface {
	FeedStatuses() []model.FeedStatus
}

// HistorySource reads stored samples, newest first.
type HistorySource interface {
	ReadSamples(ctx context.Context, feedID string, since time.Time, limit int) ([]model.RawSample, error)
}

// HealthSource reports overall process health and the matching HTTP code.
type HealthSource interface {
	Report() (metrics.Report, int)
}

// LatencySource reports sample-to-broadcast delay percentiles.
type LatencySource interface {
	Latency() gateway.LatencyStats
}

// StoredIndexSource reads the last value published to external storage.
// It answers for indices this process has not computed yet, e.g. right
// after a restart.
type StoredIndexSource interface {
	ReadLatest(ctx context.Context, index string) (model.IndexValue, bool, error)
}

// Sources are the read models behind the API. Indices and Feeds are
// required; the rest may be nil.
type Sources struct {
	Indices IndexSource
	Feeds   FeedSource
	History HistorySource
	Health  HealthSource
	Latency LatencySource
	Stored  StoredIndexSource
}

const maxHistoryLimit = 1000

// NewRouter builds the gin engine with all /api/v1 routes.
func NewRouter(src Sources) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")
	v1.GET("/health", src.health)
	v1.GET("/indices", src.listIndices)
	v1.GET("/indices/:name", src.getIndex)
	v1.GET("/feeds", src.listFeeds)
	v1.GET("/feeds/:id/history", src.feedHistory)
	v1.GET("/latency", src.latency)

	return r
}

func (s Sources) health(c *gin.Context) {
	if s.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	report, code := s.Health.Report()
	c.JSON(code, report)
}

func (s Sources) listIndices(c *gin.Context) {
	latest := s.Indices.Latest()
	out := make([]model.IndexValue, 0, len(latest))
	for _, v := range latest {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	c.JSON(http.StatusOK, gin.H{"indices": out})
}

// indexResponse tags a value with where it came from: "live" from the hub,
// "stored" from the last published value.
type indexResponse struct {
	model.IndexValue
	Source string `json:"source"`
}

func (s Sources) getIndex(c *gin.Context) {
	name := c.Param("name")
	if v, ok := s.Indices.Latest()[name]; ok {
		c.JSON(http.StatusOK, indexResponse{IndexValue: v, Source: "live"})
		return
	}
	if s.Stored != nil {
		v, ok, err := s.Stored.ReadLatest(c.Request.Context(), name)
		if err != nil {
			log.Printf("[api] stored value for %s: %v", name, err)
		} else if ok {
			c.JSON(http.StatusOK, indexResponse{IndexValue: v, Source: "stored"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "index not found or not ready", "index": name})
}

func (s Sources) listFeeds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"feeds": s.Feeds.FeedStatuses()})
}

func (s Sources) knownFeed(id string) bool {
	for _, st := range s.Feeds.FeedStatuses() {
		if st.FeedID == id {
			return true
		}
	}
	return false
}

// feedHistory serves GET /feeds/:id/history?since=<RFC3339>&limit=<n>.
func (s Sources) feedHistory(c *gin.Context) {
	if s.History == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "sample storage disabled"})
		return
	}
	id := c.Param("id")
	if !s.knownFeed(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown feed", "feed_id": id})
		return
	}

	var since time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = t
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	samples, err := s.History.ReadSamples(c.Request.Context(), id, since, limit)
	if err != nil {
		log.Printf("[api] history %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	if samples == nil {
		samples = []model.RawSample{}
	}
	c.JSON(http.StatusOK, gin.H{"feed_id": id, "samples": samples})
}

func (s Sources) latency(c *gin.Context) {
	if s.Latency == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "latency tracking unavailable"})
		return
	}
	st := s.Latency.Latency()
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	c.JSON(http.StatusOK, gin.H{
		"count":  st.Count,
		"p50_ms": ms(st.P50),
		"p95_ms": ms(st.P95),
		"p99_ms": ms(st.P99),
	})
}

// Server runs the API on its own listener.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer wraps the router in an http.Server.
func NewServer(addr string, src Sources) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(src),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
