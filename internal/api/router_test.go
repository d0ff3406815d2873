package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cryptoindex/internal/gateway"
	"cryptoindex/internal/metrics"
	"cryptoindex/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeIndices map[string]model.IndexValue

func (f fakeIndices) Latest() map[string]model.IndexValue { return f }

type fakeFeeds []model.FeedStatus

func (f fakeFeeds) FeedStatuses() []model.FeedStatus { return f }

type fakeHistory struct {
	since time.Time
	limit int
	err   error
}

func (f *fakeHistory) ReadSamples(_ context.Context, feedID string, since time.Time, limit int) ([]model.RawSample, error) {
	f.since, f.limit = since, limit
	if f.err != nil {
		return nil, f.err
	}
	return []model.RawSample{{FeedID: feedID, Price: 101, ObservedAt: time.Unix(10, 0).UTC()}}, nil
}

type fakeHealth struct{ code int }

func (f fakeHealth) Report() (metrics.Report, int) {
	return metrics.Report{Status: "unhealthy", FeedsTotal: 1, FeedsDegraded: 1}, f.code
}

func sources(h *fakeHistory) Sources {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := Sources{
		Indices: fakeIndices{
			"ETH-USD-INDEX": {Index: "ETH-USD-INDEX", Value: 3000, Raw: 3001, Timestamp: ts},
			"BTC-USD-INDEX": {Index: "BTC-USD-INDEX", Value: 60000, Raw: 60010, Timestamp: ts},
		},
		Feeds: fakeFeeds{
			{FeedID: "coinbase_btc_usd", Exchange: "coinbase", Symbol: "BTC-USD"},
			{FeedID: "binance_btc_usd", Exchange: "binance", Symbol: "BTCUSDT", ConsecutiveFailures: 6, Degraded: true},
		},
	}
	if h != nil {
		src.History = h
	}
	return src
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	w := get(t, NewRouter(sources(nil)), "/api/v1/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	src := sources(nil)
	src.Health = fakeHealth{code: http.StatusServiceUnavailable}
	w = get(t, NewRouter(src), "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"unhealthy"`)
}

func TestListIndices_SortedByName(t *testing.T) {
	w := get(t, NewRouter(sources(nil)), "/api/v1/indices")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Indices []model.IndexValue `json:"indices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Indices, 2)
	assert.Equal(t, "BTC-USD-INDEX", body.Indices[0].Index)
	assert.Equal(t, 60000.0, body.Indices[0].Value)
}

func TestGetIndex(t *testing.T) {
	r := NewRouter(sources(nil))

	w := get(t, r, "/api/v1/indices/ETH-USD-INDEX")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"value":3000`)

	assert.Contains(t, w.Body.String(), `"source":"live"`)

	w = get(t, r, "/api/v1/indices/SOL-USD-INDEX")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeStored struct {
	values map[string]model.IndexValue
	err    error
	asked  []string
}

func (f *fakeStored) ReadLatest(_ context.Context, index string) (model.IndexValue, bool, error) {
	f.asked = append(f.asked, index)
	if f.err != nil {
		return model.IndexValue{}, false, f.err
	}
	v, ok := f.values[index]
	return v, ok, nil
}

func TestGetIndex_FallsBackToStoredValue(t *testing.T) {
	stored := &fakeStored{values: map[string]model.IndexValue{
		"SOL-USD-INDEX": {Index: "SOL-USD-INDEX", Value: 150, Raw: 151, Timestamp: time.Unix(100, 0).UTC()},
		"ETH-USD-INDEX": {Index: "ETH-USD-INDEX", Value: 1, Raw: 1, Timestamp: time.Unix(1, 0).UTC()},
	}}
	src := sources(nil)
	src.Stored = stored
	r := NewRouter(src)

	w := get(t, r, "/api/v1/indices/SOL-USD-INDEX")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"value":150`)
	assert.Contains(t, w.Body.String(), `"source":"stored"`)

	// Live values win; storage is not consulted.
	w = get(t, r, "/api/v1/indices/ETH-USD-INDEX")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"value":3000`)
	assert.Equal(t, []string{"SOL-USD-INDEX"}, stored.asked)

	w = get(t, r, "/api/v1/indices/ADA-USD-INDEX")
	assert.Equal(t, http.StatusNotFound, w.Code)

	stored.err = errors.New("redis down")
	w = get(t, r, "/api/v1/indices/SOL-USD-INDEX")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListFeeds(t *testing.T) {
	w := get(t, NewRouter(sources(nil)), "/api/v1/feeds")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Feeds []model.FeedStatus `json:"feeds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Feeds, 2)
	assert.True(t, body.Feeds[1].Degraded)
	assert.Equal(t, uint(6), body.Feeds[1].ConsecutiveFailures)
}

func TestFeedHistory(t *testing.T) {
	h := &fakeHistory{}
	r := NewRouter(sources(h))

	w := get(t, r, "/api/v1/feeds/coinbase_btc_usd/history?since=2024-05-01T00:00:00Z&limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, h.limit)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), h.since.UTC())
	assert.Contains(t, w.Body.String(), `"price":101`)

	w = get(t, r, "/api/v1/feeds/coinbase_btc_usd/history")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, h.limit)
	assert.True(t, h.since.IsZero())
}

func TestFeedHistory_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  Sources
		path string
		code int
	}{
		{"storage disabled", sources(nil), "/api/v1/feeds/coinbase_btc_usd/history", http.StatusNotImplemented},
		{"unknown feed", sources(&fakeHistory{}), "/api/v1/feeds/kraken_btc_usd/history", http.StatusNotFound},
		{"bad since", sources(&fakeHistory{}), "/api/v1/feeds/coinbase_btc_usd/history?since=yesterday", http.StatusBadRequest},
		{"bad limit", sources(&fakeHistory{}), "/api/v1/feeds/coinbase_btc_usd/history?limit=5000", http.StatusBadRequest},
		{"store error", sources(&fakeHistory{err: errors.New("disk I/O error")}), "/api/v1/feeds/coinbase_btc_usd/history", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, NewRouter(tt.src), tt.path)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

type fakeLatency struct{}

func (fakeLatency) Latency() gateway.LatencyStats {
	return gateway.LatencyStats{Count: 3, P50: 1500 * time.Microsecond, P95: 4 * time.Millisecond, P99: 9 * time.Millisecond}
}

func TestLatency(t *testing.T) {
	w := get(t, NewRouter(sources(nil)), "/api/v1/latency")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	src := sources(nil)
	src.Latency = fakeLatency{}
	w = get(t, NewRouter(src), "/api/v1/latency")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":3,"p50_ms":1.5,"p95_ms":4,"p99_ms":9}`, w.Body.String())
}
