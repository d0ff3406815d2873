package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SamplesTotal.WithLabelValues("coinbase_btc_usd").Inc()
	m.SamplesTotal.WithLabelValues("coinbase_btc_usd").Inc()
	if got := testutil.ToFloat64(m.SamplesTotal.WithLabelValues("coinbase_btc_usd")); got != 2 {
		t.Errorf("expected 2 samples, got %v", got)
	}

	// A second registry must accept a fresh set without panicking.
	NewMetrics(prometheus.NewRegistry())
}

func TestHealthStatus_Report(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *HealthStatus)
		wantStatus string
		wantCode   int
	}{
		{"all healthy", func(h *HealthStatus) { h.SetFeeds(3, 0) }, "healthy", http.StatusOK},
		{"one degraded", func(h *HealthStatus) { h.SetFeeds(3, 1) }, "degraded", http.StatusOK},
		{"all degraded", func(h *HealthStatus) { h.SetFeeds(2, 2) }, "unhealthy", http.StatusServiceUnavailable},
		{"storage down", func(h *HealthStatus) { h.SetFeeds(1, 0); h.SetStorage(true, false) }, "degraded", http.StatusOK},
		{"redis disabled ignored", func(h *HealthStatus) { h.SetFeeds(1, 0); h.SetRedis(false, false) }, "healthy", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthStatus()
			tt.setup(h)
			r, code := h.Report()
			if r.Status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("got %s/%d, want %s/%d", r.Status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestHealthStatus_AdjustDegradedNeverNegative(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeeds(2, 0)
	h.AdjustDegraded(-1)
	h.AdjustDegraded(1)
	r, _ := h.Report()
	if r.FeedsDegraded != 1 {
		t.Errorf("expected 1 degraded, got %d", r.FeedsDegraded)
	}
}

func TestServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.WSClients.Set(3)

	h := NewHealthStatus()
	h.SetFeeds(1, 0)
	srv := httptest.NewServer(NewServer(":0", h, reg).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var r Report
	json.NewDecoder(resp.Body).Decode(&r)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || r.Status != "healthy" {
		t.Errorf("healthz: %d %+v", resp.StatusCode, r)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "cryptoindex_ws_clients 3") {
		t.Errorf("metrics output missing ws clients gauge:\n%s", body)
	}
}
