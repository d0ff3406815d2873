package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
	delay  time.Duration
}

func (r *recordingNotifier) Send(ctx context.Context, a Alert) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestAlert_String(t *testing.T) {
	a := Alert{Level: AlertWarning, Title: "feed degraded", Message: "coinbase_btc_usd failed 5 times"}
	want := "WARNING: feed degraded: coinbase_btc_usd failed 5 times"
	if got := a.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := (Alert{Level: AlertInfo, Message: "hi"}).String(); got != "INFO: hi" {
		t.Errorf("untitled alert: got %q", got)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("boom")}
	m := Multi{ok, bad, NewLogNotifier()}

	err := m.Send(context.Background(), Alert{Level: AlertInfo, Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected joined error containing boom, got %v", err)
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Errorf("expected each backend called once, got %d and %d", ok.count(), bad.count())
	}
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, 8)

	for _, title := range []string{"a", "b", "c"} {
		if err := d.Send(context.Background(), Alert{Level: AlertInfo, Title: title}); err != nil {
			t.Fatalf("send %s: %v", title, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(rec.alerts))
	}
	for i, want := range []string{"a", "b", "c"} {
		if rec.alerts[i].Title != want {
			t.Errorf("alert %d: got %q, want %q", i, rec.alerts[i].Title, want)
		}
		if rec.alerts[i].Time.IsZero() {
			t.Errorf("alert %d: expected timestamp to be stamped", i)
		}
	}
}

func TestDispatcher_FullQueueDoesNotBlock(t *testing.T) {
	rec := &recordingNotifier{delay: 200 * time.Millisecond}
	d := NewDispatcher(rec, 1)
	defer d.Close(context.Background())

	start := time.Now()
	var dropped int
	for i := 0; i < 10; i++ {
		if err := d.Send(context.Background(), Alert{Level: AlertInfo}); err != nil {
			dropped++
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("Send blocked for %v", time.Since(start))
	}
	if dropped == 0 {
		t.Error("expected some alerts to be dropped with queue size 1")
	}
}

func feedAlert() Alert {
	return Alert{
		Level:    AlertWarning,
		Title:    "Feed degraded",
		Message:  "binance BTCUSDT failed 5 consecutive times: timeout",
		Feed:     "binance_btc_usd",
		Exchange: "binance",
		Indices:  []string{"BTC-USD-INDEX"},
		Failures: 5,
		Time:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifier_SendsFeedContext(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), feedAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}
	checks := map[string]interface{}{
		"service":              "cryptoindex",
		"level":                "WARNING",
		"feed":                 "binance_btc_usd",
		"exchange":             "binance",
		"consecutive_failures": 5.0,
		"ts":                   "2024-05-01T12:00:00Z",
	}
	for k, want := range checks {
		if got[k] != want {
			t.Errorf("%s = %v, want %v", k, got[k], want)
		}
	}
	if idx, _ := got["indices"].([]interface{}); len(idx) != 1 || idx[0] != "BTC-USD-INDEX" {
		t.Errorf("indices = %v", got["indices"])
	}
}

func TestWebhookNotifier_ProcessAlertOmitsFeedFields(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Level: AlertCritical, Title: "Collector failed"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, k := range []string{"feed", "exchange", "indices", "consecutive_failures"} {
		if _, ok := got[k]; ok {
			t.Errorf("unexpected %q in process alert", k)
		}
	}
	if got["ts"] == "" || got["ts"] == nil {
		t.Error("expected ts in payload")
	}
}

func TestWebhookNotifier_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Backend != "webhook" || se.Code != http.StatusBadGateway || se.Body != "upstream unavailable" {
		t.Errorf("unexpected status error %+v", se)
	}
}

func TestTelegramNotifier_Send(t *testing.T) {
	var path string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.apiURL = srv.URL
	if err := n.Send(context.Background(), feedAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("unexpected path %q", path)
	}
	if body["chat_id"] != "42" || body["parse_mode"] != "MarkdownV2" {
		t.Errorf("unexpected body %v", body)
	}
	text, _ := body["text"].(string)
	for _, want := range []string{
		`*WARNING* Feed degraded`,
		`feed: binance\_btc\_usd on binance`,
		`indices: BTC\-USD\-INDEX`,
		`failures: 5`,
		`_2024\-05\-01T12:00:00Z_`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("text %q missing %q", text, want)
		}
	}
}

func TestTelegramText_EscapesReserved(t *testing.T) {
	got := telegramText(Alert{Level: AlertInfo, Title: "a.b", Message: "x_(y)!"})
	want := "*INFO* a\\.b\n" + `x\_\(y\)\!`
	if got != want {
		t.Errorf("telegramText = %q, want %q", got, want)
	}
}

func TestForIndices_TagsFeedAlerts(t *testing.T) {
	rec := &recordingNotifier{}
	n := ForIndices(rec, []string{"BTC-USD-INDEX", "BTC-EUR-INDEX"})

	n.Send(context.Background(), Alert{Title: "Feed degraded", Feed: "cb"})
	n.Send(context.Background(), Alert{Title: "explicit", Indices: []string{"X"}})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if got := rec.alerts[0].Indices; len(got) != 2 || got[0] != "BTC-USD-INDEX" {
		t.Errorf("indices not tagged: %v", got)
	}
	if got := rec.alerts[1].Indices; len(got) != 1 || got[0] != "X" {
		t.Errorf("explicit indices overwritten: %v", got)
	}
}

func TestScriptNotifier_PassesAlertAsArgument(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	script := filepath.Join(dir, "notify.sh")
	content := "#!/bin/sh\nprintf '%s' \"$1\" > " + out + "\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}

	n := NewScriptNotifier(script)
	if err := n.Send(context.Background(), Alert{Level: AlertWarning, Title: "feed degraded", Message: "binance_btc_usd"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "WARNING: feed degraded: binance_btc_usd" {
		t.Errorf("script received %q", got)
	}
}

func TestScriptNotifier_MissingScript(t *testing.T) {
	n := NewScriptNotifier(filepath.Join(t.TempDir(), "nope.sh"))
	if err := n.Send(context.Background(), Alert{Level: AlertInfo}); err == nil {
		t.Error("expected error for missing script")
	}
}
