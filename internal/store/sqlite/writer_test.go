package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoindex/internal/model"
)

func openTemp(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prices.db")
	w, err := New(WriterConfig{DBPath: path})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestWriter_RunPersistsAndIgnoresDuplicates(t *testing.T) {
	var committed int
	w, path := openTemp(t)
	w.cfg.OnCommit = func(rows int, _ time.Duration) { committed += rows }

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ch := make(chan model.RawSample, 10)
	ch <- model.RawSample{FeedID: "coinbase_btc_usd", Price: 100, ObservedAt: base}
	ch <- model.RawSample{FeedID: "coinbase_btc_usd", Price: 101, ObservedAt: base.Add(5 * time.Second)}
	ch <- model.RawSample{FeedID: "coinbase_btc_usd", Price: 999, ObservedAt: base} // duplicate key
	ch <- model.RawSample{FeedID: "binance_btc_usd", Price: 99, ObservedAt: base}
	close(ch)

	w.Run(context.Background(), ch)
	assert.Equal(t, 4, committed)

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadSamples(context.Background(), "coinbase_btc_usd", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 101.0, got[0].Price, "newest first")
	assert.Equal(t, 100.0, got[1].Price, "duplicate must not overwrite")
	assert.True(t, got[1].ObservedAt.Equal(base))
}

func TestWriter_FlushesOnTimer(t *testing.T) {
	w, path := openTemp(t)
	ch := make(chan model.RawSample)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, ch)
		close(done)
	}()

	ch <- model.RawSample{FeedID: "f", Price: 1, ObservedAt: time.Now()}

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	require.Eventually(t, func() bool {
		got, err := r.ReadSamples(context.Background(), "f", time.Time{}, 10)
		return err == nil && len(got) == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestWriter_Prune(t *testing.T) {
	w, _ := openTemp(t)
	now := time.Now().UTC()
	require.NoError(t, w.insertBatch([]model.RawSample{
		{FeedID: "f", Price: 1, ObservedAt: now.Add(-48 * time.Hour)},
		{FeedID: "f", Price: 2, ObservedAt: now},
	}))

	n, err := w.Prune(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
