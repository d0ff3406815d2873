package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoindex/internal/model"
)

func TestInsertStatement(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO raw_price_data (feed_id, timestamp, price) VALUES ($1,$2,$3) ON CONFLICT (feed_id, timestamp) DO NOTHING`,
		insertStatement(1))
	assert.Contains(t, insertStatement(3), `($4,$5,$6),($7,$8,$9) ON CONFLICT`)
}

// TestWriter_Integration runs against a real database when
// POSTGRES_TEST_DSN is set, e.g. in CI with a postgres service.
func TestWriter_Integration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	w, err := New(context.Background(), WriterConfig{DSN: dsn})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.db.Exec(`DELETE FROM raw_price_data WHERE feed_id = 'it_feed'`)
	require.NoError(t, err)

	ts := time.Now().UTC().Truncate(time.Microsecond)
	ch := make(chan model.RawSample, 3)
	ch <- model.RawSample{FeedID: "it_feed", Price: 1, ObservedAt: ts}
	ch <- model.RawSample{FeedID: "it_feed", Price: 2, ObservedAt: ts} // duplicate
	ch <- model.RawSample{FeedID: "it_feed", Price: 3, ObservedAt: ts.Add(time.Second)}
	close(ch)
	w.Run(context.Background(), ch)

	var n int
	require.NoError(t, w.db.QueryRow(`SELECT COUNT(*) FROM raw_price_data WHERE feed_id = 'it_feed'`).Scan(&n))
	assert.Equal(t, 2, n)

	removed, err := w.Prune(context.Background(), ts.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(2))
}
