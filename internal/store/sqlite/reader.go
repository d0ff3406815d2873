package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"cryptoindex/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to stored samples for the status API.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadSamples returns up to limit samples of feedID observed after since,
// newest first.
func (r *Reader) ReadSamples(ctx context.Context, feedID string, since time.Time, limit int) ([]model.RawSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT feed_id, ts, price
		FROM raw_prices
		WHERE feed_id = ? AND ts > ?
		ORDER BY ts DESC
		LIMIT ?
	`, feedID, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query raw_prices: %w", err)
	}
	defer rows.Close()

	var samples []model.RawSample
	for rows.Next() {
		var s model.RawSample
		var ts int64
		if err := rows.Scan(&s.FeedID, &ts, &s.Price); err != nil {
			return nil, fmt.Errorf("sqlite scan raw_prices: %w", err)
		}
		s.ObservedAt = time.Unix(0, ts).UTC()
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}
