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

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/prices.db"

	// Optional metrics callbacks.
	OnCommit func(rows int, took time.Duration)
	OnError  func(err error)
}

// Writer is a single-goroutine SQLite writer with transaction batching.
type Writer struct {
	db  *sql.DB
	cfg WriterConfig
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db, cfg: cfg}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS raw_prices (
			feed_id TEXT    NOT NULL,
			ts      INTEGER NOT NULL, -- unix nanoseconds, UTC
			price   REAL    NOT NULL,
			PRIMARY KEY (feed_id, ts)
		);

		CREATE INDEX IF NOT EXISTS idx_raw_prices_ts ON raw_prices (ts);
	`)
	return err
}

// Run reads samples from ch and inserts them in batched transactions.
// Flushes every batchSize samples OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or ch is closed.
func (w *Writer) Run(ctx context.Context, ch <-chan model.RawSample) {
	batch := make([]model.RawSample, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			// Persistence failures never reach the pipeline; the batch is dropped.
			log.Printf("[sqlite] batch insert error, dropped %d samples: %v", len(batch), err)
			if w.cfg.OnError != nil {
				w.cfg.OnError(err)
			}
		} else if w.cfg.OnCommit != nil {
			w.cfg.OnCommit(len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case s, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, s)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertBatch inserts a batch of samples in a single transaction.
// A repeated (feed_id, ts) is ignored.
func (w *Writer) insertBatch(samples []model.RawSample) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO raw_prices (feed_id, ts, price) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.Exec(s.FeedID, s.ObservedAt.UnixNano(), s.Price); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Prune deletes samples older than cutoff and returns the number removed.
func (w *Writer) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, `DELETE FROM raw_prices WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
