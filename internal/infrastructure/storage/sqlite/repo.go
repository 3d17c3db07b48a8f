package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"pluto/internal/application/port"
)

type Repo struct {
	db *sql.DB
}

// FeedEvent is one row of the feed lifecycle journal.
type FeedEvent struct {
	Ts     int64
	Source string
	Symbol string
	Event  string
	Detail string
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS latest_prices (
  source TEXT NOT NULL,
  symbol TEXT NOT NULL,
  price REAL NOT NULL,
  ts_ms INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY(source, symbol)
);
CREATE INDEX IF NOT EXISTS idx_latest_symbol ON latest_prices(symbol);

CREATE TABLE IF NOT EXISTS feed_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_ms INTEGER NOT NULL,
  source TEXT NOT NULL,
  symbol TEXT NOT NULL,
  event TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_feed_events_symbol ON feed_events(symbol);
CREATE INDEX IF NOT EXISTS idx_feed_events_ts ON feed_events(ts_ms);
`)
	return err
}

func (r *Repo) UpsertLatestPrice(ctx context.Context, source, symbol string, price float64, ts int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO latest_prices(source, symbol, price, ts_ms, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(source, symbol) DO UPDATE SET
		price=excluded.price, ts_ms=excluded.ts_ms, updated_at=excluded.updated_at
	`, source, symbol, price, ts, time.Now().UnixMilli())
	return err
}

// LatestPrice returns the stored price for (source, symbol); sql.ErrNoRows
// when nothing was recorded.
func (r *Repo) LatestPrice(ctx context.Context, source, symbol string) (price float64, ts int64, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT price, ts_ms FROM latest_prices WHERE source=? AND symbol=?`, source, symbol).
		Scan(&price, &ts)
	return
}

func (r *Repo) InsertFeedEvent(ctx context.Context, ts int64, source, symbol, event, detail string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO feed_events(ts_ms, source, symbol, event, detail) VALUES(?, ?, ?, ?, ?)`,
		ts, source, symbol, event, detail)
	return err
}

// FeedEvents lists the journal for symbol, oldest first.
func (r *Repo) FeedEvents(ctx context.Context, symbol string) ([]FeedEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts_ms, source, symbol, event, detail FROM feed_events
		WHERE symbol=? ORDER BY id ASC`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeedEvent
	for rows.Next() {
		var e FeedEvent
		if err := rows.Scan(&e.Ts, &e.Source, &e.Symbol, &e.Event, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ port.Repository = (*Repo)(nil)
