package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pluto/internal/application/port"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

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
  price DOUBLE PRECISION NOT NULL,
  ts_ms BIGINT NOT NULL,
  PRIMARY KEY(source, symbol)
);

CREATE TABLE IF NOT EXISTS feed_events (
  id BIGSERIAL PRIMARY KEY,
  ts_ms BIGINT NOT NULL,
  source TEXT NOT NULL,
  symbol TEXT NOT NULL,
  event TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_feed_events_symbol ON feed_events(symbol);
`)
	return err
}

func (r *Repo) UpsertLatestPrice(ctx context.Context, source, symbol string, price float64, ts int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO latest_prices(source, symbol, price, ts_ms) VALUES($1, $2, $3, $4)
		ON CONFLICT(source, symbol) DO UPDATE SET price=EXCLUDED.price, ts_ms=EXCLUDED.ts_ms
	`, source, symbol, price, ts)
	return err
}

func (r *Repo) InsertFeedEvent(ctx context.Context, ts int64, source, symbol, event, detail string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO feed_events(ts_ms, source, symbol, event, detail) VALUES($1, $2, $3, $4, $5)`,
		ts, source, symbol, event, detail)
	return err
}

var _ port.Repository = (*Repo)(nil)
