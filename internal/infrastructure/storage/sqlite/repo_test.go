package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"pluto/internal/application/port"
)

func newRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepoUpsertPrice(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	if err := repo.UpsertLatestPrice(ctx, "binance", "BTCUSDT", 45000.0, 1234567890); err != nil {
		t.Fatalf("UpsertLatestPrice failed: %v", err)
	}
	if err := repo.UpsertLatestPrice(ctx, "binance", "BTCUSDT", 45001.5, 1234567999); err != nil {
		t.Fatalf("UpsertLatestPrice failed: %v", err)
	}

	price, ts, err := repo.LatestPrice(ctx, "binance", "BTCUSDT")
	if err != nil {
		t.Fatalf("LatestPrice failed: %v", err)
	}
	if price != 45001.5 || ts != 1234567999 {
		t.Errorf("expected latest 45001.5@1234567999, got %v@%v", price, ts)
	}
}

func TestSQLiteRepoLatestPriceMissing(t *testing.T) {
	repo := newRepo(t)

	_, _, err := repo.LatestPrice(context.Background(), "binance", "ETHUSDT")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestSQLiteRepoFeedEvents(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	events := []string{port.FeedEventStartFailed, port.FeedEventStarted, port.FeedEventStopped}
	for i, ev := range events {
		if err := repo.InsertFeedEvent(ctx, int64(100+i), "binance", "BTCUSDT", ev, ""); err != nil {
			t.Fatalf("InsertFeedEvent failed: %v", err)
		}
	}
	if err := repo.InsertFeedEvent(ctx, 200, "binance", "ETHUSDT", port.FeedEventStarted, "took 12ms"); err != nil {
		t.Fatalf("InsertFeedEvent failed: %v", err)
	}

	got, err := repo.FeedEvents(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("FeedEvents failed: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(got))
	}
	for i, e := range got {
		if e.Event != events[i] || e.Ts != int64(100+i) {
			t.Errorf("event %d: got %+v", i, e)
		}
	}
}
