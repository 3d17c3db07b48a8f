package port

import "context"

// Feed lifecycle journal events.
const (
	FeedEventStarted     = "started"
	FeedEventStartFailed = "start_failed"
	FeedEventStopped     = "stopped"
)

type Repository interface {
	// Latest price per (source, symbol); older values are overwritten.
	UpsertLatestPrice(ctx context.Context, source, symbol string, price float64, ts int64) error

	// Feed lifecycle journal
	InsertFeedEvent(ctx context.Context, ts int64, source, symbol, event, detail string) error

	// Connection management
	Close() error
}
