package composite

import (
	"context"
	"errors"

	"pluto/internal/application/port"
)

type Repo struct {
	repos []port.Repository
}

func New(repos ...port.Repository) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.Repository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

// Len reports how many backends are attached.
func (r *Repo) Len() int { return len(r.repos) }

func (r *Repo) UpsertLatestPrice(ctx context.Context, source, symbol string, price float64, ts int64) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.UpsertLatestPrice(ctx, source, symbol, price, ts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) InsertFeedEvent(ctx context.Context, ts int64, source, symbol, event, detail string) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.InsertFeedEvent(ctx, ts, source, symbol, event, detail); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) Close() error {
	var errs []error
	for _, repo := range r.repos {
		errs = append(errs, repo.Close())
	}
	return errors.Join(errs...)
}

var _ port.Repository = (*Repo)(nil)
