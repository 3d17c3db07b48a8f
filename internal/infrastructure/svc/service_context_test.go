package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluto/internal/domain"
	"pluto/internal/infrastructure/browser"
	"pluto/internal/infrastructure/config"
)

func TestNewWithDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = true

	sc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer sc.Close()

	require.NotNil(t, sc.Memory, "memory store is the fallback backend")
	require.NotNil(t, sc.Metrics)
	assert.NotNil(t, sc.Bridge())
	assert.Empty(t, sc.Feeds())
	assert.Equal(t, "BTCUSDT", sc.Normalizer.Normalize("btc-usd"))
}

func TestRegistryBuiltLazilyFromRegisteredSource(t *testing.T) {
	sc, err := New(context.Background(), config.Default())
	require.NoError(t, err)
	defer sc.Close()

	reg, err := sc.Registry()
	require.NoError(t, err)
	again, err := sc.Registry()
	require.NoError(t, err)
	assert.Same(t, reg, again)
	assert.Zero(t, reg.Len())
}

func TestRegistryStartTimeoutCoversBrowserRetries(t *testing.T) {
	cfg := config.Default()
	cfg.Feed.Source = config.SourceBrowser

	sc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer sc.Close()

	reg, err := sc.Registry()
	require.NoError(t, err)

	budget := browser.Options{
		ChartURL:   cfg.Browser.ChartURL,
		WarmupURL:  cfg.Browser.WarmupURL,
		SkipWarmup: cfg.Browser.SkipWarmup,
		NavTimeout: time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
		NavRetries: cfg.Browser.NavRetries,
		PriceWait:  time.Duration(cfg.Browser.PriceWaitSeconds) * time.Second,
	}.StartBudget()
	assert.Greater(t, budget, cfg.StartTimeout())
	assert.Equal(t, budget, reg.StartTimeout())
}

func TestRegistryStartTimeoutFromConfigForTradeStream(t *testing.T) {
	cfg := config.Default()
	cfg.Feed.Source = config.SourceBinance
	cfg.Feed.StartTimeoutSeconds = 7

	sc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer sc.Close()

	reg, err := sc.Registry()
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, reg.StartTimeout())
}

func TestUnknownSourceSurfacesAsInternal(t *testing.T) {
	cfg := config.Default()
	cfg.Feed.Source = "carrier-pigeon"

	sc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer sc.Close()

	_, err = sc.Registry()
	assert.True(t, errors.Is(err, ErrUnknownSource))

	_, err = sc.Bridge().Open(context.Background(), "BTC")
	assert.Equal(t, domain.CodeInternal, domain.CodeOf(err))
}

func TestSQLiteBackend(t *testing.T) {
	cfg := config.Default()
	cfg.SQLite.Enabled = true
	cfg.SQLite.Path = t.TempDir() + "/pluto.db"

	sc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, sc.Memory)
	require.NoError(t, sc.Close())
	require.NoError(t, sc.Close())
}
