package browser

import (
	"time"

	"pluto/internal/application/port"
	"pluto/internal/infrastructure/config"
	"pluto/internal/infrastructure/pricefeed"
)

// init() registers the page-scraping builder under "browser"
func init() {
	pricefeed.Register(Source, func(cfg *config.Config) (pricefeed.Variant, error) {
		b := NewBrowser(cfg.Browser.Headed)
		opts := Options{
			ChartURL:     cfg.Browser.ChartURL,
			WarmupURL:    cfg.Browser.WarmupURL,
			SkipWarmup:   cfg.Browser.SkipWarmup,
			NavTimeout:   time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
			NavRetries:   cfg.Browser.NavRetries,
			PriceWait:    time.Duration(cfg.Browser.PriceWaitSeconds) * time.Second,
			PollInterval: time.Duration(cfg.Browser.PollIntervalMs) * time.Millisecond,
		}
		return pricefeed.Variant{
			Factory: func(symbol string, feedOpts port.FeedOptions) port.Feed {
				return NewPageFeed(symbol, b, opts, feedOpts)
			},
			Closer:       b,
			StartTimeout: opts.StartBudget(),
		}, nil
	})
}
