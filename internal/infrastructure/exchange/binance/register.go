package binance

import (
	"pluto/internal/application/port"
	"pluto/internal/infrastructure/config"
	"pluto/internal/infrastructure/pricefeed"
)

// init() registers the trade-stream builder under "binance"
func init() {
	pricefeed.Register(Source, func(cfg *config.Config) (pricefeed.Variant, error) {
		opts := Options{
			WsURL:            cfg.Binance.WsURL,
			HandshakeTimeout: cfg.StartTimeout(),
			Reconnect:        !cfg.Binance.DisableReconnect,
		}
		return pricefeed.Variant{
			Factory: func(symbol string, feedOpts port.FeedOptions) port.Feed {
				return NewTradeFeed(symbol, opts, feedOpts)
			},
		}, nil
	})
}
