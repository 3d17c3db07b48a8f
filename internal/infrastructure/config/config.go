package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Feed variant names.
const (
	SourceBinance = "binance"
	SourceBrowser = "browser"
)

type Config struct {
	App struct {
		Listen     string `toml:"listen"`
		LogLevel   string `toml:"log_level"`
		LogPretty  bool   `toml:"log_pretty"`
		CORSOrigin string `toml:"cors_origin"`
	} `toml:"app"`

	Feed struct {
		Source              string  `toml:"source"` // binance | browser
		IdleGraceSeconds    int     `toml:"idle_grace_seconds"`
		StartTimeoutSeconds int     `toml:"start_timeout_seconds"`
		MaxStartsPerSec     float64 `toml:"max_starts_per_sec"`
		StartBurst          int     `toml:"start_burst"`
	} `toml:"feed"`

	Binance struct {
		WsURL            string   `toml:"ws_url"` // e.g. wss://stream.binance.com:9443
		Quote            string   `toml:"quote"`
		AltQuotes        []string `toml:"alt_quotes"`
		DisableReconnect bool     `toml:"disable_reconnect"`
	} `toml:"binance"`

	Browser struct {
		Headed            bool   `toml:"headed"`    // show the browser window
		ChartURL          string `toml:"chart_url"` // symbol is appended
		WarmupURL         string `toml:"warmup_url"`
		SkipWarmup        bool   `toml:"skip_warmup"`
		NavTimeoutSeconds int    `toml:"nav_timeout_seconds"`
		PriceWaitSeconds  int    `toml:"price_wait_seconds"`
		NavRetries        int    `toml:"nav_retries"`
		PollIntervalMs    int    `toml:"poll_interval_ms"`
	} `toml:"browser"`

	// Watch drives the console mode (-watch).
	Watch struct {
		Tickers       []string `toml:"tickers"`
		PrintEveryMin int      `toml:"print_every_min"`
	} `toml:"watch"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"metrics"`

	Redis struct {
		Enabled    bool   `toml:"enabled"`
		Addr       string `toml:"addr"`
		Password   string `toml:"password"`
		DB         int    `toml:"db"`
		Prefix     string `toml:"prefix"`
		TTLSeconds int    `toml:"ttl_seconds"`
		Channel    string `toml:"channel"`
	} `toml:"redis"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`
}

// Load reads .env (if present), the TOML file at path, applies defaults and
// environment overrides, then validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	applyEnv(&cfg, os.Getenv)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.App.Listen == "" {
		cfg.App.Listen = ":8080"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.CORSOrigin == "" {
		cfg.App.CORSOrigin = "*"
	}

	if cfg.Feed.Source == "" {
		cfg.Feed.Source = SourceBinance
	}
	if cfg.Feed.IdleGraceSeconds <= 0 {
		cfg.Feed.IdleGraceSeconds = 30
	}
	if cfg.Feed.StartTimeoutSeconds <= 0 {
		cfg.Feed.StartTimeoutSeconds = 15
	}
	if cfg.Feed.MaxStartsPerSec <= 0 {
		cfg.Feed.MaxStartsPerSec = 5
	}
	if cfg.Feed.StartBurst <= 0 {
		cfg.Feed.StartBurst = 5
	}

	if cfg.Binance.WsURL == "" {
		cfg.Binance.WsURL = "wss://stream.binance.com:9443"
	}
	if cfg.Binance.Quote == "" {
		cfg.Binance.Quote = "USDT"
	}
	if cfg.Binance.AltQuotes == nil {
		cfg.Binance.AltQuotes = []string{"USD"}
	}

	if cfg.Browser.ChartURL == "" {
		cfg.Browser.ChartURL = "https://www.tradingview.com/chart/?symbol=BINANCE:"
	}
	if cfg.Browser.WarmupURL == "" {
		cfg.Browser.WarmupURL = "https://www.tradingview.com/"
	}
	if cfg.Browser.NavTimeoutSeconds <= 0 {
		cfg.Browser.NavTimeoutSeconds = 45
	}
	if cfg.Browser.PriceWaitSeconds <= 0 {
		cfg.Browser.PriceWaitSeconds = 20
	}
	if cfg.Browser.NavRetries <= 0 {
		cfg.Browser.NavRetries = 3
	}
	if cfg.Browser.PollIntervalMs <= 0 {
		cfg.Browser.PollIntervalMs = 1000
	}

	if len(cfg.Watch.Tickers) == 0 {
		cfg.Watch.Tickers = []string{"BTCUSDT", "ETHUSDT"}
	}
	if cfg.Watch.PrintEveryMin <= 0 {
		cfg.Watch.PrintEveryMin = 1
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "pluto"
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/pluto.db"
	}
}

// applyEnv honours the process-level knobs PRICE_SOURCE, PORT and LOG_LEVEL.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("PRICE_SOURCE")); v != "" {
		cfg.Feed.Source = v
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		cfg.App.Listen = ":" + v
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		cfg.App.LogLevel = v
	}
}

func validate(cfg *Config) error {
	cfg.Feed.Source = strings.ToLower(strings.TrimSpace(cfg.Feed.Source))
	switch cfg.Feed.Source {
	case SourceBinance, SourceBrowser:
	default:
		return fmt.Errorf("feed.source %q is not one of %s, %s", cfg.Feed.Source, SourceBinance, SourceBrowser)
	}

	if strings.TrimSpace(cfg.Binance.WsURL) == "" {
		return errors.New("binance.ws_url is empty")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	if cfg.SQLite.Enabled && strings.TrimSpace(cfg.SQLite.Path) == "" {
		return errors.New("sqlite.path empty but enabled")
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	return nil
}

func (c *Config) IdleGrace() time.Duration {
	return time.Duration(c.Feed.IdleGraceSeconds) * time.Second
}

func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.Feed.StartTimeoutSeconds) * time.Second
}
