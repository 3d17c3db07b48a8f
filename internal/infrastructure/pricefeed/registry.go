package pricefeed

import (
	"io"
	"sort"
	"time"

	"pluto/internal/application/port"
	"pluto/internal/infrastructure/config"

	"github.com/rs/zerolog/log"
)

// Variant is what a Builder hands back for one feed source.
type Variant struct {
	Factory port.FeedFactory
	// Closer, when non-nil, releases resources shared by every feed the
	// factory builds (e.g. a browser process).
	Closer io.Closer
	// StartTimeout is the worst-case time a feed of this variant needs to go
	// Live. Zero means feed.start_timeout_seconds alone bounds it.
	StartTimeout time.Duration
}

// Builder turns configuration into a Variant.
type Builder func(cfg *config.Config) (Variant, error)

// registry maps source names to their feed builders
var registry = make(map[string]Builder)

// Register 注册一个 feed variant 的 builder
// 由各 variant 包的 init() 调用来自注册
func Register(source string, builder Builder) {
	if builder == nil {
		log.Warn().Str("source", source).Msg("invalid price feed builder")
		return
	}
	if _, exists := registry[source]; exists {
		log.Warn().Str("source", source).Msg("price feed builder already registered, overwriting")
	}
	registry[source] = builder
	log.Debug().Str("source", source).Msg("price feed builder registered")
}

// Get 获取已注册的 builder
func Get(source string) (Builder, bool) {
	builder, ok := registry[source]
	return builder, ok
}

// Sources lists the registered variant names.
func Sources() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
