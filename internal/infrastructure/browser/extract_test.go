package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pluto/internal/application/port"
)

func TestParsePriceText(t *testing.T) {
	cases := []struct {
		text string
		want float64
		ok   bool
	}{
		{"67,012.50", 67012.50, true},
		{"$ 1.2345 USD", 1.2345, true},
		{"  42 ", 42, true},
		{"", 0, false},
		{"—", 0, false},
		{"1.2.3", 0, false},
	}
	for _, c := range cases {
		got, ok := ParsePriceText(c.text)
		assert.Equal(t, c.ok, ok, c.text)
		if c.ok {
			assert.InDelta(t, c.want, got, 1e-9, c.text)
		}
	}
}

func TestExtractPrice(t *testing.T) {
	html := `<html><body>
		<div data-name="legend-series-value">∅</div>
		<div data-name="legend-series-value">67,100.25</div>
		<span data-name="last-price-value">1</span>
	</body></html>`
	got, ok := ExtractPrice(html)
	assert.True(t, ok)
	assert.InDelta(t, 67100.25, got, 1e-9)

	got, ok = ExtractPrice(`<div class="tv-symbol-price-quote__value">0.5012</div>`)
	assert.True(t, ok)
	assert.InDelta(t, 0.5012, got, 1e-9)

	_, ok = ExtractPrice(`<div>no price here 123</div>`)
	assert.False(t, ok)
}

func TestPageFeedChartURL(t *testing.T) {
	f := NewPageFeed("BTCUSDT", NewBrowser(false), Options{ChartURL: "https://example.test/chart/?symbol=BINANCE:"}, port.FeedOptions{})
	assert.Equal(t, "https://example.test/chart/?symbol=BINANCE:BTCUSDT", f.ChartURL())
	assert.Equal(t, port.FeedIdle, f.State())
	assert.NoError(t, f.Stop(), "stop before start is a no-op")
	assert.Equal(t, Source, f.Source())
}
