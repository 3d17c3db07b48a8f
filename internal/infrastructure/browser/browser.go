// Package browser implements the automation-based feed: one headless Chrome
// tab per symbol, scraping a public charting page.
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"

	"pluto/internal/domain"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 13_5) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/119.0.0.0 Safari/537.36"

// Browser is a lazily launched Chrome process shared by every PageFeed.
type Browser struct {
	headed bool

	mu            sync.Mutex
	browserCtx    context.Context
	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc
}

func NewBrowser(headed bool) *Browser {
	return &Browser{headed: headed}
}

// rootContext returns the browser-level chromedp context, launching Chrome on
// first use.
func (b *Browser) rootContext() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}

	log.Info().Bool("headed", b.headed).Msg("launching chromium")
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !b.headed),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1280, 800),
		chromedp.Flag("lang", "en-US"),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// first Run on a fresh context starts the browser process
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("%w: launch chromium: %w", domain.ErrConnection, err)
	}

	b.browserCtx, b.cancelAlloc, b.cancelBrowser = browserCtx, cancelAlloc, cancelBrowser
	log.Info().Msg("chromium ready")
	return browserCtx, nil
}

// Close terminates the Chrome process; open tabs die with it.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelBrowser != nil {
		b.cancelBrowser()
		b.cancelAlloc()
		b.browserCtx, b.cancelAlloc, b.cancelBrowser = nil, nil, nil
		log.Info().Msg("chromium closed")
	}
	return nil
}
