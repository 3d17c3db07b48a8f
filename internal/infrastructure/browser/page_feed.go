package browser

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"

	"pluto/internal/application/port"
	"pluto/internal/domain"
	"pluto/internal/infrastructure/pricefeed"
)

// Source is the registry name of the browser-backed feed.
const Source = "browser"

type Options struct {
	ChartURL     string // symbol is appended, e.g. .../chart/?symbol=BINANCE:
	WarmupURL    string
	SkipWarmup   bool
	NavTimeout   time.Duration
	NavRetries   int
	RetryDelay   time.Duration // linear: RetryDelay * attempt
	PriceWait    time.Duration
	PollInterval time.Duration

	WarmupTimeout  time.Duration
	ConsentTimeout time.Duration
	StepTimeout    time.Duration // tab setup, binding and observer install
}

func (o *Options) applyDefaults() {
	if o.NavTimeout <= 0 {
		o.NavTimeout = 45 * time.Second
	}
	if o.NavRetries <= 0 {
		o.NavRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.PriceWait <= 0 {
		o.PriceWait = 20 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.WarmupTimeout <= 0 {
		o.WarmupTimeout = 15 * time.Second
	}
	if o.ConsentTimeout <= 0 {
		o.ConsentTimeout = 5 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 10 * time.Second
	}
}

// StartBudget is the longest EnsureStarted can take when every step runs to
// its own timeout: warmup, all navigation attempts with their backoff, the
// price wait, and the fixed setup steps.
func (o Options) StartBudget() time.Duration {
	o.applyDefaults()
	d := o.PriceWait + 3*o.StepTimeout
	if !o.SkipWarmup && o.WarmupURL != "" {
		d += o.WarmupTimeout + o.ConsentTimeout
	}
	for attempt := 1; attempt <= o.NavRetries; attempt++ {
		d += o.NavTimeout
		if attempt < o.NavRetries {
			d += o.RetryDelay * time.Duration(attempt)
		}
	}
	return d
}

// PageFeed scrapes one symbol's chart page in its own tab.
type PageFeed struct {
	*pricefeed.Broadcaster

	browser *Browser
	opts    Options

	// startMu serializes EnsureStarted and Stop.
	startMu sync.Mutex

	mu        sync.Mutex
	cancelTab context.CancelFunc
	done      chan struct{}
}

func NewPageFeed(symbol string, b *Browser, opts Options, feedOpts port.FeedOptions) *PageFeed {
	opts.applyDefaults()
	f := &PageFeed{browser: b, opts: opts}
	f.Broadcaster = pricefeed.NewBroadcaster(symbol, Source, feedOpts, f.Stop)
	return f
}

// ChartURL returns the page scraped for this feed's symbol.
func (f *PageFeed) ChartURL() string {
	return f.opts.ChartURL + url.QueryEscape(f.Symbol())
}

func (f *PageFeed) EnsureStarted(ctx context.Context) error {
	f.startMu.Lock()
	defer f.startMu.Unlock()

	if f.State() == port.FeedLive {
		return nil
	}

	f.SetState(port.FeedStarting)
	log.Info().Str("feed", Source).Str("symbol", f.Symbol()).Msg("starting page")

	if err := f.start(ctx); err != nil {
		f.SetState(port.FeedIdle)
		log.Error().Str("feed", Source).Str("symbol", f.Symbol()).Err(err).Msg("page start failed")
		return err
	}

	f.SetState(port.FeedLive)
	log.Info().Str("feed", Source).Str("symbol", f.Symbol()).Msg("observers installed")
	return nil
}

func (f *PageFeed) start(ctx context.Context) error {
	root, err := f.browser.rootContext()
	if err != nil {
		return err
	}

	tabCtx, cancelTab := chromedp.NewContext(root)
	fail := func(err error) error {
		cancelTab()
		return err
	}

	// first Run allocates the tab
	if err := chromedp.Run(tabCtx); err != nil {
		return fail(fmt.Errorf("%w: open tab: %w", domain.ErrConnection, err))
	}

	reports := make(chan string, 64)
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*runtime.EventBindingCalled); ok && e.Name == bindingName {
			select {
			case reports <- e.Payload:
			default:
			}
		}
	})

	if !f.opts.SkipWarmup && f.opts.WarmupURL != "" {
		// cookies and consent only; failures here are not fatal
		if err := run(ctx, tabCtx, f.opts.WarmupTimeout, chromedp.Navigate(f.opts.WarmupURL)); err != nil {
			log.Debug().Str("feed", Source).Str("symbol", f.Symbol()).Err(err).Msg("warmup navigation failed")
		}
		var clicked bool
		if err := run(ctx, tabCtx, f.opts.ConsentTimeout, chromedp.Evaluate(acceptCookiesJS, &clicked)); err == nil && clicked {
			log.Debug().Str("feed", Source).Str("symbol", f.Symbol()).Msg("accepted cookie consent")
		}
	}

	if err := f.navigate(ctx, tabCtx); err != nil {
		return fail(err)
	}

	if err := run(ctx, tabCtx, f.opts.StepTimeout, runtime.AddBinding(bindingName)); err != nil {
		return fail(fmt.Errorf("%w: add binding: %w", domain.ErrConnection, err))
	}

	var present bool
	if err := run(ctx, tabCtx, f.opts.PriceWait,
		chromedp.Poll(pricePresentJS, &present, chromedp.WithPollingInterval(250*time.Millisecond)),
	); err != nil {
		return fail(fmt.Errorf("%w: no price element for %s: %w", domain.ErrConnection, f.Symbol(), err))
	}

	var installed bool
	if err := run(ctx, tabCtx, f.opts.StepTimeout,
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(observerJS).Do(c)
			return err
		}),
		chromedp.Evaluate(observerJS, &installed),
	); err != nil {
		return fail(fmt.Errorf("%w: install observer: %w", domain.ErrConnection, err))
	}

	done := make(chan struct{})
	f.mu.Lock()
	f.cancelTab, f.done = cancelTab, done
	f.mu.Unlock()

	go f.pump(tabCtx, reports, done)
	return nil
}

// navigate loads the chart page, retrying with linear backoff.
func (f *PageFeed) navigate(ctx context.Context, tabCtx context.Context) error {
	target := f.ChartURL()
	var err error
	for attempt := 1; attempt <= f.opts.NavRetries; attempt++ {
		log.Info().Str("feed", Source).Str("url", target).
			Int("attempt", attempt).Int("max", f.opts.NavRetries).Msg("navigating")

		if err = run(ctx, tabCtx, f.opts.NavTimeout, chromedp.Navigate(target)); err == nil {
			return nil
		}
		if attempt == f.opts.NavRetries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: navigate %s: %w", domain.ErrConnection, target, ctx.Err())
		case <-time.After(f.opts.RetryDelay * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: navigate %s: %w", domain.ErrConnection, target, err)
}

// pump is the single goroutine that feeds Publish, so observer reports and
// poll results share one ordered dedup path.
func (f *PageFeed) pump(tabCtx context.Context, reports <-chan string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tabCtx.Done():
			f.detach(done)
			return

		case text := <-reports:
			if v, ok := ParsePriceText(text); ok {
				f.Publish(v, time.Now())
			}

		case <-ticker.C:
			var html string
			if err := run(tabCtx, tabCtx, f.opts.PollInterval, chromedp.OuterHTML("body", &html, chromedp.ByQuery)); err != nil {
				log.Debug().Str("feed", Source).Str("symbol", f.Symbol()).Err(err).Msg("poll failed")
				continue
			}
			if v, ok := ExtractPrice(html); ok {
				f.Publish(v, time.Now())
			}
		}
	}
}

// detach marks the feed idle when its tab went away without Stop.
func (f *PageFeed) detach(done chan struct{}) {
	f.mu.Lock()
	if f.done != done {
		f.mu.Unlock()
		return
	}
	f.cancelTab, f.done = nil, nil
	f.mu.Unlock()

	log.Warn().Str("feed", Source).Str("symbol", f.Symbol()).Msg("tab closed unexpectedly")
	f.SetState(port.FeedIdle)
}

// Stop closes the tab and waits for the pump to exit.
func (f *PageFeed) Stop() error {
	f.startMu.Lock()
	defer f.startMu.Unlock()

	f.mu.Lock()
	cancelTab, done := f.cancelTab, f.done
	f.cancelTab, f.done = nil, nil
	f.mu.Unlock()

	if cancelTab == nil {
		f.SetState(port.FeedIdle)
		return nil
	}

	f.SetState(port.FeedClosing)
	log.Info().Str("feed", Source).Str("symbol", f.Symbol()).Msg("closing page")
	cancelTab()
	<-done
	f.SetState(port.FeedIdle)
	return nil
}

// run executes actions against the tab, bounded by d and by the caller's ctx.
func run(ctx, tabCtx context.Context, d time.Duration, actions ...chromedp.Action) error {
	rctx, cancel := context.WithTimeout(tabCtx, d)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(rctx, actions...)
}
