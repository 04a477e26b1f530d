package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// settleDelay is how long we let the page run scripts after
// DOMContentLoaded before reading the rendered HTML.
const settleDelay = 2 * time.Second

// Result is the rendered output of a browser fetch.
type Result struct {
	HTML       string
	FinalURL   string
	StatusCode int
}

// Fetcher owns a single shared headless browser and a bounded pool of
// reusable pages. Safe for concurrent use.
type Fetcher struct {
	browser  *rod.Browser
	pagePool rod.Pool[rod.Page]
	timeout  time.Duration
	stealth  bool
}

// Options configures the browser fetcher.
type Options struct {
	ControlURL string // attach to an existing browser instead of launching
	MaxPages   int
	Timeout    time.Duration
	Stealth    bool
	Proxy      string
}

// New launches (or attaches to) a browser and initialises the page pool.
func New(opts Options) (*Fetcher, error) {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	controlURL := opts.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(true).NoSandbox(true)
		if opts.Proxy != "" {
			l = l.Proxy(opts.Proxy)
		}
		var err error
		controlURL, err = l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	slog.Info("browser connected", "control_url", controlURL, "max_pages", opts.MaxPages)

	return &Fetcher{
		browser:  b,
		pagePool: rod.NewPagePool(opts.MaxPages),
		timeout:  opts.Timeout,
		stealth:  opts.Stealth,
	}, nil
}

// Fetch renders a URL and returns the final DOM. The effective timeout
// is the smaller of the fetcher's configured timeout and whatever
// remains of the caller's context deadline.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	timeout := f.timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := f.pagePool.Get(func() (*rod.Page, error) {
		return f.browser.Page(proto.TargetCreateTarget{})
	})
	if err != nil {
		return nil, fmt.Errorf("acquire page: %w", err)
	}

	// Cleanup uses the original page reference so it still works when
	// the request context has expired. about:blank drops the old DOM
	// before the page goes back to the pool.
	defer func() {
		if navErr := page.Navigate("about:blank"); navErr != nil {
			slog.Warn("page cleanup failed", "error", navErr)
		}
		f.pagePool.Put(page)
	}()

	if f.stealth {
		if _, evalErr := page.EvalOnNewDocument(stealth.JS); evalErr != nil {
			slog.Warn("stealth injection failed, proceeding without it", "error", evalErr)
		}
	}

	// Block heavy subresources. Must be installed before Navigate.
	router := setupHijack(page)
	if router != nil {
		defer func() { _ = router.Stop() }()
	}

	p := page.Context(ctx)

	if err := p.Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("dom did not stabilize, using current state", "error", err)
	}

	// Let SPAs finish their initial render.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(settleDelay):
	}

	htmlStr, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}

	status := 200
	if res, evalErr := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`); evalErr == nil {
		if v := res.Value.Int(); v > 0 {
			status = v
		}
	}

	finalURL := rawURL
	if info, infoErr := p.Info(); infoErr == nil && info.URL != "" {
		finalURL = info.URL
	}

	return &Result{HTML: htmlStr, FinalURL: finalURL, StatusCode: status}, nil
}

// Close drains the page pool and kills the browser process. Call on
// graceful shutdown to avoid zombie Chrome processes.
func (f *Fetcher) Close() {
	f.pagePool.Cleanup(func(p *rod.Page) {
		_ = p.Close()
	})
	f.browser.MustClose()
}
