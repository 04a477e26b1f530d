package fetch

import (
	"context"
	"time"

	"crawlclean/internal/browser"
	"crawlclean/internal/metrics"
)

// browserFetcher adapts the rod-backed renderer to the Fetcher
// interface.
type browserFetcher struct {
	b *browser.Fetcher
}

// NewBrowserFetcher wraps a browser.Fetcher for use in the Router.
func NewBrowserFetcher(b *browser.Fetcher) Fetcher {
	return &browserFetcher{b: b}
}

func (f *browserFetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()
	res, err := f.b.Fetch(ctx, rawURL)
	if err != nil {
		return nil, timeoutOrFetchError(err)
	}
	metrics.RecordFetch(RendererBrowser, res.StatusCode, time.Since(start).Milliseconds())
	return &Result{
		Body:        []byte(res.HTML),
		StatusCode:  res.StatusCode,
		FinalURL:    res.FinalURL,
		ContentType: "text/html; charset=utf-8",
		Renderer:    RendererBrowser,
	}, nil
}
