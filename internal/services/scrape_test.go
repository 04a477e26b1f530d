package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"crawlclean/internal/apperr"
	"crawlclean/internal/cache"
	"crawlclean/internal/config"
	"crawlclean/internal/fetch"
	"crawlclean/internal/model"
)

type publicResolver struct{}

func (publicResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
}

type memPages struct {
	pages map[string]*model.Page
}

func (m *memPages) GetPageByHash(_ context.Context, urlHash string) (*model.Page, error) {
	p, ok := m.pages[urlHash]
	if !ok {
		return nil, cache.ErrPageNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPages) UpsertPage(_ context.Context, page *model.Page) (*model.Page, error) {
	cp := *page
	if existing, ok := m.pages[page.URLHash]; ok {
		cp.ID = existing.ID
	} else {
		cp.ID = int64(len(m.pages) + 1)
	}
	m.pages[page.URLHash] = &cp
	out := cp
	return &out, nil
}

type stubFetcher struct {
	result *fetch.Result
	err    error
	calls  int
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string) (*fetch.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	res := *s.result
	if res.FinalURL == "" {
		res.FinalURL = rawURL
	}
	return &res, nil
}

func newTestScraper(fetcher fetch.Fetcher) (*Scraper, *memPages) {
	cfg := &config.Config{}
	cfg.Cache.DefaultTTLSeconds = 3600
	cfg.Cache.MaxTTLSeconds = 86400
	cfg.Fetch.UserAgent = "crawlclean/1.0"
	cfg.Fetch.MaxPerDomain = 2

	pages := &memPages{pages: make(map[string]*model.Page)}
	c := cache.New(nil, pages, time.Minute)
	throttle := fetch.NewThrottle(nil, 2, 0)
	router := &fetch.Router{HTTP: fetcher}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewScraper(cfg, c, nil, throttle, router, logger)
	s.resolver = publicResolver{}
	return s, pages
}

const sampleHTML = `<!doctype html><html lang="en"><head><title>Hello World</title></head>
<body><main><h1>Hello</h1><p>Hello world, this is a longer paragraph of article text that
comfortably clears the minimum content threshold used by the extraction heuristics to decide
whether the readability fallback is needed for this document at all.</p></main></body></html>`

func htmlResult(body string) *fetch.Result {
	return &fetch.Result{
		Body:        []byte(body),
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		Renderer:    fetch.RendererHTTP,
	}
}

func TestScrapeStoresAndCaches(t *testing.T) {
	fetcher := &stubFetcher{result: htmlResult(sampleHTML)}
	s, _ := newTestScraper(fetcher)
	ctx := context.Background()

	first, err := s.Scrape(ctx, "https://example.com/article", ScrapeOptions{})
	if err != nil {
		t.Fatalf("scrape error: %v", err)
	}
	if first.Cached {
		t.Fatalf("first scrape must not be cached")
	}
	if first.Page.Title != "Hello World" {
		t.Fatalf("unexpected title %q", first.Page.Title)
	}
	if first.Page.ContentHash == "" || first.Page.WordCount == 0 {
		t.Fatalf("derived fields missing: %+v", first.Page)
	}

	second, err := s.Scrape(ctx, "https://example.com/article", ScrapeOptions{})
	if err != nil {
		t.Fatalf("second scrape error: %v", err)
	}
	if !second.Cached || second.CacheLayer != cache.LayerDB {
		t.Fatalf("expected durable cache hit, got %+v", second)
	}
	if fetcher.calls != 1 {
		t.Fatalf("cache hit must not refetch, got %d calls", fetcher.calls)
	}
}

func TestScrapeForceRefreshBypassesCache(t *testing.T) {
	fetcher := &stubFetcher{result: htmlResult(sampleHTML)}
	s, _ := newTestScraper(fetcher)
	ctx := context.Background()

	if _, err := s.Scrape(ctx, "https://example.com/a", ScrapeOptions{}); err != nil {
		t.Fatalf("scrape error: %v", err)
	}
	if _, err := s.Scrape(ctx, "https://example.com/a", ScrapeOptions{ForceRefresh: true}); err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("force_refresh must refetch, got %d calls", fetcher.calls)
	}
}

func TestScrapeHashShortCircuitKeepsRow(t *testing.T) {
	fetcher := &stubFetcher{result: htmlResult(sampleHTML)}
	s, pages := newTestScraper(fetcher)
	ctx := context.Background()

	first, err := s.Scrape(ctx, "https://example.com/a", ScrapeOptions{})
	if err != nil {
		t.Fatalf("scrape error: %v", err)
	}
	firstFetched := first.Page.FetchedAt

	time.Sleep(5 * time.Millisecond)
	second, err := s.Scrape(ctx, "https://example.com/a", ScrapeOptions{ForceRefresh: true})
	if err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	if second.Page.ID != first.Page.ID {
		t.Fatalf("unchanged content must keep the stored row")
	}
	if !second.Page.FetchedAt.After(firstFetched) {
		t.Fatalf("fetched_at must advance on refetch")
	}
	if len(pages.pages) != 1 {
		t.Fatalf("expected a single stored row, got %d", len(pages.pages))
	}
}

func TestScrapeContentHashCoversRawResponse(t *testing.T) {
	fetcher := &stubFetcher{result: htmlResult(sampleHTML)}
	s, _ := newTestScraper(fetcher)

	res, err := s.Scrape(context.Background(), "https://example.com/a", ScrapeOptions{})
	if err != nil {
		t.Fatalf("scrape error: %v", err)
	}

	sum := sha256.Sum256([]byte(sampleHTML))
	if res.Page.ContentHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("content_hash must digest the raw response bytes, got %q", res.Page.ContentHash)
	}
}

func TestScrapeRawHTMLStoredOnRequest(t *testing.T) {
	fetcher := &stubFetcher{result: htmlResult(sampleHTML)}
	s, pages := newTestScraper(fetcher)
	ctx := context.Background()

	res, err := s.Scrape(ctx, "https://example.com/a", ScrapeOptions{IncludeRawHTML: true})
	if err != nil {
		t.Fatalf("scrape error: %v", err)
	}
	if res.Page.RawHTML != sampleHTML {
		t.Fatalf("raw html missing from the stored page")
	}

	for _, p := range pages.pages {
		if p.RawHTML != sampleHTML {
			t.Fatalf("raw html must be persisted, got %d bytes", len(p.RawHTML))
		}
	}

	// Without the flag the raw markup stays out of the row.
	res, err = s.Scrape(ctx, "https://example.com/b", ScrapeOptions{})
	if err != nil {
		t.Fatalf("scrape error: %v", err)
	}
	if res.Page.RawHTML != "" {
		t.Fatalf("raw html stored without being requested")
	}
}

func TestScrapeUpstreamErrorCachedAndReplayed(t *testing.T) {
	fetcher := &stubFetcher{result: &fetch.Result{
		Body:        []byte("gone"),
		StatusCode:  410,
		ContentType: "text/html",
		Renderer:    fetch.RendererHTTP,
	}}
	s, _ := newTestScraper(fetcher)
	ctx := context.Background()

	_, err := s.Scrape(ctx, "https://example.com/dead", ScrapeOptions{})
	if !apperr.Is(err, apperr.CodeFetchError) {
		t.Fatalf("expected FETCH_ERROR, got %v", err)
	}

	_, err = s.Scrape(ctx, "https://example.com/dead", ScrapeOptions{})
	if !apperr.Is(err, apperr.CodeFetchError) {
		t.Fatalf("expected replayed FETCH_ERROR, got %v", err)
	}
	ae := apperr.From(err)
	if ae.Details["replayed"] != true {
		t.Fatalf("second failure should come from cache: %+v", ae.Details)
	}
	if fetcher.calls != 1 {
		t.Fatalf("cached error must not refetch, got %d calls", fetcher.calls)
	}
}

func TestScrapeInvalidURL(t *testing.T) {
	s, _ := newTestScraper(&stubFetcher{result: htmlResult(sampleHTML)})
	_, err := s.Scrape(context.Background(), "not a url", ScrapeOptions{})
	if !apperr.Is(err, apperr.CodeInvalidURL) && !apperr.Is(err, apperr.CodeSSRFBlocked) {
		t.Fatalf("expected INVALID_URL, got %v", err)
	}
}

func TestScrapeTTLZeroAlwaysFetches(t *testing.T) {
	fetcher := &stubFetcher{result: htmlResult(sampleHTML)}
	s, _ := newTestScraper(fetcher)
	ctx := context.Background()

	zero := time.Duration(0)
	if _, err := s.Scrape(ctx, "https://example.com/b", ScrapeOptions{CacheTTL: &zero}); err != nil {
		t.Fatalf("scrape error: %v", err)
	}
	if _, err := s.Scrape(ctx, "https://example.com/b", ScrapeOptions{CacheTTL: &zero}); err != nil {
		t.Fatalf("scrape error: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("ttl 0 must bypass cache reads, got %d calls", fetcher.calls)
	}
}
