package cache

import (
	"context"
	"testing"
	"time"

	"crawlclean/internal/model"
)

type memHot struct {
	values map[string]string
}

func (m *memHot) Get(_ context.Context, key string) (string, error) {
	return m.values[key], nil
}

func (m *memHot) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.values[key] = value
	return nil
}

type memPages struct {
	pages   map[string]*model.Page
	gets    int
	upserts int
}

func (m *memPages) GetPageByHash(_ context.Context, urlHash string) (*model.Page, error) {
	m.gets++
	page, ok := m.pages[urlHash]
	if !ok {
		return nil, ErrPageNotFound
	}
	cp := *page
	return &cp, nil
}

func (m *memPages) UpsertPage(_ context.Context, page *model.Page) (*model.Page, error) {
	m.upserts++
	cp := *page
	cp.ID = int64(len(m.pages) + 1)
	m.pages[page.URLHash] = &cp
	return &cp, nil
}

func newTestCache() (*Cache, *memHot, *memPages) {
	hot := &memHot{values: make(map[string]string)}
	pages := &memPages{pages: make(map[string]*model.Page)}
	c := &Cache{hot: hot, pages: pages, hotTTL: time.Minute, now: time.Now}
	return c, hot, pages
}

func TestCacheWriteThroughAndHotHit(t *testing.T) {
	c, hot, pages := newTestCache()
	ctx := context.Background()

	page := &model.Page{URLHash: "h1", URL: "https://example.com/a", Markdown: "body", FetchedAt: time.Now()}
	stored, err := c.Store(ctx, page)
	if err != nil {
		t.Fatalf("Store error: %v", err)
	}
	if stored.ID == 0 {
		t.Fatalf("expected assigned row id")
	}
	if pages.upserts != 1 {
		t.Fatalf("expected durable write, got %d", pages.upserts)
	}
	if hot.values["scrape_cache:h1"] == "" {
		t.Fatalf("expected hot backfill on store")
	}

	hit := c.Lookup(ctx, "h1", time.Hour)
	if hit == nil {
		t.Fatalf("expected hit")
	}
	if hit.Layer != LayerRedis {
		t.Fatalf("expected redis layer, got %q", hit.Layer)
	}
	if pages.gets != 0 {
		t.Fatalf("hot hit must not touch the durable tier")
	}
}

func TestCacheDurableHitBackfillsHot(t *testing.T) {
	c, hot, pages := newTestCache()
	ctx := context.Background()

	pages.pages["h2"] = &model.Page{URLHash: "h2", URL: "https://example.com/b", FetchedAt: time.Now()}

	hit := c.Lookup(ctx, "h2", time.Hour)
	if hit == nil || hit.Layer != LayerDB {
		t.Fatalf("expected db-layer hit, got %+v", hit)
	}
	if hot.values["scrape_cache:h2"] == "" {
		t.Fatalf("durable hit must backfill the hot tier")
	}

	// Second lookup is served hot.
	hit = c.Lookup(ctx, "h2", time.Hour)
	if hit == nil || hit.Layer != LayerRedis {
		t.Fatalf("expected redis-layer hit after backfill, got %+v", hit)
	}
}

func TestCacheTTLZeroDisablesReads(t *testing.T) {
	c, _, pages := newTestCache()
	ctx := context.Background()

	pages.pages["h3"] = &model.Page{URLHash: "h3", FetchedAt: time.Now()}
	if hit := c.Lookup(ctx, "h3", 0); hit != nil {
		t.Fatalf("ttl 0 must bypass the cache, got %+v", hit)
	}
}

func TestCacheStaleEntriesMiss(t *testing.T) {
	c, _, pages := newTestCache()
	ctx := context.Background()

	pages.pages["h4"] = &model.Page{URLHash: "h4", FetchedAt: time.Now().Add(-2 * time.Hour)}
	if hit := c.Lookup(ctx, "h4", time.Hour); hit != nil {
		t.Fatalf("stale entry must miss, got %+v", hit)
	}
}

func TestCacheCoherenceAcrossTiers(t *testing.T) {
	c, hot, _ := newTestCache()
	ctx := context.Background()

	first := &model.Page{URLHash: "h5", Markdown: "v1", FetchedAt: time.Now()}
	if _, err := c.Store(ctx, first); err != nil {
		t.Fatalf("Store v1: %v", err)
	}
	second := &model.Page{URLHash: "h5", Markdown: "v2", FetchedAt: time.Now()}
	if _, err := c.Store(ctx, second); err != nil {
		t.Fatalf("Store v2: %v", err)
	}

	hit := c.Lookup(ctx, "h5", time.Hour)
	if hit == nil || hit.Page.Markdown != "v2" {
		t.Fatalf("hot tier out of sync after rewrite: %+v", hit)
	}
	if hot.values["scrape_cache:h5"] == "" {
		t.Fatalf("hot tier missing after rewrite")
	}
}
