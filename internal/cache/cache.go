package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"crawlclean/internal/metrics"
	"crawlclean/internal/model"
)

// Layer names reported in scrape responses.
const (
	LayerRedis = "redis"
	LayerDB    = "db"
	LayerNone  = "none"
)

const (
	hotKeyPrefix  = "scrape_cache:"
	DefaultHotTTL = 10 * time.Minute
)

// ErrPageNotFound is returned by PageStore implementations when no
// row exists for a url hash.
var ErrPageNotFound = errors.New("page not found")

// PageStore is the durable tier, implemented by the Postgres store.
type PageStore interface {
	GetPageByHash(ctx context.Context, urlHash string) (*model.Page, error)
	UpsertPage(ctx context.Context, page *model.Page) (*model.Page, error)
}

// hotTier is the small surface of Redis the cache needs, extracted so
// tests can run against an in-memory map.
type hotTier interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type redisHot struct {
	rdb *redis.Client
}

func (r *redisHot) Get(ctx context.Context, key string) (string, error) {
	return r.rdb.Get(ctx, key).Result()
}

func (r *redisHot) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Cache is the two-tier page cache: Redis for hot entries, Postgres
// for durable ones. A durable hit backfills the hot tier.
type Cache struct {
	hot    hotTier
	pages  PageStore
	hotTTL time.Duration
	now    func() time.Time
}

// New builds a Cache. rdb may be nil, which disables the hot tier.
func New(rdb *redis.Client, pages PageStore, hotTTL time.Duration) *Cache {
	if hotTTL <= 0 {
		hotTTL = DefaultHotTTL
	}
	c := &Cache{pages: pages, hotTTL: hotTTL, now: time.Now}
	if rdb != nil {
		c.hot = &redisHot{rdb: rdb}
	}
	return c
}

// Hit is a cache lookup result: the page plus which tier served it.
type Hit struct {
	Page  *model.Page
	Layer string
}

// Lookup checks both tiers for a page fresh within ttl. ttl <= 0
// disables cache reads entirely. Returns nil on miss.
func (c *Cache) Lookup(ctx context.Context, urlHash string, ttl time.Duration) *Hit {
	if ttl <= 0 {
		return nil
	}

	if c.hot != nil {
		if raw, err := c.hot.Get(ctx, hotKeyPrefix+urlHash); err == nil && raw != "" {
			var page model.Page
			if jsonErr := json.Unmarshal([]byte(raw), &page); jsonErr == nil && c.fresh(&page, ttl) {
				metrics.IncrCacheHit()
				return &Hit{Page: &page, Layer: LayerRedis}
			}
		}
	}

	if c.pages != nil {
		page, err := c.pages.GetPageByHash(ctx, urlHash)
		if err == nil && c.fresh(page, ttl) {
			metrics.IncrCacheHit()
			c.backfillHot(ctx, urlHash, page)
			return &Hit{Page: page, Layer: LayerDB}
		}
	}

	return nil
}

// GetStored fetches the durable row regardless of freshness. Used for
// the content-hash short-circuit on refetch.
func (c *Cache) GetStored(ctx context.Context, urlHash string) (*model.Page, error) {
	if c.pages == nil {
		return nil, ErrPageNotFound
	}
	return c.pages.GetPageByHash(ctx, urlHash)
}

// Store writes a page through both tiers and returns the stored row
// (with its assigned ID).
func (c *Cache) Store(ctx context.Context, page *model.Page) (*model.Page, error) {
	stored := page
	if c.pages != nil {
		var err error
		stored, err = c.pages.UpsertPage(ctx, page)
		if err != nil {
			return nil, err
		}
	}
	c.backfillHot(ctx, stored.URLHash, stored)
	return stored, nil
}

func (c *Cache) backfillHot(ctx context.Context, urlHash string, page *model.Page) {
	if c.hot == nil {
		return
	}
	raw, err := json.Marshal(page)
	if err != nil {
		return
	}
	_ = c.hot.Set(ctx, hotKeyPrefix+urlHash, string(raw), c.hotTTL)
}

func (c *Cache) fresh(page *model.Page, ttl time.Duration) bool {
	if page == nil || page.FetchedAt.IsZero() {
		return false
	}
	return c.now().Sub(page.FetchedAt) <= ttl
}
