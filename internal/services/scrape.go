package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"crawlclean/internal/apperr"
	"crawlclean/internal/cache"
	"crawlclean/internal/config"
	"crawlclean/internal/extract"
	"crawlclean/internal/fetch"
	"crawlclean/internal/metrics"
	"crawlclean/internal/model"
	"crawlclean/internal/robots"
	"crawlclean/internal/urlutil"
)

// ScrapeOptions carries per-request knobs for one scrape.
// RespectRobots nil defers to the service-wide config.
type ScrapeOptions struct {
	RenderMode     fetch.RenderMode
	Timeout        time.Duration
	CacheTTL       *time.Duration
	ForceRefresh   bool
	RespectRobots  *bool
	IncludeRawHTML bool
}

// ScrapeResult is a page plus provenance: whether it was served from
// cache and from which tier.
type ScrapeResult struct {
	Page       *model.Page
	Cached     bool
	CacheLayer string
}

// Scraper runs the full single-URL pipeline: normalize, SSRF guard,
// cache lookup, robots, throttle, fetch, extract, store.
type Scraper struct {
	cfg      *config.Config
	cache    *cache.Cache
	robots   *robots.Oracle
	throttle *fetch.Throttle
	router   *fetch.Router
	logger   *slog.Logger
	resolver urlutil.Resolver
	group    singleflight.Group
}

// NewScraper wires the pipeline stages together.
func NewScraper(cfg *config.Config, c *cache.Cache, oracle *robots.Oracle, throttle *fetch.Throttle, router *fetch.Router, logger *slog.Logger) *Scraper {
	return &Scraper{
		cfg:      cfg,
		cache:    c,
		robots:   oracle,
		throttle: throttle,
		router:   router,
		logger:   logger,
	}
}

// Scrape fetches and extracts one URL, consulting the cache first.
// Pages that previously failed replay their stored error until the
// cache entry goes stale or force_refresh is set.
func (s *Scraper) Scrape(ctx context.Context, rawURL string, opts ScrapeOptions) (*ScrapeResult, error) {
	normalized, err := urlutil.Normalize(rawURL, nil)
	if err != nil {
		return nil, apperr.New(apperr.CodeInvalidURL, err.Error())
	}
	if err := s.validateTarget(ctx, normalized); err != nil {
		return nil, err
	}

	urlHash := urlutil.Hash(normalized)
	ttl := s.effectiveTTL(opts.CacheTTL)

	if !opts.ForceRefresh {
		if hit := s.cache.Lookup(ctx, urlHash, ttl); hit != nil {
			if err := replayStoredError(hit.Page); err != nil {
				return nil, err
			}
			return &ScrapeResult{Page: hit.Page, Cached: true, CacheLayer: hit.Layer}, nil
		}
	}

	// Concurrent identical scrapes share one fetch.
	v, err, _ := s.group.Do(urlHash, func() (any, error) {
		return s.fetchAndStore(ctx, normalized, urlHash, opts)
	})
	if err != nil {
		return nil, err
	}
	page := v.(*model.Page)
	if err := replayStoredError(page); err != nil {
		return nil, err
	}
	return &ScrapeResult{Page: page, Cached: false, CacheLayer: cache.LayerNone}, nil
}

func (s *Scraper) fetchAndStore(ctx context.Context, normalized, urlHash string, opts ScrapeOptions) (*model.Page, error) {
	respectRobots := s.cfg.Robots.Respect
	if opts.RespectRobots != nil {
		respectRobots = *opts.RespectRobots
	}
	if respectRobots && s.robots != nil {
		if !s.robots.Allowed(ctx, normalized, s.cfg.Fetch.UserAgent) {
			metrics.IncrRobotsBlocked()
			return nil, apperr.New(apperr.CodeRobotsBlocked, "disallowed by robots.txt")
		}
	}

	host := urlutil.HostOf(normalized)
	release, err := s.throttle.Acquire(ctx, host)
	if err != nil {
		return nil, apperr.From(err)
	}
	defer release()

	fetchCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	res, err := s.router.Fetch(fetchCtx, normalized, opts.RenderMode)
	if err != nil {
		s.storeFailure(ctx, normalized, urlHash, err)
		return nil, err
	}

	if res.StatusCode >= 400 {
		ferr := apperr.Newf(apperr.CodeFetchError, "upstream returned status %d", res.StatusCode).
			WithDetails(map[string]any{"status_code": res.StatusCode})
		s.storeFailure(ctx, normalized, urlHash, ferr)
		return nil, ferr
	}

	// The content hash is the digest of the raw response bytes, taken
	// before any parsing. An unchanged body skips extraction entirely
	// and reuses the stored row; only the fetch provenance moves.
	sum := sha256.Sum256(res.Body)
	rawHash := hex.EncodeToString(sum[:])
	if prev, gerr := s.cache.GetStored(ctx, urlHash); gerr == nil && prev.ContentHash != "" && prev.ContentHash == rawHash {
		metrics.IncrHashHit()
		prev.FetchedAt = time.Now().UTC()
		prev.StatusCode = res.StatusCode
		prev.Renderer = res.Renderer
		if opts.IncludeRawHTML && prev.RawHTML == "" {
			prev.RawHTML = string(res.Body)
		}
		return s.cache.Store(ctx, prev)
	}

	content, err := extract.Extract(res.Body, res.ContentType, res.FinalURL)
	if err != nil {
		s.logger.Warn("extraction failed", "url", normalized, "error", err)
		return nil, apperr.New(apperr.CodeInternal, "content extraction failed")
	}

	page := pageFromContent(normalized, urlHash, rawHash, content, res)
	if opts.IncludeRawHTML {
		page.RawHTML = string(res.Body)
	}
	return s.cache.Store(ctx, page)
}

// storeFailure caches terminal fetch failures so repeated scrapes of
// a dead URL do not hammer the upstream.
func (s *Scraper) storeFailure(ctx context.Context, normalized, urlHash string, cause error) {
	ae := apperr.From(cause)
	if ae.Code != apperr.CodeFetchError {
		return
	}
	page := &model.Page{
		URL:          normalized,
		URLHash:      urlHash,
		ErrorCode:    ae.Code,
		ErrorMessage: ae.Message,
		FetchedAt:    time.Now().UTC(),
	}
	if sc, ok := ae.Details["status_code"].(int); ok {
		page.StatusCode = sc
	}
	if _, err := s.cache.Store(ctx, page); err != nil {
		s.logger.Warn("store failure page", "url", normalized, "error", err)
	}
}

func (s *Scraper) validateTarget(ctx context.Context, normalized string) error {
	if s.resolver != nil {
		return urlutil.ValidateSSRFWith(ctx, normalized, s.resolver)
	}
	return urlutil.ValidateSSRF(ctx, normalized)
}

func (s *Scraper) effectiveTTL(override *time.Duration) time.Duration {
	if override == nil {
		return time.Duration(s.cfg.Cache.DefaultTTLSeconds) * time.Second
	}
	ttl := *override
	max := time.Duration(s.cfg.Cache.MaxTTLSeconds) * time.Second
	if ttl > max {
		ttl = max
	}
	return ttl
}

func replayStoredError(page *model.Page) error {
	if page.ErrorCode == "" {
		return nil
	}
	return apperr.New(page.ErrorCode, page.ErrorMessage).
		WithDetails(map[string]any{"status_code": page.StatusCode, "replayed": true})
}

func pageFromContent(normalized, urlHash, rawHash string, c *extract.Content, res *fetch.Result) *model.Page {
	return &model.Page{
		URL:             normalized,
		URLHash:         urlHash,
		CanonicalURL:    c.CanonicalURL,
		Title:           c.Title,
		Description:     c.Description,
		Markdown:        c.Markdown,
		ContentHash:     rawHash,
		InternalLinks:   c.InternalLinks,
		ExternalLinks:   c.ExternalLinks,
		WordCount:       c.WordCount,
		ReadTimeMinutes: c.ReadTimeMinutes,
		PageCount:       c.PageCount,
		OgImage:         c.OgImage,
		FaviconURL:      c.FaviconURL,
		SiteName:        c.SiteName,
		Language:        c.Language,
		Author:          c.Author,
		PublishedAt:     c.PublishedAt,
		Renderer:        res.Renderer,
		StatusCode:      res.StatusCode,
		FetchedAt:       time.Now().UTC(),
	}
}
