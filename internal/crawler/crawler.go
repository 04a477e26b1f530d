package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crawlclean/internal/model"
	"crawlclean/internal/urlutil"
)

// Bounds for map job parameters. The API layer rejects out-of-range
// requests; Clamp covers params built internally (degraded scrapes,
// replayed job rows).
const (
	MaxDepthLimit       = 5
	MaxPagesLimit       = 1000
	MaxConcurrencyLimit = 10
)

// Params controls one map crawl.
type Params struct {
	URL             string   `json:"url"`
	MaxDepth        int      `json:"max_depth"`
	MaxPages        int      `json:"max_pages"`
	Concurrency     int      `json:"concurrency"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	RenderMode      string   `json:"render_mode,omitempty"`
}

// Clamp normalizes out-of-range parameters to their nearest bound.
func (p *Params) Clamp() {
	if p.MaxDepth < 0 {
		p.MaxDepth = 0
	}
	if p.MaxDepth > MaxDepthLimit {
		p.MaxDepth = MaxDepthLimit
	}
	if p.MaxPages < 1 {
		p.MaxPages = 1
	}
	if p.MaxPages > MaxPagesLimit {
		p.MaxPages = MaxPagesLimit
	}
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	if p.Concurrency > MaxConcurrencyLimit {
		p.Concurrency = MaxConcurrencyLimit
	}
}

// ScrapeFunc runs the full single-URL pipeline and returns the stored
// page. The crawler stays decoupled from the scrape orchestrator.
type ScrapeFunc func(ctx context.Context, rawURL string) (*model.Page, error)

// JobStore is the slice of the job store the crawler needs to record
// discoveries.
type JobStore interface {
	LinkJobPage(ctx context.Context, jobID uuid.UUID, pageID int64, depth int) error
	IncrementJobPages(ctx context.Context, jobID uuid.UUID, discovered, total int) error
}

// Crawler walks a site breadth-first from a root URL, scraping every
// page it reaches and linking results to the owning job.
type Crawler struct {
	scrape ScrapeFunc
	store  JobStore
	logger *slog.Logger
}

func New(scrape ScrapeFunc, store JobStore, logger *slog.Logger) *Crawler {
	return &Crawler{scrape: scrape, store: store, logger: logger}
}

type frontierEntry struct {
	url   string
	depth int
}

// Run executes the BFS. Individual page failures are logged and
// skipped; the crawl only fails when the root parameters are invalid.
func (c *Crawler) Run(ctx context.Context, jobID uuid.UUID, params Params) error {
	params.Clamp()

	root, err := urlutil.Normalize(params.URL, nil)
	if err != nil {
		return fmt.Errorf("invalid root url: %w", err)
	}
	rootHost := urlutil.HostOf(root)

	filter, err := newLinkFilter(rootHost, params.IncludePatterns, params.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("invalid url filter: %w", err)
	}

	var mu sync.Mutex
	seen := map[string]struct{}{root: {}}
	level := []frontierEntry{{url: root, depth: 0}}

	for len(level) > 0 {
		var next []frontierEntry

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(params.Concurrency)

		for _, entry := range level {
			entry := entry
			g.Go(func() error {
				page, err := c.scrape(gctx, entry.url)
				if err != nil {
					c.logger.Warn("crawl page failed", "job_id", jobID,
						"url", entry.url, "depth", entry.depth, "error", err)
					return nil
				}

				if err := c.store.LinkJobPage(gctx, jobID, page.ID, entry.depth); err != nil {
					return err
				}
				if err := c.store.IncrementJobPages(gctx, jobID, 1, 1); err != nil {
					return err
				}

				if entry.depth >= params.MaxDepth {
					return nil
				}

				mu.Lock()
				defer mu.Unlock()
				for _, link := range page.InternalLinks {
					if len(seen) >= params.MaxPages {
						break
					}
					normalized, err := urlutil.Normalize(link, nil)
					if err != nil {
						continue
					}
					if _, dup := seen[normalized]; dup {
						continue
					}
					if !filter.allow(normalized) {
						continue
					}
					seen[normalized] = struct{}{}
					next = append(next, frontierEntry{url: normalized, depth: entry.depth + 1})
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
		level = next
	}

	return nil
}

// linkFilter decides which discovered links enter the frontier: host
// must equal the root host, non-empty include list requires at least
// one match, any exclude match disqualifies.
type linkFilter struct {
	rootHost string
	include  []*regexp.Regexp
	exclude  []*regexp.Regexp
}

func newLinkFilter(rootHost string, include, exclude []string) (*linkFilter, error) {
	f := &linkFilter{rootHost: rootHost}
	for _, p := range include {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("include pattern %q: %w", p, err)
		}
		f.include = append(f.include, re)
	}
	for _, p := range exclude {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		f.exclude = append(f.exclude, re)
	}
	return f, nil
}

func (f *linkFilter) allow(normalized string) bool {
	if urlutil.HostOf(normalized) != f.rootHost {
		return false
	}
	for _, re := range f.exclude {
		if re.MatchString(normalized) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, re := range f.include {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}
