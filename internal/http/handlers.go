package http

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"crawlclean/internal/apperr"
	"crawlclean/internal/crawler"
	"crawlclean/internal/fetch"
	"crawlclean/internal/model"
	"crawlclean/internal/services"
	"crawlclean/internal/store"
	"crawlclean/internal/urlutil"
)

// degradeBudget is the minimum caller timeout at which a timed-out
// scrape is turned into an async job instead of a 504.
const degradeBudget = 5 * time.Second

// Bounds on caller-supplied scrape knobs; out-of-range values are
// rejected, not clamped.
const (
	maxTimeoutS  = 60
	maxCacheTTLS = 86400
)

func (s *Server) handleScrape(c *fiber.Ctx) error {
	var req ScrapeRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.New(apperr.CodeValidation, "invalid request body"))
	}
	if strings.TrimSpace(req.URL) == "" {
		return writeError(c, apperr.New(apperr.CodeValidation, "url is required"))
	}
	if err := validateRequestURL(req.URL); err != nil {
		return writeError(c, err)
	}

	mode, err := parseRenderMode(req.RenderMode)
	if err != nil {
		return writeError(c, err)
	}

	opts := services.ScrapeOptions{
		RenderMode:     mode,
		ForceRefresh:   req.ForceRefresh,
		RespectRobots:  req.RespectRobots,
		IncludeRawHTML: req.IncludeRawHTML,
	}
	if req.TimeoutS != 0 {
		if req.TimeoutS < 1 || req.TimeoutS > maxTimeoutS {
			return writeError(c, apperr.Newf(apperr.CodeValidation,
				"timeout_s must be between 1 and %d", maxTimeoutS))
		}
		opts.Timeout = time.Duration(req.TimeoutS) * time.Second
	}
	if req.CacheTTLS != nil {
		if *req.CacheTTLS < 0 || *req.CacheTTLS > maxCacheTTLS {
			return writeError(c, apperr.Newf(apperr.CodeValidation,
				"cache_ttl_s must be between 0 and %d", maxCacheTTLS))
		}
		ttl := time.Duration(*req.CacheTTLS) * time.Second
		opts.CacheTTL = &ttl
	}

	result, err := s.scraper.Scrape(c.Context(), req.URL, opts)
	if err != nil {
		if apperr.Is(err, apperr.CodeFetchTimeout) && opts.Timeout >= degradeBudget {
			return s.degradeToJob(c, req.URL)
		}
		return writeError(c, err)
	}

	// Response shaping: raw HTML only on request, links unless opted
	// out. The stored row keeps both.
	page := *result.Page
	if !req.IncludeRawHTML {
		page.RawHTML = ""
	}
	if req.IncludeLinks != nil && !*req.IncludeLinks {
		page.InternalLinks = nil
		page.ExternalLinks = nil
	}

	return c.JSON(ScrapeResponse{
		Page:       &page,
		Cached:     result.Cached,
		CacheLayer: result.CacheLayer,
	})
}

// validateRequestURL rejects malformed URLs up front as request
// validation failures; only network-level problems surface as fetch
// errors later.
func validateRequestURL(raw string) error {
	if _, err := urlutil.Normalize(raw, nil); err != nil {
		return apperr.Newf(apperr.CodeValidation, "invalid url: %v", err)
	}
	return nil
}

func parseRenderMode(raw string) (fetch.RenderMode, error) {
	switch raw {
	case "", "auto":
		return fetch.RenderAuto, nil
	case "always":
		return fetch.RenderAlways, nil
	case "never":
		return fetch.RenderNever, nil
	default:
		return fetch.RenderAuto, apperr.Newf(apperr.CodeValidation, "invalid render_mode %q", raw)
	}
}

// degradeToJob queues a single-page crawl for a URL that timed out
// interactively, so the caller can poll instead of retrying.
func (s *Server) degradeToJob(c *fiber.Ctx, rawURL string) error {
	key := currentKey(c)
	params, _ := json.Marshal(crawler.Params{URL: rawURL, MaxDepth: 0, MaxPages: 1, Concurrency: 1})
	job, _, err := s.submit.Submit(c.Context(), key.ID, model.JobTypeMap, params, false)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleMapCreate(c *fiber.Ctx) error {
	var req MapRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.New(apperr.CodeValidation, "invalid request body"))
	}
	if strings.TrimSpace(req.URL) == "" {
		return writeError(c, apperr.New(apperr.CodeValidation, "url is required"))
	}
	if err := validateRequestURL(req.URL); err != nil {
		return writeError(c, err)
	}
	if _, err := parseRenderMode(req.RenderMode); err != nil {
		return writeError(c, err)
	}
	if req.MaxDepth < 0 || req.MaxDepth > crawler.MaxDepthLimit {
		return writeError(c, apperr.Newf(apperr.CodeValidation,
			"max_depth must be between 0 and %d", crawler.MaxDepthLimit))
	}
	if req.MaxPages != 0 && (req.MaxPages < 1 || req.MaxPages > crawler.MaxPagesLimit) {
		return writeError(c, apperr.Newf(apperr.CodeValidation,
			"max_pages must be between 1 and %d", crawler.MaxPagesLimit))
	}
	if req.Concurrency != 0 && (req.Concurrency < 1 || req.Concurrency > crawler.MaxConcurrencyLimit) {
		return writeError(c, apperr.Newf(apperr.CodeValidation,
			"concurrency must be between 1 and %d", crawler.MaxConcurrencyLimit))
	}

	maxPages := req.MaxPages
	if maxPages == 0 {
		maxPages = s.cfg.Crawler.MaxPagesDefault
	}
	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = s.cfg.Crawler.MaxConcurrencyDefault
	}

	params, err := json.Marshal(crawler.Params{
		URL:             req.URL,
		MaxDepth:        req.MaxDepth,
		MaxPages:        maxPages,
		Concurrency:     concurrency,
		RenderMode:      req.RenderMode,
		IncludePatterns: req.IncludePatterns,
		ExcludePatterns: req.ExcludePatterns,
	})
	if err != nil {
		return writeError(c, err)
	}
	return s.submitJob(c, model.JobTypeMap, params, req.Force)
}

func (s *Server) handleExtractCreate(c *fiber.Ctx) error {
	var req ExtractRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.New(apperr.CodeValidation, "invalid request body"))
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return writeError(c, apperr.New(apperr.CodeValidation, "prompt is required"))
	}
	if (req.URL == "") == (req.JobID == "") {
		return writeError(c, apperr.New(apperr.CodeValidation, "exactly one of url or job_id is required"))
	}

	params, err := json.Marshal(services.ExtractParams{
		URL:    req.URL,
		JobID:  req.JobID,
		Prompt: req.Prompt,
	})
	if err != nil {
		return writeError(c, err)
	}
	return s.submitJob(c, model.JobTypeAgentExtract, params, req.Force)
}

// Bounds on search request knobs.
const (
	maxSearchResults  = 20
	maxSearchScrapeN  = 10
	defaultSearchHits = 5
)

// handleSearch runs the web search synchronously and returns ranked
// results. When scrape_top_n is set it also queues a search_scrape job
// so the full page content arrives asynchronously.
func (s *Server) handleSearch(c *fiber.Ctx) error {
	var req SearchRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.New(apperr.CodeValidation, "invalid request body"))
	}
	if strings.TrimSpace(req.Query) == "" {
		return writeError(c, apperr.New(apperr.CodeValidation, "query is required"))
	}
	if req.NumResults < 0 || req.NumResults > maxSearchResults {
		return writeError(c, apperr.Newf(apperr.CodeValidation,
			"num_results must be between 1 and %d", maxSearchResults))
	}
	if req.ScrapeTopN < 0 || req.ScrapeTopN > maxSearchScrapeN {
		return writeError(c, apperr.Newf(apperr.CodeValidation,
			"scrape_top_n must be between 0 and %d", maxSearchScrapeN))
	}
	if s.searcher == nil {
		return writeError(c, apperr.New(apperr.CodeValidation, "search is not configured"))
	}

	n := req.NumResults
	if n == 0 {
		n = defaultSearchHits
	}
	hits, err := s.searcher.Search(c.Context(), req.Query, n)
	if err != nil {
		return writeError(c, apperr.Newf(apperr.CodeFetchError, "search provider: %v", err))
	}

	resp := SearchResponse{Query: req.Query, Results: make([]SearchResultItem, 0, len(hits))}
	for i, hit := range hits {
		rank := hit.Position
		if rank == 0 {
			rank = i + 1
		}
		resp.Results = append(resp.Results, SearchResultItem{
			Rank:    rank,
			Title:   hit.Title,
			URL:     hit.URL,
			Snippet: hit.Snippet,
		})
	}

	if req.ScrapeTopN > 0 {
		params, err := json.Marshal(services.SearchParams{Query: req.Query, Limit: req.ScrapeTopN})
		if err != nil {
			return writeError(c, err)
		}
		key := currentKey(c)
		job, replayed, err := s.submit.Submit(c.Context(), key.ID, model.JobTypeSearchScrape, params, req.Force)
		if err != nil {
			return writeError(c, err)
		}
		if replayed {
			c.Set("X-Idempotency-Hit", "true")
		}
		resp.JobID = job.ID.String()
		resp.Status = job.Status
	}

	return c.JSON(resp)
}

// submitJob creates or replays a job. Replays answer 200 with the
// X-Idempotency-Hit header; fresh submissions answer 202.
func (s *Server) submitJob(c *fiber.Ctx, jobType model.JobType, params []byte, force bool) error {
	key := currentKey(c)
	job, replayed, err := s.submit.Submit(c.Context(), key.ID, jobType, params, force)
	if err != nil {
		return writeError(c, err)
	}
	status := fiber.StatusAccepted
	if replayed {
		c.Set("X-Idempotency-Hit", "true")
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(JobResponse{Job: job})
}

func (s *Server) handleMapStatus(c *fiber.Ctx) error {
	return s.handleJobStatus(c)
}

func (s *Server) handleJobStatus(c *fiber.Ctx) error {
	job, err := s.ownedJob(c)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(JobResponse{Job: job})
}

func (s *Server) handleJobResults(c *fiber.Ctx) error {
	job, err := s.ownedJob(c)
	if err != nil {
		return writeError(c, err)
	}
	if !terminal(job.Status) {
		return writeError(c, apperr.Newf(apperr.CodeJobNotReady, "job is %s", job.Status).
			WithDetails(map[string]any{"status": job.Status}))
	}

	resp := JobResultsResponse{Job: job}
	switch job.Type {
	case model.JobTypeAgentExtract:
		extractions, err := s.jobs.GetExtractionsByJob(c.Context(), job.ID)
		if err != nil {
			return writeError(c, err)
		}
		resp.Extractions = extractions
	default:
		pages, depths, err := s.jobs.ListJobPages(c.Context(), job.ID)
		if err != nil {
			return writeError(c, err)
		}
		results := make([]JobPageResult, len(pages))
		for i := range pages {
			results[i] = JobPageResult{Page: pages[i], Depth: depths[i]}
		}
		resp.Pages = results
	}
	return c.JSON(resp)
}

// handleKeyCreate mints a new API key. The route is gated on the
// admin scope.
func (s *Server) handleKeyCreate(c *fiber.Ctx) error {
	var req KeyCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.New(apperr.CodeValidation, "invalid request body"))
	}
	if strings.TrimSpace(req.Name) == "" {
		return writeError(c, apperr.New(apperr.CodeValidation, "name is required"))
	}

	raw, created, err := s.keys.CreateRandomAPIKey(c.Context(), req.Name, req.Scopes, req.RateLimitPerMinute)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(KeyCreateResponse{
		Key:                raw,
		ID:                 created.ID,
		Name:               created.Name,
		Scopes:             created.Scopes,
		RateLimitPerMinute: created.RateLimitPerMinute,
	})
}

func hasScope(key *model.APIKey, scope string) bool {
	for _, s := range key.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ownedJob resolves the :id parameter to a job owned by the caller.
// Missing and not-owned are indistinguishable to the client.
func (s *Server) ownedJob(c *fiber.Ctx) (*model.Job, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, apperr.New(apperr.CodeJobNotFound, "job not found")
	}
	key := currentKey(c)
	if key == nil {
		return nil, apperr.New(apperr.CodeUnauthorized, "API key not found in context")
	}
	job, err := s.jobs.GetJobForKey(c.Context(), id, key.ID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.CodeJobNotFound, "job not found")
		}
		return nil, err
	}
	return job, nil
}

func terminal(status string) bool {
	switch status {
	case model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled:
		return true
	}
	return false
}
