package http

import (
	"github.com/gofiber/fiber/v2"

	"crawlclean/internal/apperr"
	"crawlclean/internal/model"
)

// ErrorResponse is the error envelope for every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details,omitempty"`
}

// writeError renders any error as the coded envelope. Unknown errors
// become INTERNAL_ERROR.
func writeError(c *fiber.Ctx, err error) error {
	ae := apperr.From(err)
	reqID, _ := c.Locals("request_id").(string)
	return c.Status(ae.Status()).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:      ae.Code,
			Message:   ae.Message,
			RequestID: reqID,
			Details:   ae.Details,
		},
	})
}

// ScrapeRequest is the body of POST /api/v1/scrape. IncludeLinks nil
// means true; RespectRobots nil defers to the server config.
type ScrapeRequest struct {
	URL            string `json:"url"`
	RenderMode     string `json:"render_mode,omitempty"`
	TimeoutS       int    `json:"timeout_s,omitempty"`
	CacheTTLS      *int   `json:"cache_ttl_s,omitempty"`
	ForceRefresh   bool   `json:"force_refresh,omitempty"`
	RespectRobots  *bool  `json:"respect_robots,omitempty"`
	IncludeLinks   *bool  `json:"include_links,omitempty"`
	IncludeRawHTML bool   `json:"include_raw_html,omitempty"`
}

// ScrapeResponse is a stored page plus cache provenance.
type ScrapeResponse struct {
	*model.Page
	Cached     bool   `json:"cached"`
	CacheLayer string `json:"cache_layer"`
}

// MapRequest is the body of POST /api/v1/map.
type MapRequest struct {
	URL             string   `json:"url"`
	MaxDepth        int      `json:"max_depth,omitempty"`
	MaxPages        int      `json:"max_pages,omitempty"`
	Concurrency     int      `json:"concurrency,omitempty"`
	RenderMode      string   `json:"render_mode,omitempty"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	Force           bool     `json:"force,omitempty"`
}

// ExtractRequest is the body of POST /api/v1/agent/extract. Exactly
// one of URL or JobID selects the source content.
type ExtractRequest struct {
	URL    string `json:"url,omitempty"`
	JobID  string `json:"job_id,omitempty"`
	Prompt string `json:"prompt"`
	Force  bool   `json:"force,omitempty"`
}

// SearchRequest is the body of POST /api/v1/search. The search itself
// runs synchronously; ScrapeTopN > 0 additionally queues a
// search_scrape job for the leading results.
type SearchRequest struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results,omitempty"`
	ScrapeTopN int    `json:"scrape_top_n,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

// SearchResultItem is one ranked organic search hit.
type SearchResultItem struct {
	Rank    int    `json:"rank"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResponse carries the synchronous search results plus, when a
// scrape of the top results was requested, the queued job's handle.
type SearchResponse struct {
	Query   string             `json:"query"`
	Results []SearchResultItem `json:"results"`
	JobID   string             `json:"job_id,omitempty"`
	Status  string             `json:"status,omitempty"`
}

// KeyCreateRequest is the body of POST /api/v1/admin/keys.
type KeyCreateRequest struct {
	Name               string   `json:"name"`
	Scopes             []string `json:"scopes,omitempty"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute,omitempty"`
}

// KeyCreateResponse returns the raw key exactly once; only its hash
// is stored.
type KeyCreateResponse struct {
	Key                string   `json:"key"`
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Scopes             []string `json:"scopes"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
}

// JobResponse is the status view of a job.
type JobResponse struct {
	*model.Job
}

// JobResultsResponse carries a finished job's output; the populated
// field depends on the job type.
type JobResultsResponse struct {
	Job         *model.Job         `json:"job"`
	Pages       []JobPageResult    `json:"pages,omitempty"`
	Extractions []model.Extraction `json:"extractions,omitempty"`
}

// JobPageResult is a discovered page with its BFS depth.
type JobPageResult struct {
	model.Page
	Depth int `json:"depth"`
}
