package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"crawlclean/internal/crawler"
	"crawlclean/internal/fetch"
	"crawlclean/internal/llm"
	"crawlclean/internal/model"
	"crawlclean/internal/search"
	"crawlclean/internal/store"
)

// ScrapePageFunc adapts the Scraper for job executors that only need
// the stored page.
func (s *Scraper) ScrapePageFunc(opts ScrapeOptions) crawler.ScrapeFunc {
	return func(ctx context.Context, rawURL string) (*model.Page, error) {
		res, err := s.Scrape(ctx, rawURL, opts)
		if err != nil {
			return nil, err
		}
		return res.Page, nil
	}
}

// MapExecutor runs map jobs: a BFS crawl rooted at the requested URL.
// The crawler is built per job so the requested render mode flows
// through to every page fetch.
type MapExecutor struct {
	Store   *store.Store
	Scraper *Scraper
	Logger  *slog.Logger
}

func (e *MapExecutor) Execute(ctx context.Context, job *model.Job) error {
	var params crawler.Params
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return e.fail(job, fmt.Errorf("invalid map params: %w", err))
	}

	opts := ScrapeOptions{}
	switch params.RenderMode {
	case "always":
		opts.RenderMode = fetch.RenderAlways
	case "never":
		opts.RenderMode = fetch.RenderNever
	}

	crawl := crawler.New(e.Scraper.ScrapePageFunc(opts), e.Store, e.Logger)
	if err := crawl.Run(ctx, job.ID, params); err != nil {
		return e.fail(job, err)
	}
	return e.Store.CompleteJob(context.Background(), job.ID)
}

func (e *MapExecutor) fail(job *model.Job, err error) error {
	_ = e.Store.FailJob(context.Background(), job.ID, err.Error())
	return err
}

// ExtractParams selects the source content and the instruction for an
// agent_extract job. Exactly one of URL or JobID must be set.
type ExtractParams struct {
	URL    string `json:"url,omitempty"`
	JobID  string `json:"job_id,omitempty"`
	Prompt string `json:"prompt"`
}

// ExtractExecutor runs agent_extract jobs: scrape (or reuse) pages,
// then ask the model for structured fields.
type ExtractExecutor struct {
	Store   *store.Store
	Scraper *Scraper
	LLM     llm.Client
	Logger  *slog.Logger
}

func (e *ExtractExecutor) Execute(ctx context.Context, job *model.Job) error {
	var params ExtractParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return e.fail(job, fmt.Errorf("invalid extract params: %w", err))
	}
	if e.LLM == nil {
		return e.fail(job, fmt.Errorf("llm provider is not configured"))
	}

	pages, err := e.sourcePages(ctx, job, params)
	if err != nil {
		return e.fail(job, err)
	}

	for i := range pages {
		page := &pages[i]
		if page.Markdown == "" {
			continue
		}
		result, err := e.LLM.ExtractFields(ctx, llm.ExtractRequest{
			URL:      page.URL,
			Markdown: page.Markdown,
			Prompt:   params.Prompt,
		})
		if err != nil {
			return e.fail(job, fmt.Errorf("extract %s: %w", page.URL, err))
		}
		data, err := json.Marshal(result.Fields)
		if err != nil {
			return e.fail(job, err)
		}
		pageID := page.ID
		err = e.Store.InsertExtraction(ctx, &model.Extraction{
			JobID:  job.ID,
			PageID: &pageID,
			Prompt: params.Prompt,
			Data:   data,
		})
		if err != nil {
			return e.fail(job, err)
		}
	}

	return e.Store.CompleteJob(context.Background(), job.ID)
}

func (e *ExtractExecutor) sourcePages(ctx context.Context, job *model.Job, params ExtractParams) ([]model.Page, error) {
	switch {
	case params.URL != "":
		res, err := e.Scraper.Scrape(ctx, params.URL, ScrapeOptions{})
		if err != nil {
			return nil, err
		}
		if err := e.Store.LinkJobPage(ctx, job.ID, res.Page.ID, 0); err != nil {
			return nil, err
		}
		if err := e.Store.IncrementJobPages(ctx, job.ID, 1, 1); err != nil {
			return nil, err
		}
		return []model.Page{*res.Page}, nil
	case params.JobID != "":
		sourceID, err := parseJobID(params.JobID)
		if err != nil {
			return nil, err
		}
		source, err := e.Store.GetJobForKey(ctx, sourceID, job.APIKeyID)
		if err != nil {
			return nil, fmt.Errorf("source job %s: %w", params.JobID, err)
		}
		pages, _, err := e.Store.ListJobPages(ctx, source.ID)
		return pages, err
	default:
		return nil, fmt.Errorf("extract params require url or job_id")
	}
}

func parseJobID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}

func (e *ExtractExecutor) fail(job *model.Job, err error) error {
	_ = e.Store.FailJob(context.Background(), job.ID, err.Error())
	return err
}

// SearchParams drive a search_scrape job: run a web search and scrape
// the top results through the normal pipeline.
type SearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchExecutor runs search_scrape jobs.
type SearchExecutor struct {
	Store      *store.Store
	Scraper    *Scraper
	Provider   search.Provider
	MaxResults int
	Logger     *slog.Logger
}

func (e *SearchExecutor) Execute(ctx context.Context, job *model.Job) error {
	var params SearchParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return e.fail(job, fmt.Errorf("invalid search params: %w", err))
	}
	if e.Provider == nil {
		return e.fail(job, fmt.Errorf("search provider is not configured"))
	}

	limit := params.Limit
	if limit <= 0 || limit > e.MaxResults {
		limit = e.MaxResults
	}

	results, err := e.Provider.Search(ctx, params.Query, limit)
	if err != nil {
		return e.fail(job, err)
	}

	for _, r := range results {
		res, err := e.Scraper.Scrape(ctx, r.URL, ScrapeOptions{})
		if err != nil {
			e.Logger.Warn("search result scrape failed", "job_id", job.ID,
				"url", r.URL, "error", err)
			continue
		}
		if err := e.Store.LinkJobPage(ctx, job.ID, res.Page.ID, r.Position); err != nil {
			return e.fail(job, err)
		}
		if err := e.Store.IncrementJobPages(ctx, job.ID, 1, 1); err != nil {
			return e.fail(job, err)
		}
	}

	return e.Store.CompleteJob(context.Background(), job.ID)
}

func (e *SearchExecutor) fail(job *model.Job, err error) error {
	_ = e.Store.FailJob(context.Background(), job.ID, err.Error())
	return err
}
