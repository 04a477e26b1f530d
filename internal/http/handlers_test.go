package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"crawlclean/internal/apperr"
	"crawlclean/internal/config"
	"crawlclean/internal/model"
	"crawlclean/internal/search"
	"crawlclean/internal/services"
	"crawlclean/internal/store"
)

type fakeScraper struct {
	result  *services.ScrapeResult
	err     error
	gotURL  string
	gotOpts services.ScrapeOptions
}

func (f *fakeScraper) Scrape(_ context.Context, rawURL string, opts services.ScrapeOptions) (*services.ScrapeResult, error) {
	f.gotURL = rawURL
	f.gotOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSearchProvider struct {
	results []search.Result
	err     error
	gotN    int
}

func (f *fakeSearchProvider) Search(_ context.Context, _ string, limit int) ([]search.Result, error) {
	f.gotN = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeSubmitter struct {
	job      *model.Job
	replayed bool
}

func (f *fakeSubmitter) Submit(_ context.Context, apiKeyID int64, jobType model.JobType, params []byte, _ bool) (*model.Job, bool, error) {
	if f.job == nil {
		f.job = &model.Job{ID: uuid.New(), APIKeyID: apiKeyID, Type: jobType,
			Status: model.JobStatusQueued, Params: params}
	}
	return f.job, f.replayed, nil
}

type fakeJobs struct {
	job         *model.Job
	pages       []model.Page
	depths      []int
	extractions []model.Extraction
}

func (f *fakeJobs) GetJobForKey(_ context.Context, id uuid.UUID, apiKeyID int64) (*model.Job, error) {
	if f.job == nil || f.job.ID != id || f.job.APIKeyID != apiKeyID {
		return nil, store.ErrNotFound
	}
	return f.job, nil
}

func (f *fakeJobs) ListJobPages(_ context.Context, _ uuid.UUID) ([]model.Page, []int, error) {
	return f.pages, f.depths, nil
}

func (f *fakeJobs) GetExtractionsByJob(_ context.Context, _ uuid.UUID) ([]model.Extraction, error) {
	return f.extractions, nil
}

type fakeKeyMinter struct {
	gotName   string
	gotScopes []string
}

func (f *fakeKeyMinter) CreateRandomAPIKey(_ context.Context, name string, scopes []string, rateLimitPerMinute int) (string, *model.APIKey, error) {
	f.gotName = name
	f.gotScopes = scopes
	if rateLimitPerMinute <= 0 {
		rateLimitPerMinute = 60
	}
	return "cc_test-raw-key", &model.APIKey{
		ID: 42, Name: name, Scopes: scopes,
		RateLimitPerMinute: rateLimitPerMinute, IsActive: true,
	}, nil
}

const testKeyID = int64(7)

func newTestServer(scraper scrapeService, submit jobSubmitter, jobs jobReader) *Server {
	return newTestServerWithKey(scraper, submit, jobs,
		&model.APIKey{ID: testKeyID, KeyHash: "hash", IsActive: true,
			Scopes: []string{"scrape", "map"}})
}

func newTestServerWithKey(scraper scrapeService, submit jobSubmitter, jobs jobReader, key *model.APIKey) *Server {
	s := &Server{
		cfg:      &config.Config{},
		scraper:  scraper,
		submit:   submit,
		jobs:     jobs,
		keys:     &fakeKeyMinter{},
		searcher: &fakeSearchProvider{},
	}
	app := fiber.New()
	// Stand-in for the auth middleware.
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("request_id", "test-req")
		c.Locals("apiKey", key)
		return c.Next()
	})
	s.registerRoutes(app.Group("/api/v1"))
	s.app = app
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) (int, map[string]any, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("invalid json response %q: %v", raw, err)
		}
	}
	rec := httptest.NewRecorder()
	for k, vals := range resp.Header {
		for _, v := range vals {
			rec.Header().Add(k, v)
		}
	}
	return resp.StatusCode, decoded, rec
}

func TestScrapeSuccess(t *testing.T) {
	scraper := &fakeScraper{result: &services.ScrapeResult{
		Page:       &model.Page{URL: "https://example.com", Title: "Example", WordCount: 10, FetchedAt: time.Now()},
		Cached:     true,
		CacheLayer: "redis",
	}}
	s := newTestServer(scraper, &fakeSubmitter{}, &fakeJobs{})

	status, body, _ := doJSON(t, s, "POST", "/api/v1/scrape", `{"url":"https://example.com"}`)
	if status != 200 {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}
	if body["cached"] != true || body["cache_layer"] != "redis" {
		t.Fatalf("cache provenance missing: %v", body)
	}
	if body["title"] != "Example" {
		t.Fatalf("page fields missing: %v", body)
	}
}

func TestScrapeMissingURL(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})
	status, body, _ := doJSON(t, s, "POST", "/api/v1/scrape", `{}`)
	if status != 422 {
		t.Fatalf("expected 422, got %d", status)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "VALIDATION_ERROR" {
		t.Fatalf("unexpected code: %v", errBody)
	}
	if errBody["request_id"] == "" {
		t.Fatalf("request_id missing from envelope")
	}
}

func TestScrapeMalformedURL(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})
	status, body, _ := doJSON(t, s, "POST", "/api/v1/scrape", `{"url":"not-a-url"}`)
	if status != 422 {
		t.Fatalf("expected 422 for malformed url, got %d: %v", status, body)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "VALIDATION_ERROR" {
		t.Fatalf("malformed url is a request validation failure, got %v", errBody)
	}
}

func TestScrapeRangeValidation(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})

	cases := []string{
		`{"url":"https://example.com","timeout_s":61}`,
		`{"url":"https://example.com","timeout_s":-1}`,
		`{"url":"https://example.com","cache_ttl_s":90000}`,
		`{"url":"https://example.com","cache_ttl_s":-5}`,
	}
	for _, body := range cases {
		status, resp, _ := doJSON(t, s, "POST", "/api/v1/scrape", body)
		if status != 422 {
			t.Fatalf("expected 422 for %s, got %d: %v", body, status, resp)
		}
		errBody := resp["error"].(map[string]any)
		if errBody["code"] != "VALIDATION_ERROR" {
			t.Fatalf("unexpected code for %s: %v", body, errBody)
		}
	}
}

func TestMapRangeValidation(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})

	cases := []string{
		`{"url":"https://example.com","max_depth":6}`,
		`{"url":"https://example.com","max_depth":-1}`,
		`{"url":"https://example.com","max_pages":2000}`,
		`{"url":"https://example.com","concurrency":11}`,
	}
	for _, body := range cases {
		status, resp, _ := doJSON(t, s, "POST", "/api/v1/map", body)
		if status != 422 {
			t.Fatalf("expected 422 for %s, got %d: %v", body, status, resp)
		}
	}
}

func TestScrapeInvalidRenderMode(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})
	status, _, _ := doJSON(t, s, "POST", "/api/v1/scrape", `{"url":"https://example.com","render_mode":"sometimes"}`)
	if status != 422 {
		t.Fatalf("expected 422, got %d", status)
	}
}

func TestScrapeSSRFBlocked(t *testing.T) {
	scraper := &fakeScraper{err: apperr.New(apperr.CodeSSRFBlocked, "private address")}
	s := newTestServer(scraper, &fakeSubmitter{}, &fakeJobs{})

	status, body, _ := doJSON(t, s, "POST", "/api/v1/scrape", `{"url":"http://10.0.0.1/"}`)
	if status != 403 {
		t.Fatalf("expected 403, got %d", status)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "SSRF_BLOCKED" {
		t.Fatalf("unexpected code: %v", errBody)
	}
}

func TestScrapeTimeoutDegradesToJob(t *testing.T) {
	scraper := &fakeScraper{err: apperr.New(apperr.CodeFetchTimeout, "deadline exceeded")}
	s := newTestServer(scraper, &fakeSubmitter{}, &fakeJobs{})

	status, body, _ := doJSON(t, s, "POST", "/api/v1/scrape", `{"url":"https://slow.example.com","timeout_s":10}`)
	if status != 202 {
		t.Fatalf("expected 202 degradation, got %d: %v", status, body)
	}
	if body["job_id"] == "" {
		t.Fatalf("job_id missing: %v", body)
	}
}

func TestScrapeTimeoutSmallBudgetStays504(t *testing.T) {
	scraper := &fakeScraper{err: apperr.New(apperr.CodeFetchTimeout, "deadline exceeded")}
	s := newTestServer(scraper, &fakeSubmitter{}, &fakeJobs{})

	status, _, _ := doJSON(t, s, "POST", "/api/v1/scrape", `{"url":"https://slow.example.com","timeout_s":2}`)
	if status != 504 {
		t.Fatalf("expected 504, got %d", status)
	}
}

func TestMapCreateFresh(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})
	status, body, rec := doJSON(t, s, "POST", "/api/v1/map", `{"url":"https://example.com","max_depth":2}`)
	if status != 202 {
		t.Fatalf("expected 202, got %d: %v", status, body)
	}
	if body["job_id"] == "" {
		t.Fatalf("job_id missing: %v", body)
	}
	if rec.Header().Get("X-Idempotency-Hit") != "" {
		t.Fatalf("fresh submission must not carry the idempotency header")
	}
}

func TestMapCreateReplay(t *testing.T) {
	existing := &model.Job{ID: uuid.New(), APIKeyID: testKeyID, Type: model.JobTypeMap, Status: model.JobStatusRunning}
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{job: existing, replayed: true}, &fakeJobs{})

	status, _, rec := doJSON(t, s, "POST", "/api/v1/map", `{"url":"https://example.com"}`)
	if status != 200 {
		t.Fatalf("expected 200 replay, got %d", status)
	}
	if rec.Header().Get("X-Idempotency-Hit") != "true" {
		t.Fatalf("expected X-Idempotency-Hit header")
	}
}

func TestExtractCreateValidation(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})

	// Both url and job_id set.
	status, _, _ := doJSON(t, s, "POST", "/api/v1/agent/extract",
		`{"url":"https://example.com","job_id":"`+uuid.NewString()+`","prompt":"x"}`)
	if status != 422 {
		t.Fatalf("expected 422 for ambiguous source, got %d", status)
	}

	// Neither set.
	status, _, _ = doJSON(t, s, "POST", "/api/v1/agent/extract", `{"prompt":"x"}`)
	if status != 422 {
		t.Fatalf("expected 422 for missing source, got %d", status)
	}

	// Missing prompt.
	status, _, _ = doJSON(t, s, "POST", "/api/v1/agent/extract", `{"url":"https://example.com"}`)
	if status != 422 {
		t.Fatalf("expected 422 for missing prompt, got %d", status)
	}
}

func TestJobStatusNotOwned(t *testing.T) {
	other := &model.Job{ID: uuid.New(), APIKeyID: 999, Status: model.JobStatusRunning}
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{job: other})

	status, body, _ := doJSON(t, s, "GET", "/api/v1/jobs/"+other.ID.String(), "")
	if status != 404 {
		t.Fatalf("expected 404 for job owned by another key, got %d: %v", status, body)
	}
}

func TestJobResultsNotReady(t *testing.T) {
	job := &model.Job{ID: uuid.New(), APIKeyID: testKeyID, Type: model.JobTypeMap, Status: model.JobStatusRunning}
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{job: job})

	status, body, _ := doJSON(t, s, "GET", "/api/v1/jobs/"+job.ID.String()+"/results", "")
	if status != 400 {
		t.Fatalf("expected 400, got %d", status)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "JOB_NOT_READY" {
		t.Fatalf("unexpected code: %v", errBody)
	}
}

func TestKeyCreateRequiresAdminScope(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})

	status, body, _ := doJSON(t, s, "POST", "/api/v1/admin/keys", `{"name":"ci"}`)
	if status != 403 {
		t.Fatalf("expected 403 without admin scope, got %d: %v", status, body)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "FORBIDDEN" {
		t.Fatalf("unexpected code: %v", errBody)
	}
}

func TestKeyCreate(t *testing.T) {
	admin := &model.APIKey{ID: testKeyID, KeyHash: "hash", Scopes: []string{"admin"}, IsActive: true}
	s := newTestServerWithKey(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{}, admin)

	status, body, _ := doJSON(t, s, "POST", "/api/v1/admin/keys",
		`{"name":"ci","scopes":["scrape"],"rate_limit_per_minute":120}`)
	if status != 201 {
		t.Fatalf("expected 201, got %d: %v", status, body)
	}
	if body["key"] == "" || body["name"] != "ci" {
		t.Fatalf("unexpected response: %v", body)
	}
	if body["rate_limit_per_minute"] != float64(120) {
		t.Fatalf("rate limit not echoed: %v", body)
	}

	status, _, _ = doJSON(t, s, "POST", "/api/v1/admin/keys", `{}`)
	if status != 422 {
		t.Fatalf("expected 422 for missing name, got %d", status)
	}
}

func TestScrapeOptionForwarding(t *testing.T) {
	scraper := &fakeScraper{result: &services.ScrapeResult{
		Page: &model.Page{URL: "https://example.com", FetchedAt: time.Now()},
	}}
	s := newTestServer(scraper, &fakeSubmitter{}, &fakeJobs{})

	status, _, _ := doJSON(t, s, "POST", "/api/v1/scrape",
		`{"url":"https://example.com","respect_robots":false,"include_raw_html":true}`)
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	if scraper.gotOpts.RespectRobots == nil || *scraper.gotOpts.RespectRobots {
		t.Fatalf("respect_robots=false must reach the pipeline, got %+v", scraper.gotOpts)
	}
	if !scraper.gotOpts.IncludeRawHTML {
		t.Fatalf("include_raw_html must reach the pipeline")
	}
}

func TestScrapeResponseShaping(t *testing.T) {
	page := &model.Page{
		URL:           "https://example.com",
		RawHTML:       "<html><body>x</body></html>",
		InternalLinks: []string{"https://example.com/a"},
		ExternalLinks: []string{"https://other.org/"},
		FetchedAt:     time.Now(),
	}
	scraper := &fakeScraper{result: &services.ScrapeResult{Page: page}}
	s := newTestServer(scraper, &fakeSubmitter{}, &fakeJobs{})

	// Default: links in, raw html out.
	_, body, _ := doJSON(t, s, "POST", "/api/v1/scrape", `{"url":"https://example.com"}`)
	if _, ok := body["raw_html"]; ok {
		t.Fatalf("raw_html returned without include_raw_html: %v", body)
	}
	if body["internal_links"] == nil {
		t.Fatalf("links missing by default: %v", body)
	}

	// include_raw_html returns the stored markup.
	_, body, _ = doJSON(t, s, "POST", "/api/v1/scrape",
		`{"url":"https://example.com","include_raw_html":true}`)
	if body["raw_html"] != page.RawHTML {
		t.Fatalf("raw_html missing when requested: %v", body)
	}

	// include_links=false strips the link arrays.
	_, body, _ = doJSON(t, s, "POST", "/api/v1/scrape",
		`{"url":"https://example.com","include_links":false}`)
	if _, ok := body["internal_links"]; ok {
		t.Fatalf("links returned despite include_links=false: %v", body)
	}
}

func TestScopeEnforcement(t *testing.T) {
	mapOnly := &model.APIKey{ID: testKeyID, KeyHash: "hash", Scopes: []string{"map"}, IsActive: true}
	s := newTestServerWithKey(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{}, mapOnly)

	status, body, _ := doJSON(t, s, "POST", "/api/v1/scrape", `{"url":"https://example.com"}`)
	if status != 403 {
		t.Fatalf("map-only key must not scrape, got %d: %v", status, body)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "FORBIDDEN" {
		t.Fatalf("unexpected code: %v", errBody)
	}

	if status, _, _ = doJSON(t, s, "POST", "/api/v1/map", `{"url":"https://example.com"}`); status != 202 {
		t.Fatalf("map-only key must map, got %d", status)
	}

	scrapeOnly := &model.APIKey{ID: testKeyID, KeyHash: "hash", Scopes: []string{"scrape"}, IsActive: true}
	s = newTestServerWithKey(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{}, scrapeOnly)
	if status, _, _ = doJSON(t, s, "POST", "/api/v1/map", `{"url":"https://example.com"}`); status != 403 {
		t.Fatalf("scrape-only key must not map, got %d", status)
	}

	// Job status reads are open to any valid key.
	job := &model.Job{ID: uuid.New(), APIKeyID: testKeyID, Type: model.JobTypeMap, Status: model.JobStatusQueued}
	s = newTestServerWithKey(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{job: job}, scrapeOnly)
	if status, _, _ = doJSON(t, s, "GET", "/api/v1/jobs/"+job.ID.String(), ""); status != 200 {
		t.Fatalf("any scope may read its own jobs, got %d", status)
	}

	// Admin implies every scope.
	admin := &model.APIKey{ID: testKeyID, KeyHash: "hash", Scopes: []string{"admin"}, IsActive: true}
	scraper := &fakeScraper{result: &services.ScrapeResult{Page: &model.Page{URL: "https://example.com", FetchedAt: time.Now()}}}
	s = newTestServerWithKey(scraper, &fakeSubmitter{}, &fakeJobs{}, admin)
	if status, _, _ = doJSON(t, s, "POST", "/api/v1/scrape", `{"url":"https://example.com"}`); status != 200 {
		t.Fatalf("admin key must pass every scope gate, got %d", status)
	}
}

func TestSearchSynchronousResults(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})
	s.searcher = &fakeSearchProvider{results: []search.Result{
		{Title: "First", URL: "https://a.example", Snippet: "alpha", Position: 1},
		{Title: "Second", URL: "https://b.example", Snippet: "beta", Position: 2},
	}}

	status, body, _ := doJSON(t, s, "POST", "/api/v1/search", `{"query":"golang"}`)
	if status != 200 {
		t.Fatalf("search must answer synchronously with 200, got %d: %v", status, body)
	}
	if body["query"] != "golang" {
		t.Fatalf("query missing: %v", body)
	}
	results := body["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", body)
	}
	first := results[0].(map[string]any)
	if first["rank"] != float64(1) || first["url"] != "https://a.example" {
		t.Fatalf("unexpected result shape: %v", first)
	}
	if _, ok := body["job_id"]; ok {
		t.Fatalf("no job without scrape_top_n: %v", body)
	}
}

func TestSearchScrapeTopNQueuesJob(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})
	s.searcher = &fakeSearchProvider{results: []search.Result{
		{Title: "First", URL: "https://a.example", Position: 1},
	}}

	status, body, _ := doJSON(t, s, "POST", "/api/v1/search", `{"query":"golang","scrape_top_n":3}`)
	if status != 200 {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}
	if body["job_id"] == nil || body["job_id"] == "" {
		t.Fatalf("scrape_top_n must queue a job: %v", body)
	}
	if body["status"] != model.JobStatusQueued {
		t.Fatalf("job status missing: %v", body)
	}
}

func TestSearchValidation(t *testing.T) {
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, &fakeJobs{})

	for _, body := range []string{
		`{"query":""}`,
		`{"query":"x","num_results":25}`,
		`{"query":"x","scrape_top_n":11}`,
	} {
		status, _, _ := doJSON(t, s, "POST", "/api/v1/search", body)
		if status != 422 {
			t.Fatalf("expected 422 for %s, got %d", body, status)
		}
	}

	s.searcher = nil
	status, _, _ := doJSON(t, s, "POST", "/api/v1/search", `{"query":"x"}`)
	if status != 422 {
		t.Fatalf("unconfigured search must be a validation error, got %d", status)
	}
}

func TestJobResultsExtractionData(t *testing.T) {
	job := &model.Job{ID: uuid.New(), APIKeyID: testKeyID, Type: model.JobTypeAgentExtract, Status: model.JobStatusCompleted}
	jobs := &fakeJobs{
		job: job,
		extractions: []model.Extraction{{
			ID:    1,
			JobID: job.ID,
			Data:  json.RawMessage(`{"price":10,"name":"widget"}`),
		}},
	}
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, jobs)

	status, body, _ := doJSON(t, s, "GET", "/api/v1/jobs/"+job.ID.String()+"/results", "")
	if status != 200 {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}
	extractions := body["extractions"].([]any)
	data, ok := extractions[0].(map[string]any)["data"].(map[string]any)
	if !ok {
		t.Fatalf("extraction data must render as a JSON object, got %v", extractions[0])
	}
	if data["price"] != float64(10) || data["name"] != "widget" {
		t.Fatalf("unexpected extraction payload: %v", data)
	}
}

func TestJobResultsMapPages(t *testing.T) {
	job := &model.Job{ID: uuid.New(), APIKeyID: testKeyID, Type: model.JobTypeMap, Status: model.JobStatusCompleted}
	jobs := &fakeJobs{
		job:    job,
		pages:  []model.Page{{URL: "https://example.com", Title: "Root"}},
		depths: []int{0},
	}
	s := newTestServer(&fakeScraper{}, &fakeSubmitter{}, jobs)

	status, body, _ := doJSON(t, s, "GET", "/api/v1/jobs/"+job.ID.String()+"/results", "")
	if status != 200 {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}
	pages := body["pages"].([]any)
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %v", body)
	}
	first := pages[0].(map[string]any)
	if first["depth"] != float64(0) || first["title"] != "Root" {
		t.Fatalf("unexpected page shape: %v", first)
	}
}
