package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Page is the durable record of a single extracted page. A page is
// keyed by the SHA-256 of its normalized URL, so repeated scrapes of
// the same logical URL update one row.
type Page struct {
	ID              int64     `json:"-"`
	URL             string    `json:"url"`
	URLHash         string    `json:"-"`
	CanonicalURL    string    `json:"canonical_url,omitempty"`
	Title           string    `json:"title,omitempty"`
	Description     string    `json:"description,omitempty"`
	Markdown        string    `json:"markdown,omitempty"`
	ContentHash     string    `json:"content_hash,omitempty"`
	InternalLinks   []string  `json:"internal_links,omitempty"`
	ExternalLinks   []string  `json:"external_links,omitempty"`
	RawHTML         string    `json:"raw_html,omitempty"`
	WordCount       int       `json:"word_count"`
	ReadTimeMinutes int       `json:"read_time_minutes"`
	PageCount       int       `json:"page_count,omitempty"`
	OgImage         string    `json:"og_image,omitempty"`
	FaviconURL      string    `json:"favicon_url,omitempty"`
	SiteName        string    `json:"site_name,omitempty"`
	Language        string    `json:"language,omitempty"`
	Author          string    `json:"author,omitempty"`
	PublishedAt     string    `json:"published_at,omitempty"`
	Renderer        string    `json:"renderer,omitempty"`
	StatusCode      int       `json:"status_code,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	FetchedAt       time.Time `json:"fetched_at"`
	CreatedAt       time.Time `json:"-"`
}

// JobType enumerates the asynchronous job kinds stored in jobs.type.
type JobType string

const (
	JobTypeMap          JobType = "map"
	JobTypeAgentExtract JobType = "agent_extract"
	JobTypeSearchScrape JobType = "search_scrape"
)

// Job lifecycle states stored in jobs.status.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job is a durable asynchronous task owned by an API key.
type Job struct {
	ID              uuid.UUID  `json:"job_id"`
	APIKeyID        int64      `json:"-"`
	Type            JobType    `json:"type"`
	Status          string     `json:"status"`
	Params          []byte     `json:"-"`
	IdempotencyKey  string     `json:"-"`
	Error           string     `json:"error,omitempty"`
	PagesDiscovered int        `json:"pages_discovered"`
	PagesTotal      int        `json:"pages_total"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// JobPage links a job to a page it discovered, at a BFS depth.
type JobPage struct {
	JobID     uuid.UUID `json:"-"`
	PageID    int64     `json:"-"`
	Depth     int       `json:"depth"`
	CreatedAt time.Time `json:"-"`
}

// Extraction stores one LLM extraction result for a job. Data is the
// raw JSONB payload; json.RawMessage keeps it rendering as an object
// instead of base64 bytes.
type Extraction struct {
	ID        int64           `json:"id"`
	JobID     uuid.UUID       `json:"job_id"`
	PageID    *int64          `json:"-"`
	Prompt    string          `json:"prompt,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// APIKey is an authentication credential. The raw key is never
// stored; only its SHA-256 hex digest.
type APIKey struct {
	ID                 int64
	KeyHash            string
	Name               string
	Scopes             []string
	RateLimitPerMinute int
	IsActive           bool
	CreatedAt          time.Time
	LastUsedAt         *time.Time
}
