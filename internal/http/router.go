package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"crawlclean/internal/config"
	"crawlclean/internal/metrics"
	"crawlclean/internal/model"
	"crawlclean/internal/ratelimit"
	"crawlclean/internal/search"
	"crawlclean/internal/services"
	"crawlclean/internal/store"
)

// scrapeService is the slice of the scrape orchestrator the handlers
// need, extracted so tests can stub the pipeline.
type scrapeService interface {
	Scrape(ctx context.Context, rawURL string, opts services.ScrapeOptions) (*services.ScrapeResult, error)
}

// jobSubmitter creates jobs with idempotent replay.
type jobSubmitter interface {
	Submit(ctx context.Context, apiKeyID int64, jobType model.JobType, params []byte, force bool) (*model.Job, bool, error)
}

// jobReader reads job state and results for the status endpoints.
type jobReader interface {
	GetJobForKey(ctx context.Context, id uuid.UUID, apiKeyID int64) (*model.Job, error)
	ListJobPages(ctx context.Context, jobID uuid.UUID) ([]model.Page, []int, error)
	GetExtractionsByJob(ctx context.Context, jobID uuid.UUID) ([]model.Extraction, error)
}

// keyMinter creates API keys for the admin endpoint.
type keyMinter interface {
	CreateRandomAPIKey(ctx context.Context, name string, scopes []string, rateLimitPerMinute int) (string, *model.APIKey, error)
}

type Server struct {
	app      *fiber.App
	cfg      *config.Config
	logger   *slog.Logger
	scraper  scrapeService
	submit   jobSubmitter
	jobs     jobReader
	keys     keyMinter
	searcher search.Provider
}

// NewServer wires middleware and routes. rdb may be nil, which
// disables rate limiting and the Redis health check. provider may be
// nil, which turns /search into a validation error.
func NewServer(cfg *config.Config, st *store.Store, rdb *redis.Client, scraper *services.Scraper, jobSvc *services.JobService, provider search.Provider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		scraper:  scraper,
		submit:   jobSvc,
		jobs:     st,
		keys:     st,
		searcher: provider,
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})
	app.Use(requestMiddleware(logger))

	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if err := st.DB.PingContext(ctx); err != nil {
			dbStatus = "error"
		}

		redisStatus := "disabled"
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		if dbStatus != "ok" || redisStatus == "error" {
			status = "error"
		}
		return c.JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"redis":  redisStatus,
		})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	authMw := authMiddleware(st)
	var rateMw fiber.Handler
	if rdb != nil {
		rateMw = rateLimitMiddleware(cfg, ratelimit.New(rdb))
	} else {
		rateMw = func(c *fiber.Ctx) error { return c.Next() }
	}

	v1 := app.Group("/api/v1", authMw, rateMw)
	s.registerRoutes(v1)

	s.app = app
	return s
}

// registerRoutes binds handlers behind their scopes: scrape covers
// single-page work and search, map covers crawls, jobs are readable
// with any valid key, admin mints credentials.
func (s *Server) registerRoutes(v1 fiber.Router) {
	v1.Post("/scrape", requireScope("scrape"), s.handleScrape)
	v1.Post("/map", requireScope("map"), s.handleMapCreate)
	v1.Get("/map/:id", requireScope("map"), s.handleMapStatus)
	v1.Post("/agent/extract", requireScope("scrape"), s.handleExtractCreate)
	v1.Post("/search", requireScope("scrape"), s.handleSearch)
	v1.Get("/search/results/:id", requireScope("scrape"), s.handleJobResults)
	v1.Get("/jobs/:id", s.handleJobStatus)
	v1.Get("/jobs/:id/results", s.handleJobResults)
	v1.Post("/admin/keys", requireScope("admin"), s.handleKeyCreate)
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
