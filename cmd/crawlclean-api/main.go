package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"crawlclean/internal/browser"
	"crawlclean/internal/cache"
	"crawlclean/internal/config"
	"crawlclean/internal/fetch"
	server "crawlclean/internal/http"
	"crawlclean/internal/jobs"
	"crawlclean/internal/llm"
	"crawlclean/internal/migrate"
	"crawlclean/internal/model"
	"crawlclean/internal/robots"
	"crawlclean/internal/search"
	"crawlclean/internal/services"
	"crawlclean/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	// Run migrations on a short-lived connection.
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Shared *sql.DB with pooling for the Store.
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	st := store.New(db)

	if cfg.Auth.InitialAdminKey != "" {
		if _, err := st.EnsureAdminAPIKey(context.Background(), cfg.Auth.InitialAdminKey, "initial-admin"); err != nil {
			log.Fatalf("ensure admin api key failed: %v", err)
		}
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		rdb = redis.NewClient(opt)
	}

	scraper := buildScraper(cfg, st, rdb, logger)
	jobSvc := &services.JobService{Store: st}

	var provider search.Provider
	if p, err := search.NewProviderFromConfig(cfg); err == nil {
		provider = p
	} else {
		logger.Warn("search disabled", "reason", err)
	}

	rootCtx := context.Background()

	switch *role {
	case "api":
		runAPI(cfg, st, rdb, scraper, jobSvc, provider, logger)
	case "worker":
		startWorker(rootCtx, cfg, st, scraper, provider, logger)
		select {}
	case "all":
		startWorker(rootCtx, cfg, st, scraper, provider, logger)
		runAPI(cfg, st, rdb, scraper, jobSvc, provider, logger)
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}
}

// buildScraper assembles the fetch/extract/cache pipeline.
func buildScraper(cfg *config.Config, st *store.Store, rdb *redis.Client, logger *slog.Logger) *services.Scraper {
	httpFetcher, err := fetch.NewHTTPFetcher(
		time.Duration(cfg.Fetch.TimeoutMs)*time.Millisecond, cfg.Fetch.Proxy)
	if err != nil {
		log.Fatalf("http fetcher init failed: %v", err)
	}

	var browserFetcher fetch.Fetcher
	if cfg.Browser.Enabled {
		bf, err := browser.New(browser.Options{
			ControlURL: cfg.Browser.ControlURL,
			MaxPages:   cfg.Browser.MaxPages,
			Timeout:    time.Duration(cfg.Browser.TimeoutMs) * time.Millisecond,
			Stealth:    cfg.Browser.Stealth,
			Proxy:      cfg.Fetch.Proxy,
		})
		if err != nil {
			log.Fatalf("browser launch failed: %v", err)
		}
		browserFetcher = fetch.NewBrowserFetcher(bf)
	}

	router := &fetch.Router{HTTP: httpFetcher, Browser: browserFetcher}
	throttle := fetch.NewThrottle(rdb, cfg.Fetch.MaxPerDomain,
		time.Duration(cfg.Fetch.DomainDelayMs)*time.Millisecond)
	oracle := robots.NewOracle(&http.Client{Timeout: 5 * time.Second})
	pageCache := cache.New(rdb, st, time.Duration(cfg.Cache.HotTTLSeconds)*time.Second)

	return services.NewScraper(cfg, pageCache, oracle, throttle, router, logger)
}

// startWorker launches the job runner in its own goroutine.
func startWorker(ctx context.Context, cfg *config.Config, st *store.Store, scraper *services.Scraper, provider search.Provider, logger *slog.Logger) {
	executors := jobs.Executors{
		model.JobTypeMap: &services.MapExecutor{Store: st, Scraper: scraper, Logger: logger},
	}

	if llmClient, err := llm.NewClient(cfg); err == nil {
		executors[model.JobTypeAgentExtract] = &services.ExtractExecutor{
			Store: st, Scraper: scraper, LLM: llmClient, Logger: logger,
		}
	} else {
		logger.Warn("agent extract disabled", "reason", err)
	}

	if provider != nil {
		executors[model.JobTypeSearchScrape] = &services.SearchExecutor{
			Store: st, Scraper: scraper, Provider: provider,
			MaxResults: cfg.Search.MaxResults, Logger: logger,
		}
	} else {
		logger.Warn("search scrape disabled")
	}

	runner := jobs.NewRunner(cfg, st, executors, logger)
	go runner.Start(ctx)
}

func runAPI(cfg *config.Config, st *store.Store, rdb *redis.Client, scraper *services.Scraper, jobSvc *services.JobService, provider search.Provider, logger *slog.Logger) {
	s := server.NewServer(cfg, st, rdb, scraper, jobSvc, provider, logger)
	if err := s.Listen(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
