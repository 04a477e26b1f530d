package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type FetchConfig struct {
	UserAgent     string `yaml:"userAgent"`
	TimeoutMs     int    `yaml:"timeoutMs"`
	Proxy         string `yaml:"proxy"`
	DomainDelayMs int    `yaml:"domainDelayMs"`
	MaxPerDomain  int    `yaml:"maxPerDomain"`
}

type BrowserConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ControlURL string `yaml:"controlURL"`
	MaxPages   int    `yaml:"maxPages"`
	TimeoutMs  int    `yaml:"timeoutMs"`
	Stealth    bool   `yaml:"stealth"`
}

type RobotsConfig struct {
	Respect bool `yaml:"respect"`
}

type CacheConfig struct {
	HotTTLSeconds     int `yaml:"hotTTLSeconds"`
	DefaultTTLSeconds int `yaml:"defaultTTLSeconds"`
	MaxTTLSeconds     int `yaml:"maxTTLSeconds"`
}

type AuthConfig struct {
	InitialAdminKey string `yaml:"initialAdminKey"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

type CrawlerConfig struct {
	MaxDepthDefault       int `yaml:"maxDepthDefault"`
	MaxPagesDefault       int `yaml:"maxPagesDefault"`
	MaxConcurrencyDefault int `yaml:"maxConcurrencyDefault"`
}

type WorkerConfig struct {
	MaxConcurrentJobs int `yaml:"maxConcurrentJobs"`
	PollIntervalMs    int `yaml:"pollIntervalMs"`
	JobTimeoutSeconds int `yaml:"jobTimeoutSeconds"`
}

type GeminiConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

type LLMConfig struct {
	Gemini GeminiConfig `yaml:"gemini"`
}

// SerperConfig holds provider configuration for Serper.dev search.
type SerperConfig struct {
	APIKey    string `yaml:"apiKey"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

// SearchConfig controls the /api/v1/search endpoint and its provider.
type SearchConfig struct {
	Enabled    bool         `yaml:"enabled"`
	MaxResults int          `yaml:"maxResults"`
	Serper     SerperConfig `yaml:"serper"`
}

// RetentionConfig controls TTL-like deletion of finished jobs so the
// database does not grow without bound over time.
type RetentionConfig struct {
	Enabled              bool `yaml:"enabled"`
	CleanupIntervalHours int  `yaml:"cleanupIntervalHours"`
	JobDays              int  `yaml:"jobDays"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Browser   BrowserConfig   `yaml:"browser"`
	Robots    RobotsConfig    `yaml:"robots"`
	Cache     CacheConfig     `yaml:"cache"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Worker    WorkerConfig    `yaml:"worker"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Retention RetentionConfig `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg
}

// applyEnv lets secrets come from the environment instead of the
// config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.Gemini.APIKey = v
	}
	if v := os.Getenv("SERPER_API_KEY"); v != "" {
		c.Search.Serper.APIKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "crawlclean/1.0"
	}
	if c.Fetch.TimeoutMs <= 0 {
		c.Fetch.TimeoutMs = 30000
	}
	if c.Fetch.MaxPerDomain <= 0 {
		c.Fetch.MaxPerDomain = 3
	}
	if c.Browser.MaxPages <= 0 {
		c.Browser.MaxPages = 3
	}
	if c.Browser.TimeoutMs <= 0 {
		c.Browser.TimeoutMs = 30000
	}
	if c.Cache.HotTTLSeconds <= 0 {
		c.Cache.HotTTLSeconds = 600
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		c.Cache.DefaultTTLSeconds = 3600
	}
	if c.Cache.MaxTTLSeconds <= 0 {
		c.Cache.MaxTTLSeconds = 86400
	}
	if c.RateLimit.DefaultPerMinute <= 0 {
		c.RateLimit.DefaultPerMinute = 60
	}
	if c.Crawler.MaxDepthDefault <= 0 {
		c.Crawler.MaxDepthDefault = 2
	}
	if c.Crawler.MaxPagesDefault <= 0 {
		c.Crawler.MaxPagesDefault = 100
	}
	if c.Crawler.MaxConcurrencyDefault <= 0 {
		c.Crawler.MaxConcurrencyDefault = 3
	}
	if c.Worker.MaxConcurrentJobs <= 0 {
		c.Worker.MaxConcurrentJobs = 4
	}
	if c.Worker.PollIntervalMs <= 0 {
		c.Worker.PollIntervalMs = 2000
	}
	if c.Worker.JobTimeoutSeconds <= 0 {
		c.Worker.JobTimeoutSeconds = 300
	}
	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = 5
	}
	if c.LLM.Gemini.Model == "" {
		c.LLM.Gemini.Model = "gemini-2.0-flash"
	}
	if c.Retention.CleanupIntervalHours <= 0 {
		c.Retention.CleanupIntervalHours = 24
	}
	if c.Retention.JobDays <= 0 {
		c.Retention.JobDays = 30
	}
}
