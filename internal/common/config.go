package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Queue       QueueConfig   `toml:"queue"`
	Worker      WorkerConfig  `toml:"worker"`
	Crawler     CrawlerConfig `toml:"crawler"`
	Engines     EnginesConfig `toml:"engines"`
	Webhook     WebhookConfig `toml:"webhook"`
	Logging     LoggingConfig `toml:"logging"`
	Plans       PlansConfig   `toml:"plans"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type QueueConfig struct {
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "60s" - lease duration before redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max deliveries before a job is marked failed
	PollInterval      string `toml:"poll_interval"`      // e.g., "250ms" - worker poll cadence when idle
}

type WorkerConfig struct {
	Concurrency     int     `toml:"concurrency"`       // Number of concurrent scrape workers
	RenewInterval   string  `toml:"renew_interval"`    // Heartbeat cadence, default "15s"
	ExtensionTime   string  `toml:"extension_time"`    // Broker lease extension per heartbeat, default "60s"
	MaxCPUFraction  float64 `toml:"max_cpu_fraction"`  // Refuse new jobs above this CPU load (default 0.8)
	MaxMemFraction  float64 `toml:"max_mem_fraction"`  // Refuse new jobs above this memory use (default 0.8)
	AdmissionBackoff string `toml:"admission_backoff"` // Sleep between admission retries, default "1s"
}

// CrawlerConfig contains defaults applied to crawl requests
type CrawlerConfig struct {
	UserAgent      string        `toml:"user_agent"`      // User agent for sitemap/robots fetches and the fetch engine
	RequestTimeout time.Duration `toml:"request_timeout"` // HTTP request timeout for crawler-core fetches
	MaxBodySize    int           `toml:"max_body_size"`   // Maximum response body size in bytes
	MaxDepth       int           `toml:"max_depth"`       // Default maximum crawl depth
	MaxLimit       int           `toml:"max_limit"`       // Hard cap on pages per crawl
	IgnoreRobots   bool          `toml:"ignore_robots"`   // Skip robots.txt checks globally
}

// EnginesConfig controls which fetch engines are registered at startup
type EnginesConfig struct {
	FetchEnabled  bool          `toml:"fetch_enabled"`  // Plain HTTP fetch engine
	PDFEnabled    bool          `toml:"pdf_enabled"`    // PDF/DOCX parsing engine
	ScrapeTimeout time.Duration `toml:"scrape_timeout"` // Default overall scrape deadline (default 300s)
	TempDir       string        `toml:"temp_dir"`       // Scratch directory for PDF/DOCX downloads
	Browser       BrowserConfig `toml:"browser"`
}

// BrowserConfig configures the headless chromium engine
type BrowserConfig struct {
	Enabled   bool          `toml:"enabled"`    // Requires a local Chrome/Chromium binary
	NoSandbox bool          `toml:"no_sandbox"` // Needed inside most containers
	WaitTime  time.Duration `toml:"wait_time"`  // Default settle time after navigation
}

type WebhookConfig struct {
	Timeout      string  `toml:"timeout"`        // Delivery timeout, default "10s"
	RatePerSec   float64 `toml:"rate_per_sec"`   // Outbound deliveries per second, default 10
	Burst        int     `toml:"burst"`          // Limiter burst, default 5
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// PlansConfig allows overriding the built-in plan policy table.
// Zero values fall back to the defaults in models/plan.go.
type PlansConfig struct {
	Enterprise int `toml:"enterprise"` // Concurrency ceiling for enterprise/system tenants
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Queue: QueueConfig{
			QueueName:         "trawler_jobs",
			VisibilityTimeout: "60s",
			MaxReceive:        10,
			PollInterval:      "250ms",
		},
		Worker: WorkerConfig{
			Concurrency:      4,
			RenewInterval:    "15s",
			ExtensionTime:    "60s",
			MaxCPUFraction:   0.8,
			MaxMemFraction:   0.8,
			AdmissionBackoff: "1s",
		},
		Crawler: CrawlerConfig{
			UserAgent:      "Trawler/1.0 (+https://github.com/ternarybob/trawler)",
			RequestTimeout: 30 * time.Second,
			MaxBodySize:    10 * 1024 * 1024, // 10MB
			MaxDepth:       10,
			MaxLimit:       10000,
		},
		Engines: EnginesConfig{
			FetchEnabled:  true,
			PDFEnabled:    true,
			ScrapeTimeout: 300 * time.Second,
			TempDir:       os.TempDir(),
			Browser: BrowserConfig{
				Enabled:   false,
				NoSandbox: false,
				WaitTime:  3 * time.Second,
			},
		},
		Webhook: WebhookConfig{
			Timeout:    "10s",
			RatePerSec: 10,
			Burst:      5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TRAWLER_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("TRAWLER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("TRAWLER_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("TRAWLER_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if queueName := os.Getenv("TRAWLER_QUEUE_NAME"); queueName != "" {
		config.Queue.QueueName = queueName
	}
	if visibility := os.Getenv("TRAWLER_QUEUE_VISIBILITY_TIMEOUT"); visibility != "" {
		config.Queue.VisibilityTimeout = visibility
	}
	if maxReceive := os.Getenv("TRAWLER_QUEUE_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Queue.MaxReceive = mr
		}
	}

	if concurrency := os.Getenv("TRAWLER_WORKER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Worker.Concurrency = c
		}
	}

	if userAgent := os.Getenv("TRAWLER_CRAWLER_USER_AGENT"); userAgent != "" {
		config.Crawler.UserAgent = userAgent
	}
	if timeout := os.Getenv("TRAWLER_CRAWLER_REQUEST_TIMEOUT"); timeout != "" {
		if rt, err := time.ParseDuration(timeout); err == nil {
			config.Crawler.RequestTimeout = rt
		}
	}

	if level := os.Getenv("TRAWLER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ParseDurationOr parses a duration string, falling back to def on error or empty input
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
