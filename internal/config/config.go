// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HardMaxDepth is the absolute ceiling on per-job crawl depth.
const HardMaxDepth = 5

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Storage StorageConfig `mapstructure:"storage"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StorageConfig points at the SQLite database file.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// CrawlerConfig governs the worker pool and per-job ceilings.
type CrawlerConfig struct {
	Workers               int      `mapstructure:"workers"`
	UserAgent             string   `mapstructure:"user_agent"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	MaxPagesPerJob        int      `mapstructure:"max_pages_per_job"`
	MaxDepth              int      `mapstructure:"max_depth"`
	DefaultMaxPages       int      `mapstructure:"default_max_pages"`
	DefaultMaxDepth       int      `mapstructure:"default_max_depth"`
	RespectRobots         bool     `mapstructure:"respect_robots"`
	AllowedDomains        []string `mapstructure:"allowed_domains"`
	PollIntervalMs        int      `mapstructure:"poll_interval_ms"`
	BackoffMs             int      `mapstructure:"backoff_ms"`
	MaxPageBytes          int      `mapstructure:"max_page_bytes"`
	StopTimeoutSeconds    int      `mapstructure:"stop_timeout_seconds"`
	ResumeOnStart         bool     `mapstructure:"resume_on_start"`
}

// LimitsConfig holds rate and resource ceilings enforced by the guard.
type LimitsConfig struct {
	RateLimitPerMinute       int     `mapstructure:"rate_limit_per_minute"`
	GlobalRateLimitPerMinute int     `mapstructure:"global_rate_limit_per_minute"`
	MaxCPUPercent            float64 `mapstructure:"max_cpu_percent"`
	MaxMemoryMB              int     `mapstructure:"max_memory_mb"`
}

// LoggingConfig toggles zap development features and the guard log sink.
type LoggingConfig struct {
	Development bool           `mapstructure:"development"`
	GuardLog    GuardLogConfig `mapstructure:"guard_log"`
}

// GuardLogConfig configures the rotating guard rejection log.
type GuardLogConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Crawler.AllowedDomains = normalizeDomains(cfg.Crawler.AllowedDomains)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("storage.db_path", "data/crawler.db")
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.user_agent", "knowledge-crawler/0.1 (+https://github.com/JakeFAU/knowledge-crawler)")
	v.SetDefault("crawler.request_timeout_seconds", 15)
	v.SetDefault("crawler.max_pages_per_job", 200)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.default_max_pages", 50)
	v.SetDefault("crawler.default_max_depth", 2)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.allowed_domains", []string{})
	v.SetDefault("crawler.poll_interval_ms", 500)
	v.SetDefault("crawler.backoff_ms", 1000)
	v.SetDefault("crawler.max_page_bytes", 5*1024*1024)
	v.SetDefault("crawler.stop_timeout_seconds", 10)
	v.SetDefault("crawler.resume_on_start", true)
	v.SetDefault("limits.rate_limit_per_minute", 30)
	v.SetDefault("limits.global_rate_limit_per_minute", 240)
	v.SetDefault("limits.max_cpu_percent", 90.0)
	v.SetDefault("limits.max_memory_mb", 4096)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.guard_log.path", "data/guard.log")
	v.SetDefault("logging.guard_log.max_size_mb", 50)
	v.SetDefault("logging.guard_log.max_backups", 5)
	v.SetDefault("logging.guard_log.max_age_days", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path must be set")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Crawler.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.request_timeout_seconds must be > 0")
	}
	if c.Crawler.MaxPagesPerJob <= 0 {
		return fmt.Errorf("crawler.max_pages_per_job must be > 0")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.DefaultMaxPages <= 0 {
		return fmt.Errorf("crawler.default_max_pages must be > 0")
	}
	if c.Crawler.DefaultMaxDepth < 0 {
		return fmt.Errorf("crawler.default_max_depth must be >= 0")
	}
	if c.Crawler.PollIntervalMs <= 0 {
		return fmt.Errorf("crawler.poll_interval_ms must be > 0")
	}
	if c.Crawler.BackoffMs < 0 {
		return fmt.Errorf("crawler.backoff_ms must be >= 0")
	}
	if c.Crawler.MaxPageBytes <= 0 {
		return fmt.Errorf("crawler.max_page_bytes must be > 0")
	}
	if c.Crawler.StopTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.stop_timeout_seconds must be > 0")
	}
	if c.Limits.RateLimitPerMinute <= 0 {
		return fmt.Errorf("limits.rate_limit_per_minute must be > 0")
	}
	if c.Limits.GlobalRateLimitPerMinute <= 0 {
		return fmt.Errorf("limits.global_rate_limit_per_minute must be > 0")
	}
	if c.Limits.MaxCPUPercent <= 0 || c.Limits.MaxCPUPercent > 100 {
		return fmt.Errorf("limits.max_cpu_percent must be in (0, 100]")
	}
	if c.Limits.MaxMemoryMB <= 0 {
		return fmt.Errorf("limits.max_memory_mb must be > 0")
	}
	return nil
}

// ClampMaxPages applies the per-job page ceiling to a requested value.
// A nil request falls back to the configured default.
func (c CrawlerConfig) ClampMaxPages(requested *int) int {
	n := c.DefaultMaxPages
	if requested != nil {
		n = *requested
	}
	if n < 1 {
		n = 1
	}
	if n > c.MaxPagesPerJob {
		n = c.MaxPagesPerJob
	}
	return n
}

// ClampMaxDepth applies 0 <= depth <= min(HardMaxDepth, MaxDepth).
func (c CrawlerConfig) ClampMaxDepth(requested *int) int {
	ceiling := min(HardMaxDepth, c.MaxDepth)
	n := c.DefaultMaxDepth
	if requested != nil {
		n = *requested
	}
	return max(0, min(n, ceiling))
}

// RequestTimeout converts the configured timeout into a duration.
func (c CrawlerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// PollInterval is how long a worker waits on an empty frontier.
func (c CrawlerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Backoff is the sleep before a throttled item is requeued.
func (c CrawlerConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMs) * time.Millisecond
}

// StopTimeout bounds how long Stop waits for workers to exit.
func (c CrawlerConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

func normalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, d := range in {
		// env overrides arrive as a single comma-separated string
		for _, part := range strings.Split(d, ",") {
			part = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(part)), "www.")
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}
