// Package guard implements the politeness and resource arbiter consulted
// before every fetch: domain allow-list, sliding-window rate limits, a
// CPU/memory ceiling and a robots.txt cache.
package guard

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-crawler/internal/config"
	"github.com/JakeFAU/knowledge-crawler/internal/crawler"
	"github.com/JakeFAU/knowledge-crawler/internal/metrics"
)

// Rejection tags written to the guard log.
const (
	TagBlockedDomain = "BLOCKED_DOMAIN"
	TagRateLimit     = "RATE_LIMIT"
	TagResources     = "RESOURCES"
	TagRobotsBlock   = "ROBOTS_BLOCK"
)

const sampleTimeout = 2 * time.Second

// Options configures a Guard.
type Options struct {
	AllowedDomains       []string
	DomainLimitPerMinute int
	GlobalLimitPerMinute int
	MaxCPUPercent        float64
	MaxMemoryMB          int
	RespectRobots        bool
	UserAgent            string
	RobotsTimeout        time.Duration
}

// OptionsFromConfig maps service configuration onto guard options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		AllowedDomains:       cfg.Crawler.AllowedDomains,
		DomainLimitPerMinute: cfg.Limits.RateLimitPerMinute,
		GlobalLimitPerMinute: cfg.Limits.GlobalRateLimitPerMinute,
		MaxCPUPercent:        cfg.Limits.MaxCPUPercent,
		MaxMemoryMB:          cfg.Limits.MaxMemoryMB,
		RespectRobots:        cfg.Crawler.RespectRobots,
		UserAgent:            cfg.Crawler.UserAgent,
		RobotsTimeout:        cfg.Crawler.RequestTimeout(),
	}
}

// Guard is safe for concurrent use by all workers.
type Guard struct {
	allowed  []string
	limiter  *slidingWindow
	sampler  ResourceSampler
	maxCPU   float64
	maxMemMB float64
	robots   *robotsCache
	guardLog *zap.Logger
	logger   *zap.Logger
}

var _ crawler.Guard = (*Guard)(nil)

// New builds a Guard. guardLog receives one entry per rejection and logger
// is the service log. With a nil sampler every resource check fails closed.
func New(opts Options, sampler ResourceSampler, guardLog, logger *zap.Logger) *Guard {
	if guardLog == nil {
		guardLog = zap.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make([]string, 0, len(opts.AllowedDomains))
	for _, d := range opts.AllowedDomains {
		if d = crawler.NormalizeHost(d); d != "" {
			allowed = append(allowed, d)
		}
	}
	g := &Guard{
		allowed:  allowed,
		limiter:  newSlidingWindow(time.Minute, opts.GlobalLimitPerMinute, opts.DomainLimitPerMinute, time.Now),
		sampler:  sampler,
		maxCPU:   opts.MaxCPUPercent,
		maxMemMB: float64(opts.MaxMemoryMB),
		guardLog: guardLog,
		logger:   logger,
	}
	if opts.RespectRobots {
		timeout := opts.RobotsTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		g.robots = newRobotsCache(&http.Client{Timeout: timeout}, opts.UserAgent, logger)
	}
	return g
}

// CheckDomain reports whether the URL's host is allow-listed. An empty
// allow-list admits every host; an entry admits itself and its subdomains.
func (g *Guard) CheckDomain(rawURL string) bool {
	if len(g.allowed) == 0 {
		return true
	}
	host := crawler.HostOf(rawURL)
	if host != "" {
		for _, d := range g.allowed {
			if host == d || strings.HasSuffix(host, "."+d) {
				return true
			}
		}
	}
	g.reject(TagBlockedDomain, "domain not allowed: "+host)
	return false
}

// CheckRateLimit records one request for domain if neither the global nor
// the per-domain window is full.
func (g *Guard) CheckRateLimit(domain string) bool {
	domain = crawler.NormalizeHost(domain)
	ok, scope := g.limiter.allow(domain)
	if !ok {
		g.reject(TagRateLimit, "rate limit reached for "+scope)
	}
	return ok
}

// CheckResources samples CPU and memory and fails closed when sampling fails.
func (g *Guard) CheckResources() bool {
	if g.sampler == nil {
		g.reject(TagResources, "no resource sampler configured")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()

	usage, err := g.sampler.Sample(ctx)
	if err != nil {
		g.logger.Warn("resource sampling failed", zap.Error(err))
		g.reject(TagResources, "sampling failed: "+err.Error())
		return false
	}
	if usage.CPUPercent > g.maxCPU {
		g.reject(TagResources, "cpu "+formatFloat(usage.CPUPercent)+"% exceeds "+formatFloat(g.maxCPU)+"%")
		return false
	}
	if usage.MemoryUsedMB > g.maxMemMB {
		g.reject(TagResources, "memory "+formatFloat(usage.MemoryUsedMB)+"MB exceeds "+formatFloat(g.maxMemMB)+"MB")
		return false
	}
	return true
}

// AllowedByRobots evaluates robots.txt for the URL. It always allows when
// robots compliance is disabled.
func (g *Guard) AllowedByRobots(ctx context.Context, rawURL string) bool {
	if g.robots == nil {
		return true
	}
	if g.robots.allowed(ctx, rawURL) {
		return true
	}
	g.reject(TagRobotsBlock, "robots.txt disallows "+rawURL)
	return false
}

func (g *Guard) reject(tag, detail string) {
	g.guardLog.Info("guard rejection", zap.String("tag", tag), zap.String("detail", detail))
	g.logger.Debug("guard rejection", zap.String("tag", tag), zap.String("detail", detail))
	metrics.ObserveGuardRejection(tag)
}
