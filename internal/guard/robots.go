package guard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxRobotsBytes = 1 << 20

// robotsCache fetches robots.txt once per scheme+host and keeps the parsed
// result for the lifetime of the process. A nil entry allows everything.
type robotsCache struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	cache     sync.Map
	flight    singleflight.Group
}

func newRobotsCache(client *http.Client, userAgent string, logger *zap.Logger) *robotsCache {
	return &robotsCache{client: client, userAgent: userAgent, logger: logger}
}

func (r *robotsCache) allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		// no origin means no robots.txt to consult
		r.logger.Debug("robots check skipped for url without host", zap.String("url", rawURL))
		return true
	}
	group := r.group(ctx, parsed)
	if group == nil {
		return true
	}
	return group.Test(parsed.RequestURI())
}

func (r *robotsCache) group(ctx context.Context, parsed *url.URL) *robotstxt.Group {
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if v, ok := r.cache.Load(key); ok {
		return v.(*robotsEntry).group
	}
	v, _, _ := r.flight.Do(key, func() (any, error) {
		if v, ok := r.cache.Load(key); ok {
			return v, nil
		}
		entry := &robotsEntry{}
		data, err := r.fetch(ctx, key)
		if err != nil {
			r.logger.Warn("robots unavailable; allowing host", zap.String("host", parsed.Host), zap.Error(err))
			if ctx.Err() != nil {
				// caller gave up; try again on the next request
				return entry, nil
			}
		} else {
			entry.group = data.FindGroup(r.userAgent)
		}
		r.cache.Store(key, entry)
		return entry, nil
	})
	return v.(*robotsEntry).group
}

type robotsEntry struct {
	group *robotstxt.Group
}

func (r *robotsCache) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch robots: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
