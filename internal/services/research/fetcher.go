package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/models"
	"golang.org/x/time/rate"
)

// FetchResult is a successfully retrieved HTML document
type FetchResult struct {
	URL         string // Final URL after redirects
	StatusCode  int
	ContentType string
	HTML        string
}

// Fetcher retrieves pages over plain HTTP with per-domain politeness.
// Auth walls, unsupported content types and timeouts come back as typed
// task errors so the action can map them onto job outcomes directly.
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	maxBody    int
	allowed    []string
	delay      time.Duration
	logger     arbor.ILogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewFetcher(config *common.FetcherConfig, logger arbor.ILogger) *Fetcher {
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(config.RequestTimeout); err == nil && d > 0 {
		timeout = d
	}
	delay := time.Second
	if d, err := time.ParseDuration(config.RequestDelay); err == nil && d >= 0 {
		delay = d
	}
	maxBody := config.MaxBodySize
	if maxBody <= 0 {
		maxBody = 10 * 1024 * 1024
	}

	return &Fetcher{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		userAgent: config.UserAgent,
		maxBody:   maxBody,
		allowed:   config.AllowedTypes,
		delay:     delay,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Fetch retrieves one URL. The per-domain limiter runs first so cancellation
// during the politeness wait costs nothing.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, models.InvalidParams("invalid fetch url %q", rawURL)
	}

	if err := f.limiterFor(parsed.Hostname()).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	started := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isTimeout(err) {
			return nil, models.NewTaskError(models.ErrTimeout,
				"fetch of %s timed out after %s", rawURL, f.httpClient.Timeout).WithCause(err)
		}
		return nil, fmt.Errorf("fetch of %s failed: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusPaymentRequired,
		resp.StatusCode == http.StatusProxyAuthRequired:
		return nil, models.NewTaskError(models.ErrAuthRequired,
			"fetch of %s requires authentication (status %d)", rawURL, resp.StatusCode).
			WithDetails(map[string]interface{}{
				"url":    rawURL,
				"status": resp.StatusCode,
			})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("fetch of %s returned status %d", rawURL, resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !f.contentTypeAllowed(contentType) {
		return nil, models.NewTaskError(models.ErrParserNotAvailable,
			"no parser for content type %q at %s", contentType, rawURL).
			WithDetails(map[string]interface{}{
				"url":          rawURL,
				"content_type": contentType,
			})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxBody)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read body of %s: %w", rawURL, err)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	f.logger.Debug().
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("duration", time.Since(started)).
		Msg("Page fetched")

	return &FetchResult{
		URL:         finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		HTML:        string(body),
	}, nil
}

func (f *Fetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	limiter, ok := f.limiters[host]
	if !ok {
		if f.delay <= 0 {
			limiter = rate.NewLimiter(rate.Inf, 1)
		} else {
			limiter = rate.NewLimiter(rate.Every(f.delay), 1)
		}
		f.limiters[host] = limiter
	}
	return limiter
}

func (f *Fetcher) contentTypeAllowed(contentType string) bool {
	if len(f.allowed) == 0 {
		return true
	}
	for _, allowed := range f.allowed {
		if strings.HasPrefix(contentType, allowed) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
