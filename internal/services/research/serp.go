package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/models"
)

// errEnginesBlocked marks a provider refusal that maps to ALL_ENGINES_BLOCKED
// rather than the generic SERP failure
var errEnginesBlocked = errors.New("all search engines refused the query")

// HTTPSearchProvider queries an external SERP endpoint. The endpoint takes
// q and limit parameters and answers {"results": [{title, url, snippet,
// engine}]}.
type HTTPSearchProvider struct {
	endpoint   string
	httpClient *http.Client
	logger     arbor.ILogger
}

func NewHTTPSearchProvider(config *common.SearchConfig, logger arbor.ILogger) *HTTPSearchProvider {
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(config.RequestTimeout); err == nil && d > 0 {
		timeout = d
	}

	return &HTTPSearchProvider{
		endpoint: config.Endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type serpResponse struct {
	Results []models.SerpResult `json:"results"`
}

func (p *HTTPSearchProvider) Search(ctx context.Context, query string, limit int) ([]models.SerpResult, error) {
	if p.endpoint == "" {
		return nil, errors.New("no search provider endpoint configured")
	}

	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	requestURL := fmt.Sprintf("%s?%s", p.endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call search provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("search provider refused %q: %w", query, errEnginesBlocked)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed serpResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	p.logger.Debug().
		Str("query", query).
		Int("results", len(parsed.Results)).
		Msg("Search provider responded")

	return parsed.Results, nil
}
