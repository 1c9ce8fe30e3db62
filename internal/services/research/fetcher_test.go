package research

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/models"
)

func newTestFetcher(config *common.FetcherConfig) *Fetcher {
	if config == nil {
		config = &common.FetcherConfig{
			UserAgent:      "indago-test",
			RequestTimeout: "5s",
			RequestDelay:   "0s",
			AllowedTypes:   []string{"text/html"},
		}
	}
	return NewFetcher(config, arbor.NewLogger())
}

func TestFetcher_ReturnsHTML(t *testing.T) {
	var gotUserAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body><p>hello</p></body></html>"))
	}))
	defer server.Close()

	fetcher := newTestFetcher(nil)
	result, err := fetcher.Fetch(context.Background(), server.URL+"/page")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Contains(t, result.ContentType, "text/html")
	assert.Contains(t, result.HTML, "hello")
	assert.Equal(t, server.URL+"/page", result.URL)
	assert.Equal(t, "indago-test", gotUserAgent)
}

func TestFetcher_AuthWallStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"unauthorized", http.StatusUnauthorized},
		{"forbidden", http.StatusForbidden},
		{"paywall", http.StatusPaymentRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			fetcher := newTestFetcher(nil)
			_, err := fetcher.Fetch(context.Background(), server.URL)
			require.Error(t, err)

			taskErr, ok := models.AsTaskError(err)
			require.True(t, ok)
			assert.Equal(t, models.ErrAuthRequired, taskErr.Code)
			assert.Equal(t, tt.status, taskErr.Details["status"])
		})
	}
}

func TestFetcher_RejectsUnsupportedContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	}))
	defer server.Close()

	fetcher := newTestFetcher(nil)
	_, err := fetcher.Fetch(context.Background(), server.URL)
	require.Error(t, err)

	taskErr, ok := models.AsTaskError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrParserNotAvailable, taskErr.Code)
	assert.Equal(t, "image/png", taskErr.Details["content_type"])
}

func TestFetcher_ServerErrorIsNotTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher := newTestFetcher(nil)
	_, err := fetcher.Fetch(context.Background(), server.URL)
	require.Error(t, err)

	_, ok := models.AsTaskError(err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "status 500")
}

func TestFetcher_CapsBodySize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(strings.Repeat("x", 8192)))
	}))
	defer server.Close()

	fetcher := newTestFetcher(&common.FetcherConfig{
		RequestTimeout: "5s",
		RequestDelay:   "0s",
		MaxBodySize:    1024,
		AllowedTypes:   []string{"text/html"},
	})

	result, err := fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Len(t, result.HTML, 1024)
}

func TestFetcher_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>moved here</body></html>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fetcher := newTestFetcher(nil)
	result, err := fetcher.Fetch(context.Background(), server.URL+"/old")
	require.NoError(t, err)

	assert.Equal(t, server.URL+"/new", result.URL)
	assert.Contains(t, result.HTML, "moved here")
}

func TestFetcher_InvalidURL(t *testing.T) {
	fetcher := newTestFetcher(nil)

	_, err := fetcher.Fetch(context.Background(), "not a url")
	require.Error(t, err)

	taskErr, ok := models.AsTaskError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrInvalidParams, taskErr.Code)
}

func TestFetcher_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := newTestFetcher(nil)
	_, err := fetcher.Fetch(ctx, server.URL)
	assert.ErrorIs(t, err, context.Canceled)
}
