// Package fetcher provides the built-in HTTP refresh callback and the
// connectivity probe feeding network state into the scheduler.
package fetcher

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/refreshd/refreshd/internal/config"
	"github.com/refreshd/refreshd/internal/logger"
	"github.com/refreshd/refreshd/internal/scheduler"
	"github.com/refreshd/refreshd/internal/sources"
)

// HTTPStatusError reports a non-success status code from the source.
type HTTPStatusError struct {
	SourceID   string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("source %s: unexpected status %d", e.SourceID, e.StatusCode)
}

// Temporary reports whether the status suggests a server-side condition
// that may clear on its own.
func (e *HTTPStatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Resolver maps a source id to its fetch definition. The sources
// watcher satisfies this.
type Resolver interface {
	Lookup(sourceID string) (sources.Definition, bool)
}

// Fetcher performs HTTP GETs for refresh requests.
type Fetcher struct {
	client   *resty.Client
	resolver Resolver
}

// New builds a fetcher with the configured transport settings.
func New(cfg config.Fetch, resolver Resolver) *Fetcher {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("User-Agent", cfg.UserAgent)
	return &Fetcher{client: client, resolver: resolver}
}

// Refresh fetches the source's URL once. It is the manager's refresh
// callback. The body is discarded; a source is fresh when the fetch
// completes with a 2xx status.
func (f *Fetcher) Refresh(ctx context.Context, sourceID string, reason scheduler.Reason) error {
	def, ok := f.resolver.Lookup(sourceID)
	if !ok {
		return fmt.Errorf("source %s: no definition", sourceID)
	}
	if def.URL == "" {
		logger.Debug(ctx, "source has no url, nothing to fetch", "source", sourceID)
		return nil
	}

	logger.Debug(ctx, "fetching source", "source", sourceID, "url", def.URL, "reason", string(reason))

	resp, err := f.client.R().SetContext(ctx).Get(def.URL)
	if err != nil {
		return fmt.Errorf("source %s: %w", sourceID, err)
	}
	if resp.IsError() {
		return &HTTPStatusError{SourceID: sourceID, StatusCode: resp.StatusCode()}
	}

	logger.Info(ctx, "source refreshed",
		"source", sourceID, "status", resp.StatusCode(), "elapsed", resp.Time().String())
	return nil
}
