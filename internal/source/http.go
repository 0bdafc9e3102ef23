package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
)

// HTTPConfig holds retry and connection settings for the HTTP provider
type HTTPConfig struct {
	MaxRetries     int
	RetryDelayBase time.Duration
}

// HTTPProvider downloads CSV exports over HTTP(S)
type HTTPProvider struct {
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// NewHTTPProvider creates a new HTTP provider
func NewHTTPProvider(timeout time.Duration, cfg HTTPConfig) *HTTPProvider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	return &HTTPProvider{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
	}
}

// Fetch implements Provider.
func (p *HTTPProvider) Fetch(ctx context.Context, sourceID string) (*RawTable, error) {
	resp, err := p.doRequest(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", sourceID, err)
	}
	defer resp.Body.Close()

	return ParseCSV(sourceID, resp.Body, delimiterFor(resp.Request.URL.Path))
}

// doRequest performs HTTP request with retry logic
func (p *HTTPProvider) doRequest(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < p.maxRetries; i++ {
		if i > 0 {
			delay := p.retryDelayBase * time.Duration(i)
			logger.Debug("Retrying %s in %v (attempt %d/%d)", url, delay, i+1, p.maxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/csv, text/plain, */*")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
