// Package httputil provides HTTP helpers shared by the API server and the
// clients for external providers (AI, Yappy, e-mail).
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	maxResponseBytes  = 8 << 20
	maxErrorBodyBytes = 64 << 10
)

// APIClient is a small JSON client for third-party HTTP APIs. Requests that
// fail with 429 or 5xx are retried with exponential backoff.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
	maxRetries int
	backoff    time.Duration
}

// APIClientConfig configures an APIClient.
type APIClientConfig struct {
	BaseURL    string
	Headers    map[string]string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
}

// StatusError is returned when the remote API answers with an error status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// NewAPIClient creates an APIClient with defaults for unset fields.
func NewAPIClient(cfg APIClientConfig) *APIClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &APIClient{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		headers:    headers,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Do sends a JSON request and returns the raw response body.
func (c *APIClient) Do(ctx context.Context, method, path string, body interface{}, extra map[string]string) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		respBody, retry, err := c.once(ctx, method, path, payload, extra)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, lastErr
}

// DoJSON sends a JSON request and decodes the response into target.
func (c *APIClient) DoJSON(ctx context.Context, method, path string, body, target interface{}) error {
	raw, err := c.Do(ctx, method, path, body, nil)
	if err != nil {
		return err
	}
	if target == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *APIClient) once(ctx context.Context, method, path string, payload []byte, extra map[string]string) ([]byte, bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, readErr := ReadAllWithLimit(resp.Body, maxErrorBodyBytes)
		if readErr != nil {
			return nil, false, fmt.Errorf("read error response body: %w", readErr)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retry, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	body, err := ReadAllStrict(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, false, fmt.Errorf("read response body: %w", err)
	}
	return body, false, nil
}

// ReadAllWithLimit reads at most limit bytes and reports whether the body was
// longer than that.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads the body and fails if it exceeds limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}
