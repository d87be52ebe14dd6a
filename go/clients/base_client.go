package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 64 << 10

// StatusError is returned for a non-2xx response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.Code, e.Body)
}

// BaseClient is a small HTTP client bound to one base URL.
type BaseClient struct {
	baseURL string
	client  *http.Client
	header  http.Header
}

type Option func(*BaseClient)

// WithTimeout bounds each request, including reading the body.
func WithTimeout(timeout time.Duration) Option {
	return func(c *BaseClient) { c.client.Timeout = timeout }
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *BaseClient) { c.header.Set(key, value) }
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *BaseClient) { c.client = hc }
}

func NewBaseClient(baseURL string, opts ...Option) *BaseClient {
	c := &BaseClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		header:  make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *BaseClient) BaseURL() string {
	return c.baseURL
}

// Do sends one request and returns at most maxResponseBytes of the body.
func (c *BaseClient) Do(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range c.header {
		req.Header[key] = values
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{URL: req.URL.String(), Code: resp.StatusCode, Body: string(snippet)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return data, nil
}

func (c *BaseClient) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, endpoint, nil)
}
