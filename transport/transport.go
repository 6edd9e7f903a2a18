// Package transport defines the minimal HTTP read access the engine uses
// for reconciliation fetches and reachability probes. The full API client
// lives outside the engine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the server reports 404 for an endpoint.
var ErrNotFound = errors.New("transport: resource not found")

// Transport fetches authoritative data from the remote service.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Get must honor cancellation/deadlines.
// - Errors: non-2xx responses are errors; 404 maps to ErrNotFound.
type Transport interface {
	// Get fetches the resource at the endpoint and returns the response body.
	Get(ctx context.Context, endpoint string) ([]byte, error)
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	// BaseURL is prepended to every endpoint.
	BaseURL string

	// Timeout bounds each request.
	// Default: 10 seconds
	Timeout time.Duration

	// Client overrides the underlying HTTP client. Default: a client
	// using Timeout.
	Client *http.Client
}

// HTTPTransport is a Transport over net/http.
type HTTPTransport struct {
	base   string
	client *http.Client
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(config HTTPConfig) (*HTTPTransport, error) {
	if config.BaseURL == "" {
		return nil, errors.New("transport: base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("transport: invalid base URL: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &HTTPTransport{
		base:   strings.TrimSuffix(config.BaseURL, "/"),
		client: client,
	}, nil
}

// Get fetches the resource at the endpoint and returns the response body.
func (t *HTTPTransport) Get(ctx context.Context, endpoint string) ([]byte, error) {
	u := t.base + "/" + strings.TrimPrefix(endpoint, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transport: get %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read body: %w", err)
	}
	return body, nil
}

// Ensure HTTPTransport implements Transport
var _ Transport = (*HTTPTransport)(nil)
