package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cube-engine/internal/api"
	"cube-engine/internal/cache"
	"cube-engine/internal/common"
	"cube-engine/internal/cube"
	"cube-engine/internal/storage/batch"
)

// Client talks to a cube-server over its HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	retryCount int
	backoff    time.Duration
}

// ClientConfig holds client configuration
type ClientConfig struct {
	BaseURL string
	// Token is sent as a bearer token when set
	Token      string
	Timeout    time.Duration
	RetryCount int
	Backoff    time.Duration
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:    "http://localhost:8080",
		Timeout:    30 * time.Second,
		RetryCount: 3,
		Backoff:    time.Second,
	}
}

// NewClient creates a new cube-server client
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		token:      config.Token,
		retryCount: config.RetryCount,
		backoff:    config.Backoff,
	}
}

// Query runs a structured or textual query
func (c *Client) Query(ctx context.Context, req *api.QueryRequest) (*api.QueryResponse, error) {
	var response api.QueryResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/query", req, &response); err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return &response, nil
}

// QueryText runs a query in its textual form
func (c *Client) QueryText(ctx context.Context, text string) (*api.QueryResponse, error) {
	return c.Query(ctx, &api.QueryRequest{Query: text})
}

// GetSchema describes the cube's fields
func (c *Client) GetSchema(ctx context.Context) (*cube.SchemaInfo, error) {
	var info cube.SchemaInfo
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/schema", nil, &info); err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	return &info, nil
}

// CacheStats returns the server's result cache counters
func (c *Client) CacheStats(ctx context.Context) (*cache.Stats, error) {
	var response CacheStatsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/cache/stats", nil, &response); err != nil {
		return nil, fmt.Errorf("failed to get cache stats: %w", err)
	}
	return &response.Stats, nil
}

// ConfigureCache changes the cache configuration. Nil fields are left alone.
func (c *Client) ConfigureCache(ctx context.Context, req *api.CacheRequest) (*cache.Stats, error) {
	var response CacheStatsResponse
	if err := c.doRequest(ctx, http.MethodPut, "/api/v1/cache", req, &response); err != nil {
		return nil, fmt.Errorf("failed to configure cache: %w", err)
	}
	return &response.Stats, nil
}

// ClearCache drops every cached result
func (c *Client) ClearCache(ctx context.Context) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/v1/cache", nil, nil); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// DeleteRows removes the rows matching predicate
func (c *Client) DeleteRows(ctx context.Context, predicate string) (*DeleteResult, error) {
	var result DeleteResult
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/rows/delete", &api.DeleteRequest{Predicate: predicate}, &result)
	if err != nil {
		return nil, fmt.Errorf("failed to delete rows: %w", err)
	}
	return &result, nil
}

// Consolidate merges the server's batches
func (c *Client) Consolidate(ctx context.Context) (*ConsolidateResult, error) {
	var result ConsolidateResult
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/consolidate", nil, &result); err != nil {
		return nil, fmt.Errorf("failed to consolidate: %w", err)
	}
	return &result, nil
}

// HistoryFilter narrows a history request. Zero fields are not sent.
type HistoryFilter struct {
	Epoch *uint64
	Since time.Time
	Until time.Time
}

func (f *HistoryFilter) query() string {
	if f == nil {
		return ""
	}
	v := url.Values{}
	if f.Epoch != nil {
		v.Set("epoch", strconv.FormatUint(*f.Epoch, 10))
	}
	if !f.Since.IsZero() {
		v.Set("since", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		v.Set("until", f.Until.UTC().Format(time.RFC3339Nano))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// History lists retained mutations, oldest first. A nil filter returns all
// of them.
func (c *Client) History(ctx context.Context, filter *HistoryFilter) (*HistoryResponse, error) {
	var response HistoryResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/history"+filter.query(), nil, &response); err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return &response, nil
}

// Health returns the server health report
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get health: %w", err)
	}
	return &status, nil
}

// doRequest sends one request, retrying transport failures only. API errors
// are returned as *APIError without retry.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var lastErr error

	for i := 0; i <= c.retryCount; i++ {
		req, err := c.createRequest(ctx, method, path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || !retryable(err) || i == c.retryCount {
				break
			}
			select {
			case <-time.After(time.Duration(i+1) * c.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		return decodeResponse(resp, result)
	}

	return fmt.Errorf("request failed after %d retries: %w", c.retryCount, lastErr)
}

func retryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func decodeResponse(resp *http.Response, result interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// createRequest creates an HTTP request
func (c *Client) createRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "cube-engine-client/1.0")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return req, nil
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Details    string `json:"details,omitempty"`
	Code       string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	if e.Code != "" {
		msg += " (code: " + e.Code + ")"
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Unwrap exposes the server's error kind so common.IsErrorCode works on
// client errors
func (e *APIError) Unwrap() error {
	code, ok := common.ParseErrorCode(e.Code)
	if !ok {
		return nil
	}
	return common.NewError(code, e.Details)
}

// CacheStatsResponse carries cache counters
type CacheStatsResponse struct {
	Stats   cache.Stats `json:"stats"`
	HitRate float64     `json:"hit_rate,omitempty"`
	Bytes   string      `json:"bytes,omitempty"`
}

// DeleteResult reports a row deletion
type DeleteResult struct {
	Deleted int64  `json:"deleted"`
	Epoch   uint64 `json:"epoch"`
	Rows    int64  `json:"rows"`
}

// ConsolidateResult reports a consolidation
type ConsolidateResult struct {
	BatchesBefore int    `json:"batches_before"`
	BatchesAfter  int    `json:"batches_after"`
	Epoch         uint64 `json:"epoch"`
}

// HistoryResponse lists mutations, oldest first
type HistoryResponse struct {
	Mutations []batch.MutationRecord `json:"mutations"`
	Stats     batch.HistoryStats     `json:"stats"`
}

// HealthStatus is the /health report
type HealthStatus struct {
	Status    string `json:"status"`
	Cube      string `json:"cube"`
	Epoch     uint64 `json:"epoch"`
	Rows      int64  `json:"rows"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}
