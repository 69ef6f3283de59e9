// Package airtable is a minimal client for the Airtable REST API covering
// what the pipeline needs: the webhooks API for push registration, the meta
// schema for id-to-name resolution, and record CRUD for actions.
package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.airtable.com"

// Client talks to one Airtable base.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	baseID     string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Used in tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(token, baseID string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    defaultBaseURL,
		token:      token,
		baseID:     baseID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from Airtable.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("airtable API error %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 APIError.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ── Records ─────────────────────────────────────────────────

// Record is one row of a table.
type Record struct {
	ID          string         `json:"id"`
	Fields      map[string]any `json:"fields"`
	CreatedTime time.Time      `json:"createdTime"`
}

func (c *Client) GetRecord(ctx context.Context, table, recordID string) (*Record, error) {
	var rec Record
	path := fmt.Sprintf("/v0/%s/%s/%s", c.baseID, table, recordID)
	if err := c.do(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) CreateRecord(ctx context.Context, table string, fields map[string]any) (*Record, error) {
	var rec Record
	path := fmt.Sprintf("/v0/%s/%s", c.baseID, table)
	in := map[string]any{"fields": fields}
	if err := c.do(ctx, http.MethodPost, path, in, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateRecord patches only the given fields, leaving the rest untouched.
func (c *Client) UpdateRecord(ctx context.Context, table, recordID string, fields map[string]any) (*Record, error) {
	var rec Record
	path := fmt.Sprintf("/v0/%s/%s/%s", c.baseID, table, recordID)
	in := map[string]any{"fields": fields}
	if err := c.do(ctx, http.MethodPatch, path, in, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
