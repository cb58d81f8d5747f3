package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultBaseURL is the Notion API host
	DefaultBaseURL = "https://api.notion.com"

	// notionVersion is the API version header sent with every request
	notionVersion = "2022-06-28"

	// DefaultTimeout is the default request timeout
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum response body size (10MB)
	MaxResponseSize = 10 * 1024 * 1024

	// pageSize is the page size requested from the query endpoint
	pageSize = 100
)

// ErrUpstream is the single error kind for any Notion transport/auth failure.
var ErrUpstream = errors.New("notion api unavailable")

// Row is one row of a Notion database as returned by the query endpoint.
type Row struct {
	ID             string              `json:"id"`
	LastEditedTime time.Time           `json:"last_edited_time"`
	Properties     map[string]Property `json:"properties"`
}

// API is the surface of the Notion client the cache service consumes.
type API interface {
	// QueryTable drains every page of the database query. When after is
	// non-nil only rows edited strictly after it are requested.
	QueryTable(ctx context.Context, tableID string, after *time.Time) ([]Row, error)
	// RetrieveSchema returns the attribute name to upstream type tag map.
	RetrieveSchema(ctx context.Context, tableID string) (map[string]string, error)
}

// ClientFactory builds a client scoped to one integration token. The cache
// service takes a factory so no process-wide client exists; each sync gets a
// handle scoped to the current table's credential.
type ClientFactory func(token string) API

// Config holds Notion client configuration
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// DefaultConfig returns default Notion client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		Timeout:         DefaultTimeout,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Client calls the Notion REST API with one integration token.
type Client struct {
	client  *http.Client
	baseURL string
	token   string
	logger  ectologger.Logger
}

// NewClient creates a new Notion client for the given token.
func NewClient(token string, cfg Config, logger ectologger.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		baseURL: baseURL,
		token:   token,
		logger:  logger,
	}
}

// NewFactory returns a ClientFactory using the given configuration.
func NewFactory(cfg Config, logger ectologger.Logger) ClientFactory {
	return func(token string) API {
		return NewClient(token, cfg, logger)
	}
}

type queryRequest struct {
	PageSize    int            `json:"page_size"`
	StartCursor string         `json:"start_cursor,omitempty"`
	Filter      map[string]any `json:"filter,omitempty"`
}

type queryResponse struct {
	Results    []Row   `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
}

// QueryTable drains all pages of the database query, in page order.
func (c *Client) QueryTable(ctx context.Context, tableID string, after *time.Time) ([]Row, error) {
	ctx, span := tracing.StartSpan(ctx, "notion.Client.QueryTable")
	defer span.End()

	var filter map[string]any
	if after != nil {
		filter = map[string]any{
			"timestamp": "last_edited_time",
			"last_edited_time": map[string]any{
				"after": after.UTC().Format(time.RFC3339),
			},
		}
	}

	var rows []Row
	cursor := ""
	for {
		req := queryRequest{
			PageSize:    pageSize,
			StartCursor: cursor,
			Filter:      filter,
		}

		var page queryResponse
		if err := c.post(ctx, fmt.Sprintf("/v1/databases/%s/query", tableID), req, &page); err != nil {
			return nil, err
		}

		rows = append(rows, page.Results...)

		if !page.HasMore || page.NextCursor == nil {
			return rows, nil
		}
		cursor = *page.NextCursor
	}
}

type retrieveResponse struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
}

// RetrieveSchema reads the database definition, for cold-cache schema
// introspection.
func (c *Client) RetrieveSchema(ctx context.Context, tableID string) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "notion.Client.RetrieveSchema")
	defer span.End()

	var resp retrieveResponse
	if err := c.get(ctx, fmt.Sprintf("/v1/databases/%s", tableID), &resp); err != nil {
		return nil, err
	}

	schema := make(map[string]string, len(resp.Properties))
	for name, prop := range resp.Properties {
		schema[name] = prop.Type
	}
	return schema, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", notionVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithContext(req.Context()).WithError(err).Errorf("Notion request failed: %s %s", req.Method, req.URL.Path)
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", ErrUpstream, err)
	}
	if len(body) > MaxResponseSize {
		return fmt.Errorf("%w: response body too large (max %d bytes)", ErrUpstream, MaxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithContext(req.Context()).WithFields(map[string]any{
			"status": resp.StatusCode,
			"path":   req.URL.Path,
		}).Error("Notion returned a non-success status")
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrUpstream, err)
	}
	return nil
}
