// Package cloud scores candidates against a remote HTTP endpoint speaking the
// scoring wire format, such as another composer instance's /v1/score.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/image-composer/pkg/scoring"
)

// ScorePath is appended to the base URL unless it already ends in a path
const ScorePath = "/v1/score"

// maxResponseBytes caps how much of a response body is read
const maxResponseBytes = 1 << 20

// Client is a scoring.Backend over HTTP
type Client struct {
	endpoint   string
	healthURL  string
	httpClient *http.Client
	apiKey     string
}

var (
	_ scoring.Backend = (*Client)(nil)
	_ scoring.Loader  = (*Client)(nil)
)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAPIKey sends a bearer token with every request
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// NewClient creates a client for the scorer at serverURL
func NewClient(serverURL string, opts ...Option) (*Client, error) {
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return nil, fmt.Errorf("invalid URL: %q needs an http or https scheme", serverURL)
	}

	base := strings.TrimSuffix(serverURL, "/")
	endpoint := base
	if !strings.HasSuffix(base, ScorePath) {
		endpoint = base + ScorePath
	}

	c := &Client{
		endpoint:   endpoint,
		healthURL:  strings.TrimSuffix(endpoint, ScorePath) + "/health",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mode implements scoring.Backend
func (c *Client) Mode() scoring.Mode {
	return scoring.ModeRemote
}

// Load checks the remote health endpoint
func (c *Client) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach scorer: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scorer health returned status %d", resp.StatusCode)
	}
	return nil
}

// Score implements scoring.Backend
func (c *Client) Score(ctx context.Context, sreq scoring.Request) (scoring.Response, error) {
	body, err := json.Marshal(sreq)
	if err != nil {
		return scoring.Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return scoring.Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scoring.Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return scoring.Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return scoring.Response{}, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out scoring.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return scoring.Response{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
