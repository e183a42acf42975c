package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zonedesk/zonedesk/internal/events"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
)

// APIClient is an HTTP client for the server's REST endpoints.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIConfig configures the API client.
type APIConfig struct {
	// BaseURL is the base URL of the API server.
	BaseURL string

	// Token is sent as a bearer credential.
	Token string

	// Timeout is the request timeout.
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive)
	// connection will remain idle before closing itself.
	IdleConnTimeout time.Duration
}

// DefaultAPIConfig returns sensible defaults.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		BaseURL:         "http://localhost:8080",
		Timeout:         30 * time.Second,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
}

// BaseURLFromWS derives the HTTP base URL from a WebSocket endpoint URL.
func BaseURLFromWS(wsURL string) string {
	u := wsURL
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	}
	if i := strings.Index(u, "://"); i >= 0 {
		if j := strings.Index(u[i+3:], "/"); j >= 0 {
			u = u[:i+3+j]
		}
	}
	return u
}

// NewAPIClient creates a new API client.
func NewAPIClient(cfg APIConfig) *APIClient {
	def := DefaultAPIConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &APIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Sessions int    `json:"sessions"`
}

// PublishResponse is returned for an accepted event.
type PublishResponse struct {
	ID       string          `json:"id"`
	Category events.Category `json:"category"`
}

// ServerStats is the body of /api/stats.
type ServerStats struct {
	ActiveSessions int `json:"active_sessions"`
	Subscriptions  int `json:"subscriptions"`
	Dispatch       struct {
		Dispatched        uint64            `json:"events_dispatched"`
		Delivered         uint64            `json:"events_delivered"`
		Batched           uint64            `json:"events_batched"`
		BatchesSent       uint64            `json:"batches_sent"`
		Dropped           map[string]uint64 `json:"events_dropped"`
		PendingRecipients int               `json:"pending_recipients"`
	} `json:"dispatch"`
}

// Health checks if the API is healthy.
func (c *APIClient) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats returns server-wide delivery statistics.
func (c *APIClient) Stats(ctx context.Context) (*ServerStats, error) {
	var stats ServerStats
	if err := c.get(ctx, "/api/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Publish submits a domain event for delivery.
func (c *APIClient) Publish(ctx context.Context, e events.Event) (*PublishResponse, error) {
	var resp PublishResponse
	if err := c.post(ctx, "/api/events", e, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecentEvent is one journaled event as listed by /api/events/recent.
type RecentEvent struct {
	Seq      uint64       `json:"seq"`
	Recorded time.Time    `json:"recorded"`
	Event    events.Event `json:"event"`
}

// RecentEvents is the body of /api/events/recent.
type RecentEvents struct {
	Events  []RecentEvent `json:"events"`
	LastSeq uint64        `json:"last_seq"`
}

// RecentQuery narrows a RecentEvents call. Zero fields are omitted.
type RecentQuery struct {
	Limit int
	After uint64
	Since time.Duration
}

func (q RecentQuery) encode() string {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.After > 0 {
		v.Set("after", strconv.FormatUint(q.After, 10))
	}
	if q.Since > 0 {
		v.Set("since", q.Since.String())
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// RecentEvents lists the newest journaled events. Admins only; the server
// answers 503 when it keeps no journal.
func (c *APIClient) RecentEvents(ctx context.Context, q RecentQuery) (*RecentEvents, error) {
	var resp RecentEvents
	if err := c.get(ctx, "/api/events/recent"+q.encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// get performs a GET request.
func (c *APIClient) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// post performs a POST request.
func (c *APIClient) post(ctx context.Context, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, result)
}

// do executes a request. Responses of /api/* endpoints arrive wrapped in a
// data/meta envelope which is removed here.
func (c *APIClient) do(req *http.Request, result any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.TransportError("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var er apperrors.ErrorResponse
		if err := json.Unmarshal(body, &er); err != nil || er.Code == "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		msg := er.Message
		if msg == "" {
			msg = er.Error
		}
		return &apperrors.AppError{Code: er.Code, Message: msg, Details: er.Details}
	}

	if result == nil || len(body) == 0 {
		return nil
	}
	if strings.HasPrefix(req.URL.Path, "/api/") {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Data) > 0 {
			body = wrapped.Data
		}
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
