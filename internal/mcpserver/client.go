package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the aurawatch API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token for a gateway in front of the API
}

// APIClient is a pure HTTP client for the aurawatch API.
type APIClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAPIClient creates a new client for the aurawatch API.
func NewAPIClient(cfg Config) *APIClient {
	return &APIClient{
		cfg: cfg,
		httpClient: &http.Client{
			// simulations wait on the reasoning model
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *APIClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// SimulateRequest mirrors the simulate endpoint body.
type SimulateRequest struct {
	AppName  string `json:"appName,omitempty"`
	AppID    string `json:"appId,omitempty"`
	ChildAge int    `json:"childAge,omitempty"`
	ChildID  string `json:"childId,omitempty"`
}

// Simulate pushes an app through Tier-1 and Tier-2 without consequences.
func (c *APIClient) Simulate(ctx context.Context, req SimulateRequest) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/detection/simulate", nil, req)
}

// DetectionStatus returns a child's detection snapshot.
func (c *APIClient) DetectionStatus(ctx context.Context, childID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/children/"+url.PathEscape(childID)+"/detection", nil, nil)
}

// StartDetection starts a child's poll loop.
func (c *APIClient) StartDetection(ctx context.Context, childID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/children/"+url.PathEscape(childID)+"/detection/start", nil, nil)
}

// StopDetection stops a child's poll loop.
func (c *APIClient) StopDetection(ctx context.Context, childID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/children/"+url.PathEscape(childID)+"/detection/stop", nil, nil)
}

// ListAlerts lists alerts for a child or, when childID is empty, a parent.
// cursor continues from a previous page's nextCursor.
func (c *APIClient) ListAlerts(ctx context.Context, childID, parentID string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/children/" + url.PathEscape(childID) + "/alerts"
	if childID == "" {
		path = "/v1/parents/" + url.PathEscape(parentID) + "/alerts"
	}
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// RiskRegistry returns the Tier-1 registry entries.
func (c *APIClient) RiskRegistry(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/risk-registry", nil, nil)
}

// GetBalance returns a child's aura balance.
func (c *APIClient) GetBalance(ctx context.Context, childID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/children/"+url.PathEscape(childID)+"/balance", nil, nil)
}
