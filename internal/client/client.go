// Package client talks to a NetVault server: the agent endpoints and the
// query and admin API used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ingenieroredes/netvault/internal/agentchannel"
	"github.com/ingenieroredes/netvault/internal/api"
	"github.com/ingenieroredes/netvault/internal/model"
	"github.com/ingenieroredes/netvault/internal/orchestrator"
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the server
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Client handles communication with the NetVault server
type Client struct {
	logger     *slog.Logger
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a new client
func NewClient(logger *slog.Logger, baseURL string) *Client {
	return &Client{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetToken sets the bearer token sent on agent requests
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Register enrolls an agent and keeps the issued token for later calls
func (c *Client) Register(ctx context.Context, claim agentchannel.Claim) (api.RegisterResponse, error) {
	var resp api.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/register", claim, &resp, false); err != nil {
		return resp, err
	}
	c.SetToken(resp.Token)
	c.logger.Info("Registered with server", "agent_id", resp.AgentID, "target_id", claim.TargetID)
	return resp, nil
}

// Heartbeat reports liveness
func (c *Client) Heartbeat(ctx context.Context) (agentchannel.Ack, error) {
	var resp struct {
		Ack agentchannel.Ack `json:"ack"`
	}
	err := c.do(ctx, http.MethodPost, "/heartbeat", nil, &resp, true)
	return resp.Ack, err
}

// SubmitFacts sends one fact batch
func (c *Client) SubmitFacts(ctx context.Context, facts map[string]interface{}, collectedAt time.Time) (agentchannel.Ack, error) {
	body := map[string]interface{}{"facts": facts}
	if !collectedAt.IsZero() {
		body["collected_at"] = collectedAt.UTC()
	}
	var resp struct {
		Ack agentchannel.Ack `json:"ack"`
	}
	err := c.do(ctx, http.MethodPost, "/facts", body, &resp, true)
	return resp.Ack, err
}

// TriggerRun starts a manual audit run
func (c *Client) TriggerRun(ctx context.Context, req orchestrator.TriggerRequest) (model.AuditRun, error) {
	var run model.AuditRun
	err := c.do(ctx, http.MethodPost, "/api/runs", req, &run, false)
	return run, err
}

// GetRun fetches one run
func (c *Client) GetRun(ctx context.Context, runID string) (model.AuditRun, error) {
	var run model.AuditRun
	err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, &run, false)
	return run, err
}

// CancelRun cancels an active run
func (c *Client) CancelRun(ctx context.Context, runID string) (model.AuditRun, error) {
	var run model.AuditRun
	err := c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/cancel", nil, &run, false)
	return run, err
}

// ListRuns lists recent runs, newest first
func (c *Client) ListRuns(ctx context.Context, limit int) ([]model.AuditRun, error) {
	path := "/api/runs"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var resp struct {
		Runs []model.AuditRun `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp, false)
	return resp.Runs, err
}

// ListFindings queries findings; query holds the findings filter parameters
func (c *Client) ListFindings(ctx context.Context, query url.Values) ([]model.Finding, error) {
	path := "/api/findings"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp struct {
		Findings []model.Finding `json:"findings"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp, false)
	return resp.Findings, err
}

// ListTargets lists targets with their schedule state
func (c *Client) ListTargets(ctx context.Context) ([]api.TargetView, error) {
	var resp struct {
		Targets []api.TargetView `json:"targets"`
	}
	err := c.do(ctx, http.MethodGet, "/api/targets", nil, &resp, false)
	return resp.Targets, err
}

// SetTargetEnabled enables or disables a target
func (c *Client) SetTargetEnabled(ctx context.Context, targetID string, enabled bool) (api.TargetView, error) {
	action := "disable"
	if enabled {
		action = "enable"
	}
	var view api.TargetView
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/targets/%s/%s", url.PathEscape(targetID), action), nil, &view, false)
	return view, err
}

// Health fetches the scheduler health summary
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var h api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &h, false)
	return h, err
}

// HealthCheck checks if the server is up
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, false)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, auth bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if token := c.bearer(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	c.logger.Debug("Sending request", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
