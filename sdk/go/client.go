package agentnetsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Agentnet HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agent represents the API agent model.
type Agent struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Type             string         `json:"type"`
	Status           string         `json:"status"`
	Strategy         map[string]any `json:"strategy,omitempty"`
	PerformanceScore float64        `json:"performance_score"`
	CashFlow         float64        `json:"cash_flow"`
	CreatedAt        string         `json:"created_at"`
	DestroyedAt      *string        `json:"destroyed_at,omitempty"`
}

// Relationship represents an edge in the agent graph.
type Relationship struct {
	ID            string  `json:"id"`
	SourceAgentID string  `json:"source_agent_id"`
	TargetAgentID string  `json:"target_agent_id"`
	Type          string  `json:"type"`
	Strength      float64 `json:"strength"`
	PeerAgentID   string  `json:"peer_agent_id,omitempty"`
	PeerName      string  `json:"peer_name,omitempty"`
	PeerType      string  `json:"peer_type,omitempty"`
}

// Negotiation represents a pairwise negotiation.
type Negotiation struct {
	ID               string         `json:"id"`
	InitiatorAgentID string         `json:"initiator_agent_id"`
	TargetAgentID    string         `json:"target_agent_id"`
	Type             string         `json:"type"`
	Terms            map[string]any `json:"terms"`
	Status           string         `json:"status"`
	Rounds           int            `json:"rounds"`
	Resolution       map[string]any `json:"resolution,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts"`
	Type           string         `json:"type"`
	SubjectAgentID string         `json:"subject_agent_id"`
	ActorID        string         `json:"actor_id,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// MetricAggregate is a rolled-up metric view.
type MetricAggregate struct {
	MetricName string  `json:"metric_name"`
	Average    float64 `json:"average"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Count      int     `json:"count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAgent creates an agent. idempotencyKey may be empty.
func (c *Client) CreateAgent(ctx context.Context, name, agentType string, strategy map[string]any, idempotencyKey string) (Agent, error) {
	body := map[string]any{
		"name": name,
		"type": agentType,
	}
	if strategy != nil {
		body["strategy"] = strategy
	}
	var resp Agent
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	err := c.do(ctx, http.MethodPost, "v0/agents", headers, body, &resp)
	return resp, err
}

// GetAgent fetches an agent by id.
func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "v0/agents/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// ListAgents lists live agents, optionally filtered by type and status.
func (c *Client) ListAgents(ctx context.Context, agentType, status string) ([]Agent, error) {
	endpoint := "v0/agents"
	q := url.Values{}
	if agentType != "" {
		q.Set("type", agentType)
	}
	if status != "" {
		q.Set("status", status)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Agent
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// DestroyAgent tombstones an agent.
func (c *Client) DestroyAgent(ctx context.Context, id, reason string) (Agent, error) {
	endpoint := "v0/agents/" + url.PathEscape(id)
	if reason != "" {
		endpoint += "?reason=" + url.QueryEscape(reason)
	}
	var resp Agent
	err := c.do(ctx, http.MethodDelete, endpoint, nil, nil, &resp)
	return resp, err
}

// Relationships returns all edges touching an agent.
func (c *Client) Relationships(ctx context.Context, agentID string) ([]Relationship, error) {
	var resp []Relationship
	endpoint := fmt.Sprintf("v0/agents/%s/relationships", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// Connect creates an explicit connection between two agents.
func (c *Client) Connect(ctx context.Context, sourceID, targetID, relType string) (Relationship, error) {
	body := map[string]any{
		"source_agent_id": sourceID,
		"target_agent_id": targetID,
		"type":            relType,
	}
	var resp Relationship
	err := c.do(ctx, http.MethodPost, "v0/connections", nil, body, &resp)
	return resp, err
}

// Negotiate initiates a negotiation and returns its post-evaluation state.
func (c *Client) Negotiate(ctx context.Context, initiatorID, targetID, negType string, terms map[string]any) (Negotiation, error) {
	body := map[string]any{
		"initiator_agent_id": initiatorID,
		"target_agent_id":    targetID,
		"type":               negType,
		"terms":              terms,
	}
	var resp Negotiation
	err := c.do(ctx, http.MethodPost, "v0/negotiations", nil, body, &resp)
	return resp, err
}

// Decide applies an explicit decision to a pending negotiation.
func (c *Client) Decide(ctx context.Context, negotiationID, action string, counterTerms map[string]any) (Negotiation, error) {
	body := map[string]any{
		"action": action,
	}
	if counterTerms != nil {
		body["counter_terms"] = counterTerms
	}
	var resp Negotiation
	endpoint := fmt.Sprintf("v0/negotiations/%s/decision", url.PathEscape(negotiationID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, body, &resp)
	return resp, err
}

// Events returns events for a subject agent in ascending timestamp order.
func (c *Client) Events(ctx context.Context, subjectAgentID string, limit int) ([]Event, error) {
	q := url.Values{}
	if subjectAgentID != "" {
		q.Set("subject_agent_id", subjectAgentID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// EventsAfter returns events with IDs greater than the cursor.
func (c *Client) EventsAfter(ctx context.Context, cursor int64, limit int) ([]Event, error) {
	q := url.Values{}
	q.Set("after", fmt.Sprintf("%d", cursor))
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, "v0/events?"+q.Encode(), nil, nil, &resp)
	return resp, err
}

// RecordMetric records a raw metric sample for an agent.
func (c *Client) RecordMetric(ctx context.Context, agentID, metricName string, value float64) error {
	body := map[string]any{
		"metric_name": metricName,
		"value":       value,
	}
	endpoint := fmt.Sprintf("v0/agents/%s/metrics", url.PathEscape(agentID))
	return c.do(ctx, http.MethodPost, endpoint, nil, body, nil)
}

// Metrics aggregates an agent's samples over a window in days.
func (c *Client) Metrics(ctx context.Context, agentID string, windowDays int) ([]MetricAggregate, error) {
	endpoint := fmt.Sprintf("v0/agents/%s/metrics?window_days=%d", url.PathEscape(agentID), windowDays)
	var resp []MetricAggregate
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
