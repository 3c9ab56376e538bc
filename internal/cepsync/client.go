// Package cepsync talks to an optional external rule-coordination service
// over HTTP. Every method degrades to ErrUnavailable rather than panicking
// when the service cannot be reached — rule sync is a convenience, not a
// dependency of the core detection pipeline.
package cepsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/eventcore/eventcore/internal/eventrule"
	"github.com/eventcore/eventcore/internal/metrics"
)

// ErrUnavailable wraps any error that prevented a round trip from completing.
var ErrUnavailable = errors.New("cepsync_unavailable")

// Client is an HTTP client for the external CEP coordination service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client targeting baseURL, composing a 30s total / 10s dial
// timeout transport.
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{DialContext: dialer.DialContext}
	return &Client{
		baseURL: trimTrailingSlash(baseURL),
		http:    &http.Client{Timeout: 30 * time.Second, Transport: transport},
		logger:  logger,
	}
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Status is the CEP service's reported health.
type Status struct {
	Status      string `json:"status"`
	ActiveRules int    `json:"activeRules"`
}

// Rule is the external service's rule representation, used both to push
// rules out (CreateRule/UpdateRule/SyncRules) and to decode what it reports
// back (GetRules/GetActiveRules).
type Rule struct {
	ID                       string `json:"id"`
	Name                     string `json:"name"`
	Description              string `json:"description"`
	NaturalLanguageCondition string `json:"naturalLanguageCondition"`
	CheckIntervalMinutes     int    `json:"checkIntervalMinutes"`
	ActionType               string `json:"actionType"`
	AlertConfig              string `json:"alertConfig,omitempty"`
	ProcessConfig            string `json:"processConfig,omitempty"`
	IsActive                 bool   `json:"isActive"`
}

func toCEPRule(r *eventrule.Rule) Rule {
	out := Rule{
		ID:                   r.ID,
		Name:                 r.Name,
		Description:          r.Description,
		CheckIntervalMinutes: r.CheckIntervalMinutes,
		ActionType:           string(r.ActionType),
		IsActive:             r.IsActive,
	}
	if r.AlertConfig != nil {
		if b, err := json.Marshal(r.AlertConfig); err == nil {
			out.AlertConfig = string(b)
		}
	}
	if r.ProcessConfig != nil {
		if b, err := json.Marshal(r.ProcessConfig); err == nil {
			out.ProcessConfig = string(b)
		}
	}
	return out
}

// CreateRule pushes a newly created rule to the external service.
func (c *Client) CreateRule(ctx context.Context, rule *eventrule.Rule) error {
	_, err := c.request(ctx, http.MethodPost, "/api/rules", toCEPRule(rule))
	return err
}

// UpdateRule pushes an updated rule.
func (c *Client) UpdateRule(ctx context.Context, rule *eventrule.Rule) error {
	_, err := c.request(ctx, http.MethodPut, "/api/rules/"+rule.ID, toCEPRule(rule))
	return err
}

// SyncRule upserts rule via PUT, satisfying registry.SyncClient. The
// external service is expected to create-or-replace on this path.
func (c *Client) SyncRule(ctx context.Context, rule *eventrule.Rule) error {
	return c.UpdateRule(ctx, rule)
}

// DeleteRule removes a rule from the external service.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	_, err := c.request(ctx, http.MethodDelete, "/api/rules/"+ruleID, nil)
	return err
}

// Toggle flips a rule's active state on the external service. The endpoint
// takes no body; the service looks the rule up by id and inverts it.
func (c *Client) Toggle(ctx context.Context, ruleID string) error {
	_, err := c.request(ctx, http.MethodPost, "/api/rules/"+ruleID+"/toggle", nil)
	return err
}

// SyncRules bulk-upserts the full rule set in one round trip. This is the
// idempotent "sync_rules" operation: the external service creates or
// replaces every rule by id.
func (c *Client) SyncRules(ctx context.Context, rules []*eventrule.Rule) error {
	payload := make([]Rule, 0, len(rules))
	for _, r := range rules {
		payload = append(payload, toCEPRule(r))
	}
	_, err := c.request(ctx, http.MethodPost, "/api/rules/sync", payload)
	return err
}

// GetRules lists every rule the external service currently holds.
func (c *Client) GetRules(ctx context.Context) ([]Rule, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/rules", nil)
	if err != nil {
		return nil, err
	}
	var rules []Rule
	if err := json.Unmarshal(body, &rules); err != nil {
		return nil, fmt.Errorf("%w: decoding rules: %v", ErrUnavailable, err)
	}
	return rules, nil
}

// GetActiveRules lists only the rules the external service considers active.
func (c *Client) GetActiveRules(ctx context.Context) ([]Rule, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/rules/active", nil)
	if err != nil {
		return nil, err
	}
	var rules []Rule
	if err := json.Unmarshal(body, &rules); err != nil {
		return nil, fmt.Errorf("%w: decoding active rules: %v", ErrUnavailable, err)
	}
	return rules, nil
}

// SendEvent posts a single event payload to the external CEP service. The
// event type travels as a query parameter; the JSON body is the raw event
// payload, shaped however the caller's rule data happens to be shaped.
func (c *Client) SendEvent(ctx context.Context, eventType string, eventData any) error {
	path := "/api/events/send?eventType=" + url.QueryEscape(eventType)
	_, err := c.request(ctx, http.MethodPost, path, eventData)
	return err
}

// SendBulkEvents posts a batch of events sharing one event type in a single
// round trip.
func (c *Client) SendBulkEvents(ctx context.Context, eventType string, events []any) error {
	path := "/api/events/send/bulk?eventType=" + url.QueryEscape(eventType)
	_, err := c.request(ctx, http.MethodPost, path, events)
	return err
}

// Trigger is one historical rule firing as reported by the external service.
type Trigger struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"ruleId"`
	TriggeredAt time.Time `json:"triggeredAt"`
	Details     string    `json:"details,omitempty"`
}

// TriggerPage is a page of GetTriggers results.
type TriggerPage struct {
	Content []Trigger `json:"content"`
	Page    int       `json:"page"`
	Size    int       `json:"size"`
	Total   int       `json:"totalElements"`
}

// GetTriggers lists recorded rule triggers, optionally scoped to one rule,
// paginated with page/size like the rest of the external service's listing
// endpoints. ruleID may be empty to list triggers across all rules.
func (c *Client) GetTriggers(ctx context.Context, ruleID string, page, size int) (TriggerPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	if ruleID != "" {
		q.Set("ruleId", ruleID)
	}
	body, err := c.request(ctx, http.MethodGet, "/api/events/triggers?"+q.Encode(), nil)
	if err != nil {
		return TriggerPage{}, err
	}
	var out TriggerPage
	if err := json.Unmarshal(body, &out); err != nil {
		return TriggerPage{}, fmt.Errorf("%w: decoding triggers: %v", ErrUnavailable, err)
	}
	return out, nil
}

// GetStatus queries the external service's health endpoint.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/events/status", nil)
	if err != nil {
		return Status{Status: "unavailable"}, err
	}
	var status Status
	if err := json.Unmarshal(body, &status); err != nil {
		return Status{Status: "unavailable"}, fmt.Errorf("%w: decoding status: %v", ErrUnavailable, err)
	}
	return status, nil
}

// IsAvailable probes the external service's status endpoint.
func (c *Client) IsAvailable(ctx context.Context) bool {
	status, err := c.GetStatus(ctx)
	available := err == nil && status.Status == "running"
	if available {
		metrics.RuleSyncAvailable.Set(1)
	} else {
		metrics.RuleSyncAvailable.Set(0)
	}
	return available
}

func (c *Client) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("cepsync: service unavailable", "path", path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("cepsync: service error", "path", path, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	return respBody, nil
}
