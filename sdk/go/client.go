package agreementssdk

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

// Client is a minimal agreements HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
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

// Contract is the API contract model.
type Contract struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ContractType string `json:"contract_type"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

// Instance is the API workflow instance model.
type Instance struct {
	ID              string  `json:"id"`
	ContractID      string  `json:"contract_id"`
	TemplateID      string  `json:"template_id"`
	TemplateVersion int     `json:"template_version"`
	CurrentStage    string  `json:"current_stage"`
	State           string  `json:"state"`
	StartedAt       string  `json:"started_at"`
	EndedAt         *string `json:"ended_at,omitempty"`
}

// Escalation is one raised SLA breach event.
type Escalation struct {
	ID          string  `json:"id"`
	InstanceID  string  `json:"instance_id"`
	RuleID      string  `json:"rule_id"`
	ContractID  string  `json:"contract_id"`
	StageName   string  `json:"stage_name"`
	Tier        int     `json:"tier"`
	EscalatedAt string  `json:"escalated_at"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
}

// PendingItem is one stage waiting on an approver role.
type PendingItem struct {
	InstanceID   string `json:"instance_id"`
	ContractID   string `json:"contract_id"`
	TemplateID   string `json:"template_id"`
	StageName    string `json:"stage_name"`
	ApproverRole string `json:"approver_role"`
	EnteredAt    string `json:"entered_at"`
	SLADeadline  string `json:"sla_deadline"`
}

// ScanResult summarizes one breach scan.
type ScanResult struct {
	Created int    `json:"created"`
	ScanAt  string `json:"scan_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateContract registers a contract.
func (c *Client) CreateContract(ctx context.Context, id, title, contractType string) (Contract, error) {
	body := map[string]any{
		"id":            id,
		"title":         title,
		"contract_type": contractType,
	}
	var resp Contract
	err := c.do(ctx, http.MethodPost, "v0/contracts", body, &resp)
	return resp, err
}

// StartInstance starts a workflow for a contract using the published template.
func (c *Client) StartInstance(ctx context.Context, contractID, templateName string) (Instance, error) {
	body := map[string]any{
		"contract_id":   contractID,
		"template_name": templateName,
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "v0/instances", body, &resp)
	return resp, err
}

// CompleteStage completes the current stage of an instance.
func (c *Client) CompleteStage(ctx context.Context, instanceID, outcome string) (Instance, error) {
	body := map[string]any{"outcome": outcome}
	var resp Instance
	endpoint := fmt.Sprintf("v0/instances/%s/complete", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CancelInstance cancels an instance.
func (c *Client) CancelInstance(ctx context.Context, instanceID string) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v0/instances/%s/cancel", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Queue lists pending stages for an approver role.
func (c *Client) Queue(ctx context.Context, role string) ([]PendingItem, error) {
	var resp []PendingItem
	endpoint := "v0/queue?role=" + url.QueryEscape(role)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Escalations lists escalation events; unresolved narrows to open ones.
func (c *Client) Escalations(ctx context.Context, unresolved bool) ([]Escalation, error) {
	endpoint := "v0/escalations"
	if unresolved {
		endpoint += "?unresolved=true"
	}
	var resp []Escalation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveEscalation marks an escalation event resolved.
func (c *Client) ResolveEscalation(ctx context.Context, eventID string) (Escalation, error) {
	var resp Escalation
	endpoint := fmt.Sprintf("v0/escalations/%s/resolve", url.PathEscape(eventID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Scan runs an SLA breach scan now.
func (c *Client) Scan(ctx context.Context) (ScanResult, error) {
	var resp ScanResult
	err := c.do(ctx, http.MethodPost, "v0/escalations/scan", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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
