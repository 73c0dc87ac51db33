// Package opa evaluates bucket access against an Open Policy Agent server
package opa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/einyx/bucket-access-portal/internal/transport"
)

const defaultPolicyPath = "portal/buckets/allow"

// Client provides OPA policy evaluation functionality
type Client struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

// NewClient creates a new OPA client for the policy at path (e.g. "portal/buckets/allow")
func NewClient(url, path string, timeout time.Duration) *Client {
	if path == "" {
		path = defaultPolicyPath
	}
	return &Client{
		baseURL: strings.TrimSuffix(url, "/"),
		path:    strings.Trim(path, "/"),
		httpClient: transport.NewHTTPClient(timeout),
	}
}

// Input represents the input document for a bucket access decision
type Input struct {
	User     User     `json:"user"`
	Action   string   `json:"action"`
	Resource Resource `json:"resource"`
}

// User describes the caller
type User struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Role     string   `json:"role"`
	Groups   []string `json:"groups"`
}

// Resource represents the bucket being accessed
type Resource struct {
	Type        string `json:"type"`
	Bucket      string `json:"bucket"`
	Region      string `json:"region,omitempty"`
	Environment string `json:"environment"`
}

// PolicyRequest represents the request payload for OPA evaluation
type PolicyRequest struct {
	Input Input `json:"input"`
}

// PolicyResponse represents the response from OPA evaluation. An undefined
// rule yields no result field, which decodes as false.
type PolicyResponse struct {
	Result bool `json:"result"`
}

// Evaluate sends a policy evaluation request to OPA and returns the decision
func (c *Client) Evaluate(ctx context.Context, input Input) (bool, error) {
	request := PolicyRequest{Input: input}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return false, fmt.Errorf("failed to marshal OPA request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/data/%s", c.baseURL, c.path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return false, fmt.Errorf("failed to create OPA request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to send OPA request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("OPA returned status %d", resp.StatusCode)
	}

	var policyResponse PolicyResponse
	if err := json.NewDecoder(resp.Body).Decode(&policyResponse); err != nil {
		return false, fmt.Errorf("failed to decode OPA response: %w", err)
	}

	return policyResponse.Result, nil
}
