// Package gateway implements the enforcement proxy: every inbound agent
// request is identity-checked, policy-checked, forwarded, and receipted.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pathwell/fabric/pkg/contracts"
)

const controlPlaneTimeout = 5 * time.Second

// IdentityClient calls the identity registry's v2 validation endpoint,
// optionally through a short-lived cache.
type IdentityClient struct {
	baseURL string
	http    *http.Client
	cache   *IdentityCache
}

// NewIdentityClient builds a client. cache may be nil.
func NewIdentityClient(baseURL string, cache *IdentityCache) *IdentityClient {
	return &IdentityClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: controlPlaneTimeout},
		cache:   cache,
	}
}

// ValidateV2 resolves the agent's identity, tenant, trust and attribution
// context. Cache hits skip the registry round trip; revoked agents are
// still cached since revocation also flips valid to false.
func (c *IdentityClient) ValidateV2(ctx context.Context, agentID string) (*contracts.ValidateAgentV2Result, error) {
	if c.cache != nil {
		if hit := c.cache.Get(ctx, agentID); hit != nil {
			return hit, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v2/agents/%s/validate", c.baseURL, agentID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity registry returned %d", resp.StatusCode)
	}

	var result contracts.ValidateAgentV2Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode validation result: %w", err)
	}
	if c.cache != nil {
		c.cache.Put(ctx, agentID, &result)
	}
	return &result, nil
}

// PolicyClient calls the policy engine's v2 evaluation endpoint.
type PolicyClient struct {
	baseURL string
	http    *http.Client
}

// NewPolicyClient builds a client.
func NewPolicyClient(baseURL string) *PolicyClient {
	return &PolicyClient{baseURL: baseURL, http: &http.Client{Timeout: controlPlaneTimeout}}
}

// EvaluateV2 submits the evaluation input. Transport and non-200 errors
// are returned so the proxy can fail closed.
func (c *PolicyClient) EvaluateV2(ctx context.Context, input *contracts.EvaluateV2Request) (*contracts.EvaluateV2Response, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy engine returned %d", resp.StatusCode)
	}

	var result contracts.EvaluateV2Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode policy result: %w", err)
	}
	return &result, nil
}

// ReceiptClient submits receipts to the receipt store. Submission is
// fire-and-forget: the proxied request never waits on, or fails over,
// receipt persistence.
type ReceiptClient struct {
	baseURL string
	http    *http.Client
}

// NewReceiptClient builds a client.
func NewReceiptClient(baseURL string) *ReceiptClient {
	return &ReceiptClient{baseURL: baseURL, http: &http.Client{Timeout: controlPlaneTimeout}}
}

// StoreAsync posts the receipt on a background goroutine, logging failures.
func (c *ReceiptClient) StoreAsync(receipt *contracts.StoreReceiptRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), controlPlaneTimeout)
		defer cancel()
		if err := c.store(ctx, receipt); err != nil {
			receiptSubmitFailures.Inc()
			slog.Error("submit receipt", "agent_id", receipt.AgentID, "error", err)
		}
	}()
}

func (c *ReceiptClient) store(ctx context.Context, receipt *contracts.StoreReceiptRequest) error {
	body, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/receipts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("receipt store returned %d", resp.StatusCode)
	}
	return nil
}
