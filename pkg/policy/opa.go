package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pathwell/fabric/pkg/canonicalize"
	"github.com/pathwell/fabric/pkg/contracts"
)

const (
	defaultOPATimeout = 5 * time.Second
	opaPathV1         = "/v1/data/pathwell/authz/allow"
	opaPathV2         = "/v1/data/pathwell/authz/v2"
)

// OPAConfig configures the OPA adapter.
type OPAConfig struct {
	// URL is the base URL of the OPA server (e.g., "http://localhost:8181").
	URL string
	// Timeout bounds each evaluation call. Default: 5s.
	Timeout time.Duration
	// PolicyVersion is a human-readable identifier for the policy bundle.
	PolicyVersion string
}

// OPAEngine queries a remote OPA HTTP API. Evaluator rejections and non-2xx
// statuses become denials; transport errors are returned to the caller, who
// fails closed.
type OPAEngine struct {
	cfg    OPAConfig
	client *http.Client
}

// NewOPAEngine creates the OPA-backed engine.
func NewOPAEngine(cfg OPAConfig) *OPAEngine {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultOPATimeout
	}
	return &OPAEngine{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

// Backend implements Engine.
func (o *OPAEngine) Backend() string { return "opa" }

// PolicyHash implements Engine.
func (o *OPAEngine) PolicyHash() string {
	return fmt.Sprintf("sha256:opa:%s", o.cfg.PolicyVersion)
}

type opaEnvelope struct {
	Input any `json:"input"`
}

// EvaluateV1 queries the boolean allow rule.
func (o *OPAEngine) EvaluateV1(ctx context.Context, req *contracts.EvaluateRequest) (*contracts.EvaluateResponse, error) {
	start := time.Now()

	body, status, err := o.query(ctx, opaPathV1, req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return &contracts.EvaluateResponse{
			Allowed:          false,
			Reason:           fmt.Sprintf("OPA evaluation failed: %d", status),
			EvaluationTimeMs: elapsed,
		}, nil
	}

	var resp struct {
		Result *bool `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode OPA response: %w", err)
	}

	allowed := resp.Result != nil && *resp.Result
	reason := ReasonDenied
	if allowed {
		reason = ReasonAllowed
	}
	out := &contracts.EvaluateResponse{
		Allowed:          allowed,
		Reason:           reason,
		EvaluationTimeMs: elapsed,
	}
	o.logDecision("v1", req.Agent.AgentID, out.Allowed, out.Reason)
	return out, nil
}

// opaResultV2 is the document result of the v2 rule.
type opaResultV2 struct {
	Allow               bool                      `json:"allow"`
	TrustAction         *string                   `json:"trust_action"`
	AppliedThreshold    *float64                  `json:"applied_threshold"`
	AppliedTenantPolicy *string                   `json:"applied_tenant_policy"`
	Warnings            []contracts.PolicyWarning `json:"warnings"`
}

// EvaluateV2 queries the v2 document rule and synthesizes the reason,
// trust_evaluation and warnings of the response contract.
func (o *OPAEngine) EvaluateV2(ctx context.Context, req *contracts.EvaluateV2Request) (*contracts.EvaluateV2Response, error) {
	start := time.Now()

	body, status, err := o.query(ctx, opaPathV2, req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return &contracts.EvaluateV2Response{
			Allowed:          false,
			Reason:           fmt.Sprintf("OPA evaluation failed: %d", status),
			EvaluationTimeMs: elapsed,
			Warnings:         []contracts.PolicyWarning{},
		}, nil
	}

	var resp struct {
		Result *opaResultV2 `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode OPA v2 response: %w", err)
	}

	result := resp.Result
	if result == nil {
		result = &opaResultV2{}
	}

	threshold := DefaultTrustThreshold
	if result.AppliedThreshold != nil {
		threshold = *result.AppliedThreshold
	}
	warnings := result.Warnings
	if warnings == nil {
		warnings = []contracts.PolicyWarning{}
	}

	out := &contracts.EvaluateV2Response{
		Allowed:             result.Allow,
		Reason:              synthesizeReason(result.Allow, result.TrustAction),
		EvaluationTimeMs:    elapsed,
		TrustEvaluation:     buildTrustEvaluation(req.Agent.TrustScore, threshold, result.TrustAction),
		TenantPolicyApplied: result.AppliedTenantPolicy,
		Warnings:            warnings,
	}
	o.logDecision("v2", req.Agent.AgentID, out.Allowed, out.Reason)
	return out, nil
}

func (o *OPAEngine) query(ctx context.Context, path string, input any) ([]byte, int, error) {
	payload, err := json.Marshal(opaEnvelope{Input: input})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal OPA input: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build OPA request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("query OPA: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read OPA response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (o *OPAEngine) logDecision(version, agentID string, allowed bool, reason string) {
	hash, err := canonicalize.CanonicalHash(map[string]any{
		"version": version, "agent_id": agentID, "allowed": allowed, "reason": reason,
	})
	if err != nil {
		hash = "unhashable"
	}
	slog.Debug("policy decision", "version", version, "agent_id", agentID,
		"allowed", allowed, "decision_hash", hash, "policy_hash", o.PolicyHash())
}
