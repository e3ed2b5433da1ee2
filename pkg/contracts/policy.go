package contracts

import "encoding/json"

// EvaluateRequest is the v1 POST /v1/evaluate body.
type EvaluateRequest struct {
	Agent   AgentInfo   `json:"agent"`
	Request RequestInfo `json:"request"`
}

// AgentInfo is the flat v1 agent view passed to the decision point.
type AgentInfo struct {
	AgentID      string  `json:"agent_id"`
	DeveloperID  *string `json:"developer_id,omitempty"`
	EnterpriseID *string `json:"enterprise_id,omitempty"`
}

// EvaluateResponse is the v1 decision.
type EvaluateResponse struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason"`
	EvaluationTimeMs int64  `json:"evaluation_time_ms"`
}

// AgentTrustInput is the trust slice of the v2 evaluation input.
type AgentTrustInput struct {
	CompositeScore  float64            `json:"composite_score"`
	Dimensions      map[string]float64 `json:"dimensions,omitempty"`
	Threshold       *float64           `json:"threshold,omitempty"`
	ThresholdAction *string            `json:"threshold_action,omitempty"`
}

// AgentInfoV2 is the enriched agent view passed to the v2 decision point.
type AgentInfoV2 struct {
	AgentID             string           `json:"agent_id"`
	DeveloperID         *string          `json:"developer_id,omitempty"`
	EnterpriseID        *string          `json:"enterprise_id,omitempty"`
	TenantID            *string          `json:"tenant_id,omitempty"`
	TenantHierarchyPath []string         `json:"tenant_hierarchy_path,omitempty"`
	TrustScore          *AgentTrustInput `json:"trust_score,omitempty"`
	Attribution         *Attribution     `json:"attribution,omitempty"`
}

// TenantGovernance is the governance slice of the v2 evaluation context.
type TenantGovernance struct {
	PolicyScope            string          `json:"policy_scope"` // root | inherit | local
	CustomPolicies         json.RawMessage `json:"custom_policies,omitempty"`
	TrustThresholdOverride *float64        `json:"trust_threshold_override,omitempty"`
}

// PolicyContext carries tenant governance into v2 evaluation.
type PolicyContext struct {
	TenantGovernance *TenantGovernance `json:"tenant_governance,omitempty"`
}

// EvaluateV2Request is the POST /v2/evaluate body.
type EvaluateV2Request struct {
	Agent   AgentInfoV2    `json:"agent"`
	Request RequestInfo    `json:"request"`
	Context *PolicyContext `json:"context,omitempty"`
}

// EvaluateV2Response is the v2 decision.
type EvaluateV2Response struct {
	Allowed             bool             `json:"allowed"`
	Reason              string           `json:"reason"`
	EvaluationTimeMs    int64            `json:"evaluation_time_ms"`
	TrustEvaluation     *TrustEvaluation `json:"trust_evaluation,omitempty"`
	TenantPolicyApplied *string          `json:"tenant_policy_applied,omitempty"`
	Warnings            []PolicyWarning  `json:"warnings"`
}
