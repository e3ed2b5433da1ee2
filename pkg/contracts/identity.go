package contracts

import (
	"encoding/json"
	"time"
)

// Enterprise is a top-level organisation owning developers and agents.
type Enterprise struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"enterprise_id"`
	PublicKeyPEM string    `json:"public_key"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Developer owns agents; optionally scoped to an enterprise and a tenant.
type Developer struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"developer_id"`
	EnterpriseID *string   `json:"enterprise_id,omitempty"`
	PublicKeyPEM string    `json:"public_key"`
	TenantID     *string   `json:"tenant_id,omitempty"`
	TrustScoreID *string   `json:"trust_score_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Attribution is the provenance and licensing metadata embedded per agent.
type Attribution struct {
	CreatorID               *string         `json:"creator_id,omitempty"`
	PublisherID             *string         `json:"publisher_id,omitempty"`
	ConsumerChain           []string        `json:"consumer_chain,omitempty"`
	RevenueToken            *string         `json:"revenue_token,omitempty"`
	RoyaltyDistributionMap  json.RawMessage `json:"royalty_distribution_map,omitempty"`
	LicensingTerms          *string         `json:"licensing_terms,omitempty"`
	AttributionProtocolURI  *string         `json:"attribution_protocol_uri,omitempty"`
	VersionLineage          []string        `json:"version_lineage,omitempty"`
	AuditVisibilityScope    string          `json:"audit_visibility_scope"` // public | tenant | private
}

// Agent is a non-human caller identified by a key pair and an external ID.
type Agent struct {
	ID               string       `json:"id"`
	ExternalID       string       `json:"agent_id"`
	DeveloperID      string       `json:"developer_id"`
	EnterpriseID     *string      `json:"enterprise_id,omitempty"`
	PublicKeyPEM     string       `json:"public_key"`
	CertificateChain string       `json:"certificate_chain"`
	TenantID         *string      `json:"tenant_id,omitempty"`
	Attribution      *Attribution `json:"attribution,omitempty"`
	TrustScoreID     *string      `json:"trust_score_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	RevokedAt        *time.Time   `json:"revoked_at,omitempty"`
}

// RegisterDeveloperRequest is the POST /v1/developers/register body.
type RegisterDeveloperRequest struct {
	DeveloperID  string  `json:"developer_id"`
	EnterpriseID *string `json:"enterprise_id,omitempty"`
	PublicKeyPEM string  `json:"public_key"`
	TenantID     *string `json:"tenant_id,omitempty"`
}

// RegisterDeveloperResponse acknowledges a developer registration.
type RegisterDeveloperResponse struct {
	DeveloperID string `json:"developer_id"`
	Registered  bool   `json:"registered"`
}

// RegisterAgentRequest is the POST /v1/agents/register body.
type RegisterAgentRequest struct {
	AgentID      string       `json:"agent_id"`
	DeveloperID  string       `json:"developer_id"`
	EnterpriseID *string      `json:"enterprise_id,omitempty"`
	PublicKeyPEM string       `json:"public_key"`
	TenantID     *string      `json:"tenant_id,omitempty"`
	Attribution  *Attribution `json:"attribution,omitempty"`
}

// RegisterAgentResponse carries the issued certificate chain.
type RegisterAgentResponse struct {
	AgentID          string `json:"agent_id"`
	CertificateChain string `json:"certificate_chain"`
	Registered       bool   `json:"registered"`
}

// ValidateAgentResult is the v1 GET /v1/agents/:id/validate response.
type ValidateAgentResult struct {
	Valid        bool    `json:"valid"`
	AgentID      string  `json:"agent_id"`
	DeveloperID  *string `json:"developer_id,omitempty"`
	EnterpriseID *string `json:"enterprise_id,omitempty"`
	Revoked      bool    `json:"revoked"`
}

// TrustScoreSummary is the abridged trust view returned by v2 validation.
type TrustScoreSummary struct {
	CompositeScore  float64  `json:"composite_score"`
	IsTrusted       bool     `json:"is_trusted"`
	Threshold       *float64 `json:"threshold,omitempty"`
	ThresholdAction *string  `json:"threshold_action,omitempty"`
}

// AttributionSummary is the abridged attribution view returned by v2
// validation.
type AttributionSummary struct {
	CreatorID            *string `json:"creator_id,omitempty"`
	PublisherID          *string `json:"publisher_id,omitempty"`
	ConsumerCount        int     `json:"consumer_count"`
	AuditVisibilityScope string  `json:"audit_visibility_scope"`
}

// ValidateAgentV2Result enriches v1 validation with tenant, trust and
// attribution context for policy evaluation.
type ValidateAgentV2Result struct {
	Valid               bool                `json:"valid"`
	AgentID             string              `json:"agent_id"`
	DeveloperID         *string             `json:"developer_id,omitempty"`
	EnterpriseID        *string             `json:"enterprise_id,omitempty"`
	Revoked             bool                `json:"revoked"`
	TenantID            *string             `json:"tenant_id,omitempty"`
	TenantHierarchyPath []string            `json:"tenant_hierarchy_path,omitempty"`
	TrustScoreSummary   *TrustScoreSummary  `json:"trust_score_summary,omitempty"`
	AttributionSummary  *AttributionSummary `json:"attribution_summary,omitempty"`
}

// RevokeAgentResponse acknowledges a revocation.
type RevokeAgentResponse struct {
	AgentID   string    `json:"agent_id"`
	RevokedAt time.Time `json:"revoked_at"`
}
