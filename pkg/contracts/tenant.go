package contracts

import (
	"encoding/json"
	"time"
)

// TenantType values. The tree is rooted at platform or parent tenants.
const (
	TenantPlatform = "platform"
	TenantParent   = "parent"
	TenantChild    = "child"
	TenantInstance = "instance"
)

// Tenant is an isolation boundary organised in a rooted tree. The
// depth/path/root triple is derived from the parent and recomputed on any
// parent change.
type Tenant struct {
	ID               string          `json:"id"`
	ExternalID       string          `json:"tenant_id"`
	TenantType       string          `json:"tenant_type"`
	DisplayName      *string         `json:"display_name,omitempty"`
	ParentTenantID   *string         `json:"parent_tenant_id,omitempty"`
	RootTenantID     string          `json:"root_tenant_id"`
	HierarchyDepth   int             `json:"hierarchy_depth"`
	HierarchyPath    []string        `json:"hierarchy_path"`
	GovernanceConfig json.RawMessage `json:"governance_config"`
	VisibilityConfig json.RawMessage `json:"visibility_config"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	DeactivatedAt    *time.Time      `json:"deactivated_at,omitempty"`
}

// CreateTenantRequest is the POST /v1/tenants body.
type CreateTenantRequest struct {
	TenantID         string          `json:"tenant_id"`
	TenantType       string          `json:"tenant_type"`
	DisplayName      *string         `json:"display_name,omitempty"`
	ParentTenantID   *string         `json:"parent_tenant_id,omitempty"`
	GovernanceConfig json.RawMessage `json:"governance_config,omitempty"`
	VisibilityConfig json.RawMessage `json:"visibility_config,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// UpdateTenantRequest is the PATCH /v1/tenants/:id body. Absent fields are
// preserved (COALESCE semantics).
type UpdateTenantRequest struct {
	DisplayName      *string         `json:"display_name,omitempty"`
	GovernanceConfig json.RawMessage `json:"governance_config,omitempty"`
	VisibilityConfig json.RawMessage `json:"visibility_config,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// TenantHierarchy is the GET /v1/tenants/:id/hierarchy response: the tenant,
// its ancestors ordered root-first, and its active direct children.
type TenantHierarchy struct {
	Tenant    Tenant   `json:"tenant"`
	Ancestors []Tenant `json:"ancestors"`
	Children  []Tenant `json:"children"`
}

// Relationship type values.
const (
	RelationshipOwns      = "owns"
	RelationshipGoverns   = "governs"
	RelationshipDelegates = "delegates"
	RelationshipObserves  = "observes"
)

// TenantRelationship is a typed, time-bounded edge between two tenants.
// Self-loops are forbidden; at most one active row per (source, target,
// type).
type TenantRelationship struct {
	ID               string          `json:"id"`
	SourceTenantID   string          `json:"source_tenant_id"`
	TargetTenantID   string          `json:"target_tenant_id"`
	RelationshipType string          `json:"relationship_type"`
	Permissions      json.RawMessage `json:"permissions"`
	Constraints      json.RawMessage `json:"constraints,omitempty"`
	ValidFrom        time.Time       `json:"valid_from"`
	ValidUntil       *time.Time      `json:"valid_until,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// CreateRelationshipRequest is the POST /v1/tenants/:id/relationships body;
// the source tenant comes from the path.
type CreateRelationshipRequest struct {
	TargetTenantID   string          `json:"target_tenant_id"`
	RelationshipType string          `json:"relationship_type"`
	Permissions      json.RawMessage `json:"permissions,omitempty"`
	Constraints      json.RawMessage `json:"constraints,omitempty"`
	ValidUntil       *time.Time      `json:"valid_until,omitempty"`
}
