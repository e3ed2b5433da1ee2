// Package tenants derives and validates the tenant hierarchy invariants:
// the depth/path/root triple materialised from the parent, governance and
// visibility defaults, and schema validation of the config documents.
package tenants

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pathwell/fabric/pkg/contracts"
)

// Derived is the computed hierarchy triple for a tenant.
type Derived struct {
	HierarchyDepth int
	HierarchyPath  []string
	RootTenantID   string
}

// DeriveRoot computes the derived fields for a parentless tenant.
func DeriveRoot(id, externalID string) Derived {
	return Derived{
		HierarchyDepth: 0,
		HierarchyPath:  []string{externalID},
		RootTenantID:   id,
	}
}

// DeriveChild computes the derived fields for a tenant under parent. The
// parent's own derived fields must already satisfy the invariants.
func DeriveChild(externalID string, parent *contracts.Tenant) Derived {
	path := make([]string, 0, len(parent.HierarchyPath)+1)
	path = append(path, parent.HierarchyPath...)
	path = append(path, externalID)
	return Derived{
		HierarchyDepth: parent.HierarchyDepth + 1,
		HierarchyPath:  path,
		RootTenantID:   parent.RootTenantID,
	}
}

// DefaultGovernance returns the governance document applied when the caller
// supplies none: roots own their policy scope, children inherit it.
func DefaultGovernance(isRoot bool) json.RawMessage {
	if isRoot {
		return json.RawMessage(`{"policy_scope":"root"}`)
	}
	return json.RawMessage(`{"policy_scope":"inherit"}`)
}

// DefaultVisibility returns the visibility document applied when the caller
// supplies none.
func DefaultVisibility() json.RawMessage {
	return json.RawMessage(`{"cross_tenant_visibility":"none"}`)
}

// ValidTenantType reports whether t is one of the four tenant types.
func ValidTenantType(t string) bool {
	switch t {
	case contracts.TenantPlatform, contracts.TenantParent, contracts.TenantChild, contracts.TenantInstance:
		return true
	}
	return false
}

// AncestorIDs returns the external IDs of the tenant's ancestors, root
// first, derived from the hierarchy path minus the tenant itself.
func AncestorIDs(t *contracts.Tenant) []string {
	if len(t.HierarchyPath) <= 1 {
		return nil
	}
	return t.HierarchyPath[:len(t.HierarchyPath)-1]
}

const governanceSchema = `{
  "type": "object",
  "properties": {
    "policy_scope": {"type": "string", "enum": ["root", "inherit", "local"]},
    "custom_policies": {"type": "object"},
    "trust_threshold_override": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["policy_scope"],
  "additionalProperties": true
}`

const visibilitySchema = `{
  "type": "object",
  "properties": {
    "cross_tenant_visibility": {"type": "string", "enum": ["none", "ancestors", "siblings", "all"]}
  },
  "required": ["cross_tenant_visibility"],
  "additionalProperties": true
}`

var (
	governanceValidator = jsonschema.MustCompileString("governance.json", governanceSchema)
	visibilityValidator = jsonschema.MustCompileString("visibility.json", visibilitySchema)
)

// ValidateGovernance checks a governance config document against the
// governance schema.
func ValidateGovernance(doc json.RawMessage) error {
	return validateDoc(governanceValidator, doc, "governance_config")
}

// ValidateVisibility checks a visibility config document against the
// visibility schema.
func ValidateVisibility(doc json.RawMessage) error {
	return validateDoc(visibilityValidator, doc, "visibility_config")
}

func validateDoc(schema *jsonschema.Schema, doc json.RawMessage, name string) error {
	if len(doc) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("%s is not valid JSON: %w", name, err)
	}
	if err := schema.Validate(v); err != nil {
		msg := err.Error()
		if idx := strings.IndexByte(msg, '\n'); idx > 0 {
			msg = msg[:idx]
		}
		return fmt.Errorf("%s rejected by schema: %s", name, msg)
	}
	return nil
}
