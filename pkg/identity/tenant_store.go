package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pathwell/fabric/pkg/contracts"
	"github.com/pathwell/fabric/pkg/tenants"
)

// CreateTenant inserts a tenant, computing the derived hierarchy fields
// from the parent (or as a root) and applying the governance/visibility
// defaults.
func (s *Store) CreateTenant(ctx context.Context, req *contracts.CreateTenantRequest) (*contracts.Tenant, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tenants WHERE external_id = $1)`, req.TenantID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check tenant existence: %w", err)
	}
	if exists {
		return nil, ErrTenantExists
	}

	now := time.Now().UTC()
	t := &contracts.Tenant{
		ID:               uuid.NewString(),
		ExternalID:       req.TenantID,
		TenantType:       req.TenantType,
		DisplayName:      req.DisplayName,
		GovernanceConfig: req.GovernanceConfig,
		VisibilityConfig: req.VisibilityConfig,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var parentID *string
	if req.ParentTenantID == nil {
		d := tenants.DeriveRoot(t.ID, t.ExternalID)
		t.HierarchyDepth = d.HierarchyDepth
		t.HierarchyPath = d.HierarchyPath
		t.RootTenantID = d.RootTenantID
	} else {
		parent, err := s.GetTenant(ctx, *req.ParentTenantID)
		if err != nil {
			return nil, err
		}
		d := tenants.DeriveChild(t.ExternalID, parent)
		t.HierarchyDepth = d.HierarchyDepth
		t.HierarchyPath = d.HierarchyPath
		t.RootTenantID = d.RootTenantID
		t.ParentTenantID = &parent.ExternalID
		parentID = &parent.ID
	}

	if len(t.GovernanceConfig) == 0 {
		t.GovernanceConfig = tenants.DefaultGovernance(req.ParentTenantID == nil)
	}
	if len(t.VisibilityConfig) == 0 {
		t.VisibilityConfig = tenants.DefaultVisibility()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, external_id, tenant_type, display_name, parent_tenant_id, root_tenant_id,
			hierarchy_depth, hierarchy_path, governance_config, visibility_config, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.ExternalID, t.TenantType, t.DisplayName, parentID, t.RootTenantID,
		t.HierarchyDepth, pq.Array(t.HierarchyPath), []byte(t.GovernanceConfig),
		[]byte(t.VisibilityConfig), nullableJSON(t.Metadata), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

const tenantColumns = `t.id, t.external_id, t.tenant_type, t.display_name, p.external_id, t.root_tenant_id,
	t.hierarchy_depth, t.hierarchy_path, t.governance_config, t.visibility_config, t.metadata,
	t.created_at, t.updated_at, t.deactivated_at`

const tenantFrom = ` FROM tenants t LEFT JOIN tenants p ON p.id = t.parent_tenant_id `

// GetTenant fetches an active tenant by external ID. Deactivated tenants
// are excluded.
func (s *Store) GetTenant(ctx context.Context, externalID string) (*contracts.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+tenantFrom+`WHERE t.external_id = $1 AND t.deactivated_at IS NULL`,
		externalID)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	return t, err
}

// UpdateTenant patches display_name, governance_config, visibility_config
// and metadata; absent fields are preserved (COALESCE semantics).
func (s *Store) UpdateTenant(ctx context.Context, externalID string, req *contracts.UpdateTenantRequest) (*contracts.Tenant, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET
			display_name      = COALESCE($1, display_name),
			governance_config = COALESCE($2, governance_config),
			visibility_config = COALESCE($3, visibility_config),
			metadata          = COALESCE($4, metadata),
			updated_at        = $5
		WHERE external_id = $6 AND deactivated_at IS NULL`,
		req.DisplayName, nullableJSON(req.GovernanceConfig), nullableJSON(req.VisibilityConfig),
		nullableJSON(req.Metadata), time.Now().UTC(), externalID,
	)
	if err != nil {
		return nil, fmt.Errorf("update tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update tenant rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrTenantNotFound
	}
	return s.GetTenant(ctx, externalID)
}

// DeactivateTenant soft-deletes a tenant.
func (s *Store) DeactivateTenant(ctx context.Context, externalID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET deactivated_at = $1
		WHERE external_id = $2 AND deactivated_at IS NULL`, time.Now().UTC(), externalID)
	if err != nil {
		return fmt.Errorf("deactivate tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate tenant rows: %w", err)
	}
	if affected == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// GetTenantHierarchy returns the tenant, its ancestors ordered by depth
// ascending, and its active direct children ordered by external ID.
func (s *Store) GetTenantHierarchy(ctx context.Context, externalID string) (*contracts.TenantHierarchy, error) {
	t, err := s.GetTenant(ctx, externalID)
	if err != nil {
		return nil, err
	}
	out := &contracts.TenantHierarchy{Tenant: *t, Ancestors: []contracts.Tenant{}, Children: []contracts.Tenant{}}

	if ancestorIDs := tenants.AncestorIDs(t); len(ancestorIDs) > 0 {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+tenantColumns+tenantFrom+`
			WHERE t.external_id = ANY($1) AND t.deactivated_at IS NULL
			ORDER BY t.hierarchy_depth ASC`, pq.Array(ancestorIDs))
		if err != nil {
			return nil, fmt.Errorf("query tenant ancestors: %w", err)
		}
		out.Ancestors, err = collectTenants(rows)
		if err != nil {
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tenantColumns+tenantFrom+`
		WHERE t.parent_tenant_id = $1 AND t.deactivated_at IS NULL
		ORDER BY t.external_id ASC`, t.ID)
	if err != nil {
		return nil, fmt.Errorf("query tenant children: %w", err)
	}
	out.Children, err = collectTenants(rows)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRelationship records a typed edge between two tenants. Self-loops
// and duplicate active edges of the same type are rejected.
func (s *Store) CreateRelationship(ctx context.Context, sourceExternalID string, req *contracts.CreateRelationshipRequest) (*contracts.TenantRelationship, error) {
	if sourceExternalID == req.TargetTenantID {
		return nil, ErrSelfRelationship
	}
	source, err := s.GetTenant(ctx, sourceExternalID)
	if err != nil {
		return nil, err
	}
	target, err := s.GetTenant(ctx, req.TargetTenantID)
	if err != nil {
		return nil, err
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM tenant_relationships
			WHERE source_tenant_id = $1 AND target_tenant_id = $2 AND relationship_type = $3
			AND (valid_until IS NULL OR valid_until > $4))`,
		source.ID, target.ID, req.RelationshipType, time.Now().UTC(),
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check relationship existence: %w", err)
	}
	if exists {
		return nil, ErrRelationshipExists
	}

	now := time.Now().UTC()
	rel := &contracts.TenantRelationship{
		ID:               uuid.NewString(),
		SourceTenantID:   source.ExternalID,
		TargetTenantID:   target.ExternalID,
		RelationshipType: req.RelationshipType,
		Permissions:      req.Permissions,
		Constraints:      req.Constraints,
		ValidFrom:        now,
		ValidUntil:       req.ValidUntil,
		CreatedAt:        now,
	}
	if len(rel.Permissions) == 0 {
		rel.Permissions = json.RawMessage(`{}`)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_relationships (id, source_tenant_id, target_tenant_id, relationship_type, permissions, constraints, valid_from, valid_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rel.ID, source.ID, target.ID, rel.RelationshipType, []byte(rel.Permissions),
		nullableJSON(rel.Constraints), rel.ValidFrom, rel.ValidUntil, rel.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert relationship: %w", err)
	}
	return rel, nil
}

// ListRelationships returns the edges where the tenant is the source.
func (s *Store) ListRelationships(ctx context.Context, sourceExternalID string) ([]contracts.TenantRelationship, error) {
	source, err := s.GetTenant(ctx, sourceExternalID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, src.external_id, tgt.external_id, r.relationship_type, r.permissions, r.constraints, r.valid_from, r.valid_until, r.created_at
		FROM tenant_relationships r
		JOIN tenants src ON src.id = r.source_tenant_id
		JOIN tenants tgt ON tgt.id = r.target_tenant_id
		WHERE r.source_tenant_id = $1
		ORDER BY r.created_at ASC`, source.ID)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []contracts.TenantRelationship{}
	for rows.Next() {
		var (
			rel         contracts.TenantRelationship
			permissions []byte
			constraints []byte
		)
		if err := rows.Scan(&rel.ID, &rel.SourceTenantID, &rel.TargetTenantID, &rel.RelationshipType,
			&permissions, &constraints, &rel.ValidFrom, &rel.ValidUntil, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		rel.Permissions = permissions
		rel.Constraints = constraints
		out = append(out, rel)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*contracts.Tenant, error) {
	var (
		t          contracts.Tenant
		path       pq.StringArray
		governance []byte
		visibility []byte
		metadata   []byte
	)
	err := row.Scan(&t.ID, &t.ExternalID, &t.TenantType, &t.DisplayName, &t.ParentTenantID,
		&t.RootTenantID, &t.HierarchyDepth, &path, &governance, &visibility, &metadata,
		&t.CreatedAt, &t.UpdatedAt, &t.DeactivatedAt)
	if err != nil {
		return nil, err
	}
	t.HierarchyPath = []string(path)
	t.GovernanceConfig = governance
	t.VisibilityConfig = visibility
	t.Metadata = metadata
	return &t, nil
}

func collectTenants(rows *sql.Rows) ([]contracts.Tenant, error) {
	defer func() { _ = rows.Close() }()
	out := []contracts.Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
