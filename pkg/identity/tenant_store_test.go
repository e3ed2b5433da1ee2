package identity

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathwell/fabric/pkg/contracts"
)

func tenantRows(externalID, pathLiteral string, depth int, rootID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "external_id", "tenant_type", "display_name", "parent_external_id", "root_tenant_id",
		"hierarchy_depth", "hierarchy_path", "governance_config", "visibility_config", "metadata",
		"created_at", "updated_at", "deactivated_at",
	}).AddRow("uuid-"+externalID, externalID, "platform", nil, nil, rootID,
		depth, pathLiteral, []byte(`{"policy_scope":"root"}`), []byte(`{"cross_tenant_visibility":"none"}`), nil,
		now, now, nil)
}

func TestCreateRootTenantDerivesFields(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM tenants`).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO tenants`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, svc.Routes(), http.MethodPost, "/v1/tenants",
		`{"tenant_id":"acme","tenant_type":"platform"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tenant contracts.Tenant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tenant))
	assert.Equal(t, 0, tenant.HierarchyDepth)
	assert.Equal(t, []string{"acme"}, tenant.HierarchyPath)
	assert.Equal(t, tenant.ID, tenant.RootTenantID)
	assert.JSONEq(t, `{"policy_scope":"root"}`, string(tenant.GovernanceConfig))
	assert.JSONEq(t, `{"cross_tenant_visibility":"none"}`, string(tenant.VisibilityConfig))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateChildTenantDerivesFromParent(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM tenants`).
		WithArgs("acme-eu").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT t\.id, t\.external_id`).
		WithArgs("acme").
		WillReturnRows(tenantRows("acme", "{acme}", 0, "uuid-acme"))
	mock.ExpectExec(`INSERT INTO tenants`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, svc.Routes(), http.MethodPost, "/v1/tenants",
		`{"tenant_id":"acme-eu","tenant_type":"child","parent_tenant_id":"acme"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tenant contracts.Tenant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tenant))
	assert.Equal(t, 1, tenant.HierarchyDepth)
	assert.Equal(t, []string{"acme", "acme-eu"}, tenant.HierarchyPath)
	assert.Equal(t, "uuid-acme", tenant.RootTenantID)
	assert.JSONEq(t, `{"policy_scope":"inherit"}`, string(tenant.GovernanceConfig))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenantMissingParent(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM tenants`).
		WithArgs("orphan").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT t\.id, t\.external_id`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := doJSON(t, svc.Routes(), http.MethodPost, "/v1/tenants",
		`{"tenant_id":"orphan","tenant_type":"child","parent_tenant_id":"ghost"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenantRejectsBadGovernance(t *testing.T) {
	svc, _ := newTestService(t)
	rec := doJSON(t, svc.Routes(), http.MethodPost, "/v1/tenants",
		`{"tenant_id":"acme","tenant_type":"platform","governance_config":{"policy_scope":"everything"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTenantHierarchy(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	child := sqlmock.NewRows([]string{
		"id", "external_id", "tenant_type", "display_name", "parent_external_id", "root_tenant_id",
		"hierarchy_depth", "hierarchy_path", "governance_config", "visibility_config", "metadata",
		"created_at", "updated_at", "deactivated_at",
	}).AddRow("uuid-acme-eu", "acme-eu", "child", nil, "acme", "uuid-acme",
		1, "{acme,acme-eu}", []byte(`{"policy_scope":"inherit"}`), []byte(`{"cross_tenant_visibility":"none"}`), nil,
		now, now, nil)

	mock.ExpectQuery(`SELECT t\.id, t\.external_id`).
		WithArgs("acme-eu").
		WillReturnRows(child)
	mock.ExpectQuery(`ORDER BY t\.hierarchy_depth ASC`).
		WillReturnRows(tenantRows("acme", "{acme}", 0, "uuid-acme"))
	mock.ExpectQuery(`ORDER BY t\.external_id ASC`).
		WithArgs("uuid-acme-eu").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "external_id", "tenant_type", "display_name", "parent_external_id", "root_tenant_id",
			"hierarchy_depth", "hierarchy_path", "governance_config", "visibility_config", "metadata",
			"created_at", "updated_at", "deactivated_at",
		}))

	rec := doJSON(t, svc.Routes(), http.MethodGet, "/v1/tenants/acme-eu/hierarchy", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var h contracts.TenantHierarchy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	require.Len(t, h.Ancestors, 1)
	assert.Equal(t, "acme", h.Ancestors[0].ExternalID)
	assert.Empty(t, h.Children)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateTenant(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectExec(`UPDATE tenants SET deactivated_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, svc.Routes(), http.MethodDelete, "/v1/tenants/acme", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelationshipSelfLoopRejected(t *testing.T) {
	svc, _ := newTestService(t)
	rec := doJSON(t, svc.Routes(), http.MethodPost, "/v1/tenants/acme/relationships",
		`{"target_tenant_id":"acme","relationship_type":"owns"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
