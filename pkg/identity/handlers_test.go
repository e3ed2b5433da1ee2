package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathwell/fabric/pkg/contracts"
	"github.com/pathwell/fabric/pkg/pki"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ca, err := pki.New()
	require.NoError(t, err)

	return NewService(NewStore(db), ca, "test"), mock
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterDeveloperConflict(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM developers`).
		WithArgs("dev1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rec := doJSON(t, svc.Routes(), http.MethodPost, "/v1/developers/register",
		`{"developer_id":"dev1","public_key":"PK1"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "developer_exists", body["error"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterDeveloperCreated(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM developers`).
		WithArgs("dev1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO developers`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, svc.Routes(), http.MethodPost, "/v1/developers/register",
		`{"developer_id":"dev1","public_key":"PK1"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp contracts.RegisterDeveloperResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Registered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func developerRows(enterpriseID any) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "external_id", "enterprise_id", "public_key", "tenant_id", "trust_score_id", "created_at", "updated_at",
	}).AddRow("uuid-dev", "devA", enterpriseID, "PKdev", nil, nil, now, now)
}

func TestRegisterAgentEnterpriseMismatch(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`SELECT id, external_id, enterprise_id, public_key`).
		WithArgs("devA").
		WillReturnRows(developerRows("E1"))

	rec := doJSON(t, svc.Routes(), http.MethodPost, "/v1/agents/register",
		`{"agent_id":"agent2","developer_id":"devA","enterprise_id":"E2","public_key":"PK2"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "enterprise_mismatch", body["error"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterAgentIssuesCertificateChain(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`SELECT id, external_id, enterprise_id, public_key`).
		WithArgs("dev1").
		WillReturnRows(developerRows(nil))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM agents`).
		WithArgs("agent1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO agents`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(t, svc.Routes(), http.MethodPost, "/v1/agents/register",
		`{"agent_id":"agent1","developer_id":"dev1","public_key":"PK1"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp contracts.RegisterAgentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "agent1", resp.AgentID)
	assert.Equal(t, 2, strings.Count(resp.CertificateChain, "BEGIN CERTIFICATE"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func agentRows(revokedAt any) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "external_id", "developer_id", "enterprise_id", "public_key", "certificate_chain",
		"tenant_id", "attribution", "trust_score_id", "created_at", "revoked_at",
	}).AddRow("uuid-agent", "agent1", "dev1", nil, "PK1", "CHAIN", nil, nil, nil, now, revokedAt)
}

func TestValidateAgentAfterRevoke(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`SELECT id, external_id, developer_id, enterprise_id`).
		WithArgs("agent1").
		WillReturnRows(agentRows(time.Now()))

	rec := doJSON(t, svc.Routes(), http.MethodGet, "/v1/agents/agent1/validate", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var result contracts.ValidateAgentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Valid)
	assert.True(t, result.Revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAgentTwiceIsNotFound(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectExec(`UPDATE agents SET revoked_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := doJSON(t, svc.Routes(), http.MethodPost, "/v1/agents/agent1/revoke", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateAgentV2CarriesTrustSummary(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(`SELECT id, external_id, developer_id, enterprise_id`).
		WithArgs("agent1").
		WillReturnRows(agentRows(nil))
	mock.ExpectQuery(`SELECT id, entity_type, entity_id, composite_score`).
		WithArgs("agent", "agent1").
		WillReturnRows(trustScoreRows("0.2000", "0.3000", "block"))

	rec := doJSON(t, svc.Routes(), http.MethodGet, "/v2/agents/agent1/validate", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result contracts.ValidateAgentV2Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)
	require.NotNil(t, result.TrustScoreSummary)
	assert.InDelta(t, 0.2, result.TrustScoreSummary.CompositeScore, 1e-9)
	assert.False(t, result.TrustScoreSummary.IsTrusted)
	require.NotNil(t, result.TrustScoreSummary.ThresholdAction)
	assert.Equal(t, "block", *result.TrustScoreSummary.ThresholdAction)
	assert.NoError(t, mock.ExpectationsWereMet())
}
