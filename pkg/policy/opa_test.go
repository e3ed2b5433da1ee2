package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathwell/fabric/pkg/contracts"
)

func opaServer(t *testing.T, handler func(path string, input map[string]any) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelope struct {
			Input map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		status, body := handler(r.URL.Path, envelope.Input)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func v1Request() *contracts.EvaluateRequest {
	return &contracts.EvaluateRequest{
		Agent:   contracts.AgentInfo{AgentID: "agent1"},
		Request: contracts.RequestInfo{Method: "GET", Path: "/api/foo", Headers: map[string]string{}},
	}
}

func TestOPAEvaluateV1Allow(t *testing.T) {
	srv := opaServer(t, func(path string, input map[string]any) (int, string) {
		assert.Equal(t, "/v1/data/pathwell/authz/allow", path)
		assert.Contains(t, input, "agent")
		assert.Contains(t, input, "request")
		return http.StatusOK, `{"result": true}`
	})

	engine := NewOPAEngine(OPAConfig{URL: srv.URL})
	resp, err := engine.EvaluateV1(context.Background(), v1Request())
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, ReasonAllowed, resp.Reason)
	assert.GreaterOrEqual(t, resp.EvaluationTimeMs, int64(0))
}

func TestOPAEvaluateV1MissingResultDenies(t *testing.T) {
	srv := opaServer(t, func(string, map[string]any) (int, string) {
		return http.StatusOK, `{}`
	})

	engine := NewOPAEngine(OPAConfig{URL: srv.URL})
	resp, err := engine.EvaluateV1(context.Background(), v1Request())
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, ReasonDenied, resp.Reason)
}

func TestOPAEvaluateV1HTTPErrorDenies(t *testing.T) {
	srv := opaServer(t, func(string, map[string]any) (int, string) {
		return http.StatusInternalServerError, `boom`
	})

	engine := NewOPAEngine(OPAConfig{URL: srv.URL})
	resp, err := engine.EvaluateV1(context.Background(), v1Request())
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, "OPA evaluation failed: 500", resp.Reason)
}

func TestOPAEvaluateV1NetworkErrorPropagates(t *testing.T) {
	engine := NewOPAEngine(OPAConfig{URL: "http://127.0.0.1:1"})
	_, err := engine.EvaluateV1(context.Background(), v1Request())
	assert.Error(t, err)
}

func v2Request(score float64, action string) *contracts.EvaluateV2Request {
	var actionPtr *string
	if action != "" {
		actionPtr = &action
	}
	return &contracts.EvaluateV2Request{
		Agent: contracts.AgentInfoV2{
			AgentID:             "agentX",
			TenantHierarchyPath: []string{"acme"},
			TrustScore: &contracts.AgentTrustInput{
				CompositeScore:  score,
				ThresholdAction: actionPtr,
			},
		},
		Request: contracts.RequestInfo{Method: "POST", Path: "/api/orders", Headers: map[string]string{}},
	}
}

func TestOPAEvaluateV2TrustBlock(t *testing.T) {
	srv := opaServer(t, func(path string, input map[string]any) (int, string) {
		assert.Equal(t, "/v1/data/pathwell/authz/v2", path)
		agent := input["agent"].(map[string]any)
		assert.Contains(t, agent, "trust_score")
		assert.Contains(t, agent, "tenant_hierarchy_path")
		return http.StatusOK, `{"result": {"allow": false, "trust_action": "block", "applied_threshold": 0.3}}`
	})

	engine := NewOPAEngine(OPAConfig{URL: srv.URL})
	resp, err := engine.EvaluateV2(context.Background(), v2Request(0.2, "block"))
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, ReasonTrustBelowFloor, resp.Reason)
	require.NotNil(t, resp.TrustEvaluation)
	assert.True(t, resp.TrustEvaluation.TrustScoreChecked)
	assert.InDelta(t, 0.2, resp.TrustEvaluation.TrustScore, 1e-9)
	assert.InDelta(t, 0.3, resp.TrustEvaluation.Threshold, 1e-9)
	assert.False(t, resp.TrustEvaluation.Passed)
	require.NotNil(t, resp.TrustEvaluation.ActionTaken)
	assert.Equal(t, "block", *resp.TrustEvaluation.ActionTaken)
}

func TestOPAEvaluateV2AllowWithDefaultThreshold(t *testing.T) {
	srv := opaServer(t, func(string, map[string]any) (int, string) {
		return http.StatusOK, `{"result": {"allow": true}}`
	})

	engine := NewOPAEngine(OPAConfig{URL: srv.URL})
	resp, err := engine.EvaluateV2(context.Background(), v2Request(0.9, ""))
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, ReasonAllowed, resp.Reason)
	require.NotNil(t, resp.TrustEvaluation)
	assert.InDelta(t, DefaultTrustThreshold, resp.TrustEvaluation.Threshold, 1e-9)
	assert.True(t, resp.TrustEvaluation.Passed)
	assert.Empty(t, resp.Warnings)
}

func TestOPAEvaluateV2NoTrustScoreNoEvaluation(t *testing.T) {
	srv := opaServer(t, func(string, map[string]any) (int, string) {
		return http.StatusOK, `{"result": {"allow": true}}`
	})

	engine := NewOPAEngine(OPAConfig{URL: srv.URL})
	req := v2Request(0, "")
	req.Agent.TrustScore = nil
	resp, err := engine.EvaluateV2(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Nil(t, resp.TrustEvaluation)
}

func TestOPAEvaluateV2HTTPErrorDenies(t *testing.T) {
	srv := opaServer(t, func(string, map[string]any) (int, string) {
		return http.StatusBadGateway, ``
	})

	engine := NewOPAEngine(OPAConfig{URL: srv.URL})
	resp, err := engine.EvaluateV2(context.Background(), v2Request(0.9, ""))
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, "OPA evaluation failed: 502", resp.Reason)
	assert.NotNil(t, resp.Warnings)
}
