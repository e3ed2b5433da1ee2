package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathwell/fabric/pkg/config"
	"github.com/pathwell/fabric/pkg/contracts"
)

type proxyFixture struct {
	proxy        *Proxy
	upstream     *httptest.Server
	receipts     chan contracts.StoreReceiptRequest
	upstreamHits *atomic.Int32
}

func validIdentity() contracts.ValidateAgentV2Result {
	dev := "dev-1"
	threshold := 0.3
	return contracts.ValidateAgentV2Result{
		Valid:       true,
		AgentID:     "agent-1",
		DeveloperID: &dev,
		TrustScoreSummary: &contracts.TrustScoreSummary{
			CompositeScore: 0.8,
			IsTrusted:      true,
			Threshold:      &threshold,
		},
	}
}

func allowDecision() contracts.EvaluateV2Response {
	return contracts.EvaluateV2Response{
		Allowed:  true,
		Reason:   "Policy allows request",
		Warnings: []contracts.PolicyWarning{},
	}
}

// newProxyFixture builds a proxy against stub identity, policy, receipt
// and upstream servers. Pass nil handlers for defaults (valid identity,
// allow decision).
func newProxyFixture(t *testing.T, identityStatus int, identity contracts.ValidateAgentV2Result, decision contracts.EvaluateV2Response) *proxyFixture {
	t.Helper()

	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		// The gateway must strip its own control headers and re-inject
		// authoritative trace context.
		assert.Empty(t, r.Header.Get(headerAgentID))
		assert.NotEmpty(t, r.Header.Get(headerTraceID))
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("echo:"), body...))
	}))
	t.Cleanup(upstream.Close)

	identitySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/v2/agents/"), r.URL.Path)
		w.WriteHeader(identityStatus)
		_ = json.NewEncoder(w).Encode(identity)
	}))
	t.Cleanup(identitySrv.Close)

	policySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/evaluate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(decision)
	}))
	t.Cleanup(policySrv.Close)

	receipts := make(chan contracts.StoreReceiptRequest, 4)
	receiptSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var receipt contracts.StoreReceiptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&receipt))
		receipts <- receipt
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(receiptSrv.Close)

	cfg := &config.Gateway{
		TargetBackendURL: upstream.URL,
		UpstreamTimeout:  5 * time.Second,
	}
	proxy, err := NewProxy(cfg,
		NewIdentityClient(identitySrv.URL, nil),
		NewPolicyClient(policySrv.URL),
		NewReceiptClient(receiptSrv.URL),
		"test")
	require.NoError(t, err)

	return &proxyFixture{proxy: proxy, upstream: upstream, receipts: receipts, upstreamHits: &upstreamHits}
}

func waitReceipt(t *testing.T, ch chan contracts.StoreReceiptRequest) contracts.StoreReceiptRequest {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no receipt submitted")
		return contracts.StoreReceiptRequest{}
	}
}

func TestProxyRequiresAgentHeader(t *testing.T) {
	fx := newProxyFixture(t, http.StatusOK, validIdentity(), allowDecision())

	req := httptest.NewRequest("GET", "/api/orders", nil)
	rec := httptest.NewRecorder()
	fx.proxy.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(0), fx.upstreamHits.Load())
}

func TestProxyRejectsUnsupportedMethod(t *testing.T) {
	fx := newProxyFixture(t, http.StatusOK, validIdentity(), allowDecision())

	req := httptest.NewRequest("OPTIONS", "/api/orders", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rec := httptest.NewRecorder()
	fx.proxy.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, int32(0), fx.upstreamHits.Load())

	// The refusal is receipted like any other denial.
	receipt := waitReceipt(t, fx.receipts)
	assert.Equal(t, "agent-1", receipt.AgentID)
	assert.Equal(t, "OPTIONS", receipt.Request.Method)
	assert.False(t, receipt.PolicyResult.Allowed)
	require.NotNil(t, receipt.PolicyResult.Reason)
	assert.Equal(t, "Method not allowed", *receipt.PolicyResult.Reason)

	var metadata map[string]any
	require.NoError(t, json.Unmarshal(receipt.Metadata, &metadata))
	assert.Equal(t, "Method not allowed", metadata["error_reason"])
	assert.Equal(t, float64(405), metadata["status_code"])
}

func TestProxyForwardsAllowedRequest(t *testing.T) {
	fx := newProxyFixture(t, http.StatusOK, validIdentity(), allowDecision())

	req := httptest.NewRequest("POST", "/api/orders", strings.NewReader(`{"sku":"A1"}`))
	req.Header.Set(headerAgentID, "agent-1")
	req.Header.Set(headerCorrelationID, "order-42")
	rec := httptest.NewRecorder()
	fx.proxy.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, `echo:{"sku":"A1"}`, rec.Body.String())
	traceID := rec.Header().Get(headerTraceID)
	_, err := uuid.Parse(traceID)
	assert.NoError(t, err)

	receipt := waitReceipt(t, fx.receipts)
	assert.Equal(t, "agent-1", receipt.AgentID)
	require.NotNil(t, receipt.TraceID)
	assert.Equal(t, traceID, *receipt.TraceID)
	require.NotNil(t, receipt.CorrelationID)
	assert.Equal(t, "order-42", *receipt.CorrelationID)
	assert.True(t, receipt.PolicyResult.Allowed)
	assert.True(t, receipt.IdentityResult.Valid)
	require.NotNil(t, receipt.Request.BodyHash)
	assert.Len(t, *receipt.Request.BodyHash, 64)
	require.NotNil(t, receipt.TrustSnapshot)
	assert.InDelta(t, 0.8, receipt.TrustSnapshot.CompositeScore, 1e-9)

	// The gateway's own span id travels with the receipt so causality can
	// be reconstructed from (span_id, parent_span_id).
	require.NotNil(t, receipt.SpanID)
	_, err = uuid.Parse(*receipt.SpanID)
	assert.NoError(t, err)
}

func TestProxyKeepsCallerTraceID(t *testing.T) {
	fx := newProxyFixture(t, http.StatusOK, validIdentity(), allowDecision())
	supplied := uuid.NewString()

	req := httptest.NewRequest("GET", "/api/orders", nil)
	req.Header.Set(headerAgentID, "agent-1")
	req.Header.Set(headerTraceID, supplied)
	rec := httptest.NewRecorder()
	fx.proxy.Routes().ServeHTTP(rec, req)

	assert.Equal(t, supplied, rec.Header().Get(headerTraceID))
	waitReceipt(t, fx.receipts)
}

func TestProxyMintsTraceIDWhenHeaderInvalid(t *testing.T) {
	fx := newProxyFixture(t, http.StatusOK, validIdentity(), allowDecision())

	req := httptest.NewRequest("GET", "/api/orders", nil)
	req.Header.Set(headerAgentID, "agent-1")
	req.Header.Set(headerTraceID, "not-a-uuid")
	rec := httptest.NewRecorder()
	fx.proxy.Routes().ServeHTTP(rec, req)

	traceID := rec.Header().Get(headerTraceID)
	assert.NotEqual(t, "not-a-uuid", traceID)
	_, err := uuid.Parse(traceID)
	assert.NoError(t, err)
	waitReceipt(t, fx.receipts)
}

func TestProxyDeniesRevokedIdentity(t *testing.T) {
	identity := validIdentity()
	identity.Revoked = true
	fx := newProxyFixture(t, http.StatusOK, identity, allowDecision())

	req := httptest.NewRequest("GET", "/api/orders", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rec := httptest.NewRecorder()
	fx.proxy.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, int32(0), fx.upstreamHits.Load())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "request_denied", body["error"])
	assert.Equal(t, "Agent identity invalid or revoked", body["reason"])
	assert.Equal(t, float64(403), body["status"])
	assert.NotEmpty(t, body["trace_id"])

	receipt := waitReceipt(t, fx.receipts)
	assert.False(t, receipt.IdentityResult.Valid)
	assert.False(t, receipt.PolicyResult.Allowed)
}

func TestProxyDeniesWhenIdentityRegistryUnreachable(t *testing.T) {
	fx := newProxyFixture(t, http.StatusOK, validIdentity(), allowDecision())
	fx.proxy.identity = NewIdentityClient("http://127.0.0.1:1", nil)

	req := httptest.NewRequest("GET", "/api/orders", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rec := httptest.NewRecorder()
	fx.proxy.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["reason"], "Identity validation failed:")
	assert.Equal(t, int32(0), fx.upstreamHits.Load())
	waitReceipt(t, fx.receipts)
}

func TestProxyDeniesOnPolicyDecision(t *testing.T) {
	decision := contracts.EvaluateV2Response{
		Allowed:  false,
		Reason:   "Trust score below minimum threshold",
		Warnings: []contracts.PolicyWarning{},
	}
	fx := newProxyFixture(t, http.StatusOK, validIdentity(), decision)

	req := httptest.NewRequest("DELETE", "/api/orders/3", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rec := httptest.NewRecorder()
	fx.proxy.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, int32(0), fx.upstreamHits.Load())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Trust score below minimum threshold", body["reason"])

	receipt := waitReceipt(t, fx.receipts)
	assert.False(t, receipt.PolicyResult.Allowed)
	var metadata map[string]any
	require.NoError(t, json.Unmarshal(receipt.Metadata, &metadata))
	assert.Equal(t, "Trust score below minimum threshold", metadata["error_reason"])
	assert.Equal(t, float64(403), metadata["status_code"])
}

func TestProxyFailsClosedWhenPolicyEngineUnreachable(t *testing.T) {
	fx := newProxyFixture(t, http.StatusOK, validIdentity(), allowDecision())
	fx.proxy.policy = NewPolicyClient("http://127.0.0.1:1")

	req := httptest.NewRequest("GET", "/api/orders", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rec := httptest.NewRecorder()
	fx.proxy.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, int32(0), fx.upstreamHits.Load())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "policy_evaluation_error", body["error"])
	waitReceipt(t, fx.receipts)
}

func TestProxyAnswersBadGatewayWhenUpstreamDown(t *testing.T) {
	fx := newProxyFixture(t, http.StatusOK, validIdentity(), allowDecision())
	fx.upstream.Close()

	req := httptest.NewRequest("GET", "/api/orders", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rec := httptest.NewRecorder()
	fx.proxy.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bad_gateway", body["error"])
	waitReceipt(t, fx.receipts)
}
