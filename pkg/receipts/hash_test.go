package receipts

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathwell/fabric/pkg/contracts"
)

func sampleReceipt() *contracts.Receipt {
	correlation := "order-42"
	bodyHash := "deadbeef"
	reason := "Policy allows request"
	policyVersion := "2026.08"
	evalMs := int64(3)
	agentID := "agent-1"
	developerID := "dev-1"
	return &contracts.Receipt{
		ReceiptID:     "11111111-1111-4111-8111-111111111111",
		TraceID:       "22222222-2222-4222-8222-222222222222",
		CorrelationID: &correlation,
		SpanID:        "33333333-3333-4333-8333-333333333333",
		Timestamp:     time.Date(2026, 8, 24, 12, 0, 0, 123456789, time.UTC),
		AgentID:       "agent-1",
		EventType:     contracts.EventGatewayRequest,
		EventSource:   contracts.EventSource{System: "pathwell", Service: "proxy-gateway", Version: "1.0.0"},
		Request: contracts.RequestInfo{
			Method:   "POST",
			Path:     "/api/orders",
			Headers:  map[string]string{"content-type": "application/json"},
			BodyHash: &bodyHash,
		},
		PolicyResult: contracts.PolicyOutcome{
			Allowed:          true,
			PolicyVersion:    &policyVersion,
			EvaluationTimeMs: &evalMs,
			Reason:           &reason,
		},
		IdentityResult: contracts.IdentityOutcome{
			Valid:       true,
			AgentID:     &agentID,
			DeveloperID: &developerID,
		},
	}
}

func TestComputeHashIsDeterministic(t *testing.T) {
	r := sampleReceipt()
	h1, err := ComputeHash(r)
	require.NoError(t, err)
	h2, err := ComputeHash(r)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeHashExcludesOwnHash(t *testing.T) {
	r := sampleReceipt()
	h1, err := ComputeHash(r)
	require.NoError(t, err)

	r.ReceiptHash = h1
	h2, err := ComputeHash(r)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestComputeHashChangesWithContent(t *testing.T) {
	r := sampleReceipt()
	h1, err := ComputeHash(r)
	require.NoError(t, err)

	r.Request.Path = "/api/orders/99"
	h2, err := ComputeHash(r)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestComputeHashChainLinkageChangesHash(t *testing.T) {
	r := sampleReceipt()
	h1, err := ComputeHash(r)
	require.NoError(t, err)

	prev := "aaaa"
	r.PreviousReceiptHash = &prev
	h2, err := ComputeHash(r)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

// A receipt without the tenant/trust adjunct must hash identically whether
// its adjunct pointers are nil or were never considered: the canonical
// encoding omits them entirely.
func TestComputeHashV1EncodingOmitsAdjunctFields(t *testing.T) {
	r := sampleReceipt()
	raw, err := json.Marshal(hashEnvelopeFrom(t, r))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "tenant_id")
	assert.NotContains(t, string(raw), "trust_snapshot")
	assert.NotContains(t, string(raw), "attribution_snapshot")
	// Nulls for the optional v1 fields are explicit.
	assert.Contains(t, string(raw), `"parent_span_id":null`)
	assert.Contains(t, string(raw), `"metadata":null`)
	assert.Contains(t, string(raw), `"previous_receipt_hash":null`)
}

func TestComputeHashV2AdjunctParticipates(t *testing.T) {
	r := sampleReceipt()
	h1, err := ComputeHash(r)
	require.NoError(t, err)

	tenant := "acme"
	r.TenantID = &tenant
	h2, err := ComputeHash(r)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestCanonicalEncodingFieldOrder(t *testing.T) {
	r := sampleReceipt()
	raw, err := json.Marshal(hashEnvelopeFrom(t, r))
	require.NoError(t, err)

	// Declaration order is the hashing contract: receipt_id leads, the
	// chain marker closes the v1 section.
	s := string(raw)
	assert.True(t, strings.HasPrefix(s, `{"receipt_id":`), s)
	first := strings.Index(s, `"trace_id"`)
	second := strings.Index(s, `"timestamp"`)
	third := strings.Index(s, `"previous_receipt_hash"`)
	assert.Less(t, first, second)
	assert.Less(t, second, third)
}

func hashEnvelopeFrom(t *testing.T, r *contracts.Receipt) hashEnvelope {
	t.Helper()
	metadata := r.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("null")
	}
	return hashEnvelope{
		ReceiptID:           r.ReceiptID,
		TraceID:             r.TraceID,
		CorrelationID:       r.CorrelationID,
		SpanID:              r.SpanID,
		ParentSpanID:        r.ParentSpanID,
		Timestamp:           r.Timestamp.UTC().Format(time.RFC3339Nano),
		AgentID:             r.AgentID,
		EventType:           r.EventType,
		EventSource:         r.EventSource,
		Request:             r.Request,
		PolicyResult:        r.PolicyResult,
		IdentityResult:      r.IdentityResult,
		Metadata:            metadata,
		PreviousReceiptHash: r.PreviousReceiptHash,
		TenantID:            r.TenantID,
		TrustSnapshot:       r.TrustSnapshot,
		AttributionSnapshot: r.AttributionSnapshot,
	}
}
