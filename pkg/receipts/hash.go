// Package receipts implements the receipt store: hash-chained decision
// records, trace aggregation, timelines and decision trees.
package receipts

import (
	"encoding/json"
	"time"

	"github.com/pathwell/fabric/pkg/canonicalize"
	"github.com/pathwell/fabric/pkg/contracts"
)

// hashEnvelope is the canonical encoding of a receipt for hashing: the
// receipt minus its own hash, fields in the fixed canonical order. The v2
// adjunct fields are omitted when unset so v1 receipt hashes are identical
// to those produced before the adjunct existed.
type hashEnvelope struct {
	ReceiptID           string                         `json:"receipt_id"`
	TraceID             string                         `json:"trace_id"`
	CorrelationID       *string                        `json:"correlation_id"`
	SpanID              string                         `json:"span_id"`
	ParentSpanID        *string                        `json:"parent_span_id"`
	Timestamp           string                         `json:"timestamp"`
	AgentID             string                         `json:"agent_id"`
	EventType           contracts.EventType            `json:"event_type"`
	EventSource         contracts.EventSource          `json:"event_source"`
	Request             contracts.RequestInfo          `json:"request"`
	PolicyResult        contracts.PolicyOutcome        `json:"policy_result"`
	IdentityResult      contracts.IdentityOutcome      `json:"identity_result"`
	Metadata            json.RawMessage                `json:"metadata"`
	PreviousReceiptHash *string                        `json:"previous_receipt_hash"`
	TenantID            *string                        `json:"tenant_id,omitempty"`
	TrustSnapshot       *contracts.TrustSnapshot       `json:"trust_snapshot,omitempty"`
	AttributionSnapshot *contracts.AttributionSnapshot `json:"attribution_snapshot,omitempty"`
}

// ComputeHash returns the SHA-256 hex digest of the receipt's canonical
// encoding. The receipt_hash field itself is excluded; everything else,
// including explicit nulls, participates.
func ComputeHash(r *contracts.Receipt) (string, error) {
	metadata := r.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("null")
	}
	env := hashEnvelope{
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
	return canonicalize.DeclaredOrderHash(env)
}
