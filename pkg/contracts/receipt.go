// Package contracts defines the wire types shared across the Pathwell
// services: receipts, traces, identity results, policy decisions, tenants
// and trust scores. Field order in the receipt types is load-bearing: the
// receipt hash is computed over the canonical JSON encoding, which follows
// struct declaration order.
package contracts

import (
	"encoding/json"
	"time"
)

// EventType classifies the origin of a receipt.
type EventType string

const (
	EventGatewayRequest     EventType = "gateway_request"
	EventPolicyEvaluation   EventType = "policy_evaluation"
	EventIdentityValidation EventType = "identity_validation"
	EventExternal           EventType = "external_event"
	EventHumanAction        EventType = "human_action"
)

// EventSource identifies the emitting system.
type EventSource struct {
	System  string `json:"system"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// RequestInfo is the request envelope captured in a receipt.
type RequestInfo struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Headers  map[string]string `json:"headers"`
	BodyHash *string           `json:"body_hash"`
}

// TrustEvaluation records the trust-threshold check made during policy
// evaluation. Present on a decision only when the input carried a score.
type TrustEvaluation struct {
	TrustScoreChecked bool    `json:"trust_score_checked"`
	TrustScore        float64 `json:"trust_score"`
	Threshold         float64 `json:"threshold"`
	Passed            bool    `json:"passed"`
	ActionTaken       *string `json:"action_taken"`
}

// PolicyWarning is a non-fatal advisory attached to a policy decision.
type PolicyWarning struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// PolicyOutcome is the policy decision embedded in a receipt.
type PolicyOutcome struct {
	Allowed          bool             `json:"allowed"`
	PolicyVersion    *string          `json:"policy_version"`
	EvaluationTimeMs *int64           `json:"evaluation_time_ms"`
	Reason           *string          `json:"reason"`
	TrustEvaluation  *TrustEvaluation `json:"trust_evaluation,omitempty"`
	Warnings         []PolicyWarning  `json:"warnings,omitempty"`
}

// IdentityOutcome is the identity validation result embedded in a receipt.
type IdentityOutcome struct {
	Valid        bool    `json:"valid"`
	AgentID      *string `json:"agent_id"`
	DeveloperID  *string `json:"developer_id"`
	EnterpriseID *string `json:"enterprise_id"`
}

// TrustSnapshot captures the agent's trust state at decision time.
type TrustSnapshot struct {
	CompositeScore  float64            `json:"composite_score"`
	Dimensions      map[string]float64 `json:"dimensions,omitempty"`
	Threshold       *float64           `json:"threshold"`
	ThresholdAction *string            `json:"threshold_action"`
}

// AttributionSnapshot captures the agent's attribution state at decision time.
type AttributionSnapshot struct {
	CreatorID            *string `json:"creator_id"`
	PublisherID          *string `json:"publisher_id"`
	ConsumerCount        int     `json:"consumer_count"`
	AuditVisibilityScope string  `json:"audit_visibility_scope"`
}

// Receipt is an immutable, hash-addressed record of one decision event.
// Declaration order here is the canonical hashing order; ReceiptHash itself
// is excluded from the hashed encoding.
type Receipt struct {
	ReceiptID      string          `json:"receipt_id"`
	TraceID        string          `json:"trace_id"`
	CorrelationID  *string         `json:"correlation_id"`
	SpanID         string          `json:"span_id"`
	ParentSpanID   *string         `json:"parent_span_id"`
	Timestamp      time.Time       `json:"timestamp"`
	AgentID        string          `json:"agent_id"`
	EventType      EventType       `json:"event_type"`
	EventSource    EventSource     `json:"event_source"`
	Request        RequestInfo     `json:"request"`
	PolicyResult   PolicyOutcome   `json:"policy_result"`
	IdentityResult IdentityOutcome `json:"identity_result"`
	Metadata       json.RawMessage `json:"metadata"`

	PreviousReceiptHash *string `json:"previous_receipt_hash"`
	ReceiptHash         string  `json:"receipt_hash"`

	// v2 adjunct. Nil on v1 receipts, in which case the fields are absent
	// from the canonical encoding entirely, keeping v1 hashes stable.
	TenantID            *string              `json:"tenant_id,omitempty"`
	TrustSnapshot       *TrustSnapshot       `json:"trust_snapshot,omitempty"`
	AttributionSnapshot *AttributionSnapshot `json:"attribution_snapshot,omitempty"`
}

// V2 reports whether the receipt carries the v2 adjunct fields.
func (r *Receipt) V2() bool {
	return r.TenantID != nil || r.TrustSnapshot != nil || r.AttributionSnapshot != nil
}

// StoreReceiptRequest is the POST /v1/receipts (and /v2/receipts) body.
// Everything except agent_id, request and the two results is optional; the
// store fills defaults per the write-path contract.
type StoreReceiptRequest struct {
	TraceID        *string         `json:"trace_id,omitempty"`
	CorrelationID  *string         `json:"correlation_id,omitempty"`
	SpanID         *string         `json:"span_id,omitempty"`
	ParentSpanID   *string         `json:"parent_span_id,omitempty"`
	AgentID        string          `json:"agent_id"`
	EventType      *EventType      `json:"event_type,omitempty"`
	EventSource    *EventSource    `json:"event_source,omitempty"`
	Request        RequestInfo     `json:"request"`
	PolicyResult   PolicyOutcome   `json:"policy_result"`
	IdentityResult IdentityOutcome `json:"identity_result"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`

	// v2 only.
	TenantID            *string              `json:"tenant_id,omitempty"`
	TrustSnapshot       *TrustSnapshot       `json:"trust_snapshot,omitempty"`
	AttributionSnapshot *AttributionSnapshot `json:"attribution_snapshot,omitempty"`
}

// StoreReceiptResponse acknowledges a persisted receipt.
type StoreReceiptResponse struct {
	ReceiptID   string `json:"receipt_id"`
	ReceiptHash string `json:"receipt_hash"`
	TraceID     string `json:"trace_id"`
	Stored      bool   `json:"stored"`
}

// Actor identifies who performed an external event.
type Actor struct {
	Type        string  `json:"type"` // agent | human | system
	ID          string  `json:"id"`
	DisplayName *string `json:"display_name,omitempty"`
}

// ExternalEvent is an event ingested from an outside system (ERP, CRM,
// human action) and merged into trace timelines.
type ExternalEvent struct {
	EventID       string          `json:"event_id"`
	TraceID       string          `json:"trace_id"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	EventType     string          `json:"event_type"`
	SourceSystem  string          `json:"source_system"`
	SourceID      string          `json:"source_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         *Actor          `json:"actor,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payload_hash"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ExternalEventRequest is the POST /v1/events/external body.
type ExternalEventRequest struct {
	TraceID       string          `json:"trace_id"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	EventType     string          `json:"event_type"`
	SourceSystem  string          `json:"source_system"`
	SourceID      string          `json:"source_id"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	Actor         *Actor          `json:"actor,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// ExternalEventResponse acknowledges an ingested external event.
type ExternalEventResponse struct {
	EventID string `json:"event_id"`
	TraceID string `json:"trace_id"`
	Status  string `json:"status"` // always "accepted"
}

// TrustEventType classifies trust side-effect events on the write path.
type TrustEventType string

const (
	TrustScoreChecked       TrustEventType = "score_checked"
	TrustThresholdViolation TrustEventType = "threshold_violation"
	TrustWarningEvent       TrustEventType = "trust_warning"
	TrustScoreUpdated       TrustEventType = "score_updated"
)

// TrustEvent records a trust-threshold observation tied to a trace.
type TrustEvent struct {
	EventID       string          `json:"event_id"`
	TraceID       string          `json:"trace_id"`
	AgentID       string          `json:"agent_id"`
	EventType     TrustEventType  `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	PreviousScore *float64        `json:"previous_score,omitempty"`
	NewScore      float64         `json:"new_score"`
	Threshold     float64         `json:"threshold"`
	Passed        bool            `json:"passed"`
	ActionTaken   *string         `json:"action_taken,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// Trace status values.
const (
	TraceActive    = "active"
	TraceCompleted = "completed"
	TraceFailed    = "failed"
)

// Trace aggregates all receipts sharing a trace_id.
type Trace struct {
	TraceID                string    `json:"trace_id"`
	CorrelationID          *string   `json:"correlation_id,omitempty"`
	StartedAt              time.Time `json:"started_at"`
	LastEventAt            time.Time `json:"last_event_at"`
	Status                 string    `json:"status"`
	EventCount             int64     `json:"event_count"`
	PolicyDenyCount        int64     `json:"policy_deny_count"`
	TenantID               *string   `json:"tenant_id,omitempty"`
	MinTrustScore          *float64  `json:"min_trust_score,omitempty"`
	AvgTrustScore          *float64  `json:"avg_trust_score,omitempty"`
	TrustViolations        int64     `json:"trust_violations"`
	InitiatingAgentID      *string   `json:"initiating_agent_id,omitempty"`
	InitiatingDeveloperID  *string   `json:"initiating_developer_id,omitempty"`
	InitiatingEnterpriseID *string   `json:"initiating_enterprise_id,omitempty"`
}
