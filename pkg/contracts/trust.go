package contracts

import (
	"encoding/json"
	"time"
)

// Trust dimension names. Each dimension lies in [0,1]; the composite is the
// equal-weighted mean of the five.
const (
	DimensionBehavior   = "behavior"
	DimensionValidation = "validation"
	DimensionProvenance = "provenance"
	DimensionAlignment  = "alignment"
	DimensionReputation = "reputation"
)

// Threshold action values.
const (
	ThresholdWarn          = "warn"
	ThresholdBlock         = "block"
	ThresholdRequireReview = "require_review"
	ThresholdNone          = "none"
)

// TrustDimensions holds the five dimension scores.
type TrustDimensions struct {
	Behavior   float64 `json:"behavior"`
	Validation float64 `json:"validation"`
	Provenance float64 `json:"provenance"`
	Alignment  float64 `json:"alignment"`
	Reputation float64 `json:"reputation"`
}

// TrustScore is the live trust record, unique per (entity_type, entity_id).
type TrustScore struct {
	ID                 string          `json:"id"`
	EntityType         string          `json:"entity_type"` // agent | developer | enterprise
	EntityID           string          `json:"entity_id"`
	CompositeScore     float64         `json:"composite_score"`
	ConfidenceLevel    float64         `json:"confidence_level"`
	DimensionScores    TrustDimensions `json:"dimension_scores"`
	CalculationVersion string          `json:"calculation_version"`
	CalculationInputs  json.RawMessage `json:"calculation_inputs,omitempty"`
	LastCalculatedAt   time.Time       `json:"last_calculated_at"`
	MinimumThreshold   *float64        `json:"minimum_threshold,omitempty"`
	ThresholdAction    *string         `json:"threshold_action,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ThresholdStatus is attached to trust score reads.
type ThresholdStatus struct {
	IsAboveThreshold bool     `json:"is_above_threshold"`
	Threshold        *float64 `json:"threshold,omitempty"`
	Action           *string  `json:"action,omitempty"`
}

// TrustScoreView is the GET /v1/trust/:entity_type/:entity_id response.
type TrustScoreView struct {
	TrustScore
	ThresholdStatus ThresholdStatus `json:"threshold_status"`
}

// CreateTrustScoreRequest is the POST /v1/trust/:entity_type/:entity_id
// body. Missing dimensions default to 0.5.
type CreateTrustScoreRequest struct {
	Dimensions         *TrustDimensions `json:"dimensions,omitempty"`
	MinimumThreshold   *float64         `json:"minimum_threshold,omitempty"`
	ThresholdAction    *string          `json:"threshold_action,omitempty"`
	CalculationVersion *string          `json:"calculation_version,omitempty"`
}

// UpdateDimensionRequest is the PATCH /v1/trust/:entity_type/:entity_id
// body: apply delta to one named dimension, clamped to [0,1].
type UpdateDimensionRequest struct {
	Dimension          string  `json:"dimension"`
	Delta              float64 `json:"delta"`
	Reason             *string `json:"reason,omitempty"`
	ChangeEventID      *string `json:"change_event_id,omitempty"`
	CalculationVersion *string `json:"calculation_version,omitempty"`
}

// TrustScoreHistory is an append-only record of the state *before* each
// update.
type TrustScoreHistory struct {
	ID                string          `json:"id"`
	TrustScoreID      string          `json:"trust_score_id"`
	CompositeAtChange float64         `json:"composite_at_change"`
	DimensionsAtChange TrustDimensions `json:"dimensions_at_change"`
	ChangeReason      *string         `json:"change_reason,omitempty"`
	ChangeEventID     *string         `json:"change_event_id,omitempty"`
	RecordedAt        time.Time       `json:"recorded_at"`
}

// Risk severity and status values.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"

	RiskOpen          = "open"
	RiskInvestigating = "investigating"
	RiskMitigated     = "mitigated"
	RiskResolved      = "resolved"
	RiskAccepted      = "accepted"
)

// TrustRiskEvent records a risk observation against an entity.
type TrustRiskEvent struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	RiskType   string          `json:"risk_type"`
	Severity   string          `json:"severity"`
	Status     string          `json:"status"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	Mitigation json.RawMessage `json:"mitigation,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CreateRiskEventRequest is the POST /v1/trust/:entity_type/:entity_id/risks
// body.
type CreateRiskEventRequest struct {
	RiskType   string          `json:"risk_type"`
	Severity   string          `json:"severity"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	Mitigation json.RawMessage `json:"mitigation,omitempty"`
}
