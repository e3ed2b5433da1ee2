package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pathwell/fabric/pkg/contracts"
	"github.com/pathwell/fabric/pkg/trust"
)

const defaultCalculationVersion = "1.0.0"

// confidenceStep is added to confidence_level when the calculation version
// advances; dimension deltas leave confidence untouched.
var confidenceStep = decimal.RequireFromString("0.05")

// CreateTrustScore inserts a trust score for an entity. Missing dimensions
// default to 0.5. Conflicts on (entity_type, entity_id).
func (s *Store) CreateTrustScore(ctx context.Context, entityType, entityID string, req *contracts.CreateTrustScoreRequest) (*contracts.TrustScoreView, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM trust_scores WHERE entity_type = $1 AND entity_id = $2)`,
		entityType, entityID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check trust score existence: %w", err)
	}
	if exists {
		return nil, ErrTrustScoreExists
	}

	dims := trust.DefaultDimensions()
	if req.Dimensions != nil {
		dims = trust.FromContract(*req.Dimensions)
	}
	composite := dims.Composite()

	version := defaultCalculationVersion
	if req.CalculationVersion != nil && *req.CalculationVersion != "" {
		version = *req.CalculationVersion
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	confidence := decimal.RequireFromString("0.5")

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_scores (id, entity_type, entity_id, composite_score, confidence_level,
			behavior_score, validation_score, provenance_score, alignment_score, reputation_score,
			calculation_version, last_calculated_at, minimum_threshold, threshold_action, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		id, entityType, entityID, composite, confidence,
		dims.Behavior, dims.Validation, dims.Provenance, dims.Alignment, dims.Reputation,
		version, now, req.MinimumThreshold, req.ThresholdAction, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert trust score: %w", err)
	}
	return s.GetTrustScore(ctx, entityType, entityID)
}

// trustRow is the scanned form of a trust_scores row, decimals intact.
type trustRow struct {
	id               string
	entityType       string
	entityID         string
	composite        decimal.Decimal
	confidence       decimal.Decimal
	dims             trust.Dimensions
	version          string
	inputs           []byte
	lastCalculatedAt time.Time
	threshold        decimal.NullDecimal
	thresholdAction  sql.NullString
	createdAt        time.Time
	updatedAt        time.Time
}

func (s *Store) getTrustRow(ctx context.Context, entityType, entityID string) (*trustRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, composite_score, confidence_level,
			behavior_score, validation_score, provenance_score, alignment_score, reputation_score,
			calculation_version, calculation_inputs, last_calculated_at, minimum_threshold, threshold_action,
			created_at, updated_at
		FROM trust_scores WHERE entity_type = $1 AND entity_id = $2`, entityType, entityID)

	var r trustRow
	err := row.Scan(&r.id, &r.entityType, &r.entityID, &r.composite, &r.confidence,
		&r.dims.Behavior, &r.dims.Validation, &r.dims.Provenance, &r.dims.Alignment, &r.dims.Reputation,
		&r.version, &r.inputs, &r.lastCalculatedAt, &r.threshold, &r.thresholdAction,
		&r.createdAt, &r.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTrustScoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trust score: %w", err)
	}
	return &r, nil
}

func (r *trustRow) view() *contracts.TrustScoreView {
	out := &contracts.TrustScoreView{
		TrustScore: contracts.TrustScore{
			ID:                 r.id,
			EntityType:         r.entityType,
			EntityID:           r.entityID,
			CompositeScore:     r.composite.InexactFloat64(),
			ConfidenceLevel:    r.confidence.InexactFloat64(),
			DimensionScores:    r.dims.ToContract(),
			CalculationVersion: r.version,
			CalculationInputs:  r.inputs,
			LastCalculatedAt:   r.lastCalculatedAt,
			CreatedAt:          r.createdAt,
			UpdatedAt:          r.updatedAt,
		},
	}
	var threshold *float64
	if r.threshold.Valid {
		f := r.threshold.Decimal.InexactFloat64()
		threshold = &f
		out.MinimumThreshold = &f
	}
	var action *string
	if r.thresholdAction.Valid {
		a := r.thresholdAction.String
		action = &a
		out.ThresholdAction = &a
	}
	out.ThresholdStatus = contracts.ThresholdStatus{
		IsAboveThreshold: trust.IsAboveThreshold(r.composite, threshold),
		Threshold:        threshold,
		Action:           action,
	}
	return out
}

// GetTrustScore returns the live score with its threshold status.
func (s *Store) GetTrustScore(ctx context.Context, entityType, entityID string) (*contracts.TrustScoreView, error) {
	r, err := s.getTrustRow(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return r.view(), nil
}

// UpdateDimension applies a delta to one dimension, clamped to [0,1],
// recomputes the composite, and records a history row capturing the
// pre-change state before the live row is updated. The history write is
// best-effort: a failure is logged and does not block the update.
func (s *Store) UpdateDimension(ctx context.Context, entityType, entityID string, req *contracts.UpdateDimensionRequest) (*contracts.TrustScoreView, error) {
	current, err := s.getTrustRow(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	newDims, err := current.dims.ApplyDelta(req.Dimension, decimal.NewFromFloat(req.Delta))
	if err != nil {
		return nil, err
	}
	newComposite := newDims.Composite()

	// History first, capturing the state being replaced.
	priorDims, merr := json.Marshal(current.dims.ToContract())
	if merr != nil {
		return nil, fmt.Errorf("marshal prior dimensions: %w", merr)
	}
	_, herr := s.db.ExecContext(ctx, `
		INSERT INTO trust_score_history (id, trust_score_id, composite_at_change, dimensions_at_change, change_reason, change_event_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), current.id, current.composite, priorDims, req.Reason, req.ChangeEventID, time.Now().UTC(),
	)
	if herr != nil {
		slog.Error("trust history write failed", "trust_score_id", current.id, "error", herr)
	}

	confidence := current.confidence
	version := current.version
	if req.CalculationVersion != nil && trust.BumpConfidence(current.version, *req.CalculationVersion) {
		version = *req.CalculationVersion
		confidence = confidence.Add(confidenceStep)
		if confidence.GreaterThan(decimal.NewFromInt(1)) {
			confidence = decimal.NewFromInt(1)
		}
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE trust_scores SET
			composite_score = $1, confidence_level = $2,
			behavior_score = $3, validation_score = $4, provenance_score = $5,
			alignment_score = $6, reputation_score = $7,
			calculation_version = $8, last_calculated_at = $9, updated_at = $10
		WHERE id = $11`,
		newComposite, confidence,
		newDims.Behavior, newDims.Validation, newDims.Provenance, newDims.Alignment, newDims.Reputation,
		version, now, now, current.id,
	)
	if err != nil {
		return nil, fmt.Errorf("update trust score: %w", err)
	}
	return s.GetTrustScore(ctx, entityType, entityID)
}

// ListTrustHistory returns the append-only history, newest first.
func (s *Store) ListTrustHistory(ctx context.Context, entityType, entityID string, limit int64) ([]contracts.TrustScoreHistory, error) {
	r, err := s.getTrustRow(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trust_score_id, composite_at_change, dimensions_at_change, change_reason, change_event_id, recorded_at
		FROM trust_score_history
		WHERE trust_score_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2`, r.id, limit)
	if err != nil {
		return nil, fmt.Errorf("query trust history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []contracts.TrustScoreHistory{}
	for rows.Next() {
		var (
			h         contracts.TrustScoreHistory
			composite decimal.Decimal
			dims      []byte
		)
		if err := rows.Scan(&h.ID, &h.TrustScoreID, &composite, &dims, &h.ChangeReason, &h.ChangeEventID, &h.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan trust history: %w", err)
		}
		h.CompositeAtChange = composite.InexactFloat64()
		if len(dims) > 0 {
			if err := json.Unmarshal(dims, &h.DimensionsAtChange); err != nil {
				return nil, fmt.Errorf("decode history dimensions: %w", err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CreateRiskEvent records a risk observation against an entity.
func (s *Store) CreateRiskEvent(ctx context.Context, entityType, entityID string, req *contracts.CreateRiskEventRequest) (*contracts.TrustRiskEvent, error) {
	now := time.Now().UTC()
	ev := &contracts.TrustRiskEvent{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		RiskType:   req.RiskType,
		Severity:   req.Severity,
		Status:     contracts.RiskOpen,
		Evidence:   req.Evidence,
		Mitigation: req.Mitigation,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_risk_events (id, entity_type, entity_id, risk_type, severity, status, evidence, mitigation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.EntityType, ev.EntityID, ev.RiskType, ev.Severity, ev.Status,
		nullableJSON(ev.Evidence), nullableJSON(ev.Mitigation), ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert risk event: %w", err)
	}
	return ev, nil
}

// ListRiskEvents returns risk events for an entity, newest first.
func (s *Store) ListRiskEvents(ctx context.Context, entityType, entityID string, limit int64) ([]contracts.TrustRiskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, risk_type, severity, status, evidence, mitigation, created_at, updated_at
		FROM trust_risk_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query risk events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []contracts.TrustRiskEvent{}
	for rows.Next() {
		var (
			ev         contracts.TrustRiskEvent
			evidence   []byte
			mitigation []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.RiskType, &ev.Severity,
			&ev.Status, &evidence, &mitigation, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		ev.Evidence = evidence
		ev.Mitigation = mitigation
		out = append(out, ev)
	}
	return out, rows.Err()
}
