package identity

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pathwell/fabric/pkg/api"
	"github.com/pathwell/fabric/pkg/config"
	"github.com/pathwell/fabric/pkg/contracts"
	"github.com/pathwell/fabric/pkg/trust"
)

func validEntityType(t string) bool {
	switch t {
	case "agent", "developer", "enterprise":
		return true
	}
	return false
}

func (s *Service) createTrustScore(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := r.PathValue("entity_type"), r.PathValue("entity_id")
	if !validEntityType(entityType) {
		api.WriteBadRequest(w, "entity_type must be one of agent, developer, enterprise")
		return
	}

	var req contracts.CreateTrustScoreRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if req.ThresholdAction != nil {
		switch *req.ThresholdAction {
		case contracts.ThresholdWarn, contracts.ThresholdBlock, contracts.ThresholdRequireReview, contracts.ThresholdNone:
		default:
			api.WriteBadRequest(w, "threshold_action must be one of warn, block, require_review, none")
			return
		}
	}

	view, err := s.store.CreateTrustScore(r.Context(), entityType, entityID, &req)
	if err != nil {
		if errors.Is(err, ErrTrustScoreExists) {
			api.WriteConflict(w, "trust_score_exists", "A trust score already exists for this entity")
			return
		}
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}

	slog.Info("trust score created", "entity_type", entityType, "entity_id", entityID,
		"composite", view.CompositeScore)
	api.WriteJSON(w, http.StatusCreated, view)
}

func (s *Service) getTrustScore(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := r.PathValue("entity_type"), r.PathValue("entity_id")
	view, err := s.store.GetTrustScore(r.Context(), entityType, entityID)
	if err != nil {
		if errors.Is(err, ErrTrustScoreNotFound) {
			api.WriteNotFound(w, "Trust score not found")
			return
		}
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, view)
}

func (s *Service) updateTrustDimension(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := r.PathValue("entity_type"), r.PathValue("entity_id")

	var req contracts.UpdateDimensionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	view, err := s.store.UpdateDimension(r.Context(), entityType, entityID, &req)
	if err != nil {
		switch {
		case errors.Is(err, trust.ErrUnknownDimension):
			api.WriteError(w, http.StatusBadRequest, "invalid_dimension", err.Error())
		case errors.Is(err, ErrTrustScoreNotFound):
			api.WriteNotFound(w, "Trust score not found")
		default:
			api.WriteInternal(w, api.CodeDatabaseError, err)
		}
		return
	}

	slog.Info("trust dimension updated", "entity_type", entityType, "entity_id", entityID,
		"dimension", req.Dimension, "delta", req.Delta, "composite", view.CompositeScore)
	api.WriteJSON(w, http.StatusOK, view)
}

func (s *Service) listTrustHistory(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := r.PathValue("entity_type"), r.PathValue("entity_id")
	limit := config.ParseLimit(r.URL.Query().Get("limit"), 50, 100)

	history, err := s.store.ListTrustHistory(r.Context(), entityType, entityID, limit)
	if err != nil {
		if errors.Is(err, ErrTrustScoreNotFound) {
			api.WriteNotFound(w, "Trust score not found")
			return
		}
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Service) createRiskEvent(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := r.PathValue("entity_type"), r.PathValue("entity_id")
	if !validEntityType(entityType) {
		api.WriteBadRequest(w, "entity_type must be one of agent, developer, enterprise")
		return
	}

	var req contracts.CreateRiskEventRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if req.RiskType == "" {
		api.WriteBadRequest(w, "risk_type is required")
		return
	}
	switch req.Severity {
	case contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh, contracts.RiskCritical:
	default:
		api.WriteBadRequest(w, "severity must be one of low, medium, high, critical")
		return
	}

	ev, err := s.store.CreateRiskEvent(r.Context(), entityType, entityID, &req)
	if err != nil {
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, ev)
}

func (s *Service) listRiskEvents(w http.ResponseWriter, r *http.Request) {
	entityType, entityID := r.PathValue("entity_type"), r.PathValue("entity_id")
	limit := config.ParseLimit(r.URL.Query().Get("limit"), 50, 100)

	events, err := s.store.ListRiskEvents(r.Context(), entityType, entityID, limit)
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"risk_events": events})
}
