package identity

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pathwell/fabric/pkg/api"
	"github.com/pathwell/fabric/pkg/contracts"
	"github.com/pathwell/fabric/pkg/tenants"
)

func (s *Service) createTenant(w http.ResponseWriter, r *http.Request) {
	var req contracts.CreateTenantRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if req.TenantID == "" {
		api.WriteBadRequest(w, "tenant_id is required")
		return
	}
	if !tenants.ValidTenantType(req.TenantType) {
		api.WriteBadRequest(w, "tenant_type must be one of platform, parent, child, instance")
		return
	}
	if err := tenants.ValidateGovernance(req.GovernanceConfig); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err := tenants.ValidateVisibility(req.VisibilityConfig); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	tenant, err := s.store.CreateTenant(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrTenantExists):
			api.WriteConflict(w, "tenant_exists", "A tenant with this ID already exists")
		case errors.Is(err, ErrTenantNotFound):
			api.WriteNotFound(w, "Parent tenant not found")
		default:
			api.WriteInternal(w, api.CodeDatabaseError, err)
		}
		return
	}

	slog.Info("tenant created", "tenant_id", tenant.ExternalID, "depth", tenant.HierarchyDepth)
	api.WriteJSON(w, http.StatusCreated, tenant)
}

func (s *Service) getTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.store.GetTenant(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			api.WriteNotFound(w, "Tenant not found")
			return
		}
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, tenant)
}

func (s *Service) updateTenant(w http.ResponseWriter, r *http.Request) {
	var req contracts.UpdateTenantRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err := tenants.ValidateGovernance(req.GovernanceConfig); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err := tenants.ValidateVisibility(req.VisibilityConfig); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	tenant, err := s.store.UpdateTenant(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			api.WriteNotFound(w, "Tenant not found")
			return
		}
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, tenant)
}

func (s *Service) deactivateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	if err := s.store.DeactivateTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			api.WriteNotFound(w, "Tenant not found")
			return
		}
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	slog.Info("tenant deactivated", "tenant_id", tenantID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) getTenantHierarchy(w http.ResponseWriter, r *http.Request) {
	hierarchy, err := s.store.GetTenantHierarchy(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			api.WriteNotFound(w, "Tenant not found")
			return
		}
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, hierarchy)
}

func (s *Service) createRelationship(w http.ResponseWriter, r *http.Request) {
	var req contracts.CreateRelationshipRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	switch req.RelationshipType {
	case contracts.RelationshipOwns, contracts.RelationshipGoverns, contracts.RelationshipDelegates, contracts.RelationshipObserves:
	default:
		api.WriteBadRequest(w, "relationship_type must be one of owns, governs, delegates, observes")
		return
	}

	rel, err := s.store.CreateRelationship(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrSelfRelationship):
			api.WriteBadRequest(w, "A tenant cannot hold a relationship with itself")
		case errors.Is(err, ErrTenantNotFound):
			api.WriteNotFound(w, "Tenant not found")
		case errors.Is(err, ErrRelationshipExists):
			api.WriteConflict(w, "", "An active relationship of this type already exists between these tenants")
		default:
			api.WriteInternal(w, api.CodeDatabaseError, err)
		}
		return
	}
	api.WriteJSON(w, http.StatusCreated, rel)
}

func (s *Service) listRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := s.store.ListRelationships(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			api.WriteNotFound(w, "Tenant not found")
			return
		}
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"relationships": rels})
}
