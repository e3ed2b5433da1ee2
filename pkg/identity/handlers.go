package identity

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pathwell/fabric/pkg/api"
	"github.com/pathwell/fabric/pkg/contracts"
	"github.com/pathwell/fabric/pkg/pki"
)

// Service exposes the identity registry HTTP API.
type Service struct {
	store   *Store
	ca      *pki.CertificateAuthority
	version string
}

// NewService wires the store and CA into a service.
func NewService(store *Store, ca *pki.CertificateAuthority, version string) *Service {
	return &Service{store: store, ca: ca, version: version}
}

// Routes builds the registry's HTTP mux.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/developers/register", s.registerDeveloper)
	mux.HandleFunc("POST /v1/agents/register", s.registerAgent)
	mux.HandleFunc("GET /v1/agents/{id}", s.getAgent)
	mux.HandleFunc("GET /v1/agents/{id}/validate", s.validateAgent)
	mux.HandleFunc("GET /v2/agents/{id}/validate", s.validateAgentV2)
	mux.HandleFunc("POST /v1/agents/{id}/revoke", s.revokeAgent)

	mux.HandleFunc("POST /v1/tenants", s.createTenant)
	mux.HandleFunc("GET /v1/tenants/{id}", s.getTenant)
	mux.HandleFunc("PATCH /v1/tenants/{id}", s.updateTenant)
	mux.HandleFunc("DELETE /v1/tenants/{id}", s.deactivateTenant)
	mux.HandleFunc("GET /v1/tenants/{id}/hierarchy", s.getTenantHierarchy)
	mux.HandleFunc("POST /v1/tenants/{id}/relationships", s.createRelationship)
	mux.HandleFunc("GET /v1/tenants/{id}/relationships", s.listRelationships)

	mux.HandleFunc("POST /v1/trust/{entity_type}/{entity_id}", s.createTrustScore)
	mux.HandleFunc("GET /v1/trust/{entity_type}/{entity_id}", s.getTrustScore)
	mux.HandleFunc("PATCH /v1/trust/{entity_type}/{entity_id}", s.updateTrustDimension)
	mux.HandleFunc("GET /v1/trust/{entity_type}/{entity_id}/history", s.listTrustHistory)
	mux.HandleFunc("POST /v1/trust/{entity_type}/{entity_id}/risks", s.createRiskEvent)
	mux.HandleFunc("GET /v1/trust/{entity_type}/{entity_id}/risks", s.listRiskEvents)

	mux.HandleFunc("GET /health", api.HealthHandler("identity-registry", s.version, s.store.DB()))

	return api.Recover(api.Logging(mux))
}

func (s *Service) registerDeveloper(w http.ResponseWriter, r *http.Request) {
	var req contracts.RegisterDeveloperRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if req.DeveloperID == "" || req.PublicKeyPEM == "" {
		api.WriteBadRequest(w, "developer_id and public_key are required")
		return
	}

	dev, err := s.store.CreateDeveloper(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrDeveloperExists):
			api.WriteConflict(w, "developer_exists", "A developer with this ID is already registered")
		default:
			api.WriteInternal(w, api.CodeDatabaseError, err)
		}
		return
	}

	slog.Info("developer registered", "developer_id", dev.ExternalID)
	api.WriteJSON(w, http.StatusCreated, &contracts.RegisterDeveloperResponse{
		DeveloperID: dev.ExternalID,
		Registered:  true,
	})
}

func (s *Service) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req contracts.RegisterAgentRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if req.AgentID == "" || req.DeveloperID == "" || req.PublicKeyPEM == "" {
		api.WriteBadRequest(w, "agent_id, developer_id and public_key are required")
		return
	}

	chain, err := s.ca.Issue(req.AgentID, req.PublicKeyPEM)
	if err != nil {
		api.WriteInternal(w, api.CodeCertificateError, err)
		return
	}

	agent, err := s.store.CreateAgent(r.Context(), &req, chain)
	if err != nil {
		switch {
		case errors.Is(err, ErrDeveloperNotFound):
			api.WriteNotFound(w, "Developer not found")
		case errors.Is(err, ErrEnterpriseMismatch):
			api.WriteError(w, http.StatusBadRequest, "enterprise_mismatch", "Agent enterprise does not match developer enterprise")
		case errors.Is(err, ErrAgentExists):
			api.WriteConflict(w, "agent_exists", "An agent with this ID is already registered")
		default:
			api.WriteInternal(w, api.CodeDatabaseError, err)
		}
		return
	}

	slog.Info("agent registered", "agent_id", agent.ExternalID, "developer_id", agent.DeveloperID)
	api.WriteJSON(w, http.StatusCreated, &contracts.RegisterAgentResponse{
		AgentID:          agent.ExternalID,
		CertificateChain: agent.CertificateChain,
		Registered:       true,
	})
}

func (s *Service) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found")
			return
		}
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, agent)
}

func (s *Service) validateAgent(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.ValidateAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found")
			return
		}
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

func (s *Service) validateAgentV2(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.ValidateAgentV2(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found")
			return
		}
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

func (s *Service) revokeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	revokedAt, err := s.store.RevokeAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			api.WriteNotFound(w, "Agent not found or already revoked")
			return
		}
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	slog.Info("agent revoked", "agent_id", agentID)
	api.WriteJSON(w, http.StatusOK, &contracts.RevokeAgentResponse{
		AgentID:   agentID,
		RevokedAt: revokedAt,
	})
}
