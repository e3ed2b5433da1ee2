package policy

import (
	"net/http"

	"github.com/pathwell/fabric/pkg/api"
	"github.com/pathwell/fabric/pkg/contracts"
)

// Service exposes the policy engine HTTP API.
type Service struct {
	engine  Engine
	version string
}

// NewService wraps an engine.
func NewService(engine Engine, version string) *Service {
	return &Service{engine: engine, version: version}
}

// Routes builds the policy engine's HTTP mux.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", s.evaluateV1)
	mux.HandleFunc("POST /v2/evaluate", s.evaluateV2)
	mux.HandleFunc("GET /health", s.health)
	return api.Recover(api.Logging(mux))
}

func (s *Service) evaluateV1(w http.ResponseWriter, r *http.Request) {
	var req contracts.EvaluateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if req.Agent.AgentID == "" {
		api.WriteBadRequest(w, "agent.agent_id is required")
		return
	}

	resp, err := s.engine.EvaluateV1(r.Context(), &req)
	if err != nil {
		api.WriteInternal(w, api.CodePolicyEvaluationError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Service) evaluateV2(w http.ResponseWriter, r *http.Request) {
	var req contracts.EvaluateV2Request
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if req.Agent.AgentID == "" {
		api.WriteBadRequest(w, "agent.agent_id is required")
		return
	}

	resp, err := s.engine.EvaluateV2(r.Context(), &req)
	if err != nil {
		api.WriteInternal(w, api.CodePolicyEvaluationError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"service":     "policy-engine",
		"version":     s.version,
		"backend":     s.engine.Backend(),
		"policy_hash": s.engine.PolicyHash(),
	})
}
