package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pathwell/fabric/pkg/contracts"
)

// Store is the Postgres-backed registry of developers, agents, tenants and
// trust scores.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// CreateDeveloper inserts a developer row. Returns ErrDeveloperExists when
// the external ID is already registered.
func (s *Store) CreateDeveloper(ctx context.Context, req *contracts.RegisterDeveloperRequest) (*contracts.Developer, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM developers WHERE external_id = $1)`, req.DeveloperID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check developer existence: %w", err)
	}
	if exists {
		return nil, ErrDeveloperExists
	}

	dev := &contracts.Developer{
		ID:           uuid.NewString(),
		ExternalID:   req.DeveloperID,
		EnterpriseID: req.EnterpriseID,
		PublicKeyPEM: req.PublicKeyPEM,
		TenantID:     req.TenantID,
		CreatedAt:    time.Now().UTC(),
	}
	dev.UpdatedAt = dev.CreatedAt

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO developers (id, external_id, enterprise_id, public_key, tenant_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		dev.ID, dev.ExternalID, dev.EnterpriseID, dev.PublicKeyPEM, dev.TenantID, dev.CreatedAt, dev.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert developer: %w", err)
	}
	return dev, nil
}

// GetDeveloper fetches a developer by external ID.
func (s *Store) GetDeveloper(ctx context.Context, externalID string) (*contracts.Developer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, enterprise_id, public_key, tenant_id, trust_score_id, created_at, updated_at
		FROM developers WHERE external_id = $1`, externalID)

	var dev contracts.Developer
	err := row.Scan(&dev.ID, &dev.ExternalID, &dev.EnterpriseID, &dev.PublicKeyPEM,
		&dev.TenantID, &dev.TrustScoreID, &dev.CreatedAt, &dev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeveloperNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query developer: %w", err)
	}
	return &dev, nil
}

// CreateAgent inserts an agent row with its issued certificate chain. The
// developer must exist; when both sides carry an enterprise they must
// match.
func (s *Store) CreateAgent(ctx context.Context, req *contracts.RegisterAgentRequest, certificateChain string) (*contracts.Agent, error) {
	dev, err := s.GetDeveloper(ctx, req.DeveloperID)
	if err != nil {
		return nil, err
	}
	if req.EnterpriseID != nil && dev.EnterpriseID != nil && *req.EnterpriseID != *dev.EnterpriseID {
		return nil, ErrEnterpriseMismatch
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM agents WHERE external_id = $1)`, req.AgentID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check agent existence: %w", err)
	}
	if exists {
		return nil, ErrAgentExists
	}

	enterpriseID := req.EnterpriseID
	if enterpriseID == nil {
		enterpriseID = dev.EnterpriseID
	}

	agent := &contracts.Agent{
		ID:               uuid.NewString(),
		ExternalID:       req.AgentID,
		DeveloperID:      req.DeveloperID,
		EnterpriseID:     enterpriseID,
		PublicKeyPEM:     req.PublicKeyPEM,
		CertificateChain: certificateChain,
		TenantID:         req.TenantID,
		Attribution:      req.Attribution,
		CreatedAt:        time.Now().UTC(),
	}
	if agent.TenantID == nil {
		agent.TenantID = dev.TenantID
	}
	if agent.Attribution != nil && agent.Attribution.AuditVisibilityScope == "" {
		agent.Attribution.AuditVisibilityScope = "tenant"
	}

	var attribution []byte
	if agent.Attribution != nil {
		attribution, err = json.Marshal(agent.Attribution)
		if err != nil {
			return nil, fmt.Errorf("marshal attribution: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, external_id, developer_id, enterprise_id, public_key, certificate_chain, tenant_id, attribution, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		agent.ID, agent.ExternalID, agent.DeveloperID, agent.EnterpriseID, agent.PublicKeyPEM,
		agent.CertificateChain, agent.TenantID, nullableJSON(attribution), agent.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return agent, nil
}

// GetAgent fetches an agent by external ID.
func (s *Store) GetAgent(ctx context.Context, externalID string) (*contracts.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, developer_id, enterprise_id, public_key, certificate_chain, tenant_id, attribution, trust_score_id, created_at, revoked_at
		FROM agents WHERE external_id = $1`, externalID)

	var (
		agent       contracts.Agent
		attribution []byte
	)
	err := row.Scan(&agent.ID, &agent.ExternalID, &agent.DeveloperID, &agent.EnterpriseID,
		&agent.PublicKeyPEM, &agent.CertificateChain, &agent.TenantID, &attribution,
		&agent.TrustScoreID, &agent.CreatedAt, &agent.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	if len(attribution) > 0 {
		var attr contracts.Attribution
		if err := json.Unmarshal(attribution, &attr); err != nil {
			return nil, fmt.Errorf("decode agent attribution: %w", err)
		}
		agent.Attribution = &attr
	}
	return &agent, nil
}

// RevokeAgent sets revoked_at for an active agent. An absent or already
// revoked agent is ErrAgentNotFound.
func (s *Store) RevokeAgent(ctx context.Context, externalID string) (time.Time, error) {
	revokedAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET revoked_at = $1
		WHERE external_id = $2 AND revoked_at IS NULL`, revokedAt, externalID)
	if err != nil {
		return time.Time{}, fmt.Errorf("revoke agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("revoke agent rows: %w", err)
	}
	if affected == 0 {
		return time.Time{}, ErrAgentNotFound
	}
	return revokedAt, nil
}

// ValidateAgent is the v1 validation: valid iff the agent exists and is
// not revoked.
func (s *Store) ValidateAgent(ctx context.Context, externalID string) (*contracts.ValidateAgentResult, error) {
	agent, err := s.GetAgent(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return &contracts.ValidateAgentResult{
		Valid:        agent.RevokedAt == nil,
		AgentID:      agent.ExternalID,
		DeveloperID:  &agent.DeveloperID,
		EnterpriseID: agent.EnterpriseID,
		Revoked:      agent.RevokedAt != nil,
	}, nil
}

// ValidateAgentV2 enriches v1 validation with tenant, trust and
// attribution context. Missing trust scores or tenants degrade to nil
// summaries, not errors.
func (s *Store) ValidateAgentV2(ctx context.Context, externalID string) (*contracts.ValidateAgentV2Result, error) {
	agent, err := s.GetAgent(ctx, externalID)
	if err != nil {
		return nil, err
	}

	out := &contracts.ValidateAgentV2Result{
		Valid:        agent.RevokedAt == nil,
		AgentID:      agent.ExternalID,
		DeveloperID:  &agent.DeveloperID,
		EnterpriseID: agent.EnterpriseID,
		Revoked:      agent.RevokedAt != nil,
		TenantID:     agent.TenantID,
	}

	if agent.TenantID != nil {
		tenant, err := s.GetTenant(ctx, *agent.TenantID)
		if err == nil {
			out.TenantHierarchyPath = tenant.HierarchyPath
		} else if !errors.Is(err, ErrTenantNotFound) {
			return nil, err
		}
	}

	score, err := s.GetTrustScore(ctx, "agent", agent.ExternalID)
	if err == nil {
		out.TrustScoreSummary = &contracts.TrustScoreSummary{
			CompositeScore:  score.CompositeScore,
			IsTrusted:       score.ThresholdStatus.IsAboveThreshold,
			Threshold:       score.MinimumThreshold,
			ThresholdAction: score.ThresholdAction,
		}
	} else if !errors.Is(err, ErrTrustScoreNotFound) {
		return nil, err
	}

	if agent.Attribution != nil {
		out.AttributionSummary = &contracts.AttributionSummary{
			CreatorID:            agent.Attribution.CreatorID,
			PublisherID:          agent.Attribution.PublisherID,
			ConsumerCount:        len(agent.Attribution.ConsumerChain),
			AuditVisibilityScope: agent.Attribution.AuditVisibilityScope,
		}
	}
	return out, nil
}

// nullableJSON converts empty byte slices to NULL for jsonb columns.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
