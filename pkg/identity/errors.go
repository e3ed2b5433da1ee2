// Package identity implements the identity registry: enterprises,
// developers, agents, tenants, trust scores and attribution, backed by
// Postgres, with agent enrollment certificates issued through pkg/pki.
package identity

import "errors"

// Sentinel errors returned by the store layer; the handlers map them to
// HTTP statuses and machine codes.
var (
	ErrDeveloperExists    = errors.New("developer already registered")
	ErrDeveloperNotFound  = errors.New("developer not found")
	ErrAgentExists        = errors.New("agent already registered")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrEnterpriseMismatch = errors.New("agent and developer enterprise mismatch")
	ErrTenantExists       = errors.New("tenant already exists")
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrRelationshipExists = errors.New("active relationship of this type already exists")
	ErrSelfRelationship   = errors.New("tenant relationship cannot be a self-loop")
	ErrTrustScoreExists   = errors.New("trust score already exists for entity")
	ErrTrustScoreNotFound = errors.New("trust score not found")
)
