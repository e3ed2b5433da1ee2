// Package policy implements the stateless policy evaluation adapter. The
// rules themselves live in an external decision point; this package shapes
// the evaluation input, interprets the result, and synthesizes the
// caller-visible reason strings. Two backends exist: the OPA HTTP adapter
// (default) and an embedded CEL evaluator for deployments without an OPA
// sidecar. Both fail closed.
package policy

import (
	"context"

	"github.com/pathwell/fabric/pkg/contracts"
)

// Reason strings surfaced to callers. These are contract, not prose.
const (
	ReasonAllowed         = "Policy allows request"
	ReasonDenied          = "Policy denies request"
	ReasonTrustBelowFloor = "Trust score below minimum threshold"
)

// DefaultTrustThreshold applies when neither the decision point nor the
// tenant governance supplies one.
const DefaultTrustThreshold = 0.3

// Engine evaluates policy for both contract versions.
type Engine interface {
	EvaluateV1(ctx context.Context, req *contracts.EvaluateRequest) (*contracts.EvaluateResponse, error)
	EvaluateV2(ctx context.Context, req *contracts.EvaluateV2Request) (*contracts.EvaluateV2Response, error)
	// Backend names the evaluator ("opa" or "cel") for logs and health.
	Backend() string
	// PolicyHash identifies the active policy bundle.
	PolicyHash() string
}

// synthesizeReason derives the v2 reason string from the decision.
func synthesizeReason(allow bool, trustAction *string) string {
	if allow {
		return ReasonAllowed
	}
	if trustAction != nil && *trustAction == contracts.ThresholdBlock {
		return ReasonTrustBelowFloor
	}
	return ReasonDenied
}

// buildTrustEvaluation is present iff the input carried a trust score.
func buildTrustEvaluation(input *contracts.AgentTrustInput, appliedThreshold float64, trustAction *string) *contracts.TrustEvaluation {
	if input == nil {
		return nil
	}
	return &contracts.TrustEvaluation{
		TrustScoreChecked: true,
		TrustScore:        input.CompositeScore,
		Threshold:         appliedThreshold,
		Passed:            input.CompositeScore >= appliedThreshold,
		ActionTaken:       trustAction,
	}
}
