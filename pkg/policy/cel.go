package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/pathwell/fabric/pkg/canonicalize"
	"github.com/pathwell/fabric/pkg/contracts"
)

// DefaultCELExpr allows everything; deployments narrow it via
// POLICY_CEL_EXPR.
const DefaultCELExpr = "true"

// CELEngine evaluates an embedded CEL expression instead of calling out to
// OPA. The expression sees three variables: agent, request and context,
// each as the JSON form of the evaluation input. Trust threshold
// enforcement runs locally with the same semantics the OPA v2 rule would
// apply.
type CELEngine struct {
	program    cel.Program
	expr       string
	policyHash string
}

// NewCELEngine compiles the expression. An empty expression compiles the
// permissive default.
func NewCELEngine(expr string) (*CELEngine, error) {
	if expr == "" {
		expr = DefaultCELExpr
	}

	env, err := cel.NewEnv(
		cel.Variable("agent", cel.DynType),
		cel.Variable("request", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy expression: %w", issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build policy program: %w", err)
	}

	return &CELEngine{
		program:    program,
		expr:       expr,
		policyHash: "sha256:cel:" + canonicalize.HashBytes([]byte(expr)),
	}, nil
}

// Backend implements Engine.
func (c *CELEngine) Backend() string { return "cel" }

// PolicyHash implements Engine.
func (c *CELEngine) PolicyHash() string { return c.policyHash }

// EvaluateV1 runs the expression over the flat v1 input.
func (c *CELEngine) EvaluateV1(ctx context.Context, req *contracts.EvaluateRequest) (*contracts.EvaluateResponse, error) {
	start := time.Now()

	allowed, err := c.eval(req.Agent, req.Request, nil)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}

	reason := ReasonDenied
	if allowed {
		reason = ReasonAllowed
	}
	return &contracts.EvaluateResponse{
		Allowed:          allowed,
		Reason:           reason,
		EvaluationTimeMs: elapsed,
	}, nil
}

// EvaluateV2 runs the expression and applies trust threshold enforcement
// locally: governance overrides beat the score's own threshold, which
// beats the default floor.
func (c *CELEngine) EvaluateV2(ctx context.Context, req *contracts.EvaluateV2Request) (*contracts.EvaluateV2Response, error) {
	start := time.Now()

	allowed, err := c.eval(req.Agent, req.Request, req.Context)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}

	threshold := DefaultTrustThreshold
	if req.Agent.TrustScore != nil && req.Agent.TrustScore.Threshold != nil {
		threshold = *req.Agent.TrustScore.Threshold
	}
	var appliedPolicy *string
	if req.Context != nil && req.Context.TenantGovernance != nil {
		gov := req.Context.TenantGovernance
		if gov.TrustThresholdOverride != nil {
			threshold = *gov.TrustThresholdOverride
		}
		scope := gov.PolicyScope
		appliedPolicy = &scope
	}

	warnings := []contracts.PolicyWarning{}
	var trustAction *string
	if ts := req.Agent.TrustScore; ts != nil && ts.CompositeScore < threshold {
		action := contracts.ThresholdBlock
		if ts.ThresholdAction != nil {
			action = *ts.ThresholdAction
		}
		trustAction = &action
		switch action {
		case contracts.ThresholdBlock:
			allowed = false
		case contracts.ThresholdWarn, contracts.ThresholdRequireReview:
			warnings = append(warnings, contracts.PolicyWarning{
				Code:     "TRUST_BELOW_THRESHOLD",
				Message:  fmt.Sprintf("composite score %.4f is below threshold %.4f", ts.CompositeScore, threshold),
				Severity: "warning",
			})
		}
	}

	return &contracts.EvaluateV2Response{
		Allowed:             allowed,
		Reason:              synthesizeReason(allowed, trustAction),
		EvaluationTimeMs:    elapsed,
		TrustEvaluation:     buildTrustEvaluation(req.Agent.TrustScore, threshold, trustAction),
		TenantPolicyApplied: appliedPolicy,
		Warnings:            warnings,
	}, nil
}

func (c *CELEngine) eval(agent, request, evalCtx any) (bool, error) {
	out, _, err := c.program.Eval(map[string]any{
		"agent":   toJSONMap(agent),
		"request": toJSONMap(request),
		"context": toJSONMap(evalCtx),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate policy expression: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy expression returned %T, want bool", out.Value())
	}
	return allowed, nil
}

// toJSONMap converts a contract struct into the generic map form CEL
// expressions index into. Nil inputs become empty maps so expressions
// never trip on missing roots.
func toJSONMap(v any) map[string]any {
	out := map[string]any{}
	if v == nil {
		return out
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}
