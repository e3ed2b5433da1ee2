package gateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pathwell/fabric/pkg/api"
	"github.com/pathwell/fabric/pkg/config"
	"github.com/pathwell/fabric/pkg/contracts"
)

// Inbound control headers. Everything in the x-pathwell-* space is
// stripped before forwarding so callers can't spoof downstream context.
const (
	headerAgentID       = "X-Pathwell-Agent-Id"
	headerTraceID       = "X-Pathwell-Trace-Id"
	headerCorrelationID = "X-Correlation-Id"
	pathwellPrefix      = "x-pathwell-"
)

var forwardableMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Proxy is the enforcement gateway: identity check, policy check, forward,
// receipt. Any failure in the first two stages denies the request; the
// gateway fails closed.
type Proxy struct {
	target   *url.URL
	upstream *http.Client
	identity *IdentityClient
	policy   *PolicyClient
	receipts *ReceiptClient
	version  string
	tracer   trace.Tracer
}

// NewProxy wires the pipeline against the configured target backend.
func NewProxy(cfg *config.Gateway, identity *IdentityClient, policy *PolicyClient, receipts *ReceiptClient, version string) (*Proxy, error) {
	target, err := url.Parse(cfg.TargetBackendURL)
	if err != nil {
		return nil, err
	}
	return &Proxy{
		target:   target,
		upstream: &http.Client{Timeout: cfg.UpstreamTimeout},
		identity: identity,
		policy:   policy,
		receipts: receipts,
		version:  version,
		tracer:   otel.Tracer("pathwell/gateway"),
	}, nil
}

// Routes builds the gateway mux: health plus the catch-all proxy.
func (p *Proxy) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", p.health)
	mux.HandleFunc("/", p.handle)
	return api.Recover(api.Logging(mux))
}

func (p *Proxy) health(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "proxy-gateway",
		"version": p.version,
		"target":  p.target.String(),
	})
}

// request context assembled by the extraction stage.
type callContext struct {
	agentID       string
	traceID       string
	spanID        string
	correlationID *string
	body          []byte
	bodyHash      *string
	headers       map[string]string
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := p.tracer.Start(r.Context(), "gateway.proxy",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		))
	defer span.End()
	r = r.WithContext(ctx)

	agentID := r.Header.Get(headerAgentID)
	if agentID == "" {
		proxiedRequests.WithLabelValues("error").Inc()
		api.WriteBadRequest(w, "x-pathwell-agent-id header is required")
		return
	}
	call, err := p.extract(r, agentID)
	if err != nil {
		proxiedRequests.WithLabelValues("error").Inc()
		api.WriteBadRequest(w, err.Error())
		return
	}
	span.SetAttributes(attribute.String("pathwell.trace_id", call.traceID))

	if !forwardableMethods[r.Method] {
		// Unsupported methods never reach identity or policy, but they
		// still leave a denial receipt like every other refusal.
		p.receipts.StoreAsync(p.buildReceipt(r, call, nil, &contracts.PolicyOutcome{
			Allowed: false,
			Reason:  strPtr("Method not allowed"),
		}, map[string]any{"error_reason": "Method not allowed", "status_code": http.StatusMethodNotAllowed}))
		proxiedRequests.WithLabelValues("error").Inc()
		api.WriteMethodNotAllowed(w)
		return
	}

	identity, err := p.identity.ValidateV2(ctx, agentID)
	if err != nil {
		p.deny(w, r, call, nil, "Identity validation failed: "+err.Error(), "identity_denied")
		return
	}
	if !identity.Valid || identity.Revoked {
		p.deny(w, r, call, identity, "Agent identity invalid or revoked", "identity_denied")
		return
	}

	decision, err := p.policy.EvaluateV2(ctx, p.policyInput(r, call, identity))
	if err != nil {
		// The decision point is unreachable: refuse rather than guess,
		// and leave a receipt explaining why.
		p.receipts.StoreAsync(p.buildReceipt(r, call, identity, &contracts.PolicyOutcome{
			Allowed: false,
			Reason:  strPtr("Policy evaluation unavailable"),
		}, map[string]any{"error_reason": err.Error(), "status_code": http.StatusInternalServerError}))
		proxiedRequests.WithLabelValues("error").Inc()
		api.WriteInternal(w, api.CodePolicyEvaluationError, err)
		return
	}
	if !decision.Allowed {
		p.denyWithDecision(w, r, call, identity, decision)
		return
	}

	p.forward(w, r, call, identity, decision)
}

func (p *Proxy) extract(r *http.Request, agentID string) (*callContext, error) {
	call := &callContext{agentID: agentID, spanID: uuid.NewString()}

	if raw := r.Header.Get(headerTraceID); raw != "" {
		if parsed, err := uuid.Parse(raw); err == nil {
			call.traceID = parsed.String()
		}
	}
	if call.traceID == "" {
		call.traceID = uuid.NewString()
	}
	if corr := r.Header.Get(headerCorrelationID); corr != "" {
		call.correlationID = &corr
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	call.body = body
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])
		call.bodyHash = &hash
	}

	call.headers = map[string]string{}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "cookie" || len(values) == 0 {
			continue
		}
		call.headers[lower] = values[0]
	}
	return call, nil
}

func (p *Proxy) policyInput(r *http.Request, call *callContext, identity *contracts.ValidateAgentV2Result) *contracts.EvaluateV2Request {
	agent := contracts.AgentInfoV2{
		AgentID:             call.agentID,
		DeveloperID:         identity.DeveloperID,
		EnterpriseID:        identity.EnterpriseID,
		TenantID:            identity.TenantID,
		TenantHierarchyPath: identity.TenantHierarchyPath,
	}
	if ts := identity.TrustScoreSummary; ts != nil {
		agent.TrustScore = &contracts.AgentTrustInput{
			CompositeScore:  ts.CompositeScore,
			Threshold:       ts.Threshold,
			ThresholdAction: ts.ThresholdAction,
		}
	}
	return &contracts.EvaluateV2Request{
		Agent: agent,
		Request: contracts.RequestInfo{
			Method:   r.Method,
			Path:     r.URL.Path,
			Headers:  call.headers,
			BodyHash: call.bodyHash,
		},
	}
}

// deny rejects the request with 403 and leaves a denial receipt.
func (p *Proxy) deny(w http.ResponseWriter, r *http.Request, call *callContext, identity *contracts.ValidateAgentV2Result, reason, outcome string) {
	p.receipts.StoreAsync(p.buildReceipt(r, call, identity, &contracts.PolicyOutcome{
		Allowed: false,
		Reason:  &reason,
	}, map[string]any{"error_reason": reason, "status_code": http.StatusForbidden}))
	proxiedRequests.WithLabelValues(outcome).Inc()
	p.writeDenial(w, call, reason)
}

func (p *Proxy) denyWithDecision(w http.ResponseWriter, r *http.Request, call *callContext, identity *contracts.ValidateAgentV2Result, decision *contracts.EvaluateV2Response) {
	outcome := policyOutcomeFromDecision(decision)
	p.receipts.StoreAsync(p.buildReceipt(r, call, identity, outcome,
		map[string]any{"error_reason": decision.Reason, "status_code": http.StatusForbidden}))
	proxiedRequests.WithLabelValues("policy_denied").Inc()
	p.writeDenial(w, call, decision.Reason)
}

func (p *Proxy) writeDenial(w http.ResponseWriter, call *callContext, reason string) {
	w.Header().Set(headerTraceID, call.traceID)
	api.WriteJSON(w, http.StatusForbidden, map[string]any{
		"error":    "request_denied",
		"reason":   reason,
		"status":   http.StatusForbidden,
		"trace_id": call.traceID,
	})
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, call *callContext, identity *contracts.ValidateAgentV2Result, decision *contracts.EvaluateV2Response) {
	outbound := p.target.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	req, err := http.NewRequestWithContext(r.Context(), r.Method, outbound.String(), bytes.NewReader(call.body))
	if err != nil {
		proxiedRequests.WithLabelValues("error").Inc()
		api.WriteInternal(w, api.CodeBadGateway, err)
		return
	}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if lower == "host" || lower == "content-length" || strings.HasPrefix(lower, pathwellPrefix) {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	// Downstream services see the authoritative trace context, not
	// whatever the caller sent.
	req.Header.Set(headerTraceID, call.traceID)
	if call.correlationID != nil {
		req.Header.Set(headerCorrelationID, *call.correlationID)
	}

	start := time.Now()
	resp, err := p.upstream.Do(req)
	upstreamDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.receipts.StoreAsync(p.buildReceipt(r, call, identity, policyOutcomeFromDecision(decision),
			map[string]any{"error_reason": "upstream unreachable", "status_code": http.StatusBadGateway}))
		proxiedRequests.WithLabelValues("error").Inc()
		api.WriteError(w, http.StatusBadGateway, api.CodeBadGateway, "Upstream request failed")
		return
	}
	defer resp.Body.Close()

	p.receipts.StoreAsync(p.buildReceipt(r, call, identity, policyOutcomeFromDecision(decision),
		map[string]any{"status_code": resp.StatusCode}))
	proxiedRequests.WithLabelValues("forwarded").Inc()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(headerTraceID, call.traceID)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func policyOutcomeFromDecision(decision *contracts.EvaluateV2Response) *contracts.PolicyOutcome {
	return &contracts.PolicyOutcome{
		Allowed:          decision.Allowed,
		EvaluationTimeMs: &decision.EvaluationTimeMs,
		Reason:           &decision.Reason,
		TrustEvaluation:  decision.TrustEvaluation,
		Warnings:         decision.Warnings,
	}
}

// buildReceipt assembles the v2 receipt for this call. identity may be nil
// when validation itself failed.
func (p *Proxy) buildReceipt(r *http.Request, call *callContext, identity *contracts.ValidateAgentV2Result, policy *contracts.PolicyOutcome, metadata map[string]any) *contracts.StoreReceiptRequest {
	eventType := contracts.EventGatewayRequest
	receipt := &contracts.StoreReceiptRequest{
		TraceID:       &call.traceID,
		CorrelationID: call.correlationID,
		SpanID:        &call.spanID,
		AgentID:       call.agentID,
		EventType:     &eventType,
		EventSource: &contracts.EventSource{
			System:  "pathwell",
			Service: "proxy-gateway",
			Version: p.version,
		},
		Request: contracts.RequestInfo{
			Method:   r.Method,
			Path:     r.URL.Path,
			Headers:  call.headers,
			BodyHash: call.bodyHash,
		},
		PolicyResult: *policy,
	}

	if identity != nil {
		receipt.IdentityResult = contracts.IdentityOutcome{
			Valid:        identity.Valid && !identity.Revoked,
			AgentID:      &identity.AgentID,
			DeveloperID:  identity.DeveloperID,
			EnterpriseID: identity.EnterpriseID,
		}
		receipt.TenantID = identity.TenantID
		if ts := identity.TrustScoreSummary; ts != nil {
			receipt.TrustSnapshot = &contracts.TrustSnapshot{
				CompositeScore:  ts.CompositeScore,
				Threshold:       ts.Threshold,
				ThresholdAction: ts.ThresholdAction,
			}
		}
		if as := identity.AttributionSummary; as != nil {
			receipt.AttributionSnapshot = &contracts.AttributionSnapshot{
				CreatorID:            as.CreatorID,
				PublisherID:          as.PublisherID,
				ConsumerCount:        as.ConsumerCount,
				AuditVisibilityScope: as.AuditVisibilityScope,
			}
		}
	} else {
		agentID := call.agentID
		receipt.IdentityResult = contracts.IdentityOutcome{Valid: false, AgentID: &agentID}
	}

	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			receipt.Metadata = raw
		}
	}
	return receipt
}

func strPtr(s string) *string { return &s }
