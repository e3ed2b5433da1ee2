package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pathwell/fabric/pkg/contracts"
)

// TraceFilter narrows ListTraces. Nil fields match everything.
type TraceFilter struct {
	CorrelationID *string
	AgentID       *string
	EnterpriseID  *string
	TenantID      *string
	Status        *string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

const traceColumns = `trace_id, correlation_id, started_at, last_event_at, status,
	event_count, policy_deny_count, trust_violations, min_trust_score, avg_trust_score,
	tenant_id, initiating_agent_id, initiating_developer_id, initiating_enterprise_id`

// ListTraces returns a page of traces ordered by most recent activity,
// plus the unpaged total for the same filter.
func (s *Store) ListTraces(ctx context.Context, filter TraceFilter) ([]contracts.Trace, int64, error) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if filter.CorrelationID != nil {
		add("correlation_id = ?", *filter.CorrelationID)
	}
	if filter.AgentID != nil {
		add("initiating_agent_id = ?", *filter.AgentID)
	}
	if filter.EnterpriseID != nil {
		add("initiating_enterprise_id = ?", *filter.EnterpriseID)
	}
	if filter.TenantID != nil {
		add("tenant_id = ?", *filter.TenantID)
	}
	if filter.Status != nil {
		add("status = ?", *filter.Status)
	}
	if filter.From != nil {
		add("last_event_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		add("last_event_at <= ?", filter.To.UTC())
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*) FROM traces"+where,
	), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count traces: %w", err)
	}

	query := "SELECT " + traceColumns + " FROM traces" + where +
		" ORDER BY last_event_at DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	traces := []contracts.Trace{}
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, 0, err
		}
		traces = append(traces, *t)
	}
	return traces, total, rows.Err()
}

// GetTrace returns one trace by id.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*contracts.Trace, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+traceColumns+" FROM traces WHERE trace_id = ?",
	), traceID)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// TraceIDByCorrelation resolves a correlation id to its most recently
// active trace.
func (s *Store) TraceIDByCorrelation(ctx context.Context, correlationID string) (string, error) {
	var traceID string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT trace_id FROM traces WHERE correlation_id = ? ORDER BY last_event_at DESC LIMIT 1`,
	), correlationID).Scan(&traceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup correlation: %w", err)
	}
	return traceID, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(sc scanner) (*contracts.Trace, error) {
	var t contracts.Trace
	err := sc.Scan(
		&t.TraceID, &t.CorrelationID, &t.StartedAt, &t.LastEventAt, &t.Status,
		&t.EventCount, &t.PolicyDenyCount, &t.TrustViolations, &t.MinTrustScore, &t.AvgTrustScore,
		&t.TenantID, &t.InitiatingAgentID, &t.InitiatingDeveloperID, &t.InitiatingEnterpriseID,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListReceiptsByTrace returns the full receipts of a trace in event order.
func (s *Store) ListReceiptsByTrace(ctx context.Context, traceID string) ([]contracts.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT receipt_id, trace_id, correlation_id, span_id, parent_span_id, timestamp,
		        agent_id, event_type, event_source, request, policy_result, identity_result,
		        metadata, tenant_id, trust_snapshot, attribution_snapshot,
		        previous_receipt_hash, receipt_hash
		 FROM receipt_events WHERE trace_id = ? ORDER BY timestamp ASC, receipt_id ASC`,
	), traceID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	receipts := []contracts.Receipt{}
	for rows.Next() {
		var r contracts.Receipt
		var eventType string
		var eventSource, request, policyResult, identityResult []byte
		var metadata, trustSnapshot, attributionSnapshot []byte
		err := rows.Scan(
			&r.ReceiptID, &r.TraceID, &r.CorrelationID, &r.SpanID, &r.ParentSpanID, &r.Timestamp,
			&r.AgentID, &eventType, &eventSource, &request, &policyResult, &identityResult,
			&metadata, &r.TenantID, &trustSnapshot, &attributionSnapshot,
			&r.PreviousReceiptHash, &r.ReceiptHash,
		)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.EventType = contracts.EventType(eventType)
		if err := json.Unmarshal(eventSource, &r.EventSource); err != nil {
			return nil, fmt.Errorf("decode event_source: %w", err)
		}
		if err := json.Unmarshal(request, &r.Request); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		if err := json.Unmarshal(policyResult, &r.PolicyResult); err != nil {
			return nil, fmt.Errorf("decode policy_result: %w", err)
		}
		if err := json.Unmarshal(identityResult, &r.IdentityResult); err != nil {
			return nil, fmt.Errorf("decode identity_result: %w", err)
		}
		if len(metadata) > 0 {
			r.Metadata = json.RawMessage(metadata)
		}
		if len(trustSnapshot) > 0 {
			r.TrustSnapshot = &contracts.TrustSnapshot{}
			if err := json.Unmarshal(trustSnapshot, r.TrustSnapshot); err != nil {
				return nil, fmt.Errorf("decode trust_snapshot: %w", err)
			}
		}
		if len(attributionSnapshot) > 0 {
			r.AttributionSnapshot = &contracts.AttributionSnapshot{}
			if err := json.Unmarshal(attributionSnapshot, r.AttributionSnapshot); err != nil {
				return nil, fmt.Errorf("decode attribution_snapshot: %w", err)
			}
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// ListExternalByTrace returns a trace's external events in event order.
func (s *Store) ListExternalByTrace(ctx context.Context, traceID string) ([]contracts.ExternalEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT event_id, trace_id, correlation_id, event_type, source_system, source_id,
		        timestamp, actor, payload, payload_hash, metadata, created_at
		 FROM external_events WHERE trace_id = ? ORDER BY timestamp ASC, event_id ASC`,
	), traceID)
	if err != nil {
		return nil, fmt.Errorf("list external events: %w", err)
	}
	defer rows.Close()

	events := []contracts.ExternalEvent{}
	for rows.Next() {
		var ev contracts.ExternalEvent
		var actor, payload, metadata []byte
		err := rows.Scan(
			&ev.EventID, &ev.TraceID, &ev.CorrelationID, &ev.EventType, &ev.SourceSystem,
			&ev.SourceID, &ev.Timestamp, &actor, &payload, &ev.PayloadHash, &metadata, &ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan external event: %w", err)
		}
		if len(actor) > 0 {
			ev.Actor = &contracts.Actor{}
			if err := json.Unmarshal(actor, ev.Actor); err != nil {
				return nil, fmt.Errorf("decode actor: %w", err)
			}
		}
		if len(payload) > 0 {
			ev.Payload = json.RawMessage(payload)
		}
		if len(metadata) > 0 {
			ev.Metadata = json.RawMessage(metadata)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListTrustEventsByTrace returns a trace's trust events in event order.
func (s *Store) ListTrustEventsByTrace(ctx context.Context, traceID string) ([]contracts.TrustEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT event_id, trace_id, agent_id, event_type, timestamp, previous_score,
		        new_score, threshold, passed, action_taken, details
		 FROM trust_events WHERE trace_id = ? ORDER BY timestamp ASC, event_id ASC`,
	), traceID)
	if err != nil {
		return nil, fmt.Errorf("list trust events: %w", err)
	}
	defer rows.Close()

	events := []contracts.TrustEvent{}
	for rows.Next() {
		var ev contracts.TrustEvent
		var eventType string
		var details []byte
		err := rows.Scan(
			&ev.EventID, &ev.TraceID, &ev.AgentID, &eventType, &ev.Timestamp, &ev.PreviousScore,
			&ev.NewScore, &ev.Threshold, &ev.Passed, &ev.ActionTaken, &details,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trust event: %w", err)
		}
		ev.EventType = contracts.TrustEventType(eventType)
		if len(details) > 0 {
			ev.Details = json.RawMessage(details)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// FinalizeIdleTraces marks active traces idle since the cutoff as
// completed and returns how many were closed.
func (s *Store) FinalizeIdleTraces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE traces SET status = ? WHERE status = ? AND last_event_at < ?`,
	), contracts.TraceCompleted, contracts.TraceActive, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("finalize idle traces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
