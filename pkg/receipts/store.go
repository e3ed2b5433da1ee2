package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/pathwell/fabric/pkg/contracts"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store persists receipts, traces, external events and trust events. It
// runs against Postgres in production and embedded SQLite for single-node
// deployments; the DML is written once with ? placeholders and rebound for
// Postgres.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database named by databaseURL. postgres:// and
// postgresql:// URLs use lib/pq; file: and sqlite: URLs open an embedded
// SQLite database and create the schema if missing.
func Open(databaseURL string) (*Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxLifetime(5 * time.Minute)
		return &Store{db: db, driver: "postgres"}, nil
	case strings.HasPrefix(databaseURL, "file:"), strings.HasPrefix(databaseURL, "sqlite:"):
		path := strings.TrimPrefix(databaseURL, "sqlite:")
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// The embedded driver serialises writes; a single connection
		// avoids SQLITE_BUSY under concurrent handlers.
		db.SetMaxOpenConns(1)
		s := &Store{db: db, driver: "sqlite"}
		if err := s.ensureSchema(context.Background()); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database url %q", databaseURL)
	}
}

// NewStoreWithDB wraps an existing connection. Used by tests.
func NewStoreWithDB(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// rebind converts ? placeholders to $N for Postgres. Queries never contain
// a literal question mark.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS traces (
	trace_id TEXT PRIMARY KEY,
	correlation_id TEXT,
	started_at TIMESTAMP NOT NULL,
	last_event_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	event_count INTEGER NOT NULL DEFAULT 0,
	policy_deny_count INTEGER NOT NULL DEFAULT 0,
	trust_violations INTEGER NOT NULL DEFAULT 0,
	trust_sample_count INTEGER NOT NULL DEFAULT 0,
	min_trust_score REAL,
	avg_trust_score REAL,
	tenant_id TEXT,
	initiating_agent_id TEXT,
	initiating_developer_id TEXT,
	initiating_enterprise_id TEXT
);
CREATE TABLE IF NOT EXISTS receipt_events (
	receipt_id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	correlation_id TEXT,
	span_id TEXT NOT NULL,
	parent_span_id TEXT,
	timestamp TIMESTAMP NOT NULL,
	agent_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_source TEXT NOT NULL,
	request TEXT NOT NULL,
	policy_result TEXT NOT NULL,
	identity_result TEXT NOT NULL,
	metadata TEXT,
	tenant_id TEXT,
	trust_snapshot TEXT,
	attribution_snapshot TEXT,
	previous_receipt_hash TEXT,
	receipt_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipt_events_trace ON receipt_events (trace_id, timestamp);
CREATE TABLE IF NOT EXISTS receipts (
	receipt_id TEXT PRIMARY KEY,
	receipt_hash TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS external_events (
	event_id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	correlation_id TEXT,
	event_type TEXT NOT NULL,
	source_system TEXT NOT NULL,
	source_id TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	actor TEXT,
	payload TEXT,
	payload_hash TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_external_events_trace ON external_events (trace_id, timestamp);
CREATE TABLE IF NOT EXISTS trust_events (
	event_id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	previous_score REAL,
	new_score REAL NOT NULL,
	threshold REAL NOT NULL,
	passed INTEGER NOT NULL,
	action_taken TEXT,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_trust_events_trace ON trust_events (trace_id, timestamp);
`

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// LatestReceiptHash returns the hash of the most recent receipt across all
// traces, or nil when the store is empty. This is the global chain head
// each new receipt links to.
func (s *Store) LatestReceiptHash(ctx context.Context) (*string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT receipt_hash FROM receipt_events ORDER BY timestamp DESC, receipt_id DESC LIMIT 1`,
	)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest receipt hash: %w", err)
	}
	return &hash, nil
}

// Append persists a materialised, hashed receipt: the trace upsert, the
// full receipt row, the abridged hash row and the optional trust event run
// in one transaction.
func (s *Store) Append(ctx context.Context, r *contracts.Receipt, trustEvent *contracts.TrustEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.upsertTrace(ctx, tx, r); err != nil {
		return err
	}
	if err := s.insertReceiptEvent(ctx, tx, r); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO receipts (receipt_id, receipt_hash, timestamp) VALUES (?, ?, ?)
		 ON CONFLICT (receipt_id) DO NOTHING`,
	), r.ReceiptID, r.ReceiptHash, r.Timestamp.UTC()); err != nil {
		return fmt.Errorf("insert abridged receipt: %w", err)
	}
	if trustEvent != nil {
		if err := s.insertTrustEvent(ctx, tx, trustEvent); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// traceRow mirrors the traces table for aggregate bookkeeping.
type traceRow struct {
	contracts.Trace
	TrustSampleCount int64
}

func (s *Store) upsertTrace(ctx context.Context, tx *sql.Tx, r *contracts.Receipt) error {
	var row traceRow
	err := tx.QueryRowContext(ctx, s.rebind(
		`SELECT status, event_count, policy_deny_count, trust_violations, trust_sample_count,
		        min_trust_score, avg_trust_score
		 FROM traces WHERE trace_id = ?`,
	), r.TraceID).Scan(
		&row.Status, &row.EventCount, &row.PolicyDenyCount, &row.TrustViolations,
		&row.TrustSampleCount, &row.MinTrustScore, &row.AvgTrustScore,
	)

	score := compositeScore(r)
	denied := !r.PolicyResult.Allowed
	violation := r.PolicyResult.TrustEvaluation != nil && !r.PolicyResult.TrustEvaluation.Passed

	switch {
	case errors.Is(err, sql.ErrNoRows):
		status := contracts.TraceActive
		if denied {
			// A trace whose very first event is a denial never ran.
			status = contracts.TraceFailed
		}
		denyCount, violations, samples := 0, 0, 0
		if denied {
			denyCount = 1
		}
		if violation {
			violations = 1
		}
		var minScore, avgScore *float64
		if score != nil {
			samples = 1
			minScore, avgScore = score, score
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO traces (trace_id, correlation_id, started_at, last_event_at, status,
			                     event_count, policy_deny_count, trust_violations, trust_sample_count,
			                     min_trust_score, avg_trust_score, tenant_id,
			                     initiating_agent_id, initiating_developer_id, initiating_enterprise_id)
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		), r.TraceID, r.CorrelationID, r.Timestamp.UTC(), r.Timestamp.UTC(), status,
			denyCount, violations, samples, minScore, avgScore, r.TenantID,
			r.AgentID, r.IdentityResult.DeveloperID, r.IdentityResult.EnterpriseID)
		if err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read trace for upsert: %w", err)
	}

	if denied {
		row.PolicyDenyCount++
	}
	if violation {
		row.TrustViolations++
	}
	if score != nil {
		if row.MinTrustScore == nil || *score < *row.MinTrustScore {
			row.MinTrustScore = score
		}
		var prevAvg float64
		if row.AvgTrustScore != nil {
			prevAvg = *row.AvgTrustScore
		}
		next := (prevAvg*float64(row.TrustSampleCount) + *score) / float64(row.TrustSampleCount+1)
		row.AvgTrustScore = &next
		row.TrustSampleCount++
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`UPDATE traces SET last_event_at = ?, event_count = event_count + 1,
		        policy_deny_count = ?, trust_violations = ?, trust_sample_count = ?,
		        min_trust_score = ?, avg_trust_score = ?
		 WHERE trace_id = ?`,
	), r.Timestamp.UTC(), row.PolicyDenyCount, row.TrustViolations, row.TrustSampleCount,
		row.MinTrustScore, row.AvgTrustScore, r.TraceID)
	if err != nil {
		return fmt.Errorf("update trace aggregates: %w", err)
	}
	return nil
}

// compositeScore extracts the trust score observed by this receipt,
// preferring the full snapshot over the policy evaluation.
func compositeScore(r *contracts.Receipt) *float64 {
	if r.TrustSnapshot != nil {
		v := r.TrustSnapshot.CompositeScore
		return &v
	}
	if te := r.PolicyResult.TrustEvaluation; te != nil {
		v := te.TrustScore
		return &v
	}
	return nil
}

func (s *Store) insertReceiptEvent(ctx context.Context, tx *sql.Tx, r *contracts.Receipt) error {
	eventSource, err := json.Marshal(r.EventSource)
	if err != nil {
		return fmt.Errorf("marshal event_source: %w", err)
	}
	request, err := json.Marshal(r.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	policyResult, err := json.Marshal(r.PolicyResult)
	if err != nil {
		return fmt.Errorf("marshal policy_result: %w", err)
	}
	identityResult, err := json.Marshal(r.IdentityResult)
	if err != nil {
		return fmt.Errorf("marshal identity_result: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO receipt_events (receipt_id, trace_id, correlation_id, span_id, parent_span_id,
		        timestamp, agent_id, event_type, event_source, request, policy_result,
		        identity_result, metadata, tenant_id, trust_snapshot, attribution_snapshot,
		        previous_receipt_hash, receipt_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	), r.ReceiptID, r.TraceID, r.CorrelationID, r.SpanID, r.ParentSpanID,
		r.Timestamp.UTC(), r.AgentID, string(r.EventType), eventSource, request, policyResult,
		identityResult, nullableRaw(r.Metadata), r.TenantID,
		marshalNullable(r.TrustSnapshot), marshalNullable(r.AttributionSnapshot),
		r.PreviousReceiptHash, r.ReceiptHash)
	if err != nil {
		return fmt.Errorf("insert receipt event: %w", err)
	}
	return nil
}

func (s *Store) insertTrustEvent(ctx context.Context, tx *sql.Tx, ev *contracts.TrustEvent) error {
	_, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO trust_events (event_id, trace_id, agent_id, event_type, timestamp,
		        previous_score, new_score, threshold, passed, action_taken, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	), ev.EventID, ev.TraceID, ev.AgentID, string(ev.EventType), ev.Timestamp.UTC(),
		ev.PreviousScore, ev.NewScore, ev.Threshold, ev.Passed, ev.ActionTaken,
		nullableRaw(ev.Details))
	if err != nil {
		return fmt.Errorf("insert trust event: %w", err)
	}
	return nil
}

// InsertExternalEvent persists an ingested external event.
func (s *Store) InsertExternalEvent(ctx context.Context, ev *contracts.ExternalEvent) error {
	actor, err := marshalNullableErr(ev.Actor)
	if err != nil {
		return fmt.Errorf("marshal actor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO external_events (event_id, trace_id, correlation_id, event_type, source_system,
		        source_id, timestamp, actor, payload, payload_hash, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	), ev.EventID, ev.TraceID, ev.CorrelationID, ev.EventType, ev.SourceSystem,
		ev.SourceID, ev.Timestamp.UTC(), actor, nullableRaw(ev.Payload), ev.PayloadHash,
		nullableRaw(ev.Metadata), ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert external event: %w", err)
	}
	return nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func marshalNullable(v any) any {
	b, err := marshalNullableErr(v)
	if err != nil || b == nil {
		return nil
	}
	return b
}

func marshalNullableErr(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *contracts.TrustSnapshot:
		if t == nil {
			return nil, nil
		}
	case *contracts.AttributionSnapshot:
		if t == nil {
			return nil, nil
		}
	case *contracts.Actor:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
