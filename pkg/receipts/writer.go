package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pathwell/fabric/pkg/archive"
	"github.com/pathwell/fabric/pkg/contracts"
	"github.com/pathwell/fabric/pkg/stream"
)

// Writer materialises, hashes and persists receipts, then fans them out to
// the stream and archive sinks. The prev-hash read and the append run under
// a process-wide mutex so receipts written by this process chain linearly;
// concurrent writers in other processes may fork the chain, which the hash
// marker tolerates by design of the advisory chain.
type Writer struct {
	store     *Store
	publisher stream.Publisher
	archiver  archive.Archiver
	version   string

	mu sync.Mutex
}

// NewWriter wires the write path. Publisher and archiver may be the no-op
// implementations.
func NewWriter(store *Store, publisher stream.Publisher, archiver archive.Archiver, version string) *Writer {
	return &Writer{store: store, publisher: publisher, archiver: archiver, version: version}
}

// Store runs the full write path for one receipt and returns the ack.
func (w *Writer) Store(ctx context.Context, req *contracts.StoreReceiptRequest) (*contracts.StoreReceiptResponse, error) {
	ctx, span := otel.Tracer("pathwell/receipts").Start(ctx, "receipts.store",
		trace.WithAttributes(attribute.String("agent_id", req.AgentID)))
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	prev, err := w.store.LatestReceiptHash(ctx)
	if err != nil {
		return nil, err
	}

	r := w.materialize(req)
	r.PreviousReceiptHash = prev
	hash, err := ComputeHash(r)
	if err != nil {
		return nil, fmt.Errorf("hash receipt: %w", err)
	}
	r.ReceiptHash = hash

	if err := w.store.Append(ctx, r, deriveTrustEvent(r)); err != nil {
		return nil, err
	}
	receiptsStored.WithLabelValues(version(r)).Inc()

	go w.fanout(r)

	return &contracts.StoreReceiptResponse{
		ReceiptID:   r.ReceiptID,
		ReceiptHash: r.ReceiptHash,
		TraceID:     r.TraceID,
		Stored:      true,
	}, nil
}

// materialize fills the receipt's server-side fields: identifiers, the
// timestamp, and the event defaults.
func (w *Writer) materialize(req *contracts.StoreReceiptRequest) *contracts.Receipt {
	r := &contracts.Receipt{
		ReceiptID:      uuid.NewString(),
		CorrelationID:  req.CorrelationID,
		ParentSpanID:   req.ParentSpanID,
		Timestamp:      time.Now().UTC(),
		AgentID:        req.AgentID,
		EventType:      contracts.EventGatewayRequest,
		Request:        req.Request,
		PolicyResult:   req.PolicyResult,
		IdentityResult: req.IdentityResult,
		Metadata:       req.Metadata,

		TenantID:            req.TenantID,
		TrustSnapshot:       req.TrustSnapshot,
		AttributionSnapshot: req.AttributionSnapshot,
	}
	if req.TraceID != nil && *req.TraceID != "" {
		r.TraceID = *req.TraceID
	} else {
		r.TraceID = uuid.NewString()
	}
	// A caller-supplied span id keeps the (span_id, parent_span_id) causal
	// chain intact across services; mint one only when absent.
	if req.SpanID != nil && *req.SpanID != "" {
		r.SpanID = *req.SpanID
	} else {
		r.SpanID = uuid.NewString()
	}
	if req.EventType != nil {
		r.EventType = *req.EventType
	}
	if req.EventSource != nil {
		r.EventSource = *req.EventSource
	} else {
		r.EventSource = contracts.EventSource{
			System:  "pathwell",
			Service: "proxy-gateway",
			Version: w.version,
		}
	}
	if r.Request.Headers == nil {
		r.Request.Headers = map[string]string{}
	}
	return r
}

// deriveTrustEvent turns a v2 receipt's trust evaluation into its trace
// trust event, or nil when no score was checked.
func deriveTrustEvent(r *contracts.Receipt) *contracts.TrustEvent {
	te := r.PolicyResult.TrustEvaluation
	if te == nil {
		return nil
	}

	eventType := contracts.TrustScoreChecked
	switch {
	case !te.Passed:
		eventType = contracts.TrustThresholdViolation
	case hasTrustWarning(r.PolicyResult.Warnings):
		eventType = contracts.TrustWarningEvent
	}

	var details json.RawMessage
	if r.PolicyResult.Reason != nil {
		if b, err := json.Marshal(map[string]string{"reason": *r.PolicyResult.Reason}); err == nil {
			details = b
		}
	}

	return &contracts.TrustEvent{
		EventID:     uuid.NewString(),
		TraceID:     r.TraceID,
		AgentID:     r.AgentID,
		EventType:   eventType,
		Timestamp:   r.Timestamp,
		NewScore:    te.TrustScore,
		Threshold:   te.Threshold,
		Passed:      te.Passed,
		ActionTaken: te.ActionTaken,
		Details:     details,
	}
}

func hasTrustWarning(warnings []contracts.PolicyWarning) bool {
	for _, warning := range warnings {
		if len(warning.Code) >= 6 && warning.Code[:6] == "TRUST_" {
			return true
		}
	}
	return false
}

func version(r *contracts.Receipt) string {
	if r.V2() {
		return "v2"
	}
	return "v1"
}

// fanout publishes the committed receipt to the stream and archive sinks.
// Both are best-effort: failures are counted and logged, never surfaced.
func (w *Writer) fanout(r *contracts.Receipt) {
	payload, err := json.Marshal(r)
	if err != nil {
		slog.Error("marshal receipt for fanout", "receipt_id", r.ReceiptID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := w.publisher.Publish(ctx, uuid.NewString(), payload); err != nil {
		streamFailures.Inc()
		slog.Error("publish receipt to stream", "receipt_id", r.ReceiptID, "error", err)
	}
	if err := w.archiver.Archive(ctx, archive.PartitionKey(r.Timestamp), payload); err != nil {
		archiveFailures.Inc()
		slog.Error("archive receipt", "receipt_id", r.ReceiptID, "error", err)
	}
}
