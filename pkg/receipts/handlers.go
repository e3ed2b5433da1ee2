package receipts

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pathwell/fabric/pkg/api"
	"github.com/pathwell/fabric/pkg/canonicalize"
	"github.com/pathwell/fabric/pkg/config"
	"github.com/pathwell/fabric/pkg/contracts"
)

// Service exposes the receipt store HTTP API. A nil store means the
// service came up without a database; every data route then answers 503
// so callers can distinguish "down" from "empty".
type Service struct {
	store   *Store
	writer  *Writer
	version string
}

// NewService wires the handlers. store and writer may both be nil.
func NewService(store *Store, writer *Writer, version string) *Service {
	return &Service{store: store, writer: writer, version: version}
}

// Routes builds the receipt store's HTTP mux.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/receipts", s.storeReceiptV1)
	mux.HandleFunc("POST /v2/receipts", s.storeReceiptV2)
	mux.HandleFunc("POST /v1/events/external", s.ingestExternalEvent)
	mux.HandleFunc("GET /v1/traces", s.listTraces)
	mux.HandleFunc("GET /v1/traces/{trace_id}", s.getTrace)
	mux.HandleFunc("GET /v1/traces/{trace_id}/timeline", s.getTimeline)
	mux.HandleFunc("GET /v1/traces/{trace_id}/decisions", s.getDecisionTree)
	mux.HandleFunc("GET /v1/traces/{trace_id}/trust-events", s.listTrustEvents)
	mux.HandleFunc("GET /v1/lookup/{correlation_id}", s.lookupByCorrelation)
	mux.HandleFunc("GET /health", s.health)
	return api.Recover(api.Logging(mux))
}

// available guards data routes against the no-database mode.
func (s *Service) available(w http.ResponseWriter) bool {
	if s.store == nil {
		api.WriteServiceUnavailable(w, "Receipt store is running without a database")
		return false
	}
	return true
}

func (s *Service) storeReceiptV1(w http.ResponseWriter, r *http.Request) {
	var req contracts.StoreReceiptRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	// The v1 contract has no tenant or trust fields; drop any that leak in
	// so v1 hashes stay version-pure.
	req.TenantID = nil
	req.TrustSnapshot = nil
	req.AttributionSnapshot = nil
	s.storeReceipt(w, r, &req)
}

func (s *Service) storeReceiptV2(w http.ResponseWriter, r *http.Request) {
	var req contracts.StoreReceiptRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	s.storeReceipt(w, r, &req)
}

func (s *Service) storeReceipt(w http.ResponseWriter, r *http.Request, req *contracts.StoreReceiptRequest) {
	if !s.available(w) {
		return
	}
	if req.AgentID == "" {
		api.WriteBadRequest(w, "agent_id is required")
		return
	}
	if req.Request.Method == "" || req.Request.Path == "" {
		api.WriteBadRequest(w, "request.method and request.path are required")
		return
	}

	resp, err := s.writer.Store(r.Context(), req)
	if err != nil {
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, resp)
}

func (s *Service) ingestExternalEvent(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	var req contracts.ExternalEventRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if req.TraceID == "" {
		api.WriteBadRequest(w, "trace_id is required")
		return
	}
	if req.EventType == "" || req.SourceSystem == "" || req.SourceID == "" {
		api.WriteBadRequest(w, "event_type, source_system and source_id are required")
		return
	}

	payloadHash, err := canonicalize.CanonicalHash(req.Payload)
	if err != nil {
		api.WriteBadRequest(w, "payload is not valid JSON")
		return
	}

	now := time.Now().UTC()
	ts := now
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	ev := &contracts.ExternalEvent{
		EventID:       uuid.NewString(),
		TraceID:       req.TraceID,
		CorrelationID: req.CorrelationID,
		EventType:     req.EventType,
		SourceSystem:  req.SourceSystem,
		SourceID:      req.SourceID,
		Timestamp:     ts,
		Actor:         req.Actor,
		Payload:       req.Payload,
		PayloadHash:   payloadHash,
		Metadata:      req.Metadata,
		CreatedAt:     now,
	}
	if err := s.store.InsertExternalEvent(r.Context(), ev); err != nil {
		api.WriteInternal(w, api.CodeDatabaseError, err)
		return
	}
	externalEventsIngested.Inc()

	api.WriteJSON(w, http.StatusAccepted, &contracts.ExternalEventResponse{
		EventID: ev.EventID,
		TraceID: ev.TraceID,
		Status:  "accepted",
	})
}

func (s *Service) listTraces(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	q := r.URL.Query()
	filter := TraceFilter{
		CorrelationID: optional(q.Get("correlation_id")),
		AgentID:       optional(q.Get("agent_id")),
		EnterpriseID:  optional(q.Get("enterprise_id")),
		TenantID:      optional(q.Get("tenant_id")),
		Status:        optional(q.Get("status")),
	}
	filter.Limit = int(config.ParseLimit(q.Get("limit"), 50, 100))
	filter.Offset = int(config.ParseOffset(q.Get("offset")))
	var err error
	if filter.From, err = optionalTime(q.Get("from")); err != nil {
		api.WriteBadRequest(w, "from must be an RFC 3339 timestamp")
		return
	}
	if filter.To, err = optionalTime(q.Get("to")); err != nil {
		api.WriteBadRequest(w, "to must be an RFC 3339 timestamp")
		return
	}

	traces, total, err := s.store.ListTraces(r.Context(), filter)
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"traces": traces,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Service) getTrace(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	trace, err := s.store.GetTrace(r.Context(), r.PathValue("trace_id"))
	if err == ErrNotFound {
		api.WriteNotFound(w, "Trace not found")
		return
	}
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, trace)
}

func (s *Service) getTimeline(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	traceID := r.PathValue("trace_id")
	if _, err := s.store.GetTrace(r.Context(), traceID); err != nil {
		if err == ErrNotFound {
			api.WriteNotFound(w, "Trace not found")
			return
		}
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	receipts, err := s.store.ListReceiptsByTrace(r.Context(), traceID)
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	externals, err := s.store.ListExternalByTrace(r.Context(), traceID)
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, BuildTimeline(traceID, receipts, externals))
}

func (s *Service) getDecisionTree(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	traceID := r.PathValue("trace_id")
	if _, err := s.store.GetTrace(r.Context(), traceID); err != nil {
		if err == ErrNotFound {
			api.WriteNotFound(w, "Trace not found")
			return
		}
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	receipts, err := s.store.ListReceiptsByTrace(r.Context(), traceID)
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, BuildDecisionTree(traceID, receipts))
}

func (s *Service) listTrustEvents(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	events, err := s.store.ListTrustEventsByTrace(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"trust_events": events})
}

func (s *Service) lookupByCorrelation(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	correlationID := r.PathValue("correlation_id")
	traceID, err := s.store.TraceIDByCorrelation(r.Context(), correlationID)
	if err == ErrNotFound {
		api.WriteNotFound(w, "No trace found for correlation id")
		return
	}
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}

	// Resolving the correlation is only half the lookup: callers get the
	// full trace detail in one round trip.
	trace, err := s.store.GetTrace(r.Context(), traceID)
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	receipts, err := s.store.ListReceiptsByTrace(r.Context(), traceID)
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	externals, err := s.store.ListExternalByTrace(r.Context(), traceID)
	if err != nil {
		api.WriteInternal(w, api.CodeQueryError, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"correlation_id": correlationID,
		"trace_id":       traceID,
		"trace":          trace,
		"timeline":       BuildTimeline(traceID, receipts, externals),
		"decision_tree":  BuildDecisionTree(traceID, receipts),
	})
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.store == nil {
		status = "degraded"
	} else if err := s.store.DB().PingContext(r.Context()); err != nil {
		status = "degraded"
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"service": "receipt-store",
		"version": s.version,
	})
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func optionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
