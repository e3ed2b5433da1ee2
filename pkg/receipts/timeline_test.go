package receipts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathwell/fabric/pkg/contracts"
)

func timelineReceipt(ts time.Time, method, path string, identityValid, policyAllowed bool) contracts.Receipt {
	return contracts.Receipt{
		ReceiptID:      "receipt-" + ts.Format("150405"),
		TraceID:        "trace-1",
		Timestamp:      ts,
		AgentID:        "agent-1",
		Request:        contracts.RequestInfo{Method: method, Path: path},
		PolicyResult:   contracts.PolicyOutcome{Allowed: policyAllowed},
		IdentityResult: contracts.IdentityOutcome{Valid: identityValid},
	}
}

func TestBuildTimelineMergesAscending(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	name := "Dana Reyes"
	receipts := []contracts.Receipt{
		timelineReceipt(base, "POST", "/api/orders", true, true),
		timelineReceipt(base.Add(2*time.Minute), "GET", "/api/orders/7", true, false),
	}
	externals := []contracts.ExternalEvent{{
		EventID:      "ext-1",
		TraceID:      "trace-1",
		EventType:    "order_approved",
		SourceSystem: "erp",
		SourceID:     "PO-100",
		Timestamp:    base.Add(time.Minute),
		Actor:        &contracts.Actor{Type: "human", ID: "u-9", DisplayName: &name},
	}}

	timeline := BuildTimeline("trace-1", receipts, externals)
	require.Len(t, timeline.Entries, 3)

	assert.Equal(t, "POST /api/orders - Allowed", timeline.Entries[0].Summary)
	assert.Equal(t, "order_approved by Dana Reyes (erp)", timeline.Entries[1].Summary)
	assert.Equal(t, "GET /api/orders/7 - Denied", timeline.Entries[2].Summary)

	assert.True(t, timeline.Entries[0].Outcome.Success)
	require.NotNil(t, timeline.Entries[2].Outcome.Reason)
	assert.Equal(t, "Policy denied", *timeline.Entries[2].Outcome.Reason)
}

func TestBuildTimelineIdentityFailureWinsOverPolicy(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	receipts := []contracts.Receipt{
		timelineReceipt(base, "POST", "/api/orders", false, false),
	}

	timeline := BuildTimeline("trace-1", receipts, nil)
	require.Len(t, timeline.Entries, 1)
	require.NotNil(t, timeline.Entries[0].Outcome.Reason)
	assert.Equal(t, "Identity invalid", *timeline.Entries[0].Outcome.Reason)
}

func TestBuildTimelineExternalActorFallbacks(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	noActor := contracts.ExternalEvent{
		EventID: "e1", EventType: "sync", SourceSystem: "crm", Timestamp: base,
	}
	idOnly := contracts.ExternalEvent{
		EventID: "e2", EventType: "sync", SourceSystem: "crm", Timestamp: base.Add(time.Second),
		Actor: &contracts.Actor{Type: "agent", ID: "agent-7"},
	}

	timeline := BuildTimeline("trace-1", nil, []contracts.ExternalEvent{noActor, idOnly})
	assert.Equal(t, "sync by System (crm)", timeline.Entries[0].Summary)
	assert.Equal(t, "sync by agent-7 (crm)", timeline.Entries[1].Summary)
}

func TestBuildDecisionTreeSingleReceipt(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	receipts := []contracts.Receipt{
		timelineReceipt(base, "DELETE", "/api/orders/3", true, false),
	}

	tree := BuildDecisionTree("trace-1", receipts)
	require.Len(t, tree.Nodes, 3)
	require.Len(t, tree.Edges, 2)

	assert.Equal(t, "identity-0", tree.Nodes[0].ID)
	assert.Equal(t, "Identity: valid", tree.Nodes[0].Label)
	assert.Equal(t, "policy-0", tree.Nodes[1].ID)
	assert.Equal(t, "Policy: denied", tree.Nodes[1].Label)
	assert.Equal(t, "action-0", tree.Nodes[2].ID)
	assert.Equal(t, "DELETE /api/orders/3", tree.Nodes[2].Label)
	assert.False(t, tree.Nodes[2].Outcome)

	assert.Equal(t, DecisionEdge{From: "identity-0", To: "policy-0", Label: "valid"}, tree.Edges[0])
	assert.Equal(t, DecisionEdge{From: "policy-0", To: "action-0", Label: "denied"}, tree.Edges[1])
}

func TestBuildDecisionTreeChainsReceipts(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	receipts := []contracts.Receipt{
		timelineReceipt(base, "GET", "/api/a", true, true),
		timelineReceipt(base.Add(time.Minute), "GET", "/api/b", true, true),
	}

	tree := BuildDecisionTree("trace-1", receipts)
	require.Len(t, tree.Nodes, 6)
	require.Len(t, tree.Edges, 5)
	assert.Contains(t, tree.Edges, DecisionEdge{From: "action-0", To: "identity-1", Label: "next"})
}

func TestBuildDecisionTreeEmptyTrace(t *testing.T) {
	tree := BuildDecisionTree("trace-1", nil)
	assert.Empty(t, tree.Nodes)
	assert.Empty(t, tree.Edges)
}
