package receipts

import (
	"fmt"
	"sort"
	"time"

	"github.com/pathwell/fabric/pkg/contracts"
)

// TimelineOutcome summarises how a receipt's checks resolved.
type TimelineOutcome struct {
	Success bool    `json:"success"`
	Reason  *string `json:"reason,omitempty"`
}

// TimelineEntry is one row of a merged trace timeline.
type TimelineEntry struct {
	Timestamp time.Time        `json:"timestamp"`
	EntryType string           `json:"entry_type"` // receipt | external_event
	ID        string           `json:"id"`
	Summary   string           `json:"summary"`
	Outcome   *TimelineOutcome `json:"outcome,omitempty"`
	Actor     *contracts.Actor `json:"actor,omitempty"`
}

// Timeline is the merged, time-ordered view of a trace.
type Timeline struct {
	TraceID string          `json:"trace_id"`
	Entries []TimelineEntry `json:"entries"`
}

// BuildTimeline merges receipts and external events into one ascending
// timeline.
func BuildTimeline(traceID string, receipts []contracts.Receipt, externals []contracts.ExternalEvent) *Timeline {
	entries := make([]TimelineEntry, 0, len(receipts)+len(externals))
	for i := range receipts {
		entries = append(entries, receiptEntry(&receipts[i]))
	}
	for i := range externals {
		entries = append(entries, externalEntry(&externals[i]))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return &Timeline{TraceID: traceID, Entries: entries}
}

func receiptEntry(r *contracts.Receipt) TimelineEntry {
	outcome := &TimelineOutcome{Success: r.IdentityResult.Valid && r.PolicyResult.Allowed}
	if !outcome.Success {
		// Identity runs before policy in the gateway pipeline, so an
		// identity failure is the earlier cause.
		reason := "Policy denied"
		if !r.IdentityResult.Valid {
			reason = "Identity invalid"
		}
		outcome.Reason = &reason
	}

	verdict := "Denied"
	if r.PolicyResult.Allowed {
		verdict = "Allowed"
	}
	return TimelineEntry{
		Timestamp: r.Timestamp,
		EntryType: "receipt",
		ID:        r.ReceiptID,
		Summary:   fmt.Sprintf("%s %s - %s", r.Request.Method, r.Request.Path, verdict),
		Outcome:   outcome,
	}
}

func externalEntry(ev *contracts.ExternalEvent) TimelineEntry {
	who := "System"
	if ev.Actor != nil {
		if ev.Actor.DisplayName != nil && *ev.Actor.DisplayName != "" {
			who = *ev.Actor.DisplayName
		} else if ev.Actor.ID != "" {
			who = ev.Actor.ID
		}
	}
	return TimelineEntry{
		Timestamp: ev.Timestamp,
		EntryType: "external_event",
		ID:        ev.EventID,
		Summary:   fmt.Sprintf("%s by %s (%s)", ev.EventType, who, ev.SourceSystem),
		Actor:     ev.Actor,
	}
}

// DecisionNode is one check or action in a trace's decision tree.
type DecisionNode struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // identity_check | policy_check | action
	Label     string    `json:"label"`
	Outcome   bool      `json:"outcome"`
	ReceiptID string    `json:"receipt_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DecisionEdge connects two decision nodes.
type DecisionEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

// DecisionTree is the per-trace graph of identity checks, policy checks
// and resulting actions.
type DecisionTree struct {
	TraceID string         `json:"trace_id"`
	Nodes   []DecisionNode `json:"nodes"`
	Edges   []DecisionEdge `json:"edges"`
}

// BuildDecisionTree expands each receipt into an identity node, a policy
// node and an action node, chained across receipts in event order.
func BuildDecisionTree(traceID string, receipts []contracts.Receipt) *DecisionTree {
	tree := &DecisionTree{
		TraceID: traceID,
		Nodes:   []DecisionNode{},
		Edges:   []DecisionEdge{},
	}
	for i := range receipts {
		r := &receipts[i]
		identityID := fmt.Sprintf("identity-%d", i)
		policyID := fmt.Sprintf("policy-%d", i)
		actionID := fmt.Sprintf("action-%d", i)

		identityLabel := "Identity: invalid"
		identityEdge := "invalid"
		if r.IdentityResult.Valid {
			identityLabel = "Identity: valid"
			identityEdge = "valid"
		}
		policyLabel := "Policy: denied"
		policyEdge := "denied"
		if r.PolicyResult.Allowed {
			policyLabel = "Policy: allowed"
			policyEdge = "allowed"
		}

		tree.Nodes = append(tree.Nodes,
			DecisionNode{ID: identityID, Type: "identity_check", Label: identityLabel,
				Outcome: r.IdentityResult.Valid, ReceiptID: r.ReceiptID, Timestamp: r.Timestamp},
			DecisionNode{ID: policyID, Type: "policy_check", Label: policyLabel,
				Outcome: r.PolicyResult.Allowed, ReceiptID: r.ReceiptID, Timestamp: r.Timestamp},
			DecisionNode{ID: actionID, Type: "action",
				Label:   fmt.Sprintf("%s %s", r.Request.Method, r.Request.Path),
				Outcome: r.IdentityResult.Valid && r.PolicyResult.Allowed,
				ReceiptID: r.ReceiptID, Timestamp: r.Timestamp},
		)
		tree.Edges = append(tree.Edges,
			DecisionEdge{From: identityID, To: policyID, Label: identityEdge},
			DecisionEdge{From: policyID, To: actionID, Label: policyEdge},
		)
		if i > 0 {
			tree.Edges = append(tree.Edges, DecisionEdge{
				From:  fmt.Sprintf("action-%d", i-1),
				To:    identityID,
				Label: "next",
			})
		}
	}
	return tree
}
