package research

import (
	"reflect"
	"testing"

	"github.com/quillworks/deepresearch/internal/store"
)

func sampleEventLog() []store.RunEvent {
	return []store.RunEvent{
		{RunID: "run-1", Seq: 1, Type: "run.started", Timestamp: "2026-08-25T10:00:00Z"},
		{RunID: "run-1", Seq: 2, Type: "model.completed", Timestamp: "2026-08-25T10:00:01Z", Payload: map[string]any{"input_tokens": int64(1000), "output_tokens": int64(200)}},
		{RunID: "run-1", Seq: 3, Type: "tool.call.completed", Timestamp: "2026-08-25T10:00:02Z", Payload: map[string]any{"tool": "web_search"}},
		{RunID: "run-1", Seq: 4, Type: "evidence.found", Timestamp: "2026-08-25T10:00:03Z", Payload: map[string]any{"tier": "official"}},
		{RunID: "run-1", Seq: 5, Type: "evidence.found", Timestamp: "2026-08-25T10:00:03Z", Payload: map[string]any{"tier": "general"}},
		{RunID: "run-1", Seq: 6, Type: "tool.call.failed", Timestamp: "2026-08-25T10:00:04Z", Payload: map[string]any{"tool": "web_browse"}},
		{RunID: "run-1", Seq: 7, Type: "context.spill", Timestamp: "2026-08-25T10:00:05Z", Payload: map[string]any{"tool": "web_browse"}},
		{RunID: "run-1", Seq: 8, Type: "claim.extracted", Timestamp: "2026-08-25T10:00:06Z", Payload: map[string]any{"unsupported": true}},
		{RunID: "run-1", Seq: 9, Type: "reflection.started", Timestamp: "2026-08-25T10:00:07Z", Payload: map[string]any{"pass": 1}},
		{RunID: "run-1", Seq: 10, Type: "cross.validation", Timestamp: "2026-08-25T10:00:08Z", Payload: map[string]any{"claim_id": "c1"}},
		{RunID: "run-1", Seq: 11, Type: "claim.verified", Timestamp: "2026-08-25T10:00:09Z", Payload: map[string]any{"was_unsupported": true}},
		{RunID: "run-1", Seq: 12, Type: "report.draft.updated", Timestamp: "2026-08-25T10:00:10Z", Payload: map[string]any{"mode": "whole", "version": int64(1)}},
		{RunID: "run-1", Seq: 13, Type: "report.draft.updated", Timestamp: "2026-08-25T10:00:11Z", Payload: map[string]any{"mode": "patch", "version": int64(2), "savings_percent": 80.0}},
		{RunID: "run-1", Seq: 14, Type: "report.draft.updated", Timestamp: "2026-08-25T10:00:12Z", Payload: map[string]any{"mode": "patch", "version": int64(3), "savings_percent": 60.0}},
		{RunID: "run-1", Seq: 15, Type: "report.finalized", Timestamp: "2026-08-25T10:00:13Z", Payload: map[string]any{"version": int64(4)}},
		{RunID: "run-1", Seq: 16, Type: "run.completed", Timestamp: "2026-08-25T10:00:14Z", Payload: map[string]any{"completion_reason": "completed"}},
	}
}

func TestAggregator_Counters(t *testing.T) {
	rates := CostRates{PerThousandIn: 0.01, PerThousandOut: 0.03}
	agg := NewAggregator("run-1", rates)
	for _, event := range sampleEventLog() {
		agg.Apply(event)
	}
	m := agg.Snapshot()

	if m.TotalToolCalls != 2 {
		t.Errorf("TotalToolCalls = %d, want 2", m.TotalToolCalls)
	}
	if m.ToolCallsByKind["web_search"] != 1 || m.ToolCallsByKind["web_browse"] != 1 {
		t.Errorf("ToolCallsByKind = %v", m.ToolCallsByKind)
	}
	if m.InputTokens != 1000 || m.OutputTokens != 200 {
		t.Errorf("tokens = %d/%d", m.InputTokens, m.OutputTokens)
	}
	wantCost := 0.01 + 0.006
	if m.CostEstimateUSD < wantCost-1e-9 || m.CostEstimateUSD > wantCost+1e-9 {
		t.Errorf("cost = %v, want %v", m.CostEstimateUSD, wantCost)
	}
	if m.CitationCount != 2 {
		t.Errorf("CitationCount = %d, want 2", m.CitationCount)
	}
	if m.CitationAuthorityMix["official"] != 1 || m.CitationAuthorityMix["general"] != 1 {
		t.Errorf("authority mix = %v", m.CitationAuthorityMix)
	}
	if m.ReflectionSteps != 1 || m.CrossValidationEvents != 1 {
		t.Errorf("reflection/cross-validation = %d/%d", m.ReflectionSteps, m.CrossValidationEvents)
	}
	if m.ContextSpillEvents != 1 {
		t.Errorf("ContextSpillEvents = %d, want 1", m.ContextSpillEvents)
	}
	if m.UnsupportedClaims != 0 {
		t.Errorf("UnsupportedClaims = %d, want 0 after verification", m.UnsupportedClaims)
	}
	if m.PatchEditSavingsPct != 70 {
		t.Errorf("PatchEditSavingsPct = %v, want 70 (mean of 80 and 60)", m.PatchEditSavingsPct)
	}
	if m.LatencyMS != 14000 {
		t.Errorf("LatencyMS = %d, want 14000", m.LatencyMS)
	}
	if m.UpdatedAt != "2026-08-25T10:00:14Z" {
		t.Errorf("UpdatedAt = %s", m.UpdatedAt)
	}
}

// Incremental aggregation and a full replay over the same log must agree at
// every prefix, not just at the end.
func TestAggregator_ReplayConsistency(t *testing.T) {
	rates := CostRates{PerThousandIn: 0.01, PerThousandOut: 0.03}
	events := sampleEventLog()

	agg := NewAggregator("run-1", rates)
	for i, event := range events {
		agg.Apply(event)
		replayed := FromEvents("run-1", events[:i+1], rates)
		if !reflect.DeepEqual(agg.Snapshot(), replayed) {
			t.Fatalf("prefix %d: incremental %+v != replay %+v", i+1, agg.Snapshot(), replayed)
		}
	}
}

func TestAggregator_JSONDecodedPayloads(t *testing.T) {
	// Events read back from storage carry float64 numbers.
	agg := NewAggregator("run-1", CostRates{})
	agg.Apply(store.RunEvent{Type: "model.completed", Payload: map[string]any{"input_tokens": float64(50), "output_tokens": float64(10)}})
	m := agg.Snapshot()
	if m.InputTokens != 50 || m.OutputTokens != 10 {
		t.Errorf("tokens = %d/%d, want 50/10", m.InputTokens, m.OutputTokens)
	}
}

func TestAggregator_UnsupportedNeverNegative(t *testing.T) {
	agg := NewAggregator("run-1", CostRates{})
	agg.Apply(store.RunEvent{Type: "claim.verified", Payload: map[string]any{"was_unsupported": true}})
	if got := agg.Snapshot().UnsupportedClaims; got != 0 {
		t.Errorf("UnsupportedClaims = %d, want 0", got)
	}
}

func TestAggregator_SnapshotIsACopy(t *testing.T) {
	agg := NewAggregator("run-1", CostRates{})
	agg.Apply(store.RunEvent{Type: "tool.call.completed", Payload: map[string]any{"tool": "shell"}})
	snapshot := agg.Snapshot()
	snapshot.ToolCallsByKind["shell"] = 99
	if agg.Snapshot().ToolCallsByKind["shell"] != 1 {
		t.Error("snapshot shares map with aggregator")
	}
}
