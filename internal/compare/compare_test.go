package compare

import (
	"context"
	"testing"

	"github.com/quillworks/deepresearch/internal/store"
	"github.com/quillworks/deepresearch/internal/store/memory"
)

func seedRun(t *testing.T, st *memory.MemoryStore, runID, engine, status string) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateRun(ctx, store.Run{
		ID:     runID,
		Query:  "shared query",
		Status: store.StatusPending,
		Config: store.RunConfig{Engine: engine, Ablation: store.DefaultAblation()},
	}); err != nil {
		t.Fatalf("CreateRun %s: %v", runID, err)
	}
	for seq, eventType := range terminalPath(status) {
		if err := st.AppendEvent(ctx, store.RunEvent{
			RunID: runID, Seq: int64(seq + 1), Type: eventType,
			Timestamp: "2026-08-25T10:00:00Z",
		}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
}

func terminalPath(status string) []string {
	switch status {
	case store.StatusSucceeded:
		return []string{"run.started", "run.completed"}
	case store.StatusFailed:
		return []string{"run.started", "run.failed"}
	case store.StatusRunning:
		return []string{"run.started"}
	default:
		return nil
	}
}

func TestComparator_ClaimDiffMissingInB(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	seedRun(t, st, "run-a", store.EngineDeepResearch, store.StatusSucceeded)
	seedRun(t, st, "run-b", store.EngineBaseline, store.StatusSucceeded)

	st.UpsertClaim(ctx, store.Claim{ID: "c1", RunID: "run-a", Text: "X causes Y.", Status: store.ClaimSupported, EvidenceIDs: []string{"e1", "e2"}})
	st.UpsertClaim(ctx, store.Claim{ID: "c2", RunID: "run-a", Text: "Shared finding", Status: store.ClaimVerified, EvidenceIDs: []string{"e1"}})
	st.UpsertClaim(ctx, store.Claim{ID: "c3", RunID: "run-b", Text: "shared finding.", Status: store.ClaimSupported, EvidenceIDs: []string{"e9"}})
	st.SaveMetrics(ctx, store.RunMetrics{RunID: "run-a"})
	st.SaveMetrics(ctx, store.RunMetrics{RunID: "run-b"})

	comparison, err := New(st).Compare(ctx, "run-a", "run-b")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if comparison.EngineA != store.EngineDeepResearch || comparison.EngineB != store.EngineBaseline {
		t.Errorf("engines = %s/%s", comparison.EngineA, comparison.EngineB)
	}
	if len(comparison.Claims) != 2 {
		t.Fatalf("claim rows = %d, want 2", len(comparison.Claims))
	}

	var xCausesY, shared *ClaimDiff
	for i := range comparison.Claims {
		switch comparison.Claims[i].Text {
		case "x causes y":
			xCausesY = &comparison.Claims[i]
		case "shared finding":
			shared = &comparison.Claims[i]
		}
	}
	if xCausesY == nil || shared == nil {
		t.Fatalf("unexpected rows: %+v", comparison.Claims)
	}
	if xCausesY.InBoth || xCausesY.StatusA != store.ClaimSupported || xCausesY.StatusB != StatusMissing {
		t.Errorf("missing-in-b row wrong: %+v", xCausesY)
	}
	if xCausesY.EvidenceA != 2 || xCausesY.EvidenceB != 0 {
		t.Errorf("evidence counts wrong: %+v", xCausesY)
	}
	// Punctuation and case differences must not split the shared claim.
	if !shared.InBoth || shared.StatusA != store.ClaimVerified || shared.StatusB != store.ClaimSupported {
		t.Errorf("shared row wrong: %+v", shared)
	}
	if comparison.OnlyInA != 1 || comparison.OnlyInB != 0 || comparison.SharedClaims != 1 || comparison.StatusConflict != 1 {
		t.Errorf("summary wrong: %+v", comparison)
	}
}

func TestComparator_MetricDeltasAreBMinusA(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	seedRun(t, st, "run-a", store.EngineDeepResearch, store.StatusSucceeded)
	seedRun(t, st, "run-b", store.EngineBaseline, store.StatusSucceeded)

	st.SaveMetrics(ctx, store.RunMetrics{
		RunID: "run-a", TotalToolCalls: 10, InputTokens: 5000, CostEstimateUSD: 0.25,
		CitationCount: 8, CitationAuthorityMix: map[string]int64{"official": 5, "general": 3},
	})
	st.SaveMetrics(ctx, store.RunMetrics{
		RunID: "run-b", TotalToolCalls: 4, InputTokens: 6000, CostEstimateUSD: 0.10,
		CitationCount: 3, CitationAuthorityMix: map[string]int64{"general": 3},
	})

	comparison, err := New(st).Compare(ctx, "run-a", "run-b")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	deltas := comparison.MetricDeltas
	if deltas["total_tool_calls"] != -6 {
		t.Errorf("total_tool_calls delta = %v, want -6", deltas["total_tool_calls"])
	}
	if deltas["input_tokens"] != 1000 {
		t.Errorf("input_tokens delta = %v, want 1000", deltas["input_tokens"])
	}
	if deltas["cost_estimate_usd"] != -0.15 {
		t.Errorf("cost delta = %v, want -0.15", deltas["cost_estimate_usd"])
	}
	if comparison.AuthorityMixA["official"] != 5 || comparison.AuthorityMixB["official"] != 0 {
		t.Errorf("authority mix wrong: %v / %v", comparison.AuthorityMixA, comparison.AuthorityMixB)
	}
}

func TestComparator_RejectsUnfinishedRun(t *testing.T) {
	st := memory.New()
	seedRun(t, st, "run-a", store.EngineDeepResearch, store.StatusSucceeded)
	seedRun(t, st, "run-b", store.EngineBaseline, store.StatusRunning)
	st.SaveMetrics(context.Background(), store.RunMetrics{RunID: "run-a"})

	if _, err := New(st).Compare(context.Background(), "run-a", "run-b"); err == nil {
		t.Fatal("expected error for running run")
	}
}

func TestComparator_FailedRunStillComparable(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	seedRun(t, st, "run-a", store.EngineDeepResearch, store.StatusSucceeded)
	seedRun(t, st, "run-b", store.EngineBaseline, store.StatusFailed)
	st.SaveMetrics(ctx, store.RunMetrics{RunID: "run-a"})
	st.SaveMetrics(ctx, store.RunMetrics{RunID: "run-b"})

	if _, err := New(st).Compare(ctx, "run-a", "run-b"); err != nil {
		t.Fatalf("Compare with failed run: %v", err)
	}
}

func TestNormalizeClaimText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"X causes Y.", "x causes y"},
		{"  Multiple   spaces\there ", "multiple spaces here"},
		{"Already normal", "already normal"},
		{"Question claim?", "question claim"},
	}
	for _, tt := range tests {
		if got := NormalizeClaimText(tt.in); got != tt.want {
			t.Errorf("NormalizeClaimText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
