package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/quillworks/deepresearch/internal/compare"
	"github.com/quillworks/deepresearch/internal/store"
)

func TestCompareRuns(t *testing.T) {
	ts, st, _ := newTestServer(t)
	seedRun(t, st, store.Run{ID: "run-a", Status: store.StatusSucceeded, Config: store.RunConfig{Engine: store.EngineDeepResearch}})
	seedRun(t, st, store.Run{ID: "run-b", Status: store.StatusSucceeded, Config: store.RunConfig{Engine: store.EngineBaseline}})

	ctx := context.Background()
	err := st.UpsertClaim(ctx, store.Claim{ID: "cl-a", RunID: "run-a", Text: "X causes Y.", Status: store.ClaimSupported})
	if err != nil {
		t.Fatal(err)
	}
	err = st.SaveMetrics(ctx, store.RunMetrics{RunID: "run-a", TotalToolCalls: 8})
	if err != nil {
		t.Fatal(err)
	}
	err = st.SaveMetrics(ctx, store.RunMetrics{RunID: "run-b", TotalToolCalls: 2})
	if err != nil {
		t.Fatal(err)
	}

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/runs/run-a/compare/run-b", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var decoded compare.Comparison
	decodeJSON(t, body, &decoded)
	if decoded.EngineA != store.EngineDeepResearch || decoded.EngineB != store.EngineBaseline {
		t.Errorf("engines = %q, %q", decoded.EngineA, decoded.EngineB)
	}
	if decoded.OnlyInA != 1 {
		t.Errorf("only_in_a = %d", decoded.OnlyInA)
	}
	if decoded.MetricDeltas["total_tool_calls"] != -6 {
		t.Errorf("delta = %v", decoded.MetricDeltas["total_tool_calls"])
	}
}

func TestCompareRuns_NotFound(t *testing.T) {
	ts, st, _ := newTestServer(t)
	seedRun(t, st, store.Run{ID: "run-a", Status: store.StatusSucceeded})

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/runs/run-a/compare/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCompareRuns_UnfinishedRun(t *testing.T) {
	ts, st, _ := newTestServer(t)
	seedRun(t, st, store.Run{ID: "run-a", Status: store.StatusSucceeded})
	seedRun(t, st, store.Run{ID: "run-b", Status: store.StatusRunning})

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/runs/run-a/compare/run-b", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateJudgment(t *testing.T) {
	ts, st, _ := newTestServer(t)
	seedRun(t, st, store.Run{ID: "run-a", Status: store.StatusSucceeded})
	seedRun(t, st, store.Run{ID: "run-b", Status: store.StatusSucceeded})

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/eval/pairwise", map[string]any{
		"run_a":    "run-a",
		"run_b":    "run-b",
		"winner":   "A",
		"scores_a": map[string]int{"coverage": 5},
		"judge":    "reviewer-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var created judgmentResponse
	decodeJSON(t, body, &created)
	if created.ID == "" || created.Winner != "a" {
		t.Errorf("judgment = %+v", created)
	}

	judgments, err := st.ListJudgments(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(judgments) != 1 {
		t.Fatalf("judgments = %d", len(judgments))
	}
}

func TestCreateJudgment_Validation(t *testing.T) {
	ts, st, _ := newTestServer(t)
	seedRun(t, st, store.Run{ID: "run-a", Status: store.StatusSucceeded})

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/eval/pairwise", map[string]any{
		"run_a": "run-a", "run_b": "run-b", "winner": "draw",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad winner status = %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/eval/pairwise", map[string]any{
		"run_b": "run-b", "winner": "a",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing run_a status = %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/eval/pairwise", map[string]any{
		"run_a": "run-a", "run_b": "run-missing", "winner": "a",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run status = %d", resp.StatusCode)
	}
}

func TestEvalSummary(t *testing.T) {
	ts, st, _ := newTestServer(t)
	seedRun(t, st, store.Run{ID: "run-a", Status: store.StatusSucceeded, Config: store.RunConfig{Engine: store.EngineDeepResearch}})
	seedRun(t, st, store.Run{ID: "run-b", Status: store.StatusSucceeded, Config: store.RunConfig{Engine: store.EngineBaseline}})

	ctx := context.Background()
	for i, judgment := range []store.PairwiseJudgment{
		{ID: "j-1", RunA: "run-a", RunB: "run-b", Winner: "a", CreatedAt: "2026-08-25T10:00:00Z"},
		{ID: "j-2", RunA: "run-a", RunB: "run-b", Winner: "a", CreatedAt: "2026-08-25T10:00:01Z"},
	} {
		if err := st.CreateJudgment(ctx, judgment); err != nil {
			t.Fatalf("judgment %d: %v", i, err)
		}
	}

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/eval/summary", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var decoded compare.Leaderboard
	decodeJSON(t, body, &decoded)
	if decoded.Judgments != 2 {
		t.Errorf("judgments = %d", decoded.Judgments)
	}
	if len(decoded.Standings) != 2 {
		t.Fatalf("standings = %+v", decoded.Standings)
	}
	if decoded.Standings[0].Engine != store.EngineDeepResearch || decoded.Standings[0].Wins != 2 {
		t.Errorf("leader = %+v", decoded.Standings[0])
	}
}

func TestListJudgments(t *testing.T) {
	ts, st, _ := newTestServer(t)
	err := st.CreateJudgment(context.Background(), store.PairwiseJudgment{
		ID: "j-1", RunA: "run-a", RunB: "run-b", Winner: "tie", CreatedAt: "2026-08-25T10:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/eval/pairwise", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var decoded struct {
		Judgments []judgmentResponse `json:"judgments"`
	}
	decodeJSON(t, body, &decoded)
	if len(decoded.Judgments) != 1 || decoded.Judgments[0].Winner != "tie" {
		t.Errorf("judgments = %+v", decoded.Judgments)
	}
}
