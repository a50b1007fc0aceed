package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quillworks/deepresearch/internal/compare"
	"github.com/quillworks/deepresearch/internal/store"
)

func (s *Server) compareRuns(w http.ResponseWriter, r *http.Request) {
	runA := chi.URLParam(r, "id")
	runB := chi.URLParam(r, "other")
	if runA == "" || runB == "" {
		http.Error(w, "two run ids required", http.StatusBadRequest)
		return
	}
	comparison, err := s.comparator.Compare(r.Context(), runA, runB)
	if err != nil {
		if errors.Is(err, compare.ErrRunNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		// Comparing a pending or running run is a client-side ordering
		// problem, not a server fault.
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(comparison)
}

type createJudgmentRequest struct {
	RunA    string         `json:"run_a"`
	RunB    string         `json:"run_b"`
	Winner  string         `json:"winner"`
	ScoresA map[string]int `json:"scores_a"`
	ScoresB map[string]int `json:"scores_b"`
	Judge   string         `json:"judge"`
	Notes   string         `json:"notes"`
}

type judgmentResponse struct {
	ID        string         `json:"id"`
	RunA      string         `json:"run_a"`
	RunB      string         `json:"run_b"`
	Winner    string         `json:"winner"`
	ScoresA   map[string]int `json:"scores_a,omitempty"`
	ScoresB   map[string]int `json:"scores_b,omitempty"`
	Judge     string         `json:"judge,omitempty"`
	Notes     string         `json:"notes,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func (s *Server) createJudgment(w http.ResponseWriter, r *http.Request) {
	var req createJudgmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	req.RunA = strings.TrimSpace(req.RunA)
	req.RunB = strings.TrimSpace(req.RunB)
	if req.RunA == "" || req.RunB == "" {
		http.Error(w, "run_a and run_b required", http.StatusBadRequest)
		return
	}
	winner := strings.ToLower(strings.TrimSpace(req.Winner))
	switch winner {
	case "a", "b", "tie":
	default:
		http.Error(w, `winner must be "a", "b", or "tie"`, http.StatusBadRequest)
		return
	}
	for _, runID := range []string{req.RunA, req.RunB} {
		run, err := s.store.GetRun(r.Context(), runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if run == nil {
			http.Error(w, "run "+runID+" not found", http.StatusNotFound)
			return
		}
	}

	judgment := store.PairwiseJudgment{
		ID:        uuid.New().String(),
		RunA:      req.RunA,
		RunB:      req.RunB,
		Winner:    winner,
		ScoresA:   req.ScoresA,
		ScoresB:   req.ScoresB,
		Judge:     strings.TrimSpace(req.Judge),
		Notes:     strings.TrimSpace(req.Notes),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.CreateJudgment(r.Context(), judgment); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, toJudgmentResponse(judgment), http.StatusCreated)
}

func (s *Server) listJudgments(w http.ResponseWriter, r *http.Request) {
	judgments, err := s.store.ListJudgments(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := make([]judgmentResponse, 0, len(judgments))
	for _, judgment := range judgments {
		response = append(response, toJudgmentResponse(judgment))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"judgments": response})
}

func (s *Server) evalSummary(w http.ResponseWriter, r *http.Request) {
	leaderboard, err := s.comparator.Leaderboard(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(leaderboard)
}

func toJudgmentResponse(judgment store.PairwiseJudgment) judgmentResponse {
	return judgmentResponse{
		ID:        judgment.ID,
		RunA:      judgment.RunA,
		RunB:      judgment.RunB,
		Winner:    judgment.Winner,
		ScoresA:   judgment.ScoresA,
		ScoresB:   judgment.ScoresB,
		Judge:     judgment.Judge,
		Notes:     judgment.Notes,
		CreatedAt: judgment.CreatedAt,
	}
}
