package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quillworks/deepresearch/internal/scenarios"
)

func (s *Server) listScenarios(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"scenarios":  scenarios.All(),
		"categories": scenarios.Categories(),
	})
}

func (s *Server) getScenario(w http.ResponseWriter, r *http.Request) {
	scenario, ok := scenarios.ByID(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "scenario not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(scenario)
}
