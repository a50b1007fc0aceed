package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quillworks/deepresearch/internal/authority"
	"github.com/quillworks/deepresearch/internal/store"
)

// maxStepsLimit caps the step budget a single run may request.
const maxStepsLimit = 200

var validOutputFormats = map[string]bool{
	"report": true,
	"adr":    true,
	"brief":  true,
	"memo":   true,
}

type createRunRequest struct {
	Query                  string                `json:"query"`
	Engine                 string                `json:"engine"`
	OutputFormat           string                `json:"output_format"`
	MaxSteps               int                   `json:"max_steps"`
	VerificationStrictness int                   `json:"verification_strictness"`
	Ablation               *store.AblationConfig `json:"ablation"`
}

type runResponse struct {
	ID               string          `json:"id"`
	Query            string          `json:"query"`
	Status           string          `json:"status"`
	Phase            string          `json:"phase"`
	CompletionReason string          `json:"completion_reason,omitempty"`
	Error            string          `json:"error,omitempty"`
	Config           store.RunConfig `json:"config"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
	StartedAt        string          `json:"started_at,omitempty"`
	CompletedAt      string          `json:"completed_at,omitempty"`
}

type runSummaryResponse struct {
	ID               string `json:"id"`
	Query            string `json:"query"`
	Status           string `json:"status"`
	Phase            string `json:"phase"`
	CompletionReason string `json:"completion_reason,omitempty"`
	Engine           string `json:"engine"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
	EventCount       int64  `json:"event_count"`
}

type listRunsResponse struct {
	Runs []runSummaryResponse `json:"runs"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	req := createRunRequest{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}

	engine := strings.TrimSpace(req.Engine)
	if engine == "" {
		engine = store.EngineDeepResearch
	}
	if engine != store.EngineDeepResearch && engine != store.EngineBaseline {
		http.Error(w, fmt.Sprintf("unknown engine %q", engine), http.StatusBadRequest)
		return
	}
	outputFormat := strings.TrimSpace(req.OutputFormat)
	if outputFormat == "" {
		outputFormat = "report"
	}
	if !validOutputFormats[outputFormat] {
		http.Error(w, fmt.Sprintf("unknown output format %q", outputFormat), http.StatusBadRequest)
		return
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = s.cfg.DefaultMaxSteps
	}
	if maxSteps > maxStepsLimit {
		http.Error(w, fmt.Sprintf("max_steps must be at most %d", maxStepsLimit), http.StatusBadRequest)
		return
	}
	strictness := req.VerificationStrictness
	if strictness == 0 {
		strictness = 1
	}
	if strictness < 1 || strictness > 3 {
		http.Error(w, "verification_strictness must be between 1 and 3", http.StatusBadRequest)
		return
	}
	ablation := store.DefaultAblation()
	if engine == store.EngineBaseline {
		// The baseline engine is plain ReAct with every capability off.
		ablation = store.AblationConfig{}
	}
	if req.Ablation != nil {
		ablation = *req.Ablation
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	run := store.Run{
		ID:     id,
		Query:  strings.TrimSpace(req.Query),
		Status: store.StatusPending,
		Phase:  store.PhasePlanning,
		Config: store.RunConfig{
			Engine:                 engine,
			OutputFormat:           outputFormat,
			MaxSteps:               maxSteps,
			VerificationStrictness: strictness,
			Ablation:               ablation,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.workflows != nil {
		_ = s.workflows.StartRun(r.Context(), id)
		if run.Query != "" {
			_ = s.workflows.SignalQuery(r.Context(), id, run.Query)
		}
	}

	writeJSONStatus(w, toRunResponse(run), http.StatusCreated)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := listRunsResponse{Runs: make([]runSummaryResponse, 0, len(runs))}
	for _, run := range runs {
		response.Runs = append(response.Runs, runSummaryResponse{
			ID:               run.ID,
			Query:            run.Query,
			Status:           run.Status,
			Phase:            run.Phase,
			CompletionReason: run.CompletionReason,
			Engine:           run.Engine,
			CreatedAt:        run.CreatedAt,
			UpdatedAt:        run.UpdatedAt,
			EventCount:       run.EventCount,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toRunResponse(*run))
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	if s.workflows != nil {
		_ = s.workflows.CancelRun(r.Context(), run.ID)
	}
	if err := s.store.DeleteRun(r.Context(), run.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type signalQueryRequest struct {
	Query string `json:"query"`
}

func (s *Server) signalQuery(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	var req signalQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		http.Error(w, "query required", http.StatusBadRequest)
		return
	}
	if isTerminalRun(run.Status) {
		http.Error(w, store.ErrRunTerminal.Error(), http.StatusConflict)
		return
	}
	if s.workflows != nil {
		if err := s.workflows.SignalQuery(r.Context(), run.ID, query); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	if isTerminalRun(run.Status) {
		// Cancelling a finished run is a no-op.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if s.workflows != nil {
		_ = s.workflows.CancelRun(r.Context(), run.ID)
	}
	_, _ = s.appendEvent(r.Context(), run.ID, "run.cancelled", map[string]any{
		"reason": "user_cancelled",
	})
	w.WriteHeader(http.StatusAccepted)
}

type evidenceResponse struct {
	ID             string   `json:"id"`
	URL            string   `json:"url"`
	NormalizedURL  string   `json:"normalized_url"`
	Title          string   `json:"title"`
	Snippet        string   `json:"snippet"`
	Tier           string   `json:"tier"`
	Score          float64  `json:"score"`
	TierReason     string   `json:"tier_reason,omitempty"`
	CrossValidated bool     `json:"cross_validated"`
	Corroborating  []string `json:"corroborating,omitempty"`
	RetrievedAt    string   `json:"retrieved_at"`
	UpdatedAt      string   `json:"updated_at"`
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	evidence, err := s.store.ListEvidence(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := make([]evidenceResponse, 0, len(evidence))
	for _, item := range evidence {
		response = append(response, evidenceResponse{
			ID:             item.ID,
			URL:            item.URL,
			NormalizedURL:  item.NormalizedURL,
			Title:          item.Title,
			Snippet:        item.Snippet,
			Tier:           item.Tier,
			Score:          item.Score,
			TierReason:     item.TierReason,
			CrossValidated: item.CrossValidated,
			Corroborating:  item.Corroborating,
			RetrievedAt:    item.RetrievedAt,
			UpdatedAt:      item.UpdatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"evidence": response})
}

type claimResponse struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	Status      string   `json:"status"`
	Confidence  float64  `json:"confidence"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
	Section     string   `json:"section,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

func (s *Server) listClaims(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	claims, err := s.store.ListClaims(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := make([]claimResponse, 0, len(claims))
	for _, claim := range claims {
		response = append(response, claimResponse{
			ID:          claim.ID,
			Text:        claim.Text,
			Status:      claim.Status,
			Confidence:  claim.Confidence,
			EvidenceIDs: claim.EvidenceIDs,
			Section:     claim.Section,
			CreatedAt:   claim.CreatedAt,
			UpdatedAt:   claim.UpdatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"claims": response})
}

type toolEventResponse struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Status      string         `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	SpilledTo   string         `json:"spilled_to,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	StartedAt   string         `json:"started_at"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

func (s *Server) listToolEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	toolEvents, err := s.store.ListToolEvents(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := make([]toolEventResponse, 0, len(toolEvents))
	for _, event := range toolEvents {
		response = append(response, toolEventResponse{
			ID:          event.ID,
			Tool:        event.Tool,
			Args:        event.Args,
			Status:      event.Status,
			Result:      event.Result,
			Error:       event.Error,
			SpilledTo:   event.SpilledTo,
			DurationMS:  event.DurationMS,
			StartedAt:   event.StartedAt,
			CompletedAt: event.CompletedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tool_events": response})
}

type todoResponse struct {
	ID          string `json:"id"`
	ParentID    string `json:"parent_id,omitempty"`
	Text        string `json:"text"`
	Status      string `json:"status"`
	Position    int    `json:"position"`
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func (s *Server) listTodos(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	todos, err := s.store.ListTodos(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := make([]todoResponse, 0, len(todos))
	for _, item := range todos {
		response = append(response, todoResponse{
			ID:          item.ID,
			ParentID:    item.ParentID,
			Text:        item.Text,
			Status:      item.Status,
			Position:    item.Position,
			CreatedAt:   item.CreatedAt,
			CompletedAt: item.CompletedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"todos": response})
}

type reportResponse struct {
	RunID     string                `json:"run_id"`
	Title     string                `json:"title"`
	Format    string                `json:"format"`
	Sections  []store.ReportSection `json:"sections"`
	Version   int64                 `json:"version"`
	Finalized bool                  `json:"finalized"`
	CreatedAt string                `json:"created_at"`
	UpdatedAt string                `json:"updated_at"`
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	report, err := s.store.GetReport(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "report not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reportResponse{
		RunID:     report.RunID,
		Title:     report.Title,
		Format:    report.Format,
		Sections:  report.Sections,
		Version:   report.Version,
		Finalized: report.Finalized,
		CreatedAt: report.CreatedAt,
		UpdatedAt: report.UpdatedAt,
	})
}

type runMetricsResponse struct {
	RunID                 string           `json:"run_id"`
	TotalToolCalls        int64            `json:"total_tool_calls"`
	ToolCallsByKind       map[string]int64 `json:"tool_calls_by_kind"`
	InputTokens           int64            `json:"input_tokens"`
	OutputTokens          int64            `json:"output_tokens"`
	CostEstimateUSD       float64          `json:"cost_estimate_usd"`
	LatencyMS             int64            `json:"latency_ms"`
	ReflectionSteps       int64            `json:"reflection_steps"`
	CrossValidationEvents int64            `json:"cross_validation_events"`
	CitationCount         int64            `json:"citation_count"`
	CitationAuthorityMix  map[string]int64 `json:"citation_authority_mix"`
	UnsupportedClaims     int64            `json:"unsupported_claims"`
	ContextSpillEvents    int64            `json:"context_spill_events"`
	PatchEditSavingsPct   float64          `json:"patch_edit_savings_pct"`
	UpdatedAt             string           `json:"updated_at"`
}

func (s *Server) getRunMetrics(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	metrics, err := s.store.GetMetrics(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if metrics == nil {
		metrics = &store.RunMetrics{RunID: run.ID}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(runMetricsResponse{
		RunID:                 metrics.RunID,
		TotalToolCalls:        metrics.TotalToolCalls,
		ToolCallsByKind:       metrics.ToolCallsByKind,
		InputTokens:           metrics.InputTokens,
		OutputTokens:          metrics.OutputTokens,
		CostEstimateUSD:       metrics.CostEstimateUSD,
		LatencyMS:             metrics.LatencyMS,
		ReflectionSteps:       metrics.ReflectionSteps,
		CrossValidationEvents: metrics.CrossValidationEvents,
		CitationCount:         metrics.CitationCount,
		CitationAuthorityMix:  metrics.CitationAuthorityMix,
		UnsupportedClaims:     metrics.UnsupportedClaims,
		ContextSpillEvents:    metrics.ContextSpillEvents,
		PatchEditSavingsPct:   metrics.PatchEditSavingsPct,
		UpdatedAt:             metrics.UpdatedAt,
	})
}

// exportRun renders the finished report as a standalone markdown document
// with the claim ledger and the cited sources appended.
func (s *Server) exportRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.requireRun(w, r)
	if !ok {
		return
	}
	report, err := s.store.GetReport(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "report not found", http.StatusNotFound)
		return
	}
	claims, err := s.store.ListClaims(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	evidence, err := s.store.ListEvidence(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	document := renderExport(*run, *report, claims, evidence)
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+run.ID+".md"))
	_, _ = io.WriteString(w, document)
}

func renderExport(run store.Run, report store.Report, claims []store.Claim, evidence []store.Evidence) string {
	var b strings.Builder
	title := report.Title
	if title == "" {
		title = run.Query
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if run.Query != "" {
		fmt.Fprintf(&b, "> %s\n\n", run.Query)
	}
	for _, section := range report.Sections {
		if section.Heading == "" {
			fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(section.Content))
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", section.Heading, strings.TrimSpace(section.Content))
	}
	if len(claims) > 0 {
		b.WriteString("## Claims\n\n")
		for _, claim := range claims {
			fmt.Fprintf(&b, "- %s (%s, confidence %.2f)\n", claim.Text, claim.Status, claim.Confidence)
		}
		b.WriteString("\n")
	}
	if len(evidence) > 0 {
		b.WriteString("## Sources\n\n")
		ranked := authority.Rank(evidence, authority.ForAblation(run.Config.Ablation))
		for i, item := range ranked {
			label := item.Title
			if label == "" {
				label = item.URL
			}
			fmt.Fprintf(&b, "%d. [%s](%s) (%s)\n", i+1, label, item.URL, item.Tier)
		}
		b.WriteString("\n")
		summary := authority.Summary(evidence)
		var parts []string
		for _, tier := range []string{store.TierOfficial, store.TierAcademic, store.TierIndustry, store.TierMedia, store.TierGeneral, store.TierOther} {
			if summary[tier] > 0 {
				parts = append(parts, fmt.Sprintf("%s %d", tier, summary[tier]))
			}
		}
		if len(parts) > 0 {
			fmt.Fprintf(&b, "Authority mix: %s\n", strings.Join(parts, ", "))
		}
	}
	return b.String()
}

// requireRun resolves the {id} parameter to a run, writing the error
// response itself when the run is missing.
func (s *Server) requireRun(w http.ResponseWriter, r *http.Request) (*store.Run, bool) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return nil, false
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return nil, false
	}
	return run, true
}

func isTerminalRun(status string) bool {
	switch status {
	case store.StatusSucceeded, store.StatusFailed, store.StatusCancelled:
		return true
	default:
		return false
	}
}

func toRunResponse(run store.Run) runResponse {
	return runResponse{
		ID:               run.ID,
		Query:            run.Query,
		Status:           run.Status,
		Phase:            run.Phase,
		CompletionReason: run.CompletionReason,
		Error:            run.Error,
		Config:           run.Config,
		CreatedAt:        run.CreatedAt,
		UpdatedAt:        run.UpdatedAt,
		StartedAt:        run.StartedAt,
		CompletedAt:      run.CompletedAt,
	}
}
