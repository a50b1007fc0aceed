package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/quillworks/deepresearch/internal/authority"
	"github.com/quillworks/deepresearch/internal/llm"
	"github.com/quillworks/deepresearch/internal/store"
	"github.com/quillworks/deepresearch/internal/tools"
)

// EmitFunc persists and publishes one run event, returning the event as
// written (with sequence number and timestamp assigned).
type EmitFunc func(ctx context.Context, eventType string, payload map[string]any) (store.RunEvent, error)

// toolGateway is the slice of tools.Gateway the engine needs. Tests swap in
// a scripted gateway.
type toolGateway interface {
	Invoke(ctx context.Context, name string, args map[string]any) tools.Outcome
	Specs() []llm.ToolSpec
	Names() []string
}

// Deps carries everything an Engine needs beyond the run itself.
type Deps struct {
	Store               store.Store
	Provider            llm.Provider
	Searcher            tools.Searcher
	Browser             tools.Browser
	Emit                EmitFunc
	WorkdirRoot         string
	SpillThreshold      int
	ShellTimeout        time.Duration
	MaxReflectionPasses int
	CostRates           CostRates
	Logger              *log.Logger
}

// Engine drives one research run through the ReAct loop: ask the model for
// the next action, dispatch tool calls, fold observations back into the
// transcript, and advance the phase cursor until the report is finalized or
// the step budget runs out.
type Engine struct {
	run       store.Run
	deps      Deps
	gateway   toolGateway
	evidence  *EvidenceStore
	claims    *Ledger
	todos     *Planner
	report    *Assembler
	reflector *Reflector
	metrics   *Aggregator
	phases    phaseTracker
	logger    *log.Logger

	phase        string
	ctx          context.Context
	maxRetries   int
	retryBackoff time.Duration
}

// NewEngine wires the per-run components. The tool gateway is built against
// the run's private workdir and ablation settings.
func NewEngine(run store.Run, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Provider == nil || deps.Emit == nil {
		return nil, errors.New("research: store, provider, and emit are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	policy := authority.ForAblation(run.Config.Ablation)
	evidence := NewEvidenceStore(run.ID, policy)

	format := run.Config.OutputFormat
	if format == "" {
		format = "report"
	}
	e := &Engine{
		run:          run,
		deps:         deps,
		evidence:     evidence,
		claims:       NewLedger(evidence),
		todos:        NewPlanner(run.ID),
		report:       NewAssembler(run.ID, reportTitle(run.Query), format),
		reflector:    NewReflector(deps.MaxReflectionPasses, 0.6),
		metrics:      NewAggregator(run.ID, deps.CostRates),
		logger:       logger,
		phase:        store.PhasePlanning,
		maxRetries:   3,
		retryBackoff: time.Second,
	}
	gateway, err := tools.NewGateway(tools.GatewayConfig{
		Store:          deps.Store,
		RunID:          run.ID,
		Workdir:        filepath.Join(deps.WorkdirRoot, "runs", run.ID),
		SpillThreshold: deps.SpillThreshold,
		ShellTimeout:   deps.ShellTimeout,
		Searcher:       deps.Searcher,
		Browser:        deps.Browser,
		Todos:          e.todos,
		Ablation:       run.Config.Ablation,
		Emit:           e.gatewayEvent,
	})
	if err != nil {
		return nil, err
	}
	e.gateway = gateway
	return e, nil
}

func reportTitle(query string) string {
	if len(query) > 100 {
		query = query[:100]
	}
	return "Research Report: " + query
}

// gatewayEvent forwards gateway events (tool.call.*, context.spill) into
// the run event stream.
func (e *Engine) gatewayEvent(eventType string, payload map[string]any) {
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	e.emit(ctx, eventType, payload)
}

// emit writes one event and folds it into the metrics aggregator. Event
// emission failures are logged, not fatal: the run's own progress matters
// more than a perfect audit trail.
func (e *Engine) emit(ctx context.Context, eventType string, payload map[string]any) {
	event, err := e.deps.Emit(ctx, eventType, payload)
	if err != nil {
		e.logger.Printf("run %s: emitting %s: %v", e.run.ID, eventType, err)
		event = store.RunEvent{
			RunID:     e.run.ID,
			Type:      eventType,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Payload:   payload,
		}
	}
	e.metrics.Apply(event)
}

func (e *Engine) setPhase(ctx context.Context, phase, detail string) {
	if e.phase == phase {
		return
	}
	e.phase = phase
	e.emit(ctx, "run.phase.changed", map[string]any{"phase": phase, "detail": detail})
}

// Execute runs the loop to a terminal state. It returns an error only for
// model failures after retries; budget exhaustion ends the run succeeded
// with a partial report, and cancellation returns the context error after
// emitting run.cancelled.
func (e *Engine) Execute(ctx context.Context) error {
	e.ctx = ctx
	defer func() { e.ctx = nil }()

	maxSteps := e.run.Config.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 50
	}
	reserve := reflectionReserve(maxSteps)

	e.emit(ctx, "run.started", map[string]any{"query": e.run.Query, "engine": e.run.Config.Engine})

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt(e.run.Config, e.gateway.Names())},
		{Role: "user", Content: e.run.Query},
	}

	completed := false
	for step := 1; step <= maxSteps; step++ {
		if ctx.Err() != nil {
			return e.cancelled(ctx)
		}

		resp, err := e.complete(ctx, llm.Request{
			Messages:  messages,
			Tools:     e.gateway.Specs(),
			MaxTokens: 4000,
		})
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(ctx)
			}
			e.emit(ctx, "run.failed", map[string]any{
				"error":             err.Error(),
				"completion_reason": "model_error",
			})
			e.persist(ctx)
			return fmt.Errorf("model call failed: %w", err)
		}
		e.emit(ctx, "model.completed", map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		})
		messages = append(messages, resp.Message)

		if len(resp.Message.ToolCalls) > 0 {
			for _, call := range resp.Message.ToolCalls {
				observation := e.dispatch(ctx, call)
				messages = append(messages, llm.Message{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    observation,
				})
				if ctx.Err() != nil {
					return e.cancelled(ctx)
				}
			}
			e.setPhase(ctx, e.phases.derive(step, maxSteps), fmt.Sprintf("step %d/%d", step, maxSteps))
		} else if report, ok := extractReport(resp.Message.Content); ok {
			e.setPhase(ctx, store.PhaseReportGeneration, "final report received")
			e.draftWhole(ctx, report)
			completed = true
		} else if resp.FinishReason == "stop" && step > 5 && len(resp.Message.Content) > 1000 {
			// The model stopped naturally on a substantial answer; treat
			// it as the report even without markers.
			e.setPhase(ctx, store.PhaseReportGeneration, "model stopped with substantial draft")
			e.draftWhole(ctx, resp.Message.Content)
			completed = true
		}

		if completed {
			break
		}
		if directive := e.maybeReflect(ctx, step, maxSteps, reserve); directive != "" {
			messages = append(messages, llm.Message{Role: "user", Content: directive})
		}
		e.checkpoint(ctx)
	}

	if !e.report.HasContent() {
		if fallback := lastAssistantContent(messages); fallback != "" {
			e.draftWhole(ctx, fallback)
		}
	}

	reason := "completed"
	if !completed {
		reason = "budget_exhausted"
	}
	e.setPhase(ctx, store.PhaseReportGeneration, "finalizing report")
	if version, err := e.report.Finalize(); err == nil {
		e.emit(ctx, "report.finalized", map[string]any{"version": version})
	}
	e.setPhase(ctx, store.PhaseCompleted, "run complete")
	e.emit(ctx, "run.completed", map[string]any{"completion_reason": reason})
	e.persist(ctx)
	return nil
}

// cancelled emits the terminal cancellation event using a detached context
// so the write is not itself cancelled. Idempotent at the store layer:
// terminal runs ignore late lifecycle events.
func (e *Engine) cancelled(ctx context.Context) error {
	detached := context.WithoutCancel(ctx)
	e.emit(detached, "run.cancelled", map[string]any{"completion_reason": "user_cancelled"})
	e.persist(detached)
	return ctx.Err()
}

// complete calls the model with bounded retries. Only retryable request
// errors and transport errors are retried; auth and validation failures
// surface immediately.
func (e *Engine) complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		resp, err := e.deps.Provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var reqErr llm.RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return llm.Response{}, err
		}
		if attempt == e.maxRetries {
			break
		}
		backoff := e.retryBackoff * time.Duration(1<<(attempt-1))
		e.logger.Printf("run %s: model attempt %d failed, retrying in %s: %v", e.run.ID, attempt, backoff, err)
		select {
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return llm.Response{}, lastErr
}

// dispatch executes one tool call and returns the observation text for the
// transcript. Tool failures become observations, never run failures.
func (e *Engine) dispatch(ctx context.Context, call llm.ToolCall) string {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fmt.Sprintf("invalid JSON in tool arguments: %s", call.Arguments)
		}
	}
	e.phases.record(call.Name, args)

	outcome := e.gateway.Invoke(ctx, call.Name, args)
	if !outcome.OK {
		return "tool failed: " + outcome.Error
	}
	e.absorb(ctx, call.Name, args, outcome)
	return outcome.Result
}

// absorb routes successful tool results into the evidence store, claim
// ledger, todo planner, and report assembler.
func (e *Engine) absorb(ctx context.Context, tool string, args map[string]any, outcome tools.Outcome) {
	switch tool {
	case "web_search":
		var parsed struct {
			Results []tools.SearchResult `json:"results"`
		}
		if json.Unmarshal([]byte(outcome.Result), &parsed) == nil {
			for _, result := range parsed.Results {
				e.ingestEvidence(ctx, result.URL, result.Title, result.Snippet)
			}
		}
	case "web_browse":
		var page tools.Page
		if json.Unmarshal([]byte(outcome.Result), &page) == nil && page.URL != "" {
			e.ingestEvidence(ctx, page.URL, page.Title, truncate(page.Content, 500))
		}
	case "batch_web_surfer":
		var parsed struct {
			Results []struct {
				SearchResults  []tools.SearchResult `json:"search_results"`
				BrowsedContent []tools.Page         `json:"browsed_content"`
			} `json:"results"`
		}
		if json.Unmarshal([]byte(outcome.Result), &parsed) == nil {
			for _, qr := range parsed.Results {
				for _, result := range qr.SearchResults {
					e.ingestEvidence(ctx, result.URL, result.Title, result.Snippet)
				}
				for _, page := range qr.BrowsedContent {
					e.ingestEvidence(ctx, page.URL, page.Title, truncate(page.Content, 500))
				}
			}
		}
	case "cross_validate":
		e.absorbCrossValidation(ctx, outcome)
	case "todo":
		e.emit(ctx, "todo.updated", map[string]any{
			"pending_count":   e.todos.PendingCount(),
			"completed_count": e.todos.CompletedCount(),
		})
	case "file_write":
		if isReportFile(args) {
			if content, ok := args["content"].(string); ok {
				e.draftWhole(ctx, content)
			}
		}
	case "file_edit":
		if isReportFile(args) {
			oldText, _ := args["old_text"].(string)
			newText, _ := args["new_text"].(string)
			e.draftPatch(ctx, oldText, newText)
		}
	}
}

func (e *Engine) ingestEvidence(ctx context.Context, sourceURL, title, snippet string) {
	if sourceURL == "" {
		return
	}
	ev, created := e.evidence.Ingest(sourceURL, title, snippet)
	if !created {
		return
	}
	e.emit(ctx, "evidence.found", map[string]any{
		"evidence_id": ev.ID,
		"url":         ev.URL,
		"title":       ev.Title,
		"tier":        ev.Tier,
		"score":       ev.Score,
	})
}

func (e *Engine) absorbCrossValidation(ctx context.Context, outcome tools.Outcome) {
	var parsed struct {
		Claim             string               `json:"claim"`
		Status            string               `json:"status"`
		ValidationSources []tools.SearchResult `json:"validation_sources"`
	}
	if json.Unmarshal([]byte(outcome.Result), &parsed) != nil || parsed.Claim == "" {
		return
	}
	var evidenceIDs []string
	for _, source := range parsed.ValidationSources {
		if source.URL == "" {
			continue
		}
		ev, created := e.evidence.Ingest(source.URL, source.Title, source.Snippet)
		if created {
			e.emit(ctx, "evidence.found", map[string]any{
				"evidence_id": ev.ID,
				"url":         ev.URL,
				"title":       ev.Title,
				"tier":        ev.Tier,
				"score":       ev.Score,
			})
		}
		evidenceIDs = append(evidenceIDs, ev.ID)
	}

	var claim store.Claim
	if parsed.Status == "supported" || parsed.Status == "partially_supported" {
		claim = e.claims.Extract(e.run.ID, parsed.Claim, evidenceIDs)
	} else {
		claim = e.claims.Extract(e.run.ID, parsed.Claim, nil)
		if len(evidenceIDs) > 0 {
			claim, _ = e.claims.AttachEvidence(claim.ID, evidenceIDs)
		}
		claim, _ = e.claims.MarkUncertain(claim.ID)
	}
	e.emit(ctx, "claim.extracted", map[string]any{
		"claim_id":    claim.ID,
		"text":        claim.Text,
		"status":      claim.Status,
		"unsupported": len(claim.EvidenceIDs) == 0,
	})
	e.emit(ctx, "cross.validation", map[string]any{
		"claim_id":     claim.ID,
		"source_count": len(evidenceIDs),
	})

	if e.run.Config.Ablation.Reflection {
		wasUnsupported := len(claim.EvidenceIDs) == 0
		promoted, err := e.reflector.CrossValidate(e.claims, e.evidence, claim.ID)
		if err == nil && promoted {
			updated, _ := e.claims.Get(claim.ID)
			e.emit(ctx, "claim.verified", map[string]any{
				"claim_id":        updated.ID,
				"status":          updated.Status,
				"confidence":      updated.Confidence,
				"was_unsupported": wasUnsupported,
			})
		}
	}
}

func (e *Engine) draftWhole(ctx context.Context, markdown string) {
	version, err := e.report.SetFromMarkdown(markdown)
	if err != nil {
		e.logger.Printf("run %s: draft update rejected: %v", e.run.ID, err)
		return
	}
	e.emit(ctx, "report.draft.updated", map[string]any{"version": version, "mode": "whole"})
}

func (e *Engine) draftPatch(ctx context.Context, oldText, newText string) {
	if !e.report.HasContent() {
		return
	}
	result, err := e.report.PatchMarkdown(oldText, newText)
	if err != nil {
		e.logger.Printf("run %s: patch rejected: %v", e.run.ID, err)
		return
	}
	e.emit(ctx, "report.draft.updated", map[string]any{
		"version":         result.Version,
		"mode":            "patch",
		"savings_percent": result.SavingsPercent,
	})
}

// maybeReflect checks the information-seeking exit condition and either
// starts a bounded reflection pass or forces the loop onward to report
// generation. Returns a directive to append to the transcript, or "".
func (e *Engine) maybeReflect(ctx context.Context, step, maxSteps, reserve int) string {
	if !e.run.Config.Ablation.Reflection {
		return ""
	}
	if e.phase != store.PhaseInformationSeeking {
		return ""
	}
	remaining := maxSteps - step
	if !e.todos.AllDone() && remaining > reserve {
		return ""
	}
	if e.reflector.Begin() {
		e.setPhase(ctx, store.PhaseReflection, fmt.Sprintf("reflection pass %d", e.reflector.Passes()))
		targets := e.reflector.Targets(e.claims)
		e.emit(ctx, "reflection.started", map[string]any{
			"pass":    e.reflector.Passes(),
			"targets": len(targets),
		})
		return reflectionDirective(targets)
	}
	e.setPhase(ctx, store.PhaseReportGeneration, "reflection budget spent")
	return reportDirective
}

// persist flushes the in-memory stores and saves the metrics snapshot. It
// emits no events, so the terminal paths can flush after their last event
// while keeping it last in the log.
func (e *Engine) persist(ctx context.Context) store.RunMetrics {
	if e.report.HasContent() {
		for claimID, heading := range e.report.BindClaims(e.claims.List()) {
			e.claims.BindSection(claimID, heading)
		}
	}
	for _, ev := range e.evidence.List() {
		if err := e.deps.Store.UpsertEvidence(ctx, ev); err != nil {
			e.logger.Printf("run %s: persisting evidence: %v", e.run.ID, err)
		}
	}
	for _, claim := range e.claims.List() {
		if err := e.deps.Store.UpsertClaim(ctx, claim); err != nil {
			e.logger.Printf("run %s: persisting claim: %v", e.run.ID, err)
		}
	}
	if err := e.deps.Store.ReplaceTodos(ctx, e.run.ID, e.todos.List()); err != nil {
		e.logger.Printf("run %s: persisting todos: %v", e.run.ID, err)
	}
	if e.report.Version() > 0 {
		if err := e.deps.Store.SaveReport(ctx, e.report.Snapshot()); err != nil {
			e.logger.Printf("run %s: persisting report: %v", e.run.ID, err)
		}
	}
	snapshot := e.metrics.Snapshot()
	if err := e.deps.Store.SaveMetrics(ctx, snapshot); err != nil {
		e.logger.Printf("run %s: persisting metrics: %v", e.run.ID, err)
	}
	return snapshot
}

// checkpoint persists and publishes a metrics snapshot event. Only called
// between loop steps, never after a terminal event.
func (e *Engine) checkpoint(ctx context.Context) {
	snapshot := e.persist(ctx)
	e.emit(ctx, "metrics.updated", map[string]any{
		"total_tool_calls": snapshot.TotalToolCalls,
		"citation_count":   snapshot.CitationCount,
		"input_tokens":     snapshot.InputTokens,
		"output_tokens":    snapshot.OutputTokens,
	})
}

// Metrics exposes the live aggregator, mainly for the replay-consistency
// check in tests and diagnostics.
func (e *Engine) Metrics() store.RunMetrics {
	return e.metrics.Snapshot()
}

func reflectionReserve(maxSteps int) int {
	reserve := maxSteps / 5
	if reserve < 2 {
		reserve = 2
	}
	return reserve
}

func extractReport(content string) (string, bool) {
	start := strings.Index(content, "<report>")
	end := strings.Index(content, "</report>")
	if start < 0 || end < 0 || end <= start {
		return "", false
	}
	return strings.TrimSpace(content[start+len("<report>") : end]), true
}

func lastAssistantContent(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && strings.TrimSpace(messages[i].Content) != "" {
			return messages[i].Content
		}
	}
	return ""
}

func isReportFile(args map[string]any) bool {
	filename, _ := args["filename"].(string)
	return strings.Contains(strings.ToLower(filename), "report")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
