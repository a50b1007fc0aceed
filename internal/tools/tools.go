// Package tools is the gateway between the research loop and everything it
// can touch: web search and browsing, the run workdir, the todo list, and a
// sandboxed shell. Every invocation is recorded as a ToolEvent and surfaced
// back to the model as an observation. Tool failures are not fatal to a run.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/quillworks/deepresearch/internal/llm"
	"github.com/quillworks/deepresearch/internal/store"
)

// ErrUnknownTool is returned when a run asks for a tool kind that is not
// registered for it. Ablation settings remove tools from a run's registry,
// so the same tool name can be valid for one run and unknown for another.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one capability the model can call.
type Tool interface {
	Name() string
	Spec() llm.ToolSpec
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Outcome is what the research loop sees after an invocation. Result holds
// the JSON-encoded tool output, or a truncated summary when the full payload
// was spilled to the workdir.
type Outcome struct {
	EventID    string
	Tool       string
	OK         bool
	Result     string
	Error      string
	SpilledTo  string
	DurationMS int64
}

// Emitter receives run events raised by the gateway. Payloads must be
// JSON-marshalable.
type Emitter func(eventType string, payload map[string]any)

// GatewayConfig wires a gateway to one run.
type GatewayConfig struct {
	Store          store.Store
	RunID          string
	Workdir        string
	SpillThreshold int
	ShellTimeout   time.Duration
	Searcher       Searcher
	Browser        Browser
	Todos          TodoBackend
	Ablation       store.AblationConfig
	Emit           Emitter
}

// Gateway dispatches tool calls for a single run.
type Gateway struct {
	store          store.Store
	runID          string
	workdir        string
	spillThreshold int
	emit           Emitter
	tools          map[string]Tool
	order          []string
}

// NewGateway builds the tool registry for a run. The todo and file_edit
// tools are registered only when the run's ablation settings allow them,
// and cross_validate plus reflect only when reflection is enabled.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Workdir == "" {
		return nil, errors.New("tools: workdir is required")
	}
	if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workdir: %w", err)
	}
	threshold := cfg.SpillThreshold
	if threshold <= 0 {
		threshold = 16384
	}
	emit := cfg.Emit
	if emit == nil {
		emit = func(string, map[string]any) {}
	}

	g := &Gateway{
		store:          cfg.Store,
		runID:          cfg.RunID,
		workdir:        cfg.Workdir,
		spillThreshold: threshold,
		emit:           emit,
		tools:          make(map[string]Tool),
	}

	g.register(&webSearchTool{searcher: cfg.Searcher})
	g.register(&webBrowseTool{browser: cfg.Browser})
	g.register(&batchWebSurferTool{searcher: cfg.Searcher, browser: cfg.Browser})
	g.register(&fileReadTool{workdir: cfg.Workdir})
	g.register(&fileWriteTool{workdir: cfg.Workdir})
	g.register(&shellTool{workdir: cfg.Workdir, timeout: cfg.ShellTimeout})
	if cfg.Ablation.PatchEditing {
		g.register(&fileEditTool{workdir: cfg.Workdir})
	}
	if cfg.Ablation.TodoState && cfg.Todos != nil {
		g.register(&todoTool{backend: cfg.Todos})
	}
	if cfg.Ablation.Reflection {
		g.register(&reflectTool{})
		g.register(&crossValidateTool{searcher: cfg.Searcher})
	}
	return g, nil
}

func (g *Gateway) register(t Tool) {
	g.tools[t.Name()] = t
	g.order = append(g.order, t.Name())
}

// Specs returns the tool schemas for the model request, in registration
// order so prompts stay stable across invocations.
func (g *Gateway) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(g.order))
	for _, name := range g.order {
		specs = append(specs, g.tools[name].Spec())
	}
	return specs
}

// Names lists the registered tool names.
func (g *Gateway) Names() []string {
	names := make([]string, len(g.order))
	copy(names, g.order)
	return names
}

// Invoke runs one tool call, records the ToolEvent, and emits
// tool.call.started plus tool.call.completed or tool.call.failed. Results
// over the spill threshold are written to the workdir and replaced inline by
// a truncated summary, with a single context.spill event.
func (g *Gateway) Invoke(ctx context.Context, name string, args map[string]any) Outcome {
	eventID := uuid.NewString()
	started := time.Now().UTC()
	g.emit("tool.call.started", map[string]any{
		"tool_event_id": eventID,
		"tool":          name,
		"args":          args,
	})

	outcome := Outcome{EventID: eventID, Tool: name}
	tool, ok := g.tools[name]
	if !ok {
		outcome.Error = fmt.Errorf("%w: %s", ErrUnknownTool, name).Error()
	} else {
		result, err := tool.Execute(ctx, args)
		if err != nil {
			outcome.Error = err.Error()
		} else {
			encoded, encErr := json.Marshal(result)
			if encErr != nil {
				outcome.Error = fmt.Sprintf("encoding tool result: %v", encErr)
			} else {
				outcome.OK = true
				outcome.Result = string(encoded)
			}
		}
	}
	completed := time.Now().UTC()
	outcome.DurationMS = completed.Sub(started).Milliseconds()

	if outcome.OK && len(outcome.Result) > g.spillThreshold {
		g.spill(&outcome)
	}

	event := store.ToolEvent{
		ID:          eventID,
		RunID:       g.runID,
		Tool:        name,
		Args:        args,
		Status:      "completed",
		Result:      outcome.Result,
		Error:       outcome.Error,
		SpilledTo:   outcome.SpilledTo,
		DurationMS:  outcome.DurationMS,
		StartedAt:   started.Format(time.RFC3339Nano),
		CompletedAt: completed.Format(time.RFC3339Nano),
	}
	eventType := "tool.call.completed"
	if !outcome.OK {
		event.Status = "failed"
		eventType = "tool.call.failed"
	}
	if g.store != nil {
		if err := g.store.AppendToolEvent(ctx, event); err != nil {
			// The run keeps going; the observation is still delivered to
			// the model even if the audit record could not be persisted.
			outcome.Error = firstNonEmpty(outcome.Error, fmt.Sprintf("recording tool event: %v", err))
		}
	}
	g.emit(eventType, map[string]any{
		"tool_event_id": eventID,
		"tool":          name,
		"duration_ms":   outcome.DurationMS,
		"error":         outcome.Error,
		"spilled_to":    outcome.SpilledTo,
	})
	return outcome
}

// spill moves an oversized result out of the context and leaves a truncated
// summary inline. One context.spill event per spilled result.
func (g *Gateway) spill(outcome *Outcome) {
	dir := filepath.Join(g.workdir, "spill")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	path := filepath.Join(dir, outcome.EventID+".json")
	if err := os.WriteFile(path, []byte(outcome.Result), 0o644); err != nil {
		return
	}
	fullBytes := len(outcome.Result)
	summary := truncateToRune(outcome.Result, g.spillThreshold)
	outcome.SpilledTo = path
	outcome.Result = summary + fmt.Sprintf("\n[result truncated: %d of %d bytes retained, full payload at %s]", len(summary), fullBytes, filepath.Base(path))
	g.emit("context.spill", map[string]any{
		"tool_event_id": outcome.EventID,
		"tool":          outcome.Tool,
		"spilled_to":    path,
		"payload_bytes": fullBytes,
	})
}

// truncateToRune cuts s at n bytes, backing off to the previous rune
// boundary so the inline summary stays valid UTF-8.
func truncateToRune(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
