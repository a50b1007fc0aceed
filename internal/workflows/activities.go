package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/quillworks/deepresearch/internal/llm"
	"github.com/quillworks/deepresearch/internal/research"
	"github.com/quillworks/deepresearch/internal/store"
	"github.com/quillworks/deepresearch/internal/tools"
)

type ResearchInput struct {
	RunID string
	Query string
}

type ResearchOutput struct {
	Status           string `json:"status"`
	CompletionReason string `json:"completion_reason"`
}

type RunFailureInput struct {
	RunID string
	Error string
}

var newProvider = llm.NewProvider

const heartbeatInterval = 30 * time.Second

// RunActivitiesConfig carries the process-level wiring the research engine
// needs per run.
type RunActivitiesConfig struct {
	LLM                 llm.Config
	Searcher            tools.Searcher
	Browser             tools.Browser
	OrchestratorURL     string
	WorkdirRoot         string
	SpillThresholdBytes int
	ShellTimeout        time.Duration
	MaxReflectionPasses int
	CostRates           research.CostRates
}

type RunActivities struct {
	store        store.Store
	cfg          RunActivitiesConfig
	orchestrator string
	httpClient   *http.Client

	requestTimeout time.Duration
}

func NewRunActivities(st store.Store, cfg RunActivitiesConfig) *RunActivities {
	return &RunActivities{
		store:          st,
		cfg:            cfg,
		orchestrator:   strings.TrimRight(cfg.OrchestratorURL, "/"),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		requestTimeout: 10 * time.Second,
	}
}

// ExecuteResearch runs the whole ReAct loop for one run inside a single
// activity. Events are posted to the orchestrator so live SSE subscribers
// see them, falling back to a direct store append when the orchestrator is
// unreachable.
func (a *RunActivities) ExecuteResearch(ctx context.Context, input ResearchInput) (ResearchOutput, error) {
	if strings.TrimSpace(input.RunID) == "" {
		return ResearchOutput{}, errors.New("run_id required")
	}
	run, err := a.store.GetRun(ctx, input.RunID)
	if err != nil {
		return ResearchOutput{}, fmt.Errorf("loading run %s: %w", input.RunID, err)
	}
	if run == nil {
		return ResearchOutput{}, fmt.Errorf("run %s not found", input.RunID)
	}
	if query := strings.TrimSpace(input.Query); query != "" {
		run.Query = query
	}
	if strings.TrimSpace(run.Query) == "" {
		return ResearchOutput{}, fmt.Errorf("run %s has no query", input.RunID)
	}

	provider, err := newProvider(a.cfg.LLM)
	if err != nil {
		return ResearchOutput{}, fmt.Errorf("building model provider: %w", err)
	}

	engine, err := research.NewEngine(*run, research.Deps{
		Store:               a.store,
		Provider:            provider,
		Searcher:            a.cfg.Searcher,
		Browser:             a.cfg.Browser,
		Emit:                a.emitFunc(run.ID),
		WorkdirRoot:         a.cfg.WorkdirRoot,
		SpillThreshold:      a.cfg.SpillThresholdBytes,
		ShellTimeout:        a.cfg.ShellTimeout,
		MaxReflectionPasses: a.cfg.MaxReflectionPasses,
		CostRates:           a.cfg.CostRates,
	})
	if err != nil {
		return ResearchOutput{}, fmt.Errorf("building engine for run %s: %w", input.RunID, err)
	}

	stopHeartbeat := a.startHeartbeat(ctx, input.RunID)
	defer stopHeartbeat()

	if err := engine.Execute(ctx); err != nil {
		return ResearchOutput{}, err
	}

	final, err := a.store.GetRun(ctx, input.RunID)
	if err != nil {
		return ResearchOutput{}, err
	}
	if final == nil {
		return ResearchOutput{}, fmt.Errorf("run %s not found", input.RunID)
	}
	return ResearchOutput{Status: final.Status, CompletionReason: final.CompletionReason}, nil
}

// HandleRunFailure persists a terminal failure event for activity-level
// errors that bypassed the engine's own failure path.
func (a *RunActivities) HandleRunFailure(ctx context.Context, input RunFailureInput) error {
	if strings.TrimSpace(input.RunID) == "" {
		return errors.New("run_id required")
	}
	detail := strings.TrimSpace(input.Error)
	if detail == "" {
		detail = "unknown workflow activity error"
	}
	payload := map[string]any{
		"error":             detail,
		"completion_reason": "activity_error",
	}
	if _, err := a.postEvent(ctx, input.RunID, "run.failed", payload); err == nil {
		return nil
	}
	_, err := a.appendLocalEvent(ctx, input.RunID, "run.failed", payload)
	return err
}

func (a *RunActivities) startHeartbeat(ctx context.Context, runID string) func() {
	heartbeatCtx, stop := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, runID)
			}
		}
	}()
	return stop
}

func (a *RunActivities) emitFunc(runID string) research.EmitFunc {
	return func(ctx context.Context, eventType string, payload map[string]any) (store.RunEvent, error) {
		if event, err := a.postEvent(ctx, runID, eventType, payload); err == nil {
			return event, nil
		}
		return a.appendLocalEvent(ctx, runID, eventType, payload)
	}
}

type wireEvent struct {
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	TraceID   string         `json:"trace_id"`
	Payload   map[string]any `json:"payload"`
}

// postEvent ingests the event through the orchestrator, which persists it
// and broadcasts to SSE subscribers. The response carries the event as
// stored, sequence number included.
func (a *RunActivities) postEvent(ctx context.Context, runID string, eventType string, payload map[string]any) (store.RunEvent, error) {
	if a.orchestrator == "" {
		return store.RunEvent{}, errors.New("orchestrator URL not configured")
	}
	url := fmt.Sprintf("%s/runs/%s/events", a.orchestrator, runID)
	body, err := json.Marshal(map[string]any{
		"type":      eventType,
		"source":    "worker",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"trace_id":  uuid.New().String(),
		"payload":   payload,
	})
	if err != nil {
		return store.RunEvent{}, err
	}
	requestCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return store.RunEvent{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return store.RunEvent{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return store.RunEvent{}, fmt.Errorf("orchestrator event ingest failed: %s", resp.Status)
	}
	var stored wireEvent
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return store.RunEvent{}, fmt.Errorf("decoding stored event: %w", err)
	}
	return store.RunEvent{
		RunID:     stored.RunID,
		Seq:       stored.Seq,
		Type:      stored.Type,
		Timestamp: stored.Timestamp,
		Source:    stored.Source,
		TraceID:   stored.TraceID,
		Payload:   stored.Payload,
	}, nil
}

func (a *RunActivities) appendLocalEvent(ctx context.Context, runID string, eventType string, payload map[string]any) (store.RunEvent, error) {
	seq, err := a.store.NextSeq(ctx, runID)
	if err != nil {
		return store.RunEvent{}, err
	}
	event := store.RunEvent{
		RunID:     runID,
		Seq:       seq,
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    "worker",
		TraceID:   uuid.New().String(),
		Payload:   payload,
	}
	if err := a.store.AppendEvent(ctx, event); err != nil {
		return store.RunEvent{}, err
	}
	return event, nil
}
