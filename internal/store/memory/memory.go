package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quillworks/deepresearch/internal/store"
)

type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]store.Run
	events     map[string][]store.RunEvent
	seq        map[string]int64
	toolEvents map[string][]store.ToolEvent
	evidence   map[string]map[string]store.Evidence
	claims     map[string]map[string]store.Claim
	todos      map[string][]store.TodoItem
	reports    map[string]store.Report
	metrics    map[string]store.RunMetrics
	judgments  []store.PairwiseJudgment
}

func New() *MemoryStore {
	return &MemoryStore{
		runs:       map[string]store.Run{},
		events:     map[string][]store.RunEvent{},
		seq:        map[string]int64{},
		toolEvents: map[string][]store.ToolEvent{},
		evidence:   map[string]map[string]store.Evidence{},
		claims:     map[string]map[string]store.Claim{},
		todos:      map[string][]store.TodoItem{},
		reports:    map[string]store.Report{},
		metrics:    map[string]store.RunMetrics{},
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(run.Status) == "" {
		run.Status = store.StatusPending
	}
	if strings.TrimSpace(run.Phase) == "" {
		run.Phase = store.PhasePlanning
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	copy := run
	return &copy, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.RunSummary, 0, len(m.runs))
	for _, run := range m.runs {
		summary := store.RunSummary{
			ID:               run.ID,
			Query:            run.Query,
			Status:           run.Status,
			Phase:            run.Phase,
			CompletionReason: run.CompletionReason,
			Engine:           run.Config.Engine,
			CreatedAt:        run.CreatedAt,
			UpdatedAt:        run.UpdatedAt,
			EventCount:       int64(len(m.events[run.ID])),
		}
		if events := m.events[run.ID]; len(events) > 0 {
			last := events[len(events)-1]
			if last.Timestamp != "" {
				summary.UpdatedAt = last.Timestamp
			}
		}
		results = append(results, summary)
	}
	sort.Slice(results, func(i, j int) bool {
		left := parseTime(results[i].CreatedAt)
		right := parseTime(results[j].CreatedAt)
		if left.Equal(right) {
			return results[i].ID < results[j].ID
		}
		return left.After(right)
	})
	return results, nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	delete(m.events, runID)
	delete(m.seq, runID)
	delete(m.toolEvents, runID)
	delete(m.evidence, runID)
	delete(m.claims, runID)
	delete(m.todos, runID)
	delete(m.reports, runID)
	delete(m.metrics, runID)
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Type = normalizeEventType(event.Type)
	m.events[event.RunID] = append(m.events[event.RunID], event)
	m.applyRunStateLocked(event)
	return nil
}

func normalizeEventType(eventType string) string {
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		return ""
	}
	return strings.ReplaceAll(normalized, "_", ".")
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	if afterSeq <= 0 {
		return append([]store.RunEvent{}, events...), nil
	}
	filtered := []store.RunEvent{}
	for _, event := range events {
		if event.Seq > afterSeq {
			filtered = append(filtered, event)
		}
	}
	return filtered, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[runID] += 1
	return m.seq[runID], nil
}

func (m *MemoryStore) AppendToolEvent(ctx context.Context, event store.ToolEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == "" {
		return fmt.Errorf("tool event id required")
	}
	copy := event
	copy.Args = cloneMap(event.Args)
	m.toolEvents[event.RunID] = append(m.toolEvents[event.RunID], copy)
	return nil
}

func (m *MemoryStore) ListToolEvents(ctx context.Context, runID string) ([]store.ToolEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.toolEvents[runID]
	results := make([]store.ToolEvent, 0, len(events))
	for _, event := range events {
		copy := event
		copy.Args = cloneMap(event.Args)
		results = append(results, copy)
	}
	return results, nil
}

func (m *MemoryStore) UpsertEvidence(ctx context.Context, evidence store.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evidence.ID == "" {
		return fmt.Errorf("evidence id required")
	}
	if m.evidence[evidence.RunID] == nil {
		m.evidence[evidence.RunID] = map[string]store.Evidence{}
	}
	copy := evidence
	copy.Corroborating = append([]string{}, evidence.Corroborating...)
	m.evidence[evidence.RunID][evidence.ID] = copy
	return nil
}

func (m *MemoryStore) ListEvidence(ctx context.Context, runID string) ([]store.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.evidence[runID]
	results := make([]store.Evidence, 0, len(byID))
	for _, evidence := range byID {
		copy := evidence
		copy.Corroborating = append([]string{}, evidence.Corroborating...)
		results = append(results, copy)
	}
	sort.Slice(results, func(i, j int) bool {
		left := parseTime(results[i].RetrievedAt)
		right := parseTime(results[j].RetrievedAt)
		if left.Equal(right) {
			return results[i].ID < results[j].ID
		}
		return left.Before(right)
	})
	return results, nil
}

func (m *MemoryStore) UpsertClaim(ctx context.Context, claim store.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if claim.ID == "" {
		return fmt.Errorf("claim id required")
	}
	if m.claims[claim.RunID] == nil {
		m.claims[claim.RunID] = map[string]store.Claim{}
	}
	copy := claim
	copy.EvidenceIDs = append([]string{}, claim.EvidenceIDs...)
	m.claims[claim.RunID][claim.ID] = copy
	return nil
}

func (m *MemoryStore) ListClaims(ctx context.Context, runID string) ([]store.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.claims[runID]
	results := make([]store.Claim, 0, len(byID))
	for _, claim := range byID {
		copy := claim
		copy.EvidenceIDs = append([]string{}, claim.EvidenceIDs...)
		results = append(results, copy)
	}
	sort.Slice(results, func(i, j int) bool {
		left := parseTime(results[i].CreatedAt)
		right := parseTime(results[j].CreatedAt)
		if left.Equal(right) {
			return results[i].ID < results[j].ID
		}
		return left.Before(right)
	})
	return results, nil
}

func (m *MemoryStore) SaveReport(ctx context.Context, report store.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := report
	copy.Sections = append([]store.ReportSection{}, report.Sections...)
	m.reports[report.RunID] = copy
	return nil
}

func (m *MemoryStore) GetReport(ctx context.Context, runID string) (*store.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	report, ok := m.reports[runID]
	if !ok {
		return nil, nil
	}
	copy := report
	copy.Sections = append([]store.ReportSection{}, report.Sections...)
	return &copy, nil
}

func (m *MemoryStore) ReplaceTodos(ctx context.Context, runID string, items []store.TodoItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.todos[runID] = append([]store.TodoItem{}, items...)
	return nil
}

func (m *MemoryStore) ListTodos(ctx context.Context, runID string) ([]store.TodoItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.todos[runID]
	results := append([]store.TodoItem{}, items...)
	sort.Slice(results, func(i, j int) bool {
		return results[i].Position < results[j].Position
	})
	return results, nil
}

func (m *MemoryStore) SaveMetrics(ctx context.Context, metrics store.RunMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := metrics
	copy.ToolCallsByKind = cloneCounts(metrics.ToolCallsByKind)
	copy.CitationAuthorityMix = cloneCounts(metrics.CitationAuthorityMix)
	m.metrics[metrics.RunID] = copy
	return nil
}

func (m *MemoryStore) GetMetrics(ctx context.Context, runID string) (*store.RunMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metrics, ok := m.metrics[runID]
	if !ok {
		return nil, nil
	}
	copy := metrics
	copy.ToolCallsByKind = cloneCounts(metrics.ToolCallsByKind)
	copy.CitationAuthorityMix = cloneCounts(metrics.CitationAuthorityMix)
	return &copy, nil
}

func (m *MemoryStore) CreateJudgment(ctx context.Context, judgment store.PairwiseJudgment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if judgment.ID == "" {
		return fmt.Errorf("judgment id required")
	}
	copy := judgment
	copy.ScoresA = cloneScores(judgment.ScoresA)
	copy.ScoresB = cloneScores(judgment.ScoresB)
	m.judgments = append(m.judgments, copy)
	return nil
}

func (m *MemoryStore) ListJudgments(ctx context.Context) ([]store.PairwiseJudgment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.PairwiseJudgment, 0, len(m.judgments))
	for _, judgment := range m.judgments {
		copy := judgment
		copy.ScoresA = cloneScores(judgment.ScoresA)
		copy.ScoresB = cloneScores(judgment.ScoresB)
		results = append(results, copy)
	}
	return results, nil
}

// applyRunStateLocked projects run status and phase from the event log.
// Terminal runs never change again, so late or replayed lifecycle events
// cannot move a run backwards.
func (m *MemoryStore) applyRunStateLocked(event store.RunEvent) {
	run, ok := m.runs[event.RunID]
	if !ok {
		return
	}
	if isTerminalStatus(run.Status) {
		return
	}
	switch event.Type {
	case "run.started":
		run.Status = store.StatusRunning
		run.Phase = store.PhasePlanning
		if run.StartedAt == "" {
			run.StartedAt = event.Timestamp
		}
	case "run.phase.changed":
		if phase := readString(event.Payload, "phase"); phase != "" {
			run.Phase = phase
		}
	case "run.completed":
		run.Status = store.StatusSucceeded
		run.Phase = store.PhaseCompleted
		run.CompletionReason = readString(event.Payload, "completion_reason")
		run.CompletedAt = event.Timestamp
	case "run.failed":
		run.Status = store.StatusFailed
		if reason := readString(event.Payload, "completion_reason"); reason != "" {
			run.CompletionReason = reason
		} else {
			run.CompletionReason = "activity_error"
		}
		if message := readString(event.Payload, "error"); message != "" {
			run.Error = message
		}
		run.CompletedAt = event.Timestamp
	case "run.cancelled":
		run.Status = store.StatusCancelled
		run.CompletionReason = "user_cancelled"
		run.CompletedAt = event.Timestamp
	}
	if strings.TrimSpace(event.Timestamp) != "" {
		run.UpdatedAt = event.Timestamp
	}
	m.runs[event.RunID] = run
}

func isTerminalStatus(status string) bool {
	switch status {
	case store.StatusSucceeded, store.StatusFailed, store.StatusCancelled:
		return true
	default:
		return false
	}
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func readString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	raw, ok := payload[key]
	if !ok {
		return ""
	}
	value, ok := raw.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

func cloneCounts(input map[string]int64) map[string]int64 {
	if len(input) == 0 {
		return map[string]int64{}
	}
	out := make(map[string]int64, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

func cloneScores(input map[string]int) map[string]int {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]int, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
