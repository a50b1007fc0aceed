package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/quillworks/deepresearch/internal/store"
	"github.com/quillworks/deepresearch/internal/store/memory"
)

type fakeSearcher struct {
	results []SearchResult
	err     error
	queries []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if maxResults < len(f.results) {
		return f.results[:maxResults], nil
	}
	return f.results, nil
}

type fakeBrowser struct {
	pages map[string]Page
	err   error
}

func (f *fakeBrowser) Browse(ctx context.Context, pageURL string, extractLinks bool) (Page, error) {
	if f.err != nil {
		return Page{}, f.err
	}
	page, ok := f.pages[pageURL]
	if !ok {
		return Page{}, fmt.Errorf("fetching %s: status 404", pageURL)
	}
	return page, nil
}

type recordedEvent struct {
	eventType string
	payload   map[string]any
}

func newTestGateway(t *testing.T, mutate func(*GatewayConfig)) (*Gateway, store.Store, *[]recordedEvent) {
	t.Helper()
	st := memory.New()
	var events []recordedEvent
	cfg := GatewayConfig{
		Store:          st,
		RunID:          "run-1",
		Workdir:        t.TempDir(),
		SpillThreshold: 1 << 20,
		Searcher: &fakeSearcher{results: []SearchResult{
			{Title: "Result", URL: "https://example.com/a", Snippet: "snippet"},
		}},
		Browser:  &fakeBrowser{pages: map[string]Page{}},
		Ablation: store.DefaultAblation(),
		Emit: func(eventType string, payload map[string]any) {
			events = append(events, recordedEvent{eventType: eventType, payload: payload})
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gateway, err := NewGateway(cfg)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return gateway, st, &events
}

func eventsOfType(events []recordedEvent, eventType string) []recordedEvent {
	var out []recordedEvent
	for _, ev := range events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestGateway_RegistersToolsByAblation(t *testing.T) {
	full, _, _ := newTestGateway(t, nil)
	names := strings.Join(full.Names(), ",")
	for _, want := range []string{"web_search", "web_browse", "batch_web_surfer", "file_read", "file_write", "file_edit", "shell", "reflect", "cross_validate"} {
		if !strings.Contains(names, want) {
			t.Errorf("expected %s in registry, got %s", want, names)
		}
	}

	bare, _, _ := newTestGateway(t, func(cfg *GatewayConfig) {
		cfg.Ablation = store.AblationConfig{}
	})
	names = strings.Join(bare.Names(), ",")
	for _, missing := range []string{"file_edit", "todo", "reflect", "cross_validate"} {
		if strings.Contains(names, missing) {
			t.Errorf("expected %s to be ablated out, got %s", missing, names)
		}
	}
}

func TestGateway_InvokeRecordsToolEvent(t *testing.T) {
	gateway, st, events := newTestGateway(t, nil)

	outcome := gateway.Invoke(context.Background(), "web_search", map[string]any{"query": "capital of Australia"})
	if !outcome.OK {
		t.Fatalf("expected success, got error %s", outcome.Error)
	}
	if !strings.Contains(outcome.Result, "example.com") {
		t.Errorf("result missing search hit: %s", outcome.Result)
	}

	recorded, err := st.ListToolEvents(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("ListToolEvents: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("expected 1 tool event, got %d", len(recorded))
	}
	if recorded[0].Tool != "web_search" || recorded[0].Status != "completed" {
		t.Errorf("unexpected tool event: %+v", recorded[0])
	}
	if recorded[0].StartedAt == "" || recorded[0].CompletedAt == "" {
		t.Error("expected timestamps on tool event")
	}

	if got := len(eventsOfType(*events, "tool.call.started")); got != 1 {
		t.Errorf("tool.call.started count = %d, want 1", got)
	}
	if got := len(eventsOfType(*events, "tool.call.completed")); got != 1 {
		t.Errorf("tool.call.completed count = %d, want 1", got)
	}
}

func TestGateway_ToolFailureIsObservation(t *testing.T) {
	gateway, st, events := newTestGateway(t, func(cfg *GatewayConfig) {
		cfg.Searcher = &fakeSearcher{err: errors.New("backend down")}
	})

	outcome := gateway.Invoke(context.Background(), "web_search", map[string]any{"query": "anything"})
	if outcome.OK {
		t.Fatal("expected failure outcome")
	}
	if !strings.Contains(outcome.Error, "backend down") {
		t.Errorf("unexpected error: %s", outcome.Error)
	}

	recorded, _ := st.ListToolEvents(context.Background(), "run-1")
	if len(recorded) != 1 || recorded[0].Status != "failed" {
		t.Fatalf("expected one failed tool event, got %+v", recorded)
	}
	if got := len(eventsOfType(*events, "tool.call.failed")); got != 1 {
		t.Errorf("tool.call.failed count = %d, want 1", got)
	}
}

func TestGateway_UnknownTool(t *testing.T) {
	gateway, _, _ := newTestGateway(t, nil)
	outcome := gateway.Invoke(context.Background(), "teleport", nil)
	if outcome.OK {
		t.Fatal("expected failure for unknown tool")
	}
	if !strings.Contains(outcome.Error, "unknown tool") {
		t.Errorf("unexpected error: %s", outcome.Error)
	}
}

func TestGateway_SpillsOversizedResult(t *testing.T) {
	workdir := t.TempDir()
	big := strings.Repeat("x", 4096)
	gateway, st, events := newTestGateway(t, func(cfg *GatewayConfig) {
		cfg.Workdir = workdir
		cfg.SpillThreshold = 256
		cfg.Browser = &fakeBrowser{pages: map[string]Page{
			"https://example.com/long": {URL: "https://example.com/long", Title: "Long", Content: big},
		}}
	})

	outcome := gateway.Invoke(context.Background(), "web_browse", map[string]any{"url": "https://example.com/long"})
	if !outcome.OK {
		t.Fatalf("expected success, got %s", outcome.Error)
	}
	if outcome.SpilledTo == "" {
		t.Fatal("expected result to be spilled")
	}
	if !strings.Contains(outcome.Result, "[result truncated") {
		t.Errorf("expected truncation marker in inline result: %s", outcome.Result[:80])
	}
	if len(outcome.Result) >= len(big) {
		t.Error("inline result was not truncated")
	}

	spilled, err := os.ReadFile(outcome.SpilledTo)
	if err != nil {
		t.Fatalf("reading spill file: %v", err)
	}
	if !strings.Contains(string(spilled), big) {
		t.Error("spill file missing full payload")
	}
	if filepath.Dir(outcome.SpilledTo) != filepath.Join(workdir, "spill") {
		t.Errorf("spill file outside spill dir: %s", outcome.SpilledTo)
	}

	spillEvents := eventsOfType(*events, "context.spill")
	if len(spillEvents) != 1 {
		t.Fatalf("context.spill count = %d, want exactly 1", len(spillEvents))
	}

	recorded, _ := st.ListToolEvents(context.Background(), "run-1")
	if recorded[0].SpilledTo != outcome.SpilledTo {
		t.Errorf("tool event spill path = %s, want %s", recorded[0].SpilledTo, outcome.SpilledTo)
	}
	if len(recorded[0].Result) >= len(big) {
		t.Error("persisted tool event retained the full payload inline")
	}
}

func TestGateway_SpillTruncatesOnRuneBoundary(t *testing.T) {
	// Multi-byte content sized so a byte-offset cut would land inside a
	// rune. The inline summary must stay valid UTF-8.
	big := strings.Repeat("日本語テキスト", 200)
	gateway, _, _ := newTestGateway(t, func(cfg *GatewayConfig) {
		cfg.SpillThreshold = 257
		cfg.Browser = &fakeBrowser{pages: map[string]Page{
			"https://example.jp/long": {URL: "https://example.jp/long", Title: "Long", Content: big},
		}}
	})

	outcome := gateway.Invoke(context.Background(), "web_browse", map[string]any{"url": "https://example.jp/long"})
	if outcome.SpilledTo == "" {
		t.Fatal("expected result to be spilled")
	}
	if !utf8.ValidString(outcome.Result) {
		t.Error("inline summary is not valid UTF-8")
	}
}

func TestTruncateToRune(t *testing.T) {
	if got := truncateToRune("日本語", 4); got != "日" {
		t.Errorf("truncateToRune(4) = %q", got)
	}
	if got := truncateToRune("日本語", 6); got != "日本" {
		t.Errorf("truncateToRune(6) = %q", got)
	}
	if got := truncateToRune("abc", 10); got != "abc" {
		t.Errorf("truncateToRune past end = %q", got)
	}
}

func TestGateway_SmallResultNotSpilled(t *testing.T) {
	gateway, _, events := newTestGateway(t, func(cfg *GatewayConfig) {
		cfg.SpillThreshold = 1 << 20
	})
	outcome := gateway.Invoke(context.Background(), "web_search", map[string]any{"query": "small"})
	if outcome.SpilledTo != "" {
		t.Errorf("small result should not spill, got %s", outcome.SpilledTo)
	}
	if got := len(eventsOfType(*events, "context.spill")); got != 0 {
		t.Errorf("context.spill count = %d, want 0", got)
	}
}

func TestFileTools_RoundTrip(t *testing.T) {
	gateway, _, _ := newTestGateway(t, nil)
	ctx := context.Background()

	write := gateway.Invoke(ctx, "file_write", map[string]any{"filename": "notes.md", "content": "line one\nline two\nline three"})
	if !write.OK {
		t.Fatalf("file_write failed: %s", write.Error)
	}

	read := gateway.Invoke(ctx, "file_read", map[string]any{"filename": "notes.md", "start_line": float64(2), "end_line": float64(2)})
	if !read.OK {
		t.Fatalf("file_read failed: %s", read.Error)
	}
	if !strings.Contains(read.Result, "line two") || strings.Contains(read.Result, "line one") {
		t.Errorf("line range not applied: %s", read.Result)
	}

	edit := gateway.Invoke(ctx, "file_edit", map[string]any{"filename": "notes.md", "old_text": "line two", "new_text": "line 2"})
	if !edit.OK {
		t.Fatalf("file_edit failed: %s", edit.Error)
	}
	if !strings.Contains(edit.Result, "token_savings_percent") {
		t.Errorf("edit result missing savings: %s", edit.Result)
	}

	check := gateway.Invoke(ctx, "file_read", map[string]any{"filename": "notes.md"})
	if !strings.Contains(check.Result, "line 2") {
		t.Errorf("edit not applied: %s", check.Result)
	}
}

func TestFileTools_AppendMode(t *testing.T) {
	gateway, _, _ := newTestGateway(t, nil)
	ctx := context.Background()
	gateway.Invoke(ctx, "file_write", map[string]any{"filename": "log.txt", "content": "first"})
	gateway.Invoke(ctx, "file_write", map[string]any{"filename": "log.txt", "content": " second", "mode": "append"})
	read := gateway.Invoke(ctx, "file_read", map[string]any{"filename": "log.txt"})
	if !strings.Contains(read.Result, "first second") {
		t.Errorf("append mode did not append: %s", read.Result)
	}
}

func TestFileTools_ConfinedToWorkdir(t *testing.T) {
	workdir := t.TempDir()
	gateway, _, _ := newTestGateway(t, func(cfg *GatewayConfig) {
		cfg.Workdir = workdir
	})
	outcome := gateway.Invoke(context.Background(), "file_write", map[string]any{"filename": "../escape.txt", "content": "x"})
	if !outcome.OK {
		t.Fatalf("file_write failed: %s", outcome.Error)
	}
	if _, err := os.Stat(filepath.Join(workdir, "escape.txt")); err != nil {
		t.Errorf("expected file inside workdir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(workdir), "escape.txt")); err == nil {
		t.Error("file escaped the workdir")
	}
}

func TestFileEdit_OldTextNotFound(t *testing.T) {
	gateway, _, _ := newTestGateway(t, nil)
	ctx := context.Background()
	gateway.Invoke(ctx, "file_write", map[string]any{"filename": "a.txt", "content": "hello"})
	outcome := gateway.Invoke(ctx, "file_edit", map[string]any{"filename": "a.txt", "old_text": "absent", "new_text": "x"})
	if outcome.OK {
		t.Fatal("expected failure for missing old text")
	}
	if !strings.Contains(outcome.Error, "old text not found") {
		t.Errorf("unexpected error: %s", outcome.Error)
	}
}

func TestShellTool_RunsCommand(t *testing.T) {
	gateway, _, _ := newTestGateway(t, nil)
	outcome := gateway.Invoke(context.Background(), "shell", map[string]any{"command": "echo hello"})
	if !outcome.OK {
		t.Fatalf("shell failed: %s", outcome.Error)
	}
	if !strings.Contains(outcome.Result, "hello") {
		t.Errorf("missing command output: %s", outcome.Result)
	}
	if !strings.Contains(outcome.Result, `"exit_code":0`) {
		t.Errorf("missing exit code: %s", outcome.Result)
	}
}

func TestShellTool_NonZeroExit(t *testing.T) {
	gateway, _, _ := newTestGateway(t, nil)
	outcome := gateway.Invoke(context.Background(), "shell", map[string]any{"command": "exit 3"})
	if !outcome.OK {
		t.Fatalf("non-zero exit should still be a successful observation: %s", outcome.Error)
	}
	if !strings.Contains(outcome.Result, `"exit_code":3`) {
		t.Errorf("missing exit code: %s", outcome.Result)
	}
}

func TestShellTool_Timeout(t *testing.T) {
	gateway, _, _ := newTestGateway(t, func(cfg *GatewayConfig) {
		cfg.ShellTimeout = 100 * time.Millisecond
	})
	outcome := gateway.Invoke(context.Background(), "shell", map[string]any{"command": "sleep 5"})
	if outcome.OK {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(outcome.Error, "timed out") {
		t.Errorf("unexpected error: %s", outcome.Error)
	}
}

func TestBatchWebSurfer_SearchesAndBrowses(t *testing.T) {
	searcher := &fakeSearcher{results: []SearchResult{
		{Title: "A", URL: "https://example.com/a", Snippet: "about a"},
		{Title: "B", URL: "https://example.com/b", Snippet: "about b"},
	}}
	browser := &fakeBrowser{pages: map[string]Page{
		"https://example.com/a": {URL: "https://example.com/a", Title: "A", Content: "content a"},
		"https://example.com/b": {URL: "https://example.com/b", Title: "B", Content: "content b"},
	}}
	gateway, _, _ := newTestGateway(t, func(cfg *GatewayConfig) {
		cfg.Searcher = searcher
		cfg.Browser = browser
	})

	outcome := gateway.Invoke(context.Background(), "batch_web_surfer", map[string]any{
		"queries": []any{"query one", "query two"},
	})
	if !outcome.OK {
		t.Fatalf("batch_web_surfer failed: %s", outcome.Error)
	}
	if len(searcher.queries) != 2 {
		t.Errorf("expected 2 searches, got %d", len(searcher.queries))
	}
	if !strings.Contains(outcome.Result, `"total_pages_browsed":4`) {
		t.Errorf("unexpected browse count: %s", outcome.Result)
	}
}

func TestBatchWebSurfer_DeadLinksSkipped(t *testing.T) {
	searcher := &fakeSearcher{results: []SearchResult{
		{Title: "A", URL: "https://example.com/a", Snippet: "about a"},
		{Title: "Dead", URL: "https://example.com/dead", Snippet: "gone"},
	}}
	browser := &fakeBrowser{pages: map[string]Page{
		"https://example.com/a": {URL: "https://example.com/a", Content: "content a"},
	}}
	gateway, _, _ := newTestGateway(t, func(cfg *GatewayConfig) {
		cfg.Searcher = searcher
		cfg.Browser = browser
	})
	outcome := gateway.Invoke(context.Background(), "batch_web_surfer", map[string]any{"queries": []any{"q"}})
	if !outcome.OK {
		t.Fatalf("batch_web_surfer failed: %s", outcome.Error)
	}
	if !strings.Contains(outcome.Result, `"total_pages_browsed":1`) {
		t.Errorf("dead link should be skipped, got %s", outcome.Result)
	}
}

func TestCrossValidateTool_Status(t *testing.T) {
	searcher := &fakeSearcher{results: []SearchResult{
		{Title: "One", URL: "https://a.com", Snippet: "canberra is the capital of australia"},
		{Title: "Two", URL: "https://b.com", Snippet: "the capital city canberra"},
	}}
	gateway, _, _ := newTestGateway(t, func(cfg *GatewayConfig) {
		cfg.Searcher = searcher
	})
	outcome := gateway.Invoke(context.Background(), "cross_validate", map[string]any{
		"claim": "Canberra is the capital of Australia",
	})
	if !outcome.OK {
		t.Fatalf("cross_validate failed: %s", outcome.Error)
	}
	if !strings.Contains(outcome.Result, `"status":"supported"`) {
		t.Errorf("expected supported status: %s", outcome.Result)
	}
}

func TestReflectTool_EchoesStructure(t *testing.T) {
	gateway, _, _ := newTestGateway(t, nil)
	outcome := gateway.Invoke(context.Background(), "reflect", map[string]any{
		"context":  "researching capitals",
		"question": "are any claims unverified?",
	})
	if !outcome.OK {
		t.Fatalf("reflect failed: %s", outcome.Error)
	}
	if !strings.Contains(outcome.Result, "are any claims unverified?") {
		t.Errorf("reflection question not echoed: %s", outcome.Result)
	}
}
