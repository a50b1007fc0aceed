package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/quillworks/deepresearch/internal/config"
	"github.com/quillworks/deepresearch/internal/events"
	"github.com/quillworks/deepresearch/internal/store"
	"github.com/quillworks/deepresearch/internal/store/memory"
	"github.com/quillworks/deepresearch/internal/telemetry"
)

// fakeWorkflows records workflow calls instead of talking to temporal.
type fakeWorkflows struct {
	mu        sync.Mutex
	started   []string
	queries   map[string]string
	cancelled []string
	signalErr error
}

func newFakeWorkflows() *fakeWorkflows {
	return &fakeWorkflows{queries: map[string]string{}}
}

func (f *fakeWorkflows) StartRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, runID)
	return nil
}

func (f *fakeWorkflows) SignalQuery(ctx context.Context, runID string, query string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	f.queries[runID] = query
	return nil
}

func (f *fakeWorkflows) CancelRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeWorkflows) query(runID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[runID]
}

func (f *fakeWorkflows) cancelCount(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, id := range f.cancelled {
		if id == runID {
			count++
		}
	}
	return count
}

func newTestServer(t *testing.T) (*httptest.Server, *memory.MemoryStore, *fakeWorkflows) {
	t.Helper()
	st := memory.New()
	workflows := newFakeWorkflows()
	server := NewServer(st, events.NewBroker(), workflows, telemetry.NewCollector(), config.Config{DefaultMaxSteps: 50})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts, st, workflows
}

func seedRun(t *testing.T, st *memory.MemoryStore, run store.Run) {
	t.Helper()
	if run.Status == "" {
		run.Status = store.StatusSucceeded
	}
	if run.CreatedAt == "" {
		run.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seeding run %s: %v", run.ID, err)
	}
}

func doRequest(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return resp, data
}

func decodeJSON(t *testing.T, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("decoding response %q: %v", data, err)
	}
}
