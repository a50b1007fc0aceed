package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/quillworks/deepresearch/internal/compare"
	"github.com/quillworks/deepresearch/internal/config"
	"github.com/quillworks/deepresearch/internal/events"
	"github.com/quillworks/deepresearch/internal/store"
	"github.com/quillworks/deepresearch/internal/telemetry"
)

type Server struct {
	store      store.Store
	broker     Broker
	workflows  WorkflowService
	comparator *compare.Comparator
	telemetry  *telemetry.Collector
	cfg        config.Config
}

type Broker interface {
	Publish(event events.RunEvent)
	Subscribe(ctx context.Context, runID string) <-chan events.RunEvent
}

type WorkflowService interface {
	StartRun(ctx context.Context, runID string) error
	SignalQuery(ctx context.Context, runID string, query string) error
	CancelRun(ctx context.Context, runID string) error
}

func NewServer(st store.Store, broker Broker, workflows WorkflowService, collector *telemetry.Collector, cfg config.Config) *Server {
	return &Server{
		store:      st,
		broker:     broker,
		workflows:  workflows,
		comparator: compare.New(st),
		telemetry:  collector,
		cfg:        cfg,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/runs", s.createRun)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)
	r.Delete("/runs/{id}", s.deleteRun)
	r.Post("/runs/{id}/query", s.signalQuery)
	r.Post("/runs/{id}/cancel", s.cancelRun)
	r.Post("/runs/{id}/events", s.ingestEvent)
	r.Get("/runs/{id}/events", s.streamEvents)
	r.Get("/runs/{id}/evidence", s.listEvidence)
	r.Get("/runs/{id}/claims", s.listClaims)
	r.Get("/runs/{id}/tool-events", s.listToolEvents)
	r.Get("/runs/{id}/todos", s.listTodos)
	r.Get("/runs/{id}/report", s.getReport)
	r.Get("/runs/{id}/metrics", s.getRunMetrics)
	r.Get("/runs/{id}/export", s.exportRun)
	r.Get("/runs/{id}/compare/{other}", s.compareRuns)
	r.Post("/eval/pairwise", s.createJudgment)
	r.Get("/eval/pairwise", s.listJudgments)
	r.Get("/eval/summary", s.evalSummary)
	r.Get("/scenarios", s.listScenarios)
	r.Get("/scenarios/{id}", s.getScenario)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	if s.telemetry != nil {
		r.Method(http.MethodGet, "/metrics", s.telemetry.Handler())
	}

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodPost && strings.HasSuffix(cleanPath, "/events") {
		return true
	}
	if method == http.MethodGet && strings.HasSuffix(cleanPath, "/events") {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/runs" || cleanPath == "/metrics") {
		return true
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if _, err := s.store.ListRuns(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	if s.workflows == nil {
		subsystems["workflows"] = subsystemStatus{Status: "skipped"}
	} else {
		subsystems["workflows"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

type ingestEventRequest struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp string         `json:"timestamp"`
	TraceID   string         `json:"trace_id"`
	Payload   map[string]any `json:"payload"`
}

type eventResponse struct {
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	TraceID   string         `json:"trace_id"`
	Payload   map[string]any `json:"payload"`
}

// ingestEvent appends a worker event to the run log and answers with the
// event as stored. Workers rely on the assigned sequence number in the
// response to keep their local view replay-consistent.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "event type required", http.StatusBadRequest)
		return
	}
	if strings.Contains(req.Type, "_") {
		http.Error(w, "event type must use dot notation", http.StatusBadRequest)
		return
	}

	timestamp := req.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "worker"
	}

	seq, err := s.store.NextSeq(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	event := store.RunEvent{
		RunID:     runID,
		Seq:       seq,
		Type:      events.NormalizeType(req.Type),
		Timestamp: timestamp,
		Source:    source,
		TraceID:   strings.TrimSpace(req.TraceID),
		Payload:   req.Payload,
	}
	if event.TraceID == "" {
		event.TraceID = uuid.New().String()
	}
	if err := s.store.AppendEvent(r.Context(), event); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.observe(event)
	s.broker.Publish(toEvent(event))

	writeJSONStatus(w, toEventResponse(event), http.StatusCreated)
}

// appendEvent persists an orchestrator-sourced event and fans it out to
// subscribers and the telemetry counters.
func (s *Server) appendEvent(ctx context.Context, runID string, eventType string, payload map[string]any) (store.RunEvent, error) {
	seq, err := s.store.NextSeq(ctx, runID)
	if err != nil {
		return store.RunEvent{}, err
	}
	event := store.RunEvent{
		RunID:     runID,
		Seq:       seq,
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    "orchestrator",
		TraceID:   uuid.New().String(),
		Payload:   payload,
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		return store.RunEvent{}, err
	}
	s.observe(event)
	s.broker.Publish(toEvent(event))
	return event, nil
}

func (s *Server) observe(event store.RunEvent) {
	if s.telemetry != nil {
		s.telemetry.Observe(event)
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	afterSeq := parseAfterSeq(runID, r)
	stored, err := s.store.ListEvents(ctx, runID, afterSeq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, event := range stored {
		sendSSE(w, toEvent(event))
		flusher.Flush()
	}

	eventsChan := s.broker.Subscribe(ctx, runID)
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-eventsChan:
			if !ok {
				return
			}
			sendSSE(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, event events.RunEvent) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %s:%d\n", event.RunID, event.Seq)
	fmt.Fprint(w, "event: run_event\n")
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func toEvent(event store.RunEvent) events.RunEvent {
	return events.RunEvent{
		RunID:   event.RunID,
		Seq:     event.Seq,
		Type:    events.NormalizeType(event.Type),
		Ts:      event.Timestamp,
		Source:  event.Source,
		TraceID: event.TraceID,
		Payload: event.Payload,
	}
}

func toEventResponse(event store.RunEvent) eventResponse {
	return eventResponse{
		RunID:     event.RunID,
		Seq:       event.Seq,
		Type:      event.Type,
		Timestamp: event.Timestamp,
		Source:    event.Source,
		TraceID:   event.TraceID,
		Payload:   event.Payload,
	}
}

// parseAfterSeq resolves the resume point for an SSE subscriber. The
// after_seq query parameter wins; otherwise the standard Last-Event-ID
// header is parsed as "runID:seq".
func parseAfterSeq(runID string, r *http.Request) int64 {
	afterParam := strings.TrimSpace(r.URL.Query().Get("after_seq"))
	if afterParam != "" {
		if parsed, err := strconv.ParseInt(afterParam, 10, 64); err == nil {
			return parsed
		}
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		return 0
	}
	parts := strings.Split(lastEventID, ":")
	if len(parts) != 2 {
		return 0
	}
	if parts[0] != runID {
		return 0
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server.ListenAndServe()
}
