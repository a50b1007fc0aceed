package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/quillworks/deepresearch/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"runs",
		"run_events",
		"run_event_sequences",
		"tool_events",
		"evidence",
		"claims",
		"todos",
		"reports",
		"run_metrics",
		"pairwise_judgments",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run infra/migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) CreateRun(ctx context.Context, run store.Run) error {
	status := strings.TrimSpace(run.Status)
	if status == "" {
		status = store.StatusPending
	}
	phase := strings.TrimSpace(run.Phase)
	if phase == "" {
		phase = store.PhasePlanning
	}
	configBytes, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO runs (
			id,
			query,
			status,
			phase,
			completion_reason,
			error,
			config,
			created_at,
			updated_at,
			started_at,
			completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		run.ID,
		run.Query,
		status,
		phase,
		nullString(run.CompletionReason),
		nullString(run.Error),
		configBytes,
		run.CreatedAt,
		run.UpdatedAt,
		parseTimestampNull(run.StartedAt),
		parseTimestampNull(run.CompletedAt),
	)
	return err
}

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	const query = `
		SELECT id, query, status, phase, completion_reason, error, config, created_at, updated_at, started_at, completed_at
		FROM runs
		WHERE id = $1
	`
	var createdAt time.Time
	var updatedAt time.Time
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	var completionReason sql.NullString
	var runError sql.NullString
	var configBytes []byte
	run := store.Run{}
	if err := p.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID,
		&run.Query,
		&run.Status,
		&run.Phase,
		&completionReason,
		&runError,
		&configBytes,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if completionReason.Valid {
		run.CompletionReason = completionReason.String
	}
	if runError.Valid {
		run.Error = runError.String
	}
	if len(configBytes) > 0 {
		if err := json.Unmarshal(configBytes, &run.Config); err != nil {
			return nil, err
		}
	}
	run.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	run.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	if startedAt.Valid {
		run.StartedAt = startedAt.Time.UTC().Format(time.RFC3339Nano)
	}
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time.UTC().Format(time.RFC3339Nano)
	}
	return &run, nil
}

func (p *PostgresStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	const query = `
		SELECT
			r.id,
			r.query,
			r.status,
			r.phase,
			r.completion_reason,
			r.config->>'engine' AS engine,
			r.created_at,
			COALESCE(latest.timestamp, r.updated_at) AS updated_at,
			COALESCE(counts.event_count, 0) AS event_count
		FROM runs r
		LEFT JOIN LATERAL (
			SELECT timestamp
			FROM run_events
			WHERE run_id = r.id
			ORDER BY seq DESC
			LIMIT 1
		) latest ON true
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS event_count
			FROM run_events
			WHERE run_id = r.id
		) counts ON true
		ORDER BY r.created_at DESC
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunSummary{}
	for rows.Next() {
		var createdAt time.Time
		var updatedAt time.Time
		var completionReason sql.NullString
		var engine sql.NullString
		var summary store.RunSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.Query,
			&summary.Status,
			&summary.Phase,
			&completionReason,
			&engine,
			&createdAt,
			&updatedAt,
			&summary.EventCount,
		); err != nil {
			return nil, err
		}
		if completionReason.Valid {
			summary.CompletionReason = completionReason.String
		}
		if engine.Valid {
			summary.Engine = engine.String
		}
		summary.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		summary.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
		results = append(results, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM runs WHERE id = $1", runID)
	return err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	event.Type = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event.Type)), "_", ".")
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	timestamp := event.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	timestampValue := parseTimestampValue(timestamp)
	traceID := strings.TrimSpace(event.TraceID)
	var traceIDValue any
	if traceID == "" {
		traceIDValue = nil
	} else if _, err := uuid.Parse(traceID); err != nil {
		traceIDValue = nil
	} else {
		traceIDValue = traceID
	}
	const query = `
		INSERT INTO run_events (run_id, seq, type, timestamp, source, trace_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, query, event.RunID, event.Seq, event.Type, timestampValue, event.Source, traceIDValue, encoded); err != nil {
		return err
	}
	if err = applyRunStateUpdateTx(ctx, tx, event); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	const query = `
		SELECT run_id, seq, type, timestamp, source, trace_id, payload
		FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunEvent{}
	for rows.Next() {
		var payloadBytes []byte
		var timestamp time.Time
		var traceID sql.NullString
		var event store.RunEvent
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &timestamp, &event.Source, &traceID, &payloadBytes); err != nil {
			return nil, err
		}
		event.Timestamp = timestamp.UTC().Format(time.RFC3339Nano)
		if traceID.Valid {
			event.TraceID = traceID.String
		}
		event.Payload = decodeJSONMap(payloadBytes)
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	const query = `
		INSERT INTO run_event_sequences (run_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (run_id)
		DO UPDATE SET last_seq = run_event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, runID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (p *PostgresStore) AppendToolEvent(ctx context.Context, event store.ToolEvent) error {
	args := event.Args
	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO tool_events (id, run_id, tool, args, status, result, error, spilled_to, duration_ms, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		event.ID,
		event.RunID,
		event.Tool,
		encoded,
		event.Status,
		event.Result,
		nullString(event.Error),
		nullString(event.SpilledTo),
		event.DurationMS,
		parseTimestampValue(event.StartedAt),
		parseTimestampNull(event.CompletedAt),
	)
	return err
}

func (p *PostgresStore) ListToolEvents(ctx context.Context, runID string) ([]store.ToolEvent, error) {
	const query = `
		SELECT id, run_id, tool, args, status, result, error, spilled_to, duration_ms, started_at, completed_at
		FROM tool_events
		WHERE run_id = $1
		ORDER BY started_at ASC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ToolEvent{}
	for rows.Next() {
		var argsBytes []byte
		var startedAt time.Time
		var completedAt sql.NullTime
		var toolError sql.NullString
		var spilledTo sql.NullString
		var event store.ToolEvent
		if err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Tool,
			&argsBytes,
			&event.Status,
			&event.Result,
			&toolError,
			&spilledTo,
			&event.DurationMS,
			&startedAt,
			&completedAt,
		); err != nil {
			return nil, err
		}
		event.Args = decodeJSONMap(argsBytes)
		if toolError.Valid {
			event.Error = toolError.String
		}
		if spilledTo.Valid {
			event.SpilledTo = spilledTo.String
		}
		event.StartedAt = startedAt.UTC().Format(time.RFC3339Nano)
		if completedAt.Valid {
			event.CompletedAt = completedAt.Time.UTC().Format(time.RFC3339Nano)
		}
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) UpsertEvidence(ctx context.Context, evidence store.Evidence) error {
	corroboratingBytes, err := json.Marshal(evidence.Corroborating)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO evidence (
			id,
			run_id,
			url,
			normalized_url,
			title,
			snippet,
			tier,
			score,
			tier_reason,
			cross_validated,
			corroborating,
			retrieved_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13)
		ON CONFLICT (id)
		DO UPDATE SET
			title = EXCLUDED.title,
			snippet = EXCLUDED.snippet,
			tier = EXCLUDED.tier,
			score = EXCLUDED.score,
			tier_reason = EXCLUDED.tier_reason,
			cross_validated = EXCLUDED.cross_validated,
			corroborating = EXCLUDED.corroborating,
			updated_at = EXCLUDED.updated_at
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		evidence.ID,
		evidence.RunID,
		evidence.URL,
		evidence.NormalizedURL,
		evidence.Title,
		evidence.Snippet,
		evidence.Tier,
		evidence.Score,
		nullString(evidence.TierReason),
		evidence.CrossValidated,
		corroboratingBytes,
		parseTimestampValue(evidence.RetrievedAt),
		parseTimestampValue(evidence.UpdatedAt),
	)
	return err
}

func (p *PostgresStore) ListEvidence(ctx context.Context, runID string) ([]store.Evidence, error) {
	const query = `
		SELECT id, run_id, url, normalized_url, title, snippet, tier, score, tier_reason, cross_validated, corroborating, retrieved_at, updated_at
		FROM evidence
		WHERE run_id = $1
		ORDER BY retrieved_at ASC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Evidence{}
	for rows.Next() {
		var tierReason sql.NullString
		var corroboratingBytes []byte
		var retrievedAt time.Time
		var updatedAt time.Time
		var evidence store.Evidence
		if err := rows.Scan(
			&evidence.ID,
			&evidence.RunID,
			&evidence.URL,
			&evidence.NormalizedURL,
			&evidence.Title,
			&evidence.Snippet,
			&evidence.Tier,
			&evidence.Score,
			&tierReason,
			&evidence.CrossValidated,
			&corroboratingBytes,
			&retrievedAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		if tierReason.Valid {
			evidence.TierReason = tierReason.String
		}
		evidence.Corroborating = decodeStringSlice(corroboratingBytes)
		evidence.RetrievedAt = retrievedAt.UTC().Format(time.RFC3339Nano)
		evidence.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
		results = append(results, evidence)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) UpsertClaim(ctx context.Context, claim store.Claim) error {
	evidenceBytes, err := json.Marshal(claim.EvidenceIDs)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO claims (id, run_id, text, status, confidence, evidence_ids, section, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
		ON CONFLICT (id)
		DO UPDATE SET
			text = EXCLUDED.text,
			status = EXCLUDED.status,
			confidence = EXCLUDED.confidence,
			evidence_ids = EXCLUDED.evidence_ids,
			section = EXCLUDED.section,
			updated_at = EXCLUDED.updated_at
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		claim.ID,
		claim.RunID,
		claim.Text,
		claim.Status,
		claim.Confidence,
		evidenceBytes,
		claim.Section,
		parseTimestampValue(claim.CreatedAt),
		parseTimestampValue(claim.UpdatedAt),
	)
	return err
}

func (p *PostgresStore) ListClaims(ctx context.Context, runID string) ([]store.Claim, error) {
	const query = `
		SELECT id, run_id, text, status, confidence, evidence_ids, section, created_at, updated_at
		FROM claims
		WHERE run_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Claim{}
	for rows.Next() {
		var evidenceBytes []byte
		var createdAt time.Time
		var updatedAt time.Time
		var claim store.Claim
		if err := rows.Scan(
			&claim.ID,
			&claim.RunID,
			&claim.Text,
			&claim.Status,
			&claim.Confidence,
			&evidenceBytes,
			&claim.Section,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		claim.EvidenceIDs = decodeStringSlice(evidenceBytes)
		claim.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		claim.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
		results = append(results, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) SaveReport(ctx context.Context, report store.Report) error {
	sectionsBytes, err := json.Marshal(report.Sections)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO reports (run_id, title, format, sections, version, finalized, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
		ON CONFLICT (run_id)
		DO UPDATE SET
			title = EXCLUDED.title,
			format = EXCLUDED.format,
			sections = EXCLUDED.sections,
			version = EXCLUDED.version,
			finalized = EXCLUDED.finalized,
			updated_at = EXCLUDED.updated_at
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		report.RunID,
		report.Title,
		report.Format,
		sectionsBytes,
		report.Version,
		report.Finalized,
		parseTimestampValue(report.CreatedAt),
		parseTimestampValue(report.UpdatedAt),
	)
	return err
}

func (p *PostgresStore) GetReport(ctx context.Context, runID string) (*store.Report, error) {
	const query = `
		SELECT run_id, title, format, sections, version, finalized, created_at, updated_at
		FROM reports
		WHERE run_id = $1
	`
	var sectionsBytes []byte
	var createdAt time.Time
	var updatedAt time.Time
	report := store.Report{}
	if err := p.db.QueryRowContext(ctx, query, runID).Scan(
		&report.RunID,
		&report.Title,
		&report.Format,
		&sectionsBytes,
		&report.Version,
		&report.Finalized,
		&createdAt,
		&updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if len(sectionsBytes) > 0 {
		if err := json.Unmarshal(sectionsBytes, &report.Sections); err != nil {
			return nil, err
		}
	}
	report.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	report.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return &report, nil
}

func (p *PostgresStore) ReplaceTodos(ctx context.Context, runID string, items []store.TodoItem) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DELETE FROM todos WHERE run_id = $1", runID); err != nil {
		return err
	}
	const query = `
		INSERT INTO todos (id, run_id, parent_id, text, status, position, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, item := range items {
		if _, err = tx.ExecContext(
			ctx,
			query,
			item.ID,
			runID,
			nullString(item.ParentID),
			item.Text,
			item.Status,
			item.Position,
			parseTimestampValue(item.CreatedAt),
			parseTimestampNull(item.CompletedAt),
		); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListTodos(ctx context.Context, runID string) ([]store.TodoItem, error) {
	const query = `
		SELECT id, run_id, parent_id, text, status, position, created_at, completed_at
		FROM todos
		WHERE run_id = $1
		ORDER BY position ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.TodoItem{}
	for rows.Next() {
		var parentID sql.NullString
		var createdAt time.Time
		var completedAt sql.NullTime
		var item store.TodoItem
		if err := rows.Scan(
			&item.ID,
			&item.RunID,
			&parentID,
			&item.Text,
			&item.Status,
			&item.Position,
			&createdAt,
			&completedAt,
		); err != nil {
			return nil, err
		}
		if parentID.Valid {
			item.ParentID = parentID.String
		}
		item.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		if completedAt.Valid {
			item.CompletedAt = completedAt.Time.UTC().Format(time.RFC3339Nano)
		}
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) SaveMetrics(ctx context.Context, metrics store.RunMetrics) error {
	byKindBytes, err := json.Marshal(orEmptyCounts(metrics.ToolCallsByKind))
	if err != nil {
		return err
	}
	mixBytes, err := json.Marshal(orEmptyCounts(metrics.CitationAuthorityMix))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO run_metrics (
			run_id,
			total_tool_calls,
			tool_calls_by_kind,
			input_tokens,
			output_tokens,
			cost_estimate_usd,
			latency_ms,
			reflection_steps,
			cross_validation_events,
			citation_count,
			citation_authority_mix,
			unsupported_claims,
			context_spill_events,
			patch_edit_savings_pct,
			updated_at
		)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14, $15)
		ON CONFLICT (run_id)
		DO UPDATE SET
			total_tool_calls = EXCLUDED.total_tool_calls,
			tool_calls_by_kind = EXCLUDED.tool_calls_by_kind,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			cost_estimate_usd = EXCLUDED.cost_estimate_usd,
			latency_ms = EXCLUDED.latency_ms,
			reflection_steps = EXCLUDED.reflection_steps,
			cross_validation_events = EXCLUDED.cross_validation_events,
			citation_count = EXCLUDED.citation_count,
			citation_authority_mix = EXCLUDED.citation_authority_mix,
			unsupported_claims = EXCLUDED.unsupported_claims,
			context_spill_events = EXCLUDED.context_spill_events,
			patch_edit_savings_pct = EXCLUDED.patch_edit_savings_pct,
			updated_at = EXCLUDED.updated_at
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		metrics.RunID,
		metrics.TotalToolCalls,
		byKindBytes,
		metrics.InputTokens,
		metrics.OutputTokens,
		metrics.CostEstimateUSD,
		metrics.LatencyMS,
		metrics.ReflectionSteps,
		metrics.CrossValidationEvents,
		metrics.CitationCount,
		mixBytes,
		metrics.UnsupportedClaims,
		metrics.ContextSpillEvents,
		metrics.PatchEditSavingsPct,
		parseTimestampValue(metrics.UpdatedAt),
	)
	return err
}

func (p *PostgresStore) GetMetrics(ctx context.Context, runID string) (*store.RunMetrics, error) {
	const query = `
		SELECT run_id, total_tool_calls, tool_calls_by_kind, input_tokens, output_tokens, cost_estimate_usd,
			latency_ms, reflection_steps, cross_validation_events, citation_count, citation_authority_mix,
			unsupported_claims, context_spill_events, patch_edit_savings_pct, updated_at
		FROM run_metrics
		WHERE run_id = $1
	`
	var byKindBytes []byte
	var mixBytes []byte
	var updatedAt time.Time
	metrics := store.RunMetrics{}
	if err := p.db.QueryRowContext(ctx, query, runID).Scan(
		&metrics.RunID,
		&metrics.TotalToolCalls,
		&byKindBytes,
		&metrics.InputTokens,
		&metrics.OutputTokens,
		&metrics.CostEstimateUSD,
		&metrics.LatencyMS,
		&metrics.ReflectionSteps,
		&metrics.CrossValidationEvents,
		&metrics.CitationCount,
		&mixBytes,
		&metrics.UnsupportedClaims,
		&metrics.ContextSpillEvents,
		&metrics.PatchEditSavingsPct,
		&updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	metrics.ToolCallsByKind = decodeCounts(byKindBytes)
	metrics.CitationAuthorityMix = decodeCounts(mixBytes)
	metrics.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return &metrics, nil
}

func (p *PostgresStore) CreateJudgment(ctx context.Context, judgment store.PairwiseJudgment) error {
	scoresABytes, err := json.Marshal(orEmptyScores(judgment.ScoresA))
	if err != nil {
		return err
	}
	scoresBBytes, err := json.Marshal(orEmptyScores(judgment.ScoresB))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO pairwise_judgments (id, run_a, run_b, winner, scores_a, scores_b, judge, notes, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9)
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		judgment.ID,
		judgment.RunA,
		judgment.RunB,
		judgment.Winner,
		scoresABytes,
		scoresBBytes,
		nullString(judgment.Judge),
		nullString(judgment.Notes),
		parseTimestampValue(judgment.CreatedAt),
	)
	return err
}

func (p *PostgresStore) ListJudgments(ctx context.Context) ([]store.PairwiseJudgment, error) {
	const query = `
		SELECT id, run_a, run_b, winner, scores_a, scores_b, judge, notes, created_at
		FROM pairwise_judgments
		ORDER BY created_at ASC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.PairwiseJudgment{}
	for rows.Next() {
		var scoresABytes []byte
		var scoresBBytes []byte
		var judge sql.NullString
		var notes sql.NullString
		var createdAt time.Time
		var judgment store.PairwiseJudgment
		if err := rows.Scan(
			&judgment.ID,
			&judgment.RunA,
			&judgment.RunB,
			&judgment.Winner,
			&scoresABytes,
			&scoresBBytes,
			&judge,
			&notes,
			&createdAt,
		); err != nil {
			return nil, err
		}
		judgment.ScoresA = decodeScores(scoresABytes)
		judgment.ScoresB = decodeScores(scoresBBytes)
		if judge.Valid {
			judgment.Judge = judge.String
		}
		if notes.Valid {
			judgment.Notes = notes.String
		}
		judgment.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		results = append(results, judgment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// applyRunStateUpdateTx projects lifecycle events onto the runs row. The
// status guard keeps terminal runs terminal even if late events arrive.
func applyRunStateUpdateTx(ctx context.Context, tx *sql.Tx, event store.RunEvent) error {
	eventType := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event.Type)), "_", ".")
	if eventType == "" {
		return nil
	}
	phase := ""
	status := ""
	completionReason := ""
	errorMessage := ""

	switch eventType {
	case "run.started":
		status = store.StatusRunning
		phase = store.PhasePlanning
	case "run.phase.changed":
		phase = readPayloadString(event.Payload, "phase")
	case "run.completed":
		status = store.StatusSucceeded
		phase = store.PhaseCompleted
		completionReason = readPayloadString(event.Payload, "completion_reason")
	case "run.failed":
		status = store.StatusFailed
		completionReason = readPayloadString(event.Payload, "completion_reason")
		if completionReason == "" {
			completionReason = "activity_error"
		}
		errorMessage = readPayloadString(event.Payload, "error")
	case "run.cancelled":
		status = store.StatusCancelled
		completionReason = "user_cancelled"
	default:
		return nil
	}

	query := `
		UPDATE runs
		SET
			status = COALESCE(NULLIF($2, ''), status),
			phase = COALESCE(NULLIF($3, ''), phase),
			completion_reason = CASE
				WHEN NULLIF($4, '') IS NOT NULL THEN $4
				ELSE completion_reason
			END,
			error = CASE
				WHEN NULLIF($5, '') IS NOT NULL THEN $5
				ELSE error
			END,
			started_at = CASE
				WHEN $2 = 'running' AND started_at IS NULL THEN $6
				ELSE started_at
			END,
			completed_at = CASE
				WHEN $2 IN ('succeeded', 'failed', 'cancelled') THEN $6
				ELSE completed_at
			END,
			updated_at = $6
		WHERE id = $1
			AND status NOT IN ('succeeded', 'failed', 'cancelled')
	`
	_, err := tx.ExecContext(
		ctx,
		query,
		event.RunID,
		status,
		phase,
		nullString(completionReason),
		nullString(errorMessage),
		parseTimestampValue(event.Timestamp),
	)
	return err
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}

func parseTimestampNull(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	return parsed.UTC()
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func decodeStringSlice(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	values := []string{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

func decodeJSONMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

func decodeCounts(raw []byte) map[string]int64 {
	if len(raw) == 0 {
		return map[string]int64{}
	}
	counts := map[string]int64{}
	if err := json.Unmarshal(raw, &counts); err != nil {
		return map[string]int64{}
	}
	return counts
}

func decodeScores(raw []byte) map[string]int {
	if len(raw) == 0 {
		return nil
	}
	scores := map[string]int{}
	if err := json.Unmarshal(raw, &scores); err != nil {
		return nil
	}
	if len(scores) == 0 {
		return nil
	}
	return scores
}

func orEmptyCounts(counts map[string]int64) map[string]int64 {
	if counts == nil {
		return map[string]int64{}
	}
	return counts
}

func orEmptyScores(scores map[string]int) map[string]int {
	if scores == nil {
		return map[string]int{}
	}
	return scores
}

func readPayloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	value, ok := payload[key]
	if !ok {
		return ""
	}
	text, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(text)
}
