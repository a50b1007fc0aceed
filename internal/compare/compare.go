// Package compare diffs finished research runs and aggregates pairwise
// judgments into per-engine standings.
package compare

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/quillworks/deepresearch/internal/store"
)

// ErrRunNotFound is returned when a comparison names an unknown run.
var ErrRunNotFound = errors.New("run not found")

// StatusMissing marks a claim absent from one side of the diff.
const StatusMissing = "missing"

// ClaimDiff is one row of the claim-level comparison, keyed by normalized
// claim text.
type ClaimDiff struct {
	Text      string `json:"text"`
	InBoth    bool   `json:"in_both"`
	StatusA   string `json:"status_a"`
	StatusB   string `json:"status_b"`
	EvidenceA int    `json:"evidence_a"`
	EvidenceB int    `json:"evidence_b"`
}

// Comparison is the offline diff of two finished runs.
type Comparison struct {
	RunA           string             `json:"run_a"`
	RunB           string             `json:"run_b"`
	EngineA        string             `json:"engine_a"`
	EngineB        string             `json:"engine_b"`
	Claims         []ClaimDiff        `json:"claims"`
	MetricDeltas   map[string]float64 `json:"metric_deltas"`
	AuthorityMixA  map[string]int64   `json:"authority_mix_a"`
	AuthorityMixB  map[string]int64   `json:"authority_mix_b"`
	SharedClaims   int                `json:"shared_claims"`
	OnlyInA        int                `json:"only_in_a"`
	OnlyInB        int                `json:"only_in_b"`
	StatusConflict int                `json:"status_conflicts"`
}

// Comparator loads run artifacts from the store and produces comparisons.
type Comparator struct {
	store store.Store
}

func New(st store.Store) *Comparator {
	return &Comparator{store: st}
}

// Compare diffs two finished runs. Both runs must have left the
// pending/running states; partial artifacts from failed runs are still
// comparable.
func (c *Comparator) Compare(ctx context.Context, runAID, runBID string) (*Comparison, error) {
	runA, err := c.finishedRun(ctx, runAID)
	if err != nil {
		return nil, err
	}
	runB, err := c.finishedRun(ctx, runBID)
	if err != nil {
		return nil, err
	}

	claimsA, err := c.store.ListClaims(ctx, runAID)
	if err != nil {
		return nil, fmt.Errorf("loading claims for %s: %w", runAID, err)
	}
	claimsB, err := c.store.ListClaims(ctx, runBID)
	if err != nil {
		return nil, fmt.Errorf("loading claims for %s: %w", runBID, err)
	}

	out := &Comparison{
		RunA:    runAID,
		RunB:    runBID,
		EngineA: runA.Config.Engine,
		EngineB: runB.Config.Engine,
		Claims:  DiffClaims(claimsA, claimsB),
	}
	for _, row := range out.Claims {
		switch {
		case row.InBoth:
			out.SharedClaims++
			if row.StatusA != row.StatusB {
				out.StatusConflict++
			}
		case row.StatusB == StatusMissing:
			out.OnlyInA++
		default:
			out.OnlyInB++
		}
	}

	metricsA, err := c.store.GetMetrics(ctx, runAID)
	if err != nil {
		return nil, fmt.Errorf("loading metrics for %s: %w", runAID, err)
	}
	metricsB, err := c.store.GetMetrics(ctx, runBID)
	if err != nil {
		return nil, fmt.Errorf("loading metrics for %s: %w", runBID, err)
	}
	// A finished run may have no metrics snapshot yet; treat that as zeros
	// so the deltas stay well defined.
	var valuesA, valuesB store.RunMetrics
	if metricsA != nil {
		valuesA = *metricsA
	}
	if metricsB != nil {
		valuesB = *metricsB
	}
	out.MetricDeltas = MetricDeltas(valuesA, valuesB)
	out.AuthorityMixA = copyMix(valuesA.CitationAuthorityMix)
	out.AuthorityMixB = copyMix(valuesB.CitationAuthorityMix)
	return out, nil
}

func (c *Comparator) finishedRun(ctx context.Context, runID string) (*store.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if run.Status == store.StatusPending || run.Status == store.StatusRunning {
		return nil, fmt.Errorf("run %s has not finished (status %s)", runID, run.Status)
	}
	return run, nil
}

// DiffClaims joins two claim sets by normalized text. Rows are sorted by
// normalized text so the diff is stable across calls.
func DiffClaims(claimsA, claimsB []store.Claim) []ClaimDiff {
	type side struct {
		status   string
		evidence int
	}
	index := func(claims []store.Claim) map[string]side {
		out := make(map[string]side, len(claims))
		for _, claim := range claims {
			key := NormalizeClaimText(claim.Text)
			if key == "" {
				continue
			}
			if _, seen := out[key]; !seen {
				out[key] = side{status: claim.Status, evidence: len(claim.EvidenceIDs)}
			}
		}
		return out
	}
	sideA := index(claimsA)
	sideB := index(claimsB)

	keys := make([]string, 0, len(sideA)+len(sideB))
	for key := range sideA {
		keys = append(keys, key)
	}
	for key := range sideB {
		if _, dup := sideA[key]; !dup {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	diffs := make([]ClaimDiff, 0, len(keys))
	for _, key := range keys {
		row := ClaimDiff{Text: key, StatusA: StatusMissing, StatusB: StatusMissing}
		a, inA := sideA[key]
		b, inB := sideB[key]
		if inA {
			row.StatusA = a.status
			row.EvidenceA = a.evidence
		}
		if inB {
			row.StatusB = b.status
			row.EvidenceB = b.evidence
		}
		row.InBoth = inA && inB
		diffs = append(diffs, row)
	}
	return diffs
}

// NormalizeClaimText lowercases, collapses whitespace, and strips trailing
// sentence punctuation so near-identical claim phrasings join.
func NormalizeClaimText(text string) string {
	text = strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strings.TrimRight(text, ".!? ")
}

// MetricDeltas returns B minus A for every numeric run metric.
func MetricDeltas(a, b store.RunMetrics) map[string]float64 {
	return map[string]float64{
		"total_tool_calls":        float64(b.TotalToolCalls - a.TotalToolCalls),
		"input_tokens":            float64(b.InputTokens - a.InputTokens),
		"output_tokens":           float64(b.OutputTokens - a.OutputTokens),
		"cost_estimate_usd":       b.CostEstimateUSD - a.CostEstimateUSD,
		"latency_ms":              float64(b.LatencyMS - a.LatencyMS),
		"reflection_steps":        float64(b.ReflectionSteps - a.ReflectionSteps),
		"cross_validation_events": float64(b.CrossValidationEvents - a.CrossValidationEvents),
		"citation_count":          float64(b.CitationCount - a.CitationCount),
		"unsupported_claims":      float64(b.UnsupportedClaims - a.UnsupportedClaims),
		"context_spill_events":    float64(b.ContextSpillEvents - a.ContextSpillEvents),
		"patch_edit_savings_pct":  b.PatchEditSavingsPct - a.PatchEditSavingsPct,
	}
}

func copyMix(input map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}
