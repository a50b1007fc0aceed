package research

import (
	"time"

	"github.com/quillworks/deepresearch/internal/store"
)

// CostRates converts token counts to a cost estimate. The same rates must
// be used for incremental aggregation and replay or the replay-consistency
// invariant cannot hold.
type CostRates struct {
	PerThousandIn  float64
	PerThousandOut float64
}

// Aggregator derives RunMetrics purely from the run event stream. Feeding
// the same events through Apply one at a time or through FromEvents in one
// replay must produce identical metrics.
type Aggregator struct {
	rates        CostRates
	metrics      store.RunMetrics
	patchSamples int64
	patchTotal   float64
	startedAt    string
}

func NewAggregator(runID string, rates CostRates) *Aggregator {
	return &Aggregator{
		rates: rates,
		metrics: store.RunMetrics{
			RunID:                runID,
			ToolCallsByKind:      make(map[string]int64),
			CitationAuthorityMix: make(map[string]int64),
		},
	}
}

// Apply folds one event into the metrics.
func (a *Aggregator) Apply(event store.RunEvent) {
	switch event.Type {
	case "run.started":
		a.startedAt = event.Timestamp
	case "run.completed", "run.failed", "run.cancelled":
		a.metrics.LatencyMS = latencyMS(a.startedAt, event.Timestamp)
	case "tool.call.completed", "tool.call.failed":
		a.metrics.TotalToolCalls++
		if tool := payloadString(event.Payload, "tool"); tool != "" {
			a.metrics.ToolCallsByKind[tool]++
		}
	case "model.completed":
		a.metrics.InputTokens += payloadInt64(event.Payload, "input_tokens")
		a.metrics.OutputTokens += payloadInt64(event.Payload, "output_tokens")
		a.metrics.CostEstimateUSD = float64(a.metrics.InputTokens)/1000*a.rates.PerThousandIn +
			float64(a.metrics.OutputTokens)/1000*a.rates.PerThousandOut
	case "reflection.started":
		a.metrics.ReflectionSteps++
	case "cross.validation":
		a.metrics.CrossValidationEvents++
	case "evidence.found":
		a.metrics.CitationCount++
		tier := payloadString(event.Payload, "tier")
		if tier == "" {
			tier = store.TierOther
		}
		a.metrics.CitationAuthorityMix[tier]++
	case "claim.extracted":
		if payloadBool(event.Payload, "unsupported") {
			a.metrics.UnsupportedClaims++
		}
	case "claim.verified":
		if payloadBool(event.Payload, "was_unsupported") && a.metrics.UnsupportedClaims > 0 {
			a.metrics.UnsupportedClaims--
		}
	case "context.spill":
		a.metrics.ContextSpillEvents++
	case "report.draft.updated":
		if payloadString(event.Payload, "mode") == "patch" {
			a.patchSamples++
			a.patchTotal += payloadFloat(event.Payload, "savings_percent")
			a.metrics.PatchEditSavingsPct = a.patchTotal / float64(a.patchSamples)
		}
	}
	a.metrics.UpdatedAt = event.Timestamp
}

// Snapshot copies the current metrics.
func (a *Aggregator) Snapshot() store.RunMetrics {
	out := a.metrics
	out.ToolCallsByKind = make(map[string]int64, len(a.metrics.ToolCallsByKind))
	for k, v := range a.metrics.ToolCallsByKind {
		out.ToolCallsByKind[k] = v
	}
	out.CitationAuthorityMix = make(map[string]int64, len(a.metrics.CitationAuthorityMix))
	for k, v := range a.metrics.CitationAuthorityMix {
		out.CitationAuthorityMix[k] = v
	}
	return out
}

// FromEvents replays a full event log into fresh metrics.
func FromEvents(runID string, events []store.RunEvent, rates CostRates) store.RunMetrics {
	agg := NewAggregator(runID, rates)
	for _, event := range events {
		agg.Apply(event)
	}
	return agg.Snapshot()
}

func latencyMS(start, end string) int64 {
	if start == "" || end == "" {
		return 0
	}
	startT, err := time.Parse(time.RFC3339Nano, start)
	if err != nil {
		return 0
	}
	endT, err := time.Parse(time.RFC3339Nano, end)
	if err != nil {
		return 0
	}
	return endT.Sub(startT).Milliseconds()
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, _ := payload[key].(string)
	return v
}

func payloadBool(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	v, _ := payload[key].(bool)
	return v
}

func payloadInt64(payload map[string]any, key string) int64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func payloadFloat(payload map[string]any, key string) float64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
