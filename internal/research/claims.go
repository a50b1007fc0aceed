package research

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/deepresearch/internal/store"
)

// ErrClaimNotFound is returned for transitions on unknown claim IDs.
var ErrClaimNotFound = fmt.Errorf("claim not found")

// InvalidTransitionError reports a claim status change the state machine
// forbids. Claims never regress to unverified.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid claim transition: %s -> %s", e.From, e.To)
}

// Ledger owns claim verification state for one run.
//
// unverified -> supported (evidence attached)
// supported  -> verified  (>=2 tier-diverse evidence, reflection enabled)
// supported|verified -> refuted|uncertain (contradiction or ambiguity)
// any -> uncertain, never back to unverified.
type Ledger struct {
	evidence *EvidenceStore
	claims   map[string]*store.Claim
	order    []string
}

func NewLedger(evidence *EvidenceStore) *Ledger {
	return &Ledger{
		evidence: evidence,
		claims:   make(map[string]*store.Claim),
	}
}

// Extract registers a new claim. With evidence it starts supported,
// without it starts unverified.
func (l *Ledger) Extract(runID, text string, evidenceIDs []string) store.Claim {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	claim := &store.Claim{
		ID:          uuid.NewString(),
		RunID:       runID,
		Text:        text,
		Status:      store.ClaimUnverified,
		EvidenceIDs: append([]string{}, evidenceIDs...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(evidenceIDs) > 0 {
		claim.Status = store.ClaimSupported
	}
	claim.Confidence = l.confidence(claim)
	l.claims[claim.ID] = claim
	l.order = append(l.order, claim.ID)
	return *claim
}

// AttachEvidence adds evidence to a claim, promoting unverified claims to
// supported. Attaching to refuted or uncertain claims records the evidence
// without changing status; re-evaluation is a separate transition.
func (l *Ledger) AttachEvidence(claimID string, evidenceIDs []string) (store.Claim, error) {
	claim, ok := l.claims[claimID]
	if !ok {
		return store.Claim{}, fmt.Errorf("%w: %s", ErrClaimNotFound, claimID)
	}
	for _, id := range evidenceIDs {
		if !containsString(claim.EvidenceIDs, id) {
			claim.EvidenceIDs = append(claim.EvidenceIDs, id)
		}
	}
	if claim.Status == store.ClaimUnverified && len(claim.EvidenceIDs) > 0 {
		claim.Status = store.ClaimSupported
	}
	l.touch(claim)
	return *claim, nil
}

// Verify promotes a supported claim to verified. Requires at least two
// distinct authority tiers among the claim's evidence.
func (l *Ledger) Verify(claimID string) (store.Claim, error) {
	claim, ok := l.claims[claimID]
	if !ok {
		return store.Claim{}, fmt.Errorf("%w: %s", ErrClaimNotFound, claimID)
	}
	if claim.Status != store.ClaimSupported {
		return store.Claim{}, InvalidTransitionError{From: claim.Status, To: store.ClaimVerified}
	}
	if l.evidence.DistinctTiers(claim.EvidenceIDs) < 2 {
		return store.Claim{}, fmt.Errorf("claim %s lacks tier-diverse evidence for verification", claimID)
	}
	claim.Status = store.ClaimVerified
	l.touch(claim)
	return *claim, nil
}

// Refute demotes a claim on contradicting evidence. Valid from supported,
// verified, and uncertain.
func (l *Ledger) Refute(claimID string) (store.Claim, error) {
	claim, ok := l.claims[claimID]
	if !ok {
		return store.Claim{}, fmt.Errorf("%w: %s", ErrClaimNotFound, claimID)
	}
	switch claim.Status {
	case store.ClaimSupported, store.ClaimVerified, store.ClaimUncertain:
		claim.Status = store.ClaimRefuted
		l.touch(claim)
		return *claim, nil
	default:
		return store.Claim{}, InvalidTransitionError{From: claim.Status, To: store.ClaimRefuted}
	}
}

// MarkUncertain moves a claim to uncertain from any non-terminal state.
func (l *Ledger) MarkUncertain(claimID string) (store.Claim, error) {
	claim, ok := l.claims[claimID]
	if !ok {
		return store.Claim{}, fmt.Errorf("%w: %s", ErrClaimNotFound, claimID)
	}
	if claim.Status == store.ClaimUncertain {
		return *claim, nil
	}
	claim.Status = store.ClaimUncertain
	l.touch(claim)
	return *claim, nil
}

// BindSection records which report section cites the claim. Not a
// verification transition: status and confidence are untouched.
func (l *Ledger) BindSection(claimID, heading string) {
	if claim, ok := l.claims[claimID]; ok {
		claim.Section = heading
	}
}

func (l *Ledger) Get(claimID string) (store.Claim, bool) {
	claim, ok := l.claims[claimID]
	if !ok {
		return store.Claim{}, false
	}
	return *claim, true
}

// List returns claims in extraction order.
func (l *Ledger) List() []store.Claim {
	out := make([]store.Claim, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.claims[id])
	}
	return out
}

// Unsupported counts claims with no attached evidence.
func (l *Ledger) Unsupported() int {
	count := 0
	for _, id := range l.order {
		if len(l.claims[id].EvidenceIDs) == 0 {
			count++
		}
	}
	return count
}

// BelowConfidence lists claims under the threshold that reflection could
// still improve (refuted claims are settled).
func (l *Ledger) BelowConfidence(threshold float64) []store.Claim {
	var out []store.Claim
	for _, id := range l.order {
		claim := l.claims[id]
		if claim.Status == store.ClaimRefuted || claim.Status == store.ClaimVerified {
			continue
		}
		if claim.Confidence < threshold {
			out = append(out, *claim)
		}
	}
	return out
}

func (l *Ledger) touch(claim *store.Claim) {
	claim.Confidence = l.confidence(claim)
	claim.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
}

// confidence is informational, recomputed on every transition from the
// evidence count and the authority mix. Status stays authoritative.
func (l *Ledger) confidence(claim *store.Claim) float64 {
	if claim.Status == store.ClaimRefuted {
		return 0
	}
	if len(claim.EvidenceIDs) == 0 {
		return 0.1
	}
	var sum float64
	counted := 0
	for _, id := range claim.EvidenceIDs {
		if ev, ok := l.evidence.Get(id); ok {
			sum += ev.Score
			counted++
		}
	}
	if counted == 0 {
		return 0.1
	}
	avg := sum / float64(counted)
	// More evidence pushes confidence toward the average authority score.
	conf := avg * (float64(counted) / float64(counted+1))
	if claim.Status == store.ClaimVerified && conf < 0.8 {
		conf = 0.8
	}
	if claim.Status == store.ClaimUncertain && conf > 0.5 {
		conf = 0.5
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
