package research

import "github.com/quillworks/deepresearch/internal/store"

// Reflector bounds the reflection phase. Each pass targets claims below the
// confidence threshold; once the pass budget is spent the loop is forced
// onward to report generation and whatever is left unresolved shows up in
// metrics as unsupported claims, not as a failure.
type Reflector struct {
	maxPasses int
	threshold float64
	passes    int
}

func NewReflector(maxPasses int, threshold float64) *Reflector {
	if maxPasses <= 0 {
		maxPasses = 3
	}
	if threshold <= 0 {
		threshold = 0.6
	}
	return &Reflector{maxPasses: maxPasses, threshold: threshold}
}

// Begin consumes one reflection pass. Returns false when the budget is
// exhausted.
func (r *Reflector) Begin() bool {
	if r.passes >= r.maxPasses {
		return false
	}
	r.passes++
	return true
}

func (r *Reflector) Passes() int {
	return r.passes
}

// Targets picks the claims worth another look this pass.
func (r *Reflector) Targets(ledger *Ledger) []string {
	claims := ledger.BelowConfidence(r.threshold)
	ids := make([]string, 0, len(claims))
	for _, claim := range claims {
		ids = append(ids, claim.ID)
	}
	return ids
}

// CrossValidate marks a claim's evidence as cross-validated and promotes
// the claim to verified when its evidence spans at least two distinct
// authority tiers. Evidence records that corroborate each other are linked
// both ways. Returns the updated claim and whether it was promoted.
func (r *Reflector) CrossValidate(ledger *Ledger, evidence *EvidenceStore, claimID string) (promoted bool, err error) {
	claim, ok := ledger.Get(claimID)
	if !ok {
		return false, ErrClaimNotFound
	}
	if evidence.DistinctTiers(claim.EvidenceIDs) < 2 {
		return false, nil
	}
	for _, id := range claim.EvidenceIDs {
		if markErr := evidence.MarkCrossValidated(id); markErr != nil {
			continue
		}
		for _, other := range claim.EvidenceIDs {
			if other != id {
				_ = evidence.AddCorroborating(id, other)
			}
		}
	}
	if claim.Status != store.ClaimSupported {
		return false, nil
	}
	if _, err := ledger.Verify(claimID); err != nil {
		return false, err
	}
	return true, nil
}
