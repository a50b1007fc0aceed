package research

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/deepresearch/internal/authority"
	"github.com/quillworks/deepresearch/internal/store"
)

// EvidenceStore owns evidence identity and tiering for one run. The
// normalized source URL is the dedup key: re-ingesting a known URL merges
// title and snippet but never re-inserts and never re-tiers (first
// classification wins). Evidence is never deleted within a run.
type EvidenceStore struct {
	runID  string
	policy authority.Policy
	byKey  map[string]*store.Evidence
	byID   map[string]*store.Evidence
	order  []string
}

func NewEvidenceStore(runID string, policy authority.Policy) *EvidenceStore {
	return &EvidenceStore{
		runID:  runID,
		policy: policy,
		byKey:  make(map[string]*store.Evidence),
		byID:   make(map[string]*store.Evidence),
	}
}

// NormalizeURL reduces a URL to its dedup key: lowercased scheme and host,
// no fragment, no trailing slash.
func NormalizeURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return strings.TrimSpace(strings.ToLower(raw))
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	normalized := parsed.String()
	return strings.TrimRight(normalized, "/")
}

// Ingest records a source. Returns the evidence record and whether it was
// newly created (false means the URL was already known and got merged).
func (s *EvidenceStore) Ingest(sourceURL, title, snippet string) (store.Evidence, bool) {
	key := NormalizeURL(sourceURL)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if existing, ok := s.byKey[key]; ok {
		if existing.Title == "" && title != "" {
			existing.Title = title
		}
		if len(snippet) > len(existing.Snippet) {
			existing.Snippet = snippet
		}
		existing.UpdatedAt = now
		return *existing, false
	}

	score := s.policy.Evaluate(sourceURL)
	ev := &store.Evidence{
		ID:            uuid.NewString(),
		RunID:         s.runID,
		URL:           sourceURL,
		NormalizedURL: key,
		Title:         title,
		Snippet:       snippet,
		Tier:          score.Tier,
		Score:         score.Score,
		TierReason:    score.Reason,
		Corroborating: []string{},
		RetrievedAt:   now,
		UpdatedAt:     now,
	}
	s.byKey[key] = ev
	s.byID[ev.ID] = ev
	s.order = append(s.order, key)
	return *ev, true
}

func (s *EvidenceStore) Get(id string) (store.Evidence, bool) {
	ev, ok := s.byID[id]
	if !ok {
		return store.Evidence{}, false
	}
	return *ev, true
}

// MarkCrossValidated sets the monotone cross_validated flag. It is never
// cleared within a run.
func (s *EvidenceStore) MarkCrossValidated(id string) error {
	ev, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("evidence not found: %s", id)
	}
	ev.CrossValidated = true
	ev.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

// AddCorroborating links another evidence record as corroboration.
func (s *EvidenceStore) AddCorroborating(id, otherID string) error {
	ev, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("evidence not found: %s", id)
	}
	for _, existing := range ev.Corroborating {
		if existing == otherID {
			return nil
		}
	}
	ev.Corroborating = append(ev.Corroborating, otherID)
	ev.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

// List returns evidence in insertion order.
func (s *EvidenceStore) List() []store.Evidence {
	out := make([]store.Evidence, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, *s.byKey[key])
	}
	return out
}

func (s *EvidenceStore) Count() int {
	return len(s.order)
}

// DistinctTiers reports how many distinct authority tiers appear among the
// given evidence IDs. Cross-validation needs at least two.
func (s *EvidenceStore) DistinctTiers(ids []string) int {
	tiers := make(map[string]bool)
	for _, id := range ids {
		if ev, ok := s.byID[id]; ok {
			tiers[ev.Tier] = true
		}
	}
	return len(tiers)
}
