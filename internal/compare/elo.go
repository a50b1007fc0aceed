package compare

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/quillworks/deepresearch/internal/store"
)

const (
	// InitialRating is the Elo starting point for an engine with no
	// judgments.
	InitialRating = 1000.0
	// KFactor scales each rating update.
	KFactor = 32.0
)

// Standing is one engine's aggregate across all pairwise judgments.
type Standing struct {
	Engine    string  `json:"engine"`
	Wins      int     `json:"wins"`
	Losses    int     `json:"losses"`
	Ties      int     `json:"ties"`
	Judgments int     `json:"judgments"`
	Rating    float64 `json:"rating"`
}

// Leaderboard is the full judgment aggregation, standings sorted by rating
// descending.
type Leaderboard struct {
	Standings []Standing `json:"standings"`
	Judgments int        `json:"judgments"`
}

// Leaderboard recomputes ratings from the complete judgment history. The
// history is replayed in creation order on every call rather than cached
// incrementally, so the result cannot drift with ingestion order.
func (c *Comparator) Leaderboard(ctx context.Context) (*Leaderboard, error) {
	judgments, err := c.store.ListJudgments(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading judgments: %w", err)
	}

	engines := make(map[string]string)
	resolve := func(runID string) (string, error) {
		if engine, ok := engines[runID]; ok {
			return engine, nil
		}
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return "", fmt.Errorf("resolving engine for run %s: %w", runID, err)
		}
		// Judgments can outlive their runs; a deleted run counts under the
		// default engine rather than breaking the whole leaderboard.
		engine := store.EngineDeepResearch
		if run != nil && run.Config.Engine != "" {
			engine = run.Config.Engine
		}
		engines[runID] = engine
		return engine, nil
	}

	matches := make([]Match, 0, len(judgments))
	for _, judgment := range judgments {
		engineA, err := resolve(judgment.RunA)
		if err != nil {
			return nil, err
		}
		engineB, err := resolve(judgment.RunB)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{
			EngineA:   engineA,
			EngineB:   engineB,
			Winner:    judgment.Winner,
			CreatedAt: judgment.CreatedAt,
			ID:        judgment.ID,
		})
	}
	return Aggregate(matches), nil
}

// Match is one judged pairing after run ids are resolved to engines.
type Match struct {
	ID        string
	EngineA   string
	EngineB   string
	Winner    string // "a", "b", or "tie"
	CreatedAt string
}

// Aggregate replays matches in (CreatedAt, ID) order and produces the
// leaderboard. Self-matches (same engine on both sides) count toward win
// totals but leave ratings untouched.
func Aggregate(matches []Match) *Leaderboard {
	ordered := make([]Match, len(matches))
	copy(ordered, matches)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt != ordered[j].CreatedAt {
			return ordered[i].CreatedAt < ordered[j].CreatedAt
		}
		return ordered[i].ID < ordered[j].ID
	})

	standings := make(map[string]*Standing)
	get := func(engine string) *Standing {
		if s, ok := standings[engine]; ok {
			return s
		}
		s := &Standing{Engine: engine, Rating: InitialRating}
		standings[engine] = s
		return s
	}

	for _, match := range ordered {
		a := get(match.EngineA)
		b := get(match.EngineB)
		a.Judgments++
		if a != b {
			b.Judgments++
		}

		var scoreA float64
		switch match.Winner {
		case "a":
			scoreA = 1
			a.Wins++
			if a != b {
				b.Losses++
			}
		case "b":
			scoreA = 0
			b.Wins++
			if a != b {
				a.Losses++
			}
		default:
			scoreA = 0.5
			a.Ties++
			if a != b {
				b.Ties++
			}
		}
		if a == b {
			continue
		}

		expectedA := expectedScore(a.Rating, b.Rating)
		a.Rating += KFactor * (scoreA - expectedA)
		b.Rating += KFactor * ((1 - scoreA) - (1 - expectedA))
	}

	out := &Leaderboard{Judgments: len(ordered)}
	for _, s := range standings {
		out.Standings = append(out.Standings, *s)
	}
	sort.Slice(out.Standings, func(i, j int) bool {
		if out.Standings[i].Rating != out.Standings[j].Rating {
			return out.Standings[i].Rating > out.Standings[j].Rating
		}
		return out.Standings[i].Engine < out.Standings[j].Engine
	})
	return out
}

// expectedScore is the logistic Elo expectation for the first player.
func expectedScore(ratingA, ratingB float64) float64 {
	return 1 / (1 + math.Pow(10, (ratingB-ratingA)/400))
}
