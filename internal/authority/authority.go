// Package authority classifies evidence sources into credibility tiers.
//
// Classification is a pluggable policy so the default heuristics can be
// swapped out or disabled per run. DefaultPolicy uses curated domain tables
// with a fixed precedence: official > academic > industry > media > general >
// other. FlatPolicy assigns every source the general tier and is used when
// authority ranking is disabled for a run.
package authority

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/quillworks/deepresearch/internal/store"
)

// Score is the result of classifying a single source URL.
type Score struct {
	Tier   string  `json:"tier"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Policy maps a source URL to an authority tier and numeric score.
type Policy interface {
	Evaluate(rawURL string) Score
}

// DefaultPolicy classifies sources using curated domain tables.
type DefaultPolicy struct{}

// FlatPolicy ignores the URL and reports every source as general. Used when
// a run disables authority ranking.
type FlatPolicy struct{}

func (FlatPolicy) Evaluate(rawURL string) Score {
	return Score{Tier: store.TierGeneral, Score: 0.5, Reason: "authority ranking disabled"}
}

// ForAblation returns the policy matching a run's ablation settings.
func ForAblation(cfg store.AblationConfig) Policy {
	if !cfg.AuthorityRanking {
		return FlatPolicy{}
	}
	return DefaultPolicy{}
}

var officialDomains = []string{
	".gov", ".gov.uk", ".gov.au", ".gov.ca", ".europa.eu", ".gc.ca",
	"whitehouse.gov", "congress.gov", "sec.gov", "fda.gov", "cdc.gov",
	"nist.gov", "nih.gov", "nsf.gov", "state.gov", "justice.gov",
	"un.org", "who.int", "worldbank.org", "imf.org", "oecd.org",
	"wto.org", "nato.int", "iso.org", "itu.int",
}

var academicDomains = []string{
	".edu", ".ac.uk", ".edu.au", ".edu.cn",
	"harvard.edu", "stanford.edu", "mit.edu", "berkeley.edu",
	"oxford.ac.uk", "cambridge.ac.uk", "ethz.ch", "epfl.ch",
	"nature.com", "science.org", "sciencedirect.com", "springer.com",
	"wiley.com", "ieee.org", "acm.org", "arxiv.org", "ssrn.com",
	"pubmed.gov", "ncbi.nlm.nih.gov", "scholar.google.com",
	"plos.org", "frontiersin.org", "mdpi.com",
}

var industryDomains = []string{
	"research.google", "ai.google", "research.facebook.com", "research.microsoft.com",
	"openai.com", "anthropic.com", "deepmind.com", "huggingface.co",
	"aws.amazon.com", "cloud.google.com", "azure.microsoft.com",
	"developer.apple.com", "developer.android.com",
	"w3.org", "ietf.org", "oasis-open.org", "openapis.org",
	"github.com", "stackoverflow.com", "devdocs.io",
	"mckinsey.com", "bcg.com", "bain.com", "gartner.com",
	"forrester.com", "idc.com", "statista.com",
}

var mediaDomains = []string{
	"reuters.com", "apnews.com", "bbc.com", "bbc.co.uk",
	"nytimes.com", "washingtonpost.com", "theguardian.com",
	"wsj.com", "ft.com", "economist.com", "bloomberg.com",
	"techcrunch.com", "wired.com", "arstechnica.com",
	"theverge.com", "zdnet.com", "cnet.com",
}

var lowQualityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(www\.)?pinterest\.`),
	regexp.MustCompile(`(?i)^(www\.)?facebook\.com`),
	regexp.MustCompile(`(?i)^(www\.)?twitter\.com`),
	regexp.MustCompile(`(?i)^(www\.)?instagram\.com`),
	regexp.MustCompile(`(?i)^(www\.)?tiktok\.com`),
	regexp.MustCompile(`(?i)quora\.com/`),
	regexp.MustCompile(`(?i)reddit\.com/r/`),
	regexp.MustCompile(`(?i)medium\.com/@`),
	regexp.MustCompile(`(?i)blogspot\.com`),
	regexp.MustCompile(`(?i)wordpress\.com`),
	regexp.MustCompile(`(?i)tumblr\.com`),
	regexp.MustCompile(`(?i)affiliate`),
	regexp.MustCompile(`(?i)sponsored`),
}

func (DefaultPolicy) Evaluate(rawURL string) Score {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return Score{Tier: store.TierOther, Score: 0.3, Reason: "unparseable URL"}
	}
	domain := strings.ToLower(parsed.Host)
	domain = strings.TrimPrefix(domain, "www.")
	fullURL := strings.ToLower(rawURL)

	for _, pattern := range lowQualityPatterns {
		if pattern.MatchString(fullURL) {
			return Score{
				Tier:   store.TierOther,
				Score:  0.2,
				Reason: fmt.Sprintf("matches low-quality pattern %s", pattern.String()),
			}
		}
	}

	if matchDomain(domain, officialDomains) {
		return Score{Tier: store.TierOfficial, Score: 1.0, Reason: fmt.Sprintf("official or government domain: %s", domain)}
	}
	if matchDomain(domain, academicDomains) {
		return Score{Tier: store.TierAcademic, Score: 0.95, Reason: fmt.Sprintf("academic or research domain: %s", domain)}
	}
	if containsDomain(domain, industryDomains) {
		return Score{Tier: store.TierIndustry, Score: 0.85, Reason: fmt.Sprintf("industry or standards domain: %s", domain)}
	}
	if containsDomain(domain, mediaDomains) {
		return Score{Tier: store.TierMedia, Score: 0.75, Reason: fmt.Sprintf("established media domain: %s", domain)}
	}

	if strings.HasSuffix(domain, ".org") {
		return Score{Tier: store.TierGeneral, Score: 0.6, Reason: "organization domain (.org)"}
	}
	if strings.HasSuffix(domain, ".io") || strings.HasSuffix(domain, ".dev") {
		return Score{Tier: store.TierGeneral, Score: 0.5, Reason: "tech-focused domain"}
	}
	return Score{Tier: store.TierGeneral, Score: 0.4, Reason: fmt.Sprintf("unknown domain authority: %s", domain)}
}

// matchDomain matches suffix entries (".edu") and exact entries
// ("harvard.edu") against the host.
func matchDomain(domain string, entries []string) bool {
	for _, entry := range entries {
		if strings.HasSuffix(domain, entry) || domain == strings.TrimPrefix(entry, ".") {
			return true
		}
	}
	return false
}

func containsDomain(domain string, entries []string) bool {
	for _, entry := range entries {
		if strings.Contains(domain, entry) {
			return true
		}
	}
	return false
}

// Summary tallies evidence counts by tier.
func Summary(evidence []store.Evidence) map[string]int64 {
	counts := map[string]int64{
		store.TierOfficial: 0,
		store.TierAcademic: 0,
		store.TierIndustry: 0,
		store.TierMedia:    0,
		store.TierGeneral:  0,
		store.TierOther:    0,
	}
	for _, ev := range evidence {
		tier := ev.Tier
		if _, ok := counts[tier]; !ok {
			tier = store.TierOther
		}
		counts[tier]++
	}
	return counts
}

// Rank sorts evidence by authority score descending, then recency. The slice
// is copied so callers keep their original order.
func Rank(evidence []store.Evidence, policy Policy) []store.Evidence {
	ranked := make([]store.Evidence, len(evidence))
	copy(ranked, evidence)
	score := func(ev store.Evidence) float64 {
		if ev.Score > 0 {
			return ev.Score
		}
		return policy.Evaluate(ev.URL).Score
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := score(ranked[i]), score(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].RetrievedAt > ranked[j].RetrievedAt
	})
	return ranked
}
