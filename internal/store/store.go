package store

import (
	"context"
	"errors"
)

// ErrRunTerminal rejects operations against a run that has already
// reached a terminal status.
var ErrRunTerminal = errors.New("run already finished")

// Run statuses. Transitions only move forward: pending -> running -> terminal.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Agent phases within a running run.
const (
	PhasePlanning           = "planning"
	PhaseInformationSeeking = "information_seeking"
	PhaseReflection         = "reflection"
	PhaseCrossValidation    = "cross_validation"
	PhaseReportGeneration   = "report_generation"
	PhaseCompleted          = "completed"
)

// Claim verification states. A claim never returns to unverified.
const (
	ClaimUnverified = "unverified"
	ClaimSupported  = "supported"
	ClaimVerified   = "verified"
	ClaimRefuted    = "refuted"
	ClaimUncertain  = "uncertain"
)

// Authority tiers, highest precedence first.
const (
	TierOfficial = "official"
	TierAcademic = "academic"
	TierIndustry = "industry"
	TierMedia    = "media"
	TierGeneral  = "general"
	TierOther    = "other"
)

const (
	EngineDeepResearch = "deep_research"
	EngineBaseline     = "baseline"
)

type AblationConfig struct {
	Reflection       bool `json:"reflection"`
	AuthorityRanking bool `json:"authority_ranking"`
	TodoState        bool `json:"todo_state"`
	PatchEditing     bool `json:"patch_editing"`
}

// DefaultAblation has every capability enabled.
func DefaultAblation() AblationConfig {
	return AblationConfig{Reflection: true, AuthorityRanking: true, TodoState: true, PatchEditing: true}
}

type RunConfig struct {
	Engine                 string         `json:"engine"`
	OutputFormat           string         `json:"output_format"`
	MaxSteps               int            `json:"max_steps"`
	VerificationStrictness int            `json:"verification_strictness"`
	Ablation               AblationConfig `json:"ablation"`
}

type Run struct {
	ID               string
	Query            string
	Status           string
	Phase            string
	CompletionReason string
	Error            string
	Config           RunConfig
	CreatedAt        string
	UpdatedAt        string
	StartedAt        string
	CompletedAt      string
}

type RunSummary struct {
	ID               string
	Query            string
	Status           string
	Phase            string
	CompletionReason string
	Engine           string
	CreatedAt        string
	UpdatedAt        string
	EventCount       int64
}

type RunEvent struct {
	RunID     string
	Seq       int64
	Type      string
	Timestamp string
	Source    string
	TraceID   string
	Payload   map[string]any
}

type ToolEvent struct {
	ID          string
	RunID       string
	Tool        string
	Args        map[string]any
	Status      string
	Result      string
	Error       string
	SpilledTo   string
	DurationMS  int64
	StartedAt   string
	CompletedAt string
}

type Evidence struct {
	ID             string
	RunID          string
	URL            string
	NormalizedURL  string
	Title          string
	Snippet        string
	Tier           string
	Score          float64
	TierReason     string
	CrossValidated bool
	Corroborating  []string
	RetrievedAt    string
	UpdatedAt      string
}

type Claim struct {
	ID          string
	RunID       string
	Text        string
	Status      string
	Confidence  float64
	EvidenceIDs []string
	// Section is the report section heading that cites this claim, empty
	// until the claim surfaces in a draft.
	Section   string
	CreatedAt string
	UpdatedAt string
}

type TodoItem struct {
	ID          string
	RunID       string
	ParentID    string
	Text        string
	Status      string
	Position    int
	CreatedAt   string
	CompletedAt string
}

type ReportSection struct {
	Heading  string   `json:"heading"`
	Content  string   `json:"content"`
	Order    int      `json:"order"`
	ClaimIDs []string `json:"claim_ids,omitempty"`
}

type Report struct {
	RunID     string
	Title     string
	Format    string
	Sections  []ReportSection
	Version   int64
	Finalized bool
	CreatedAt string
	UpdatedAt string
}

type RunMetrics struct {
	RunID                 string
	TotalToolCalls        int64
	ToolCallsByKind       map[string]int64
	InputTokens           int64
	OutputTokens          int64
	CostEstimateUSD       float64
	LatencyMS             int64
	ReflectionSteps       int64
	CrossValidationEvents int64
	CitationCount         int64
	CitationAuthorityMix  map[string]int64
	UnsupportedClaims     int64
	ContextSpillEvents    int64
	PatchEditSavingsPct   float64
	UpdatedAt             string
}

type PairwiseJudgment struct {
	ID        string
	RunA      string
	RunB      string
	Winner    string
	ScoresA   map[string]int
	ScoresB   map[string]int
	Judge     string
	Notes     string
	CreatedAt string
}

type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context) ([]RunSummary, error)
	DeleteRun(ctx context.Context, runID string) error
	AppendEvent(ctx context.Context, event RunEvent) error
	ListEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEvent, error)
	NextSeq(ctx context.Context, runID string) (int64, error)
	AppendToolEvent(ctx context.Context, event ToolEvent) error
	ListToolEvents(ctx context.Context, runID string) ([]ToolEvent, error)
	UpsertEvidence(ctx context.Context, evidence Evidence) error
	ListEvidence(ctx context.Context, runID string) ([]Evidence, error)
	UpsertClaim(ctx context.Context, claim Claim) error
	ListClaims(ctx context.Context, runID string) ([]Claim, error)
	SaveReport(ctx context.Context, report Report) error
	GetReport(ctx context.Context, runID string) (*Report, error)
	ReplaceTodos(ctx context.Context, runID string, items []TodoItem) error
	ListTodos(ctx context.Context, runID string) ([]TodoItem, error)
	SaveMetrics(ctx context.Context, metrics RunMetrics) error
	GetMetrics(ctx context.Context, runID string) (*RunMetrics, error)
	CreateJudgment(ctx context.Context, judgment PairwiseJudgment) error
	ListJudgments(ctx context.Context) ([]PairwiseJudgment, error)
}
