// Package domain contains the core types of the prediction pipeline.
// The domain layer is pure: no database, HTTP, or LLM dependencies.
package domain

import "time"

// Direction is the detected or predicted direction of a move.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
	DirectionNeutral Direction = "neutral"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionBullish || d == DirectionBearish || d == DirectionNeutral
}

// Opposite returns the opposing direction. Neutral has no opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionBullish:
		return DirectionBearish
	case DirectionBearish:
		return DirectionBullish
	}
	return DirectionNeutral
}

// SignalDisposition is the terminal classification of an ingested item.
type SignalDisposition string

const (
	DispositionPredictorCreated SignalDisposition = "predictor_created"
	DispositionReviewPending    SignalDisposition = "review_pending"
	DispositionDuplicate        SignalDisposition = "duplicate"
	DispositionDiscarded        SignalDisposition = "discarded"
)

// DedupLayer identifies which suppression layer caught a duplicate.
type DedupLayer string

const (
	LayerExactHash       DedupLayer = "exact_hash"
	LayerCrossSourceHash DedupLayer = "cross_source_hash"
	LayerFuzzyTitle      DedupLayer = "fuzzy_title"
	LayerKeyPhrase       DedupLayer = "key_phrase"
)

// IngestResult reports what happened to one ingested item.
type IngestResult struct {
	SignalID       string
	Disposition    SignalDisposition
	DuplicateLayer DedupLayer // set only when Disposition is duplicate
}

// Tier selects the reasoning depth (and cost) of an analyst invocation.
type Tier string

const (
	TierCheap    Tier = "cheap"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Universe groups targets under one organization and one domain.
type Universe struct {
	ID             int64
	Slug           string
	Name           string
	OrganizationID string
	Domain         string // stocks, crypto, prediction_markets, elections
	CreatedAt      time.Time
}

// Target is a single tradeable subject within a universe.
// Symbol is immutable once created; Name and Metadata are not.
type Target struct {
	ID         int64
	Symbol     string
	UniverseID int64
	Name       string
	Metadata   string // free-form JSON
	Active     bool
	CreatedAt  time.Time
}

// Source is an external feed the pipeline polls.
type Source struct {
	ID            int64
	Slug          string
	Name          string
	Domain        string
	URL           string
	FetchSchedule string // cron expression understood by robfig/cron
	CrawlConfig   string // free-form JSON
	Enabled       bool
	CreatedAt     time.Time
}

// RawItem is one fetched item before deduplication. Only genuinely-new
// items become signals.
type RawItem struct {
	SourceID   int64
	TargetID   int64
	Title      string
	Body       string
	ObservedAt time.Time
}

// Signal is one genuinely-new observed event tied to a target.
type Signal struct {
	ID             string
	OrganizationID string
	SourceID       int64
	TargetID       int64
	Title          string
	Content        string
	Direction      Direction
	Confidence     float64
	Evaluation     string // free-form JSON payload from ingestion
	Disposition    SignalDisposition
	ObservedAt     time.Time
	CreatedAt      time.Time
}

// Analyst is a named, weighted perspective scoped somewhere in the
// runner → domain → universe → target hierarchy.
type Analyst struct {
	ID                   int64
	Slug                 string
	Name                 string
	ScopeLevel           ScopeLevel
	Domain               string // set when ScopeLevel >= domain
	UniverseID           int64  // set when ScopeLevel >= universe
	TargetID             int64  // set when ScopeLevel == target
	Weight               float64
	DefaultTier          Tier
	InstructionsCheap    string
	InstructionsStandard string
	InstructionsPremium  string
	Enabled              bool
	CreatedAt            time.Time
}

// Instructions returns the instruction text for a tier, falling back to the
// standard text when the tier-specific one is empty.
func (a Analyst) Instructions(tier Tier) string {
	switch tier {
	case TierCheap:
		if a.InstructionsCheap != "" {
			return a.InstructionsCheap
		}
	case TierPremium:
		if a.InstructionsPremium != "" {
			return a.InstructionsPremium
		}
	}
	return a.InstructionsStandard
}

// AnalystOverride narrows an analyst's behaviour for one universe or target.
// Nil fields mean "no override for this attribute".
type AnalystOverride struct {
	ID         int64
	AnalystID  int64
	UniverseID int64 // 0 = not universe-scoped
	TargetID   int64 // 0 = not target-scoped
	Weight     *float64
	Tier       *Tier
	Enabled    *bool
	CreatedAt  time.Time
}

// AnalystAssessment is an immutable record of one analyst's verdict.
type AnalystAssessment struct {
	ID               int64
	SignalID         string
	PredictorID      int64
	PredictionID     int64
	AnalystID        int64
	AnalystSlug      string
	Direction        Direction
	Confidence       float64
	Reasoning        string
	Tier             Tier
	LearningsApplied []int64
	Skipped          bool
	CreatedAt        time.Time
}

// PredictorStatus is the lifecycle state of a predictor.
type PredictorStatus string

const (
	PredictorActive     PredictorStatus = "active"
	PredictorExpired    PredictorStatus = "expired"
	PredictorSuperseded PredictorStatus = "superseded"
)

// Predictor is an aggregated directional thesis built from one signal's
// analyst assessments. Strength is a discrete 1-5 scale.
type Predictor struct {
	ID         int64
	SignalID   string
	TargetID   int64
	Direction  Direction
	Strength   int
	Confidence float64
	ExpiresAt  time.Time
	Status     PredictorStatus
	CreatedAt  time.Time
}

// PredictionStatus is the lifecycle state of a prediction.
type PredictionStatus string

const (
	PredictionActive    PredictionStatus = "active"
	PredictionResolved  PredictionStatus = "resolved"
	PredictionCancelled PredictionStatus = "cancelled"
)

// Magnitude buckets the expected (or realized) size of a move.
type Magnitude string

const (
	MagnitudeSmall    Magnitude = "small"
	MagnitudeModerate Magnitude = "moderate"
	MagnitudeLarge    Magnitude = "large"
	MagnitudeOutsized Magnitude = "outsized"
)

// Prediction is the externally visible recommendation.
// At most one active prediction may exist per target at any time.
type Prediction struct {
	ID          int64
	TargetID    int64
	Direction   Direction
	Confidence  float64
	Magnitude   Magnitude
	EntryPrice  *float64
	TargetPrice *float64
	StopPrice   *float64
	Ensemble    string // JSON snapshot of the contributing ensemble
	Status      PredictionStatus
	AuditNote   string
	ReplayOf    string // replay test id when this row was produced by a replay run
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	CancelledAt *time.Time
}

// Outcome is the realized result a resolved prediction is scored against.
type Outcome struct {
	RealizedDirection Direction
	ChangePct         float64   // realized percentage move over the prediction window
	Closes            []float64 // recent close series for magnitude classification
	Highs             []float64
	Lows              []float64
}

// Evaluation links a resolved prediction to its realized outcome.
type Evaluation struct {
	ID                int64
	PredictionID      int64
	TargetID          int64
	RealizedDirection Direction
	RealizedChangePct float64
	DirectionCorrect  bool
	MagnitudeAccuracy float64
	CompositeScore    float64
	Outcome           string // JSON of the raw outcome data
	CreatedAt         time.Time
}

// LearningKind classifies what a learning changes.
type LearningKind string

const (
	LearningRule            LearningKind = "rule"
	LearningPattern         LearningKind = "pattern"
	LearningWeightAdjust    LearningKind = "weight_adjustment"
	LearningThresholdChange LearningKind = "threshold_change"
)

// LearningStatus is the lifecycle state of a learning.
type LearningStatus string

const (
	LearningActive     LearningStatus = "active"
	LearningTesting    LearningStatus = "testing"
	LearningRetired    LearningStatus = "retired"
	LearningSuperseded LearningStatus = "superseded"
)

// LearningSource distinguishes human-authored learnings from approved AI proposals.
type LearningSource string

const (
	LearningSourceHuman      LearningSource = "human"
	LearningSourceAIApproved LearningSource = "ai_approved"
)

// Learning is an actionable rule or pattern fed back into future assessments.
type Learning struct {
	ID           int64
	Content      string
	Kind         LearningKind
	ScopeLevel   ScopeLevel
	Domain       string
	UniverseID   int64
	TargetID     int64
	AnalystID    int64
	SourceType   LearningSource
	Status       LearningStatus
	TimesApplied int64
	TimesHelpful int64
	QueueEntryID int64 // audit backlink to the approving queue entry
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LearningQueueStatus is the approval state of a proposed learning.
type LearningQueueStatus string

const (
	LearningQueuePending  LearningQueueStatus = "pending"
	LearningQueueApproved LearningQueueStatus = "approved"
	LearningQueueRejected LearningQueueStatus = "rejected"
)

// LearningQueueEntry is an AI-proposed learning awaiting human approval.
type LearningQueueEntry struct {
	ID           int64
	Content      string
	Kind         LearningKind
	ScopeLevel   ScopeLevel
	Domain       string
	UniverseID   int64
	TargetID     int64
	AnalystID    int64
	EvaluationID int64
	Status       LearningQueueStatus
	LearningID   int64 // set on approval, links the materialized learning
	CreatedAt    time.Time
	DecidedAt    *time.Time
}

// ReviewReason says why a signal landed in the review queue. Moderate-band
// routing and quorum failures share one queue and one resolution path; the
// reason flag keeps them distinguishable for operators and metrics.
type ReviewReason string

const (
	ReviewModerateConfidence ReviewReason = "moderate_confidence"
	ReviewQuorumFailure      ReviewReason = "quorum_failure"
)

// ReviewStatus is the state of a review queue entry.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewResolved ReviewStatus = "resolved"
)

// ReviewEntry is a signal awaiting human disposition.
type ReviewEntry struct {
	ID                  int64
	SignalID            string
	TargetID            int64
	Reason              ReviewReason
	SuggestedDirection  Direction
	SuggestedConfidence float64
	Status              ReviewStatus
	ResolvedDirection   Direction
	ResolvedConfidence  float64
	ResolvedReasoning   string
	CreatedAt           time.Time
	ResolvedAt          *time.Time
}

// ReplayDepth selects how far a replay test rolls back.
type ReplayDepth string

const (
	DepthPredictions ReplayDepth = "predictions"
	DepthPredictors  ReplayDepth = "predictors"
	DepthSignals     ReplayDepth = "signals"
)

// Valid reports whether d is a known rollback depth.
func (d ReplayDepth) Valid() bool {
	return d == DepthPredictions || d == DepthPredictors || d == DepthSignals
}

// ReplayStatus is the state machine of a replay test.
type ReplayStatus string

const (
	ReplayPending         ReplayStatus = "pending"
	ReplaySnapshotCreated ReplayStatus = "snapshot_created"
	ReplayRunning         ReplayStatus = "running"
	ReplayCompleted       ReplayStatus = "completed"
	ReplayFailed          ReplayStatus = "failed"
	ReplayRestored        ReplayStatus = "restored"
)

// ReplayTest is one rollback-and-rerun experiment.
type ReplayTest struct {
	ID         string
	Depth      ReplayDepth
	RollbackAt time.Time
	TargetID   int64 // 0 = all targets
	Status     ReplayStatus
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReplaySnapshot preserves the exact pre-rollback rows of one table.
type ReplaySnapshot struct {
	ID        int64
	TestID    string
	TableName string
	RowCount  int
	RowIDs    []string
	Rows      []byte // msgpack-encoded []map[string]any
	Restored  bool
	CreatedAt time.Time
}

// ReplayResult pairs one original prediction with its replay counterpart.
type ReplayResult struct {
	ID                   int64
	TestID               string
	TargetID             int64
	OriginalPredictionID int64
	ReplayPredictionID   int64
	DirectionMatch       *bool
	OriginalCorrect      *bool
	ReplayCorrect        *bool
	ConfidenceDelta      *float64
	PnLDelta             *float64
	Incomplete           bool
	CreatedAt            time.Time
}
