// Package ensemble fans a signal out to every analyst resolved for its scope
// and combines the verdicts into one directional thesis.
package ensemble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/foresight/internal/clients/llm"
	"github.com/aristath/foresight/internal/domain"
	"github.com/aristath/foresight/internal/modules/scope"
)

// LearningProvider supplies approved learnings for a scope and records that
// they were applied. Implemented by the learning module.
type LearningProvider interface {
	ActiveForScope(s domain.Scope) ([]domain.Learning, error)
	MarkApplied(ids []int64) error
}

// Config tunes the ensemble.
type Config struct {
	QuorumFraction float64       // responders must exceed this fraction of enabled analysts (default majority)
	CallTimeout    time.Duration // per-analyst invocation timeout
	MaxConcurrency int64         // bound on simultaneous analyst calls
	PredictorTTL   time.Duration // how long a resulting predictor stays active
}

// DefaultConfig returns the default ensemble configuration.
func DefaultConfig() Config {
	return Config{
		QuorumFraction: 0.5,
		CallTimeout:    45 * time.Second,
		MaxConcurrency: 8,
		PredictorTTL:   72 * time.Hour,
	}
}

// Result is the combined outcome of one ensemble run.
type Result struct {
	Assessments []domain.AnalystAssessment
	Responded   int
	Skipped     int
	QuorumMet   bool
	Direction   domain.Direction
	Confidence  float64 // winning weighted sum normalized by responding weight
	Strength    int     // discretized winner / runner-up margin, 1-5
	ExpiresAt   time.Time
}

// Service runs the weighted ensemble.
type Service struct {
	resolver    *scope.Resolver
	invoker     llm.Invoker
	learnings   LearningProvider
	assessments *AssessmentRepository
	cfg         Config
	log         zerolog.Logger
}

// NewService creates a new ensemble service.
func NewService(
	resolver *scope.Resolver,
	invoker llm.Invoker,
	learnings LearningProvider,
	assessments *AssessmentRepository,
	cfg Config,
	log zerolog.Logger,
) *Service {
	if cfg.QuorumFraction <= 0 {
		cfg.QuorumFraction = 0.5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 45 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.PredictorTTL <= 0 {
		cfg.PredictorTTL = 72 * time.Hour
	}
	return &Service{
		resolver:    resolver,
		invoker:     invoker,
		learnings:   learnings,
		assessments: assessments,
		cfg:         cfg,
		log:         log.With().Str("service", "ensemble").Logger(),
	}
}

// Assess fans the signal out to every enabled analyst for the target's scope,
// persists each assessment, and combines them by weighted majority.
//
// An analyst call that errors or times out is recorded as a skipped assessment,
// not a zero-confidence vote. Quorum is evaluated over responders only; when
// quorum is not met the caller routes the signal to review.
//
// The combine step is deterministic: assessments are sorted by analyst slug
// before summing, so replaying the same verdicts always reproduces the result.
func (s *Service) Assess(ctx context.Context, signal domain.Signal, sc domain.Scope, targetSymbol string) (*Result, error) {
	analysts, err := s.resolver.EnabledAnalysts(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve analysts: %w", err)
	}
	if len(analysts) == 0 {
		return &Result{QuorumMet: false}, nil
	}

	applicable, err := s.learnings.ActiveForScope(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to load learnings: %w", err)
	}
	learningTexts := make([]string, len(applicable))
	learningIDs := make([]int64, len(applicable))
	for i, l := range applicable {
		learningTexts[i] = l.Content
		learningIDs[i] = l.ID
	}

	// Bounded fan-out. Each call gets its own timeout so one stuck analyst
	// never stalls quorum evaluation.
	sem := semaphore.NewWeighted(s.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	assessments := make([]domain.AnalystAssessment, 0, len(analysts))

	for _, ra := range analysts {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("ensemble fan-out aborted: %w", err)
		}
		wg.Add(1)
		go func(ra scope.ResolvedAnalyst) {
			defer wg.Done()
			defer sem.Release(1)

			a := s.invokeOne(ctx, ra, signal, targetSymbol, learningTexts, learningIDs)
			mu.Lock()
			assessments = append(assessments, a)
			mu.Unlock()
		}(ra)
	}
	wg.Wait()

	// Deterministic order regardless of arrival.
	sort.Slice(assessments, func(i, j int) bool {
		return assessments[i].AnalystSlug < assessments[j].AnalystSlug
	})

	for i := range assessments {
		id, err := s.assessments.Create(assessments[i])
		if err != nil {
			return nil, fmt.Errorf("failed to persist assessment: %w", err)
		}
		assessments[i].ID = id
	}

	result := s.combine(analysts, assessments)

	if result.Responded > 0 && len(learningIDs) > 0 {
		if err := s.learnings.MarkApplied(learningIDs); err != nil {
			s.log.Warn().Err(err).Msg("Failed to record applied learnings")
		}
	}

	s.log.Info().
		Str("signal_id", signal.ID).
		Int("analysts", len(analysts)).
		Int("responded", result.Responded).
		Bool("quorum", result.QuorumMet).
		Str("direction", string(result.Direction)).
		Float64("confidence", result.Confidence).
		Msg("Ensemble assessment complete")

	return result, nil
}

func (s *Service) invokeOne(
	ctx context.Context,
	ra scope.ResolvedAnalyst,
	signal domain.Signal,
	targetSymbol string,
	learningTexts []string,
	learningIDs []int64,
) domain.AnalystAssessment {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	base := domain.AnalystAssessment{
		SignalID:         signal.ID,
		AnalystID:        ra.Analyst.ID,
		AnalystSlug:      ra.Analyst.Slug,
		Tier:             ra.Tier,
		LearningsApplied: learningIDs,
	}

	resp, err := s.invoker.Invoke(callCtx, llm.InvokeRequest{
		AnalystSlug:  ra.Analyst.Slug,
		Tier:         ra.Tier,
		Instructions: ra.Analyst.Instructions(ra.Tier),
		Learnings:    learningTexts,
		SignalTitle:  signal.Title,
		SignalBody:   signal.Content,
		TargetSymbol: targetSymbol,
	})
	if err != nil {
		// Skipped vote, not a zero-confidence one.
		s.log.Warn().Err(err).Str("analyst", ra.Analyst.Slug).Str("signal_id", signal.ID).Msg("Analyst skipped")
		base.Direction = domain.DirectionNeutral
		base.Skipped = true
		base.LearningsApplied = nil
		return base
	}

	base.Direction = resp.Verdict.Direction
	base.Confidence = resp.Verdict.Confidence
	base.Reasoning = resp.Verdict.Reasoning
	return base
}

// combine applies weighted majority over the responding assessments.
func (s *Service) combine(analysts []scope.ResolvedAnalyst, assessments []domain.AnalystAssessment) *Result {
	weights := make(map[int64]float64, len(analysts))
	for _, ra := range analysts {
		weights[ra.Analyst.ID] = ra.Weight
	}

	result := &Result{Assessments: assessments}

	sums := map[domain.Direction]float64{}
	var totalWeight float64
	for _, a := range assessments {
		if a.Skipped {
			result.Skipped++
			continue
		}
		result.Responded++
		w := weights[a.AnalystID]
		sums[a.Direction] += w * a.Confidence
		totalWeight += w
	}

	// Responders must exceed the configured fraction of the enabled ensemble.
	// At the default 0.5 that is a strict majority: 3 of 4, not 2 of 4.
	quorum := int(s.cfg.QuorumFraction*float64(len(analysts))) + 1
	if quorum > len(analysts) {
		quorum = len(analysts)
	}
	result.QuorumMet = result.Responded >= quorum
	if !result.QuorumMet || totalWeight == 0 {
		return result
	}

	// Winner by weighted sum; ties broken by fixed direction order so the
	// outcome is stable across runs.
	order := []domain.Direction{domain.DirectionBullish, domain.DirectionBearish, domain.DirectionNeutral}
	winner := order[0]
	for _, d := range order[1:] {
		if sums[d] > sums[winner] {
			winner = d
		}
	}
	runnerUpSum := 0.0
	for _, d := range order {
		if d != winner && sums[d] > runnerUpSum {
			runnerUpSum = sums[d]
		}
	}

	result.Direction = winner
	result.Confidence = sums[winner] / totalWeight
	result.Strength = discretizeStrength((sums[winner] - runnerUpSum) / totalWeight)
	result.ExpiresAt = time.Now().Add(s.cfg.PredictorTTL)
	return result
}

// discretizeStrength maps the normalized winner / runner-up margin onto the
// 1-5 predictor strength scale.
func discretizeStrength(margin float64) int {
	switch {
	case margin >= 0.60:
		return 5
	case margin >= 0.40:
		return 4
	case margin >= 0.25:
		return 3
	case margin >= 0.10:
		return 2
	default:
		return 1
	}
}
