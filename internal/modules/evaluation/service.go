package evaluation

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
	"github.com/aristath/foresight/internal/modules/prediction"
)

const atrPeriod = 14

// LearningFeedback is the slice of the learning service the evaluator needs.
type LearningFeedback interface {
	MarkHelpful(ids []int64) error
	Propose(e domain.LearningQueueEntry) (int64, error)
}

// AppliedLearnings reports which learnings influenced a prediction's
// contributing assessments. Implemented by the pipeline service.
type AppliedLearnings interface {
	LearningsForPrediction(predictionID int64) ([]int64, error)
}

// ScopeLookup resolves a target's position in the scope hierarchy.
type ScopeLookup interface {
	GetTargetScope(targetID int64) (domain.Scope, error)
}

// PriceRecorder keeps the last traded price of a target current. The prediction
// generator reads it back when attaching price levels.
type PriceRecorder interface {
	SetLastPrice(targetID int64, price float64) error
}

// Service scores resolved predictions and produces learning proposals.
type Service struct {
	repo        *Repository
	predictions *prediction.PredictionRepository
	learnings   LearningFeedback
	applied     AppliedLearnings
	scopes      ScopeLookup
	prices      PriceRecorder
	log         zerolog.Logger
}

// NewService creates a new evaluation service.
func NewService(
	repo *Repository,
	predictions *prediction.PredictionRepository,
	learnings LearningFeedback,
	applied AppliedLearnings,
	scopes ScopeLookup,
	prices PriceRecorder,
	log zerolog.Logger,
) *Service {
	return &Service{
		repo:        repo,
		predictions: predictions,
		learnings:   learnings,
		applied:     applied,
		scopes:      scopes,
		prices:      prices,
		log:         log.With().Str("service", "evaluation").Logger(),
	}
}

// Evaluate resolves an active prediction against its realized outcome, scores
// it, and closes the loop: helpful learnings get credited, misses produce a
// proposal in the approval queue.
func (s *Service) Evaluate(predictionID int64, outcome domain.Outcome) (*domain.Evaluation, error) {
	pred, err := s.predictions.Get(predictionID)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return nil, fmt.Errorf("prediction %d not found", predictionID)
	}
	if pred.Status != domain.PredictionActive {
		return nil, fmt.Errorf("prediction %d is %s, not active", predictionID, pred.Status)
	}
	if existing, err := s.repo.GetByPrediction(predictionID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("prediction %d already evaluated", predictionID)
	}

	directionCorrect := pred.Direction == outcome.RealizedDirection
	magnitudeAccuracy := s.scoreMagnitude(pred.Magnitude, outcome)
	composite := compositeScore(pred.Direction, outcome.RealizedDirection, magnitudeAccuracy)

	raw, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outcome: %w", err)
	}

	if err := s.predictions.Resolve(predictionID); err != nil {
		return nil, err
	}

	eval := domain.Evaluation{
		PredictionID:      predictionID,
		TargetID:          pred.TargetID,
		RealizedDirection: outcome.RealizedDirection,
		RealizedChangePct: outcome.ChangePct,
		DirectionCorrect:  directionCorrect,
		MagnitudeAccuracy: magnitudeAccuracy,
		CompositeScore:    composite,
		Outcome:           string(raw),
	}
	id, err := s.repo.Create(eval)
	if err != nil {
		return nil, err
	}
	eval.ID = id

	s.recordLastPrice(pred.TargetID, outcome)
	s.feedBack(pred, eval)

	s.log.Info().
		Int64("prediction_id", predictionID).
		Bool("direction_correct", directionCorrect).
		Float64("composite_score", composite).
		Msg("Prediction evaluated")

	return &eval, nil
}

// recordLastPrice feeds the realized closing price back so the next prediction
// for the target carries fresh price levels. Never fatal.
func (s *Service) recordLastPrice(targetID int64, outcome domain.Outcome) {
	if s.prices == nil || len(outcome.Closes) == 0 {
		return
	}
	last := outcome.Closes[len(outcome.Closes)-1]
	if last <= 0 {
		return
	}
	if err := s.prices.SetLastPrice(targetID, last); err != nil {
		s.log.Warn().Err(err).Int64("target_id", targetID).Msg("Failed to record last price")
	}
}

// feedBack credits applied learnings on a hit and proposes a new learning on
// a miss. Feedback failures are logged, never fatal: the evaluation itself is
// already committed.
func (s *Service) feedBack(pred *domain.Prediction, eval domain.Evaluation) {
	if eval.DirectionCorrect && eval.CompositeScore >= 0.75 {
		ids, err := s.applied.LearningsForPrediction(pred.ID)
		if err != nil {
			s.log.Warn().Err(err).Int64("prediction_id", pred.ID).Msg("Failed to load applied learnings")
			return
		}
		if len(ids) > 0 {
			if err := s.learnings.MarkHelpful(ids); err != nil {
				s.log.Warn().Err(err).Msg("Failed to credit learnings")
			}
		}
		return
	}

	if eval.DirectionCorrect {
		return
	}

	sc, err := s.scopes.GetTargetScope(pred.TargetID)
	if err != nil {
		s.log.Warn().Err(err).Int64("target_id", pred.TargetID).Msg("Failed to resolve scope for proposal")
		return
	}
	content := fmt.Sprintf(
		"Predicted %s but realized %s (%.2f%% move) at confidence %.2f. Review the signal mix that produced this call.",
		pred.Direction, eval.RealizedDirection, eval.RealizedChangePct, pred.Confidence,
	)
	_, err = s.learnings.Propose(domain.LearningQueueEntry{
		Content:      content,
		Kind:         domain.LearningPattern,
		ScopeLevel:   domain.ScopeTarget,
		Domain:       sc.Domain,
		UniverseID:   sc.UniverseID,
		TargetID:     pred.TargetID,
		EvaluationID: eval.ID,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to propose learning")
	}
}

// scoreMagnitude compares the predicted magnitude bucket with the realized
// one. Realized magnitude is classified relative to the target's average true
// range so a 2% move in a calm name and a 2% move in a volatile one score
// differently.
func (s *Service) scoreMagnitude(predicted domain.Magnitude, outcome domain.Outcome) float64 {
	realized := ClassifyMagnitude(outcome)
	dist := math.Abs(float64(magnitudeIndex(realized) - magnitudeIndex(predicted)))
	return 1.0 - dist/3.0
}

// ClassifyMagnitude buckets a realized move by its size relative to ATR.
// Without enough price history for an ATR it falls back to fixed percentage
// bands.
func ClassifyMagnitude(outcome domain.Outcome) domain.Magnitude {
	move := math.Abs(outcome.ChangePct) / 100.0

	if len(outcome.Closes) > atrPeriod && len(outcome.Highs) == len(outcome.Closes) && len(outcome.Lows) == len(outcome.Closes) {
		atrs := talib.Atr(outcome.Highs, outcome.Lows, outcome.Closes, atrPeriod)
		atr := atrs[len(atrs)-1]
		lastClose := outcome.Closes[len(outcome.Closes)-1]
		if atr > 0 && lastClose > 0 {
			ratio := move / (atr / lastClose)
			switch {
			case ratio < 1.0:
				return domain.MagnitudeSmall
			case ratio < 2.5:
				return domain.MagnitudeModerate
			case ratio < 5.0:
				return domain.MagnitudeLarge
			default:
				return domain.MagnitudeOutsized
			}
		}
	}

	switch {
	case move < 0.02:
		return domain.MagnitudeSmall
	case move < 0.05:
		return domain.MagnitudeModerate
	case move < 0.10:
		return domain.MagnitudeLarge
	default:
		return domain.MagnitudeOutsized
	}
}

func magnitudeIndex(m domain.Magnitude) int {
	switch m {
	case domain.MagnitudeSmall:
		return 0
	case domain.MagnitudeModerate:
		return 1
	case domain.MagnitudeLarge:
		return 2
	default:
		return 3
	}
}

// compositeScore blends direction correctness and magnitude accuracy. A
// realized neutral outcome is a partial miss, not a full one.
func compositeScore(predicted, realized domain.Direction, magnitudeAccuracy float64) float64 {
	var directionScore float64
	switch {
	case predicted == realized:
		directionScore = 1.0
	case realized == domain.DirectionNeutral:
		directionScore = 0.25
	default:
		directionScore = 0.0
	}
	return 0.7*directionScore + 0.3*magnitudeAccuracy
}

// AccuracyForTarget exposes a target's evaluation summary.
func (s *Service) AccuracyForTarget(targetID int64) (hitRate, meanScore float64, n int64, err error) {
	return s.repo.AccuracyForTarget(targetID)
}

// ListForTarget returns recent evaluations for a target.
func (s *Service) ListForTarget(targetID int64, limit int) ([]domain.Evaluation, error) {
	return s.repo.ListForTarget(targetID, limit)
}
