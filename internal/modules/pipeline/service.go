package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
	"github.com/aristath/foresight/internal/events"
	"github.com/aristath/foresight/internal/modules/dedup"
	"github.com/aristath/foresight/internal/modules/ensemble"
	"github.com/aristath/foresight/internal/modules/prediction"
	"github.com/aristath/foresight/internal/modules/review"
	"github.com/aristath/foresight/internal/modules/universe"
	"github.com/aristath/foresight/internal/observability"
)

// FunnelReport summarizes how items moved through the pipeline stages since
// a cutoff.
type FunnelReport struct {
	Since                time.Time                          `json:"since"`
	Signals              map[domain.SignalDisposition]int64 `json:"signals"`
	Predictors           int64                              `json:"predictors"`
	Predictions          int64                              `json:"predictions"`
	PendingReviews       map[domain.ReviewReason]int64      `json:"pending_reviews"`
	DedupByLayer         map[domain.DedupLayer]int64        `json:"dedup_by_layer"`
	TotalDuplicates      int64                              `json:"total_duplicates"`
	TotalSignalsInWindow int64                              `json:"total_signals"`
}

// CrawlStats supplies per-layer duplicate tallies. Implemented by the
// sources repository over crawl_runs.
type CrawlStats interface {
	DedupTallies(since time.Time) (map[domain.DedupLayer]int64, error)
}

// Service runs the signal ingestion pipeline end to end.
type Service struct {
	signals     *SignalRepository
	dedup       *dedup.Engine
	universes   *universe.Repository
	ensemble    *ensemble.Service
	assessments *ensemble.AssessmentRepository
	generator   *prediction.Generator
	predictors  *prediction.PredictorRepository
	predictions *prediction.PredictionRepository
	review      *review.Service
	crawlStats  CrawlStats
	metrics     *observability.Metrics
	bus         *events.Bus
	orgID       string
	log         zerolog.Logger
}

// NewService creates a new pipeline service.
func NewService(
	signals *SignalRepository,
	dedupEngine *dedup.Engine,
	universes *universe.Repository,
	ensembleSvc *ensemble.Service,
	assessments *ensemble.AssessmentRepository,
	generator *prediction.Generator,
	predictors *prediction.PredictorRepository,
	predictions *prediction.PredictionRepository,
	reviewSvc *review.Service,
	crawlStats CrawlStats,
	metrics *observability.Metrics,
	bus *events.Bus,
	orgID string,
	log zerolog.Logger,
) *Service {
	return &Service{
		signals:     signals,
		dedup:       dedupEngine,
		universes:   universes,
		ensemble:    ensembleSvc,
		assessments: assessments,
		generator:   generator,
		predictors:  predictors,
		predictions: predictions,
		review:      reviewSvc,
		crawlStats:  crawlStats,
		metrics:     metrics,
		bus:         bus,
		orgID:       orgID,
		log:         log.With().Str("service", "pipeline").Logger(),
	}
}

// Ingest runs one raw item through the full pipeline: dedup, signal creation,
// ensemble assessment, then either predictor creation, review routing, or
// discard. Satisfies the source poller's ingester.
func (s *Service) Ingest(ctx context.Context, item domain.RawItem) (domain.IngestResult, error) {
	s.metrics.ItemsIngested.Inc()

	verdict, err := s.dedup.Check(item)
	if err != nil {
		return domain.IngestResult{}, fmt.Errorf("dedup check failed: %w", err)
	}
	if verdict.Duplicate {
		s.metrics.DuplicatesSuppressed.WithLabelValues(string(verdict.Layer)).Inc()
		s.bus.Publish(events.TypeDuplicateSuppress, map[string]interface{}{
			"target_id": item.TargetID,
			"layer":     string(verdict.Layer),
			"title":     item.Title,
		})
		return domain.IngestResult{Disposition: domain.DispositionDuplicate, DuplicateLayer: verdict.Layer}, nil
	}

	signalID, err := s.signals.Create(domain.Signal{
		OrganizationID: s.orgID,
		SourceID:       item.SourceID,
		TargetID:       item.TargetID,
		Title:          item.Title,
		Content:        item.Body,
		ObservedAt:     item.ObservedAt,
	})
	if err != nil {
		return domain.IngestResult{}, err
	}
	s.metrics.SignalsCreated.Inc()
	s.bus.Publish(events.TypeSignalIngested, map[string]interface{}{
		"signal_id": signalID,
		"target_id": item.TargetID,
		"title":     item.Title,
	})

	disposition, err := s.assess(ctx, signalID, item)
	if err != nil {
		return domain.IngestResult{}, err
	}
	return domain.IngestResult{SignalID: signalID, Disposition: disposition}, nil
}

// assess fans the signal out to the ensemble and routes it by the combined
// verdict: quorum failure and the moderate band go to review, a confident
// directional verdict becomes a predictor, everything else is discarded.
func (s *Service) assess(ctx context.Context, signalID string, item domain.RawItem) (domain.SignalDisposition, error) {
	signal, err := s.signals.Get(signalID)
	if err != nil {
		return "", err
	}
	sc, err := s.universes.GetTargetScope(item.TargetID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target scope: %w", err)
	}
	target, err := s.universes.GetTarget(item.TargetID)
	if err != nil {
		return "", err
	}
	if target == nil {
		return "", fmt.Errorf("target %d not found", item.TargetID)
	}

	result, err := s.ensemble.Assess(ctx, *signal, sc, target.Symbol)
	if err != nil {
		return "", err
	}
	s.metrics.AnalystCalls.WithLabelValues("responded").Add(float64(result.Responded))
	s.metrics.AnalystCalls.WithLabelValues("skipped").Add(float64(result.Skipped))

	if err := s.signals.SetVerdict(signalID, result.Direction, result.Confidence); err != nil {
		return "", err
	}

	if !result.QuorumMet {
		return s.routeToReview(signalID, item.TargetID, domain.ReviewQuorumFailure, result)
	}

	cfg := s.generator.Config()
	switch {
	case result.Direction != domain.DirectionNeutral && result.Confidence > cfg.ModerateBandHigh:
		return s.createPredictor(signalID, item.TargetID, result)
	case s.generator.ModerateBand(result.Confidence):
		return s.routeToReview(signalID, item.TargetID, domain.ReviewModerateConfidence, result)
	default:
		if err := s.signals.SetDisposition(signalID, domain.DispositionDiscarded); err != nil {
			return "", err
		}
		return domain.DispositionDiscarded, nil
	}
}

func (s *Service) routeToReview(signalID string, targetID int64, reason domain.ReviewReason, result *ensemble.Result) (domain.SignalDisposition, error) {
	err := s.review.Enqueue(domain.ReviewEntry{
		SignalID:            signalID,
		TargetID:            targetID,
		Reason:              reason,
		SuggestedDirection:  result.Direction,
		SuggestedConfidence: result.Confidence,
	})
	if err != nil {
		return "", err
	}
	s.metrics.ReviewQueued.WithLabelValues(string(reason)).Inc()
	s.bus.Publish(events.TypeReviewQueued, map[string]interface{}{
		"signal_id": signalID,
		"target_id": targetID,
		"reason":    string(reason),
	})
	return domain.DispositionReviewPending, nil
}

func (s *Service) createPredictor(signalID string, targetID int64, result *ensemble.Result) (domain.SignalDisposition, error) {
	gate, err := s.generator.AddPredictor(domain.Predictor{
		SignalID:   signalID,
		TargetID:   targetID,
		Direction:  result.Direction,
		Strength:   result.Strength,
		Confidence: result.Confidence,
		ExpiresAt:  result.ExpiresAt,
	})
	if err != nil {
		return "", err
	}
	s.metrics.PredictorsCreated.Inc()

	if err := s.assessments.AttachPredictor(signalID, gate.PredictorID); err != nil {
		return "", err
	}
	if err := s.signals.SetDisposition(signalID, domain.DispositionPredictorCreated); err != nil {
		return "", err
	}

	s.bus.Publish(events.TypePredictorCreated, map[string]interface{}{
		"signal_id":    signalID,
		"target_id":    targetID,
		"predictor_id": gate.PredictorID,
		"direction":    string(result.Direction),
		"strength":     result.Strength,
	})
	if gate.Prediction != nil {
		s.metrics.PredictionsCreated.Inc()
		s.bus.Publish(events.TypePredictionCreated, map[string]interface{}{
			"target_id":     targetID,
			"prediction_id": gate.Prediction.ID,
			"direction":     string(gate.Prediction.Direction),
			"confidence":    gate.Prediction.Confidence,
		})
	}
	return domain.DispositionPredictorCreated, nil
}

// Reassess runs the ensemble over an already-persisted signal with the current
// analyst configuration, leaving the signal's stored verdict and disposition
// untouched. The replay harness uses it to re-drive assessment over
// rolled-back state.
func (s *Service) Reassess(ctx context.Context, signal domain.Signal) (*ensemble.Result, error) {
	sc, err := s.universes.GetTargetScope(signal.TargetID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target scope: %w", err)
	}
	target, err := s.universes.GetTarget(signal.TargetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("target %d not found", signal.TargetID)
	}
	return s.ensemble.Assess(ctx, signal, sc, target.Symbol)
}

// GeneratePredictions re-runs the gates for one target on demand, expiring
// stale predictors first.
func (s *Service) GeneratePredictions(targetID int64) (prediction.GateResult, error) {
	if _, err := s.predictors.ExpireStale(); err != nil {
		return prediction.GateResult{}, err
	}
	gate, err := s.generator.Generate(targetID, "")
	if err != nil {
		return gate, err
	}
	if gate.Prediction != nil {
		s.metrics.PredictionsCreated.Inc()
		s.bus.Publish(events.TypePredictionCreated, map[string]interface{}{
			"target_id":     targetID,
			"prediction_id": gate.Prediction.ID,
			"direction":     string(gate.Prediction.Direction),
			"confidence":    gate.Prediction.Confidence,
		})
	}
	return gate, nil
}

// LearningsForPrediction reports which learnings influenced the assessments
// behind a prediction. Satisfies the evaluator's applied-learnings lookup.
func (s *Service) LearningsForPrediction(predictionID int64) ([]int64, error) {
	pred, err := s.predictions.Get(predictionID)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return nil, fmt.Errorf("prediction %d not found", predictionID)
	}

	var snapshot struct {
		PredictorIDs []int64 `json:"predictor_ids"`
	}
	if err := json.Unmarshal([]byte(pred.Ensemble), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode ensemble snapshot: %w", err)
	}
	return s.assessments.LearningsByPredictors(snapshot.PredictorIDs)
}

// Funnel summarizes pipeline throughput since the cutoff.
func (s *Service) Funnel(since time.Time) (*FunnelReport, error) {
	signalCounts, err := s.signals.CountByDisposition(since)
	if err != nil {
		return nil, err
	}
	predictorCount, err := s.predictors.CountSince(since)
	if err != nil {
		return nil, err
	}
	predictionCount, err := s.predictions.CountSince(since)
	if err != nil {
		return nil, err
	}
	pendingReviews, err := s.review.CountPending()
	if err != nil {
		return nil, err
	}
	dedupCounts, err := s.crawlStats.DedupTallies(since)
	if err != nil {
		return nil, err
	}

	report := &FunnelReport{
		Since:          since,
		Signals:        signalCounts,
		Predictors:     predictorCount,
		Predictions:    predictionCount,
		PendingReviews: pendingReviews,
		DedupByLayer:   dedupCounts,
	}
	for _, n := range signalCounts {
		report.TotalSignalsInWindow += n
	}
	for _, n := range dedupCounts {
		report.TotalDuplicates += n
	}
	return report, nil
}

// RecordEvaluation publishes an evaluation event and bumps the metric.
// Called by the HTTP layer after the evaluator scores a prediction.
func (s *Service) RecordEvaluation(eval domain.Evaluation) {
	s.metrics.EvaluationsScored.WithLabelValues(strconv.FormatBool(eval.DirectionCorrect)).Inc()
	s.bus.Publish(events.TypePredictionEval, map[string]interface{}{
		"prediction_id":     eval.PredictionID,
		"target_id":         eval.TargetID,
		"direction_correct": eval.DirectionCorrect,
		"composite_score":   eval.CompositeScore,
	})
}
