package review

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
	"github.com/aristath/foresight/internal/modules/prediction"
)

// SignalStore is the slice of the signal repository the review service needs.
type SignalStore interface {
	Get(id string) (*domain.Signal, error)
	SetDisposition(id string, d domain.SignalDisposition) error
}

// Service resolves review queue entries. Moderate-confidence routing and
// quorum failures resolve through the same path: a human verdict either
// becomes a predictor or discards the signal.
type Service struct {
	repo      *Repository
	signals   SignalStore
	generator *prediction.Generator
	ttl       time.Duration
	log       zerolog.Logger
}

// NewService creates a new review service.
func NewService(repo *Repository, signals SignalStore, generator *prediction.Generator, ttl time.Duration, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Service{
		repo:      repo,
		signals:   signals,
		generator: generator,
		ttl:       ttl,
		log:       log.With().Str("service", "review").Logger(),
	}
}

// Enqueue places a signal in the review queue and marks it review_pending.
func (s *Service) Enqueue(entry domain.ReviewEntry) error {
	if _, err := s.repo.Enqueue(entry); err != nil {
		return err
	}
	if err := s.signals.SetDisposition(entry.SignalID, domain.DispositionReviewPending); err != nil {
		return err
	}
	s.log.Info().
		Str("signal_id", entry.SignalID).
		Str("reason", string(entry.Reason)).
		Msg("Signal queued for review")
	return nil
}

// ListPending returns pending review entries.
func (s *Service) ListPending(limit int) ([]domain.ReviewEntry, error) {
	return s.repo.ListPending(limit)
}

// Submit applies a human verdict to a pending entry. A neutral direction
// discards the signal; otherwise the verdict becomes a predictor and the
// target's gates are re-evaluated, exactly as if the ensemble had produced it.
func (s *Service) Submit(signalID string, direction domain.Direction, confidence float64, reasoning string) (*prediction.GateResult, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("invalid direction %q", direction)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", confidence)
	}

	entry, err := s.repo.GetBySignal(signalID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("no review entry for signal %s", signalID)
	}

	if err := s.repo.Resolve(signalID, direction, confidence, reasoning); err != nil {
		return nil, err
	}

	if direction == domain.DirectionNeutral {
		if err := s.signals.SetDisposition(signalID, domain.DispositionDiscarded); err != nil {
			return nil, err
		}
		s.log.Info().Str("signal_id", signalID).Msg("Review verdict: discarded")
		return nil, nil
	}

	gate, err := s.generator.AddPredictor(domain.Predictor{
		SignalID:   signalID,
		TargetID:   entry.TargetID,
		Direction:  direction,
		Strength:   strengthFor(confidence),
		Confidence: confidence,
		ExpiresAt:  time.Now().Add(s.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create predictor from review: %w", err)
	}
	if err := s.signals.SetDisposition(signalID, domain.DispositionPredictorCreated); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("signal_id", signalID).
		Str("direction", string(direction)).
		Float64("confidence", confidence).
		Bool("prediction_created", gate.Prediction != nil).
		Msg("Review verdict applied")

	return &gate, nil
}

// CountPending returns pending entries grouped by reason.
func (s *Service) CountPending() (map[domain.ReviewReason]int64, error) {
	return s.repo.CountPending()
}

// strengthFor maps a human confidence onto the 1-5 predictor strength scale.
// Human verdicts come without an ensemble margin, so confidence stands in.
func strengthFor(confidence float64) int {
	switch {
	case confidence >= 0.90:
		return 5
	case confidence >= 0.80:
		return 4
	case confidence >= 0.65:
		return 3
	case confidence >= 0.50:
		return 2
	default:
		return 1
	}
}
