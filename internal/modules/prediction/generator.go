// Package prediction turns accumulated predictors into at most one active
// prediction per target through a threshold-gated state transition.
package prediction

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/database"
	"github.com/aristath/foresight/internal/domain"
)

// PriceProvider supplies the last traded price for a target. Optional: when
// absent, predictions carry no price levels.
type PriceProvider interface {
	LastPrice(targetID int64) (float64, error)
}

// Config tunes the three threshold gates and the moderate review band.
type Config struct {
	MinPredictorCount   int     // gate (a)
	MinCombinedStrength int     // gate (b): sum of contributing strengths
	ConsensusFraction   float64 // gate (c): fraction agreeing on direction
	ModerateBandLow     float64 // review-routing band lower bound
	ModerateBandHigh    float64 // review-routing band upper bound
}

// DefaultConfig returns the default generator configuration.
func DefaultConfig() Config {
	return Config{
		MinPredictorCount:   3,
		MinCombinedStrength: 6,
		ConsensusFraction:   0.66,
		ModerateBandLow:     0.40,
		ModerateBandHigh:    0.70,
	}
}

// GateResult reports the outcome of one gate evaluation.
type GateResult struct {
	PredictorID  int64 // set by AddPredictor
	CountMet     bool
	StrengthMet  bool
	ConsensusMet bool
	Prediction   *domain.Prediction // set when all gates passed
}

// AllMet reports whether every gate passed.
func (g GateResult) AllMet() bool {
	return g.CountMet && g.StrengthMet && g.ConsensusMet
}

// Generator evaluates the threshold gates whenever a predictor is added and
// performs the guarded accumulating → active transition.
type Generator struct {
	predictors  *PredictorRepository
	predictions *PredictionRepository
	prices      PriceProvider
	cfg         Config
	log         zerolog.Logger

	// Per-target critical sections. Predictor accumulation and the
	// active-uniqueness check for one target must never interleave.
	locks   map[int64]*sync.Mutex
	locksMu sync.Mutex
}

// NewGenerator creates a new prediction generator.
func NewGenerator(
	predictors *PredictorRepository,
	predictions *PredictionRepository,
	prices PriceProvider,
	cfg Config,
	log zerolog.Logger,
) *Generator {
	if cfg.MinPredictorCount <= 0 {
		cfg.MinPredictorCount = 3
	}
	if cfg.MinCombinedStrength <= 0 {
		cfg.MinCombinedStrength = 6
	}
	if cfg.ConsensusFraction <= 0 {
		cfg.ConsensusFraction = 0.66
	}
	return &Generator{
		predictors:  predictors,
		predictions: predictions,
		prices:      prices,
		cfg:         cfg,
		log:         log.With().Str("service", "prediction_generator").Logger(),
		locks:       make(map[int64]*sync.Mutex),
	}
}

// Config returns the generator's gate configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

func (g *Generator) targetLock(targetID int64) *sync.Mutex {
	g.locksMu.Lock()
	defer g.locksMu.Unlock()
	mu, ok := g.locks[targetID]
	if !ok {
		mu = &sync.Mutex{}
		g.locks[targetID] = mu
	}
	return mu
}

// AddPredictor persists a new predictor and immediately evaluates the gates
// for its target. The whole sequence runs inside the target's critical
// section so two concurrent signals can never both pass the gates.
func (g *Generator) AddPredictor(p domain.Predictor) (GateResult, error) {
	mu := g.targetLock(p.TargetID)
	mu.Lock()
	defer mu.Unlock()

	id, err := g.predictors.Create(p)
	if err != nil {
		return GateResult{}, fmt.Errorf("failed to add predictor: %w", err)
	}
	p.ID = id

	result, err := g.evaluateGatesLocked(p.TargetID, "")
	result.PredictorID = id
	return result, err
}

// AddPredictorForReplay persists a predictor produced by a replay run and
// evaluates the gates under the replay tag, keeping any resulting prediction
// apart from live state.
func (g *Generator) AddPredictorForReplay(p domain.Predictor, replayOf string) (GateResult, error) {
	mu := g.targetLock(p.TargetID)
	mu.Lock()
	defer mu.Unlock()

	id, err := g.predictors.Create(p)
	if err != nil {
		return GateResult{}, fmt.Errorf("failed to add replay predictor: %w", err)
	}
	p.ID = id

	result, err := g.evaluateGatesLocked(p.TargetID, replayOf)
	result.PredictorID = id
	return result, err
}

// Generate re-evaluates the gates for a target on demand (the
// generate_predictions command). replayOf tags predictions produced by a
// replay run so they never collide with live state.
func (g *Generator) Generate(targetID int64, replayOf string) (GateResult, error) {
	mu := g.targetLock(targetID)
	mu.Lock()
	defer mu.Unlock()

	return g.evaluateGatesLocked(targetID, replayOf)
}

// evaluateGatesLocked checks the three gates and, when all pass, performs the
// transition: cancel any existing active prediction (with an audit note),
// insert the new one, and supersede the contributing predictors - all in one
// transaction. Callers must hold the target lock.
func (g *Generator) evaluateGatesLocked(targetID int64, replayOf string) (GateResult, error) {
	active, err := g.predictors.ActiveForTarget(targetID)
	if err != nil {
		return GateResult{}, err
	}

	result := GateResult{}
	result.CountMet = len(active) >= g.cfg.MinPredictorCount

	combinedStrength := 0
	dirCounts := map[domain.Direction]int{}
	for _, p := range active {
		combinedStrength += p.Strength
		dirCounts[p.Direction]++
	}
	result.StrengthMet = combinedStrength >= g.cfg.MinCombinedStrength

	consensus := domain.DirectionNeutral
	best := 0
	for _, d := range []domain.Direction{domain.DirectionBullish, domain.DirectionBearish} {
		if dirCounts[d] > best {
			best = dirCounts[d]
			consensus = d
		}
	}
	if len(active) > 0 && consensus != domain.DirectionNeutral {
		result.ConsensusMet = float64(best)/float64(len(active)) >= g.cfg.ConsensusFraction
	}

	if !result.AllMet() {
		return result, nil
	}

	pred, err := g.transitionLocked(targetID, active, consensus, combinedStrength, replayOf)
	if err != nil {
		return result, err
	}
	result.Prediction = pred
	return result, nil
}

func (g *Generator) transitionLocked(
	targetID int64,
	contributing []domain.Predictor,
	direction domain.Direction,
	combinedStrength int,
	replayOf string,
) (*domain.Prediction, error) {
	// Average confidence of agreeing predictors.
	var confSum float64
	var agreeing int
	ids := make([]int64, 0, len(contributing))
	for _, p := range contributing {
		ids = append(ids, p.ID)
		if p.Direction == direction {
			confSum += p.Confidence
			agreeing++
		}
	}
	confidence := confSum / float64(agreeing)

	ensemble, err := json.Marshal(map[string]interface{}{
		"predictor_ids":     ids,
		"combined_strength": combinedStrength,
		"agreeing":          agreeing,
		"total":             len(contributing),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ensemble snapshot: %w", err)
	}

	newPred := domain.Prediction{
		TargetID:   targetID,
		Direction:  direction,
		Confidence: confidence,
		Magnitude:  magnitudeFor(combinedStrength, confidence),
		Ensemble:   string(ensemble),
		ReplayOf:   replayOf,
	}
	g.attachPriceLevels(&newPred)

	var createdID int64
	err = database.WithTransaction(g.predictions.DB(), func(tx *sql.Tx) error {
		// Invariant enforced at transition time: cancel any existing active
		// prediction for the target before inserting the new one. Replay runs
		// operate on rolled-back state and skip the live check.
		if replayOf == "" {
			existing, err := g.predictions.GetActiveForTarget(targetID)
			if err != nil {
				return err
			}
			if existing != nil {
				note := fmt.Sprintf("superseded by new gated prediction at %s", time.Now().UTC().Format(time.RFC3339))
				if err := g.predictions.CancelTx(tx, existing.ID, note); err != nil {
					return err
				}
				g.log.Warn().
					Int64("target_id", targetID).
					Int64("cancelled_prediction_id", existing.ID).
					Msg("Cancelled existing active prediction before creating new one")
			}
		}

		id, err := g.predictions.CreateTx(tx, newPred)
		if err != nil {
			return err
		}
		createdID = id

		return g.predictors.Supersede(tx, ids)
	})
	if err != nil {
		return nil, fmt.Errorf("prediction transition failed: %w", err)
	}

	newPred.ID = createdID
	newPred.Status = domain.PredictionActive
	newPred.CreatedAt = time.Now()

	g.log.Info().
		Int64("target_id", targetID).
		Int64("prediction_id", createdID).
		Str("direction", string(direction)).
		Float64("confidence", confidence).
		Int("predictors", len(contributing)).
		Msg("Prediction created")

	return &newPred, nil
}

// attachPriceLevels fills entry/target/stop from the last traded price.
// Levels scale with the magnitude bucket.
func (g *Generator) attachPriceLevels(p *domain.Prediction) {
	if g.prices == nil {
		return
	}
	last, err := g.prices.LastPrice(p.TargetID)
	if err != nil || last <= 0 {
		return
	}

	move := map[domain.Magnitude]float64{
		domain.MagnitudeSmall:    0.02,
		domain.MagnitudeModerate: 0.05,
		domain.MagnitudeLarge:    0.10,
		domain.MagnitudeOutsized: 0.20,
	}[p.Magnitude]

	entry := last
	var target, stop float64
	if p.Direction == domain.DirectionBullish {
		target = entry * (1 + move)
		stop = entry * (1 - move/2)
	} else {
		target = entry * (1 - move)
		stop = entry * (1 + move/2)
	}
	p.EntryPrice = &entry
	p.TargetPrice = &target
	p.StopPrice = &stop
}

// ModerateBand reports whether a raw signal confidence falls in the band that
// routes to human review when the gates are unmet.
func (g *Generator) ModerateBand(confidence float64) bool {
	return confidence >= g.cfg.ModerateBandLow && confidence <= g.cfg.ModerateBandHigh
}

func magnitudeFor(combinedStrength int, confidence float64) domain.Magnitude {
	switch {
	case combinedStrength >= 15 && confidence >= 0.8:
		return domain.MagnitudeOutsized
	case combinedStrength >= 10:
		return domain.MagnitudeLarge
	case combinedStrength >= 6:
		return domain.MagnitudeModerate
	default:
		return domain.MagnitudeSmall
	}
}
