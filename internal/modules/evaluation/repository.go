// Package evaluation scores resolved predictions against realized outcomes
// and feeds what it finds back into the learning loop.
package evaluation

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// Repository handles evaluation database operations.
type Repository struct {
	db  *sql.DB // learnings.db
	log zerolog.Logger
}

const evaluationColumns = `id, prediction_id, target_id, realized_direction, realized_change_pct,
	direction_correct, magnitude_accuracy, composite_score, outcome, created_at`

// NewRepository creates a new evaluation repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "evaluation").Logger(),
	}
}

// Create inserts an evaluation. The prediction_id unique constraint makes
// double evaluation of one prediction impossible.
func (r *Repository) Create(e domain.Evaluation) (int64, error) {
	if e.Outcome == "" {
		e.Outcome = "{}"
	}
	res, err := r.db.Exec(`
		INSERT INTO evaluations (prediction_id, target_id, realized_direction, realized_change_pct,
			direction_correct, magnitude_accuracy, composite_score, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.PredictionID, e.TargetID, string(e.RealizedDirection), e.RealizedChangePct,
		boolToInt(e.DirectionCorrect), e.MagnitudeAccuracy, e.CompositeScore, e.Outcome, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create evaluation: %w", err)
	}
	return res.LastInsertId()
}

// GetByPrediction returns the evaluation of a prediction, or (nil, nil) when
// it has not been evaluated.
func (r *Repository) GetByPrediction(predictionID int64) (*domain.Evaluation, error) {
	row := r.db.QueryRow("SELECT "+evaluationColumns+" FROM evaluations WHERE prediction_id = ?", predictionID)
	e, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation: %w", err)
	}
	return &e, nil
}

// ListForTarget returns a target's evaluations, newest first.
func (r *Repository) ListForTarget(targetID int64, limit int) ([]domain.Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		"SELECT "+evaluationColumns+" FROM evaluations WHERE target_id = ? ORDER BY created_at DESC LIMIT ?",
		targetID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var out []domain.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AccuracyForTarget returns the hit rate and mean composite score over a
// target's evaluations.
func (r *Repository) AccuracyForTarget(targetID int64) (hitRate, meanScore float64, n int64, err error) {
	err = r.db.QueryRow(`
		SELECT COALESCE(AVG(direction_correct), 0), COALESCE(AVG(composite_score), 0), COUNT(*)
		FROM evaluations WHERE target_id = ?`, targetID,
	).Scan(&hitRate, &meanScore, &n)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to compute accuracy: %w", err)
	}
	return hitRate, meanScore, n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvaluation(s rowScanner) (domain.Evaluation, error) {
	var e domain.Evaluation
	var realizedDir string
	var directionCorrect int
	var createdAt int64
	err := s.Scan(&e.ID, &e.PredictionID, &e.TargetID, &realizedDir, &e.RealizedChangePct,
		&directionCorrect, &e.MagnitudeAccuracy, &e.CompositeScore, &e.Outcome, &createdAt)
	if err != nil {
		return e, err
	}
	e.RealizedDirection = domain.Direction(realizedDir)
	e.DirectionCorrect = directionCorrect != 0
	e.CreatedAt = time.Unix(createdAt, 0)
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
