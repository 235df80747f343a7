package ensemble

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// AssessmentRepository persists immutable analyst assessments.
type AssessmentRepository struct {
	db  *sql.DB // pipeline.db
	log zerolog.Logger
}

// NewAssessmentRepository creates a new assessment repository.
func NewAssessmentRepository(db *sql.DB, log zerolog.Logger) *AssessmentRepository {
	return &AssessmentRepository{
		db:  db,
		log: log.With().Str("repo", "assessment").Logger(),
	}
}

// Create inserts an assessment record. Assessments are never updated.
func (r *AssessmentRepository) Create(a domain.AnalystAssessment) (int64, error) {
	applied, err := json.Marshal(a.LearningsApplied)
	if err != nil {
		return 0, fmt.Errorf("failed to encode applied learnings: %w", err)
	}
	res, err := r.db.Exec(`
		INSERT INTO analyst_assessments
			(signal_id, predictor_id, prediction_id, analyst_id, analyst_slug, direction, confidence,
			 reasoning, tier, learnings_applied, skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SignalID, nullInt64(a.PredictorID), nullInt64(a.PredictionID),
		a.AnalystID, a.AnalystSlug, string(a.Direction), a.Confidence,
		a.Reasoning, string(a.Tier), string(applied), boolToInt(a.Skipped), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create assessment: %w", err)
	}
	return res.LastInsertId()
}

// AttachPredictor links a signal's assessments to the predictor built from them.
func (r *AssessmentRepository) AttachPredictor(signalID string, predictorID int64) error {
	_, err := r.db.Exec(
		"UPDATE analyst_assessments SET predictor_id = ? WHERE signal_id = ? AND predictor_id IS NULL",
		predictorID, signalID,
	)
	if err != nil {
		return fmt.Errorf("failed to attach predictor to assessments: %w", err)
	}
	return nil
}

// ListBySignal returns a signal's assessments ordered by analyst slug.
func (r *AssessmentRepository) ListBySignal(signalID string) ([]domain.AnalystAssessment, error) {
	rows, err := r.db.Query(`
		SELECT id, signal_id, predictor_id, prediction_id, analyst_id, analyst_slug, direction,
		       confidence, reasoning, tier, learnings_applied, skipped, created_at
		FROM analyst_assessments WHERE signal_id = ? ORDER BY analyst_slug`,
		signalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalystAssessment
	for rows.Next() {
		var a domain.AnalystAssessment
		var predictorID, predictionID sql.NullInt64
		var direction, tier, applied string
		var skipped int
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.SignalID, &predictorID, &predictionID, &a.AnalystID, &a.AnalystSlug,
			&direction, &a.Confidence, &a.Reasoning, &tier, &applied, &skipped, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		a.PredictorID = predictorID.Int64
		a.PredictionID = predictionID.Int64
		a.Direction = domain.Direction(direction)
		a.Tier = domain.Tier(tier)
		a.Skipped = skipped != 0
		a.CreatedAt = time.Unix(createdAt, 0)
		if err := json.Unmarshal([]byte(applied), &a.LearningsApplied); err != nil {
			return nil, fmt.Errorf("failed to decode applied learnings: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LearningsByPredictors returns the union of learnings applied across the
// assessments behind the given predictors.
func (r *AssessmentRepository) LearningsByPredictors(predictorIDs []int64) ([]int64, error) {
	if len(predictorIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(predictorIDs)), ",")
	args := make([]interface{}, len(predictorIDs))
	for i, id := range predictorIDs {
		args[i] = id
	}
	rows, err := r.db.Query(
		"SELECT learnings_applied FROM analyst_assessments WHERE predictor_id IN ("+placeholders+")", args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied learnings: %w", err)
	}
	defer rows.Close()

	seen := map[int64]struct{}{}
	var out []int64
	for rows.Next() {
		var applied string
		if err := rows.Scan(&applied); err != nil {
			return nil, fmt.Errorf("failed to scan applied learnings: %w", err)
		}
		var ids []int64
		if err := json.Unmarshal([]byte(applied), &ids); err != nil {
			return nil, fmt.Errorf("failed to decode applied learnings: %w", err)
		}
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out, rows.Err()
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
