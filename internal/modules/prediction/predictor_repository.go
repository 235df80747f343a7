package prediction

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// PredictorRepository handles predictor database operations.
type PredictorRepository struct {
	db  *sql.DB // pipeline.db
	log zerolog.Logger
}

const predictorsColumns = `id, signal_id, target_id, direction, strength, confidence, expires_at, status, created_at`

// NewPredictorRepository creates a new predictor repository.
func NewPredictorRepository(db *sql.DB, log zerolog.Logger) *PredictorRepository {
	return &PredictorRepository{
		db:  db,
		log: log.With().Str("repo", "predictor").Logger(),
	}
}

// Create inserts a predictor. The signal_id unique constraint guarantees
// exactly one predictor batch per signal.
func (r *PredictorRepository) Create(p domain.Predictor) (int64, error) {
	res, err := r.db.Exec(`
		INSERT INTO predictors (signal_id, target_id, direction, strength, confidence, expires_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SignalID, p.TargetID, string(p.Direction), p.Strength, p.Confidence,
		p.ExpiresAt.Unix(), string(domain.PredictorActive), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create predictor: %w", err)
	}
	return res.LastInsertId()
}

// ActiveForTarget returns unexpired active predictors for a target, oldest first.
func (r *PredictorRepository) ActiveForTarget(targetID int64) ([]domain.Predictor, error) {
	rows, err := r.db.Query(
		"SELECT "+predictorsColumns+" FROM predictors WHERE target_id = ? AND status = 'active' AND expires_at > ? ORDER BY created_at",
		targetID, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active predictors: %w", err)
	}
	defer rows.Close()
	return scanPredictors(rows)
}

// Supersede marks the given predictors superseded within a transaction.
// Called when they are consumed into a prediction.
func (r *PredictorRepository) Supersede(tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := tx.Exec("UPDATE predictors SET status = 'superseded' WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to supersede predictors: %w", err)
	}
	return nil
}

// ExpireStale marks predictors past their expiry as expired.
// Returns the number of rows affected.
func (r *PredictorRepository) ExpireStale() (int64, error) {
	res, err := r.db.Exec(
		"UPDATE predictors SET status = 'expired' WHERE status = 'active' AND expires_at <= ?",
		time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire predictors: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("expired", n).Msg("Expired stale predictors")
	}
	return n, nil
}

// CountSince returns the number of predictors created at or after the cutoff.
func (r *PredictorRepository) CountSince(since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow("SELECT COUNT(*) FROM predictors WHERE created_at >= ?", since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count predictors: %w", err)
	}
	return n, nil
}

func scanPredictors(rows *sql.Rows) ([]domain.Predictor, error) {
	var out []domain.Predictor
	for rows.Next() {
		var p domain.Predictor
		var direction, status string
		var expiresAt, createdAt int64
		if err := rows.Scan(&p.ID, &p.SignalID, &p.TargetID, &direction, &p.Strength, &p.Confidence,
			&expiresAt, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan predictor: %w", err)
		}
		p.Direction = domain.Direction(direction)
		p.Status = domain.PredictorStatus(status)
		p.ExpiresAt = time.Unix(expiresAt, 0)
		p.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}
