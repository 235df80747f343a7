package prediction

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// ErrDuplicateActive is returned when an insert would violate the
// one-active-prediction-per-target invariant. This is a defect-class error:
// it means a caller bypassed the generator's guarded transition.
var ErrDuplicateActive = errors.New("duplicate active prediction for target")

// PredictionRepository handles prediction database operations.
type PredictionRepository struct {
	db  *sql.DB // pipeline.db
	log zerolog.Logger
}

const predictionsColumns = `id, target_id, direction, confidence, magnitude, entry_price, target_price, stop_price,
	ensemble, status, audit_note, replay_of, created_at, resolved_at, cancelled_at`

// NewPredictionRepository creates a new prediction repository.
func NewPredictionRepository(db *sql.DB, log zerolog.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:  db,
		log: log.With().Str("repo", "prediction").Logger(),
	}
}

// DB exposes the underlying connection for transactional callers.
func (r *PredictionRepository) DB() *sql.DB {
	return r.db
}

// CreateTx inserts a prediction within a transaction. A unique-index
// violation on the active partial index surfaces as ErrDuplicateActive.
func (r *PredictionRepository) CreateTx(tx *sql.Tx, p domain.Prediction) (int64, error) {
	if p.Ensemble == "" {
		p.Ensemble = "{}"
	}
	res, err := tx.Exec(`
		INSERT INTO predictions (target_id, direction, confidence, magnitude, entry_price, target_price, stop_price,
			ensemble, status, audit_note, replay_of, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TargetID, string(p.Direction), p.Confidence, string(p.Magnitude),
		nullFloat(p.EntryPrice), nullFloat(p.TargetPrice), nullFloat(p.StopPrice),
		p.Ensemble, string(domain.PredictionActive), p.AuditNote, nullStr(p.ReplayOf), time.Now().Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateActive
		}
		return 0, fmt.Errorf("failed to create prediction: %w", err)
	}
	return res.LastInsertId()
}

// GetActiveForTarget returns the active live prediction for a target, or
// (nil, nil) when none exists. Replay-produced rows are excluded.
func (r *PredictionRepository) GetActiveForTarget(targetID int64) (*domain.Prediction, error) {
	row := r.db.QueryRow(
		"SELECT "+predictionsColumns+" FROM predictions WHERE target_id = ? AND status = 'active' AND replay_of IS NULL",
		targetID,
	)
	p, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active prediction: %w", err)
	}
	return &p, nil
}

// Get retrieves a prediction by id. Returns (nil, nil) when not found.
func (r *PredictionRepository) Get(id int64) (*domain.Prediction, error) {
	row := r.db.QueryRow("SELECT "+predictionsColumns+" FROM predictions WHERE id = ?", id)
	p, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return &p, nil
}

// CancelTx cancels a prediction with an audit note within a transaction.
func (r *PredictionRepository) CancelTx(tx *sql.Tx, id int64, note string) error {
	_, err := tx.Exec(
		"UPDATE predictions SET status = 'cancelled', audit_note = ?, cancelled_at = ? WHERE id = ? AND status = 'active'",
		note, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel prediction: %w", err)
	}
	return nil
}

// Resolve marks a prediction resolved. Only active predictions can resolve.
func (r *PredictionRepository) Resolve(id int64) error {
	res, err := r.db.Exec(
		"UPDATE predictions SET status = 'resolved', resolved_at = ? WHERE id = ? AND status = 'active'",
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve prediction: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("prediction %d is not active", id)
	}
	return nil
}

// ListCreatedAfter returns live (non-replay) predictions created at or after
// the cutoff, optionally filtered to one target. Used by the replay harness.
func (r *PredictionRepository) ListCreatedAfter(cutoff time.Time, targetID int64) ([]domain.Prediction, error) {
	query := "SELECT " + predictionsColumns + " FROM predictions WHERE created_at >= ? AND replay_of IS NULL"
	args := []interface{}{cutoff.Unix()}
	if targetID != 0 {
		query += " AND target_id = ?"
		args = append(args, targetID)
	}
	query += " ORDER BY created_at"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	defer rows.Close()
	return scanPredictions(rows)
}

// ListByReplay returns the predictions produced by one replay test.
func (r *PredictionRepository) ListByReplay(testID string) ([]domain.Prediction, error) {
	rows, err := r.db.Query(
		"SELECT "+predictionsColumns+" FROM predictions WHERE replay_of = ? ORDER BY created_at",
		testID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list replay predictions: %w", err)
	}
	defer rows.Close()
	return scanPredictions(rows)
}

// CountSince returns the number of live predictions created at or after the cutoff.
func (r *PredictionRepository) CountSince(since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM predictions WHERE created_at >= ? AND replay_of IS NULL", since.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count predictions: %w", err)
	}
	return n, nil
}

func scanPrediction(row *sql.Row) (domain.Prediction, error) {
	var p domain.Prediction
	var direction, magnitude, status string
	var entry, target, stop sql.NullFloat64
	var replayOf sql.NullString
	var createdAt int64
	var resolvedAt, cancelledAt sql.NullInt64
	err := row.Scan(&p.ID, &p.TargetID, &direction, &p.Confidence, &magnitude, &entry, &target, &stop,
		&p.Ensemble, &status, &p.AuditNote, &replayOf, &createdAt, &resolvedAt, &cancelledAt)
	if err != nil {
		return p, err
	}
	fillPrediction(&p, direction, magnitude, status, entry, target, stop, replayOf, createdAt, resolvedAt, cancelledAt)
	return p, nil
}

func scanPredictions(rows *sql.Rows) ([]domain.Prediction, error) {
	var out []domain.Prediction
	for rows.Next() {
		var p domain.Prediction
		var direction, magnitude, status string
		var entry, target, stop sql.NullFloat64
		var replayOf sql.NullString
		var createdAt int64
		var resolvedAt, cancelledAt sql.NullInt64
		err := rows.Scan(&p.ID, &p.TargetID, &direction, &p.Confidence, &magnitude, &entry, &target, &stop,
			&p.Ensemble, &status, &p.AuditNote, &replayOf, &createdAt, &resolvedAt, &cancelledAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		fillPrediction(&p, direction, magnitude, status, entry, target, stop, replayOf, createdAt, resolvedAt, cancelledAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func fillPrediction(p *domain.Prediction, direction, magnitude, status string,
	entry, target, stop sql.NullFloat64, replayOf sql.NullString,
	createdAt int64, resolvedAt, cancelledAt sql.NullInt64) {
	p.Direction = domain.Direction(direction)
	p.Magnitude = domain.Magnitude(magnitude)
	p.Status = domain.PredictionStatus(status)
	if entry.Valid {
		p.EntryPrice = &entry.Float64
	}
	if target.Valid {
		p.TargetPrice = &target.Float64
	}
	if stop.Valid {
		p.StopPrice = &stop.Float64
	}
	p.ReplayOf = replayOf.String
	p.CreatedAt = time.Unix(createdAt, 0)
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0)
		p.ResolvedAt = &t
	}
	if cancelledAt.Valid {
		t := time.Unix(cancelledAt.Int64, 0)
		p.CancelledAt = &t
	}
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
