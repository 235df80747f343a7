// Package pipeline orchestrates the path from raw item to prediction:
// dedup, ensemble assessment, gate evaluation, review routing.
package pipeline

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// SignalRepository handles signal database operations.
type SignalRepository struct {
	db  *sql.DB // pipeline.db
	log zerolog.Logger
}

const signalColumns = `id, organization_id, source_id, target_id, title, content, direction, confidence,
	evaluation, disposition, observed_at, created_at`

// NewSignalRepository creates a new signal repository.
func NewSignalRepository(db *sql.DB, log zerolog.Logger) *SignalRepository {
	return &SignalRepository{
		db:  db,
		log: log.With().Str("repo", "signal").Logger(),
	}
}

// Create inserts a signal, generating its id.
func (r *SignalRepository) Create(s domain.Signal) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Evaluation == "" {
		s.Evaluation = "{}"
	}
	if s.Direction == "" {
		s.Direction = domain.DirectionNeutral
	}
	if s.Disposition == "" {
		s.Disposition = domain.DispositionReviewPending
	}
	_, err := r.db.Exec(`
		INSERT INTO signals (id, organization_id, source_id, target_id, title, content, direction, confidence,
			evaluation, disposition, observed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OrganizationID, s.SourceID, s.TargetID, s.Title, s.Content,
		string(s.Direction), s.Confidence, s.Evaluation, string(s.Disposition),
		s.ObservedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signal: %w", err)
	}
	return s.ID, nil
}

// Get retrieves a signal by id. Returns (nil, nil) when not found.
func (r *SignalRepository) Get(id string) (*domain.Signal, error) {
	row := r.db.QueryRow("SELECT "+signalColumns+" FROM signals WHERE id = ?", id)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return &s, nil
}

// SetDisposition records a signal's terminal classification.
func (r *SignalRepository) SetDisposition(id string, d domain.SignalDisposition) error {
	_, err := r.db.Exec("UPDATE signals SET disposition = ? WHERE id = ?", string(d), id)
	if err != nil {
		return fmt.Errorf("failed to set signal disposition: %w", err)
	}
	return nil
}

// SetVerdict stores the combined ensemble verdict on the signal row.
func (r *SignalRepository) SetVerdict(id string, direction domain.Direction, confidence float64) error {
	_, err := r.db.Exec(
		"UPDATE signals SET direction = ?, confidence = ? WHERE id = ?",
		string(direction), confidence, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set signal verdict: %w", err)
	}
	return nil
}

// ListForTarget returns a target's signals, newest first.
func (r *SignalRepository) ListForTarget(targetID int64, limit int) ([]domain.Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		"SELECT "+signalColumns+" FROM signals WHERE target_id = ? ORDER BY created_at DESC LIMIT ?",
		targetID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// CountByDisposition returns signal counts per disposition since the cutoff.
func (r *SignalRepository) CountByDisposition(since time.Time) (map[domain.SignalDisposition]int64, error) {
	rows, err := r.db.Query(
		"SELECT disposition, COUNT(*) FROM signals WHERE created_at >= ? GROUP BY disposition", since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count signals: %w", err)
	}
	defer rows.Close()

	out := map[domain.SignalDisposition]int64{}
	for rows.Next() {
		var d string
		var n int64
		if err := rows.Scan(&d, &n); err != nil {
			return nil, fmt.Errorf("failed to scan signal count: %w", err)
		}
		out[domain.SignalDisposition(d)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(s rowScanner) (domain.Signal, error) {
	var sig domain.Signal
	var direction, disposition string
	var observedAt, createdAt int64
	err := s.Scan(&sig.ID, &sig.OrganizationID, &sig.SourceID, &sig.TargetID, &sig.Title, &sig.Content,
		&direction, &sig.Confidence, &sig.Evaluation, &disposition, &observedAt, &createdAt)
	if err != nil {
		return sig, err
	}
	sig.Direction = domain.Direction(direction)
	sig.Disposition = domain.SignalDisposition(disposition)
	sig.ObservedAt = time.Unix(observedAt, 0)
	sig.CreatedAt = time.Unix(createdAt, 0)
	return sig, nil
}

func scanSignals(rows *sql.Rows) ([]domain.Signal, error) {
	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
