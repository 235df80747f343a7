// Package review holds signals that the automated pipeline could not act on
// with confidence until a human disposes of them.
package review

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// Repository handles review queue database operations.
type Repository struct {
	db  *sql.DB // pipeline.db
	log zerolog.Logger
}

const reviewColumns = `id, signal_id, target_id, reason, suggested_direction, suggested_confidence,
	status, resolved_direction, resolved_confidence, resolved_reasoning, created_at, resolved_at`

// NewRepository creates a new review repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "review").Logger(),
	}
}

// Enqueue adds a signal to the review queue. The signal_id unique constraint
// makes enqueueing idempotent: a signal already queued stays queued once.
func (r *Repository) Enqueue(e domain.ReviewEntry) (int64, error) {
	res, err := r.db.Exec(`
		INSERT INTO review_queue (signal_id, target_id, reason, suggested_direction, suggested_confidence, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (signal_id) DO NOTHING`,
		e.SignalID, e.TargetID, string(e.Reason), string(e.SuggestedDirection), e.SuggestedConfidence,
		string(domain.ReviewPending), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue review: %w", err)
	}
	return res.LastInsertId()
}

// GetBySignal returns the review entry for a signal, or (nil, nil) when none exists.
func (r *Repository) GetBySignal(signalID string) (*domain.ReviewEntry, error) {
	row := r.db.QueryRow("SELECT "+reviewColumns+" FROM review_queue WHERE signal_id = ?", signalID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review entry: %w", err)
	}
	return &e, nil
}

// ListPending returns pending entries, oldest first.
func (r *Repository) ListPending(limit int) ([]domain.ReviewEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(
		"SELECT "+reviewColumns+" FROM review_queue WHERE status = 'pending' ORDER BY created_at LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	defer rows.Close()

	var out []domain.ReviewEntry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Resolve records the human verdict on a pending entry. Resolving an already
// resolved (or missing) entry is an error so double submissions surface.
func (r *Repository) Resolve(signalID string, direction domain.Direction, confidence float64, reasoning string) error {
	res, err := r.db.Exec(`
		UPDATE review_queue
		SET status = 'resolved', resolved_direction = ?, resolved_confidence = ?, resolved_reasoning = ?, resolved_at = ?
		WHERE signal_id = ? AND status = 'pending'`,
		string(direction), confidence, reasoning, time.Now().Unix(), signalID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve review: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no pending review for signal %s", signalID)
	}
	return nil
}

// CountPending returns the number of pending entries per reason.
func (r *Repository) CountPending() (map[domain.ReviewReason]int64, error) {
	rows, err := r.db.Query("SELECT reason, COUNT(*) FROM review_queue WHERE status = 'pending' GROUP BY reason")
	if err != nil {
		return nil, fmt.Errorf("failed to count pending reviews: %w", err)
	}
	defer rows.Close()

	out := map[domain.ReviewReason]int64{}
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan review count: %w", err)
		}
		out[domain.ReviewReason(reason)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row *sql.Row) (domain.ReviewEntry, error) {
	return scanInto(row)
}

func scanEntryRows(rows *sql.Rows) (domain.ReviewEntry, error) {
	e, err := scanInto(rows)
	if err != nil {
		return e, fmt.Errorf("failed to scan review entry: %w", err)
	}
	return e, nil
}

func scanInto(s rowScanner) (domain.ReviewEntry, error) {
	var e domain.ReviewEntry
	var reason, suggestedDir, status string
	var resolvedDir, resolvedReasoning sql.NullString
	var resolvedConf sql.NullFloat64
	var createdAt int64
	var resolvedAt sql.NullInt64
	err := s.Scan(&e.ID, &e.SignalID, &e.TargetID, &reason, &suggestedDir, &e.SuggestedConfidence,
		&status, &resolvedDir, &resolvedConf, &resolvedReasoning, &createdAt, &resolvedAt)
	if err != nil {
		return e, err
	}
	e.Reason = domain.ReviewReason(reason)
	e.SuggestedDirection = domain.Direction(suggestedDir)
	e.Status = domain.ReviewStatus(status)
	e.ResolvedDirection = domain.Direction(resolvedDir.String)
	e.ResolvedConfidence = resolvedConf.Float64
	e.ResolvedReasoning = resolvedReasoning.String
	e.CreatedAt = time.Unix(createdAt, 0)
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0)
		e.ResolvedAt = &t
	}
	return e, nil
}
