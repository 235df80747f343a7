// Package learning manages the feedback loop: evaluation-derived proposals
// wait in an approval queue, approved learnings feed future assessments.
package learning

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// Repository handles learning and learning queue database operations.
type Repository struct {
	db  *sql.DB // learnings.db
	log zerolog.Logger
}

const learningColumns = `id, content, kind, scope_level, domain, universe_id, target_id, analyst_id,
	source_type, status, times_applied, times_helpful, queue_entry_id, created_at, updated_at`

const queueColumns = `id, content, kind, scope_level, domain, universe_id, target_id, analyst_id,
	evaluation_id, status, learning_id, created_at, decided_at`

// NewRepository creates a new learning repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "learning").Logger(),
	}
}

// CreateLearning inserts an active learning.
func (r *Repository) CreateLearning(l domain.Learning) (int64, error) {
	now := time.Now().Unix()
	res, err := r.db.Exec(`
		INSERT INTO learnings (content, kind, scope_level, domain, universe_id, target_id, analyst_id,
			source_type, status, queue_entry_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Content, string(l.Kind), string(l.ScopeLevel), nullStr(l.Domain),
		nullInt64(l.UniverseID), nullInt64(l.TargetID), nullInt64(l.AnalystID),
		string(l.SourceType), string(domain.LearningActive), nullInt64(l.QueueEntryID), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create learning: %w", err)
	}
	return res.LastInsertId()
}

// GetLearning retrieves a learning by id. Returns (nil, nil) when not found.
func (r *Repository) GetLearning(id int64) (*domain.Learning, error) {
	row := r.db.QueryRow("SELECT "+learningColumns+" FROM learnings WHERE id = ?", id)
	l, err := scanLearning(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get learning: %w", err)
	}
	return &l, nil
}

// ActiveForScope returns active learnings whose scope placement applies to the
// given scope. A target-scoped learning applies only to its target; a
// runner-scoped one applies everywhere.
func (r *Repository) ActiveForScope(s domain.Scope) ([]domain.Learning, error) {
	rows, err := r.db.Query(`
		SELECT `+learningColumns+` FROM learnings
		WHERE status = 'active' AND (
			scope_level = 'runner'
			OR (scope_level = 'domain' AND domain = ?)
			OR (scope_level = 'universe' AND universe_id = ?)
			OR (scope_level IN ('target', 'analyst') AND target_id = ?)
		)
		ORDER BY id`,
		s.Domain, s.UniverseID, s.TargetID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list learnings for scope: %w", err)
	}
	defer rows.Close()
	return scanLearnings(rows)
}

// MarkApplied bumps the applied counter on the given learnings.
func (r *Repository) MarkApplied(ids []int64) error {
	return r.bumpCounter("times_applied", ids)
}

// MarkHelpful bumps the helpful counter on the given learnings.
func (r *Repository) MarkHelpful(ids []int64) error {
	return r.bumpCounter("times_helpful", ids)
}

func (r *Repository) bumpCounter(column string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().Unix())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.db.Exec(
		"UPDATE learnings SET "+column+" = "+column+" + 1, updated_at = ? WHERE id IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	return nil
}

// SetStatus changes a learning's lifecycle state.
func (r *Repository) SetStatus(id int64, status domain.LearningStatus) error {
	_, err := r.db.Exec(
		"UPDATE learnings SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set learning status: %w", err)
	}
	return nil
}

// EnqueueProposal adds an AI-proposed learning to the approval queue.
func (r *Repository) EnqueueProposal(e domain.LearningQueueEntry) (int64, error) {
	res, err := r.db.Exec(`
		INSERT INTO learning_queue (content, kind, scope_level, domain, universe_id, target_id, analyst_id,
			evaluation_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Content, string(e.Kind), string(e.ScopeLevel), nullStr(e.Domain),
		nullInt64(e.UniverseID), nullInt64(e.TargetID), nullInt64(e.AnalystID),
		nullInt64(e.EvaluationID), string(domain.LearningQueuePending), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue learning proposal: %w", err)
	}
	return res.LastInsertId()
}

// GetQueueEntry retrieves a queue entry by id. Returns (nil, nil) when not found.
func (r *Repository) GetQueueEntry(id int64) (*domain.LearningQueueEntry, error) {
	row := r.db.QueryRow("SELECT "+queueColumns+" FROM learning_queue WHERE id = ?", id)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return &e, nil
}

// ListPendingProposals returns pending queue entries, oldest first.
func (r *Repository) ListPendingProposals(limit int) ([]domain.LearningQueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(
		"SELECT "+queueColumns+" FROM learning_queue WHERE status = 'pending' ORDER BY created_at LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending proposals: %w", err)
	}
	defer rows.Close()

	var out []domain.LearningQueueEntry
	for rows.Next() {
		e, err := scanQueueEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DecideProposal marks a pending proposal approved or rejected. learningID is
// the materialized learning on approval, 0 on rejection. Deciding an already
// decided entry is an error.
func (r *Repository) DecideProposal(id int64, status domain.LearningQueueStatus, learningID int64) error {
	res, err := r.db.Exec(
		"UPDATE learning_queue SET status = ?, learning_id = ?, decided_at = ? WHERE id = ? AND status = 'pending'",
		string(status), nullInt64(learningID), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to decide proposal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("proposal %d is not pending", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLearning(s rowScanner) (domain.Learning, error) {
	var l domain.Learning
	var kind, scopeLevel, sourceType, status string
	var dom sql.NullString
	var universeID, targetID, analystID, queueEntryID sql.NullInt64
	var createdAt, updatedAt int64
	err := s.Scan(&l.ID, &l.Content, &kind, &scopeLevel, &dom, &universeID, &targetID, &analystID,
		&sourceType, &status, &l.TimesApplied, &l.TimesHelpful, &queueEntryID, &createdAt, &updatedAt)
	if err != nil {
		return l, err
	}
	l.Kind = domain.LearningKind(kind)
	l.ScopeLevel = domain.ScopeLevel(scopeLevel)
	l.Domain = dom.String
	l.UniverseID = universeID.Int64
	l.TargetID = targetID.Int64
	l.AnalystID = analystID.Int64
	l.SourceType = domain.LearningSource(sourceType)
	l.Status = domain.LearningStatus(status)
	l.QueueEntryID = queueEntryID.Int64
	l.CreatedAt = time.Unix(createdAt, 0)
	l.UpdatedAt = time.Unix(updatedAt, 0)
	return l, nil
}

func scanLearnings(rows *sql.Rows) ([]domain.Learning, error) {
	var out []domain.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan learning: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanQueueEntry(s rowScanner) (domain.LearningQueueEntry, error) {
	var e domain.LearningQueueEntry
	var kind, scopeLevel, status string
	var dom sql.NullString
	var universeID, targetID, analystID, evaluationID, learningID sql.NullInt64
	var createdAt int64
	var decidedAt sql.NullInt64
	err := s.Scan(&e.ID, &e.Content, &kind, &scopeLevel, &dom, &universeID, &targetID, &analystID,
		&evaluationID, &status, &learningID, &createdAt, &decidedAt)
	if err != nil {
		return e, err
	}
	e.Kind = domain.LearningKind(kind)
	e.ScopeLevel = domain.ScopeLevel(scopeLevel)
	e.Domain = dom.String
	e.UniverseID = universeID.Int64
	e.TargetID = targetID.Int64
	e.AnalystID = analystID.Int64
	e.EvaluationID = evaluationID.Int64
	e.Status = domain.LearningQueueStatus(status)
	e.LearningID = learningID.Int64
	e.CreatedAt = time.Unix(createdAt, 0)
	if decidedAt.Valid {
		t := time.Unix(decidedAt.Int64, 0)
		e.DecidedAt = &t
	}
	return e, nil
}

func scanQueueEntryRows(rows *sql.Rows) (domain.LearningQueueEntry, error) {
	e, err := scanQueueEntry(rows)
	if err != nil {
		return e, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	return e, nil
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
