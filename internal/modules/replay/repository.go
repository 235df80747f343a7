// Package replay rolls the pipeline back to a past moment, re-runs it, and
// compares what the current configuration would have predicted.
package replay

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// Repository handles replay test, snapshot, and result persistence.
type Repository struct {
	db  *sql.DB // replay.db, ledger profile
	log zerolog.Logger
}

const testColumns = `id, depth, rollback_at, target_id, status, error, created_at, updated_at`

// NewRepository creates a new replay repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "replay").Logger(),
	}
}

// CreateTest inserts a pending replay test.
func (r *Repository) CreateTest(t domain.ReplayTest) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		INSERT INTO replay_tests (id, depth, rollback_at, target_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Depth), t.RollbackAt.Unix(), nullInt64(t.TargetID),
		string(domain.ReplayPending), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create replay test: %w", err)
	}
	return nil
}

// GetTest retrieves a replay test. Returns (nil, nil) when not found.
func (r *Repository) GetTest(id string) (*domain.ReplayTest, error) {
	row := r.db.QueryRow("SELECT "+testColumns+" FROM replay_tests WHERE id = ?", id)
	t, err := scanTest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get replay test: %w", err)
	}
	return &t, nil
}

// ListTests returns recent replay tests, newest first.
func (r *Repository) ListTests(limit int) ([]domain.ReplayTest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query("SELECT "+testColumns+" FROM replay_tests ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list replay tests: %w", err)
	}
	defer rows.Close()

	var out []domain.ReplayTest
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan replay test: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetStatus advances a test's state machine.
func (r *Repository) SetStatus(id string, status domain.ReplayStatus, errMsg string) error {
	_, err := r.db.Exec(
		"UPDATE replay_tests SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		string(status), errMsg, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set replay status: %w", err)
	}
	return nil
}

// SaveSnapshot stores one table's pre-rollback rows.
func (r *Repository) SaveSnapshot(s domain.ReplaySnapshot) (int64, error) {
	ids, err := json.Marshal(s.RowIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode row ids: %w", err)
	}
	res, err := r.db.Exec(`
		INSERT INTO replay_snapshots (test_id, table_name, row_count, row_ids, rows, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.TestID, s.TableName, s.RowCount, string(ids), s.Rows, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return res.LastInsertId()
}

// Snapshots returns a test's snapshots.
func (r *Repository) Snapshots(testID string) ([]domain.ReplaySnapshot, error) {
	rows, err := r.db.Query(`
		SELECT id, test_id, table_name, row_count, row_ids, rows, restored, created_at
		FROM replay_snapshots WHERE test_id = ? ORDER BY id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.ReplaySnapshot
	for rows.Next() {
		var s domain.ReplaySnapshot
		var ids string
		var restored int
		var createdAt int64
		if err := rows.Scan(&s.ID, &s.TestID, &s.TableName, &s.RowCount, &ids, &s.Rows, &restored, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &s.RowIDs); err != nil {
			return nil, fmt.Errorf("failed to decode row ids: %w", err)
		}
		s.Restored = restored != 0
		s.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkRestored flags a snapshot as already restored so restore stays
// idempotent.
func (r *Repository) MarkRestored(snapshotID int64) error {
	_, err := r.db.Exec("UPDATE replay_snapshots SET restored = 1 WHERE id = ?", snapshotID)
	if err != nil {
		return fmt.Errorf("failed to mark snapshot restored: %w", err)
	}
	return nil
}

// SaveResult stores one original-vs-replay prediction pairing.
func (r *Repository) SaveResult(res domain.ReplayResult) (int64, error) {
	out, err := r.db.Exec(`
		INSERT INTO replay_results (test_id, target_id, original_prediction_id, replay_prediction_id,
			direction_match, original_correct, replay_correct, confidence_delta, pnl_delta, incomplete, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.TestID, res.TargetID, res.OriginalPredictionID, nullInt64(res.ReplayPredictionID),
		nullBool(res.DirectionMatch), nullBool(res.OriginalCorrect), nullBool(res.ReplayCorrect),
		nullFloat(res.ConfidenceDelta), nullFloat(res.PnLDelta), boolToInt(res.Incomplete), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save replay result: %w", err)
	}
	return out.LastInsertId()
}

// Results returns a test's comparison rows.
func (r *Repository) Results(testID string) ([]domain.ReplayResult, error) {
	rows, err := r.db.Query(`
		SELECT id, test_id, target_id, original_prediction_id, replay_prediction_id,
		       direction_match, original_correct, replay_correct, confidence_delta, pnl_delta, incomplete, created_at
		FROM replay_results WHERE test_id = ? ORDER BY id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to list replay results: %w", err)
	}
	defer rows.Close()

	var out []domain.ReplayResult
	for rows.Next() {
		var res domain.ReplayResult
		var replayPredictionID sql.NullInt64
		var directionMatch, originalCorrect, replayCorrect sql.NullInt64
		var confidenceDelta, pnlDelta sql.NullFloat64
		var incomplete int
		var createdAt int64
		if err := rows.Scan(&res.ID, &res.TestID, &res.TargetID, &res.OriginalPredictionID, &replayPredictionID,
			&directionMatch, &originalCorrect, &replayCorrect, &confidenceDelta, &pnlDelta, &incomplete, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan replay result: %w", err)
		}
		res.ReplayPredictionID = replayPredictionID.Int64
		res.DirectionMatch = boolPtr(directionMatch)
		res.OriginalCorrect = boolPtr(originalCorrect)
		res.ReplayCorrect = boolPtr(replayCorrect)
		if confidenceDelta.Valid {
			res.ConfidenceDelta = &confidenceDelta.Float64
		}
		if pnlDelta.Valid {
			res.PnLDelta = &pnlDelta.Float64
		}
		res.Incomplete = incomplete != 0
		res.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, res)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTest(s rowScanner) (domain.ReplayTest, error) {
	var t domain.ReplayTest
	var depth, status string
	var targetID sql.NullInt64
	var rollbackAt, createdAt, updatedAt int64
	err := s.Scan(&t.ID, &depth, &rollbackAt, &targetID, &status, &t.Error, &createdAt, &updatedAt)
	if err != nil {
		return t, err
	}
	t.Depth = domain.ReplayDepth(depth)
	t.TargetID = targetID.Int64
	t.Status = domain.ReplayStatus(status)
	t.RollbackAt = time.Unix(rollbackAt, 0)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return t, nil
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
