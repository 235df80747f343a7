package replay

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/foresight/internal/domain"
	"github.com/aristath/foresight/internal/modules/ensemble"
	"github.com/aristath/foresight/internal/modules/prediction"
)

func setupReplayDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE replay_tests (
			id          TEXT PRIMARY KEY,
			depth       TEXT NOT NULL,
			rollback_at INTEGER NOT NULL,
			target_id   INTEGER,
			status      TEXT NOT NULL DEFAULT 'pending',
			error       TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		CREATE TABLE replay_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			test_id    TEXT NOT NULL,
			table_name TEXT NOT NULL,
			row_count  INTEGER NOT NULL,
			row_ids    TEXT NOT NULL DEFAULT '[]',
			rows       BLOB NOT NULL,
			restored   INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			UNIQUE (test_id, table_name)
		);
		CREATE TABLE replay_results (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			test_id                TEXT NOT NULL,
			target_id              INTEGER NOT NULL,
			original_prediction_id INTEGER NOT NULL,
			replay_prediction_id   INTEGER,
			direction_match        INTEGER,
			original_correct       INTEGER,
			replay_correct         INTEGER,
			confidence_delta       REAL,
			pnl_delta              REAL,
			incomplete             INTEGER NOT NULL DEFAULT 0,
			created_at             INTEGER NOT NULL
		)`)
	require.NoError(t, err)
	return db
}

func setupPipelineDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE signals (
			id          TEXT PRIMARY KEY,
			source_id   INTEGER NOT NULL DEFAULT 1,
			target_id   INTEGER NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			observed_at INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		);
		CREATE TABLE fingerprints (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id  INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE review_queue (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id  INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE analyst_assessments (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id  TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE predictors (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id  TEXT NOT NULL UNIQUE,
			target_id  INTEGER NOT NULL,
			direction  TEXT NOT NULL,
			strength   INTEGER NOT NULL,
			confidence REAL NOT NULL,
			expires_at INTEGER NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at INTEGER NOT NULL
		);
		CREATE TABLE predictions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id    INTEGER NOT NULL,
			direction    TEXT NOT NULL,
			confidence   REAL NOT NULL,
			magnitude    TEXT NOT NULL,
			entry_price  REAL,
			target_price REAL,
			stop_price   REAL,
			ensemble     TEXT NOT NULL DEFAULT '{}',
			status       TEXT NOT NULL DEFAULT 'active',
			audit_note   TEXT NOT NULL DEFAULT '',
			replay_of    TEXT,
			created_at   INTEGER NOT NULL,
			resolved_at  INTEGER,
			cancelled_at INTEGER
		);
		CREATE UNIQUE INDEX idx_predictions_one_active
			ON predictions(target_id) WHERE status = 'active' AND replay_of IS NULL`)
	require.NoError(t, err)
	return db
}

type fakeEvals struct {
	byPrediction map[int64]*domain.Evaluation
}

func (f fakeEvals) GetByPrediction(id int64) (*domain.Evaluation, error) {
	return f.byPrediction[id], nil
}

type fakeReassessor struct {
	results map[string]*ensemble.Result
}

func (f *fakeReassessor) Reassess(_ context.Context, sig domain.Signal) (*ensemble.Result, error) {
	if r, ok := f.results[sig.ID]; ok {
		return r, nil
	}
	return &ensemble.Result{}, nil
}

type harnessFixture struct {
	harness    *Harness
	pipelineDB *sql.DB
	gen        *prediction.Generator
	evals      fakeEvals
	reassess   *fakeReassessor
}

func newFixture(t *testing.T) *harnessFixture {
	t.Helper()
	pipelineDB := setupPipelineDB(t)
	repo := NewRepository(setupReplayDB(t), zerolog.Nop())
	gen := prediction.NewGenerator(
		prediction.NewPredictorRepository(pipelineDB, zerolog.Nop()),
		prediction.NewPredictionRepository(pipelineDB, zerolog.Nop()),
		nil, prediction.DefaultConfig(), zerolog.Nop(),
	)
	evals := fakeEvals{byPrediction: map[int64]*domain.Evaluation{}}
	reassess := &fakeReassessor{results: map[string]*ensemble.Result{}}
	return &harnessFixture{
		harness:    NewHarness(repo, pipelineDB, gen, reassess, evals, zerolog.Nop()),
		pipelineDB: pipelineDB,
		gen:        gen,
		evals:      evals,
		reassess:   reassess,
	}
}

func (fx *harnessFixture) seedPrediction(t *testing.T, targetID int64, direction string, confidence float64, status string) int64 {
	t.Helper()
	res, err := fx.pipelineDB.Exec(`
		INSERT INTO predictions (target_id, direction, confidence, magnitude, status, created_at)
		VALUES (?, ?, ?, 'moderate', ?, ?)`,
		targetID, direction, confidence, status, time.Now().Unix(),
	)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func (fx *harnessFixture) seedPredictor(t *testing.T, signalID string, targetID int64, direction string, strength int, confidence float64) {
	t.Helper()
	_, err := fx.pipelineDB.Exec(`
		INSERT INTO predictors (signal_id, target_id, direction, strength, confidence, expires_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'active', ?)`,
		signalID, targetID, direction, strength, confidence,
		time.Now().Add(time.Hour).Unix(), time.Now().Unix(),
	)
	require.NoError(t, err)
}

func (fx *harnessFixture) seedSignal(t *testing.T, id string, targetID int64) {
	t.Helper()
	_, err := fx.pipelineDB.Exec(`
		INSERT INTO signals (id, source_id, target_id, title, content, observed_at, created_at)
		VALUES (?, 1, ?, 'headline', 'body', ?, ?)`,
		id, targetID, time.Now().Unix(), time.Now().Unix(),
	)
	require.NoError(t, err)
}

func (fx *harnessFixture) countRows(t *testing.T, table, where string, args ...interface{}) int {
	t.Helper()
	var n int
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	require.NoError(t, fx.pipelineDB.QueryRow(query, args...).Scan(&n))
	return n
}

func TestCreate_Validation(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.harness.Create(domain.ReplayDepth("everything"), time.Now().Add(-time.Hour), 0)
	assert.Error(t, err)

	_, err = fx.harness.Create(domain.DepthPredictions, time.Now().Add(time.Hour), 0)
	assert.Error(t, err)
}

func TestCreate_SerializedUntilRestore(t *testing.T) {
	fx := newFixture(t)

	first, err := fx.harness.Create(domain.DepthPredictions, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)

	_, err = fx.harness.Create(domain.DepthPredictions, time.Now().Add(-time.Hour), 0)
	assert.Error(t, err)

	// Snapshot and restore without running; a new test is allowed afterwards.
	require.NoError(t, fx.harness.Snapshot(first.ID))
	require.NoError(t, fx.harness.Restore(first.ID))

	_, err = fx.harness.Create(domain.DepthPredictions, time.Now().Add(-time.Hour), 0)
	assert.NoError(t, err)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	fx := newFixture(t)
	id1 := fx.seedPrediction(t, 1, "bullish", 0.8, "active")
	id2 := fx.seedPrediction(t, 2, "bearish", 0.7, "resolved")

	test, err := fx.harness.Create(domain.DepthPredictions, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)

	require.NoError(t, fx.harness.Snapshot(test.ID))
	assert.Zero(t, fx.countRows(t, "predictions", ""))

	got, err := fx.harness.GetTest(test.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReplaySnapshotCreated, got.Status)

	require.NoError(t, fx.harness.Restore(test.ID))
	assert.Equal(t, 2, fx.countRows(t, "predictions", ""))
	assert.Equal(t, 1, fx.countRows(t, "predictions", "id = ? AND direction = 'bullish' AND status = 'active'", id1))
	assert.Equal(t, 1, fx.countRows(t, "predictions", "id = ? AND direction = 'bearish' AND status = 'resolved'", id2))

	got, err = fx.harness.GetTest(test.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReplayRestored, got.Status)

	// Restoring again is a no-op.
	require.NoError(t, fx.harness.Restore(test.ID))
	assert.Equal(t, 2, fx.countRows(t, "predictions", ""))
}

func TestSnapshot_TargetScoped(t *testing.T) {
	fx := newFixture(t)
	fx.seedPrediction(t, 1, "bullish", 0.8, "active")
	keep := fx.seedPrediction(t, 2, "bearish", 0.7, "active")

	test, err := fx.harness.Create(domain.DepthPredictions, time.Now().Add(-time.Hour), 1)
	require.NoError(t, err)
	require.NoError(t, fx.harness.Snapshot(test.ID))

	// Only target 1 was rolled back.
	assert.Equal(t, 1, fx.countRows(t, "predictions", ""))
	assert.Equal(t, 1, fx.countRows(t, "predictions", "id = ?", keep))
}

func TestSnapshot_DepthSignalsTouchesAllTables(t *testing.T) {
	fx := newFixture(t)
	now := time.Now().Unix()

	for _, stmt := range []string{
		"INSERT INTO signals (id, target_id, created_at) VALUES ('s1', 1, ?)",
		"INSERT INTO fingerprints (target_id, created_at) VALUES (1, ?)",
		"INSERT INTO review_queue (target_id, created_at) VALUES (1, ?)",
		"INSERT INTO analyst_assessments (signal_id, created_at) VALUES ('s1', ?)",
	} {
		_, err := fx.pipelineDB.Exec(stmt, now)
		require.NoError(t, err)
	}
	fx.seedPredictor(t, "s1", 1, "bullish", 3, 0.8)
	fx.seedPrediction(t, 1, "bullish", 0.8, "active")

	test, err := fx.harness.Create(domain.DepthSignals, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	require.NoError(t, fx.harness.Snapshot(test.ID))

	for _, table := range []string{"signals", "fingerprints", "review_queue", "analyst_assessments", "predictors", "predictions"} {
		assert.Zero(t, fx.countRows(t, table, ""), table)
	}

	require.NoError(t, fx.harness.Restore(test.ID))
	for _, table := range []string{"signals", "fingerprints", "review_queue", "analyst_assessments", "predictors", "predictions"} {
		assert.Equal(t, 1, fx.countRows(t, table, ""), table)
	}
}

func TestRun_ComparesOriginalAgainstReplay(t *testing.T) {
	fx := newFixture(t)

	// The original call was bullish; the current configuration, fed by three
	// bearish predictors, would call it the other way.
	originalID := fx.seedPrediction(t, 1, "bullish", 0.8, "active")
	for _, sig := range []string{"s1", "s2", "s3"} {
		fx.seedPredictor(t, sig, 1, "bearish", 3, 0.9)
	}
	fx.evals.byPrediction[originalID] = &domain.Evaluation{
		PredictionID:      originalID,
		RealizedDirection: domain.DirectionBearish,
		RealizedChangePct: -4.0,
		DirectionCorrect:  false,
	}

	test, err := fx.harness.Create(domain.DepthPredictions, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	require.NoError(t, fx.harness.Snapshot(test.ID))
	require.NoError(t, fx.harness.Run(context.Background(), test.ID))

	got, err := fx.harness.GetTest(test.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReplayCompleted, got.Status)

	results, err := fx.harness.Results(test.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, originalID, r.OriginalPredictionID)
	assert.NotZero(t, r.ReplayPredictionID)
	require.NotNil(t, r.DirectionMatch)
	assert.False(t, *r.DirectionMatch)
	require.NotNil(t, r.ConfidenceDelta)
	assert.InDelta(t, 0.1, *r.ConfidenceDelta, 1e-9)
	require.NotNil(t, r.OriginalCorrect)
	assert.False(t, *r.OriginalCorrect)
	require.NotNil(t, r.ReplayCorrect)
	assert.True(t, *r.ReplayCorrect)
	// Bullish lost 4%, bearish would have gained it.
	require.NotNil(t, r.PnLDelta)
	assert.InDelta(t, 8.0, *r.PnLDelta, 1e-9)

	summary, err := fx.harness.Summarize(test.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pairs)
	assert.Zero(t, summary.Incomplete)
	assert.Zero(t, summary.DirectionMatchRate)
	assert.Zero(t, summary.OriginalHitRate)
	assert.InDelta(t, 1.0, summary.ReplayHitRate, 1e-9)
	assert.InDelta(t, 8.0, summary.MeanPnLDelta, 1e-9)

	// Restore removes the replay prediction and brings the original back.
	require.NoError(t, fx.harness.Restore(test.ID))
	assert.Zero(t, fx.countRows(t, "predictions", "replay_of IS NOT NULL"))
	assert.Equal(t, 1, fx.countRows(t, "predictions", "id = ?", originalID))
}

func TestRun_ReactivatesSupersededContributors(t *testing.T) {
	fx := newFixture(t)

	// Drive a real transition: three agreeing predictors pass the gates and
	// are superseded by the resulting prediction.
	var originalID int64
	for i, sig := range []string{"s1", "s2", "s3"} {
		gate, err := fx.gen.AddPredictor(domain.Predictor{
			SignalID: sig, TargetID: 1, Direction: domain.DirectionBullish,
			Strength: 3, Confidence: 0.9, ExpiresAt: time.Now().Add(time.Hour),
		})
		require.NoError(t, err)
		if i == 2 {
			require.NotNil(t, gate.Prediction)
			originalID = gate.Prediction.ID
		}
	}
	require.Equal(t, 3, fx.countRows(t, "predictors", "status = 'superseded'"))

	test, err := fx.harness.Create(domain.DepthPredictions, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	require.NoError(t, fx.harness.Snapshot(test.ID))
	require.NoError(t, fx.harness.Run(context.Background(), test.ID))

	// The superseded contributors came back for the run, so the gates
	// produced a replay counterpart for the original.
	results, err := fx.harness.Results(test.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, originalID, results[0].OriginalPredictionID)
	assert.NotZero(t, results[0].ReplayPredictionID)
	require.NotNil(t, results[0].DirectionMatch)
	assert.True(t, *results[0].DirectionMatch)

	// Restore reverts the reactivation along with everything else.
	require.NoError(t, fx.harness.Restore(test.ID))
	assert.Equal(t, 3, fx.countRows(t, "predictors", "status = 'superseded'"))
	assert.Zero(t, fx.countRows(t, "predictors", "expires_at > ?", time.Now().Add(2*time.Hour).Unix()))
	assert.Equal(t, 1, fx.countRows(t, "predictions", "id = ?", originalID))
	assert.Zero(t, fx.countRows(t, "predictions", "replay_of IS NOT NULL"))
}

func TestRun_DepthSignalsReplaysFromSnapshot(t *testing.T) {
	fx := newFixture(t)

	originalID := fx.seedPrediction(t, 1, "bearish", 0.75, "active")
	for _, sig := range []string{"s1", "s2", "s3"} {
		fx.seedSignal(t, sig, 1)
		fx.reassess.results[sig] = &ensemble.Result{
			QuorumMet:  true,
			Direction:  domain.DirectionBullish,
			Confidence: 0.9,
			Strength:   3,
			ExpiresAt:  time.Now().Add(time.Hour),
		}
	}

	test, err := fx.harness.Create(domain.DepthSignals, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	require.NoError(t, fx.harness.Snapshot(test.ID))
	assert.Zero(t, fx.countRows(t, "signals", ""))

	require.NoError(t, fx.harness.Run(context.Background(), test.ID))

	// The rolled-back signals went back through assessment under the current
	// configuration and accumulated into a replay prediction.
	assert.Equal(t, 3, fx.countRows(t, "predictors", ""))
	assert.Equal(t, 1, fx.countRows(t, "predictions", "replay_of = ?", test.ID))

	results, err := fx.harness.Results(test.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, originalID, results[0].OriginalPredictionID)
	require.NotNil(t, results[0].DirectionMatch)
	assert.False(t, *results[0].DirectionMatch)

	// Restore clears the replay products and puts the window back.
	require.NoError(t, fx.harness.Restore(test.ID))
	assert.Equal(t, 3, fx.countRows(t, "signals", ""))
	assert.Zero(t, fx.countRows(t, "predictors", ""))
	assert.Zero(t, fx.countRows(t, "predictions", "replay_of IS NOT NULL"))
	assert.Equal(t, 1, fx.countRows(t, "predictions", "id = ?", originalID))
}

func TestRestore_OverwritesDriftedRows(t *testing.T) {
	fx := newFixture(t)
	id := fx.seedPrediction(t, 1, "bullish", 0.8, "active")

	test, err := fx.harness.Create(domain.DepthPredictions, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	require.NoError(t, fx.harness.Snapshot(test.ID))

	// A row reappears under the snapshotted id with different contents.
	_, err = fx.pipelineDB.Exec(`
		INSERT INTO predictions (id, target_id, direction, confidence, magnitude, status, created_at)
		VALUES (?, 1, 'bearish', 0.2, 'small', 'cancelled', ?)`, id, time.Now().Unix())
	require.NoError(t, err)

	require.NoError(t, fx.harness.Restore(test.ID))

	// The snapshotted original wins, not the drifted row.
	assert.Equal(t, 1, fx.countRows(t, "predictions", ""))
	assert.Equal(t, 1, fx.countRows(t, "predictions", "id = ? AND direction = 'bullish' AND status = 'active'", id))

	got, err := fx.harness.GetTest(test.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReplayRestored, got.Status)
}

func TestRun_IncompleteWhenNoReplayPrediction(t *testing.T) {
	fx := newFixture(t)
	fx.seedPrediction(t, 1, "bullish", 0.8, "active")
	// No predictors: the gates cannot produce a replay prediction.

	test, err := fx.harness.Create(domain.DepthPredictions, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	require.NoError(t, fx.harness.Snapshot(test.ID))
	require.NoError(t, fx.harness.Run(context.Background(), test.ID))

	results, err := fx.harness.Results(test.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Incomplete)
	assert.Nil(t, results[0].DirectionMatch)

	summary, err := fx.harness.Summarize(test.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Incomplete)
}

func TestRun_RequiresSnapshot(t *testing.T) {
	fx := newFixture(t)

	test, err := fx.harness.Create(domain.DepthPredictions, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)

	err = fx.harness.Run(context.Background(), test.ID)
	assert.Error(t, err)
}

func TestRestore_UnknownTest(t *testing.T) {
	fx := newFixture(t)
	assert.Error(t, fx.harness.Restore("missing"))
}
