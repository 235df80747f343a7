package prediction

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/foresight/internal/database"
	"github.com/aristath/foresight/internal/domain"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
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

type generatorFixture struct {
	gen         *Generator
	predictors  *PredictorRepository
	predictions *PredictionRepository
	db          *sql.DB
	nextSignal  int
}

type fakePrices struct{ price float64 }

func (f fakePrices) LastPrice(int64) (float64, error) { return f.price, nil }

func newFixture(t *testing.T, prices PriceProvider) *generatorFixture {
	t.Helper()
	db := setupTestDB(t)
	predictors := NewPredictorRepository(db, zerolog.Nop())
	predictions := NewPredictionRepository(db, zerolog.Nop())
	return &generatorFixture{
		gen:         NewGenerator(predictors, predictions, prices, DefaultConfig(), zerolog.Nop()),
		predictors:  predictors,
		predictions: predictions,
		db:          db,
	}
}

func (fx *generatorFixture) add(t *testing.T, targetID int64, dir domain.Direction, strength int, conf float64) GateResult {
	t.Helper()
	fx.nextSignal++
	result, err := fx.gen.AddPredictor(domain.Predictor{
		SignalID:   fmt.Sprintf("sig-%d", fx.nextSignal),
		TargetID:   targetID,
		Direction:  dir,
		Strength:   strength,
		Confidence: conf,
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.NotZero(t, result.PredictorID)
	return result
}

func TestAddPredictor_BelowCountGate(t *testing.T) {
	fx := newFixture(t, nil)

	fx.add(t, 1, domain.DirectionBullish, 4, 0.8)
	result := fx.add(t, 1, domain.DirectionBullish, 4, 0.8)

	assert.False(t, result.CountMet)
	assert.True(t, result.StrengthMet)
	assert.True(t, result.ConsensusMet)
	assert.Nil(t, result.Prediction)
}

func TestAddPredictor_BelowStrengthGate(t *testing.T) {
	fx := newFixture(t, nil)

	fx.add(t, 1, domain.DirectionBullish, 1, 0.8)
	fx.add(t, 1, domain.DirectionBullish, 1, 0.8)
	result := fx.add(t, 1, domain.DirectionBullish, 1, 0.8)

	assert.True(t, result.CountMet)
	assert.False(t, result.StrengthMet)
	assert.Nil(t, result.Prediction)
}

func TestAddPredictor_SplitVoteFailsConsensus(t *testing.T) {
	fx := newFixture(t, nil)

	fx.add(t, 1, domain.DirectionBullish, 3, 0.8)
	fx.add(t, 1, domain.DirectionBullish, 3, 0.8)
	fx.add(t, 1, domain.DirectionBearish, 3, 0.8)
	result := fx.add(t, 1, domain.DirectionBearish, 3, 0.8)

	// 2 of 4 agree: 0.5 < 0.66.
	assert.True(t, result.CountMet)
	assert.True(t, result.StrengthMet)
	assert.False(t, result.ConsensusMet)
	assert.Nil(t, result.Prediction)
}

func TestAddPredictor_AllGatesPass(t *testing.T) {
	fx := newFixture(t, nil)

	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	fx.add(t, 1, domain.DirectionBullish, 2, 0.8)
	result := fx.add(t, 1, domain.DirectionBullish, 2, 0.9)

	require.True(t, result.AllMet())
	require.NotNil(t, result.Prediction)
	assert.Equal(t, domain.DirectionBullish, result.Prediction.Direction)
	assert.InDelta(t, 0.8, result.Prediction.Confidence, 1e-9)
	assert.Equal(t, domain.MagnitudeModerate, result.Prediction.Magnitude)

	// Contributing predictors are consumed; nothing active remains.
	active, err := fx.predictors.ActiveForTarget(1)
	require.NoError(t, err)
	assert.Empty(t, active)

	stored, err := fx.predictions.GetActiveForTarget(1)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, result.Prediction.ID, stored.ID)
}

func TestTransition_CancelsExistingActive(t *testing.T) {
	fx := newFixture(t, nil)

	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	first := fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	require.NotNil(t, first.Prediction)

	fx.add(t, 1, domain.DirectionBearish, 3, 0.8)
	fx.add(t, 1, domain.DirectionBearish, 3, 0.8)
	second := fx.add(t, 1, domain.DirectionBearish, 3, 0.8)
	require.NotNil(t, second.Prediction)
	assert.NotEqual(t, first.Prediction.ID, second.Prediction.ID)

	cancelled, err := fx.predictions.Get(first.Prediction.ID)
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, domain.PredictionCancelled, cancelled.Status)
	assert.Contains(t, cancelled.AuditNote, "superseded by new gated prediction")
	assert.NotNil(t, cancelled.CancelledAt)

	active, err := fx.predictions.GetActiveForTarget(1)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.Prediction.ID, active.ID)
}

func TestCreateTx_BypassHitsUniqueIndex(t *testing.T) {
	fx := newFixture(t, nil)

	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	result := fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	require.NotNil(t, result.Prediction)

	// Inserting around the generator trips the partial unique index.
	err := database.WithTransaction(fx.db, func(tx *sql.Tx) error {
		_, err := fx.predictions.CreateTx(tx, domain.Prediction{
			TargetID:   1,
			Direction:  domain.DirectionBearish,
			Confidence: 0.9,
			Magnitude:  domain.MagnitudeSmall,
		})
		return err
	})
	assert.ErrorIs(t, err, ErrDuplicateActive)
}

func TestGenerate_ReplayDoesNotTouchLiveState(t *testing.T) {
	fx := newFixture(t, nil)

	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	live := fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	require.NotNil(t, live.Prediction)

	// Re-arm the gates around the generator so no live transition fires,
	// then generate under a replay tag.
	for i := 0; i < 3; i++ {
		_, err := fx.predictors.Create(domain.Predictor{
			SignalID:   fmt.Sprintf("replay-sig-%d", i),
			TargetID:   1,
			Direction:  domain.DirectionBearish,
			Strength:   3,
			Confidence: 0.8,
			ExpiresAt:  time.Now().Add(time.Hour),
		})
		require.NoError(t, err)
	}

	result, err := fx.gen.Generate(1, "replay-test-1")
	require.NoError(t, err)
	require.True(t, result.AllMet())
	require.NotNil(t, result.Prediction)
	assert.Equal(t, "replay-test-1", result.Prediction.ReplayOf)

	// The live prediction is untouched.
	activeLive, err := fx.predictions.GetActiveForTarget(1)
	require.NoError(t, err)
	require.NotNil(t, activeLive)
	assert.Equal(t, live.Prediction.ID, activeLive.ID)

	replayed, err := fx.predictions.ListByReplay("replay-test-1")
	require.NoError(t, err)
	assert.Len(t, replayed, 1)
}

func TestAddPredictorForReplay_KeepsLiveActive(t *testing.T) {
	fx := newFixture(t, nil)

	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	live := fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	require.NotNil(t, live.Prediction)

	var result GateResult
	for i := 0; i < 3; i++ {
		var err error
		result, err = fx.gen.AddPredictorForReplay(domain.Predictor{
			SignalID:   fmt.Sprintf("replay-sig-%d", i),
			TargetID:   1,
			Direction:  domain.DirectionBearish,
			Strength:   3,
			Confidence: 0.8,
			ExpiresAt:  time.Now().Add(time.Hour),
		}, "replay-test-2")
		require.NoError(t, err)
		require.NotZero(t, result.PredictorID)
	}

	require.True(t, result.AllMet())
	require.NotNil(t, result.Prediction)
	assert.Equal(t, "replay-test-2", result.Prediction.ReplayOf)

	activeLive, err := fx.predictions.GetActiveForTarget(1)
	require.NoError(t, err)
	require.NotNil(t, activeLive)
	assert.Equal(t, live.Prediction.ID, activeLive.ID)
}

func TestAttachPriceLevels(t *testing.T) {
	fx := newFixture(t, fakePrices{price: 100})

	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	result := fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	require.NotNil(t, result.Prediction)

	p := result.Prediction
	require.NotNil(t, p.EntryPrice)
	require.NotNil(t, p.TargetPrice)
	require.NotNil(t, p.StopPrice)
	assert.InDelta(t, 100.0, *p.EntryPrice, 1e-9)
	// Moderate magnitude: 5% move, half that as stop distance.
	assert.InDelta(t, 105.0, *p.TargetPrice, 1e-9)
	assert.InDelta(t, 97.5, *p.StopPrice, 1e-9)
}

func TestAttachPriceLevels_Bearish(t *testing.T) {
	fx := newFixture(t, fakePrices{price: 100})

	fx.add(t, 1, domain.DirectionBearish, 2, 0.7)
	fx.add(t, 1, domain.DirectionBearish, 2, 0.7)
	result := fx.add(t, 1, domain.DirectionBearish, 2, 0.7)
	require.NotNil(t, result.Prediction)

	p := result.Prediction
	assert.InDelta(t, 95.0, *p.TargetPrice, 1e-9)
	assert.InDelta(t, 102.5, *p.StopPrice, 1e-9)
}

func TestExpiredPredictorsDoNotCount(t *testing.T) {
	fx := newFixture(t, nil)

	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	fx.add(t, 1, domain.DirectionBullish, 2, 0.7)

	// Age both past expiry; the third arrival evaluates gates alone.
	_, err := fx.db.Exec("UPDATE predictors SET expires_at = ?", time.Now().Add(-time.Hour).Unix())
	require.NoError(t, err)

	result := fx.add(t, 1, domain.DirectionBullish, 2, 0.7)
	assert.False(t, result.CountMet)
	assert.Nil(t, result.Prediction)
}

func TestMagnitudeFor(t *testing.T) {
	assert.Equal(t, domain.MagnitudeOutsized, magnitudeFor(16, 0.85))
	assert.Equal(t, domain.MagnitudeLarge, magnitudeFor(16, 0.5))
	assert.Equal(t, domain.MagnitudeLarge, magnitudeFor(11, 0.9))
	assert.Equal(t, domain.MagnitudeModerate, magnitudeFor(7, 0.9))
	assert.Equal(t, domain.MagnitudeSmall, magnitudeFor(5, 0.9))
}

func TestModerateBand(t *testing.T) {
	fx := newFixture(t, nil)

	assert.False(t, fx.gen.ModerateBand(0.39))
	assert.True(t, fx.gen.ModerateBand(0.40))
	assert.True(t, fx.gen.ModerateBand(0.70))
	assert.False(t, fx.gen.ModerateBand(0.71))
}
