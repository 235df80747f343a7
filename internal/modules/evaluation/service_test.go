package evaluation

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/foresight/internal/database"
	"github.com/aristath/foresight/internal/domain"
	"github.com/aristath/foresight/internal/modules/prediction"
)

func setupLearningsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE evaluations (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			prediction_id       INTEGER NOT NULL UNIQUE,
			target_id           INTEGER NOT NULL,
			realized_direction  TEXT NOT NULL,
			realized_change_pct REAL NOT NULL,
			direction_correct   INTEGER NOT NULL,
			magnitude_accuracy  REAL NOT NULL,
			composite_score     REAL NOT NULL,
			outcome             TEXT NOT NULL DEFAULT '{}',
			created_at          INTEGER NOT NULL
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
		)`)
	require.NoError(t, err)
	return db
}

type fakeFeedback struct {
	helpful   [][]int64
	proposals []domain.LearningQueueEntry
}

func (f *fakeFeedback) MarkHelpful(ids []int64) error {
	f.helpful = append(f.helpful, ids)
	return nil
}

func (f *fakeFeedback) Propose(e domain.LearningQueueEntry) (int64, error) {
	f.proposals = append(f.proposals, e)
	return int64(len(f.proposals)), nil
}

type fakeApplied struct{ ids []int64 }

func (f fakeApplied) LearningsForPrediction(int64) ([]int64, error) { return f.ids, nil }

type fakeScopes struct{}

func (fakeScopes) GetTargetScope(targetID int64) (domain.Scope, error) {
	return domain.Scope{Domain: "equities", UniverseID: 1, TargetID: targetID}, nil
}

type fakePriceRecorder struct {
	prices map[int64]float64
}

func (f *fakePriceRecorder) SetLastPrice(targetID int64, price float64) error {
	if f.prices == nil {
		f.prices = map[int64]float64{}
	}
	f.prices[targetID] = price
	return nil
}

type evalFixture struct {
	service     *Service
	repo        *Repository
	predictions *prediction.PredictionRepository
	feedback    *fakeFeedback
	prices      *fakePriceRecorder
}

func newFixture(t *testing.T, applied []int64) *evalFixture {
	t.Helper()
	repo := NewRepository(setupLearningsDB(t), zerolog.Nop())
	predictions := prediction.NewPredictionRepository(setupPipelineDB(t), zerolog.Nop())
	feedback := &fakeFeedback{}
	prices := &fakePriceRecorder{}
	return &evalFixture{
		service:     NewService(repo, predictions, feedback, fakeApplied{ids: applied}, fakeScopes{}, prices, zerolog.Nop()),
		repo:        repo,
		predictions: predictions,
		feedback:    feedback,
		prices:      prices,
	}
}

func (fx *evalFixture) createPrediction(t *testing.T, dir domain.Direction, magnitude domain.Magnitude) int64 {
	t.Helper()
	var id int64
	err := database.WithTransaction(fx.predictions.DB(), func(tx *sql.Tx) error {
		var err error
		id, err = fx.predictions.CreateTx(tx, domain.Prediction{
			TargetID:   42,
			Direction:  dir,
			Confidence: 0.8,
			Magnitude:  magnitude,
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestEvaluate_CorrectCall(t *testing.T) {
	fx := newFixture(t, []int64{7, 9})
	id := fx.createPrediction(t, domain.DirectionBullish, domain.MagnitudeModerate)

	eval, err := fx.service.Evaluate(id, domain.Outcome{
		RealizedDirection: domain.DirectionBullish,
		ChangePct:         3.2, // moderate band on the percentage fallback
	})
	require.NoError(t, err)

	assert.True(t, eval.DirectionCorrect)
	assert.InDelta(t, 1.0, eval.MagnitudeAccuracy, 1e-9)
	assert.InDelta(t, 1.0, eval.CompositeScore, 1e-9)

	// Prediction resolved, applied learnings credited.
	pred, err := fx.predictions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.PredictionResolved, pred.Status)
	require.Len(t, fx.feedback.helpful, 1)
	assert.Equal(t, []int64{7, 9}, fx.feedback.helpful[0])
	assert.Empty(t, fx.feedback.proposals)
}

func TestEvaluate_MissProposesLearning(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.createPrediction(t, domain.DirectionBullish, domain.MagnitudeModerate)

	eval, err := fx.service.Evaluate(id, domain.Outcome{
		RealizedDirection: domain.DirectionBearish,
		ChangePct:         -4.0,
	})
	require.NoError(t, err)

	assert.False(t, eval.DirectionCorrect)
	// Direction score 0, magnitude exact: 0.7*0 + 0.3*1.
	assert.InDelta(t, 0.3, eval.CompositeScore, 1e-9)

	require.Len(t, fx.feedback.proposals, 1)
	p := fx.feedback.proposals[0]
	assert.Equal(t, domain.LearningPattern, p.Kind)
	assert.Equal(t, domain.ScopeTarget, p.ScopeLevel)
	assert.Equal(t, int64(42), p.TargetID)
	assert.Equal(t, eval.ID, p.EvaluationID)
	assert.Empty(t, fx.feedback.helpful)
}

func TestEvaluate_NeutralRealizedIsPartialMiss(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.createPrediction(t, domain.DirectionBullish, domain.MagnitudeSmall)

	eval, err := fx.service.Evaluate(id, domain.Outcome{
		RealizedDirection: domain.DirectionNeutral,
		ChangePct:         0.4,
	})
	require.NoError(t, err)

	assert.False(t, eval.DirectionCorrect)
	// Direction score 0.25, magnitude exact.
	assert.InDelta(t, 0.7*0.25+0.3, eval.CompositeScore, 1e-9)
	// Still a miss: the feedback loop proposes a learning.
	assert.Len(t, fx.feedback.proposals, 1)
}

func TestEvaluate_RecordsRealizedClose(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.createPrediction(t, domain.DirectionBullish, domain.MagnitudeModerate)

	_, err := fx.service.Evaluate(id, domain.Outcome{
		RealizedDirection: domain.DirectionBullish,
		ChangePct:         3.0,
		Closes:            []float64{100, 101, 103},
	})
	require.NoError(t, err)

	assert.InDelta(t, 103.0, fx.prices.prices[42], 1e-9)
}

func TestEvaluate_NoClosesLeavesPriceUntouched(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.createPrediction(t, domain.DirectionBullish, domain.MagnitudeModerate)

	_, err := fx.service.Evaluate(id, domain.Outcome{
		RealizedDirection: domain.DirectionBullish,
		ChangePct:         3.0,
	})
	require.NoError(t, err)

	assert.Empty(t, fx.prices.prices)
}

func TestEvaluate_DoubleEvaluationFails(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.createPrediction(t, domain.DirectionBullish, domain.MagnitudeSmall)

	_, err := fx.service.Evaluate(id, domain.Outcome{RealizedDirection: domain.DirectionBullish, ChangePct: 1.0})
	require.NoError(t, err)

	_, err = fx.service.Evaluate(id, domain.Outcome{RealizedDirection: domain.DirectionBullish, ChangePct: 1.0})
	assert.Error(t, err)
}

func TestEvaluate_MissingPrediction(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.service.Evaluate(999, domain.Outcome{RealizedDirection: domain.DirectionBullish})
	assert.Error(t, err)
}

func TestClassifyMagnitude_PercentageFallback(t *testing.T) {
	assert.Equal(t, domain.MagnitudeSmall, ClassifyMagnitude(domain.Outcome{ChangePct: 1.5}))
	assert.Equal(t, domain.MagnitudeModerate, ClassifyMagnitude(domain.Outcome{ChangePct: -3.0}))
	assert.Equal(t, domain.MagnitudeLarge, ClassifyMagnitude(domain.Outcome{ChangePct: 7.0}))
	assert.Equal(t, domain.MagnitudeOutsized, ClassifyMagnitude(domain.Outcome{ChangePct: 15.0}))
}

func TestClassifyMagnitude_ATRRelative(t *testing.T) {
	// Flat series around 100 with a 2-point daily range: ATR settles near 2,
	// so ATR/close is about 2%.
	n := 30
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i := 0; i < n; i++ {
		closes[i] = 100
		highs[i] = 101
		lows[i] = 99
	}

	// A 1% move is half the ATR: small in this name.
	small := ClassifyMagnitude(domain.Outcome{ChangePct: 1.0, Closes: closes, Highs: highs, Lows: lows})
	assert.Equal(t, domain.MagnitudeSmall, small)

	// A 3% move is 1.5x the ATR: moderate.
	moderate := ClassifyMagnitude(domain.Outcome{ChangePct: 3.0, Closes: closes, Highs: highs, Lows: lows})
	assert.Equal(t, domain.MagnitudeModerate, moderate)

	// An 8% move is 4x the ATR: large.
	large := ClassifyMagnitude(domain.Outcome{ChangePct: 8.0, Closes: closes, Highs: highs, Lows: lows})
	assert.Equal(t, domain.MagnitudeLarge, large)
}

func TestAccuracyForTarget(t *testing.T) {
	fx := newFixture(t, nil)

	hit := fx.createPrediction(t, domain.DirectionBullish, domain.MagnitudeModerate)
	_, err := fx.service.Evaluate(hit, domain.Outcome{RealizedDirection: domain.DirectionBullish, ChangePct: 3.0})
	require.NoError(t, err)

	miss := fx.createPrediction(t, domain.DirectionBullish, domain.MagnitudeModerate)
	_, err = fx.service.Evaluate(miss, domain.Outcome{RealizedDirection: domain.DirectionBearish, ChangePct: -3.0})
	require.NoError(t, err)

	hitRate, meanScore, n, err := fx.service.AccuracyForTarget(42)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, hitRate, 1e-9)
	assert.InDelta(t, (1.0+0.3)/2, meanScore, 1e-9)
	assert.Equal(t, int64(2), n)
}
