package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/foresight/internal/domain"
	"github.com/aristath/foresight/internal/modules/ensemble"
	"github.com/aristath/foresight/internal/modules/prediction"
)

// GateRunner is the slice of the prediction generator the harness drives:
// replay predictors go in through AddPredictorForReplay, and Generate
// re-evaluates the gates under the replay tag.
type GateRunner interface {
	Config() prediction.Config
	Generate(targetID int64, replayOf string) (prediction.GateResult, error)
	AddPredictorForReplay(p domain.Predictor, replayOf string) (prediction.GateResult, error)
}

// Reassessor runs the ensemble over a rolled-back signal with the current
// analyst configuration. Implemented by the pipeline service.
type Reassessor interface {
	Reassess(ctx context.Context, signal domain.Signal) (*ensemble.Result, error)
}

// EvaluationLookup finds the evaluation of a prediction, when one exists.
type EvaluationLookup interface {
	GetByPrediction(predictionID int64) (*domain.Evaluation, error)
}

// depthTables maps a rollback depth to the pipeline tables it rolls back.
// The list order is children before parents: snapshot deletion walks it
// forward, restore walks it backward, and the foreign keys hold either way.
var depthTables = map[domain.ReplayDepth][]string{
	domain.DepthPredictions: {"predictions"},
	domain.DepthPredictors:  {"predictions", "predictors", "analyst_assessments"},
	domain.DepthSignals:     {"predictions", "predictors", "analyst_assessments", "review_queue", "signals", "fingerprints"},
}

// restoreOrder is the full table list; restore walks it backward so parent
// rows are back before the rows that reference them.
var restoreOrder = depthTables[domain.DepthSignals]

// primaryKey is the rollback key column per table.
var primaryKey = map[string]string{
	"predictions":         "id",
	"predictors":          "id",
	"analyst_assessments": "id",
	"review_queue":        "id",
	"signals":             "id",
	"fingerprints":        "id",
}

// Harness runs the rollback-and-replay state machine against the live
// pipeline database. Tests are serialized: the harness refuses to start a
// new test while another is not terminal.
type Harness struct {
	repo       *Repository
	pipelineDB *sqlDB
	gates      GateRunner
	reassess   Reassessor
	evals      EvaluationLookup
	log        zerolog.Logger
}

// NewHarness creates a new replay harness. pipelineDB is the live pipeline
// database the harness snapshots and rolls back.
func NewHarness(repo *Repository, pipelineDB DBTX, gates GateRunner, reassess Reassessor, evals EvaluationLookup, log zerolog.Logger) *Harness {
	return &Harness{
		repo:       repo,
		pipelineDB: &sqlDB{DBTX: pipelineDB},
		gates:      gates,
		reassess:   reassess,
		evals:      evals,
		log:        log.With().Str("service", "replay").Logger(),
	}
}

// Create registers a new replay test in pending state.
func (h *Harness) Create(depth domain.ReplayDepth, rollbackAt time.Time, targetID int64) (*domain.ReplayTest, error) {
	if !depth.Valid() {
		return nil, fmt.Errorf("invalid replay depth %q", depth)
	}
	if rollbackAt.After(time.Now()) {
		return nil, fmt.Errorf("rollback point is in the future")
	}

	running, err := h.activeTest()
	if err != nil {
		return nil, err
	}
	if running != nil {
		return nil, fmt.Errorf("replay test %s is still %s", running.ID, running.Status)
	}

	test := domain.ReplayTest{
		ID:         uuid.NewString(),
		Depth:      depth,
		RollbackAt: rollbackAt,
		TargetID:   targetID,
		Status:     domain.ReplayPending,
	}
	if err := h.repo.CreateTest(test); err != nil {
		return nil, err
	}
	h.log.Info().Str("test_id", test.ID).Str("depth", string(depth)).Time("rollback_at", rollbackAt).Msg("Replay test created")
	return &test, nil
}

// activeTest returns the most recent unrestored test, if any. Completed and
// failed tests still hold rolled-back state until restored, so they block new
// tests too.
func (h *Harness) activeTest() (*domain.ReplayTest, error) {
	tests, err := h.repo.ListTests(10)
	if err != nil {
		return nil, err
	}
	for i := range tests {
		if tests[i].Status != domain.ReplayRestored {
			return &tests[i], nil
		}
	}
	return nil, nil
}

// Snapshot captures every row the rollback will remove, then deletes them.
// pending → snapshot_created.
func (h *Harness) Snapshot(testID string) error {
	test, err := h.mustGet(testID, domain.ReplayPending)
	if err != nil {
		return err
	}

	byTable := map[string]*domain.ReplaySnapshot{}
	for _, table := range depthTables[test.Depth] {
		where, args := rollbackFilter(test, table)
		snap, err := h.snapshotTable(test.ID, table, where, args...)
		if err != nil {
			h.fail(testID, err)
			return err
		}
		if _, err := h.repo.SaveSnapshot(*snap); err != nil {
			h.fail(testID, err)
			return err
		}
		byTable[table] = snap
	}

	// Depth predictions replays by reactivating the contributing predictors,
	// so their current rows are captured too. They stay in place; restore
	// reverts whatever the run did to them.
	if test.Depth == domain.DepthPredictions {
		snap, err := h.snapshotContributors(test, byTable["predictions"])
		if err != nil {
			h.fail(testID, err)
			return err
		}
		if snap != nil {
			if _, err := h.repo.SaveSnapshot(*snap); err != nil {
				h.fail(testID, err)
				return err
			}
		}
	}

	// Delete only after every table is safely snapshotted, children before
	// parents. The contributor snapshot is deliberately not deleted.
	for _, table := range depthTables[test.Depth] {
		if err := h.deleteRows(table, byTable[table].RowIDs); err != nil {
			h.fail(testID, err)
			return err
		}
	}

	if err := h.repo.SetStatus(testID, domain.ReplaySnapshotCreated, ""); err != nil {
		return err
	}
	h.log.Info().Str("test_id", testID).Int("tables", len(byTable)).Msg("Snapshot created, state rolled back")
	return nil
}

// snapshotContributors captures the predictor rows named by the snapshotted
// predictions' ensemble summaries. Nil when none of them name predictors.
func (h *Harness) snapshotContributors(test *domain.ReplayTest, predictions *domain.ReplaySnapshot) (*domain.ReplaySnapshot, error) {
	if predictions == nil {
		return nil, nil
	}
	originals, err := decodePredictions(predictions.Rows)
	if err != nil {
		return nil, err
	}
	ids := contributorIDs(originals)
	if len(ids) == 0 {
		return nil, nil
	}

	where, args := idFilter("id", ids)
	return h.snapshotTable(test.ID, "predictors", where, args...)
}

// Run re-drives the pipeline over the rolled-back state with the current
// configuration and records the original-vs-replay pairings.
// snapshot_created → running → completed|failed.
//
// What gets re-driven depends on depth. At depth predictions the contributing
// predictors behind the rolled-back predictions are returned to active and
// the gates re-evaluated over them. At the deeper depths every signal in the
// rollback window goes back through ensemble assessment, actionable verdicts
// become replay predictors, and the gates run over what accumulates.
func (h *Harness) Run(ctx context.Context, testID string) error {
	test, err := h.mustGet(testID, domain.ReplaySnapshotCreated)
	if err != nil {
		return err
	}
	if err := h.repo.SetStatus(testID, domain.ReplayRunning, ""); err != nil {
		return err
	}

	originals, err := h.snapshottedPredictions(testID)
	if err != nil {
		h.fail(testID, err)
		return err
	}

	replays := map[int64]*domain.Prediction{}
	if test.Depth == domain.DepthPredictions {
		if err := h.reactivateContributors(originals); err != nil {
			h.fail(testID, err)
			return err
		}
	} else {
		signals, err := h.replayInputs(test)
		if err != nil {
			h.fail(testID, err)
			return err
		}
		for _, sig := range signals {
			if ctx.Err() != nil {
				h.fail(testID, ctx.Err())
				return ctx.Err()
			}
			if err := h.replayOne(ctx, test, sig, replays); err != nil {
				h.fail(testID, err)
				return err
			}
		}
	}

	targets := map[int64]struct{}{}
	if test.TargetID != 0 {
		targets[test.TargetID] = struct{}{}
	} else {
		for _, o := range originals {
			targets[o.TargetID] = struct{}{}
		}
	}

	for targetID := range targets {
		if ctx.Err() != nil {
			h.fail(testID, ctx.Err())
			return ctx.Err()
		}
		gate, err := h.gates.Generate(targetID, testID)
		if err != nil {
			h.fail(testID, err)
			return err
		}
		if gate.Prediction != nil {
			replays[targetID] = gate.Prediction
		}
	}

	for _, original := range originals {
		res := h.compareOne(test, original, replays[original.TargetID])
		if _, err := h.repo.SaveResult(res); err != nil {
			h.fail(testID, err)
			return err
		}
	}

	if err := h.repo.SetStatus(testID, domain.ReplayCompleted, ""); err != nil {
		return err
	}
	h.log.Info().Str("test_id", testID).Int("originals", len(originals)).Int("replays", len(replays)).Msg("Replay run completed")
	return nil
}

// reactivateContributors returns the predictors behind the rolled-back
// predictions to active, with a fresh expiry so the gates see them, giving
// the run the same inputs the original transition had.
func (h *Harness) reactivateContributors(originals []snapshotPrediction) error {
	ids := contributorIDs(originals)
	if len(ids) == 0 {
		return nil
	}
	where, args := idFilter("id", ids)
	expiresAt := time.Now().Add(24 * time.Hour).Unix()
	if _, err := h.pipelineDB.Exec(
		"UPDATE predictors SET status = 'active', expires_at = ? WHERE "+where,
		append([]interface{}{expiresAt}, args...)...,
	); err != nil {
		return fmt.Errorf("failed to reactivate contributing predictors: %w", err)
	}
	return nil
}

// replayInputs returns the rollback window's signals in ingestion order. At
// depth signals the rows were deleted by the rollback, so the snapshot is put
// back first; replay assessments and predictors reference them.
func (h *Harness) replayInputs(test *domain.ReplayTest) ([]domain.Signal, error) {
	if test.Depth == domain.DepthSignals {
		snaps, err := h.repo.Snapshots(test.ID)
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			if snap.TableName == "signals" {
				if _, err := h.restoreTable(snap); err != nil {
					return nil, fmt.Errorf("failed to reinstate signals for replay: %w", err)
				}
			}
		}
	}

	where, args := rollbackFilter(test, "signals")
	rows, err := h.pipelineDB.Query(
		"SELECT id, source_id, target_id, title, content, observed_at FROM signals WHERE "+where+" ORDER BY created_at",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay window signals: %w", err)
	}
	defer rows.Close()

	var signals []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var observedAt int64
		if err := rows.Scan(&sig.ID, &sig.SourceID, &sig.TargetID, &sig.Title, &sig.Content, &observedAt); err != nil {
			return nil, fmt.Errorf("failed to scan replay signal: %w", err)
		}
		sig.ObservedAt = time.Unix(observedAt, 0)
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// replayOne drives one rolled-back signal through assessment and, when the
// verdict clears the confidence gate, into a replay predictor. Review routing
// and signal dispositions are live-pipeline concerns and are left alone.
func (h *Harness) replayOne(ctx context.Context, test *domain.ReplayTest, sig domain.Signal, replays map[int64]*domain.Prediction) error {
	result, err := h.reassess.Reassess(ctx, sig)
	if err != nil {
		return fmt.Errorf("replay assessment of signal %s: %w", sig.ID, err)
	}

	cfg := h.gates.Config()
	if !result.QuorumMet || result.Direction == domain.DirectionNeutral || result.Confidence <= cfg.ModerateBandHigh {
		return nil
	}

	gate, err := h.gates.AddPredictorForReplay(domain.Predictor{
		SignalID:   sig.ID,
		TargetID:   sig.TargetID,
		Direction:  result.Direction,
		Strength:   result.Strength,
		Confidence: result.Confidence,
		ExpiresAt:  result.ExpiresAt,
	}, test.ID)
	if err != nil {
		return err
	}
	if gate.Prediction != nil {
		replays[sig.TargetID] = gate.Prediction
	}
	return nil
}

// compareOne pairs one original prediction with the replay outcome for its
// target. Missing evaluations leave the correctness fields nil and mark the
// row incomplete rather than guessing.
func (h *Harness) compareOne(test *domain.ReplayTest, original snapshotPrediction, replayed *domain.Prediction) domain.ReplayResult {
	res := domain.ReplayResult{
		TestID:               test.ID,
		TargetID:             original.TargetID,
		OriginalPredictionID: original.ID,
	}

	if replayed == nil {
		res.Incomplete = true
		return res
	}
	res.ReplayPredictionID = replayed.ID

	match := original.Direction == string(replayed.Direction)
	res.DirectionMatch = &match
	delta := replayed.Confidence - original.Confidence
	res.ConfidenceDelta = &delta

	eval, err := h.evals.GetByPrediction(original.ID)
	if err != nil || eval == nil {
		res.Incomplete = true
		return res
	}
	origCorrect := eval.DirectionCorrect
	res.OriginalCorrect = &origCorrect
	replayCorrect := string(eval.RealizedDirection) == string(replayed.Direction)
	res.ReplayCorrect = &replayCorrect

	// Signed PnL proxy: the realized move credited or debited by each call.
	origPnL := signedPnL(original.Direction, eval.RealizedChangePct)
	replayPnL := signedPnL(string(replayed.Direction), eval.RealizedChangePct)
	pnlDelta := replayPnL - origPnL
	res.PnLDelta = &pnlDelta
	return res
}

func signedPnL(direction string, changePct float64) float64 {
	if direction == string(domain.DirectionBearish) {
		return -changePct
	}
	return changePct
}

// Restore puts the snapshotted rows back and removes everything the replay
// produced. Idempotent: already-restored snapshots are skipped, so a crashed
// restore can simply run again. completed|failed → restored.
func (h *Harness) Restore(testID string) error {
	test, err := h.repo.GetTest(testID)
	if err != nil {
		return err
	}
	if test == nil {
		return fmt.Errorf("replay test %s not found", testID)
	}
	switch test.Status {
	case domain.ReplaySnapshotCreated, domain.ReplayRunning, domain.ReplayCompleted, domain.ReplayFailed:
	case domain.ReplayRestored:
		return nil
	default:
		return fmt.Errorf("replay test %s is %s, nothing to restore", testID, test.Status)
	}

	// Remove replay-produced predictions first so restored originals cannot
	// collide with them.
	if _, err := h.pipelineDB.Exec("DELETE FROM predictions WHERE replay_of = ?", testID); err != nil {
		return fmt.Errorf("failed to remove replay predictions: %w", err)
	}

	snaps, err := h.repo.Snapshots(testID)
	if err != nil {
		return err
	}
	snapByTable := map[string]domain.ReplaySnapshot{}
	for _, snap := range snaps {
		snapByTable[snap.TableName] = snap
	}

	// The run wrote replay predictors, assessments, and reinstated signals
	// into the rollback window; purge them so the snapshot goes back onto a
	// clean slate. Already-restored tables are left alone, which keeps a
	// re-run after a crashed restore from deleting what it just put back.
	for _, table := range depthTables[test.Depth] {
		if table == "predictions" {
			continue
		}
		if snap, ok := snapByTable[table]; ok && snap.Restored {
			continue
		}
		where, args := rollbackFilter(test, table)
		if _, err := h.pipelineDB.Exec("DELETE FROM "+table+" WHERE "+where, args...); err != nil {
			return fmt.Errorf("failed to purge replay rows from %s: %w", table, err)
		}
	}

	// Parents before children: walk the canonical table order backward.
	for i := len(restoreOrder) - 1; i >= 0; i-- {
		snap, ok := snapByTable[restoreOrder[i]]
		if !ok || snap.Restored {
			continue
		}
		restored, err := h.restoreTable(snap)
		if err != nil {
			return fmt.Errorf("failed to restore %s: %w", snap.TableName, err)
		}
		if restored != snap.RowCount {
			return fmt.Errorf("restore of %s incomplete: %d of %d rows", snap.TableName, restored, snap.RowCount)
		}
		if err := h.repo.MarkRestored(snap.ID); err != nil {
			return err
		}
	}

	if err := h.repo.SetStatus(testID, domain.ReplayRestored, ""); err != nil {
		return err
	}
	h.log.Info().Str("test_id", testID).Msg("Replay state restored")
	return nil
}

// GetTest exposes a test's current state.
func (h *Harness) GetTest(testID string) (*domain.ReplayTest, error) {
	return h.repo.GetTest(testID)
}

// ListTests exposes recent tests.
func (h *Harness) ListTests(limit int) ([]domain.ReplayTest, error) {
	return h.repo.ListTests(limit)
}

func (h *Harness) mustGet(testID string, want domain.ReplayStatus) (*domain.ReplayTest, error) {
	test, err := h.repo.GetTest(testID)
	if err != nil {
		return nil, err
	}
	if test == nil {
		return nil, fmt.Errorf("replay test %s not found", testID)
	}
	if test.Status != want {
		return nil, fmt.Errorf("replay test %s is %s, expected %s", testID, test.Status, want)
	}
	return test, nil
}

func (h *Harness) fail(testID string, cause error) {
	if err := h.repo.SetStatus(testID, domain.ReplayFailed, cause.Error()); err != nil {
		h.log.Error().Err(err).Str("test_id", testID).Msg("Failed to record replay failure")
	}
}

// snapshotPrediction is the subset of a snapshotted prediction row the
// comparison and contributor lookup need.
type snapshotPrediction struct {
	ID         int64
	TargetID   int64
	Direction  string
	Confidence float64
	Ensemble   string
}

// snapshottedPredictions decodes the predictions snapshot back into
// comparable rows.
func (h *Harness) snapshottedPredictions(testID string) ([]snapshotPrediction, error) {
	snaps, err := h.repo.Snapshots(testID)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		if snap.TableName == "predictions" {
			return decodePredictions(snap.Rows)
		}
	}
	return nil, nil
}

func decodePredictions(encoded []byte) ([]snapshotPrediction, error) {
	var rows []map[string]interface{}
	if err := msgpack.Unmarshal(encoded, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode predictions snapshot: %w", err)
	}
	out := make([]snapshotPrediction, 0, len(rows))
	for _, row := range rows {
		out = append(out, snapshotPrediction{
			ID:         asInt64(row["id"]),
			TargetID:   asInt64(row["target_id"]),
			Direction:  asString(row["direction"]),
			Confidence: asFloat64(row["confidence"]),
			Ensemble:   asString(row["ensemble"]),
		})
	}
	return out, nil
}

// contributorIDs collects the distinct predictor ids named by the snapshotted
// predictions' ensemble summaries. Rows without a parseable summary are
// skipped.
func contributorIDs(originals []snapshotPrediction) []int64 {
	seen := map[int64]struct{}{}
	var ids []int64
	for _, o := range originals {
		var summary struct {
			PredictorIDs []int64 `json:"predictor_ids"`
		}
		if err := json.Unmarshal([]byte(o.Ensemble), &summary); err != nil {
			continue
		}
		for _, id := range summary.PredictorIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func asInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

func asFloat64(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	}
	return 0
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return ""
}
