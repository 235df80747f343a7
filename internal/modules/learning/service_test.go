package learning

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/foresight/internal/domain"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE learnings (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			content        TEXT NOT NULL,
			kind           TEXT NOT NULL,
			scope_level    TEXT NOT NULL,
			domain         TEXT,
			universe_id    INTEGER,
			target_id      INTEGER,
			analyst_id     INTEGER,
			source_type    TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'active',
			times_applied  INTEGER NOT NULL DEFAULT 0,
			times_helpful  INTEGER NOT NULL DEFAULT 0,
			queue_entry_id INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		);
		CREATE TABLE learning_queue (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			content       TEXT NOT NULL,
			kind          TEXT NOT NULL,
			scope_level   TEXT NOT NULL,
			domain        TEXT,
			universe_id   INTEGER,
			target_id     INTEGER,
			analyst_id    INTEGER,
			evaluation_id INTEGER,
			status        TEXT NOT NULL DEFAULT 'pending',
			learning_id   INTEGER,
			created_at    INTEGER NOT NULL,
			decided_at    INTEGER
		)`)
	require.NoError(t, err)
	return db
}

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewRepository(setupTestDB(t), zerolog.Nop()), zerolog.Nop())
}

func proposal() domain.LearningQueueEntry {
	return domain.LearningQueueEntry{
		Content:      "earnings-driven moves on this target fade within three days",
		Kind:         domain.LearningPattern,
		ScopeLevel:   domain.ScopeTarget,
		TargetID:     42,
		EvaluationID: 7,
	}
}

func TestProposeApprove(t *testing.T) {
	svc := newService(t)

	id, err := svc.Propose(proposal())
	require.NoError(t, err)

	pending, err := svc.ListPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.LearningQueuePending, pending[0].Status)

	learned, err := svc.Approve(id)
	require.NoError(t, err)
	require.NotNil(t, learned)
	assert.Equal(t, domain.LearningSourceAIApproved, learned.SourceType)
	assert.Equal(t, domain.LearningActive, learned.Status)
	assert.Equal(t, id, learned.QueueEntryID)

	// Now visible to the assessment path for its scope.
	active, err := svc.ActiveForScope(domain.Scope{TargetID: 42})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, learned.ID, active[0].ID)

	// Queue entry records the decision and the materialized learning.
	pending, err = svc.ListPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApprove_AlreadyDecided(t *testing.T) {
	svc := newService(t)

	id, err := svc.Propose(proposal())
	require.NoError(t, err)
	_, err = svc.Approve(id)
	require.NoError(t, err)

	_, err = svc.Approve(id)
	assert.Error(t, err)
}

func TestApprove_Missing(t *testing.T) {
	svc := newService(t)

	_, err := svc.Approve(999)
	assert.Error(t, err)
}

func TestReject_NeverBecomesActive(t *testing.T) {
	svc := newService(t)

	id, err := svc.Propose(proposal())
	require.NoError(t, err)
	require.NoError(t, svc.Reject(id))

	active, err := svc.ActiveForScope(domain.Scope{TargetID: 42})
	require.NoError(t, err)
	assert.Empty(t, active)

	// A rejected proposal cannot be approved afterwards.
	_, err = svc.Approve(id)
	assert.Error(t, err)
}

func TestAddHumanLearning_SkipsQueue(t *testing.T) {
	svc := newService(t)

	id, err := svc.AddHumanLearning(domain.Learning{
		Content:    "discount single-source rumors",
		Kind:       domain.LearningRule,
		ScopeLevel: domain.ScopeRunner,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	active, err := svc.ActiveForScope(domain.Scope{Domain: "equities", UniverseID: 1, TargetID: 42})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.LearningSourceHuman, active[0].SourceType)

	pending, err := svc.ListPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestActiveForScope_Filtering(t *testing.T) {
	svc := newService(t)

	mk := func(l domain.Learning) int64 {
		id, err := svc.AddHumanLearning(l)
		require.NoError(t, err)
		return id
	}
	runnerID := mk(domain.Learning{Content: "runner", Kind: domain.LearningRule, ScopeLevel: domain.ScopeRunner})
	mk(domain.Learning{Content: "other domain", Kind: domain.LearningRule, ScopeLevel: domain.ScopeDomain, Domain: "crypto"})
	universeID := mk(domain.Learning{Content: "universe", Kind: domain.LearningRule, ScopeLevel: domain.ScopeUniverse, UniverseID: 1})
	targetID := mk(domain.Learning{Content: "target", Kind: domain.LearningPattern, ScopeLevel: domain.ScopeTarget, TargetID: 42})
	mk(domain.Learning{Content: "other target", Kind: domain.LearningPattern, ScopeLevel: domain.ScopeTarget, TargetID: 99})

	active, err := svc.ActiveForScope(domain.Scope{Domain: "equities", UniverseID: 1, TargetID: 42})
	require.NoError(t, err)

	got := make([]int64, len(active))
	for i, l := range active {
		got[i] = l.ID
	}
	assert.ElementsMatch(t, []int64{runnerID, universeID, targetID}, got)
}

func TestRetire_RemovesFromAssessmentPath(t *testing.T) {
	svc := newService(t)

	id, err := svc.AddHumanLearning(domain.Learning{
		Content: "stale rule", Kind: domain.LearningRule, ScopeLevel: domain.ScopeRunner,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Retire(id))

	active, err := svc.ActiveForScope(domain.Scope{TargetID: 42})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCounters(t *testing.T) {
	svc := newService(t)

	id, err := svc.AddHumanLearning(domain.Learning{
		Content: "rule", Kind: domain.LearningRule, ScopeLevel: domain.ScopeRunner,
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkApplied([]int64{id}))
	require.NoError(t, svc.MarkApplied([]int64{id}))
	require.NoError(t, svc.MarkHelpful([]int64{id}))
	require.NoError(t, svc.MarkApplied(nil))

	active, err := svc.ActiveForScope(domain.Scope{TargetID: 42})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].TimesApplied)
	assert.Equal(t, int64(1), active[0].TimesHelpful)
}
