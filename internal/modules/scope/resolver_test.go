package scope

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
		CREATE TABLE analysts (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			slug                  TEXT NOT NULL,
			name                  TEXT NOT NULL,
			scope_level           TEXT NOT NULL,
			domain                TEXT,
			universe_id           INTEGER,
			target_id             INTEGER,
			weight                REAL NOT NULL DEFAULT 1.0,
			default_tier          TEXT NOT NULL DEFAULT 'standard',
			instructions_cheap    TEXT NOT NULL DEFAULT '',
			instructions_standard TEXT NOT NULL DEFAULT '',
			instructions_premium  TEXT NOT NULL DEFAULT '',
			enabled               INTEGER NOT NULL DEFAULT 1,
			created_at            INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX idx_analysts_scope_key
			ON analysts(slug, scope_level, ifnull(domain, ''), ifnull(universe_id, 0), ifnull(target_id, 0));
		CREATE TABLE analyst_overrides (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			analyst_id  INTEGER NOT NULL,
			universe_id INTEGER,
			target_id   INTEGER,
			weight      REAL,
			tier        TEXT,
			enabled     INTEGER,
			created_at  INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX idx_analyst_overrides_key
			ON analyst_overrides(analyst_id, ifnull(universe_id, 0), ifnull(target_id, 0))`)
	require.NoError(t, err)
	return db
}

func testScope() domain.Scope {
	return domain.Scope{Domain: "equities", UniverseID: 1, TargetID: 42}
}

func mustCreate(t *testing.T, repo *AnalystRepository, a domain.Analyst) int64 {
	t.Helper()
	if a.Name == "" {
		a.Name = a.Slug
	}
	id, err := repo.Create(a)
	require.NoError(t, err)
	return id
}

func float64Ptr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool          { return &v }

func TestResolveAnalysts_MostSpecificBaseWins(t *testing.T) {
	repo := NewAnalystRepository(setupTestDB(t), zerolog.Nop())
	resolver := NewResolver(repo, zerolog.Nop())

	mustCreate(t, repo, domain.Analyst{
		Slug: "momentum", ScopeLevel: domain.ScopeRunner, Weight: 1.0, Enabled: true,
	})
	mustCreate(t, repo, domain.Analyst{
		Slug: "momentum", ScopeLevel: domain.ScopeTarget, TargetID: 42, Weight: 1.5, Enabled: true,
	})

	out, err := resolver.ResolveAnalysts(testScope())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.ScopeTarget, out[0].Analyst.ScopeLevel)
	assert.InDelta(t, 1.5, out[0].Weight, 1e-9)
}

func TestResolveAnalysts_DomainLevelOnlyForMatchingDomain(t *testing.T) {
	repo := NewAnalystRepository(setupTestDB(t), zerolog.Nop())
	resolver := NewResolver(repo, zerolog.Nop())

	mustCreate(t, repo, domain.Analyst{
		Slug: "sector-flow", ScopeLevel: domain.ScopeDomain, Domain: "equities", Weight: 1.0, Enabled: true,
	})
	mustCreate(t, repo, domain.Analyst{
		Slug: "chain-health", ScopeLevel: domain.ScopeDomain, Domain: "crypto", Weight: 1.0, Enabled: true,
	})

	out, err := resolver.ResolveAnalysts(testScope())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "sector-flow", out[0].Analyst.Slug)
}

func TestResolveAnalysts_TargetOverrideBeatsUniverseOverride(t *testing.T) {
	repo := NewAnalystRepository(setupTestDB(t), zerolog.Nop())
	resolver := NewResolver(repo, zerolog.Nop())

	id := mustCreate(t, repo, domain.Analyst{
		Slug: "momentum", ScopeLevel: domain.ScopeRunner, Weight: 1.0,
		DefaultTier: domain.TierCheap, Enabled: true,
	})
	require.NoError(t, repo.UpsertOverride(domain.AnalystOverride{
		AnalystID: id, UniverseID: 1, Weight: float64Ptr(0.5), Tier: tierPtr(domain.TierStandard),
	}))
	require.NoError(t, repo.UpsertOverride(domain.AnalystOverride{
		AnalystID: id, TargetID: 42, Weight: float64Ptr(1.8),
	}))

	out, err := resolver.ResolveAnalysts(testScope())
	require.NoError(t, err)
	require.Len(t, out, 1)
	// Target override sets the weight; its nil tier leaves the universe
	// override's tier in place.
	assert.InDelta(t, 1.8, out[0].Weight, 1e-9)
	assert.Equal(t, domain.TierStandard, out[0].Tier)
}

func TestResolveAnalysts_ExplicitDisableSuppresses(t *testing.T) {
	repo := NewAnalystRepository(setupTestDB(t), zerolog.Nop())
	resolver := NewResolver(repo, zerolog.Nop())

	id := mustCreate(t, repo, domain.Analyst{
		Slug: "momentum", ScopeLevel: domain.ScopeRunner, Weight: 1.0, Enabled: true,
	})
	// Universe-level disable, target-level enable: the explicit false wins.
	require.NoError(t, repo.UpsertOverride(domain.AnalystOverride{
		AnalystID: id, UniverseID: 1, Enabled: boolPtr(false),
	}))
	require.NoError(t, repo.UpsertOverride(domain.AnalystOverride{
		AnalystID: id, TargetID: 42, Enabled: boolPtr(true),
	}))

	out, err := resolver.ResolveAnalysts(testScope())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].Enabled)

	enabled, err := resolver.EnabledAnalysts(testScope())
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestResolveAnalysts_DeterministicOrder(t *testing.T) {
	repo := NewAnalystRepository(setupTestDB(t), zerolog.Nop())
	resolver := NewResolver(repo, zerolog.Nop())

	for _, slug := range []string{"zeta", "alpha", "mid"} {
		mustCreate(t, repo, domain.Analyst{
			Slug: slug, ScopeLevel: domain.ScopeRunner, Weight: 1.0, Enabled: true,
		})
	}

	out, err := resolver.ResolveAnalysts(testScope())
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "alpha", out[0].Analyst.Slug)
	assert.Equal(t, "mid", out[1].Analyst.Slug)
	assert.Equal(t, "zeta", out[2].Analyst.Slug)
}

func TestCreateAnalyst_RejectsOutOfRangeWeight(t *testing.T) {
	repo := NewAnalystRepository(setupTestDB(t), zerolog.Nop())

	_, err := repo.Create(domain.Analyst{
		Slug: "momentum", Name: "Momentum", ScopeLevel: domain.ScopeRunner, Weight: 2.5, Enabled: true,
	})
	assert.Error(t, err)
}

func tierPtr(t domain.Tier) *domain.Tier { return &t }
