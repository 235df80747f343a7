// Package scope resolves effective analyst configuration across the
// runner → domain → universe → target hierarchy.
package scope

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// AnalystRepository handles analyst and override database operations.
type AnalystRepository struct {
	db  *sql.DB // config.db
	log zerolog.Logger
}

const analystsColumns = `id, slug, name, scope_level, domain, universe_id, target_id, weight, default_tier,
	instructions_cheap, instructions_standard, instructions_premium, enabled, created_at`

// NewAnalystRepository creates a new analyst repository.
func NewAnalystRepository(db *sql.DB, log zerolog.Logger) *AnalystRepository {
	return &AnalystRepository{
		db:  db,
		log: log.With().Str("repo", "analyst").Logger(),
	}
}

// Create inserts a new analyst.
func (r *AnalystRepository) Create(a domain.Analyst) (int64, error) {
	if a.Weight < 0 || a.Weight > 2 {
		return 0, fmt.Errorf("analyst weight %.2f out of range [0.00, 2.00]", a.Weight)
	}
	if a.DefaultTier == "" {
		a.DefaultTier = domain.TierStandard
	}
	res, err := r.db.Exec(`
		INSERT INTO analysts (slug, name, scope_level, domain, universe_id, target_id, weight, default_tier,
			instructions_cheap, instructions_standard, instructions_premium, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(a.Slug), a.Name, string(a.ScopeLevel),
		nullString(a.Domain), nullInt64(a.UniverseID), nullInt64(a.TargetID),
		a.Weight, string(a.DefaultTier),
		a.InstructionsCheap, a.InstructionsStandard, a.InstructionsPremium,
		boolToInt(a.Enabled), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create analyst: %w", err)
	}
	return res.LastInsertId()
}

// Get retrieves an analyst by id. Returns (nil, nil) when not found.
func (r *AnalystRepository) Get(id int64) (*domain.Analyst, error) {
	row := r.db.QueryRow("SELECT "+analystsColumns+" FROM analysts WHERE id = ?", id)
	a, err := scanAnalystRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analyst: %w", err)
	}
	return &a, nil
}

// SetEnabled disables or re-enables an analyst. Analysts are never hard
// deleted: assessments reference them.
func (r *AnalystRepository) SetEnabled(id int64, enabled bool) error {
	_, err := r.db.Exec("UPDATE analysts SET enabled = ? WHERE id = ?", boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update analyst enabled flag: %w", err)
	}
	return nil
}

// ListForScope returns every analyst whose scope key matches the context,
// at any level of the hierarchy. Disabled base records are included so the
// resolver can distinguish "disabled" from "absent".
func (r *AnalystRepository) ListForScope(scope domain.Scope) ([]domain.Analyst, error) {
	rows, err := r.db.Query(`
		SELECT `+analystsColumns+` FROM analysts
		WHERE scope_level = 'runner'
		   OR (scope_level = 'domain' AND domain = ?)
		   OR (scope_level = 'universe' AND universe_id = ?)
		   OR (scope_level = 'target' AND target_id = ?)
		ORDER BY slug, scope_level`,
		scope.Domain, scope.UniverseID, scope.TargetID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysts for scope: %w", err)
	}
	defer rows.Close()

	var out []domain.Analyst
	for rows.Next() {
		a, err := scanAnalystRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analyst: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertOverride inserts or replaces the override for one
// (analyst, universe, target) key. At most one override exists per key.
func (r *AnalystRepository) UpsertOverride(o domain.AnalystOverride) error {
	var weight sql.NullFloat64
	if o.Weight != nil {
		weight = sql.NullFloat64{Float64: *o.Weight, Valid: true}
		if *o.Weight < 0 || *o.Weight > 2 {
			return fmt.Errorf("override weight %.2f out of range [0.00, 2.00]", *o.Weight)
		}
	}
	var tier sql.NullString
	if o.Tier != nil {
		tier = sql.NullString{String: string(*o.Tier), Valid: true}
	}
	var enabled sql.NullInt64
	if o.Enabled != nil {
		enabled = sql.NullInt64{Int64: int64(boolToInt(*o.Enabled)), Valid: true}
	}

	_, err := r.db.Exec(`
		INSERT INTO analyst_overrides (analyst_id, universe_id, target_id, weight, tier, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(analyst_id, ifnull(universe_id, 0), ifnull(target_id, 0))
		DO UPDATE SET weight = excluded.weight, tier = excluded.tier, enabled = excluded.enabled`,
		o.AnalystID, nullInt64(o.UniverseID), nullInt64(o.TargetID),
		weight, tier, enabled, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert analyst override: %w", err)
	}
	return nil
}

// ListOverridesForScope returns the overrides applying to the given universe
// or target.
func (r *AnalystRepository) ListOverridesForScope(scope domain.Scope) ([]domain.AnalystOverride, error) {
	rows, err := r.db.Query(`
		SELECT id, analyst_id, universe_id, target_id, weight, tier, enabled, created_at
		FROM analyst_overrides
		WHERE (universe_id = ? AND target_id IS NULL) OR target_id = ?`,
		scope.UniverseID, scope.TargetID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyst overrides: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalystOverride
	for rows.Next() {
		var o domain.AnalystOverride
		var universeID, targetID, enabled sql.NullInt64
		var weight sql.NullFloat64
		var tier sql.NullString
		var createdAt int64
		if err := rows.Scan(&o.ID, &o.AnalystID, &universeID, &targetID, &weight, &tier, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan analyst override: %w", err)
		}
		o.UniverseID = universeID.Int64
		o.TargetID = targetID.Int64
		if weight.Valid {
			w := weight.Float64
			o.Weight = &w
		}
		if tier.Valid {
			t := domain.Tier(tier.String)
			o.Tier = &t
		}
		if enabled.Valid {
			e := enabled.Int64 != 0
			o.Enabled = &e
		}
		o.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanAnalystRow(row *sql.Row) (domain.Analyst, error) {
	var a domain.Analyst
	var dom sql.NullString
	var universeID, targetID sql.NullInt64
	var tier string
	var level string
	var enabled int
	var createdAt int64
	err := row.Scan(&a.ID, &a.Slug, &a.Name, &level, &dom, &universeID, &targetID, &a.Weight, &tier,
		&a.InstructionsCheap, &a.InstructionsStandard, &a.InstructionsPremium, &enabled, &createdAt)
	if err != nil {
		return a, err
	}
	a.ScopeLevel = domain.ScopeLevel(level)
	a.Domain = dom.String
	a.UniverseID = universeID.Int64
	a.TargetID = targetID.Int64
	a.DefaultTier = domain.Tier(tier)
	a.Enabled = enabled != 0
	a.CreatedAt = time.Unix(createdAt, 0)
	return a, nil
}

func scanAnalystRows(rows *sql.Rows) (domain.Analyst, error) {
	var a domain.Analyst
	var dom sql.NullString
	var universeID, targetID sql.NullInt64
	var tier string
	var level string
	var enabled int
	var createdAt int64
	err := rows.Scan(&a.ID, &a.Slug, &a.Name, &level, &dom, &universeID, &targetID, &a.Weight, &tier,
		&a.InstructionsCheap, &a.InstructionsStandard, &a.InstructionsPremium, &enabled, &createdAt)
	if err != nil {
		return a, err
	}
	a.ScopeLevel = domain.ScopeLevel(level)
	a.Domain = dom.String
	a.UniverseID = universeID.Int64
	a.TargetID = targetID.Int64
	a.DefaultTier = domain.Tier(tier)
	a.Enabled = enabled != 0
	a.CreatedAt = time.Unix(createdAt, 0)
	return a, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
