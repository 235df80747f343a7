// Package universe manages investment universes and their targets.
package universe

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// Repository handles universe and target database operations.
type Repository struct {
	db  *sql.DB // universe.db
	log zerolog.Logger
}

const universesColumns = `id, slug, name, organization_id, domain, created_at`
const targetsColumns = `id, symbol, universe_id, name, metadata, active, created_at`

// NewRepository creates a new universe repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "universe").Logger(),
	}
}

// CreateUniverse inserts a new universe.
func (r *Repository) CreateUniverse(u domain.Universe) (int64, error) {
	res, err := r.db.Exec(
		`INSERT INTO universes (slug, name, organization_id, domain, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.Slug, u.Name, u.OrganizationID, u.Domain, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create universe: %w", err)
	}
	return res.LastInsertId()
}

// GetUniverse retrieves a universe by id. Returns (nil, nil) when not found.
func (r *Repository) GetUniverse(id int64) (*domain.Universe, error) {
	row := r.db.QueryRow("SELECT "+universesColumns+" FROM universes WHERE id = ?", id)
	u, err := scanUniverse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get universe: %w", err)
	}
	return &u, nil
}

// CreateTarget inserts a new target. Symbol is normalised to upper case.
func (r *Repository) CreateTarget(t domain.Target) (int64, error) {
	if t.Metadata == "" {
		t.Metadata = "{}"
	}
	res, err := r.db.Exec(
		`INSERT INTO targets (symbol, universe_id, name, metadata, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.ToUpper(strings.TrimSpace(t.Symbol)), t.UniverseID, t.Name, t.Metadata, boolToInt(t.Active), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create target: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get target id: %w", err)
	}

	r.log.Info().Str("symbol", t.Symbol).Int64("universe_id", t.UniverseID).Msg("Target created")
	return id, nil
}

// GetTarget retrieves a target by id. Returns (nil, nil) when not found.
func (r *Repository) GetTarget(id int64) (*domain.Target, error) {
	row := r.db.QueryRow("SELECT "+targetsColumns+" FROM targets WHERE id = ?", id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	return &t, nil
}

// GetTargetScope resolves a target's position in the scope hierarchy.
func (r *Repository) GetTargetScope(targetID int64) (domain.Scope, error) {
	var scope domain.Scope
	err := r.db.QueryRow(`
		SELECT t.id, t.universe_id, u.domain
		FROM targets t JOIN universes u ON u.id = t.universe_id
		WHERE t.id = ?`, targetID,
	).Scan(&scope.TargetID, &scope.UniverseID, &scope.Domain)
	if errors.Is(err, sql.ErrNoRows) {
		return scope, fmt.Errorf("target %d not found", targetID)
	}
	if err != nil {
		return scope, fmt.Errorf("failed to resolve target scope: %w", err)
	}
	return scope, nil
}

// ListTargets returns the active targets of a universe.
func (r *Repository) ListTargets(universeID int64) ([]domain.Target, error) {
	rows, err := r.db.Query("SELECT "+targetsColumns+" FROM targets WHERE universe_id = ? AND active = 1 ORDER BY symbol", universeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []domain.Target
	for rows.Next() {
		t, err := scanTargetRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// SetLastPrice upserts the last traded price of a target.
func (r *Repository) SetLastPrice(targetID int64, price float64) error {
	if price <= 0 {
		return fmt.Errorf("invalid price %f for target %d", price, targetID)
	}
	_, err := r.db.Exec(`
		INSERT INTO target_prices (target_id, price, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (target_id) DO UPDATE SET price = excluded.price, updated_at = excluded.updated_at`,
		targetID, price, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set last price: %w", err)
	}
	return nil
}

// LastPrice returns the last recorded price of a target. Targets with no
// recorded price yet return an error.
func (r *Repository) LastPrice(targetID int64) (float64, error) {
	var price float64
	err := r.db.QueryRow("SELECT price FROM target_prices WHERE target_id = ?", targetID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no price recorded for target %d", targetID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last price: %w", err)
	}
	return price, nil
}

// UpdateTargetMetadata updates the mutable descriptive fields of a target.
// The symbol is immutable once created and is deliberately not updatable here.
func (r *Repository) UpdateTargetMetadata(id int64, name, metadata string) error {
	_, err := r.db.Exec("UPDATE targets SET name = ?, metadata = ? WHERE id = ?", name, metadata, id)
	if err != nil {
		return fmt.Errorf("failed to update target metadata: %w", err)
	}
	return nil
}

func scanUniverse(row *sql.Row) (domain.Universe, error) {
	var u domain.Universe
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Slug, &u.Name, &u.OrganizationID, &u.Domain, &createdAt); err != nil {
		return u, err
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return u, nil
}

func scanTarget(row *sql.Row) (domain.Target, error) {
	var t domain.Target
	var active int
	var createdAt int64
	if err := row.Scan(&t.ID, &t.Symbol, &t.UniverseID, &t.Name, &t.Metadata, &active, &createdAt); err != nil {
		return t, err
	}
	t.Active = active != 0
	t.CreatedAt = time.Unix(createdAt, 0)
	return t, nil
}

func scanTargetRows(rows *sql.Rows) (domain.Target, error) {
	var t domain.Target
	var active int
	var createdAt int64
	if err := rows.Scan(&t.ID, &t.Symbol, &t.UniverseID, &t.Name, &t.Metadata, &active, &createdAt); err != nil {
		return t, err
	}
	t.Active = active != 0
	t.CreatedAt = time.Unix(createdAt, 0)
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
