// Package sources manages external signal feeds and their crawl runs.
package sources

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// Repository handles source and crawl-run database operations.
type Repository struct {
	db  *sql.DB // universe.db
	log zerolog.Logger
}

const sourcesColumns = `id, slug, name, domain, url, fetch_schedule, crawl_config, enabled, created_at`

// NewRepository creates a new sources repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "sources").Logger(),
	}
}

// Create inserts a new source.
func (r *Repository) Create(s domain.Source) (int64, error) {
	if s.CrawlConfig == "" {
		s.CrawlConfig = "{}"
	}
	if s.FetchSchedule == "" {
		s.FetchSchedule = "@every 15m"
	}
	res, err := r.db.Exec(
		`INSERT INTO sources (slug, name, domain, url, fetch_schedule, crawl_config, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Slug, s.Name, s.Domain, s.URL, s.FetchSchedule, s.CrawlConfig, boolToInt(s.Enabled), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create source: %w", err)
	}
	return res.LastInsertId()
}

// Get retrieves a source by id. Returns (nil, nil) when not found.
func (r *Repository) Get(id int64) (*domain.Source, error) {
	row := r.db.QueryRow("SELECT "+sourcesColumns+" FROM sources WHERE id = ?", id)
	s, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return &s, nil
}

// ListEnabled returns all enabled sources.
func (r *Repository) ListEnabled() ([]domain.Source, error) {
	rows, err := r.db.Query("SELECT " + sourcesColumns + " FROM sources WHERE enabled = 1 ORDER BY slug")
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		var s domain.Source
		var enabled int
		var createdAt int64
		if err := rows.Scan(&s.ID, &s.Slug, &s.Name, &s.Domain, &s.URL, &s.FetchSchedule, &s.CrawlConfig, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		s.Enabled = enabled != 0
		s.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// CrawlRun aggregates one crawl's statistics, including per-layer dedup tallies.
type CrawlRun struct {
	ID             int64
	SourceID       int64
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         string
	ItemsFetched   int
	ItemsNew       int
	ItemsDuplicate int
	DupExact       int
	DupCrossSource int
	DupFuzzyTitle  int
	DupKeyPhrase   int
}

// StartCrawlRun records the beginning of a crawl and returns its id.
func (r *Repository) StartCrawlRun(sourceID int64) (int64, error) {
	res, err := r.db.Exec(
		`INSERT INTO crawl_runs (source_id, started_at, status) VALUES (?, ?, 'running')`,
		sourceID, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to start crawl run: %w", err)
	}
	return res.LastInsertId()
}

// FinishCrawlRun records the final statistics of a crawl.
func (r *Repository) FinishCrawlRun(run CrawlRun) error {
	_, err := r.db.Exec(`
		UPDATE crawl_runs SET
			finished_at = ?, status = ?,
			items_fetched = ?, items_new = ?, items_duplicate = ?,
			dup_exact = ?, dup_cross_source = ?, dup_fuzzy_title = ?, dup_key_phrase = ?
		WHERE id = ?`,
		time.Now().Unix(), run.Status,
		run.ItemsFetched, run.ItemsNew, run.ItemsDuplicate,
		run.DupExact, run.DupCrossSource, run.DupFuzzyTitle, run.DupKeyPhrase,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish crawl run: %w", err)
	}

	r.log.Info().
		Int64("run_id", run.ID).
		Int("fetched", run.ItemsFetched).
		Int("new", run.ItemsNew).
		Int("duplicate", run.ItemsDuplicate).
		Msg("Crawl run finished")
	return nil
}

// DedupTallies sums the per-layer duplicate counts over crawl runs started
// at or after the cutoff.
func (r *Repository) DedupTallies(since time.Time) (map[domain.DedupLayer]int64, error) {
	var exact, cross, fuzzy, phrase int64
	err := r.db.QueryRow(`
		SELECT COALESCE(SUM(dup_exact), 0), COALESCE(SUM(dup_cross_source), 0),
		       COALESCE(SUM(dup_fuzzy_title), 0), COALESCE(SUM(dup_key_phrase), 0)
		FROM crawl_runs WHERE started_at >= ?`, since.Unix(),
	).Scan(&exact, &cross, &fuzzy, &phrase)
	if err != nil {
		return nil, fmt.Errorf("failed to sum dedup tallies: %w", err)
	}
	return map[domain.DedupLayer]int64{
		domain.LayerExactHash:       exact,
		domain.LayerCrossSourceHash: cross,
		domain.LayerFuzzyTitle:      fuzzy,
		domain.LayerKeyPhrase:       phrase,
	}, nil
}

// RecentCrawlRuns returns the most recent crawl runs, newest first.
func (r *Repository) RecentCrawlRuns(limit int) ([]CrawlRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, source_id, started_at, finished_at, status,
		       items_fetched, items_new, items_duplicate,
		       dup_exact, dup_cross_source, dup_fuzzy_title, dup_key_phrase
		FROM crawl_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query crawl runs: %w", err)
	}
	defer rows.Close()

	var out []CrawlRun
	for rows.Next() {
		var run CrawlRun
		var startedAt int64
		var finishedAt sql.NullInt64
		if err := rows.Scan(&run.ID, &run.SourceID, &startedAt, &finishedAt, &run.Status,
			&run.ItemsFetched, &run.ItemsNew, &run.ItemsDuplicate,
			&run.DupExact, &run.DupCrossSource, &run.DupFuzzyTitle, &run.DupKeyPhrase); err != nil {
			return nil, fmt.Errorf("failed to scan crawl run: %w", err)
		}
		run.StartedAt = time.Unix(startedAt, 0)
		if finishedAt.Valid {
			t := time.Unix(finishedAt.Int64, 0)
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanSource(row *sql.Row) (domain.Source, error) {
	var s domain.Source
	var enabled int
	var createdAt int64
	if err := row.Scan(&s.ID, &s.Slug, &s.Name, &s.Domain, &s.URL, &s.FetchSchedule, &s.CrawlConfig, &enabled, &createdAt); err != nil {
		return s, err
	}
	s.Enabled = enabled != 0
	s.CreatedAt = time.Unix(createdAt, 0)
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
