package dedup

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Fingerprint is the persisted identity of one previously-seen item.
type Fingerprint struct {
	ID              int64
	SourceID        int64
	TargetID        int64
	ContentHash     string
	NormalizedTitle string
	KeyPhrases      []string
	ObservedAt      time.Time
	CreatedAt       time.Time
}

// FingerprintRepository handles fingerprint persistence.
type FingerprintRepository struct {
	db  *sql.DB // pipeline.db
	log zerolog.Logger
}

// NewFingerprintRepository creates a new fingerprint repository.
func NewFingerprintRepository(db *sql.DB, log zerolog.Logger) *FingerprintRepository {
	return &FingerprintRepository{
		db:  db,
		log: log.With().Str("repo", "fingerprint").Logger(),
	}
}

// Insert persists a fingerprint. Returns false when a fingerprint with the
// same (content_hash, source_id, target_id) already exists - the unique index
// plus ON CONFLICT DO NOTHING makes concurrent inserts of the same item safe:
// exactly one caller observes inserted=true.
func (r *FingerprintRepository) Insert(fp Fingerprint) (inserted bool, err error) {
	phrases, err := json.Marshal(fp.KeyPhrases)
	if err != nil {
		return false, fmt.Errorf("failed to encode key phrases: %w", err)
	}

	res, err := r.db.Exec(`
		INSERT INTO fingerprints (source_id, target_id, content_hash, normalized_title, key_phrases, observed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, source_id, target_id) DO NOTHING`,
		fp.SourceID, fp.TargetID, fp.ContentHash, fp.NormalizedTitle, string(phrases),
		fp.ObservedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert fingerprint: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected > 0, nil
}

// ExistsExact checks layer 1: same hash, same source, same target.
func (r *FingerprintRepository) ExistsExact(contentHash string, sourceID, targetID int64) (bool, error) {
	var one int
	err := r.db.QueryRow(
		"SELECT 1 FROM fingerprints WHERE content_hash = ? AND source_id = ? AND target_id = ? LIMIT 1",
		contentHash, sourceID, targetID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check exact fingerprint: %w", err)
	}
	return true, nil
}

// ExistsCrossSource checks layer 2: same hash for the target from any source.
func (r *FingerprintRepository) ExistsCrossSource(contentHash string, targetID int64) (bool, error) {
	var one int
	err := r.db.QueryRow(
		"SELECT 1 FROM fingerprints WHERE content_hash = ? AND target_id = ? LIMIT 1",
		contentHash, targetID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check cross-source fingerprint: %w", err)
	}
	return true, nil
}

// RecentForTarget returns fingerprints for a target created within the window,
// newest first. These are the candidates for the fuzzy layers; precise
// similarity scoring happens in the engine, not in SQL.
func (r *FingerprintRepository) RecentForTarget(targetID int64, window time.Duration) ([]Fingerprint, error) {
	cutoff := time.Now().Add(-window).Unix()
	rows, err := r.db.Query(`
		SELECT id, source_id, target_id, content_hash, normalized_title, key_phrases, observed_at, created_at
		FROM fingerprints
		WHERE target_id = ? AND created_at >= ?
		ORDER BY created_at DESC`,
		targetID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent fingerprints: %w", err)
	}
	defer rows.Close()

	var out []Fingerprint
	for rows.Next() {
		var fp Fingerprint
		var phrases string
		var observedAt, createdAt int64
		if err := rows.Scan(&fp.ID, &fp.SourceID, &fp.TargetID, &fp.ContentHash, &fp.NormalizedTitle, &phrases, &observedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		if err := json.Unmarshal([]byte(phrases), &fp.KeyPhrases); err != nil {
			return nil, fmt.Errorf("failed to decode key phrases: %w", err)
		}
		fp.ObservedAt = time.Unix(observedAt, 0)
		fp.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, fp)
	}
	return out, rows.Err()
}
