// Package dedup suppresses redundant signals before they reach analysts.
//
// Four layers run in increasing cost and decreasing precision, short-circuiting
// on the first match:
//  1. exact hash        - same content from the same source for the same target
//  2. cross-source hash - identical content syndicated by another feed
//  3. fuzzy title       - normalized-title Jaccard similarity over a recent window
//  4. key phrases       - extracted key-phrase set overlap over the same window
//
// Layers 3-4 are candidate generators: the repository returns the window
// cheaply and the engine scores every candidate precisely before rendering a
// verdict, returning the scored candidates so callers can audit the decision.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// Default thresholds and window.
const (
	DefaultTitleSimilarityThreshold = 0.85
	DefaultPhraseOverlapThreshold   = 0.70
	DefaultWindow                   = 72 * time.Hour
)

// Config tunes the fuzzy layers.
type Config struct {
	TitleSimilarityThreshold float64
	PhraseOverlapThreshold   float64
	Window                   time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		TitleSimilarityThreshold: DefaultTitleSimilarityThreshold,
		PhraseOverlapThreshold:   DefaultPhraseOverlapThreshold,
		Window:                   DefaultWindow,
	}
}

// Candidate is one scored near-match from the fuzzy layers.
type Candidate struct {
	Fingerprint     Fingerprint
	TitleSimilarity float64
	PhraseOverlap   float64
}

// Verdict is the engine's decision for one item.
type Verdict struct {
	Duplicate  bool
	Layer      domain.DedupLayer // set when Duplicate
	Candidates []Candidate       // scored near-matches from layers 3-4
	// Fingerprint of the item itself; persisted when the item is new.
	NormalizedTitle string
	ContentHash     string
	KeyPhrases      []string
}

// Engine runs the four-layer duplicate check.
type Engine struct {
	repo *FingerprintRepository
	cfg  Config
	log  zerolog.Logger
}

// NewEngine creates a new deduplication engine.
func NewEngine(repo *FingerprintRepository, cfg Config, log zerolog.Logger) *Engine {
	if cfg.TitleSimilarityThreshold <= 0 {
		cfg.TitleSimilarityThreshold = DefaultTitleSimilarityThreshold
	}
	if cfg.PhraseOverlapThreshold <= 0 {
		cfg.PhraseOverlapThreshold = DefaultPhraseOverlapThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Engine{
		repo: repo,
		cfg:  cfg,
		log:  log.With().Str("service", "dedup").Logger(),
	}
}

// Check decides new-or-duplicate for an item and, when new, persists its
// fingerprint. A lost insert race is reported as an exact-hash duplicate so
// two concurrent ingests of the same item never both produce a signal.
func (e *Engine) Check(item domain.RawItem) (Verdict, error) {
	v := Verdict{
		NormalizedTitle: NormalizeTitle(item.Title),
		ContentHash:     ContentHash(item.Title, item.Body),
		KeyPhrases:      ExtractKeyPhrases(item.Title + " " + item.Body),
	}

	// Layer 1: exact hash, scoped to (source, target).
	exact, err := e.repo.ExistsExact(v.ContentHash, item.SourceID, item.TargetID)
	if err != nil {
		return v, fmt.Errorf("dedup layer 1: %w", err)
	}
	if exact {
		v.Duplicate = true
		v.Layer = domain.LayerExactHash
		return v, nil
	}

	// Layer 2: same hash across all sources for the target.
	cross, err := e.repo.ExistsCrossSource(v.ContentHash, item.TargetID)
	if err != nil {
		return v, fmt.Errorf("dedup layer 2: %w", err)
	}
	if cross {
		v.Duplicate = true
		v.Layer = domain.LayerCrossSourceHash
		return v, nil
	}

	// Layers 3-4: score every recent fingerprint precisely.
	recent, err := e.repo.RecentForTarget(item.TargetID, e.cfg.Window)
	if err != nil {
		return v, fmt.Errorf("dedup window query: %w", err)
	}

	itemTokens := TokenSet(v.NormalizedTitle)
	itemPhrases := toSet(v.KeyPhrases)

	for _, fp := range recent {
		cand := Candidate{
			Fingerprint:     fp,
			TitleSimilarity: Jaccard(itemTokens, TokenSet(fp.NormalizedTitle)),
			PhraseOverlap:   OverlapCoefficient(itemPhrases, toSet(fp.KeyPhrases)),
		}
		if cand.TitleSimilarity > 0 || cand.PhraseOverlap > 0 {
			v.Candidates = append(v.Candidates, cand)
		}
	}

	// Layer 3 is scored over the whole window before layer 4 gets a say, so a
	// title match anywhere in the window is always attributed to layer 3.
	for _, cand := range v.Candidates {
		if cand.TitleSimilarity >= e.cfg.TitleSimilarityThreshold {
			v.Duplicate = true
			v.Layer = domain.LayerFuzzyTitle
			return v, nil
		}
	}
	for _, cand := range v.Candidates {
		if cand.PhraseOverlap >= e.cfg.PhraseOverlapThreshold {
			v.Duplicate = true
			v.Layer = domain.LayerKeyPhrase
			return v, nil
		}
	}

	// New item: persist the fingerprint. inserted=false means a concurrent
	// ingest won the race; treat ours as the duplicate.
	inserted, err := e.repo.Insert(Fingerprint{
		SourceID:        item.SourceID,
		TargetID:        item.TargetID,
		ContentHash:     v.ContentHash,
		NormalizedTitle: v.NormalizedTitle,
		KeyPhrases:      v.KeyPhrases,
		ObservedAt:      item.ObservedAt,
	})
	if err != nil {
		return v, fmt.Errorf("dedup fingerprint insert: %w", err)
	}
	if !inserted {
		v.Duplicate = true
		v.Layer = domain.LayerExactHash
		e.log.Debug().
			Int64("target_id", item.TargetID).
			Str("hash", v.ContentHash[:12]).
			Msg("Lost fingerprint insert race, treating as duplicate")
	}

	return v, nil
}

// ContentHash returns the sha256 hex digest of the normalized title and body.
func ContentHash(title, body string) string {
	h := sha256.Sum256([]byte(NormalizeTitle(title) + "\n" + normalizeText(body)))
	return hex.EncodeToString(h[:])
}

// NormalizeTitle lowercases a title, strips punctuation and collapses
// whitespace so trivially-reformatted re-crawls hash identically.
func NormalizeTitle(title string) string {
	return normalizeText(title)
}

func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// TokenSet splits a normalized string into its word set.
func TokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

// Jaccard computes |A∩B| / |A∪B|. Two empty sets are not similar.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// OverlapCoefficient computes |A∩B| / min(|A|, |B|).
func OverlapCoefficient(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	return float64(intersection) / float64(minLen)
}

// stopwords excluded from key-phrase extraction.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "after": {}, "before": {}, "over": {}, "under": {},
	"into": {}, "about": {}, "than": {}, "then": {}, "their": {}, "they": {},
}

// ExtractKeyPhrases extracts significant word bigrams from text. Consecutive
// non-stopword tokens of length >= 3 form a phrase; standalone significant
// tokens of length >= 6 are kept as unigrams.
func ExtractKeyPhrases(text string) []string {
	tokens := strings.Fields(normalizeText(text))

	seen := make(map[string]struct{})
	var phrases []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			phrases = append(phrases, p)
		}
	}

	prev := ""
	for _, tok := range tokens {
		if _, stop := stopwords[tok]; stop || len(tok) < 3 {
			prev = ""
			continue
		}
		if prev != "" {
			add(prev + " " + tok)
		}
		if len(tok) >= 6 {
			add(tok)
		}
		prev = tok
	}
	return phrases
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
