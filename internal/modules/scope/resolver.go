package scope

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// ResolvedAnalyst is an analyst with its effective configuration for one
// target's context, after all overrides are applied.
type ResolvedAnalyst struct {
	Analyst domain.Analyst
	Weight  float64
	Tier    domain.Tier
	Enabled bool
}

// Resolver computes effective analyst configuration. It is a pure function of
// the current configuration rows: every call re-reads the repositories, so it
// can never diverge from the database.
type Resolver struct {
	analysts *AnalystRepository
	log      zerolog.Logger
}

// NewResolver creates a new scope resolver.
func NewResolver(analysts *AnalystRepository, log zerolog.Logger) *Resolver {
	return &Resolver{
		analysts: analysts,
		log:      log.With().Str("service", "scope_resolver").Logger(),
	}
}

// ResolveAnalysts returns the effective analyst set for a scope.
//
// Resolution happens in two stages:
//  1. Base record: when the same slug exists at several hierarchy levels, the
//     most specific level wins outright (a target-level analyst shadows its
//     domain-level namesake).
//  2. Overrides: a target-level override beats a universe-level override,
//     which beats the base record, attribute by attribute. An explicit
//     enabled=false at any override level suppresses the analyst regardless
//     of a more general enabled=true.
func (r *Resolver) ResolveAnalysts(scope domain.Scope) ([]ResolvedAnalyst, error) {
	base, err := r.analysts.ListForScope(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load analysts: %w", err)
	}
	overrides, err := r.analysts.ListOverridesForScope(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides: %w", err)
	}

	// Stage 1: most specific base record per slug.
	bySlug := make(map[string]domain.Analyst)
	for _, a := range base {
		existing, ok := bySlug[a.Slug]
		if !ok || a.ScopeLevel.MoreSpecificThan(existing.ScopeLevel) {
			bySlug[a.Slug] = a
		}
	}

	// Index overrides by analyst id. Universe-level first so target-level
	// wins when both exist for the same analyst.
	universeOv := make(map[int64]domain.AnalystOverride)
	targetOv := make(map[int64]domain.AnalystOverride)
	for _, o := range overrides {
		if o.TargetID != 0 {
			targetOv[o.AnalystID] = o
		} else {
			universeOv[o.AnalystID] = o
		}
	}

	var out []ResolvedAnalyst
	for _, a := range bySlug {
		ra := ResolvedAnalyst{
			Analyst: a,
			Weight:  a.Weight,
			Tier:    a.DefaultTier,
			Enabled: a.Enabled,
		}
		// Universe override, then target override on top.
		applyOverride(&ra, universeOv[a.ID])
		applyOverride(&ra, targetOv[a.ID])

		// An explicit false anywhere suppresses, regardless of order.
		if explicitlyDisabled(universeOv[a.ID]) || explicitlyDisabled(targetOv[a.ID]) {
			ra.Enabled = false
		}
		out = append(out, ra)
	}

	// Deterministic order for reproducible ensembles.
	sort.Slice(out, func(i, j int) bool {
		return out[i].Analyst.Slug < out[j].Analyst.Slug
	})

	return out, nil
}

// EnabledAnalysts returns only the analysts that survive resolution enabled.
func (r *Resolver) EnabledAnalysts(scope domain.Scope) ([]ResolvedAnalyst, error) {
	all, err := r.ResolveAnalysts(scope)
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, ra := range all {
		if ra.Enabled {
			enabled = append(enabled, ra)
		}
	}
	return enabled, nil
}

func applyOverride(ra *ResolvedAnalyst, o domain.AnalystOverride) {
	if o.AnalystID == 0 {
		return // zero value: no override present
	}
	if o.Weight != nil {
		ra.Weight = *o.Weight
	}
	if o.Tier != nil {
		ra.Tier = *o.Tier
	}
	if o.Enabled != nil {
		ra.Enabled = *o.Enabled
	}
}

func explicitlyDisabled(o domain.AnalystOverride) bool {
	return o.AnalystID != 0 && o.Enabled != nil && !*o.Enabled
}
