package domain

// ScopeLevel is one level of the configuration hierarchy.
// Precedence when resolving: target > universe > domain > runner.
type ScopeLevel string

const (
	ScopeRunner   ScopeLevel = "runner"
	ScopeDomain   ScopeLevel = "domain"
	ScopeUniverse ScopeLevel = "universe"
	ScopeTarget   ScopeLevel = "target"
	// ScopeAnalyst is valid for learnings only: a learning can be pinned to
	// one analyst regardless of where in the tree it applies.
	ScopeAnalyst ScopeLevel = "analyst"
)

// specificity orders scope levels from most general to most specific.
var specificity = map[ScopeLevel]int{
	ScopeRunner:   0,
	ScopeDomain:   1,
	ScopeUniverse: 2,
	ScopeTarget:   3,
	ScopeAnalyst:  3,
}

// MoreSpecificThan reports whether s binds tighter than other.
func (s ScopeLevel) MoreSpecificThan(other ScopeLevel) bool {
	return specificity[s] > specificity[other]
}

// Scope is the resolution context for one target: the full path from runner
// down to the target. The zero value is runner scope.
type Scope struct {
	Domain     string
	UniverseID int64
	TargetID   int64
}

// Matches reports whether a record scoped at (level, domain, universeID,
// targetID) applies to this scope. A record applies when every scope column it
// pins agrees with the context.
func (s Scope) Matches(level ScopeLevel, domain string, universeID, targetID int64) bool {
	switch level {
	case ScopeRunner:
		return true
	case ScopeDomain:
		return domain == s.Domain
	case ScopeUniverse:
		return universeID == s.UniverseID
	case ScopeTarget:
		return targetID == s.TargetID
	}
	return false
}
