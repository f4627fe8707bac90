// Package dependency records which cached queries a mutation makes stale.
package dependency

import (
	"errors"
	"strings"
	"sync"

	"github.com/rickgao/livesync/internal/canonical"
)

// ErrEmptyPattern is returned when defining an edge with a blank pattern.
var ErrEmptyPattern = errors.New("dependency: empty pattern")

// Pattern is an exact function name, an exact canonical key, or a glob in
// which '*' matches any run of characters and '?' exactly one character.
type Pattern string

// IsGlob reports whether the pattern contains wildcards.
func (p Pattern) IsGlob() bool {
	return strings.ContainsAny(string(p), "*?")
}

// Match reports whether p matches a cache key, either in full or by the
// key's function name.
func (p Pattern) Match(key string) bool {
	if glob(string(p), key) {
		return true
	}
	fn := canonical.FunctionOf(key)
	return fn != key && glob(string(p), fn)
}

// glob matches name against pattern rune by rune. Unlike path.Match, '*'
// crosses '/' and ':' separators.
func glob(patternStr, nameStr string) bool {
	pattern, name := []rune(patternStr), []rune(nameStr)
	px, nx := 0, 0
	nextPx, nextNx := 0, 0
	for px < len(pattern) || nx < len(name) {
		if px < len(pattern) {
			switch c := pattern[px]; c {
			case '?':
				if nx < len(name) {
					px++
					nx++
					continue
				}
			case '*':
				nextPx = px
				nextNx = nx + 1
				px++
				continue
			default:
				if nx < len(name) && name[nx] == c {
					px++
					nx++
					continue
				}
			}
		}
		if 0 < nextNx && nextNx <= len(name) {
			px = nextPx
			nx = nextNx
			continue
		}
		return false
	}
	return true
}

// Registry maps mutation patterns to the query patterns they invalidate.
type Registry struct {
	mu    sync.RWMutex
	order []Pattern
	edges map[Pattern][]Pattern
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{edges: make(map[Pattern][]Pattern)}
}

// Define adds query patterns to the set invalidated by mutations matching
// mutationPattern. Repeated patterns are ignored.
func (r *Registry) Define(mutationPattern string, queryPatterns ...string) error {
	if mutationPattern == "" {
		return ErrEmptyPattern
	}
	for _, q := range queryPatterns {
		if q == "" {
			return ErrEmptyPattern
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m := Pattern(mutationPattern)
	existing, ok := r.edges[m]
	if !ok {
		r.order = append(r.order, m)
	}
	for _, q := range queryPatterns {
		existing = appendUnique(existing, Pattern(q))
	}
	r.edges[m] = existing
	return nil
}

// MatchesFor returns every query pattern registered for mutations whose
// pattern matches the given mutation function name.
func (r *Registry) MatchesFor(mutation string) []Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Pattern
	for _, m := range r.order {
		if !glob(string(m), mutation) {
			continue
		}
		for _, q := range r.edges[m] {
			out = appendUnique(out, q)
		}
	}
	return out
}

// Len returns the number of mutation patterns defined.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Matcher returns a key predicate matching any of patterns.
func Matcher(patterns []Pattern) func(key string) bool {
	return func(key string) bool {
		for _, p := range patterns {
			if p.Match(key) {
				return true
			}
		}
		return false
	}
}

// Patterns converts strings to Patterns, dropping blanks.
func Patterns(ss ...string) []Pattern {
	out := make([]Pattern, 0, len(ss))
	for _, s := range ss {
		if s != "" {
			out = append(out, Pattern(s))
		}
	}
	return out
}

func appendUnique(list []Pattern, p Pattern) []Pattern {
	for _, cur := range list {
		if cur == p {
			return list
		}
	}
	return append(list, p)
}
