package translate

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/shardrelay/changelog"
)

// Filter determines whether a change record should be relayed
type Filter interface {
	// Match returns true if the record should be published
	Match(key string, kind changelog.EventKind) bool
}

// GlobFilter filters change records using glob patterns over the rendered
// record key and a set of allowed event kinds
type GlobFilter struct {
	keyGlobs []glob.Glob
	kinds    map[changelog.EventKind]bool
}

// NewGlobFilter creates a new glob-based filter.
// Empty patterns and empty kinds match everything.
func NewGlobFilter(keyPatterns, kinds []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		keyGlobs: make([]glob.Glob, 0, len(keyPatterns)),
		kinds:    make(map[changelog.EventKind]bool, len(kinds)),
	}

	// Compile key patterns
	for _, pattern := range keyPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
		}
		filter.keyGlobs = append(filter.keyGlobs, g)
	}

	for _, name := range kinds {
		kind, err := changelog.ParseEventKind(name)
		if err != nil {
			return nil, err
		}
		filter.kinds[kind] = true
	}

	return filter, nil
}

// Match returns true if the key and kind match the configured patterns
func (f *GlobFilter) Match(key string, kind changelog.EventKind) bool {
	if len(f.kinds) > 0 && !f.kinds[kind] {
		return false
	}

	// If no key patterns, match all keys
	if len(f.keyGlobs) == 0 {
		return true
	}
	for _, g := range f.keyGlobs {
		if g.Match(key) {
			return true
		}
	}
	return false
}
