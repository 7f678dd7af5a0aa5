package sources

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// Filter applies include/exclude wildcard patterns to entity names.
// Exclusion wins over inclusion; an empty include list admits everything
// not excluded.
type Filter struct {
	include []string
	exclude []string
}

// NewFilter builds a filter from raw pattern lists. Blank patterns are
// dropped.
func NewFilter(include, exclude []string) *Filter {
	return &Filter{
		include: cleanPatterns(include),
		exclude: cleanPatterns(exclude),
	}
}

func cleanPatterns(patterns []string) []string {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}

// Allowed reports whether any of the candidate values passes the filter.
// Passing several values lets a guest match by name or by numeric ID in
// one call.
func (f *Filter) Allowed(values ...string) bool {
	if f == nil {
		return true
	}
	candidates := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return len(f.include) == 0
	}
	for _, pattern := range f.exclude {
		for _, v := range candidates {
			if wildcard.Match(pattern, v) {
				return false
			}
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, pattern := range f.include {
		for _, v := range candidates {
			if wildcard.Match(pattern, v) {
				return true
			}
		}
	}
	return false
}

// Empty reports whether the filter has no patterns at all.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.include) == 0 && len(f.exclude) == 0)
}
