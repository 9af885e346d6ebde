package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList holds model names whose responses must never enter the cache,
// e.g. models expected to return time-sensitive or nondeterministic output.
// Rules come in two forms: exact model names and regular expressions. A nil
// *ExclusionList excludes nothing.
type ExclusionList struct {
	names    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the rule set. Pattern compile errors are returned
// so misconfiguration fails at startup, not on the request path.
func NewExclusionList(names, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		names: make(map[string]struct{}, len(names)),
	}

	for _, n := range names {
		if n != "" {
			el.names[n] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Excluded reports whether model is barred from caching. Exact names are
// checked before patterns.
func (el *ExclusionList) Excluded(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.names[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Rules returns the total number of configured rules.
func (el *ExclusionList) Rules() int {
	if el == nil {
		return 0
	}
	return len(el.names) + len(el.patterns)
}
