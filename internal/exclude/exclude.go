// Package exclude decides whether a captured exchange is reported to the
// operator. The filter itself is pure and side-effect free; retroactive
// purge of already-captured history that matches a newly added rule is a
// store/capture-index concern, not a filter concern.
package exclude

import (
	"net/url"
	"strings"

	"mitmrelay/internal/model"
	"mitmrelay/internal/rules"
)

// Filter evaluates exclusion rules against URLs.
type Filter struct {
	cache *rules.RegexCache
}

// New builds a Filter sharing a regex cache with the rewrite engine, since
// both compile user-supplied patterns.
func New(cache *rules.RegexCache) *Filter {
	if cache == nil {
		cache = rules.NewSharedCache()
	}
	return &Filter{cache: cache}
}

// IsExcluded evaluates each rule in order; the first match wins. Malformed
// URLs or patterns cause that rule to be treated as non-matching, never as
// matching.
func (f *Filter) IsExcluded(rawURL string, excl []model.ExclusionRule) bool {
	for _, r := range excl {
		if f.matches(rawURL, r) {
			return true
		}
	}
	return false
}

func (f *Filter) matches(rawURL string, r model.ExclusionRule) bool {
	switch r.Type {
	case model.ExclusionDomain:
		u, err := url.Parse(rawURL)
		if err != nil {
			return false
		}
		return strings.Contains(u.Hostname(), r.Value)
	case model.ExclusionURL:
		return strings.Contains(rawURL, r.Value)
	case model.ExclusionRegex:
		re, err := f.cache.Get(r.Value)
		if err != nil {
			return false
		}
		return re.MatchString(rawURL)
	default:
		return false
	}
}
