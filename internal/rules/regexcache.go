package rules

import (
	"regexp"
	"sync"
)

// RegexCache compiles patterns once and caches by pattern identity. The same
// cache instance is shared between the rewrite engine and the exclusion
// filter, since both compile user-supplied patterns of the same kind.
type RegexCache struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewSharedCache builds an empty cache.
func NewSharedCache() *RegexCache {
	return &RegexCache{cache: make(map[string]*regexp.Regexp)}
}

// Get returns the compiled pattern, compiling and caching it on first use.
func (c *RegexCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.cache[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.cache[pattern]; ok {
		return re, nil
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.cache[pattern] = compiled
	return compiled, nil
}
