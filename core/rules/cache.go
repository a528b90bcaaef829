package rules

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultRegexCacheSize = 512

// regexCache memoizes compiled patterns, including compile failures, so a
// broken pattern is not recompiled for every event.
type regexCache struct {
	entries *lru.Cache[string, regexEntry]
}

type regexEntry struct {
	re  *regexp.Regexp
	err error
}

func newRegexCache(size int) *regexCache {
	if size <= 0 {
		size = defaultRegexCacheSize
	}
	c, err := lru.New[string, regexEntry](size)
	if err != nil {
		panic(err)
	}
	return &regexCache{entries: c}
}

func (c *regexCache) get(pattern string) (*regexp.Regexp, error) {
	if e, ok := c.entries.Get(pattern); ok {
		return e.re, e.err
	}
	re, err := regexp.Compile(pattern)
	c.entries.Add(pattern, regexEntry{re: re, err: err})
	return re, err
}

func (c *regexCache) Len() int {
	return c.entries.Len()
}
