package rules

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of compiled rules kept in memory.
const DefaultCacheSize = 512

// Cache memoizes compiled predicates by rule source. Rule text never changes
// once stored, so entries are never invalidated, only evicted.
type Cache struct {
	parser *Parser
	lru    *lru.Cache[string, *Predicate]
}

// NewCache wraps parser with a bounded LRU. A nil parser uses the full allowlist.
func NewCache(parser *Parser, size int) (*Cache, error) {
	if parser == nil {
		parser = defaultParser
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, *Predicate](size)
	if err != nil {
		return nil, fmt.Errorf("rule cache: %w", err)
	}
	return &Cache{parser: parser, lru: c}, nil
}

// Compile returns the cached predicate for src, parsing it on first use.
// Failed parses are not cached.
func (c *Cache) Compile(src string) (*Predicate, error) {
	if p, ok := c.lru.Get(src); ok {
		return p, nil
	}
	p, err := c.parser.Parse(src)
	if err != nil {
		return nil, err
	}
	c.lru.Add(src, p)
	return p, nil
}

// Len reports the number of cached predicates.
func (c *Cache) Len() int { return c.lru.Len() }

// Filter keeps the items whose row matches pred.
func Filter[T any](items []T, pred *Predicate, row func(*T) *Row) []T {
	var out []T
	for i := range items {
		if pred.Match(row(&items[i])) {
			out = append(out, items[i])
		}
	}
	return out
}
