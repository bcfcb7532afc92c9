// Package cache memoises compiled data access rule patterns.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/TFMV/gatekeeper/pkg/models"
)

// PatternCache is an LRU cache of compiled rule patterns keyed by their raw
// text. It is safe for concurrent use and satisfies services.PatternCompiler.
type PatternCache struct {
	entries *lru.Cache[string, models.Pattern]
	stats   *StatsCollector
}

// NewPatternCache creates a pattern cache from cfg. A nil cfg uses DefaultConfig.
func NewPatternCache(cfg *Config) (*PatternCache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", cfg.Size)
	}

	c := &PatternCache{}
	if cfg.EnableStats {
		c.stats = NewStatsCollector()
	}

	entries, err := lru.NewWithEvict[string, models.Pattern](cfg.Size, func(string, models.Pattern) {
		if c.stats != nil {
			c.stats.RecordEviction()
		}
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Compile returns the compiled form of raw, compiling it on a miss.
// Invalid patterns are cached too.
func (c *PatternCache) Compile(raw string) models.Pattern {
	if p, ok := c.entries.Get(raw); ok {
		if c.stats != nil {
			c.stats.RecordHit()
		}
		return p
	}

	p := models.ParsePattern(raw)
	c.entries.Add(raw, p)
	if c.stats != nil {
		c.stats.RecordMiss()
		c.stats.UpdateSize(int64(c.entries.Len()))
	}
	return p
}

// Len returns the number of cached patterns.
func (c *PatternCache) Len() int {
	return c.entries.Len()
}

// Purge drops every cached pattern.
func (c *PatternCache) Purge() {
	c.entries.Purge()
	if c.stats != nil {
		c.stats.UpdateSize(0)
	}
}

// Stats returns the cache statistics, or zero values when stats are disabled.
func (c *PatternCache) Stats() Stats {
	if c.stats == nil {
		return Stats{}
	}
	return c.stats.GetStats()
}

// HitRate returns the hit rate, or 0 when stats are disabled.
func (c *PatternCache) HitRate() float64 {
	if c.stats == nil {
		return 0
	}
	return c.stats.HitRate()
}
