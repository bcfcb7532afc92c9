package cache

import (
	"sync/atomic"
	"time"
)

// Stats holds cache statistics
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Size        int64
	LastUpdated time.Time
}

// StatsCollector collects and reports cache statistics
type StatsCollector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	size        atomic.Int64
	lastUpdated atomic.Int64 // unix nanoseconds
}

// NewStatsCollector creates a new statistics collector
func NewStatsCollector() *StatsCollector {
	c := &StatsCollector{}
	c.touch()
	return c
}

// RecordHit records a cache hit
func (c *StatsCollector) RecordHit() {
	c.hits.Add(1)
	c.touch()
}

// RecordMiss records a cache miss
func (c *StatsCollector) RecordMiss() {
	c.misses.Add(1)
	c.touch()
}

// RecordEviction records a cache eviction
func (c *StatsCollector) RecordEviction() {
	c.evictions.Add(1)
	c.touch()
}

// UpdateSize updates the current number of entries
func (c *StatsCollector) UpdateSize(size int64) {
	c.size.Store(size)
	c.touch()
}

// GetStats returns the current cache statistics
func (c *StatsCollector) GetStats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Size:        c.size.Load(),
		LastUpdated: time.Unix(0, c.lastUpdated.Load()),
	}
}

// HitRate returns the cache hit rate
func (c *StatsCollector) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (c *StatsCollector) touch() {
	c.lastUpdated.Store(time.Now().UnixNano())
}
