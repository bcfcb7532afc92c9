package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollector_Counts(t *testing.T) {
	collector := NewStatsCollector()

	for range 5 {
		collector.RecordHit()
	}
	for range 3 {
		collector.RecordMiss()
	}
	collector.RecordEviction()
	collector.UpdateSize(100)
	collector.UpdateSize(42)

	stats := collector.GetStats()
	assert.Equal(t, uint64(5), stats.Hits)
	assert.Equal(t, uint64(3), stats.Misses)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, int64(42), stats.Size)
}

func TestStatsCollector_HitRate(t *testing.T) {
	collector := NewStatsCollector()
	assert.Equal(t, 0.0, collector.HitRate())

	collector.RecordHit()
	collector.RecordHit()
	assert.Equal(t, 1.0, collector.HitRate())

	collector.RecordMiss()
	collector.RecordMiss()
	assert.Equal(t, 0.5, collector.HitRate())
}

func TestStatsCollector_Concurrent(t *testing.T) {
	collector := NewStatsCollector()
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHit()
			collector.RecordMiss()
			collector.RecordEviction()
		}()
	}
	wg.Wait()

	stats := collector.GetStats()
	assert.Equal(t, uint64(10), stats.Hits)
	assert.Equal(t, uint64(10), stats.Misses)
	assert.Equal(t, uint64(10), stats.Evictions)
}

func TestStatsCollector_LastUpdated(t *testing.T) {
	collector := NewStatsCollector()
	before := collector.GetStats().LastUpdated

	time.Sleep(10 * time.Millisecond)
	collector.RecordHit()

	assert.True(t, collector.GetStats().LastUpdated.After(before))
}
