package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoOpCollector(t *testing.T) {
	collector := NewNoOpCollector()

	assert.NotPanics(t, func() {
		collector.IncrementCounter("access_decisions", "outcome", "allowed")
		collector.RecordHistogram("access_evaluation_seconds", 0.001)
		collector.RecordGauge("rules_loaded", 3)
	})

	timer := collector.StartTimer("access_evaluation")
	time.Sleep(10 * time.Millisecond)

	duration := timer.Stop()
	assert.Greater(t, duration, 0.0)
	assert.Less(t, duration, 1.0)
}
