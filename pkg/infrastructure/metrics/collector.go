// Package metrics provides metrics collection for access decisions.
package metrics

import (
	"time"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// RecordGauge records a gauge metric value.
	RecordGauge(name string, value float64, labels ...string)

	// StartTimer starts a timer for measuring duration.
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	// Stop stops the timer and returns the duration in seconds.
	Stop() float64
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

func (n *NoOpCollector) IncrementCounter(name string, labels ...string) {}

func (n *NoOpCollector) RecordHistogram(name string, value float64, labels ...string) {}

func (n *NoOpCollector) RecordGauge(name string, value float64, labels ...string) {}

// StartTimer returns a timer that still measures elapsed time.
func (n *NoOpCollector) StartTimer(name string) Timer {
	return &elapsedTimer{start: time.Now()}
}

// elapsedTimer measures wall time since start.
type elapsedTimer struct {
	start time.Time
}

// Stop returns the elapsed time in seconds.
func (t *elapsedTimer) Stop() float64 {
	return time.Since(t.start).Seconds()
}
