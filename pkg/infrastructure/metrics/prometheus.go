package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector using Prometheus. Metric vectors
// are created on first use and registered on the collector's own registry.
type PrometheusCollector struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// PrometheusOption configures a PrometheusCollector.
type PrometheusOption func(*PrometheusCollector)

// WithBuckets sets the histogram buckets. Access evaluation is usually far
// below a millisecond, so the defaults start at 50µs.
func WithBuckets(buckets []float64) PrometheusOption {
	return func(p *PrometheusCollector) {
		p.buckets = buckets
	}
}

// WithRegistry registers metrics on registry instead of a private one.
func WithRegistry(registry *prometheus.Registry) PrometheusOption {
	return func(p *PrometheusCollector) {
		p.registry = registry
	}
}

// NewPrometheusCollector creates a new Prometheus collector. Metric names are
// prefixed with namespace when it is not empty.
func NewPrometheusCollector(namespace string, opts ...PrometheusOption) *PrometheusCollector {
	p := &PrometheusCollector{
		namespace:  namespace,
		buckets:    prometheus.ExponentialBuckets(0.00005, 4, 8),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}
	return p
}

// IncrementCounter increments a counter metric.
func (p *PrometheusCollector) IncrementCounter(name string, labels ...string) {
	labelNames, labelValues := parseLabelPairs(labels)

	p.mu.Lock()
	counter, exists := p.counters[name]
	if !exists {
		counter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: p.namespace,
				Name:      name + "_total",
				Help:      fmt.Sprintf("Counter for %s", name),
			},
			labelNames,
		)
		p.register(counter)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	if c, err := counter.GetMetricWithLabelValues(labelValues...); err == nil {
		c.Inc()
	}
}

// RecordHistogram records a value in a histogram metric.
func (p *PrometheusCollector) RecordHistogram(name string, value float64, labels ...string) {
	labelNames, labelValues := parseLabelPairs(labels)

	p.mu.Lock()
	histogram, exists := p.histograms[name]
	if !exists {
		histogram = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: p.namespace,
				Name:      name,
				Help:      fmt.Sprintf("Histogram for %s", name),
				Buckets:   p.buckets,
			},
			labelNames,
		)
		p.register(histogram)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	if h, err := histogram.GetMetricWithLabelValues(labelValues...); err == nil {
		h.Observe(value)
	}
}

// RecordGauge records a gauge metric value.
func (p *PrometheusCollector) RecordGauge(name string, value float64, labels ...string) {
	labelNames, labelValues := parseLabelPairs(labels)

	p.mu.Lock()
	gauge, exists := p.gauges[name]
	if !exists {
		gauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: p.namespace,
				Name:      name,
				Help:      fmt.Sprintf("Gauge for %s", name),
			},
			labelNames,
		)
		p.register(gauge)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	if g, err := gauge.GetMetricWithLabelValues(labelValues...); err == nil {
		g.Set(value)
	}
}

// StartTimer starts a timer for measuring duration.
func (p *PrometheusCollector) StartTimer(name string) Timer {
	return &elapsedTimer{start: time.Now()}
}

// Registry returns the registry the collector's metrics live on.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// WriteToTextfile writes all collected metrics to path in the Prometheus
// text format, for pickup by the node exporter textfile collector.
func (p *PrometheusCollector) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}

// register must be called with p.mu held.
func (p *PrometheusCollector) register(c prometheus.Collector) {
	// A name clash can only come from a caller-supplied registry; keep
	// recording into the unregistered vector in that case.
	_ = p.registry.Register(c)
}

// parseLabelPairs parses label pairs from variadic string arguments.
// Expected format: "key1", "value1", "key2", "value2", ...
func parseLabelPairs(labels []string) ([]string, []string) {
	if len(labels)%2 != 0 {
		labels = labels[:len(labels)-1]
	}

	labelNames := make([]string, 0, len(labels)/2)
	labelValues := make([]string, 0, len(labels)/2)

	for i := 0; i < len(labels); i += 2 {
		labelNames = append(labelNames, labels[i])
		labelValues = append(labelValues, labels[i+1])
	}

	return labelNames, labelValues
}
