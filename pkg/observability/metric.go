package observability

// MetricType identifies how a Metric should be aggregated.
type MetricType string

const (
	// MetricCounter accumulates monotonically increasing values.
	MetricCounter MetricType = "counter"
	// MetricHistogram records observations into buckets.
	MetricHistogram MetricType = "histogram"
	// MetricGauge reports the latest value of a measurement.
	MetricGauge MetricType = "gauge"
)

// Metric is a single measurement emitted by a component.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector receives metrics emitted by components.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}
