package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "selfheald"

// PrometheusCollector translates Metric values into Prometheus vectors held in a dedicated registry.
// Vectors are created lazily on first use; the label set of the first sample fixes the vector's schema.
type PrometheusCollector struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	vectors  map[string]registeredVec
}

type registeredVec struct {
	kind      MetricType
	labels    []string
	counter   *prometheus.CounterVec
	histogram *prometheus.HistogramVec
	gauge     *prometheus.GaugeVec
}

// NewPrometheusCollector builds a collector backed by a dedicated Prometheus registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		vectors:  make(map[string]registeredVec),
	}
}

// Collect implements MetricsCollector.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil || metric.Name == "" {
		return
	}
	switch metric.Type {
	case MetricCounter, MetricHistogram, MetricGauge:
	default:
		return
	}

	labels := cloneLabels(metric.Labels)
	labelNames := sortedKeys(labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	vec, ok := c.vectors[metric.Name]
	if !ok {
		created, err := c.register(metric, labelNames)
		if err != nil {
			return
		}
		vec = created
		c.vectors[metric.Name] = vec
	}
	if vec.kind != metric.Type || !equalStringSlices(vec.labels, labelNames) {
		return
	}

	switch vec.kind {
	case MetricCounter:
		value := metric.Value
		if value < 0 {
			value = 0
		}
		vec.counter.With(labels).Add(value)
	case MetricHistogram:
		vec.histogram.With(labels).Observe(metric.Value)
	case MetricGauge:
		vec.gauge.With(labels).Set(metric.Value)
	}
}

func (c *PrometheusCollector) register(metric Metric, labelNames []string) (registeredVec, error) {
	vec := registeredVec{kind: metric.Type, labels: labelNames}
	var collector prometheus.Collector

	switch metric.Type {
	case MetricCounter:
		vec.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, labelNames)
		collector = vec.counter
	case MetricHistogram:
		opts := prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}
		if metric.Unit != "" {
			opts.ConstLabels = map[string]string{"unit": metric.Unit}
		}
		vec.histogram = prometheus.NewHistogramVec(opts, labelNames)
		collector = vec.histogram
	case MetricGauge:
		vec.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, labelNames)
		collector = vec.gauge
	}

	if err := c.registry.Register(collector); err != nil {
		return registeredVec{}, err
	}
	return vec, nil
}

// Registry returns the underlying registry for use with HTTP handlers.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the Prometheus registry via an http.Handler.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func helpText(metric Metric) string {
	if strings.TrimSpace(metric.Description) != "" {
		return metric.Description
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneLabels(labels map[string]string) prometheus.Labels {
	if len(labels) == 0 {
		return nil
	}
	cloned := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		cloned[k] = v
	}
	return cloned
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
