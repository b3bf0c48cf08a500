package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "kythira"

// PrometheusMetrics implements Metrics on top of a Prometheus registry.
// Collectors are created on first use; the "subsystem.name" metric name is
// mapped to the Prometheus namespace/subsystem/name hierarchy.
type PrometheusMetrics struct {
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PrometheusMetrics{
		registerer: registerer,

		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (m *PrometheusMetrics) Count(name string, delta float64, labels Labels) {
	m.counter(name, labels).With(prometheus.Labels(labels)).Add(delta)
}

func (m *PrometheusMetrics) SetGauge(name string, value float64, labels Labels) {
	m.gauge(name, labels).With(prometheus.Labels(labels)).Set(value)
}

func (m *PrometheusMetrics) ObserveDuration(name string, d time.Duration, labels Labels) {
	m.histogram(name, labels).With(prometheus.Labels(labels)).
		Observe(d.Seconds())
}

func (m *PrometheusMetrics) counter(name string, labels Labels) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()

	vec, found := m.counters[name]
	if !found {
		subsystem, metricName := splitMetricName(name)

		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      metricName,
		}, labelKeys(labels))

		m.registerer.MustRegister(vec)
		m.counters[name] = vec
	}

	return vec
}

func (m *PrometheusMetrics) gauge(name string, labels Labels) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()

	vec, found := m.gauges[name]
	if !found {
		subsystem, metricName := splitMetricName(name)

		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      metricName,
		}, labelKeys(labels))

		m.registerer.MustRegister(vec)
		m.gauges[name] = vec
	}

	return vec
}

func (m *PrometheusMetrics) histogram(name string, labels Labels) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()

	vec, found := m.histograms[name]
	if !found {
		subsystem, metricName := splitMetricName(name)

		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      metricName,
			Buckets:   prometheus.DefBuckets,
		}, labelKeys(labels))

		m.registerer.MustRegister(vec)
		m.histograms[name] = vec
	}

	return vec
}

func splitMetricName(name string) (subsystem, metricName string) {
	idx := strings.IndexByte(name, '.')
	if idx == -1 {
		return "", name
	}

	return name[:idx], strings.ReplaceAll(name[idx+1:], ".", "_")
}

func labelKeys(labels Labels) []string {
	if len(labels) == 0 {
		return nil
	}

	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
