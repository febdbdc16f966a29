// Package prometheus provides a Prometheus implementation of the eventbus
// Metrics interface.
//
// Usage:
//
//	import promMetrics "github.com/madcok-co/eventbus/contrib/metrics/prometheus"
//
//	m := promMetrics.NewDriver("eventbus")
//	http.Handle("/metrics", m.Handler().(http.Handler))
//
// Collectors are registered lazily on first use. Prometheus fixes the label
// set per metric name, so every series of one name must carry the same tag
// keys; differing tag keys on the same name are a programming error and the
// offending series is dropped.
package prometheus

import (
	"sort"
	"sync"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Driver implements contracts.Metrics on a dedicated Prometheus registry.
type Driver struct {
	namespace string
	registry  *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	tags     []contracts.Tag
}

// NewDriver creates a driver with its own registry under the namespace.
func NewDriver(namespace string) *Driver {
	return &Driver{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		counters:  map[string]*prometheus.CounterVec{},
		gauges:    map[string]*prometheus.GaugeVec{},
	}
}

// Registry exposes the underlying registry for additional collectors.
func (d *Driver) Registry() *prometheus.Registry { return d.registry }

// Counter returns the named counter series.
func (d *Driver) Counter(name string, tags ...contracts.Tag) contracts.Counter {
	keys, values := d.labels(tags)

	d.mu.Lock()
	vec, ok := d.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: d.namespace,
			Name:      name,
		}, keys)
		if err := d.registry.Register(vec); err != nil {
			d.mu.Unlock()
			return nopCounter{}
		}
		d.counters[name] = vec
	}
	d.mu.Unlock()

	c, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return nopCounter{}
	}
	return c
}

// Gauge returns the named gauge series.
func (d *Driver) Gauge(name string, tags ...contracts.Tag) contracts.Gauge {
	keys, values := d.labels(tags)

	d.mu.Lock()
	vec, ok := d.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: d.namespace,
			Name:      name,
		}, keys)
		if err := d.registry.Register(vec); err != nil {
			d.mu.Unlock()
			return nopGauge{}
		}
		d.gauges[name] = vec
	}
	d.mu.Unlock()

	g, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return nopGauge{}
	}
	return g
}

// WithTags returns a view that stamps the extra tags on every metric.
func (d *Driver) WithTags(tags ...contracts.Tag) contracts.Metrics {
	return &Driver{
		namespace: d.namespace,
		registry:  d.registry,
		counters:  d.counters,
		gauges:    d.gauges,
		tags:      append(append([]contracts.Tag{}, d.tags...), tags...),
	}
}

// Handler returns the scrape endpoint handler (an http.Handler).
func (d *Driver) Handler() any {
	return promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})
}

// labels merges default and call-site tags into sorted key/value slices.
func (d *Driver) labels(tags []contracts.Tag) ([]string, []string) {
	all := append(append([]contracts.Tag{}, d.tags...), tags...)
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	keys := make([]string, len(all))
	values := make([]string, len(all))
	for i, t := range all {
		keys[i] = t.Key
		values[i] = t.Value
	}
	return keys, values
}

type nopCounter struct{}

func (nopCounter) Inc()        {}
func (nopCounter) Add(float64) {}

type nopGauge struct{}

func (nopGauge) Set(float64) {}
func (nopGauge) Inc()        {}
func (nopGauge) Dec()        {}
func (nopGauge) Add(float64) {}
func (nopGauge) Sub(float64) {}

var _ contracts.Metrics = (*Driver)(nil)
