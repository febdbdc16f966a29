// Package metrics provides an in-memory Metrics implementation for tests and
// single-process deployments. Production deployments use
// contrib/metrics/prometheus.
package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
)

// Memory collects counters and gauges in process memory.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*value
	gauges   map[string]*value
	tags     []contracts.Tag
}

type value struct {
	mu sync.Mutex
	v  float64
}

// NewMemory returns an empty collector.
func NewMemory() *Memory {
	return &Memory{
		counters: map[string]*value{},
		gauges:   map[string]*value{},
	}
}

// Counter returns the named counter, creating it on first use.
func (m *Memory) Counter(name string, tags ...contracts.Tag) contracts.Counter {
	return m.get(m.counters, name, tags)
}

// Gauge returns the named gauge, creating it on first use.
func (m *Memory) Gauge(name string, tags ...contracts.Tag) contracts.Gauge {
	return m.get(m.gauges, name, tags)
}

// WithTags returns a view that stamps the extra tags on every metric.
func (m *Memory) WithTags(tags ...contracts.Tag) contracts.Metrics {
	return &Memory{
		counters: m.counters,
		gauges:   m.gauges,
		tags:     append(append([]contracts.Tag{}, m.tags...), tags...),
	}
}

// Handler returns nil; the in-memory collector has no HTTP endpoint.
func (m *Memory) Handler() any { return nil }

// CounterValue reads a counter for assertions.
func (m *Memory) CounterValue(name string, tags ...contracts.Tag) float64 {
	return m.read(m.counters, name, tags)
}

// GaugeValue reads a gauge for assertions.
func (m *Memory) GaugeValue(name string, tags ...contracts.Tag) float64 {
	return m.read(m.gauges, name, tags)
}

func (m *Memory) get(set map[string]*value, name string, tags []contracts.Tag) *value {
	key := seriesKey(name, append(append([]contracts.Tag{}, m.tags...), tags...))
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := set[key]
	if !ok {
		v = &value{}
		set[key] = v
	}
	return v
}

func (m *Memory) read(set map[string]*value, name string, tags []contracts.Tag) float64 {
	key := seriesKey(name, append(append([]contracts.Tag{}, m.tags...), tags...))
	m.mu.Lock()
	v, ok := set[key]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v
}

// seriesKey joins name and sorted tags so tag order never splits a series.
func seriesKey(name string, tags []contracts.Tag) string {
	if len(tags) == 0 {
		return name
	}
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = t.Key + "=" + t.Value
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func (v *value) Inc()              { v.Add(1) }
func (v *value) Dec()              { v.Add(-1) }
func (v *value) Sub(delta float64) { v.Add(-delta) }

func (v *value) Add(delta float64) {
	v.mu.Lock()
	v.v += delta
	v.mu.Unlock()
}

func (v *value) Set(val float64) {
	v.mu.Lock()
	v.v = val
	v.mu.Unlock()
}

var _ contracts.Metrics = (*Memory)(nil)
