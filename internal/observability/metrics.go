// Package observability holds the process metrics registry and the
// OpenTelemetry tracer setup.
package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Metric names.
const (
	QueueDepth            = "fairq_queue_depth"
	QueueRunning          = "fairq_queue_running"
	TenantDeficit         = "fairq_tenant_deficit"
	BreakerTransitions    = "fairq_breaker_transitions_total"
	BreakerState          = "fairq_breaker_state"
	DeadLettersTotal      = "fairq_dead_letters_total"
	DeadLetterCount       = "fairq_dead_letter_count"
	TasksDispatched       = "fairq_tasks_dispatched_total"
	Preemptions           = "fairq_preemptions_total"
	CacheHits             = "fairq_cache_hits_total"
	CacheMisses           = "fairq_cache_misses_total"
	AdmissionRejected     = "fairq_admission_rejected_total"
	SchedulerTickDuration = "fairq_scheduler_tick_seconds"
)

// MetricPoint is one labelled sample.
type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

type metricEntry struct {
	name   string
	labels map[string]string
	value  float64
}

// Registry stores counters and gauges keyed by name and label set.
type Registry struct {
	mu       sync.Mutex
	counters map[string]metricEntry
	gauges   map[string]metricEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]metricEntry),
		gauges:   make(map[string]metricEntry),
	}
}

// Default is the process-wide registry.
var Default = NewRegistry()

// Labels builds a label map from alternating key/value arguments.
func Labels(kv ...string) map[string]string {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

// IncCounter adds delta to a counter.
func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	k, lcopy := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.counters[k]
	if e.name == "" {
		e = metricEntry{name: name, labels: lcopy}
	}
	e.value += delta
	r.counters[k] = e
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string, kv ...string) {
	r.IncCounter(name, Labels(kv...), 1)
}

// SetGauge records the current value of a gauge.
func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	k, lcopy := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = metricEntry{name: name, labels: lcopy, value: value}
}

// Counter returns a counter's value, 0 when unset.
func (r *Registry) Counter(name string, kv ...string) float64 {
	k, _ := metricKey(name, Labels(kv...))
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[k].value
}

// Gauge returns a gauge's value and whether it is set.
func (r *Registry) Gauge(name string, kv ...string) (float64, bool) {
	k, _ := metricKey(name, Labels(kv...))
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.gauges[k]
	return e.value, ok
}

// Snapshot copies the registry, sorted by name.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters: make([]MetricPoint, 0, len(r.counters)),
		Gauges:   make([]MetricPoint, 0, len(r.gauges)),
	}
	for _, e := range r.counters {
		out.Counters = append(out.Counters, MetricPoint{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	for _, e := range r.gauges {
		out.Gauges = append(out.Gauges, MetricPoint{Name: e.name, Labels: cloneMap(e.labels), Value: e.value})
	}
	sort.Slice(out.Counters, func(i, j int) bool { return out.Counters[i].Name < out.Counters[j].Name })
	sort.Slice(out.Gauges, func(i, j int) bool { return out.Gauges[i].Name < out.Gauges[j].Name })
	return out
}

// Reset drops every metric.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]metricEntry)
	r.gauges = make(map[string]metricEntry)
}

// RenderPrometheus renders the registry in the Prometheus text format.
func (r *Registry) RenderPrometheus() string {
	s := r.Snapshot()
	var b strings.Builder
	writeFamily(&b, "counter", s.Counters)
	writeFamily(&b, "gauge", s.Gauges)
	return b.String()
}

func writeFamily(b *strings.Builder, kind string, points []MetricPoint) {
	byName := make(map[string][]string)
	for _, p := range points {
		name := sanitizeMetricName(p.Name)
		byName[name] = append(byName[name], formatPromLine(name, p.Labels, p.Value))
	}
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		lines := byName[n]
		sort.Strings(lines)
		fmt.Fprintf(b, "# TYPE %s %s\n", n, kind)
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
}

func metricKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	copyLabels := make(map[string]string, len(labels))
	for _, k := range keys {
		v := labels[k]
		copyLabels[k] = v
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "|"), copyLabels
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "fairq_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func formatPromLine(name string, labels map[string]string, value float64) string {
	if len(labels) == 0 {
		return name + " " + strconv.FormatFloat(value, 'f', -1, 64)
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", sanitizeMetricName(k), labels[k]))
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(parts, ","), strconv.FormatFloat(value, 'f', -1, 64))
}
