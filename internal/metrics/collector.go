// Package metrics is a small Prometheus-compatible collector. It renders the
// text exposition format without pulling in prometheus/client_golang.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewCollector("openplus")

// Registry aggregates counters, gauges and histograms.
type Registry struct {
	prefix     string
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

func NewCollector(prefix string) *Registry {
	return &Registry{prefix: prefix, startTime: time.Now()}
}

// Uptime returns how long the registry has existed.
func (c *Registry) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values in cumulative buckets.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func seriesKey(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns or creates the counter for name and labels.
// labels is pre-rendered, e.g. `outcome="ok"`.
func (c *Registry) Counter(name, help, labels string) *Counter {
	key := seriesKey(name, labels)
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates the gauge for name and labels.
func (c *Registry) Gauge(name, help, labels string) *Gauge {
	key := seriesKey(name, labels)
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram for name and labels.
func (c *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := seriesKey(name, labels)
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	hb := make([]histBucket, len(bounds))
	for i, b := range bounds {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// sortedValues returns the map values ordered by key so output is stable.
func sortedValues(m *sync.Map) []any {
	var keys []string
	vals := make(map[string]any)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v
		return true
	})
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = vals[k]
	}
	return out
}

func writeSample(sb *strings.Builder, name, labels string, value any) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %v\n", name, labels, value)
		return
	}
	fmt.Fprintf(sb, "%s %v\n", name, value)
}

// Render returns all series in Prometheus text exposition format.
func (c *Registry) Render() string {
	var sb strings.Builder

	uptime := c.prefix + "_uptime_seconds"
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n", uptime)
	fmt.Fprintf(&sb, "# TYPE %s gauge\n", uptime)
	fmt.Fprintf(&sb, "%s %d\n", uptime, int64(c.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, v := range sortedValues(&c.counters) {
		ctr := v.(*Counter)
		if !helpWritten[ctr.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", ctr.name, ctr.help, ctr.name)
			helpWritten[ctr.name] = true
		}
		writeSample(&sb, ctr.name, ctr.labels, ctr.Value())
	}

	for _, v := range sortedValues(&c.gauges) {
		g := v.(*Gauge)
		if !helpWritten[g.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
			helpWritten[g.name] = true
		}
		writeSample(&sb, g.name, g.labels, g.Value())
	}

	for _, v := range sortedValues(&c.histograms) {
		h := v.(*Histogram)
		h.mu.Lock()
		if !helpWritten[h.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
			helpWritten[h.name] = true
		}
		sep := ""
		if h.labels != "" {
			sep = ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%s_bucket{%s%sle=\"%s\"} %d\n", h.name, h.labels, sep, le, b.count)
		}
		writeSample(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		writeSample(&sb, h.name+"_count", h.labels, h.count)
		h.mu.Unlock()
	}

	return sb.String()
}

// Handler serves Render over HTTP.
func (c *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}

// --- Series used across openplus ---

var (
	ChatRequests     = Collector.Counter("openplus_chat_requests_total", "Chat messages answered", "")
	FeedbackRecorded = Collector.Counter("openplus_feedback_recorded_total", "Feedback entries appended to the log", "")
	FeedbackFailed   = Collector.Counter("openplus_feedback_failed_total", "Feedback submissions that could not be written", "")
	AnalysisRejected = Collector.Counter("openplus_analysis_rejected_total", "Analysis triggers rejected because a run was in flight", "")
	AnalysisRunning  = Collector.Gauge("openplus_analysis_running", "Analysis runs currently in flight", "")
	RateLimited      = Collector.Counter("openplus_rate_limited_total", "API requests rejected by the per-client rate limit", "")

	AnalysisLatency = Collector.Histogram("openplus_analysis_duration_seconds", "Analysis script wall time in seconds", "",
		[]float64{1, 5, 15, 30, 60, 120, 180, 300})
	HTTPLatency = Collector.Histogram("openplus_http_request_duration_seconds", "HTTP request latency in seconds", "",
		[]float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30})
)

// AnalysisRuns returns the run counter for an outcome (ok, failed, timeout, no_report).
func AnalysisRuns(outcome string) *Counter {
	return Collector.Counter("openplus_analysis_runs_total", "Analysis runs by outcome", fmt.Sprintf("outcome=%q", outcome))
}

// HTTPRequests returns the request counter for a route and status class.
func HTTPRequests(route string, status int) *Counter {
	return Collector.Counter("openplus_http_requests_total", "HTTP requests by route and status",
		fmt.Sprintf("route=%q,code=\"%dxx\"", route, status/100))
}
