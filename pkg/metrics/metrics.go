// Package metrics is a small Prometheus text-format registry: counters,
// gauges, and histograms registered by name and served over HTTP. It stays
// on the standard library so the daemons carry no metrics dependency.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets cover request latencies from 5ms to 60s.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge holds the latest set value.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into fixed upper-bound buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64 // per bucket, made cumulative at render time
	sum    float64
	total  uint64
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.sum += v
	h.total++
	for i, bound := range h.bounds {
		if v <= bound {
			h.counts[i]++
			break
		}
	}
	h.mu.Unlock()
}

// Since observes the seconds elapsed from t.
func (h *Histogram) Since(t time.Time) { h.Observe(time.Since(t).Seconds()) }

func (h *Histogram) snapshot() (counts []uint64, sum float64, total uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts = make([]uint64, len(h.counts))
	copy(counts, h.counts)
	return counts, h.sum, h.total
}

type entry struct {
	name string
	typ  string // counter, gauge, histogram
	help string
	c    *Counter
	g    *Gauge
	h    *Histogram
}

// Registry holds named metrics in registration order.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry
}

func New() *Registry {
	return &Registry{byName: make(map[string]*entry)}
}

func (r *Registry) register(name, typ, help string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byName[name]; ok {
		return e
	}
	e := &entry{name: name, typ: typ, help: help}
	r.byName[name] = e
	r.entries = append(r.entries, e)
	return e
}

// Counter returns the counter registered under name, creating it on first
// use. Subsequent calls with the same name return the same counter.
func (r *Registry) Counter(name, help string) *Counter {
	e := r.register(name, "counter", help)
	if e.c == nil {
		e.c = &Counter{}
	}
	return e.c
}

// Gauge returns the gauge registered under name.
func (r *Registry) Gauge(name, help string) *Gauge {
	e := r.register(name, "gauge", help)
	if e.g == nil {
		e.g = &Gauge{}
	}
	return e.g
}

// Histogram returns the histogram registered under name. Nil buckets take
// DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	e := r.register(name, "histogram", help)
	if e.h == nil {
		if buckets == nil {
			buckets = DefaultBuckets
		}
		bounds := make([]float64, len(buckets))
		copy(bounds, buckets)
		sort.Float64s(bounds)
		e.h = &Histogram{bounds: bounds, counts: make([]uint64, len(bounds))}
	}
	return e.h
}

// Render produces the Prometheus text exposition format, metrics in
// registration order.
func (r *Registry) Render() string {
	r.mu.Lock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	var b strings.Builder
	for _, e := range entries {
		if e.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", e.name, e.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", e.name, e.typ)
		switch e.typ {
		case "counter":
			fmt.Fprintf(&b, "%s %d\n", e.name, e.c.Value())
		case "gauge":
			fmt.Fprintf(&b, "%s %d\n", e.name, e.g.Value())
		case "histogram":
			counts, sum, total := e.h.snapshot()
			var cumulative uint64
			for i, bound := range e.h.bounds {
				cumulative += counts[i]
				fmt.Fprintf(&b, "%s_bucket{le=\"%g\"} %d\n", e.name, bound, cumulative)
			}
			fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", e.name, total)
			fmt.Fprintf(&b, "%s_sum %g\n", e.name, sum)
			fmt.Fprintf(&b, "%s_count %d\n", e.name, total)
		}
	}
	return b.String()
}

// Handler serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Render()))
	})
}

// Serve blocks serving /metrics (plus a bare liveness root) on the port.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync runs Serve in a goroutine, logging a failure to start.
func (r *Registry) ServeAsync(port int) {
	go func() {
		if err := r.Serve(port); err != nil {
			slog.Error("metrics server failed", "port", port, "error", err)
		}
	}()
}
