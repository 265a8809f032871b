// SPDX-License-Identifier: Apache-2.0

// Package metrics implements the pluggable Rate/Histogram/Counter sink
// consumed by pkg/relay. No library in the retrieved corpus offers
// hierarchical, tag-keyed Rate/Histogram/Counter primitives (the nearest
// analog, the hand-rolled atomic counters in the streaming_transmit and
// carlolib packages, only track pool acquire/release counts) so this
// package is a small, self-contained sink built the same way those
// packages build their counters: rates and counters are plain atomic
// fields; a mutex guards the name-to-metric maps and each histogram.
package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Tag is a single key/value pair attached to a metric observation.
type Tag struct {
	Key   string
	Value string
}

// Rate counts occurrences of an event.
type Rate interface {
	Inc()
	Add(n uint64)
}

// Counter tracks a running total that can move up or down.
type Counter interface {
	Inc()
	Dec()
	Add(delta int64)
	Value() int64
}

// Histogram records a distribution of observed values.
type Histogram interface {
	Observe(value float64)
}

// Sink is the pluggable contract every metric-emitting site in this
// module is written against.
type Sink interface {
	Rate(name string, tags ...Tag) Rate
	Counter(name string, tags ...Tag) Counter
	Histogram(name string, tags ...Tag) Histogram
}

// Registry is an in-process Sink implementation keyed on the metric name
// plus its sorted tag set. It is safe to share across goroutines, even
// though every individual relay.Server/relay.Client instance is itself
// confined to one worker.
type Registry struct {
	mu         sync.Mutex
	rates      map[string]*rate
	counters   map[string]*counter
	histograms map[string]*histogram
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		rates:      make(map[string]*rate),
		counters:   make(map[string]*counter),
		histograms: make(map[string]*histogram),
	}
}

func key(name string, tags []Tag) string {
	if len(tags) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, t := range tags {
		b.WriteByte('\x00')
		b.WriteString(t.Key)
		b.WriteByte('=')
		b.WriteString(t.Value)
	}
	return b.String()
}

func (r *Registry) Rate(name string, tags ...Tag) Rate {
	k := key(name, tags)
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.rates[k]
	if !ok {
		rt = &rate{}
		r.rates[k] = rt
	}
	return rt
}

func (r *Registry) Counter(name string, tags ...Tag) Counter {
	k := key(name, tags)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[k]
	if !ok {
		c = &counter{}
		r.counters[k] = c
	}
	return c
}

func (r *Registry) Histogram(name string, tags ...Tag) Histogram {
	k := key(name, tags)
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[k]
	if !ok {
		h = &histogram{}
		r.histograms[k] = h
	}
	return h
}

// Snapshot returns the current value of a named, tagged counter or rate.
// Intended for tests.
func (r *Registry) Snapshot(name string, tags ...Tag) int64 {
	k := key(name, tags)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[k]; ok {
		return c.Value()
	}
	if rt, ok := r.rates[k]; ok {
		return int64(rt.count.Load())
	}
	return 0
}

type rate struct {
	count atomic.Uint64
}

func (r *rate) Inc()          { r.count.Add(1) }
func (r *rate) Add(n uint64)  { r.count.Add(n) }

type counter struct {
	value atomic.Int64
}

func (c *counter) Inc()             { c.value.Add(1) }
func (c *counter) Dec()             { c.value.Add(-1) }
func (c *counter) Add(delta int64)  { c.value.Add(delta) }
func (c *counter) Value() int64     { return c.value.Load() }

type histogram struct {
	mu      sync.Mutex
	count   uint64
	sum     float64
	samples []float64
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	if len(h.samples) < 256 {
		h.samples = append(h.samples, value)
	}
}

// Mean returns the running average of observed values. Intended for
// tests.
func (h *histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Noop is a Sink that discards everything; useful as a zero-value-safe
// default when a caller does not wire in a Registry.
var Noop Sink = noopSink{}

type noopSink struct{}

func (noopSink) Rate(string, ...Tag) Rate           { return noopRate{} }
func (noopSink) Counter(string, ...Tag) Counter     { return noopCounter{} }
func (noopSink) Histogram(string, ...Tag) Histogram { return noopHistogram{} }

type noopRate struct{}

func (noopRate) Inc()         {}
func (noopRate) Add(uint64)   {}

type noopCounter struct{}

func (noopCounter) Inc()          {}
func (noopCounter) Dec()          {}
func (noopCounter) Add(int64)     {}
func (noopCounter) Value() int64  { return 0 }

type noopHistogram struct{}

func (noopHistogram) Observe(float64) {}
