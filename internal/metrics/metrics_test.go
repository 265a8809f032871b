// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterAddDec(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("concurrent_requests")
	c.Inc()
	c.Inc()
	c.Dec()
	assert.Equal(t, int64(1), c.Value())
	assert.Equal(t, int64(1), r.Snapshot("concurrent_requests"))
}

func TestRateIsTagScoped(t *testing.T) {
	r := NewRegistry()
	r.Rate("errors", Tag{Key: "kind", Value: "Timeout"}).Inc()
	r.Rate("errors", Tag{Key: "kind", Value: "Overloaded"}).Inc()
	r.Rate("errors", Tag{Key: "kind", Value: "Timeout"}).Inc()

	assert.Equal(t, int64(2), r.Snapshot("errors", Tag{Key: "kind", Value: "Timeout"}))
	assert.Equal(t, int64(1), r.Snapshot("errors", Tag{Key: "kind", Value: "Overloaded"}))
}

func TestHistogramMean(t *testing.T) {
	r := NewRegistry()
	h := r.Histogram("latency").(*histogram)
	h.Observe(10)
	h.Observe(20)
	assert.Equal(t, 15.0, h.Mean())
}

func TestNoopSinkIsSafe(t *testing.T) {
	Noop.Rate("requests").Inc()
	Noop.Counter("concurrent_requests").Add(3)
	Noop.Histogram("latency").Observe(1.5)
}
