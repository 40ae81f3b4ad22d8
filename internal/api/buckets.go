package api

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

var defaultLatencyBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// bucketCounter accumulates cumulative counts for latency buckets.
type bucketCounter struct {
	mu      sync.Mutex
	buckets map[float64]int64
	count   int64
	sum     float64
}

func newBucketCounter(bounds []float64) *bucketCounter {
	buckets := make(map[float64]int64, len(bounds))
	for _, le := range bounds {
		buckets[le] = 0
	}
	return &bucketCounter{buckets: buckets}
}

func (c *bucketCounter) observe(d time.Duration) {
	secs := d.Seconds()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	c.sum += secs
	for le := range c.buckets {
		if secs <= le {
			c.buckets[le]++
		}
	}
}

// latencySnapshot is the JSON form of a bucketCounter.
type latencySnapshot struct {
	Count   int64            `json:"count"`
	SumSecs float64          `json:"sumSeconds"`
	Buckets map[string]int64 `json:"buckets"`
}

func (c *bucketCounter) snapshot() latencySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	bounds := make([]float64, 0, len(c.buckets))
	for le := range c.buckets {
		bounds = append(bounds, le)
	}
	sort.Float64s(bounds)
	out := latencySnapshot{Count: c.count, SumSecs: c.sum, Buckets: make(map[string]int64, len(bounds))}
	for _, le := range bounds {
		out.Buckets[strconv.FormatFloat(le, 'f', -1, 64)] = c.buckets[le]
	}
	return out
}
