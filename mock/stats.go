package mock

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// RecordingStatter is used for testing. Counts are keyed by metric name, and
// TaggedCounts by metric name followed by the sorted tags, e.g.
// "records_dropped_total|source:cfs".
type RecordingStatter struct {
	mu           sync.Mutex
	Counts       map[string]int64
	TaggedCounts map[string]int64
	Timings      map[string][]time.Duration
}

// Count implements Count.
func (r *RecordingStatter) Count(name string, value int64, rate float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Counts == nil {
		r.Counts = make(map[string]int64)
		r.TaggedCounts = make(map[string]int64)
	}
	r.Counts[name] += value
	r.TaggedCounts[tagKey(name, tags)] += value
}

// Total returns the total counted for name across all tags.
func (r *RecordingStatter) Total(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Counts[name]
}

// Tagged returns the total counted for name with exactly tags.
func (r *RecordingStatter) Tagged(name string, tags ...string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.TaggedCounts[tagKey(name, tags)]
}

func tagKey(name string, tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return strings.Join(append([]string{name}, sorted...), "|")
}

// Gauge implements Gauge.
func (r *RecordingStatter) Gauge(name string, value float64, rate float64, tags ...string) {}

// Histogram implements Histogram.
func (r *RecordingStatter) Histogram(name string, value float64, rate float64, tags ...string) {}

// Set implements Set.
func (r *RecordingStatter) Set(name string, value string, rate float64, tags ...string) {}

// Timing implements Timing.
func (r *RecordingStatter) Timing(name string, value time.Duration, rate float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Timings == nil {
		r.Timings = make(map[string][]time.Duration)
	}
	r.Timings[name] = append(r.Timings[name], value)
}
