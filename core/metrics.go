package core

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// MemoryMetricsRecorder aggregates counters and histogram samples in process.
// Series are keyed by metric name plus sorted tag pairs.
type MemoryMetricsRecorder struct {
	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string][]float64
}

func NewMemoryMetricsRecorder() *MemoryMetricsRecorder {
	return &MemoryMetricsRecorder{
		counters:   map[string]int64{},
		histograms: map[string][]float64{},
	}
}

func (r *MemoryMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters == nil {
		r.counters = map[string]int64{}
	}
	r.counters[seriesKey(name, tags)] += value
}

func (r *MemoryMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.histograms == nil {
		r.histograms = map[string][]float64{}
	}
	key := seriesKey(name, tags)
	r.histograms[key] = append(r.histograms[key], value)
}

// Counter returns the total for name across every series whose tags include
// match.
func (r *MemoryMetricsRecorder) Counter(name string, match map[string]string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for key, value := range r.counters {
		if seriesMatches(key, name, match) {
			total += value
		}
	}
	return total
}

// Samples returns the number of histogram observations recorded for name.
func (r *MemoryMetricsRecorder) Samples(name string, match map[string]string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for key, values := range r.histograms {
		if seriesMatches(key, name, match) {
			count += len(values)
		}
	}
	return count
}

func seriesKey(name string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(strings.TrimSpace(name))
	for _, key := range keys {
		b.WriteString("|")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(tags[key])
	}
	return b.String()
}

func seriesMatches(key string, name string, match map[string]string) bool {
	parts := strings.Split(key, "|")
	if parts[0] != strings.TrimSpace(name) {
		return false
	}
	for want, value := range match {
		found := false
		for _, part := range parts[1:] {
			if part == want+"="+value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}
