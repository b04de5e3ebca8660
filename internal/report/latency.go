// Package report aggregates run results: latency percentiles, the outcome
// table, the mean score and per-directory score statistics.
package report

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/lemon07r/aweval/internal/result"
)

// MetricModelCall is the histogram fed by inference calls.
const MetricModelCall = "model_call"

// Histogram bounds in milliseconds.
const (
	minMillis = 1
	maxMillis = int64(time.Hour / time.Millisecond)
	sigFigs   = 3
)

// CallStats counts inference calls.
type CallStats struct {
	Calls    int64 `json:"calls"`
	Failed   int64 `json:"failed"`
	Attempts int64 `json:"attempts"`
}

// Latency keeps one histogram per metric. It is safe for concurrent use and
// serves both as an episode timing sink and an inference call recorder.
type Latency struct {
	mu    sync.Mutex
	hists map[string]*hdrhistogram.Histogram
	calls CallStats
}

// NewLatency returns an empty recorder.
func NewLatency() *Latency {
	return &Latency{hists: make(map[string]*hdrhistogram.Histogram)}
}

// Observe records d under metric. Values are clamped to [1ms, 1h].
func (l *Latency) Observe(metric string, d time.Duration) {
	ms := d.Milliseconds()
	if ms < minMillis {
		ms = minMillis
	}
	if ms > maxMillis {
		ms = maxMillis
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hists[metric]
	if !ok {
		h = hdrhistogram.New(minMillis, maxMillis, sigFigs)
		l.hists[metric] = h
	}
	_ = h.RecordValue(ms)
}

// RecordCall records one inference call including its retries.
func (l *Latency) RecordCall(elapsed time.Duration, attempts int, ok bool) {
	l.Observe(MetricModelCall, elapsed)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls.Calls++
	l.calls.Attempts += int64(attempts)
	if !ok {
		l.calls.Failed++
	}
}

// Calls returns the inference call counters.
func (l *Latency) Calls() CallStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Metrics lists the recorded metric names in order.
func (l *Latency) Metrics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.hists))
	for name := range l.hists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats summarizes every histogram.
func (l *Latency) Stats() map[string]result.LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]result.LatencyStats, len(l.hists))
	for name, h := range l.hists {
		out[name] = result.LatencyStats{
			Count: h.TotalCount(),
			Min:   h.Min(),
			Mean:  h.Mean(),
			P50:   h.ValueAtQuantile(50),
			P90:   h.ValueAtQuantile(90),
			P99:   h.ValueAtQuantile(99),
			Max:   h.Max(),
		}
	}
	return out
}
