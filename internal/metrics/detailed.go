package metrics

import (
	"sort"
	"sync"
	"time"
)

const latencySamples = 256

// OperationStats tracks one access type on one instance
type OperationStats struct {
	Count          int64         `json:"count"`
	ErrorCount     int64         `json:"error_count"`
	TotalLatency   time.Duration `json:"total_latency"`
	MinLatency     time.Duration `json:"min_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	AverageLatency time.Duration `json:"average_latency"`
	P50Latency     time.Duration `json:"p50_latency"`
	P95Latency     time.Duration `json:"p95_latency"`
	P99Latency     time.Duration `json:"p99_latency"`
	LastOperation  time.Time     `json:"last_operation"`

	samples []time.Duration // ring of recent latencies
	next    int
}

// CompletionStats tracks record requests of one kind
type CompletionStats struct {
	Count          int64         `json:"count"`
	Empty          int64         `json:"empty"`
	Bytes          int64         `json:"bytes"`
	AverageLatency time.Duration `json:"average_latency"`
	totalLatency   time.Duration
}

// DetailedMetrics keeps in-process statistics for the debug endpoint and
// for callers that do not scrape Prometheus.
type DetailedMetrics struct {
	mu          sync.RWMutex
	operations  map[int]map[string]*OperationStats
	completions map[string]*CompletionStats
	startTime   time.Time
}

// NewDetailedMetrics creates empty statistics
func NewDetailedMetrics() *DetailedMetrics {
	return &DetailedMetrics{
		operations:  make(map[int]map[string]*OperationStats),
		completions: make(map[string]*CompletionStats),
		startTime:   time.Now(),
	}
}

// RecordOperation records one access on instance fs
func (d *DetailedMetrics) RecordOperation(fs int, op string, latency time.Duration, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ops, ok := d.operations[fs]
	if !ok {
		ops = make(map[string]*OperationStats)
		d.operations[fs] = ops
	}
	s, ok := ops[op]
	if !ok {
		s = &OperationStats{MinLatency: latency}
		ops[op] = s
	}

	s.Count++
	s.TotalLatency += latency
	s.LastOperation = time.Now()
	if err != nil {
		s.ErrorCount++
	}
	if latency < s.MinLatency {
		s.MinLatency = latency
	}
	if latency > s.MaxLatency {
		s.MaxLatency = latency
	}
	s.AverageLatency = time.Duration(int64(s.TotalLatency) / s.Count)

	if len(s.samples) < latencySamples {
		s.samples = append(s.samples, latency)
	} else {
		s.samples[s.next] = latency
		s.next = (s.next + 1) % latencySamples
	}
}

// RecordCompletion records a completed record request
func (d *DetailedMetrics) RecordCompletion(kind string, n int, latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.completions[kind]
	if !ok {
		s = &CompletionStats{}
		d.completions[kind] = s
	}
	s.Count++
	s.Bytes += int64(n)
	if n == 0 {
		s.Empty++
	}
	s.totalLatency += latency
	s.AverageLatency = time.Duration(int64(s.totalLatency) / s.Count)
}

// Operation returns a copy of the statistics of op on instance fs, with
// percentiles computed over recent samples.
func (d *DetailedMetrics) Operation(fs int, op string) (OperationStats, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.operations[fs][op]
	if !ok {
		return OperationStats{}, false
	}
	return s.snapshot(), true
}

// Completion returns a copy of the statistics of one request kind.
func (d *DetailedMetrics) Completion(kind string) (CompletionStats, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.completions[kind]
	if !ok {
		return CompletionStats{}, false
	}
	return *s, true
}

// Summary returns every statistic keyed for JSON output
func (d *DetailedMetrics) Summary() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	operations := make(map[int]map[string]OperationStats, len(d.operations))
	var total, failed int64
	for fs, ops := range d.operations {
		operations[fs] = make(map[string]OperationStats, len(ops))
		for op, s := range ops {
			operations[fs][op] = s.snapshot()
			total += s.Count
			failed += s.ErrorCount
		}
	}
	completions := make(map[string]CompletionStats, len(d.completions))
	for kind, s := range d.completions {
		completions[kind] = *s
	}

	return map[string]interface{}{
		"uptime_seconds":   time.Since(d.startTime).Seconds(),
		"total_operations": total,
		"total_errors":     failed,
		"operations":       operations,
		"completions":      completions,
	}
}

// Reset clears every statistic
func (d *DetailedMetrics) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.operations = make(map[int]map[string]*OperationStats)
	d.completions = make(map[string]*CompletionStats)
	d.startTime = time.Now()
}

func (s *OperationStats) snapshot() OperationStats {
	out := *s
	out.samples = nil
	out.next = 0

	if len(s.samples) > 0 {
		sorted := append([]time.Duration(nil), s.samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		out.P50Latency = percentile(sorted, 0.50)
		out.P95Latency = percentile(sorted, 0.95)
		out.P99Latency = percentile(sorted, 0.99)
	}
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
