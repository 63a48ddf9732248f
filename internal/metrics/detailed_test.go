package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetailedOperationStats(t *testing.T) {
	t.Parallel()
	d := NewDetailedMetrics()

	for i := 1; i <= 100; i++ {
		d.RecordOperation(0, "write", time.Duration(i)*time.Millisecond, nil)
	}
	d.RecordOperation(0, "write", 50*time.Millisecond, errors.New("boom"))

	s, ok := d.Operation(0, "write")
	require.True(t, ok)
	assert.Equal(t, int64(101), s.Count)
	assert.Equal(t, int64(1), s.ErrorCount)
	assert.Equal(t, time.Millisecond, s.MinLatency)
	assert.Equal(t, 100*time.Millisecond, s.MaxLatency)
	assert.Equal(t, 50*time.Millisecond, s.P50Latency)
	assert.Equal(t, 95*time.Millisecond, s.P95Latency)
	assert.Equal(t, 99*time.Millisecond, s.P99Latency)

	_, ok = d.Operation(1, "write")
	assert.False(t, ok)
}

func TestDetailedSampleRing(t *testing.T) {
	t.Parallel()
	d := NewDetailedMetrics()

	for i := 0; i < latencySamples; i++ {
		d.RecordOperation(0, "read", time.Second, nil)
	}
	for i := 0; i < latencySamples; i++ {
		d.RecordOperation(0, "read", time.Millisecond, nil)
	}

	s, _ := d.Operation(0, "read")
	assert.Equal(t, time.Millisecond, s.P99Latency, "old samples must be overwritten")
	assert.Equal(t, time.Second, s.MaxLatency)
}

func TestDetailedSummaryAndReset(t *testing.T) {
	t.Parallel()
	d := NewDetailedMetrics()
	d.RecordOperation(0, "open", time.Millisecond, nil)
	d.RecordOperation(1, "open", time.Millisecond, errors.New("x"))
	d.RecordCompletion("write", 4, time.Millisecond)

	summary := d.Summary()
	assert.Equal(t, int64(2), summary["total_operations"])
	assert.Equal(t, int64(1), summary["total_errors"])

	d.Reset()
	summary = d.Summary()
	assert.Equal(t, int64(0), summary["total_operations"])
	_, ok := d.Completion("write")
	assert.False(t, ok)
}
