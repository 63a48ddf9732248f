package metrics

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/flash"
	"github.com/flashfs/flashfs/internal/worker"
	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/retry"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.GetCounter().GetValue()
	case pb.Gauge != nil:
		return pb.GetGauge().GetValue()
	}
	t.Fatalf("metric is neither counter nor gauge")
	return 0
}

func count(c prometheus.Collector) int {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	n := 0
	for range ch {
		n++
	}
	return n
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil)
		require.NoError(t, err)
		assert.Equal(t, 9090, c.config.Port)
		assert.Equal(t, "/metrics", c.config.Path)
		assert.Equal(t, "flashfs", c.config.Namespace)
		assert.NotNil(t, c.Registry())
	})

	t.Run("disabled collector registers nothing", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false})
		require.NoError(t, err)
		assert.Nil(t, c.Registry())

		c.ObserveOp(0, "open", time.Millisecond, nil)
		c.ObserveMount(0, 1, true)
		c.ObserveSuspend(0)
		c.ObserveQueue(worker.KindRead, 1)
		c.ObserveCompletion(worker.KindRead, 3, time.Millisecond)
		c.ObserveRejected(worker.KindWrite)
		assert.NoError(t, c.Register(NewDeviceCollector("x", nil)))
		assert.NoError(t, c.Start(context.Background()))
		assert.NoError(t, c.Stop(context.Background()))

		// In-process statistics are still kept.
		s, ok := c.Detailed().Operation(0, "open")
		require.True(t, ok)
		assert.Equal(t, int64(1), s.Count)
	})
}

func TestObserveOp(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	c.ObserveOp(1, "read", time.Millisecond, nil)
	c.ObserveOp(1, "read", 2*time.Millisecond, nil)
	c.ObserveOp(1, "read", time.Millisecond, errors.NewError(errors.ErrCodeInvalidDescriptor, "stale"))

	ok := c.operationCounter.With(prometheus.Labels{"fs": "1", "operation": "read", "status": "success"})
	failed := c.operationCounter.With(prometheus.Labels{"fs": "1", "operation": "read", "status": "error"})
	assert.Equal(t, 2.0, value(t, ok))
	assert.Equal(t, 1.0, value(t, failed))

	classified := c.errorCounter.With(prometheus.Labels{"operation": "read", "type": "invalid_descriptor"})
	assert.Equal(t, 1.0, value(t, classified))
	assert.Equal(t, 1, count(c.operationDuration))
}

func TestObserveMountAndSuspend(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(&Config{Enabled: true})
	require.NoError(t, err)

	c.ObserveMount(0, 3, true)
	c.ObserveMount(2, 1, false)
	c.ObserveSuspend(0)
	c.ObserveSuspend(0)

	assert.Equal(t, 3.0, value(t, c.generationGauge.With(prometheus.Labels{"fs": "0"})))
	assert.Equal(t, 1.0, value(t, c.readyGauge.With(prometheus.Labels{"fs": "0"})))
	assert.Equal(t, 0.0, value(t, c.readyGauge.With(prometheus.Labels{"fs": "2"})))
	assert.Equal(t, 1.0, value(t, c.mountCounter.With(prometheus.Labels{"fs": "2", "result": "failure"})))
	assert.Equal(t, 2.0, value(t, c.suspendCounter.With(prometheus.Labels{"fs": "0"})))
}

func TestObserveWorker(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(&Config{Enabled: true})
	require.NoError(t, err)

	c.ObserveQueue(worker.KindWrite, 3)
	c.ObserveCompletion(worker.KindRead, 5, time.Millisecond)
	c.ObserveCompletion(worker.KindRead, 0, time.Millisecond)
	c.ObserveRejected(worker.KindWrite)

	assert.Equal(t, 3.0, value(t, c.queueDepth.With(prometheus.Labels{"kind": "write"})))
	assert.Equal(t, 1.0, value(t, c.completionCounter.With(prometheus.Labels{"kind": "read", "result": "ok"})))
	assert.Equal(t, 1.0, value(t, c.completionCounter.With(prometheus.Labels{"kind": "read", "result": "empty"})))
	assert.Equal(t, 1.0, value(t, c.rejectedCounter.With(prometheus.Labels{"kind": "write"})))

	s, ok := c.Detailed().Completion("read")
	require.True(t, ok)
	assert.Equal(t, int64(2), s.Count)
	assert.Equal(t, int64(1), s.Empty)
	assert.Equal(t, int64(5), s.Bytes)
}

func TestConstLabels(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "flashfs", Labels: map[string]string{"board": "rev2"}})
	require.NoError(t, err)
	c.ObserveSuspend(0)

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			found := false
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "board" && lp.GetValue() == "rev2" {
					found = true
				}
			}
			assert.True(t, found, "metric %s lacks const label", mf.GetName())
		}
	}
}

func TestDeviceCollector(t *testing.T) {
	t.Parallel()
	dev, err := flash.NewMemory(flash.Options{Partitions: []flash.PartitionSpec{{Index: 0, Size: 8192, EraseSize: 4096}}})
	require.NoError(t, err)

	dc := NewDeviceCollector("flashfs", nil)
	dc.Add("nor0", dev)
	assert.Equal(t, 9, count(dc))

	c, err := NewCollector(&Config{Enabled: true, Namespace: "flashfs"})
	require.NoError(t, err)
	require.NoError(t, c.Register(dc))
	assert.Error(t, c.Register(dc), "registering twice must fail")
}

func TestDebugOperationsHandler(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(&Config{Enabled: true})
	require.NoError(t, err)
	c.ObserveOp(0, "stat", time.Millisecond, nil)

	rec := httptest.NewRecorder()
	c.debugOperationsHandler(rec, httptest.NewRequest("GET", "/debug/operations", nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1.0, body["total_operations"])
	assert.Contains(t, body, "operations")
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(&Config{Enabled: true, Port: 0})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
}

type fixedRetries retry.Stats

func (f fixedRetries) RetryStats() retry.Stats { return retry.Stats(f) }

func TestArchiveCollector(t *testing.T) {
	t.Parallel()
	ac := NewArchiveCollector("flashfs", nil, fixedRetries{Calls: 4, Attempts: 7, Retries: 3, Exhausted: 1})

	ch := make(chan prometheus.Metric, 8)
	ac.Collect(ch)
	close(ch)
	var got []float64
	for m := range ch {
		got = append(got, value(t, m))
	}
	assert.Equal(t, []float64{4, 7, 3, 1, 0}, got)

	c, err := NewCollector(&Config{Enabled: true, Namespace: "flashfs"})
	require.NoError(t, err)
	require.NoError(t, c.Register(ac))
}
