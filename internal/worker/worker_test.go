package worker

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/engine/snapfs"
	"github.com/flashfs/flashfs/internal/flash"
	"github.com/flashfs/flashfs/internal/instance"
	"github.com/flashfs/flashfs/internal/suspend"
	"github.com/flashfs/flashfs/pkg/errors"
)

type completion struct {
	n     int
	token any
}

// recorder collects completions in callback order.
type recorder struct {
	mu   sync.Mutex
	done []completion
	ch   chan completion
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan completion, 64)}
}

func (r *recorder) callback(n int, token any) {
	r.mu.Lock()
	r.done = append(r.done, completion{n: n, token: token})
	r.mu.Unlock()
	r.ch <- completion{n: n, token: token}
}

func (r *recorder) wait(t *testing.T) completion {
	t.Helper()
	select {
	case c := <-r.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return completion{}
	}
}

func newTestDevice(t *testing.T) *flash.Device {
	t.Helper()
	dev, err := flash.NewMemory(flash.Options{Partitions: []flash.PartitionSpec{
		{Index: 0, Size: 16 * 1024, EraseSize: 4096},
	}})
	require.NoError(t, err)
	return dev
}

func newTestWorker(t *testing.T, dev *flash.Device, sched *suspend.Scheduler, config Config) *Worker {
	t.Helper()
	table, err := instance.NewTable([]instance.Spec{
		{Partition: 0, Driver: dev, Engine: snapfs.New()},
	}, sched, instance.Options{LockTimeout: time.Second, ReadyTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, table.MountAll(context.Background()))
	return New(table, config, nil)
}

func TestWriteThenReadRecord(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{})
	require.NoError(t, w.Start())
	defer w.Stop()

	ctx := context.Background()
	rec := newRecorder()

	n, err := w.EnqueueWrite(ctx, 0, "/rec", []byte("HELLO"), false, rec.callback, "w")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, completion{n: 5, token: "w"}, rec.wait(t))

	buf := make([]byte, 16)
	n, err = w.EnqueueRead(ctx, 0, "/rec", buf, false, rec.callback, "r")
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, completion{n: 5, token: "r"}, rec.wait(t))
	assert.Equal(t, "HELLO", string(buf[:5]))
}

func TestOverwriteExistingRecord(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{})
	require.NoError(t, w.Start())
	defer w.Stop()

	ctx := context.Background()
	rec := newRecorder()

	_, err := w.EnqueueWrite(ctx, 0, "/rec", []byte("first"), false, rec.callback, nil)
	require.NoError(t, err)
	rec.wait(t)
	_, err = w.EnqueueWrite(ctx, 0, "/rec", []byte("2nd"), false, rec.callback, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.wait(t).n)

	buf := make([]byte, 16)
	_, err = w.EnqueueRead(ctx, 0, "/rec", buf, false, rec.callback, nil)
	require.NoError(t, err)
	c := rec.wait(t)
	// Opening without truncate keeps the tail of the longer record.
	assert.Equal(t, 5, c.n)
	assert.Equal(t, "2ndst", string(buf[:c.n]))
}

func TestReadMissingRecordCompletesWithZero(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{})
	require.NoError(t, w.Start())
	defer w.Stop()

	rec := newRecorder()
	_, err := w.EnqueueRead(context.Background(), 0, "/missing", make([]byte, 8), false, rec.callback, 7)
	require.NoError(t, err)
	assert.Equal(t, completion{n: 0, token: 7}, rec.wait(t))
}

func TestWritesCompleteInOrder(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{WriteQueueSize: 4})
	defer w.Stop()

	ctx := context.Background()
	rec := newRecorder()
	for i := 1; i <= 3; i++ {
		_, err := w.EnqueueWrite(ctx, 0, "/log", []byte{byte('0' + i)}, false, rec.callback, i)
		require.NoError(t, err)
	}
	require.NoError(t, w.Start())

	for i := 1; i <= 3; i++ {
		assert.Equal(t, completion{n: 1, token: i}, rec.wait(t))
	}
}

func TestQueueFullWithoutWait(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{WriteQueueSize: 2})

	ctx := context.Background()
	rec := newRecorder()
	for i := 0; i < 2; i++ {
		_, err := w.EnqueueWrite(ctx, 0, "/f", []byte("x"), false, rec.callback, i)
		require.NoError(t, err)
	}

	_, err := w.EnqueueWrite(ctx, 0, "/f", []byte("x"), false, rec.callback, 2)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeQueueFull))

	// Stop completes what was accepted, nothing else.
	require.NoError(t, w.Stop())
	assert.Equal(t, completion{n: 0, token: 0}, rec.wait(t))
	assert.Equal(t, completion{n: 0, token: 1}, rec.wait(t))
	assert.Len(t, rec.ch, 0)
}

func TestWaitTimesOut(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{ReadQueueSize: 1})
	defer w.Stop()

	rec := newRecorder()
	_, err := w.EnqueueRead(context.Background(), 0, "/f", make([]byte, 4), true, rec.callback, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.EnqueueRead(ctx, 0, "/f", make([]byte, 4), true, rec.callback, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeQueueTimeout))
}

func TestWaitAdmittedWhenSpaceFrees(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{WriteQueueSize: 1})
	defer w.Stop()

	ctx := context.Background()
	rec := newRecorder()
	_, err := w.EnqueueWrite(ctx, 0, "/a", []byte("a"), true, rec.callback, "a")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := w.EnqueueWrite(ctx, 0, "/b", []byte("b"), true, rec.callback, "b")
		errCh <- err
	}()

	require.NoError(t, w.Start())
	require.NoError(t, <-errCh)
	assert.Equal(t, completion{n: 1, token: "a"}, rec.wait(t))
	assert.Equal(t, completion{n: 1, token: "b"}, rec.wait(t))
}

func TestStopReleasesWaitingEnqueue(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{WriteQueueSize: 1})

	ctx := context.Background()
	rec := newRecorder()
	_, err := w.EnqueueWrite(ctx, 0, "/a", []byte("a"), false, rec.callback, "a")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := w.EnqueueWrite(ctx, 0, "/b", []byte("b"), true, rec.callback, "b")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, w.Stop())
	err = <-errCh
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeWorkerStopped))
	assert.Equal(t, completion{n: 0, token: "a"}, rec.wait(t))

	_, err = w.EnqueueWrite(ctx, 0, "/c", []byte("c"), false, rec.callback, "c")
	assert.True(t, errors.IsCode(err, errors.ErrCodeWorkerStopped))
}

func TestEnqueueRejectsInvalidArguments(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{})
	defer w.Stop()

	ctx := context.Background()
	cb := func(int, any) {}
	buf := make([]byte, 4)

	tests := []struct {
		name string
		call func() (int, error)
	}{
		{"unknown instance", func() (int, error) { return w.EnqueueRead(ctx, 3, "/f", buf, false, cb, nil) }},
		{"negative instance", func() (int, error) { return w.EnqueueWrite(ctx, -1, "/f", buf, false, cb, nil) }},
		{"empty path", func() (int, error) { return w.EnqueueRead(ctx, 0, "", buf, false, cb, nil) }},
		{"nil buffer", func() (int, error) { return w.EnqueueRead(ctx, 0, "/f", nil, false, cb, nil) }},
		{"nil callback", func() (int, error) { return w.EnqueueWrite(ctx, 0, "/f", buf, false, nil, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := tt.call()
			assert.Equal(t, 0, n)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument), "got %v", err)
		})
	}
}

func TestWriteBufferIsCopied(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{})
	defer w.Stop()

	ctx := context.Background()
	rec := newRecorder()
	buf := []byte("keep")
	_, err := w.EnqueueWrite(ctx, 0, "/k", buf, false, rec.callback, nil)
	require.NoError(t, err)
	copy(buf, "lost")

	require.NoError(t, w.Start())
	rec.wait(t)

	out := make([]byte, 4)
	_, err = w.EnqueueRead(ctx, 0, "/k", out, false, rec.callback, nil)
	require.NoError(t, err)
	rec.wait(t)
	assert.Equal(t, "keep", string(out))
}

func TestStartTwice(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{})
	require.NoError(t, w.Start())
	err := w.Start()
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyStarted))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestIdleDeviceSuspendedOnce(t *testing.T) {
	dev := newTestDevice(t)
	sched := suspend.New(10*time.Millisecond, true)
	defer sched.Stop()

	w := newTestWorker(t, dev, sched, Config{})
	require.NoError(t, w.Start())
	defer w.Stop()

	rec := newRecorder()
	_, err := w.EnqueueWrite(context.Background(), 0, "/s", []byte("z"), false, rec.callback, nil)
	require.NoError(t, err)
	rec.wait(t)

	require.Eventually(t, func() bool { return dev.Stats().Suspends == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stats := dev.Stats()
	assert.Equal(t, uint64(1), stats.Suspends)
	assert.True(t, stats.Suspended)
}

func callerStack() string {
	buf := make([]byte, 64<<10)
	return string(buf[:runtime.Stack(buf, false)])
}

func TestStopCompletesQueuedOnWorkerGoroutine(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{WriteQueueSize: 4})

	stacks := make(chan string, 4)
	cb := func(n int, token any) {
		assert.Zero(t, n)
		stacks <- callerStack()
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := w.EnqueueWrite(ctx, 0, "/f", []byte("x"), false, cb, i)
		require.NoError(t, err)
	}

	require.NoError(t, w.Stop())
	require.Len(t, stacks, 2)
	for i := 0; i < 2; i++ {
		stack := <-stacks
		assert.Contains(t, stack, "(*Worker).loop")
		assert.NotContains(t, stack, "(*Worker).Stop")
	}
}

func TestStopDrainsBehindRunningRequest(t *testing.T) {
	w := newTestWorker(t, newTestDevice(t), nil, Config{WriteQueueSize: 4})
	require.NoError(t, w.Start())

	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	_, err := w.EnqueueWrite(ctx, 0, "/a", []byte("a"), false, func(int, any) {
		close(entered)
		<-release
	}, nil)
	require.NoError(t, err)
	<-entered

	stacks := make(chan string, 1)
	_, err = w.EnqueueWrite(ctx, 0, "/b", []byte("b"), false, func(n int, _ any) {
		assert.Zero(t, n)
		stacks <- callerStack()
	}, nil)
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop() }()
	require.Eventually(t, func() bool {
		select {
		case <-w.stopCh:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	close(release)

	require.NoError(t, <-stopped)
	require.Len(t, stacks, 1)
	stack := <-stacks
	assert.Contains(t, stack, "(*Worker).loop")
	assert.NotContains(t, stack, "(*Worker).Stop")
}
