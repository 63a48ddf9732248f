package instance

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/engine/snapfs"
	"github.com/flashfs/flashfs/internal/flash"
	"github.com/flashfs/flashfs/internal/suspend"
	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/types"
)

func newDevice(t *testing.T, partitions ...int) *flash.Device {
	t.Helper()
	var specs []flash.PartitionSpec
	for _, p := range partitions {
		specs = append(specs, flash.PartitionSpec{Index: p, Size: 16 * 1024, EraseSize: 4096})
	}
	dev, err := flash.NewMemory(flash.Options{Partitions: specs})
	require.NoError(t, err)
	return dev
}

func newTable(t *testing.T, sched *suspend.Scheduler, opts Options, specs ...Spec) *Table {
	t.Helper()
	table, err := NewTable(specs, sched, opts)
	require.NoError(t, err)
	return table
}

func mounted(t *testing.T, specs ...Spec) *Table {
	t.Helper()
	table := newTable(t, nil, Options{LockTimeout: time.Second, ReadyTimeout: time.Second}, specs...)
	require.NoError(t, table.MountAll(context.Background()))
	return table
}

func writeFile(t *testing.T, in *Instance, path, content string) {
	t.Helper()
	ctx := context.Background()
	fd, err := in.Open(ctx, path, types.OpenCreate|types.OpenTrunc|types.OpenWriteOnly)
	require.NoError(t, err)
	n, err := in.Write(ctx, fd, []byte(content))
	require.NoError(t, err)
	require.Equal(t, len(content), n)
	require.NoError(t, in.Close(ctx, fd))
}

func readFile(t *testing.T, in *Instance, path string) string {
	t.Helper()
	ctx := context.Background()
	fd, err := in.Open(ctx, path, types.OpenReadOnly)
	require.NoError(t, err)
	defer func() { require.NoError(t, in.Close(ctx, fd)) }()

	info, err := in.Stat(ctx, fd)
	require.NoError(t, err)
	buf := make([]byte, info.Size)
	n, err := in.Read(ctx, fd, buf)
	require.NoError(t, err)
	return string(buf[:n])
}

type brokenEngine struct {
	mu      sync.Mutex
	mounts  int
	formats int
}

func (e *brokenEngine) Mount(types.Geometry, types.BlockDevice) (types.Volume, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mounts++
	return nil, types.ErrCorrupt
}

func (e *brokenEngine) Format(types.Geometry, types.BlockDevice) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.formats++
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	ops      map[string]int
	failed   int
	mounts   []bool
	suspends int
}

func (r *recordingObserver) ObserveOp(fs int, op string, took time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops == nil {
		r.ops = make(map[string]int)
	}
	r.ops[op]++
	if err != nil {
		r.failed++
	}
}

func (r *recordingObserver) ObserveMount(fs int, generation uint32, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mounts = append(r.mounts, ready)
}

func (r *recordingObserver) ObserveSuspend(fs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspends++
}

func TestMountFormatsBlankFlash(t *testing.T) {
	dev := newDevice(t, 0)
	table := mounted(t, Spec{Partition: 0, Driver: dev, Engine: snapfs.New(), MaxOpenFiles: 4})

	in, err := table.Get(0)
	require.NoError(t, err)
	assert.True(t, in.Ready())
	assert.Equal(t, uint32(1), in.Generation())

	geo := in.Geometry()
	assert.Equal(t, uint32(16*1024), geo.PhysSize)
	assert.Equal(t, uint32(4096), geo.PhysEraseBlock)
	assert.Equal(t, uint32(DefaultLogPageSize), geo.LogPageSize)
	assert.Equal(t, 4, geo.MaxOpenFiles)

	total, used, err := in.Info(context.Background())
	require.NoError(t, err)
	assert.Greater(t, total, used)
}

func TestWriteReadRoundTrip(t *testing.T) {
	table := mounted(t, Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})
	in, _ := table.Get(0)

	writeFile(t, in, "/hello.txt", "HELLO")
	assert.Equal(t, "HELLO", readFile(t, in, "/hello.txt"))

	ctx := context.Background()
	fd, err := in.Open(ctx, "/hello.txt", types.OpenReadOnly)
	require.NoError(t, err)
	pos, err := in.Seek(ctx, fd, 1, types.SeekSet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)
	buf := make([]byte, 4)
	n, err := in.Read(ctx, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "ELLO", string(buf[:n]))
	require.NoError(t, in.Flush(ctx, fd))
	require.NoError(t, in.Close(ctx, fd))

	require.NoError(t, in.Unlink(ctx, "/hello.txt"))
	_, err = in.Open(ctx, "/hello.txt", types.OpenReadOnly)
	assert.True(t, errors.IsCode(err, errors.ErrCodeEngineError))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStaleDescriptorAfterReformat(t *testing.T) {
	table := mounted(t, Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})
	in, _ := table.Get(0)
	ctx := context.Background()

	writeFile(t, in, "/f", "data")
	fd, err := in.Open(ctx, "/f", types.OpenReadOnly)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), fd.Generation)

	require.NoError(t, table.Reformat(ctx, 0))
	assert.Equal(t, uint32(2), in.Generation())

	_, err = in.Read(ctx, fd, make([]byte, 4))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidDescriptor), "got %v", err)
	assert.True(t, errors.IsCode(in.Close(ctx, fd), errors.ErrCodeInvalidDescriptor))

	// The raw descriptor is valid again under the new mount, the stale one is not.
	fresh, err := in.Open(ctx, "/new", types.OpenCreate|types.OpenWriteOnly)
	require.NoError(t, err)
	assert.Equal(t, fd.Raw, fresh.Raw)
	_, err = in.Write(ctx, fd, []byte("x"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidDescriptor))
	require.NoError(t, in.Close(ctx, fresh))

	_, err = in.Open(ctx, "/f", types.OpenReadOnly)
	assert.ErrorIs(t, err, types.ErrNotFound, "reformat erased the volume")
}

func TestStaleDescriptorAfterRemount(t *testing.T) {
	table := mounted(t, Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})
	in, _ := table.Get(0)
	ctx := context.Background()

	writeFile(t, in, "/f", "data")
	stale, err := in.Open(ctx, "/f", types.OpenReadOnly)
	require.NoError(t, err)

	require.NoError(t, in.Remount(ctx))
	assert.True(t, in.Ready())
	assert.Equal(t, uint32(2), in.Generation())
	assert.Equal(t, "data", readFile(t, in, "/f"), "remount keeps the volume")

	fresh, err := in.Open(ctx, "/f", types.OpenReadOnly)
	require.NoError(t, err)
	assert.Equal(t, stale.Raw, fresh.Raw)
	assert.NotEqual(t, stale.Generation, fresh.Generation)

	tests := []struct {
		name string
		call func(fd types.FD) error
	}{
		{"read", func(fd types.FD) error { _, err := in.Read(ctx, fd, make([]byte, 4)); return err }},
		{"write", func(fd types.FD) error { _, err := in.Write(ctx, fd, []byte("x")); return err }},
		{"seek", func(fd types.FD) error { _, err := in.Seek(ctx, fd, 0, types.SeekSet); return err }},
		{"stat", func(fd types.FD) error { _, err := in.Stat(ctx, fd); return err }},
		{"flush", func(fd types.FD) error { return in.Flush(ctx, fd) }},
		{"close", func(fd types.FD) error { return in.Close(ctx, fd) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call(stale)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidDescriptor), "got %v", err)
		})
	}

	// The stale calls left the fresh descriptor untouched
	info, err := in.Stat(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
	require.NoError(t, in.Close(ctx, fresh))
}

func TestRestoreCraftedImageFallsBackToFormat(t *testing.T) {
	table := mounted(t, Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})
	in, _ := table.Get(0)
	ctx := context.Background()
	writeFile(t, in, "/f", "data")

	// A well formed snapshot header and CRC over a payload that claims
	// 4 billion files
	image := bytes.Repeat([]byte{0xFF}, 16*1024)
	payload := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	hdr := make([]byte, 20)
	copy(hdr, "SNFS")
	binary.LittleEndian.PutUint16(hdr[4:], 1)
	binary.LittleEndian.PutUint16(hdr[6:], 0)
	binary.LittleEndian.PutUint32(hdr[8:], 9)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[16:], crc32.ChecksumIEEE(payload))
	copy(image, hdr)
	copy(image[len(hdr):], payload)

	require.NoError(t, in.Restore(ctx, image))
	assert.True(t, in.Ready())
	assert.Equal(t, uint32(2), in.Generation())

	_, err := in.Open(ctx, "/f", types.OpenReadOnly)
	assert.ErrorIs(t, err, types.ErrNotFound, "the corrupt image was replaced by a fresh volume")
}

func TestClosedDescriptorIsInvalid(t *testing.T) {
	table := mounted(t, Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})
	in, _ := table.Get(0)
	ctx := context.Background()

	writeFile(t, in, "/f", "x")
	fd, err := in.Open(ctx, "/f", types.OpenReadOnly)
	require.NoError(t, err)
	require.NoError(t, in.Close(ctx, fd))

	err = in.Close(ctx, fd)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidDescriptor))
	assert.ErrorIs(t, err, types.ErrBadDescriptor)
}

func TestNotReadyBeforeMount(t *testing.T) {
	table := newTable(t, nil, Options{ReadyTimeout: 20 * time.Millisecond},
		Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})
	in, _ := table.Get(0)

	start := time.Now()
	_, err := in.Open(context.Background(), "/f", types.OpenReadOnly)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotReady))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitersReleasedByMount(t *testing.T) {
	table := newTable(t, nil, Options{ReadyTimeout: 5 * time.Second},
		Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})
	in, _ := table.Get(0)

	done := make(chan error, 1)
	go func() {
		_, _, err := in.Info(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, table.MountAll(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by mount")
	}
}

func TestMountFailureLeavesInstanceNotReady(t *testing.T) {
	engine := &brokenEngine{}
	obs := &recordingObserver{}
	table := newTable(t, nil, Options{Observer: obs},
		Spec{Partition: 0, Driver: newDevice(t, 0), Engine: engine},
		Spec{Partition: 1, Driver: newDevice(t, 1), Engine: snapfs.New()},
	)

	err := table.MountAll(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeMountFailed))
	assert.ErrorIs(t, err, types.ErrCorrupt)
	assert.Equal(t, 2, engine.mounts, "mount, format, mount once more")
	assert.Equal(t, 1, engine.formats)

	broken, _ := table.Get(0)
	assert.False(t, broken.Ready())
	assert.Equal(t, uint32(1), broken.Generation())
	_, err = broken.Open(context.Background(), "/f", types.OpenReadOnly)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotReady))

	healthy, _ := table.Get(1)
	assert.True(t, healthy.Ready())
	assert.ElementsMatch(t, []bool{false, true}, obs.mounts)
}

func TestLockTimeout(t *testing.T) {
	table := newTable(t, nil, Options{LockTimeout: 20 * time.Millisecond},
		Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})
	require.NoError(t, table.MountAll(context.Background()))
	in, _ := table.Get(0)

	require.NoError(t, in.sem.Acquire(context.Background(), 1))
	_, _, err := in.Info(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeLockTimeout))
	in.sem.Release(1)

	_, _, err = in.Info(context.Background())
	assert.NoError(t, err)
}

func TestNoCrossInstanceContention(t *testing.T) {
	table := mounted(t,
		Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()},
		Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()},
	)
	first, _ := table.Get(0)
	second, _ := table.Get(1)

	// Instance 0 is busy for the whole test.
	require.NoError(t, first.sem.Acquire(context.Background(), 1))
	defer first.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	writeFile(t, second, "/other", "free")
	total, _, err := second.Info(ctx)
	require.NoError(t, err)
	assert.NotZero(t, total)
}

func TestSharedDriverAcrossInstances(t *testing.T) {
	dev := newDevice(t, 0, 1)
	table := mounted(t,
		Spec{Partition: 0, Driver: dev, Engine: snapfs.New()},
		Spec{Partition: 1, Driver: dev, Engine: snapfs.New()},
	)
	a, _ := table.Get(0)
	b, _ := table.Get(1)

	var wg sync.WaitGroup
	for i, in := range []*Instance{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				writeFile(t, in, "/f", string(rune('a'+i)))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, "a", readFile(t, a, "/f"))
	assert.Equal(t, "b", readFile(t, b, "/f"))
}

func TestInvalidArguments(t *testing.T) {
	table := mounted(t, Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})

	_, err := table.Get(1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
	_, err = table.Get(-1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
	assert.True(t, errors.IsCode(table.Reformat(context.Background(), 9), errors.ErrCodeInvalidArgument))

	in, _ := table.Get(0)
	_, err = in.Open(context.Background(), "", types.OpenReadOnly)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
	assert.True(t, errors.IsCode(in.Unlink(context.Background(), ""), errors.ErrCodeInvalidArgument))

	_, err = NewTable(nil, nil, Options{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
	_, err = NewTable([]Spec{{Partition: 0}}, nil, Options{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestSuspendAfterIdleWindow(t *testing.T) {
	dev := newDevice(t, 0)
	sched := suspend.New(15*time.Millisecond, true)
	expired := make(chan int, 8)
	sched.OnExpire(func(id int) { expired <- id })

	obs := &recordingObserver{}
	table := newTable(t, sched, Options{LockTimeout: time.Second, Observer: obs},
		Spec{Partition: 0, Driver: dev, Engine: snapfs.New()})
	require.NoError(t, table.MountAll(context.Background()))
	in, _ := table.Get(0)
	ctx := context.Background()

	// Claiming right after an access fails: the window has not expired.
	writeFile(t, in, "/f", "x")
	ok, err := in.Suspend(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case id := <-expired:
		assert.Equal(t, 0, id)
	case <-time.After(time.Second):
		t.Fatal("idle window never expired")
	}

	ok, err = in.Suspend(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, dev.Stats().Suspended)

	ok, err = in.Suspend(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "one suspend per idle window")
	assert.Equal(t, 1, obs.suspends)

	// The next access resumes the device.
	assert.Equal(t, "x", readFile(t, in, "/f"))
	assert.False(t, dev.Stats().Suspended)
	assert.Equal(t, uint64(1), dev.Stats().Resumes)
}

func TestSnapshotRestore(t *testing.T) {
	table := mounted(t, Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})
	in, _ := table.Get(0)
	ctx := context.Background()

	writeFile(t, in, "/keep", "v1")
	image, err := in.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, image, 16*1024)

	writeFile(t, in, "/keep", "v2")
	fd, err := in.Open(ctx, "/keep", types.OpenReadOnly)
	require.NoError(t, err)

	require.NoError(t, in.Restore(ctx, image))
	assert.Equal(t, uint32(2), in.Generation())
	assert.Equal(t, "v1", readFile(t, in, "/keep"))

	_, err = in.Stat(ctx, fd)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidDescriptor))

	err = in.Restore(ctx, image[:100])
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestObserverSeesOperations(t *testing.T) {
	obs := &recordingObserver{}
	table := newTable(t, nil, Options{Observer: Observers{obs, nopObserver{}}},
		Spec{Partition: 0, Driver: newDevice(t, 0), Engine: snapfs.New()})
	require.NoError(t, table.MountAll(context.Background()))
	in, _ := table.Get(0)

	writeFile(t, in, "/f", "x")
	_, _ = in.Open(context.Background(), "/missing", types.OpenReadOnly)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.ops["open"])
	assert.Equal(t, 1, obs.ops["write"])
	assert.Equal(t, 1, obs.ops["close"])
	assert.Equal(t, 1, obs.failed)
	assert.Equal(t, []bool{true}, obs.mounts)
}
