package adapter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/config"
	"github.com/flashfs/flashfs/pkg/errors"
)

func createTestConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Global.LogLevel = "ERROR"
	cfg.Instances = []config.InstanceConfig{
		{ID: 0, Partition: 0, Driver: config.DriverMemory, Size: "64KB", EraseSize: "4KB", BlockSize: "4KB"},
		{ID: 1, Partition: 1, Driver: config.DriverMemory, Size: "64KB", EraseSize: "4KB", BlockSize: "4KB"},
	}
	return cfg
}

func startAdapter(t *testing.T, cfg *config.Configuration) *Adapter {
	t.Helper()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func await(t *testing.T, done <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-done:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("completion not delivered")
		return Completion{}
	}
}

func TestNew(t *testing.T) {
	t.Run("valid configuration", func(t *testing.T) {
		a, err := New(context.Background(), createTestConfig())
		require.NoError(t, err)
		defer a.Stop(context.Background())

		assert.Equal(t, 2, a.Table().Len())
		assert.Len(t, a.devices, 1, "memory instances share one device")
		assert.Nil(t, a.Archive())
		assert.Nil(t, a.api)
		assert.False(t, a.started)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfg := createTestConfig()
		cfg.Instances[0].Size = "3KB"
		_, err := New(context.Background(), cfg)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeConfigValidation))
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestAdapterDoubleStart(t *testing.T) {
	a := startAdapter(t, createTestConfig())

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyStarted))
}

func TestAdapterStopNotStarted(t *testing.T) {
	a, err := New(context.Background(), createTestConfig())
	require.NoError(t, err)

	assert.NoError(t, a.Stop(context.Background()))
	assert.NoError(t, a.Stop(context.Background()), "second Stop is a no-op")

	err = a.Start(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeWorkerStopped))
}

func TestRecordRoundTrip(t *testing.T) {
	a := startAdapter(t, createTestConfig())
	ctx := context.Background()
	data := []byte("calibration table v3")

	done, err := a.WriteRecord(ctx, 1, "/cal.bin", data, true)
	require.NoError(t, err)
	assert.Equal(t, len(data), await(t, done).Bytes)

	buf := make([]byte, 64)
	done, err = a.ReadRecord(ctx, 1, "/cal.bin", buf, true)
	require.NoError(t, err)
	n := await(t, done).Bytes
	assert.Equal(t, data, buf[:n])

	// Instances are independent
	done, err = a.ReadRecord(ctx, 0, "/cal.bin", buf, true)
	require.NoError(t, err)
	assert.Zero(t, await(t, done).Bytes)
}

func TestRecordMissingFile(t *testing.T) {
	a := startAdapter(t, createTestConfig())

	done, err := a.ReadRecord(context.Background(), 0, "/missing", make([]byte, 8), true)
	require.NoError(t, err)
	assert.Zero(t, await(t, done).Bytes)
}

func TestInstances(t *testing.T) {
	a := startAdapter(t, createTestConfig())

	infos := a.Instances(context.Background())
	require.Len(t, infos, 2)
	for i, info := range infos {
		assert.Equal(t, i, info.ID)
		assert.Equal(t, i, info.Partition)
		assert.True(t, info.Ready)
		assert.Equal(t, uint32(1), info.Generation)
		assert.NotZero(t, info.Total)
		assert.Less(t, info.Total, uint64(64*1024))
		assert.Equal(t, "healthy", info.Health)
	}
}

func TestReformat(t *testing.T) {
	a := startAdapter(t, createTestConfig())
	ctx := context.Background()

	done, err := a.WriteRecord(ctx, 0, "/log", []byte("entry"), true)
	require.NoError(t, err)
	require.Equal(t, 5, await(t, done).Bytes)

	require.NoError(t, a.Reformat(ctx, 0))
	in, err := a.Table().Get(0)
	require.NoError(t, err)
	assert.True(t, in.Ready())
	assert.Greater(t, in.Generation(), uint32(1))

	done, err = a.ReadRecord(ctx, 0, "/log", make([]byte, 8), true)
	require.NoError(t, err)
	assert.Zero(t, await(t, done).Bytes, "reformat erases every file")

	err = a.Reformat(ctx, 7)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestFileDriverPersists(t *testing.T) {
	cfg := createTestConfig()
	image := filepath.Join(t.TempDir(), "flash.img")
	for i := range cfg.Instances {
		cfg.Instances[i].Driver = config.DriverFile
		cfg.Instances[i].ImagePath = image
	}
	ctx := context.Background()

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, a.devices, 1, "partitions of one image share a device")
	require.NoError(t, a.Start(ctx))
	done, err := a.WriteRecord(ctx, 0, "/boot", []byte("count=7"), true)
	require.NoError(t, err)
	require.Equal(t, 7, await(t, done).Bytes)
	require.NoError(t, a.Stop(ctx))

	b := startAdapter(t, cfg)
	buf := make([]byte, 16)
	done, err = b.ReadRecord(ctx, 0, "/boot", buf, true)
	require.NoError(t, err)
	n := await(t, done).Bytes
	assert.Equal(t, "count=7", string(buf[:n]))
}

func TestPruneWithoutArchive(t *testing.T) {
	a := startAdapter(t, createTestConfig())

	_, err := a.Prune(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestCheckComponent(t *testing.T) {
	a := startAdapter(t, createTestConfig())

	assert.NoError(t, a.checkComponent("fs0"))
	assert.NoError(t, a.checkComponent("archive"))
	assert.NoError(t, a.checkComponent("fs9"))
}
