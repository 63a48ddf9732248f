//go:build unix

package flash

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/flashfs/flashfs/pkg/errors"
)

// OpenFile creates a device backed by a memory mapped image file. A new or
// short file is extended with erased bytes. The image is locked exclusively
// for the lifetime of the device so two processes never share it.
func OpenFile(path string, opts Options) (*Device, error) {
	parts, total, err := layout(opts.Partitions)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDriverError, "failed to create image directory")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDriverError, "failed to open image")
	}
	fail := func(err error, msg string) (*Device, error) {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.ErrCodeDriverError, msg).WithContext("image", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fail(err, "image is in use")
	}

	info, err := f.Stat()
	if err != nil {
		return fail(err, "failed to stat image")
	}
	if info.Size() < int64(total) {
		if err := extendErased(f, info.Size(), int64(total)); err != nil {
			return fail(err, "failed to extend image")
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(err, "failed to map image")
	}

	d := newDevice(parts, data, opts)
	d.closeFn = func() error {
		var firstErr error
		if err := unix.Msync(data, unix.MS_SYNC); err != nil {
			firstErr = fmt.Errorf("msync: %w", err)
		}
		if err := unix.Munmap(data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap: %w", err)
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	log.Debug().Str("image", path).Uint32("size", total).Msg("flash image mapped")
	return d, nil
}

func extendErased(f *os.File, from, to int64) error {
	buf := make([]byte, 64*1024)
	for i := range buf {
		buf[i] = erasedByte
	}
	for off := from; off < to; {
		n := int64(len(buf))
		if to-off < n {
			n = to - off
		}
		if _, err := f.WriteAt(buf[:n], off); err != nil {
			return err
		}
		off += n
	}
	return f.Sync()
}
