package instance

import (
	"context"
	stderr "errors"
	"strconv"
	"time"

	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/types"
)

// access runs fn as one synchronous access: acquire, optional descriptor
// check, engine call under the driver lock, release.
func (in *Instance) access(ctx context.Context, op string, fd *types.FD, fn func(vol types.Volume) error) (err error) {
	start := time.Now()
	defer func() {
		in.observer().ObserveOp(in.id, op, time.Since(start), err)
	}()

	g, err := in.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer g.release()

	if fd != nil {
		if gen := in.generation.Load(); fd.Generation != gen {
			in.log.Warn().Str("fd", fd.String()).Uint32("gen", gen).Str("op", op).Msg("stale descriptor")
			return errors.Newf(errors.ErrCodeInvalidDescriptor,
				"descriptor %s was issued before mount %d", fd, gen).
				WithComponent("instance").WithOperation(op)
		}
	}

	vol := in.volume
	err = g.device(func(types.BlockDevice) error { return fn(vol) })
	return in.translate(op, err)
}

// translate maps engine failures into the error taxonomy.
func (in *Instance) translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var fsErr *errors.FlashFSError
	if stderr.As(err, &fsErr) {
		return err
	}
	code := errors.ErrCodeEngineError
	if stderr.Is(err, types.ErrBadDescriptor) {
		code = errors.ErrCodeInvalidDescriptor
	}
	return errors.Wrap(err, code, op+" failed").
		WithComponent("instance").WithOperation(op).
		WithContext("fs", itoa(in.id))
}

func invalidArgument(op, msg string) error {
	return errors.NewError(errors.ErrCodeInvalidArgument, msg).
		WithComponent("instance").WithOperation(op)
}

// Open opens path and returns a descriptor stamped with the current
// generation. A failed open returns no descriptor.
func (in *Instance) Open(ctx context.Context, path string, flags types.OpenFlag) (types.FD, error) {
	if path == "" {
		return types.FD{}, invalidArgument("open", "empty path")
	}
	var fd types.FD
	err := in.access(ctx, "open", nil, func(vol types.Volume) error {
		raw, err := vol.Open(path, flags)
		if err != nil {
			return err
		}
		fd = types.FD{Generation: in.generation.Load(), Raw: raw}
		return nil
	})
	if err != nil {
		in.log.Debug().Err(err).Str("path", path).Msg("open failed")
		return types.FD{}, err
	}
	return fd, nil
}

// Read reads up to len(p) bytes at the descriptor position.
func (in *Instance) Read(ctx context.Context, fd types.FD, p []byte) (int, error) {
	var n int
	err := in.access(ctx, "read", &fd, func(vol types.Volume) error {
		var err error
		n, err = vol.Read(fd.Raw, p)
		return err
	})
	return n, err
}

// Write writes p at the descriptor position.
func (in *Instance) Write(ctx context.Context, fd types.FD, p []byte) (int, error) {
	var n int
	err := in.access(ctx, "write", &fd, func(vol types.Volume) error {
		var err error
		n, err = vol.Write(fd.Raw, p)
		return err
	})
	return n, err
}

// Seek moves the descriptor position and returns the new offset.
func (in *Instance) Seek(ctx context.Context, fd types.FD, offset int64, whence types.Whence) (int64, error) {
	var pos int64
	err := in.access(ctx, "seek", &fd, func(vol types.Volume) error {
		var err error
		pos, err = vol.Seek(fd.Raw, offset, whence)
		return err
	})
	return pos, err
}

// Stat returns the name and size of the open file.
func (in *Instance) Stat(ctx context.Context, fd types.FD) (types.FileInfo, error) {
	var info types.FileInfo
	err := in.access(ctx, "stat", &fd, func(vol types.Volume) error {
		var err error
		info, err = vol.Stat(fd.Raw)
		return err
	})
	return info, err
}

// Flush commits pending writes of the descriptor.
func (in *Instance) Flush(ctx context.Context, fd types.FD) error {
	return in.access(ctx, "flush", &fd, func(vol types.Volume) error {
		return vol.Flush(fd.Raw)
	})
}

// Close closes the descriptor.
func (in *Instance) Close(ctx context.Context, fd types.FD) error {
	return in.access(ctx, "close", &fd, func(vol types.Volume) error {
		return vol.Close(fd.Raw)
	})
}

// Unlink removes path.
func (in *Instance) Unlink(ctx context.Context, path string) error {
	if path == "" {
		return invalidArgument("unlink", "empty path")
	}
	return in.access(ctx, "unlink", nil, func(vol types.Volume) error {
		return vol.Remove(path)
	})
}

// Info returns the total and used bytes of the volume.
func (in *Instance) Info(ctx context.Context) (total, used uint64, err error) {
	err = in.access(ctx, "info", nil, func(vol types.Volume) error {
		var ierr error
		total, used, ierr = vol.Info()
		return ierr
	})
	return total, used, err
}

func itoa(i int) string { return strconv.Itoa(i) }
