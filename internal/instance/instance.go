package instance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/flashfs/flashfs/internal/suspend"
	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/types"
	"github.com/flashfs/flashfs/pkg/utils"
)

// Engine geometry defaults, matching the flash layout the devices ship with.
const (
	DefaultLogBlockSize = 32 * 1024
	DefaultLogPageSize  = 128
	DefaultMaxOpenFiles = 32
)

// Spec describes one instance of a Table.
type Spec struct {
	Partition int
	Driver    types.Driver
	Engine    types.Engine

	// Zero selects the defaults above
	LogBlockSize uint32
	LogPageSize  uint32
	MaxOpenFiles int
}

// Options bounds the waits of the synchronous access layer. Zero means wait
// for as long as the caller's context allows.
type Options struct {
	LockTimeout  time.Duration
	ReadyTimeout time.Duration
	Observer     Observer
}

// Instance is one logical filesystem on one flash partition. All engine
// calls happen with the instance mutex held, so different instances never
// contend while calls on the same instance are fully serialized.
type Instance struct {
	id        int
	partition int
	driver    types.Driver
	engine    types.Engine
	dev       blockDevice
	geo       types.Geometry

	sem     *semaphore.Weighted // instance mutex
	mounted chan struct{}       // closed when the first mount attempt finishes
	once    sync.Once

	// Written with the mutex held
	ready      atomic.Bool
	generation atomic.Uint32
	volume     types.Volume

	sched *suspend.Scheduler
	opts  Options
	log   zerolog.Logger
}

func newInstance(id int, spec Spec, sched *suspend.Scheduler, opts Options) *Instance {
	geo := types.Geometry{
		PhysSize:       spec.Driver.Size(spec.Partition),
		PhysEraseBlock: spec.Driver.EraseSize(spec.Partition),
		LogBlockSize:   spec.LogBlockSize,
		LogPageSize:    spec.LogPageSize,
		MaxOpenFiles:   spec.MaxOpenFiles,
	}
	if geo.LogBlockSize == 0 {
		geo.LogBlockSize = DefaultLogBlockSize
	}
	if geo.LogPageSize == 0 {
		geo.LogPageSize = DefaultLogPageSize
	}
	if geo.MaxOpenFiles == 0 {
		geo.MaxOpenFiles = DefaultMaxOpenFiles
	}

	return &Instance{
		id:        id,
		partition: spec.Partition,
		driver:    spec.Driver,
		engine:    spec.Engine,
		dev:       blockDevice{driver: spec.Driver, partition: spec.Partition},
		geo:       geo,
		sem:       semaphore.NewWeighted(1),
		mounted:   make(chan struct{}),
		sched:     sched,
		opts:      opts,
		log:       utils.ComponentLogger("instance").With().Int("fs", id).Logger(),
	}
}

// ID returns the instance id.
func (in *Instance) ID() int { return in.id }

// Partition returns the flash partition the instance lives on.
func (in *Instance) Partition() int { return in.partition }

// Geometry returns the geometry the engine is mounted with.
func (in *Instance) Geometry() types.Geometry { return in.geo }

// Ready reports whether the last mount attempt succeeded.
func (in *Instance) Ready() bool { return in.ready.Load() }

// Generation returns the number of completed mount attempts.
func (in *Instance) Generation() uint32 { return in.generation.Load() }

// guard is proof that the instance mutex is held. The driver lock can only
// be taken through a guard, which fixes the lock order to instance mutex
// then driver lock.
type guard struct {
	in     *Instance
	access bool
}

// device runs fn with the driver lock held.
func (g *guard) device(fn func(dev types.BlockDevice) error) error {
	g.in.driver.Lock()
	defer g.in.driver.Unlock()
	return fn(g.in.dev)
}

// release re-arms the idle window after an access and drops the mutex.
func (g *guard) release() {
	if g.access {
		g.in.sched.Plan(g.in.id)
	}
	g.in.sem.Release(1)
}

// lock takes the instance mutex, bounded by the lock timeout.
func (in *Instance) lock(ctx context.Context, op string) error {
	lctx := ctx
	if in.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, in.opts.LockTimeout)
		defer cancel()
	}
	if err := in.sem.Acquire(lctx, 1); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "wait for instance lock canceled").
				WithComponent("instance").WithOperation(op)
		}
		return errors.Newf(errors.ErrCodeLockTimeout, "instance %d busy for %v", in.id, in.opts.LockTimeout).
			WithComponent("instance").WithOperation(op)
	}
	return nil
}

// waitMounted blocks until the first mount attempt has finished.
func (in *Instance) waitMounted(ctx context.Context, op string) error {
	select {
	case <-in.mounted:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if in.opts.ReadyTimeout > 0 {
		t := time.NewTimer(in.opts.ReadyTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-in.mounted:
		return nil
	case <-timeout:
		return in.notReady(op)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeNotReady, "wait for mount canceled").
			WithComponent("instance").WithOperation(op)
	}
}

func (in *Instance) notReady(op string) *errors.FlashFSError {
	return errors.Newf(errors.ErrCodeNotReady, "instance %d is not mounted", in.id).
		WithComponent("instance").WithOperation(op)
}

// acquire is the entry of every synchronous access: abort the idle window,
// wait for the mount, take the mutex and require a mounted volume.
func (in *Instance) acquire(ctx context.Context, op string) (*guard, error) {
	in.sched.Abort(in.id)

	if err := in.waitMounted(ctx, op); err != nil {
		in.sched.Plan(in.id)
		return nil, err
	}
	if err := in.lock(ctx, op); err != nil {
		in.sched.Plan(in.id)
		return nil, err
	}
	// A window armed by the previous holder may have expired meanwhile.
	in.sched.Abort(in.id)

	g := &guard{in: in, access: true}
	if !in.ready.Load() {
		g.release()
		return nil, in.notReady(op)
	}
	return g, nil
}

func (in *Instance) markMounted() {
	in.once.Do(func() { close(in.mounted) })
}

// mountLocked mounts the volume, formatting and retrying once when mount
// fails. With reformat set the volume is formatted first. Every call bumps
// the generation, whatever the outcome.
func (in *Instance) mountLocked(g *guard, reformat bool) error {
	start := time.Now()
	var (
		vol         types.Volume
		total, used uint64
	)
	err := g.device(func(dev types.BlockDevice) error {
		if reformat {
			if err := in.engine.Format(in.geo, dev); err != nil {
				in.log.Error().Err(err).Msg("format failed")
				return err
			}
		}
		v, err := in.engine.Mount(in.geo, dev)
		if err != nil && !reformat {
			in.log.Warn().Err(err).Msg("mount failed, formatting")
			if ferr := in.engine.Format(in.geo, dev); ferr != nil {
				in.log.Error().Err(ferr).Msg("format failed")
				return ferr
			}
			v, err = in.engine.Mount(in.geo, dev)
		}
		if err != nil {
			return err
		}
		vol = v
		var ierr error
		total, used, ierr = v.Info()
		if ierr != nil {
			in.log.Warn().Err(ierr).Msg("volume info unavailable")
		}
		return nil
	})

	gen := in.generation.Add(1)
	in.volume = vol
	in.ready.Store(err == nil)
	in.observer().ObserveMount(in.id, gen, err == nil)

	if err != nil {
		in.log.Error().Err(err).Uint32("gen", gen).Msg("mount failed")
		return errors.Wrap(err, errors.ErrCodeMountFailed, "mount failed after format").
			WithComponent("instance").WithOperation("mount").
			WithContext("fs", itoa(in.id))
	}

	in.log.Info().
		Uint32("gen", gen).
		Uint64("total", total).
		Uint64("used", used).
		Dur("took", time.Since(start)).
		Msg("mounted")
	return nil
}

// Mount performs the first mount attempt. Waiters blocked on the mount are
// released whatever the outcome.
func (in *Instance) Mount(ctx context.Context) error {
	defer in.markMounted()

	if err := in.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, errors.ErrCodeMountFailed, "mount canceled").WithComponent("instance")
	}
	g := &guard{in: in}
	defer g.release()

	select {
	case <-in.mounted:
		return nil // already mounted
	default:
	}
	return in.mountLocked(g, false)
}

// Reformat formats the volume and mounts it again. Every descriptor issued
// before the call becomes invalid.
func (in *Instance) Reformat(ctx context.Context) error {
	defer in.markMounted()

	if err := in.lock(ctx, "reformat"); err != nil {
		return err
	}
	g := &guard{in: in}
	defer g.release()

	in.log.Warn().Msg("reformatting volume")
	return in.mountLocked(g, true)
}

// Remount mounts the volume again, formatting only if mount fails. Every
// descriptor issued before the call becomes invalid.
func (in *Instance) Remount(ctx context.Context) error {
	defer in.markMounted()

	if err := in.lock(ctx, "remount"); err != nil {
		return err
	}
	g := &guard{in: in}
	defer g.release()

	return in.mountLocked(g, false)
}

// Suspend claims the expired idle window and puts the device into its low
// power state. It reports whether the device was suspended.
func (in *Instance) Suspend(ctx context.Context) (bool, error) {
	if err := in.lock(ctx, "suspend"); err != nil {
		return false, err
	}
	g := &guard{in: in}
	defer g.release()

	if !in.sched.Claim(in.id) {
		return false, nil
	}
	s, ok := in.driver.(types.Suspender)
	if !ok {
		return false, nil
	}
	err := g.device(func(types.BlockDevice) error { return s.Suspend() })
	if err != nil {
		in.log.Error().Err(err).Msg("suspend failed")
		return false, errors.Wrap(err, errors.ErrCodeDriverError, "suspend failed").
			WithComponent("instance").WithOperation("suspend")
	}
	in.observer().ObserveSuspend(in.id)
	in.log.Debug().Msg("device suspended")
	return true, nil
}

// Snapshot returns the raw contents of the partition.
func (in *Instance) Snapshot(ctx context.Context) ([]byte, error) {
	g, err := in.acquire(ctx, "snapshot")
	if err != nil {
		return nil, err
	}
	defer g.release()

	image := make([]byte, in.geo.PhysSize)
	err = g.device(func(dev types.BlockDevice) error {
		return dev.ReadAt(0, image)
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDriverError, "read partition").
			WithComponent("instance").WithOperation("snapshot")
	}
	return image, nil
}

// Restore replaces the raw contents of the partition with image and
// remounts. The instance does not have to be mounted.
func (in *Instance) Restore(ctx context.Context, image []byte) error {
	if uint32(len(image)) != in.geo.PhysSize {
		return errors.Newf(errors.ErrCodeInvalidArgument,
			"image is %d bytes, partition is %d", len(image), in.geo.PhysSize).
			WithComponent("instance").WithOperation("restore")
	}
	defer in.markMounted()

	in.sched.Abort(in.id)
	if err := in.lock(ctx, "restore"); err != nil {
		in.sched.Plan(in.id)
		return err
	}
	g := &guard{in: in, access: true}
	defer g.release()

	err := g.device(func(dev types.BlockDevice) error {
		if err := dev.Erase(0, in.geo.PhysSize); err != nil {
			return err
		}
		return dev.WriteAt(0, image)
	})
	if err != nil {
		in.ready.Store(false)
		return errors.Wrap(err, errors.ErrCodeDriverError, "write partition").
			WithComponent("instance").WithOperation("restore")
	}
	in.log.Info().Int("bytes", len(image)).Msg("partition image restored")
	return in.mountLocked(g, false)
}

func (in *Instance) observer() Observer {
	if in.opts.Observer == nil {
		return nopObserver{}
	}
	return in.opts.Observer
}

// blockDevice binds a driver to one partition. Callers hold the driver lock.
type blockDevice struct {
	driver    types.Driver
	partition int
}

func (b blockDevice) ReadAt(addr uint32, p []byte) error {
	return b.driver.Read(b.partition, addr, p)
}

func (b blockDevice) WriteAt(addr uint32, p []byte) error {
	return b.driver.Write(b.partition, addr, p)
}

func (b blockDevice) Erase(addr, size uint32) error {
	return b.driver.Erase(b.partition, addr, size)
}
