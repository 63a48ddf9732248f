// Package flash provides emulated NOR flash devices implementing types.Driver.
//
// A Device holds one or more partitions laid out back to back. Erase sets a
// range to 0xFF; Write can only clear bits, exactly like NOR programming.
// Devices are backed either by process memory or by a memory mapped image
// file, and can be throttled to a configured throughput.
package flash

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/flashfs/flashfs/pkg/errors"
)

const erasedByte = 0xFF

// PartitionSpec describes one partition of a device.
type PartitionSpec struct {
	Index     int
	Size      uint32
	EraseSize uint32
}

// Options configures a Device.
type Options struct {
	Partitions []PartitionSpec

	// Bytes per second, 0 for unlimited
	ReadThroughput  int64
	WriteThroughput int64
}

// Stats is a snapshot of device counters.
type Stats struct {
	Reads        uint64
	Writes       uint64
	Erases       uint64
	BytesRead    uint64
	BytesWritten uint64
	Suspends     uint64
	Resumes      uint64
	ErasedBlocks uint64
	Suspended    bool
}

type partition struct {
	PartitionSpec
	offset uint32
	erased *roaring.Bitmap // erase blocks that are fully 0xFF
}

// Device is an emulated flash device.
type Device struct {
	mu   sync.Mutex // device lock
	held atomic.Bool

	data  []byte
	parts map[int]*partition

	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter

	suspended atomic.Bool
	closeFn   func() error

	reads, writes, erases   atomic.Uint64
	bytesRead, bytesWritten atomic.Uint64
	suspends, resumes       atomic.Uint64
}

// layout validates the partition specs and returns them sorted with offsets
// assigned, plus the total device size.
func layout(specs []PartitionSpec) ([]*partition, uint32, error) {
	if len(specs) == 0 {
		return nil, 0, errors.NewError(errors.ErrCodeInvalidArgument, "device needs at least one partition")
	}
	sorted := append([]PartitionSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var (
		parts []*partition
		total uint64
	)
	for i, spec := range sorted {
		if i > 0 && sorted[i-1].Index == spec.Index {
			return nil, 0, errors.Newf(errors.ErrCodeInvalidArgument, "duplicate partition %d", spec.Index)
		}
		if spec.Size == 0 || spec.EraseSize == 0 || spec.Size%spec.EraseSize != 0 {
			return nil, 0, errors.Newf(errors.ErrCodeInvalidArgument,
				"partition %d: size %d must be a non-zero multiple of erase size %d", spec.Index, spec.Size, spec.EraseSize)
		}
		parts = append(parts, &partition{PartitionSpec: spec, offset: uint32(total), erased: roaring.New()})
		total += uint64(spec.Size)
		if total > uint64(^uint32(0)) {
			return nil, 0, errors.NewError(errors.ErrCodeInvalidArgument, "device larger than 4GB")
		}
	}
	return parts, uint32(total), nil
}

func newDevice(parts []*partition, data []byte, opts Options) *Device {
	d := &Device{
		data:  data,
		parts: make(map[int]*partition, len(parts)),
	}
	for _, p := range parts {
		d.parts[p.Index] = p
		d.scanErased(p)
	}
	if opts.ReadThroughput > 0 {
		d.readLimiter = rate.NewLimiter(rate.Limit(opts.ReadThroughput), int(opts.ReadThroughput))
	}
	if opts.WriteThroughput > 0 {
		d.writeLimiter = rate.NewLimiter(rate.Limit(opts.WriteThroughput), int(opts.WriteThroughput))
	}
	return d
}

// scanErased rebuilds the erased block set of p from the device contents.
func (d *Device) scanErased(p *partition) {
	p.erased.Clear()
	for blk := uint32(0); blk < p.Size/p.EraseSize; blk++ {
		start := p.offset + blk*p.EraseSize
		if allErased(d.data[start : start+p.EraseSize]) {
			p.erased.Add(blk)
		}
	}
}

func allErased(b []byte) bool {
	for _, c := range b {
		if c != erasedByte {
			return false
		}
	}
	return true
}

// Lock acquires the device lock.
func (d *Device) Lock() {
	d.mu.Lock()
	d.held.Store(true)
}

// Unlock releases the device lock.
func (d *Device) Unlock() {
	d.held.Store(false)
	d.mu.Unlock()
}

// Size returns the size of the partition, 0 if it does not exist.
func (d *Device) Size(partition int) uint32 {
	if p, ok := d.parts[partition]; ok {
		return p.Size
	}
	return 0
}

// EraseSize returns the erase block size of the partition, 0 if it does not exist.
func (d *Device) EraseSize(partition int) uint32 {
	if p, ok := d.parts[partition]; ok {
		return p.EraseSize
	}
	return 0
}

// Read copies len(p) bytes at addr into p.
func (d *Device) Read(partition int, addr uint32, p []byte) error {
	part, err := d.transaction("read", partition, addr, len(p))
	if err != nil {
		return err
	}
	throttle(d.readLimiter, len(p))

	start := part.offset + addr
	copy(p, d.data[start:start+uint32(len(p))])

	d.reads.Add(1)
	d.bytesRead.Add(uint64(len(p)))
	return nil
}

// Write programs p at addr. Programming can only clear bits.
func (d *Device) Write(partition int, addr uint32, p []byte) error {
	part, err := d.transaction("write", partition, addr, len(p))
	if err != nil {
		return err
	}
	throttle(d.writeLimiter, len(p))

	start := part.offset + addr
	dst := d.data[start : start+uint32(len(p))]
	for i, b := range p {
		dst[i] &= b
	}

	if len(p) > 0 {
		first := addr / part.EraseSize
		last := (addr + uint32(len(p)) - 1) / part.EraseSize
		for blk := first; blk <= last; blk++ {
			if part.erased.Contains(blk) && !allErased(d.blockBytes(part, blk)) {
				part.erased.Remove(blk)
			}
		}
	}

	d.writes.Add(1)
	d.bytesWritten.Add(uint64(len(p)))
	return nil
}

// Erase resets [addr, addr+size) to 0xFF. Both bounds must be erase block aligned.
func (d *Device) Erase(partition int, addr, size uint32) error {
	part, err := d.transaction("erase", partition, addr, int(size))
	if err != nil {
		return err
	}
	if addr%part.EraseSize != 0 || size%part.EraseSize != 0 {
		return errors.Newf(errors.ErrCodeDriverError,
			"erase range %d+%d not aligned to %d", addr, size, part.EraseSize).
			WithComponent("flash").WithOperation("erase")
	}

	for blk := addr / part.EraseSize; blk < (addr+size)/part.EraseSize; blk++ {
		if part.erased.Contains(blk) {
			continue
		}
		throttle(d.writeLimiter, int(part.EraseSize))
		b := d.blockBytes(part, blk)
		for i := range b {
			b[i] = erasedByte
		}
		part.erased.Add(blk)
	}

	d.erases.Add(1)
	return nil
}

// Suspend puts the device into its low power state. The next transaction
// resumes it.
func (d *Device) Suspend() error {
	if !d.held.Load() {
		return errors.NewError(errors.ErrCodeDriverError, "suspend without device lock").
			WithComponent("flash").WithOperation("suspend")
	}
	if d.suspended.CompareAndSwap(false, true) {
		d.suspends.Add(1)
		log.Debug().Msg("flash device suspended")
	}
	return nil
}

// Stats returns the device counters.
func (d *Device) Stats() Stats {
	s := Stats{
		Reads:        d.reads.Load(),
		Writes:       d.writes.Load(),
		Erases:       d.erases.Load(),
		BytesRead:    d.bytesRead.Load(),
		BytesWritten: d.bytesWritten.Load(),
		Suspends:     d.suspends.Load(),
		Resumes:      d.resumes.Load(),
		Suspended:    d.suspended.Load(),
	}
	d.mu.Lock()
	for _, p := range d.parts {
		s.ErasedBlocks += p.erased.GetCardinality()
	}
	d.mu.Unlock()
	return s
}

// Close releases the backing storage.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeFn == nil {
		return nil
	}
	err := d.closeFn()
	d.closeFn = nil
	d.data = nil
	return err
}

func (d *Device) blockBytes(p *partition, blk uint32) []byte {
	start := p.offset + blk*p.EraseSize
	return d.data[start : start+p.EraseSize]
}

// transaction validates a physical access and resumes a suspended device.
func (d *Device) transaction(op string, partition int, addr uint32, n int) (*partition, error) {
	if !d.held.Load() {
		return nil, errors.NewError(errors.ErrCodeDriverError, "transaction without device lock").
			WithComponent("flash").WithOperation(op)
	}
	if d.data == nil {
		return nil, errors.NewError(errors.ErrCodeDriverError, "device closed").
			WithComponent("flash").WithOperation(op)
	}
	part, ok := d.parts[partition]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeDriverError, "no partition %d", partition).
			WithComponent("flash").WithOperation(op)
	}
	if n < 0 || uint64(addr)+uint64(n) > uint64(part.Size) {
		return nil, errors.Newf(errors.ErrCodeDriverError, "range %d+%d outside partition of %d bytes", addr, n, part.Size).
			WithComponent("flash").WithOperation(op)
	}
	if d.suspended.CompareAndSwap(true, false) {
		d.resumes.Add(1)
	}
	return part, nil
}

// throttle blocks until the limiter admits n bytes.
func throttle(l *rate.Limiter, n int) {
	if l == nil || n <= 0 {
		return
	}
	burst := l.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		// WaitN only fails for a cancelled context or chunk > burst.
		_ = l.WaitN(context.Background(), chunk)
		n -= chunk
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("flash(%d partitions, %d bytes)", len(d.parts), len(d.data))
}
