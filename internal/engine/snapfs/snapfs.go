// Package snapfs is a small flash filesystem engine. The whole volume is held
// in memory and committed to the partition as a checksummed snapshot on
// flush, close-after-write and remove. Commits alternate between two slots so
// an interrupted commit leaves the previous snapshot intact.
//
// snapfs implements types.Engine and is the engine the daemon and the tests
// run against. It is not safe for concurrent use; the instance layer
// serializes every call.
package snapfs

import (
	"fmt"

	"github.com/flashfs/flashfs/pkg/types"
)

// MaxNameLen is the longest file name a volume accepts.
const MaxNameLen = 32

// Engine implements types.Engine.
type Engine struct{}

// New returns the engine.
func New() *Engine {
	return &Engine{}
}

type slots struct {
	size     uint32 // bytes per slot
	page     uint32 // program granularity
	capacity uint32 // payload bytes per slot
}

func layoutFor(geo types.Geometry) (slots, error) {
	if err := geo.Validate(); err != nil {
		return slots{}, err
	}
	blocks := geo.PhysSize / geo.PhysEraseBlock
	if blocks < 2 {
		return slots{}, fmt.Errorf("snapfs needs at least 2 erase blocks, have %d", blocks)
	}
	size := blocks / 2 * geo.PhysEraseBlock
	page := geo.LogPageSize
	if page == 0 {
		page = size
	}
	return slots{size: size, page: page, capacity: size - headerSize}, nil
}

// Format erases the partition and writes an empty volume.
func (e *Engine) Format(geo types.Geometry, dev types.BlockDevice) error {
	s, err := layoutFor(geo)
	if err != nil {
		return err
	}
	if err := dev.Erase(0, s.size*2); err != nil {
		return err
	}
	return writeSlot(dev, s, 0, 1, encodePayload(nil))
}

// Mount loads the newest valid snapshot.
func (e *Engine) Mount(geo types.Geometry, dev types.BlockDevice) (types.Volume, error) {
	s, err := layoutFor(geo)
	if err != nil {
		return nil, err
	}

	best, bestSlot := header{}, -1
	for slot := 0; slot < 2; slot++ {
		buf := make([]byte, headerSize)
		if err := dev.ReadAt(uint32(slot)*s.size, buf); err != nil {
			return nil, err
		}
		h, ok := decodeHeader(buf)
		if !ok || h.length > s.capacity {
			continue
		}
		payload := make([]byte, h.length)
		if err := dev.ReadAt(uint32(slot)*s.size+headerSize, payload); err != nil {
			return nil, err
		}
		if checksum(payload) != h.crc {
			continue
		}
		if bestSlot < 0 || h.seq > best.seq {
			best, bestSlot = h, slot
		}
	}
	if bestSlot < 0 {
		return nil, types.ErrNotFormatted
	}

	payload := make([]byte, best.length)
	if err := dev.ReadAt(uint32(bestSlot)*s.size+headerSize, payload); err != nil {
		return nil, err
	}
	files, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}

	return &volume{
		dev:     dev,
		layout:  s,
		files:   files,
		seq:     best.seq,
		slot:    bestSlot,
		fds:     make([]*handle, geo.MaxOpenFiles),
		maxName: MaxNameLen,
	}, nil
}

func writeSlot(dev types.BlockDevice, s slots, slot int, seq uint32, payload []byte) error {
	if uint32(len(payload)) > s.capacity {
		return types.ErrFull
	}
	base := uint32(slot) * s.size
	if err := dev.Erase(base, s.size); err != nil {
		return err
	}
	// Payload first, header last: a torn commit leaves no valid header.
	if err := program(dev, s.page, base+headerSize, payload); err != nil {
		return err
	}
	h := encodeHeader(header{seq: seq, length: uint32(len(payload)), crc: checksum(payload)})
	return program(dev, s.page, base, h)
}

// program writes b in chunks that never cross a page boundary.
func program(dev types.BlockDevice, page, addr uint32, b []byte) error {
	for len(b) > 0 {
		n := page - addr%page
		if n > uint32(len(b)) {
			n = uint32(len(b))
		}
		if err := dev.WriteAt(addr, b[:n]); err != nil {
			return err
		}
		addr += n
		b = b[n:]
	}
	return nil
}
