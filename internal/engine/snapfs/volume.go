package snapfs

import (
	"fmt"
	"io"

	"github.com/flashfs/flashfs/pkg/types"
)

type handle struct {
	name  string
	flags types.OpenFlag
	pos   int64
	dirty bool
}

type volume struct {
	dev    types.BlockDevice
	layout slots

	files map[string][]byte
	used  int // cached payloadSize, 0 when stale
	seq   uint32
	slot  int

	fds     []*handle // fd n lives at fds[n-1]
	maxName int
}

func (v *volume) handle(fd int) (*handle, error) {
	if fd < 1 || fd > len(v.fds) || v.fds[fd-1] == nil {
		return nil, types.ErrBadDescriptor
	}
	return v.fds[fd-1], nil
}

func (v *volume) Open(path string, flags types.OpenFlag) (int, error) {
	if path == "" || len(path) > v.maxName {
		return 0, fmt.Errorf("%w: invalid name %q", types.ErrNotFound, path)
	}

	slot := -1
	for i, h := range v.fds {
		if h == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, types.ErrTooManyOpen
	}

	h := &handle{name: path, flags: flags}
	data, exists := v.files[path]
	switch {
	case !exists && flags&types.OpenCreate == 0:
		return 0, types.ErrNotFound
	case !exists:
		if !v.fits(path, 0) {
			return 0, types.ErrFull
		}
		v.files[path] = nil
		v.used = 0
		h.dirty = true
	case flags&types.OpenTrunc != 0 && flags.Writable():
		if len(data) > 0 {
			v.files[path] = nil
			v.used = 0
			h.dirty = true
		}
	}

	v.fds[slot] = h
	return slot + 1, nil
}

func (v *volume) Read(fd int, p []byte) (int, error) {
	h, err := v.handle(fd)
	if err != nil {
		return 0, err
	}
	if !h.flags.Readable() {
		return 0, types.ErrAccessMode
	}
	data, ok := v.files[h.name]
	if !ok {
		return 0, types.ErrBadDescriptor
	}
	if h.pos >= int64(len(data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, data[h.pos:])
	h.pos += int64(n)
	return n, nil
}

func (v *volume) Write(fd int, p []byte) (int, error) {
	h, err := v.handle(fd)
	if err != nil {
		return 0, err
	}
	if !h.flags.Writable() {
		return 0, types.ErrAccessMode
	}
	data, ok := v.files[h.name]
	if !ok {
		return 0, types.ErrBadDescriptor
	}
	if h.flags&types.OpenAppend != 0 {
		h.pos = int64(len(data))
	}

	end := h.pos + int64(len(p))
	if end > int64(len(data)) {
		if !v.fits(h.name, int(end)) {
			return 0, types.ErrFull
		}
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[h.pos:], p)
	v.files[h.name] = data
	v.used = 0
	h.pos = end
	h.dirty = true
	return len(p), nil
}

func (v *volume) Seek(fd int, offset int64, whence types.Whence) (int64, error) {
	h, err := v.handle(fd)
	if err != nil {
		return 0, err
	}
	size := int64(len(v.files[h.name]))

	var pos int64
	switch whence {
	case types.SeekSet:
		pos = offset
	case types.SeekCur:
		pos = h.pos + offset
	case types.SeekEnd:
		pos = size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("seek to negative offset %d", pos)
	}
	if pos > size {
		pos = size
	}
	h.pos = pos
	return pos, nil
}

func (v *volume) Stat(fd int) (types.FileInfo, error) {
	h, err := v.handle(fd)
	if err != nil {
		return types.FileInfo{}, err
	}
	return types.FileInfo{Name: h.name, Size: int64(len(v.files[h.name]))}, nil
}

func (v *volume) Flush(fd int) error {
	h, err := v.handle(fd)
	if err != nil {
		return err
	}
	if !h.dirty {
		return nil
	}
	if err := v.commit(); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

func (v *volume) Close(fd int) error {
	h, err := v.handle(fd)
	if err != nil {
		return err
	}
	v.fds[fd-1] = nil
	if h.dirty {
		return v.commit()
	}
	return nil
}

func (v *volume) Remove(path string) error {
	if _, ok := v.files[path]; !ok {
		return types.ErrNotFound
	}
	delete(v.files, path)
	v.used = 0
	for i, h := range v.fds {
		if h != nil && h.name == path {
			v.fds[i] = nil
		}
	}
	return v.commit()
}

func (v *volume) Info() (total, used uint64, err error) {
	return uint64(v.layout.capacity), uint64(v.usedBytes()), nil
}

func (v *volume) usedBytes() int {
	if v.used == 0 {
		v.used = payloadSize(v.files)
	}
	return v.used
}

// fits reports whether the volume can hold name at size bytes.
func (v *volume) fits(name string, size int) bool {
	used := v.usedBytes()
	if cur, ok := v.files[name]; ok {
		used -= len(cur)
	} else {
		used += 2 + len(name) + 4
	}
	return used+size <= int(v.layout.capacity)
}

func (v *volume) commit() error {
	next := 1 - v.slot
	if err := writeSlot(v.dev, v.layout, next, v.seq+1, encodePayload(v.files)); err != nil {
		return err
	}
	v.slot = next
	v.seq++
	return nil
}
