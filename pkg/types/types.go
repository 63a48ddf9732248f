package types

import (
	"errors"
	"fmt"
)

// OpenFlag selects the access mode of Volume.Open.
type OpenFlag uint32

const (
	OpenAppend OpenFlag = 1 << iota
	OpenTrunc
	OpenCreate
	OpenReadOnly
	OpenWriteOnly

	OpenReadWrite = OpenReadOnly | OpenWriteOnly
)

// Readable reports whether the flags permit reading.
func (f OpenFlag) Readable() bool { return f&OpenReadOnly != 0 }

// Writable reports whether the flags permit writing.
func (f OpenFlag) Writable() bool { return f&OpenWriteOnly != 0 }

// Whence is the reference point of a Seek.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// FileInfo is the result of Stat on an open descriptor.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Geometry describes the device layout an Engine is mounted with.
type Geometry struct {
	PhysSize       uint32 `json:"phys_size"`
	PhysEraseBlock uint32 `json:"phys_erase_block"`
	LogBlockSize   uint32 `json:"log_block_size"`
	LogPageSize    uint32 `json:"log_page_size"`
	MaxOpenFiles   int    `json:"max_open_files"`
}

// Validate checks that the geometry is usable.
func (g Geometry) Validate() error {
	if g.PhysSize == 0 {
		return fmt.Errorf("physical size is zero")
	}
	if g.PhysEraseBlock == 0 || g.PhysSize%g.PhysEraseBlock != 0 {
		return fmt.Errorf("physical size %d is not a multiple of erase block %d", g.PhysSize, g.PhysEraseBlock)
	}
	if g.MaxOpenFiles <= 0 {
		return fmt.Errorf("max open files must be greater than 0")
	}
	return nil
}

// FD is a descriptor issued by an instance. It carries the mount
// generation it was issued under so that descriptors from an earlier mount
// are rejected even when the raw engine descriptor is reused.
type FD struct {
	Generation uint32 `json:"generation"`
	Raw        int    `json:"raw"`
}

func (fd FD) String() string {
	return fmt.Sprintf("%d:%d", fd.Generation, fd.Raw)
}

// Engine level failures. Engines return these (possibly wrapped); the
// instance layer maps them into the error taxonomy.
var (
	ErrNotFound      = errors.New("file not found")
	ErrExists        = errors.New("file exists")
	ErrFull          = errors.New("volume full")
	ErrCorrupt       = errors.New("volume corrupt")
	ErrNotFormatted  = errors.New("volume not formatted")
	ErrBadDescriptor = errors.New("bad file descriptor")
	ErrTooManyOpen   = errors.New("too many open files")
	ErrAccessMode    = errors.New("descriptor not opened for this access")
)
