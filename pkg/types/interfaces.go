package types

// Driver defines the capability set of one physical flash device. A single
// driver may serve several partitions and therefore several instances.
type Driver interface {
	// Raw block access, addressed relative to the start of the partition
	Read(partition int, addr uint32, p []byte) error
	Write(partition int, addr uint32, p []byte) error
	Erase(partition int, addr, size uint32) error

	// Geometry queries
	Size(partition int) uint32
	EraseSize(partition int) uint32

	// Device lock, held only around a physical transaction
	Lock()
	Unlock()
}

// Suspender is implemented by drivers that can put the device into a low
// power state. The device must resume on its own at the next transaction.
type Suspender interface {
	Suspend() error
}

// BlockDevice is the partition-bound view of a Driver handed to an Engine.
type BlockDevice interface {
	ReadAt(addr uint32, p []byte) error
	WriteAt(addr uint32, p []byte) error
	Erase(addr, size uint32) error
}

// Engine is the flash filesystem implementation consumed by an instance.
type Engine interface {
	// Mount attaches to an already formatted device and returns the volume.
	Mount(geo Geometry, dev BlockDevice) (Volume, error)

	// Format wipes the device and writes an empty filesystem.
	Format(geo Geometry, dev BlockDevice) error
}

// Volume is a mounted Engine filesystem. Descriptors are engine local
// integers; callers above the instance layer never see them unstamped.
type Volume interface {
	Open(path string, flags OpenFlag) (int, error)
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Seek(fd int, offset int64, whence Whence) (int64, error)
	Stat(fd int) (FileInfo, error)
	Flush(fd int) error
	Close(fd int) error
	Remove(path string) error
	Info() (total, used uint64, err error)
}
