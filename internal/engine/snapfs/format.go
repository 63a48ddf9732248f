package snapfs

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/flashfs/flashfs/pkg/types"
)

// On-flash layout. The partition is split into two slots of whole erase
// blocks. Each slot starts with a header followed by the payload:
//
//	header:  magic[4] version u16 reserved u16 seq u32 length u32 crc u32
//	payload: count u32, then per file: nameLen u16 name dataLen u32 data
//
// All integers are little endian. The valid slot with the highest sequence
// number is current.
const (
	magic      = "SNFS"
	version    = 1
	headerSize = 20

	minEntrySize = 2 + 4
)

type header struct {
	seq    uint32
	length uint32
	crc    uint32
}

func encodeHeader(h header) []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], magic)
	binary.LittleEndian.PutUint16(b[4:6], version)
	binary.LittleEndian.PutUint32(b[8:12], h.seq)
	binary.LittleEndian.PutUint32(b[12:16], h.length)
	binary.LittleEndian.PutUint32(b[16:20], h.crc)
	return b
}

// decodeHeader returns ok=false for an erased or foreign slot.
func decodeHeader(b []byte) (header, bool) {
	if len(b) < headerSize || string(b[0:4]) != magic {
		return header{}, false
	}
	if binary.LittleEndian.Uint16(b[4:6]) != version {
		return header{}, false
	}
	return header{
		seq:    binary.LittleEndian.Uint32(b[8:12]),
		length: binary.LittleEndian.Uint32(b[12:16]),
		crc:    binary.LittleEndian.Uint32(b[16:20]),
	}, true
}

func payloadSize(files map[string][]byte) int {
	n := 4
	for name, data := range files {
		n += 2 + len(name) + 4 + len(data)
	}
	return n
}

func encodePayload(files map[string][]byte) []byte {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	b := make([]byte, 0, payloadSize(files))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(names)))
	for _, name := range names {
		data := files[name]
		b = binary.LittleEndian.AppendUint16(b, uint16(len(name)))
		b = append(b, name...)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
		b = append(b, data...)
	}
	return b
}

func decodePayload(b []byte) (map[string][]byte, error) {
	corrupt := func(what string) error {
		return fmt.Errorf("%w: truncated %s", types.ErrCorrupt, what)
	}
	if len(b) < 4 {
		return nil, corrupt("file count")
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]
	// Every entry takes at least its two length fields
	if uint64(count) > uint64(len(b)/minEntrySize) {
		return nil, fmt.Errorf("%w: %d files cannot fit in %d bytes", types.ErrCorrupt, count, len(b))
	}

	files := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 2 {
			return nil, corrupt("name length")
		}
		nameLen := int(binary.LittleEndian.Uint16(b))
		b = b[2:]
		if len(b) < nameLen+4 {
			return nil, corrupt("name")
		}
		name := string(b[:nameLen])
		dataLen := int(binary.LittleEndian.Uint32(b[nameLen:]))
		b = b[nameLen+4:]
		if len(b) < dataLen {
			return nil, corrupt("file data")
		}
		files[name] = append([]byte(nil), b[:dataLen]...)
		b = b[dataLen:]
	}
	return files, nil
}

func checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}
