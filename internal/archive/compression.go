package archive

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/flashfs/flashfs/pkg/errors"
)

// Compression is the codec applied to partition images before upload.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

// String returns the configuration name of the codec
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses a codec name. The empty string means zstd.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return CompressionZSTD, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidConfig, "unknown compression %q", name)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Image frame: [codec u8][uncompressed u32][compressed u32][data].
// A compressed size of 0 means the data is stored raw.
const frameHeaderSize = 9

// encodeImage frames image with codec c. Images that do not shrink are
// stored raw.
func encodeImage(image []byte, c Compression) ([]byte, error) {
	var compressed []byte
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(image)))
		n, err := lz4.CompressBlock(image, buf, nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternalError, "lz4 compress")
		}
		compressed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(image, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "unknown compression %d", uint8(c))
	}

	if len(compressed) == 0 || len(compressed) >= len(image) {
		c, compressed = CompressionNone, nil
	}

	payload := image
	if compressed != nil {
		payload = compressed
	}
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(image)))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(compressed)))
	copy(out[frameHeaderSize:], payload)
	return out, nil
}

// decodeImage reverses encodeImage. The codec is read from the frame.
func decodeImage(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, errors.NewError(errors.ErrCodeImageCorrupt, "image frame too small for header")
	}
	c := Compression(frame[0])
	size := binary.LittleEndian.Uint32(frame[1:])
	compressedSize := binary.LittleEndian.Uint32(frame[5:])
	data := frame[frameHeaderSize:]

	if compressedSize == 0 {
		if uint32(len(data)) != size {
			return nil, errors.Newf(errors.ErrCodeImageCorrupt, "raw image is %d bytes, header says %d", len(data), size)
		}
		return append([]byte(nil), data...), nil
	}
	if uint32(len(data)) != compressedSize {
		return nil, errors.Newf(errors.ErrCodeImageCorrupt, "compressed image is %d bytes, header says %d", len(data), compressedSize)
	}

	result := make([]byte, size)
	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(data, result)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeImageCorrupt, "lz4 decompress")
		}
		if uint32(n) != size {
			return nil, errors.NewError(errors.ErrCodeImageCorrupt, "decompressed size mismatch")
		}
		return result, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		decoded, err := dec.DecodeAll(data, result[:0])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeImageCorrupt, "zstd decompress")
		}
		if uint32(len(decoded)) != size {
			return nil, errors.NewError(errors.ErrCodeImageCorrupt, "decompressed size mismatch")
		}
		return decoded, nil
	default:
		return nil, errors.Newf(errors.ErrCodeImageCorrupt, "unknown compression %d", uint8(c))
	}
}
