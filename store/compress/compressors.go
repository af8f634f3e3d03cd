package compress

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// None stores payloads as they are.
type None struct{}

func (None) ID() byte                              { return IDNone }
func (None) Name() string                          { return "none" }
func (None) Compress(inp []byte) ([]byte, error)   { return inp, nil }
func (None) Uncompress(inp []byte) ([]byte, error) { return append([]byte(nil), inp...), nil }

// Zstd is zstd at the default level.
type Zstd struct{}

// Encoders and decoders created with nil I/O are safe for concurrent EncodeAll/DecodeAll.
var (
	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zdec, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

func (Zstd) ID() byte     { return IDZstd }
func (Zstd) Name() string { return "zstd" }

func (Zstd) Compress(inp []byte) ([]byte, error) {
	return zenc.EncodeAll(inp, nil), nil
}

func (Zstd) Uncompress(inp []byte) ([]byte, error) {
	return zdec.DecodeAll(inp, nil)
}

// LZ4 is lz4 block compression.
// The block is preceded by the uncompressed length as a 4-byte big-endian integer.
type LZ4 struct{}

func (LZ4) ID() byte     { return IDLZ4 }
func (LZ4) Name() string { return "lz4" }

func (LZ4) Compress(inp []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(inp)))
	binary.BigEndian.PutUint32(out, uint32(len(inp)))
	n, err := lz4.CompressBlock(inp, out[4:], nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible; make sure Encode falls back to None.
		return append(out[:4], inp...), nil
	}
	return out[:4+n], nil
}

func (LZ4) Uncompress(inp []byte) ([]byte, error) {
	if len(inp) < 4 {
		return nil, fmt.Errorf("lz4 block too short (%d bytes)", len(inp))
	}
	size := binary.BigEndian.Uint32(inp)
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(inp[4:], out)
	if err != nil {
		return nil, err
	}
	if n != int(size) {
		return nil, fmt.Errorf("lz4 block has %d bytes, want %d", n, size)
	}
	return out, nil
}
