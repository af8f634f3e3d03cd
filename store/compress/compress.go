// Package compress implements the payload codecs used by on-disk chunk stores.
//
// An encoded payload is a one-byte codec identifier followed by the codec's output.
// Payloads that do not shrink are stored raw under the None codec,
// so Decode never has to know which Compressor wrote a payload.
package compress

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Compressor is a payload codec.
type Compressor interface {
	// ID is the header byte identifying this codec in encoded payloads.
	ID() byte
	Name() string
	Compress([]byte) ([]byte, error)
	Uncompress([]byte) ([]byte, error)
}

// Codec identifiers.
const (
	IDNone byte = 0
	IDZstd byte = 1
	IDLZ4  byte = 2
)

var byID = map[byte]Compressor{
	IDNone: None{},
	IDZstd: Zstd{},
	IDLZ4:  LZ4{},
}

// ByName returns the Compressor with the given name: "none", "zstd" or "lz4".
// The empty string means "zstd".
func ByName(name string) (Compressor, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return Zstd{}, nil
	case "lz4":
		return LZ4{}, nil
	case "none":
		return None{}, nil
	}
	return nil, fmt.Errorf("unknown compression %q", name)
}

// Encode compresses data with c and prepends the codec header.
// If compression does not make data smaller it is stored uncompressed.
func Encode(c Compressor, data []byte) ([]byte, error) {
	if c.ID() != IDNone {
		z, err := c.Compress(data)
		if err != nil {
			return nil, errors.Wrapf(err, "compressing with %s", c.Name())
		}
		if len(z) < len(data) {
			return append([]byte{c.ID()}, z...), nil
		}
	}
	return append([]byte{IDNone}, data...), nil
}

// Decode reverses Encode.
func Decode(enc []byte) ([]byte, error) {
	if len(enc) == 0 {
		return nil, errors.New("empty encoded payload")
	}
	c, ok := byID[enc[0]]
	if !ok {
		return nil, fmt.Errorf("unknown codec %d", enc[0])
	}
	data, err := c.Uncompress(enc[1:])
	return data, errors.Wrapf(err, "uncompressing with %s", c.Name())
}
