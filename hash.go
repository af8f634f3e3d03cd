package phoenix

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// HashSize is the length of a Hash in bytes.
const HashSize = 32

// Hash is the content hash of a chunk: its BLAKE3 digest.
type Hash [HashSize]byte

// Zero is the zero value of a Hash.
var Zero Hash

// Sum computes the Hash of a chunk payload.
func Sum(data []byte) Hash {
	return blake3.Sum256(data)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short is an abbreviated form of the hash for log output.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

func (h Hash) IsZero() bool {
	return h == Zero
}

func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// FromHex parses s into h.
func (h *Hash) FromHex(s string) error {
	if len(s) != 2*HashSize {
		return fmt.Errorf("wrong length %d for hex hash", len(s))
	}
	_, err := hex.Decode(h[:], []byte(s))
	return err
}

// HashFromBytes copies b into a Hash.
// It is an error for b to have the wrong length.
func HashFromBytes(b []byte) (Hash, error) {
	var out Hash
	if len(b) != HashSize {
		return out, fmt.Errorf("wrong length %d for hash", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func HashFromHex(s string) (Hash, error) {
	var out Hash
	err := out.FromHex(s)
	return out, err
}

// Value implements driver.Valuer.
func (h Hash) Value() (driver.Value, error) {
	return h[:], nil
}

// Scan implements sql.Scanner.
func (h *Hash) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Hash", src)
	}
	got, err := HashFromBytes(b)
	if err != nil {
		return errors.Wrap(err, "scanning hash")
	}
	*h = got
	return nil
}
