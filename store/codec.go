package store

import (
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/cosmicboots/phoenix"
)

// manifestRecord is the persisted form of a phoenix.Manifest.
// Integer keys keep the encoding compact and stable under field renames.
type manifestRecord struct {
	Path     string      `cbor:"1,keyasint"`
	Revision uint64      `cbor:"2,keyasint"`
	Size     int64       `cbor:"3,keyasint"`
	Mode     uint32      `cbor:"4,keyasint"`
	MTime    int64       `cbor:"5,keyasint"`
	Deleted  bool        `cbor:"6,keyasint,omitempty"`
	Chunks   []refRecord `cbor:"7,keyasint,omitempty"`
}

type refRecord struct {
	Hash   []byte `cbor:"1,keyasint"`
	Offset int64  `cbor:"2,keyasint"`
	Length int64  `cbor:"3,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// MarshalManifest encodes m deterministically for storage.
// Backends that persist manifests use it for the manifest body.
func MarshalManifest(m *phoenix.Manifest) ([]byte, error) {
	rec := manifestRecord{
		Path:     m.Path,
		Revision: m.Revision,
		Size:     m.Size,
		Mode:     uint32(m.Mode),
		Deleted:  m.Deleted,
	}
	if !m.MTime.IsZero() {
		rec.MTime = m.MTime.UnixNano()
	}
	for _, c := range m.Chunks {
		rec.Chunks = append(rec.Chunks, refRecord{Hash: c.Hash[:], Offset: c.Offset, Length: c.Length})
	}
	b, err := encMode.Marshal(rec)
	return b, errors.Wrapf(err, "encoding manifest for %s", m.Path)
}

// UnmarshalManifest reverses MarshalManifest.
func UnmarshalManifest(b []byte) (*phoenix.Manifest, error) {
	var rec manifestRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}
	m := &phoenix.Manifest{
		Path:     rec.Path,
		Revision: rec.Revision,
		Size:     rec.Size,
		Mode:     os.FileMode(rec.Mode),
		Deleted:  rec.Deleted,
	}
	if rec.MTime != 0 {
		m.MTime = time.Unix(0, rec.MTime).UTC()
	}
	for _, r := range rec.Chunks {
		h, err := phoenix.HashFromBytes(r.Hash)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding chunk ref of %s", rec.Path)
		}
		m.Chunks = append(m.Chunks, phoenix.ChunkRef{Hash: h, Offset: r.Offset, Length: r.Length})
	}
	return m, nil
}
