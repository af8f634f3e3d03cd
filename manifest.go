package phoenix

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Chunk is an immutable piece of file content.
type Chunk struct {
	Hash Hash
	Data []byte
}

// NewChunk computes the hash of data and wraps both in a Chunk.
func NewChunk(data []byte) Chunk {
	return Chunk{Hash: Sum(data), Data: data}
}

// ChunkRef locates a chunk within a file.
type ChunkRef struct {
	Hash   Hash
	Offset int64
	Length int64
}

// Manifest describes one revision of one tracked file.
// Concatenating the payloads of Chunks in order reproduces the file.
type Manifest struct {
	Path     string
	Revision uint64
	Size     int64
	Mode     os.FileMode
	MTime    time.Time

	// Deleted marks a tombstone: the file was removed in this revision.
	Deleted bool

	Chunks []ChunkRef
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Chunks = append([]ChunkRef(nil), m.Chunks...)
	return &out
}

// Digest is the hash of the full manifest content.
// It covers the ordered chunk hashes and lengths and the tombstone flag,
// but not the path, revision, mode or mtime,
// so two manifests with equal digests describe identical file content.
func (m *Manifest) Digest() Hash {
	hasher := blake3.New()
	var buf [8]byte
	if m.Deleted {
		hasher.Write([]byte{1})
	} else {
		hasher.Write([]byte{0})
	}
	for _, c := range m.Chunks {
		hasher.Write(c.Hash[:])
		binary.BigEndian.PutUint64(buf[:], uint64(c.Length))
		hasher.Write(buf[:])
	}
	var out Hash
	copy(out[:], hasher.Sum(nil))
	return out
}

// Hashes returns the distinct chunk hashes of m in first-appearance order.
func (m *Manifest) Hashes() []Hash {
	if m == nil {
		return nil
	}
	seen := make(map[Hash]struct{}, len(m.Chunks))
	out := make([]Hash, 0, len(m.Chunks))
	for _, c := range m.Chunks {
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		seen[c.Hash] = struct{}{}
		out = append(out, c.Hash)
	}
	return out
}

// Validate checks the internal consistency of m:
// a clean path, contiguous chunk offsets summing to Size,
// and no chunks on a tombstone.
func (m *Manifest) Validate() error {
	if err := CheckPath(m.Path); err != nil {
		return err
	}
	if m.Deleted {
		if len(m.Chunks) > 0 || m.Size != 0 {
			return fmt.Errorf("tombstone for %s has content", m.Path)
		}
		return nil
	}
	var offset int64
	for i, c := range m.Chunks {
		if c.Offset != offset {
			return fmt.Errorf("chunk %d of %s at offset %d, want %d", i, m.Path, c.Offset, offset)
		}
		if c.Length <= 0 {
			return fmt.Errorf("chunk %d of %s has length %d", i, m.Path, c.Length)
		}
		offset += c.Length
	}
	if offset != m.Size {
		return fmt.Errorf("chunks of %s cover %d bytes, size is %d", m.Path, offset, m.Size)
	}
	return nil
}

// CheckPath reports whether p is a clean, relative, slash-separated path
// that stays inside the tree root.
func CheckPath(p string) error {
	switch {
	case p == "" || p == ".":
		return fmt.Errorf("empty path")
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("absolute path %s", p)
	case path.Clean(p) != p:
		return fmt.Errorf("unclean path %s", p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("path %s escapes the root", p)
	case strings.ContainsRune(p, 0):
		return fmt.Errorf("path contains NUL")
	}
	return nil
}

// DiffResult is the outcome of comparing two manifests.
type DiffResult struct {
	// Added holds refs in the new manifest whose hash the old one lacks,
	// one per distinct hash.
	Added []ChunkRef

	// Removed holds refs in the old manifest whose hash the new one lacks,
	// one per distinct hash.
	Removed []ChunkRef

	// Reordered tells whether the hashes common to both manifests
	// appear in a different order in the new one.
	Reordered bool
}

// Empty tells whether the two manifests had identical chunk sequences.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && !d.Reordered
}

// Diff compares two manifests by hash set, not by position:
// a chunk that moved to a different offset is neither added nor removed.
// Either argument may be nil.
// Added and Removed are relative to going from `from` to `to`.
func Diff(from, to *Manifest) DiffResult {
	var (
		oldSet = hashSet(from)
		newSet = hashSet(to)
		result DiffResult
	)

	if to != nil {
		seen := make(map[Hash]struct{})
		for _, c := range to.Chunks {
			if _, ok := oldSet[c.Hash]; ok {
				continue
			}
			if _, ok := seen[c.Hash]; ok {
				continue
			}
			seen[c.Hash] = struct{}{}
			result.Added = append(result.Added, c)
		}
	}
	if from != nil {
		seen := make(map[Hash]struct{})
		for _, c := range from.Chunks {
			if _, ok := newSet[c.Hash]; ok {
				continue
			}
			if _, ok := seen[c.Hash]; ok {
				continue
			}
			seen[c.Hash] = struct{}{}
			result.Removed = append(result.Removed, c)
		}
	}

	oldCommon := commonSeq(from, newSet)
	newCommon := commonSeq(to, oldSet)
	if len(oldCommon) != len(newCommon) {
		result.Reordered = true
	} else {
		for i := range oldCommon {
			if oldCommon[i] != newCommon[i] {
				result.Reordered = true
				break
			}
		}
	}

	return result
}

func hashSet(m *Manifest) map[Hash]struct{} {
	out := make(map[Hash]struct{})
	if m == nil {
		return out
	}
	for _, c := range m.Chunks {
		out[c.Hash] = struct{}{}
	}
	return out
}

func commonSeq(m *Manifest, other map[Hash]struct{}) []Hash {
	if m == nil {
		return nil
	}
	var out []Hash
	for _, c := range m.Chunks {
		if _, ok := other[c.Hash]; ok {
			out = append(out, c.Hash)
		}
	}
	return out
}
