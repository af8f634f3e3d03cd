package phoenix

import (
	"context"
	"time"
)

// ChunkGetter is a read-only ChunkStore (qv).
type ChunkGetter interface {
	// Has tells whether the store holds the chunk with the given hash.
	Has(context.Context, Hash) (bool, error)

	// Get gets a chunk payload by its hash.
	// It returns ErrNotFound if the chunk is absent.
	Get(context.Context, Hash) ([]byte, error)

	// ListChunks calls a function for each chunk hash in the store in lexicographic order,
	// beginning with the first hash _after_ the specified one.
	//
	// If the callback function returns an error,
	// ListChunks exits with that error.
	ListChunks(context.Context, Hash, func(Hash) error) error
}

// RefCount is the reference-count record of one chunk.
type RefCount struct {
	Hash  Hash
	Count int64

	// Updated is the last time the chunk was stored or its count changed.
	Updated time.Time
}

// ChunkStore is content-addressable storage for chunk payloads.
// Each chunk is keyed by its hash and stored once
// regardless of how many manifests reference it.
//
// Implementations must allow concurrent readers during writes of other chunks.
// Writes to the same hash are idempotent.
type ChunkStore interface {
	ChunkGetter

	// Put stores data under h if it was not already present.
	// It verifies that data hashes to h,
	// failing with a CorruptChunkError otherwise and storing nothing.
	// The boolean result is true iff the chunk had to be added.
	Put(ctx context.Context, h Hash, data []byte) (added bool, err error)

	// Delete removes a chunk and its reference count.
	// Deleting an absent chunk is not an error.
	Delete(context.Context, Hash) error

	// IncRef and DecRef adjust the number of live manifest entries pointing at a chunk.
	// A count that reaches zero does not delete the chunk;
	// that is left to garbage collection.
	IncRef(context.Context, Hash) error
	DecRef(context.Context, Hash) error

	// RefCounts calls a function for each chunk with a reference-count record.
	RefCounts(context.Context, func(RefCount) error) error
}

// ManifestGetter is a read-only ManifestStore (qv).
type ManifestGetter interface {
	// Get gets the current manifest for a path.
	// It returns ErrNotFound if the path is not tracked.
	Get(ctx context.Context, path string) (*Manifest, error)

	// List calls a function for the current manifest of each path
	// lexicographically after start.
	List(ctx context.Context, start string, f func(*Manifest) error) error
}

// ManifestStore holds the current manifest of each tracked path.
type ManifestStore interface {
	ManifestGetter

	// Put atomically replaces the manifest for m.Path,
	// provided the current revision equals expected
	// (0 meaning no manifest exists yet)
	// and m.Revision is greater than expected.
	// Otherwise it fails with a ConflictError.
	// It returns the replaced manifest, if any.
	Put(ctx context.Context, m *Manifest, expected uint64) (prior *Manifest, err error)
}

// CheckRevision implements the compare-and-swap rule of ManifestStore.Put,
// given the current revision of m.Path.
func CheckRevision(m *Manifest, current, expected uint64) error {
	if current != expected || m.Revision <= expected {
		return &ConflictError{Path: m.Path, Expected: expected, Current: current, Proposed: m.Revision}
	}
	return nil
}
