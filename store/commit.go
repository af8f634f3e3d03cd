package store

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cosmicboots/phoenix"
)

// Committer pairs a chunk store with a manifest store
// and keeps the chunk reference counts consistent with the committed manifests.
type Committer struct {
	Chunks    phoenix.ChunkStore
	Manifests phoenix.ManifestStore
	Logger    *zap.SugaredLogger
}

// NewCommitter produces a Committer.
// A nil logger discards log output.
func NewCommitter(cs phoenix.ChunkStore, ms phoenix.ManifestStore, logger *zap.SugaredLogger) *Committer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Committer{Chunks: cs, Manifests: ms, Logger: logger}
}

// Commit makes m the current manifest for m.Path,
// provided the path's current revision is `expected`.
//
// Every chunk m references must already be in the chunk store;
// otherwise Commit fails with phoenix.ErrMissingChunk and changes nothing.
// References to m's chunks are counted before the manifest is written,
// and references to the replaced manifest's chunks are released after,
// so a crash at any point can over-count but never under-count.
// Over-counted chunks are reclaimed by a full sweep (see package gc).
//
// On success Commit returns the replaced manifest, if any.
func (c *Committer) Commit(ctx context.Context, m *phoenix.Manifest, expected uint64) (*phoenix.Manifest, error) {
	if err := m.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validating manifest for %s", m.Path)
	}

	for _, h := range m.Hashes() {
		ok, err := c.Chunks.Has(ctx, h)
		if err != nil {
			return nil, errors.Wrapf(err, "checking for chunk %s", h)
		}
		if !ok {
			return nil, errors.Wrapf(phoenix.ErrMissingChunk, "chunk %s of %s revision %d", h, m.Path, m.Revision)
		}
	}

	for i, ref := range m.Chunks {
		if err := c.Chunks.IncRef(ctx, ref.Hash); err != nil {
			c.release(ctx, m.Chunks[:i])
			return nil, errors.Wrapf(err, "counting reference to chunk %s", ref.Hash)
		}
	}

	prior, err := c.Manifests.Put(ctx, m, expected)
	if err != nil {
		c.release(ctx, m.Chunks)
		return nil, err
	}

	if prior != nil {
		c.release(ctx, prior.Chunks)
	}
	return prior, nil
}

// A failure here leaves a count too high, which only delays collection.
func (c *Committer) release(ctx context.Context, refs []phoenix.ChunkRef) {
	for _, ref := range refs {
		if err := c.Chunks.DecRef(ctx, ref.Hash); err != nil {
			c.Logger.Warnw("releasing chunk reference", "chunk", ref.Hash, "error", err)
		}
	}
}
