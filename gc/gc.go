// Package gc reclaims chunks no committed manifest references.
//
// Reclamation is deferred: a chunk whose reference count drops to zero
// is only deleted once the count has been untouched for a grace period
// and no in-flight transfer has pinned it.
// A chunk stored by a transfer that never committed has a zero count from the moment it is written,
// so it ages out the same way.
package gc

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cosmicboots/phoenix"
)

// DefaultGrace is the grace period used when a Collector has none.
const DefaultGrace = 10 * time.Minute

// Collector deletes unreferenced chunks from a chunk store.
type Collector struct {
	Store phoenix.ChunkStore
	Pins  *Pins
	Grace time.Duration
	Clock clockwork.Clock

	Logger *zap.SugaredLogger
}

func (c *Collector) clock() clockwork.Clock {
	if c.Clock == nil {
		return clockwork.NewRealClock()
	}
	return c.Clock
}

func (c *Collector) logger() *zap.SugaredLogger {
	if c.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return c.Logger
}

// Run makes one collection pass and reports how many chunks it deleted.
// Candidates are gathered first and deleted in a batch afterwards.
func (c *Collector) Run(ctx context.Context) (int, error) {
	grace := c.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	cutoff := c.clock().Now().Add(-grace)

	var doomed []phoenix.Hash
	err := c.Store.RefCounts(ctx, func(rc phoenix.RefCount) error {
		if rc.Count > 0 || rc.Updated.After(cutoff) {
			return nil
		}
		if c.Pins.Pinned(rc.Hash) {
			return nil
		}
		doomed = append(doomed, rc.Hash)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "scanning reference counts")
	}

	var deleted int
	for _, h := range doomed {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		// A transfer may have pinned h since the scan.
		ok, err := c.delete(ctx, h)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	if deleted > 0 {
		c.logger().Infow("collected chunks", "deleted", deleted)
	}
	return deleted, nil
}

// Loop calls Run every interval until ctx is canceled.
// Errors are logged and do not stop the loop.
func (c *Collector) Loop(ctx context.Context, interval time.Duration) error {
	ticker := c.clock().NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if _, err := c.Run(ctx); err != nil && ctx.Err() == nil {
				c.logger().Errorw("garbage collection failed", "error", err)
			}
		}
	}
}

// Sweep deletes every chunk in the store that is neither in keep nor pinned,
// regardless of reference counts.
// It reclaims chunks whose counts were left too high by a crash.
// Populate keep with Mark.
func (c *Collector) Sweep(ctx context.Context, keep Keep) (int, error) {
	var doomed []phoenix.Hash
	err := c.Store.ListChunks(ctx, phoenix.Zero, func(h phoenix.Hash) error {
		ok, err := keep.Contains(ctx, h)
		if err != nil {
			return err
		}
		if !ok && !c.Pins.Pinned(h) {
			doomed = append(doomed, h)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "listing chunks")
	}

	var deleted int
	for _, h := range doomed {
		ok, err := c.delete(ctx, h)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	c.logger().Infow("swept chunks", "deleted", deleted)
	return deleted, nil
}

// delete removes h unless it is pinned.
func (c *Collector) delete(ctx context.Context, h phoenix.Hash) (bool, error) {
	ok, err := c.Pins.UnlessPinned(h, func() error {
		return c.Store.Delete(ctx, h)
	})
	return ok, errors.Wrapf(err, "deleting chunk %s", h)
}
