package mem

import (
	"context"
	"testing"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/testutil"
)

func TestStore(t *testing.T) {
	testutil.ReadWrite(context.Background(), t, New(), testutil.RandomData(1, 1<<20))
}

func TestChunks(t *testing.T) {
	testutil.Chunks(context.Background(), t, New())
}

func TestAllChunks(t *testing.T) {
	testutil.AllChunks(context.Background(), t, func() phoenix.ChunkStore { return New() })
}

func TestManifests(t *testing.T) {
	testutil.Manifests(context.Background(), t, NewManifests())
}

func TestConcurrentCommits(t *testing.T) {
	testutil.ConcurrentCommits(context.Background(), t, NewManifests())
}
