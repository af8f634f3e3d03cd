// Package testutil holds conformance tests shared by the store backends.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"
	"testing/quick"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/chunker"
)

// RandomData produces n pseudo-random bytes determined by seed.
func RandomData(seed int64, n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// ReadWrite permits testing a ChunkStore implementation
// by chunking some data into it,
// then reassembling it to make sure it's the same.
func ReadWrite(ctx context.Context, t *testing.T, store phoenix.ChunkStore, data []byte) {
	c, err := chunker.New(chunker.Params{MinSize: 1 << 10, TargetSize: 8 << 10, MaxSize: 64 << 10})
	if err != nil {
		t.Fatal(err)
	}

	t1 := time.Now()
	m, err := c.Build(ctx, "data", bytes.NewReader(data), func(ch phoenix.Chunk) error {
		_, err := store.Put(ctx, ch.Hash, ch.Data)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("wrote %d bytes in %d chunks in %s", len(data), len(m.Chunks), time.Since(t1))

	buf := new(bytes.Buffer)
	t2 := time.Now()
	err = chunker.Read(ctx, store, m, buf)
	if err != nil {
		t.Fatal(err)
	}
	got := buf.Bytes()
	t.Logf("read %d bytes in %s", len(got), time.Since(t2))

	if !bytes.Equal(got, data) {
		t.Fatalf("got %d bytes back, want %d identical bytes", len(got), len(data))
	}
}

// Chunks exercises the basic ChunkStore contract on an empty store.
func Chunks(ctx context.Context, t *testing.T, store phoenix.ChunkStore) {
	var (
		a  = []byte("the quick brown fox")
		b  = []byte("jumps over the lazy dog")
		ha = phoenix.Sum(a)
		hb = phoenix.Sum(b)
	)

	added, err := store.Put(ctx, ha, a)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Error("first Put reported not added")
	}
	added, err = store.Put(ctx, ha, a)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("second Put reported added")
	}

	got, err := store.Get(ctx, ha)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, a) {
		t.Errorf("got %q, want %q", got, a)
	}

	ok, err := store.Has(ctx, hb)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Has reports a chunk never stored")
	}
	if _, err = store.Get(ctx, hb); !errors.Is(err, phoenix.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	// A payload that does not match its hash is rejected and not stored.
	_, err = store.Put(ctx, hb, a)
	if !errors.Is(err, phoenix.ErrCorruptChunk) {
		t.Errorf("got %v, want ErrCorruptChunk", err)
	}
	if ok, err = store.Has(ctx, hb); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Error("corrupt chunk was stored")
	}

	if _, err = store.Put(ctx, hb, b); err != nil {
		t.Fatal(err)
	}

	for _, step := range []struct {
		inc  bool
		want int64
	}{{true, 1}, {true, 2}, {false, 1}, {false, 0}} {
		if step.inc {
			err = store.IncRef(ctx, ha)
		} else {
			err = store.DecRef(ctx, ha)
		}
		if err != nil {
			t.Fatal(err)
		}
		if got := refCount(ctx, t, store, ha); got != step.want {
			t.Errorf("got count %d, want %d", got, step.want)
		}
	}

	if err = store.Delete(ctx, ha); err != nil {
		t.Fatal(err)
	}
	if ok, err = store.Has(ctx, ha); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Error("deleted chunk still present")
	}
	if err = store.Delete(ctx, ha); err != nil {
		t.Errorf("deleting an absent chunk: %s", err)
	}

	var listed []phoenix.Hash
	err = store.ListChunks(ctx, phoenix.Zero, func(h phoenix.Hash) error {
		listed = append(listed, h)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]phoenix.Hash{hb}, listed); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func refCount(ctx context.Context, t *testing.T, store phoenix.ChunkStore, h phoenix.Hash) int64 {
	var count int64
	err := store.RefCounts(ctx, func(rc phoenix.RefCount) error {
		if rc.Hash == h {
			count = rc.Count
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return count
}

// AllChunks writes a random set of random chunks to an empty store
// and makes sure that the right set of hashes comes back in a call to ListChunks.
func AllChunks(ctx context.Context, t *testing.T, storeFactory func() phoenix.ChunkStore) {
	if err := quick.Check(allChunksHelper(ctx, t, storeFactory), &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}

func allChunksHelper(ctx context.Context, t *testing.T, storeFactory func() phoenix.ChunkStore) func([][]byte) bool {
	return func(payloads [][]byte) bool {
		var (
			store = storeFactory()
			want  []phoenix.Hash
		)
		for _, p := range payloads {
			h := phoenix.Sum(p)
			added, err := store.Put(ctx, h, p)
			if err != nil {
				t.Fatal(err)
			}
			if added {
				want = append(want, h)
			}
		}
		var got []phoenix.Hash
		err := store.ListChunks(ctx, phoenix.Zero, func(h phoenix.Hash) error {
			got = append(got, h)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		sort.Slice(want, func(i, j int) bool { return want[i].Less(want[j]) })

		if diff := cmp.Diff(want, got); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}
}
