package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cosmicboots/phoenix"
	"github.com/cosmicboots/phoenix/store/compress"
	"github.com/cosmicboots/phoenix/testutil"
)

func newStore(t *testing.T, c compress.Compressor) *Store {
	dirname, err := os.MkdirTemp("", "filestore")
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(dirname, c)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Close()
		os.RemoveAll(dirname)
	})
	return s
}

func TestStore(t *testing.T) {
	for _, c := range []compress.Compressor{compress.None{}, compress.Zstd{}, compress.LZ4{}} {
		t.Run(c.Name(), func(t *testing.T) {
			testutil.ReadWrite(context.Background(), t, newStore(t, c), testutil.RandomData(1, 1<<20))
		})
	}
}

func TestChunks(t *testing.T) {
	testutil.Chunks(context.Background(), t, newStore(t, compress.Zstd{}))
}

func TestAllChunks(t *testing.T) {
	testutil.AllChunks(context.Background(), t, func() phoenix.ChunkStore { return newStore(t, nil) })
}

func TestCorruptOnDisk(t *testing.T) {
	var (
		ctx  = context.Background()
		s    = newStore(t, nil)
		data = []byte("precious bytes")
		h    = phoenix.Sum(data)
	)
	if _, err := s.Put(ctx, h, data); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.chunkpath(h), append([]byte{compress.IDNone}, "tampered bytes"...), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, h); !errors.Is(err, phoenix.ErrCorruptChunk) {
		t.Errorf("got %v, want ErrCorruptChunk", err)
	}
}

func TestReopen(t *testing.T) {
	var (
		ctx  = context.Background()
		dir  = t.TempDir()
		data = []byte("survives a restart")
		h    = phoenix.Sum(data)
	)

	s, err := New(dir, compress.Zstd{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = s.Put(ctx, h, data); err != nil {
		t.Fatal(err)
	}
	if err = s.IncRef(ctx, h); err != nil {
		t.Fatal(err)
	}
	if err = s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.Get(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Errorf("got %q, want %q", got, data)
	}

	var counts []phoenix.RefCount
	err = s.RefCounts(ctx, func(rc phoenix.RefCount) error {
		counts = append(counts, rc)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts[0].Hash != h || counts[0].Count != 1 {
		t.Errorf("got refcounts %v, want one count of 1 for %s", counts, h)
	}
}

func TestLayout(t *testing.T) {
	var (
		ctx  = context.Background()
		s    = newStore(t, nil)
		data = []byte("where does it go")
		h    = phoenix.Sum(data)
		hex  = h.String()
	)
	if _, err := s.Put(ctx, h, data); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(s.root, "chunks", hex[:2], hex[:4], hex)
	if _, err := os.Stat(want); err != nil {
		t.Error(err)
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "chunks", hex[:2], hex[:4], ".tmp-*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}
